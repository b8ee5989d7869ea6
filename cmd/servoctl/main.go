package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/samsamfire/gocia402/internal/settings"
	"github.com/samsamfire/gocia402/pkg/controller"
	"github.com/samsamfire/gocia402/pkg/fieldbus"
	_ "github.com/samsamfire/gocia402/pkg/fieldbus/virtual"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	driver     string
	ifname     string
	slave      int
)

var rootCmd = &cobra.Command{
	Use:   "servoctl",
	Short: "CiA 402 servo drive controller",
	Long: `servoctl brings a CiA 402 drive to operation enabled over a fieldbus master
and runs the cyclic torque exchange.

Settings are read from an ini or yaml file given with --config,
command line flags override the file.`,
	SilenceUsage: true,
	Version:      Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Settings file (.ini or .yaml)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&driver, "driver", "d", "",
		fmt.Sprintf("Fieldbus master driver (%v)", strings.Join(fieldbus.Drivers(), ", ")))
	rootCmd.PersistentFlags().StringVarP(&ifname, "interface", "i", "", "Network interface")
	rootCmd.PersistentFlags().IntVarP(&slave, "slave", "s", 0, "Slave position on the bus")
}

// Settings from file and flags, flags take precedence
func loadSettings(cmd *cobra.Command) (*settings.Settings, error) {
	s := settings.Default()
	if configPath != "" {
		loaded, err := settings.Load(configPath)
		if err != nil {
			return nil, err
		}
		s = loaded
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		s.Log.Level = logLevel
	}
	if flags.Changed("driver") {
		s.Master.Driver = driver
	}
	if flags.Changed("interface") {
		s.Master.Interface = ifname
	}
	if flags.Changed("slave") {
		s.Master.Slave = slave
	}
	s.Normalize()
	err := s.Validate()
	if err != nil {
		return nil, err
	}
	err = s.ConfigureLogger(log.StandardLogger())
	if err != nil {
		return nil, err
	}
	return s, nil
}

func newController(s *settings.Settings) (*controller.Controller, error) {
	master, err := fieldbus.NewMaster(s.Master.Driver)
	if err != nil {
		return nil, err
	}
	return controller.New(master, s.Options(), log.StandardLogger()), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
