package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/samsamfire/gocia402/pkg/config"
	"github.com/samsamfire/gocia402/pkg/fieldbus"
	"github.com/samsamfire/gocia402/pkg/lifecycle"
	"github.com/samsamfire/gocia402/pkg/param"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var mappingCmd = &cobra.Command{
	Use:   "mapping",
	Short: "Print process data mappings reported by the slave",
	Long: `Bring the slave to PRE-OPERATIONAL and print its identity, the assigned
mapping objects and the entries they contain. Nothing is written to the slave.`,
	RunE: runMapping,
}

func init() {
	rootCmd.AddCommand(mappingCmd)
}

func runMapping(cmd *cobra.Command, args []string) error {
	s, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	master, err := fieldbus.NewMaster(s.Master.Driver)
	if err != nil {
		return err
	}
	defer master.Close()
	err = master.Init(s.Master.Interface)
	if err != nil {
		return err
	}
	nbSlaves, err := master.DiscoverSlaves()
	if err != nil {
		return err
	}
	slave := uint16(s.Master.Slave)
	if int(slave) > nbSlaves {
		return fmt.Errorf("%w : %d (found %d)", fieldbus.ErrInvalidSlave, slave, nbSlaves)
	}
	err = lifecycle.NewManager(master, log.StandardLogger()).RequestState(slave, fieldbus.StatePreOperational)
	if err != nil {
		return err
	}
	configurator := config.NewNodeConfigurator(slave, param.NewClient(master, log.StandardLogger()), log.StandardLogger())

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()
	if identity, err := configurator.ReadIdentity(); err == nil {
		fmt.Fprintf(w, "slave %d\t%v\tvendor x%08x\tproduct x%08x\trevision x%08x\n",
			slave, identity.DeviceType, identity.VendorId, identity.ProductCode, identity.RevisionNumber)
		if identity.Name != "" {
			fmt.Fprintf(w, "device\t%v\t%v\t%v\n", identity.Name, identity.Hardware, identity.Software)
		}
	}

	opts := s.Options()
	for _, direction := range []struct {
		name       string
		assignment uint16
		mapping    uint16
	}{
		{"rx (outputs)", opts.Rx.Assignment, opts.Rx.Mapping},
		{"tx (inputs)", opts.Tx.Assignment, opts.Tx.Mapping},
	} {
		fmt.Fprintf(w, "\n%v\n", direction.name)
		mappings := []uint16{direction.mapping}
		if configurator.SupportsAssignment(direction.assignment) {
			mappings, err = configurator.ReadAssignment(direction.assignment)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "x%04x\tassigns %d mappings\n", direction.assignment, len(mappings))
		}
		for _, mapIndex := range mappings {
			entries, err := configurator.ReadMappings(mapIndex)
			if err != nil {
				fmt.Fprintf(w, "x%04x\tunreadable : %v\n", mapIndex, err)
				continue
			}
			for sub, entry := range entries {
				fmt.Fprintf(w, "x%04x:%02d\t%v\tx%08x\n", mapIndex, sub+1, entry, entry.Raw())
			}
		}
	}
	return nil
}
