package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samsamfire/gocia402/pkg/gateway"
	gwhttp "github.com/samsamfire/gocia402/pkg/gateway/http"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	listenAddr    string
	initialTorque float32
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the controller until interrupted",
	Long: `Bring the drive to operation enabled and exchange torque setpoints
until SIGINT or SIGTERM. With --listen, the HTTP gateway is served on the
given address.`,
	RunE: runController,
}

func init() {
	runCmd.Flags().StringVar(&listenAddr, "listen", "", "Gateway listen address, e.g. :8090 (overrides settings)")
	runCmd.Flags().Float32Var(&initialTorque, "torque", 0, "Initial normalized torque setpoint")
	rootCmd.AddCommand(runCmd)
}

func runController(cmd *cobra.Command, args []string) error {
	s, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("listen") {
		s.Gateway.Listen = listenAddr
	}
	ctrl, err := newController(s)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = ctrl.Initialize(ctx, s.Master.Interface)
	if err != nil {
		return err
	}
	defer ctrl.Shutdown()
	ctrl.SetTargetTorque(initialTorque)

	var server *http.Server
	if s.Gateway.Listen != "" {
		base := gateway.NewBaseGateway(ctrl, uint16(s.Master.Slave), float32(s.Gateway.MaxTorque), log.StandardLogger())
		gw := gwhttp.NewGatewayServer(base, s.StreamPeriod(), log.StandardLogger())
		server = &http.Server{Addr: s.Gateway.Listen, Handler: gw.Handler()}
		go func() {
			log.Infof("[GATEWAY] listening on %v", s.Gateway.Listen)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("[GATEWAY] stopped : %v", err)
			}
		}()
	}

	<-ctx.Done()
	log.Info("interrupted, stopping")
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}
	return nil
}
