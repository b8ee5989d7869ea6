package config

import (
	"time"

	"github.com/samsamfire/gocia402/pkg/param"
	log "github.com/sirupsen/logrus"
)

const DefaultSettleDelay = 50 * time.Millisecond

// NodeConfigurator provides helper methods for
// reading / updating the configuration objects of a fieldbus slave
// i.e. PDO mapping & assignment objects, identity and drive parameters.
// No device description files need to be loaded for configuring these parameters
// This uses the mailbox parameter client to access the different objects
type NodeConfigurator struct {
	client *param.Client
	slave  uint16
	logger *log.Entry
	sleep  func(time.Duration)
	// Delay after every write, slaves need time to process mapping updates
	SettleDelay time.Duration
}

// Create a new [NodeConfigurator] for given slave and parameter client
func NewNodeConfigurator(slave uint16, client *param.Client, logger *log.Logger) *NodeConfigurator {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &NodeConfigurator{
		client:      client,
		slave:       slave,
		logger:      logger.WithFields(log.Fields{"service": "[PDO]", "slave": slave}),
		sleep:       time.Sleep,
		SettleDelay: DefaultSettleDelay,
	}
}

// Replace sleep function used for settle delays
func (config *NodeConfigurator) SetSleep(sleep func(time.Duration)) {
	config.sleep = sleep
}

// Write and wait for the slave to settle
func (config *NodeConfigurator) write(index uint16, subindex uint8, data any) error {
	err := config.client.WriteRaw(config.slave, index, subindex, data)
	if err != nil {
		return err
	}
	if config.SettleDelay > 0 {
		config.sleep(config.SettleDelay)
	}
	return nil
}
