package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *SimConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}
	if c.Engine.IterBlock < 1 {
		return errors.New("engine.iter_block must be >= 1")
	}
	if c.Control.ListenAddr == "" {
		return errors.New("control.listen_addr is required")
	}
	if c.Transport.UDPListenAddr == "" {
		return errors.New("transport.udp_listen_addr is required")
	}
	if c.Transport.WSFeedAddr == "" {
		return errors.New("transport.wsfeed_listen_addr is required")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	return nil
}
