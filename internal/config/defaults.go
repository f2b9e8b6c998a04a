package config

// Default values for optional configuration fields.
const (
	DefaultIterBlock     uint64 = 100
	DefaultControlAddr         = ":8080"
	DefaultUDPListenAddr       = ":9999"
	DefaultWSFeedAddr          = ":9998"
	DefaultLogLevel            = "info"
)

func (c *SimConfig) applyDefaults() {
	if c.Engine.IterBlock == 0 {
		c.Engine.IterBlock = DefaultIterBlock
	}
	if c.Control.ListenAddr == "" {
		c.Control.ListenAddr = DefaultControlAddr
	}
	if c.Transport.UDPListenAddr == "" {
		c.Transport.UDPListenAddr = DefaultUDPListenAddr
	}
	if c.Transport.WSFeedAddr == "" {
		c.Transport.WSFeedAddr = DefaultWSFeedAddr
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
}
