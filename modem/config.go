package modem

import (
	"log/slog"
	"time"

	"i4.energy/across/gsmgw/message"
)

// Protocol selects between binary PDU mode and text mode.
type Protocol int

const (
	ProtocolPDU Protocol = iota
	ProtocolText
)

func (p Protocol) String() string {
	if p == ProtocolText {
		return "TEXT"
	}
	return "PDU"
}

// ParseProtocol accepts "PDU" or "TEXT" in any case; anything else is PDU.
func ParseProtocol(s string) Protocol {
	switch s {
	case "TEXT", "text", "Text":
		return ProtocolText
	default:
		return ProtocolPDU
	}
}

// Delays are the pauses between steps of the AT dialogue.
type Delays struct {
	// AfterReset is waited after ATZ.
	AfterReset time.Duration
	// SIMPoll spaces SIM status polls while the SIM is busy or after a PIN.
	SIMPoll time.Duration
	// NetworkPoll spaces registration polls while searching.
	NetworkPoll time.Duration
	// Step bounds each wait for the send prompt and for the submit reply.
	Step time.Duration
	// Retry is waited before a submit is retried after an AT error.
	Retry time.Duration
}

// Retries bounds every polling and retry loop of the protocol handler.
type Retries struct {
	SIM     int
	Network int
	Prompt  int
	Submit  int
	Send    int
}

// Config holds the driver settings. Build one with NewConfigBuilder.
type Config struct {
	Dialer      Dialer
	SimPIN      string
	SimPIN2     string
	SMSC        string
	CustomInit  string
	Protocol    Protocol
	ATTimeout   time.Duration
	InitTimeout time.Duration
	// USSDTimeout bounds the wait for the network reply to a USSD request.
	USSDTimeout time.Duration
	// TrailerGrace bounds the wait for the stray OK some modems send after
	// a SIM state reply.
	TrailerGrace time.Duration

	BufferSize    int
	BufferTimeout time.Duration
	Overflow      OverflowPolicy
	EventQueue    int

	Delays  Delays
	Retries Retries

	// Manufacturer and Model override the values reported by the device
	// when selecting a dialect.
	Manufacturer string
	Model        string
	Registry     *Registry

	// DefaultLocation is used when storage discovery fails.
	DefaultLocation message.Location

	Logger *slog.Logger
}

func (c *Config) validate() error {
	if c.Dialer == nil {
		return ErrNoDialer
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.ATTimeout == 0 {
		c.ATTimeout = 5 * time.Second
	}
	if c.InitTimeout == 0 {
		c.InitTimeout = 2 * time.Minute
	}
	if c.USSDTimeout == 0 {
		c.USSDTimeout = 30 * time.Second
	}
	if c.TrailerGrace == 0 {
		c.TrailerGrace = 200 * time.Millisecond
	}
	if c.BufferSize == 0 {
		c.BufferSize = 16 * 1024
	}
	if c.BufferTimeout == 0 {
		c.BufferTimeout = 30 * time.Second
	}
	if c.EventQueue == 0 {
		c.EventQueue = 64
	}
	if c.Delays.AfterReset == 0 {
		c.Delays.AfterReset = 2 * time.Second
	}
	if c.Delays.SIMPoll == 0 {
		c.Delays.SIMPoll = time.Second
	}
	if c.Delays.NetworkPoll == 0 {
		c.Delays.NetworkPoll = 5 * time.Second
	}
	if c.Delays.Step == 0 {
		c.Delays.Step = 10 * time.Second
	}
	if c.Delays.Retry == 0 {
		c.Delays.Retry = time.Second
	}
	if c.Retries.SIM == 0 {
		c.Retries.SIM = 10
	}
	if c.Retries.Network == 0 {
		c.Retries.Network = 12
	}
	if c.Retries.Prompt == 0 {
		c.Retries.Prompt = 3
	}
	if c.Retries.Submit == 0 {
		c.Retries.Submit = 6
	}
	if c.Retries.Send == 0 {
		c.Retries.Send = 2
	}
	if c.Registry == nil {
		c.Registry = NewRegistry()
	}
	if c.DefaultLocation == "" {
		c.DefaultLocation = LocationDefault
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ConfigBuilder assembles a Config fluently.
type ConfigBuilder struct {
	config Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{}
}

func (b *ConfigBuilder) WithDialer(d Dialer) *ConfigBuilder {
	b.config.Dialer = d
	return b
}

func (b *ConfigBuilder) WithSimPIN(pin string) *ConfigBuilder {
	b.config.SimPIN = pin
	return b
}

func (b *ConfigBuilder) WithSimPIN2(pin string) *ConfigBuilder {
	b.config.SimPIN2 = pin
	return b
}

func (b *ConfigBuilder) WithSMSC(number string) *ConfigBuilder {
	b.config.SMSC = number
	return b
}

func (b *ConfigBuilder) WithCustomInit(cmd string) *ConfigBuilder {
	b.config.CustomInit = cmd
	return b
}

func (b *ConfigBuilder) WithProtocol(p Protocol) *ConfigBuilder {
	b.config.Protocol = p
	return b
}

func (b *ConfigBuilder) WithATTimeout(d time.Duration) *ConfigBuilder {
	b.config.ATTimeout = d
	return b
}

func (b *ConfigBuilder) WithInitTimeout(d time.Duration) *ConfigBuilder {
	b.config.InitTimeout = d
	return b
}

func (b *ConfigBuilder) WithUSSDTimeout(d time.Duration) *ConfigBuilder {
	b.config.USSDTimeout = d
	return b
}

func (b *ConfigBuilder) WithEventQueue(n int) *ConfigBuilder {
	b.config.EventQueue = n
	return b
}

func (b *ConfigBuilder) WithBuffer(size int, timeout time.Duration, policy OverflowPolicy) *ConfigBuilder {
	b.config.BufferSize = size
	b.config.BufferTimeout = timeout
	b.config.Overflow = policy
	return b
}

func (b *ConfigBuilder) WithDelays(d Delays) *ConfigBuilder {
	b.config.Delays = d
	return b
}

func (b *ConfigBuilder) WithRetries(r Retries) *ConfigBuilder {
	b.config.Retries = r
	return b
}

func (b *ConfigBuilder) WithDevice(manufacturer, model string) *ConfigBuilder {
	b.config.Manufacturer = manufacturer
	b.config.Model = model
	return b
}

func (b *ConfigBuilder) WithRegistry(r *Registry) *ConfigBuilder {
	b.config.Registry = r
	return b
}

func (b *ConfigBuilder) WithLogger(l *slog.Logger) *ConfigBuilder {
	b.config.Logger = l
	return b
}

// Build validates the configuration and fills in defaults.
func (b *ConfigBuilder) Build() (Config, error) {
	c := b.config
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	c.setDefaults()
	return c, nil
}
