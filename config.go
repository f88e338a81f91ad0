package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"i4.energy/across/gsmgw/gateway"
	"i4.energy/across/gsmgw/modem"
)

// Config holds the application configuration
type Config struct {
	// BindAddress is the address the server listens on (e.g. "0.0.0.0:8080").
	// Empty disables the HTTP API.
	BindAddress string `yaml:"bind_address"`
	// HTTPToken, when set, is required as a bearer token on API requests
	HTTPToken string `yaml:"http_token"`
	// LogLevel sets the logging level (e.g. "debug", "info", "warn", "error")
	LogLevel string `yaml:"log_level"`

	// SerialPort, BaudRate and SimPIN describe the single modem used when
	// no gateways are listed
	SerialPort string `yaml:"serial_port"`
	BaudRate   int    `yaml:"baud_rate"`
	SimPIN     string `yaml:"sim_pin"`

	Modem    ModemConfig     `yaml:"modem"`
	Queue    QueueConfig     `yaml:"queue"`
	Service  ServiceConfig   `yaml:"service"`
	MQTT     MQTTConfig      `yaml:"mqtt"`
	NATS     NATSConfig      `yaml:"nats"`
	Gateways []GatewayConfig `yaml:"gateways"`
}

// ModemConfig holds the AT dialogue timing shared by every gateway
type ModemConfig struct {
	ATTimeout     time.Duration `yaml:"at_timeout"`
	InitTimeout   time.Duration `yaml:"init_timeout"`
	USSDTimeout   time.Duration `yaml:"ussd_timeout"`
	BufferSize    int           `yaml:"buffer_size"`
	BufferTimeout time.Duration `yaml:"buffer_timeout"`
	// BlockOnOverflow makes the reader wait instead of dropping the oldest
	// unread bytes when the buffer is full
	BlockOnOverflow bool          `yaml:"block_on_overflow"`
	AfterReset      time.Duration `yaml:"delay_after_reset"`
	SIMPoll         time.Duration `yaml:"delay_sim_poll"`
	NetworkPoll     time.Duration `yaml:"delay_network_poll"`
	Step            time.Duration `yaml:"delay_step"`
	Retry           time.Duration `yaml:"delay_retry"`
	SendRetries     int           `yaml:"send_retries"`
}

// QueueConfig configures the outbound queue
type QueueConfig struct {
	// Store is "file", "bolt" or "none"
	Store      string        `yaml:"store"`
	Dir        string        `yaml:"dir"`
	Retries    int           `yaml:"retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// ServiceConfig holds the gateway supervision settings
type ServiceConfig struct {
	Watchdog        time.Duration `yaml:"watchdog"`
	ConcurrentStart bool          `yaml:"concurrent_start"`
	KeepAlive       time.Duration `yaml:"keep_alive"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	OrphanAgeHours  int           `yaml:"orphan_age_hours"`
	// OrphanAction is "keep" or "delete"
	OrphanAction string `yaml:"orphan_action"`
}

// MQTTConfig configures the send request subscription. An empty Broker
// disables it.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// NATSConfig configures event publishing. An empty URL disables it.
type NATSConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// GatewayConfig describes one modem
type GatewayConfig struct {
	ID string `yaml:"id"`
	// Kind is "serial" or "tcp"
	Kind    string `yaml:"kind"`
	Port    string `yaml:"port"`
	Baud    int    `yaml:"baud"`
	Address string `yaml:"address"`
	Telnet  bool   `yaml:"telnet"`

	PIN          string        `yaml:"pin"`
	PIN2         string        `yaml:"pin2"`
	SMSC         string        `yaml:"smsc"`
	Protocol     string        `yaml:"protocol"`
	Inbound      bool          `yaml:"inbound"`
	Outbound     bool          `yaml:"outbound"`
	KeepInbound  bool          `yaml:"keep_inbound"`
	SendInterval time.Duration `yaml:"send_interval"`
	Manufacturer string        `yaml:"manufacturer"`
	Model        string        `yaml:"model"`
	CustomInit   string        `yaml:"custom_init"`
}

// ConfigOption is a function that modifies a Config
type ConfigOption func(*Config) error

// LoadConfig creates a new config by applying the given options in order
func LoadConfig(opts ...ConfigOption) (*Config, error) {
	config := &Config{}

	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}

	if len(config.Gateways) == 0 && config.SerialPort != "" {
		config.Gateways = []GatewayConfig{{
			ID:       "modem1",
			Kind:     "serial",
			Port:     config.SerialPort,
			Baud:     config.BaudRate,
			PIN:      config.SimPIN,
			Inbound:  true,
			Outbound: true,
		}}
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) validate() error {
	var errs []error
	seen := make(map[string]bool)
	for i, g := range c.Gateways {
		switch {
		case g.ID == "":
			errs = append(errs, fmt.Errorf("gateway %d: id is required", i))
		case seen[g.ID]:
			errs = append(errs, fmt.Errorf("gateway %s: duplicate id", g.ID))
		}
		seen[g.ID] = true

		switch g.Kind {
		case "", "serial":
			if g.Port == "" {
				errs = append(errs, fmt.Errorf("gateway %s: serial port is required", g.ID))
			}
		case "tcp":
			if g.Address == "" {
				errs = append(errs, fmt.Errorf("gateway %s: address is required", g.ID))
			}
		default:
			errs = append(errs, fmt.Errorf("gateway %s: unknown kind %q", g.ID, g.Kind))
		}
	}
	switch c.Queue.Store {
	case "", "none", "file", "bolt":
	default:
		errs = append(errs, fmt.Errorf("unknown queue store %q", c.Queue.Store))
	}
	switch c.Service.OrphanAction {
	case "", "keep", "delete":
	default:
		errs = append(errs, fmt.Errorf("unknown orphan action %q", c.Service.OrphanAction))
	}
	return errors.Join(errs...)
}

// WithDefaults applies default configuration values
func WithDefaults() ConfigOption {
	return func(c *Config) error {
		c.BindAddress = "0.0.0.0:8080"
		c.SerialPort = "/dev/ttyUSB0"
		c.BaudRate = 115200
		c.LogLevel = "info"
		c.Modem.ATTimeout = 5 * time.Second
		c.Modem.InitTimeout = 2 * time.Minute
		c.Queue.Store = "file"
		c.Queue.Dir = "queue"
		c.Queue.Retries = 3
		c.Service.Watchdog = 60 * time.Second
		c.Service.KeepAlive = 30 * time.Second
		c.Service.PollInterval = 60 * time.Second
		c.Service.OrphanAgeHours = 72
		c.Service.OrphanAction = "keep"
		c.MQTT.ClientID = "gsmgw"
		c.MQTT.Topic = "sms/send"
		c.NATS.Prefix = "smsgw"
		return nil
	}
}

// WithFile loads configuration from a YAML file. Keys missing from the file
// keep their current value.
func WithFile(path string) ConfigOption {
	return func(c *Config) error {
		if path == "" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse config file %s: %w", path, err)
		}
		return nil
	}
}

// WithEnv loads configuration from environment variables
func WithEnv() ConfigOption {
	return func(c *Config) error {
		if addr, ok := os.LookupEnv("BIND_ADDRESS"); ok {
			c.BindAddress = addr
		}

		if serial := os.Getenv("SERIAL_PORT"); serial != "" {
			c.SerialPort = serial
		}

		if baud := os.Getenv("BAUD_RATE"); baud != "" {
			if b, err := strconv.Atoi(baud); err == nil {
				c.BaudRate = b
			}
		}

		if level := os.Getenv("LOG_LEVEL"); level != "" {
			c.LogLevel = level
		}

		if simPIN := os.Getenv("SIM_PIN"); simPIN != "" {
			c.SimPIN = simPIN
		}

		if token := os.Getenv("HTTP_TOKEN"); token != "" {
			c.HTTPToken = token
		}

		if dir := os.Getenv("QUEUE_DIR"); dir != "" {
			c.Queue.Dir = dir
		}

		if store := os.Getenv("QUEUE_STORE"); store != "" {
			c.Queue.Store = store
		}

		if broker := os.Getenv("MQTT_BROKER"); broker != "" {
			c.MQTT.Broker = broker
		}

		if topic := os.Getenv("MQTT_TOPIC"); topic != "" {
			c.MQTT.Topic = topic
		}

		if user := os.Getenv("MQTT_USERNAME"); user != "" {
			c.MQTT.Username = user
			c.MQTT.Password = os.Getenv("MQTT_PASSWORD")
		}

		if url := os.Getenv("NATS_URL"); url != "" {
			c.NATS.URL = url
		}

		return nil
	}
}

// WithFlags loads configuration from command-line flags
func WithFlags(fSet *flag.FlagSet) ConfigOption {
	return func(c *Config) error {
		fSet.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "bind-address":
				c.BindAddress = f.Value.String()
			case "serial-port":
				c.SerialPort = f.Value.String()
			case "baud-rate":
				if b, err := strconv.Atoi(f.Value.String()); err == nil {
					c.BaudRate = b
				}
			case "log-level":
				c.LogLevel = f.Value.String()
			case "sim-pin":
				c.SimPIN = f.Value.String()
			case "queue-dir":
				c.Queue.Dir = f.Value.String()
			case "mqtt-broker":
				c.MQTT.Broker = f.Value.String()
			case "nats-url":
				c.NATS.URL = f.Value.String()
			}
		})
		return nil
	}
}

// modemConfig builds the driver configuration of g.
func (c *Config) modemConfig(g GatewayConfig) (modem.Config, error) {
	var dialer modem.Dialer
	switch g.Kind {
	case "tcp":
		dialer = modem.TCPDialer{Address: g.Address, Telnet: g.Telnet}
	default:
		dialer = modem.SerialDialer{PortName: g.Port, BaudRate: g.Baud}
	}

	policy := modem.OverwriteOldest
	if c.Modem.BlockOnOverflow {
		policy = modem.BlockProducer
	}

	return modem.NewConfigBuilder().
		WithDialer(dialer).
		WithSimPIN(g.PIN).
		WithSimPIN2(g.PIN2).
		WithSMSC(g.SMSC).
		WithCustomInit(g.CustomInit).
		WithProtocol(modem.ParseProtocol(strings.ToUpper(g.Protocol))).
		WithDevice(g.Manufacturer, g.Model).
		WithATTimeout(c.Modem.ATTimeout).
		WithInitTimeout(c.Modem.InitTimeout).
		WithUSSDTimeout(c.Modem.USSDTimeout).
		WithBuffer(c.Modem.BufferSize, c.Modem.BufferTimeout, policy).
		WithDelays(modem.Delays{
			AfterReset:  c.Modem.AfterReset,
			SIMPoll:     c.Modem.SIMPoll,
			NetworkPoll: c.Modem.NetworkPoll,
			Step:        c.Modem.Step,
			Retry:       c.Modem.Retry,
		}).
		WithRetries(modem.Retries{Send: c.Modem.SendRetries}).
		Build()
}

// gatewayConfig builds the gateway configuration of g. The queue and the
// callbacks are filled in by the service.
func (c *Config) gatewayConfig(g GatewayConfig) (gateway.Config, error) {
	mc, err := c.modemConfig(g)
	if err != nil {
		return gateway.Config{}, fmt.Errorf("gateway %s: %w", g.ID, err)
	}
	return gateway.Config{
		ID:            g.ID,
		Connector:     gateway.ModemConnector(mc),
		Inbound:       g.Inbound,
		Outbound:      g.Outbound,
		DeleteInbound: !g.KeepInbound,
		KeepAlive:     c.Service.KeepAlive,
		PollInterval:  c.Service.PollInterval,
		OrphanAge:     time.Duration(c.Service.OrphanAgeHours) * time.Hour,
		SendInterval:  g.SendInterval,
	}, nil
}

func (c *Config) orphanDecision() gateway.OrphanDecision {
	if c.Service.OrphanAction == "delete" {
		return gateway.Delete
	}
	return gateway.Keep
}
