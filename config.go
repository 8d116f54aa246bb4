package htsp

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ProtocolVersion is the HTSP version announced in hello.
const ProtocolVersion = 34

// Config is the configuration of the connection engine.
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	ClientName      string `yaml:"clientName"`
	ClientVersion   string `yaml:"clientVersion"`
	ProtocolVersion int    `yaml:"protocolVersion"`

	// HTTPBaseURL is prepended to ticket paths to build playback URLs.
	HTTPBaseURL string `yaml:"httpBaseURL"`

	ConnectRetryDelay  time.Duration `yaml:"connectRetryDelay"`
	RequestTimeout     time.Duration `yaml:"requestTimeout"`
	InitialSyncTimeout time.Duration `yaml:"initialSyncTimeout"`
	MaxMessageSize     uint64        `yaml:"maxMessageSize"`
	QueueSize          int           `yaml:"queueSize"`

	// ReconnectEagerly reopens the connection right after a fault instead of waiting for the next call.
	ReconnectEagerly bool `yaml:"reconnectEagerly"`

	Tickets TicketSettings `yaml:"tickets"`
}

// TicketSettings configures ticket caches created from Config.
type TicketSettings struct {
	Lifetime    time.Duration `yaml:"lifetime"`
	BaseTimeout time.Duration `yaml:"baseTimeout"`
	Retries     int           `yaml:"retries"`
}

// DefaultConfig returns config with the defaults of a stock server installation.
func DefaultConfig() Config {
	return Config{
		Port:               9982,
		ClientName:         "htsp-go",
		ClientVersion:      "1.0",
		ProtocolVersion:    ProtocolVersion,
		ConnectRetryDelay:  2 * time.Second,
		RequestTimeout:     5 * time.Minute,
		InitialSyncTimeout: 15 * time.Minute,
		MaxMessageSize:     64 * 1024 * 1024,
		QueueSize:          1024,
		Tickets: TicketSettings{
			// minimal ticket TTL of the server
			Lifetime:    30 * time.Second,
			BaseTimeout: 10 * time.Second,
			Retries:     2,
		},
	}
}

// LoadConfig reads YAML config file, expanding environment variables. Missing keys keep defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading config file %q failed", path)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return Config{}, errors.Wrapf(err, "invalid YAML in %q", path)
	}
	config.Host = strings.TrimSpace(config.Host)
	config.Username = strings.TrimSpace(config.Username)
	config.HTTPBaseURL = strings.TrimSuffix(strings.TrimSpace(config.HTTPBaseURL), "/")

	return config, nil
}

// Validate checks that the config is usable.
func (c Config) Validate() error {
	switch {
	case c.Host == "":
		return errors.New("server host must be configured")
	case c.Port <= 0 || c.Port > 65535:
		return errors.Errorf("invalid port %d", c.Port)
	case c.Username == "":
		return errors.New("username must be configured")
	case c.Password == "":
		return errors.New("password must be configured")
	case c.ConnectRetryDelay <= 0:
		return errors.New("connect retry delay must be positive")
	case c.RequestTimeout <= 0:
		return errors.New("request timeout must be positive")
	case c.QueueSize <= 0:
		return errors.New("queue size must be positive")
	case c.MaxMessageSize == 0:
		return errors.New("max message size must be positive")
	case c.Tickets.Retries < 0:
		return errors.New("ticket retries must not be negative")
	}
	return nil
}
