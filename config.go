package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type BrokerConfig struct {
	Host                 string        `yaml:"host"`
	Port                 int           `yaml:"port"`
	Username             string        `yaml:"username"`
	Password             string        `yaml:"password"`
	ClientID             string        `yaml:"client_id"`
	ConnectAttempts      int           `yaml:"connect_attempts"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	RetryInterval        time.Duration `yaml:"retry_interval"`
	MaxReconnectInterval time.Duration `yaml:"max_reconnect_interval"`
}

// URL returns the paho broker url. A host that already carries a scheme is
// used as is.
func (b BrokerConfig) URL() string {
	if strings.Contains(b.Host, "://") {
		return b.Host
	}
	return "tcp://" + net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

type Config struct {
	Broker          BrokerConfig  `yaml:"broker"`
	Topics          Topics        `yaml:"topics"`
	SMIPath         string        `yaml:"smi_path"`
	ListArgs        []string      `yaml:"list_args"`
	StreamArgs      []string      `yaml:"stream_args"`
	ListenAddress   string        `yaml:"listen_address"`
	PublishTimeout  time.Duration `yaml:"publish_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	StopGrace       time.Duration `yaml:"stop_grace"`
	Debug           bool          `yaml:"debug"`
}

func DefaultConfig() Config {
	return Config{
		Broker: BrokerConfig{
			Host:                 "127.0.0.1",
			Port:                 1883,
			ClientID:             "nvidia-ha-reporter",
			ConnectAttempts:      3,
			ConnectTimeout:       5 * time.Second,
			RetryInterval:        time.Second,
			MaxReconnectInterval: time.Minute,
		},
		Topics: Topics{
			DiscoveryPrefix: "homeassistant",
			Namespace:       "nvidia-smi",
			PlatformStatus:  "homeassistant/status",
		},
		SMIPath:         "nvidia-smi",
		ListArgs:        []string{"-L"},
		StreamArgs:      []string{"dmon", "--format", "csv", "-s", "pucvmet"},
		ListenAddress:   "",
		PublishTimeout:  5 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		StopGrace:       2 * time.Second,
	}
}

// LoadConfig builds the configuration from, by increasing precedence, the
// defaults, the yaml file given with --config, the environment and the
// command line flags.
func LoadConfig(args []string, getenv func(string) string) (Config, error) {
	cfg := DefaultConfig()

	var (
		configPath string
		flagCfg    = DefaultConfig()
	)
	fs := pflag.NewFlagSet("nvidia-smi2ha", pflag.ContinueOnError)
	fs.StringVarP(&configPath, "config", "c", "", "Path to a yaml configuration file")
	fs.StringVarP(&flagCfg.Broker.Host, "broker", "b", flagCfg.Broker.Host, "MQTT broker host, or full url like tcp://<host>:<port>")
	fs.IntVarP(&flagCfg.Broker.Port, "port", "p", flagCfg.Broker.Port, "MQTT broker port")
	fs.StringVarP(&flagCfg.Broker.Username, "username", "u", "", "MQTT username")
	fs.StringVar(&flagCfg.Broker.Password, "password", "", "MQTT password")
	fs.StringVar(&flagCfg.Broker.ClientID, "client-id", flagCfg.Broker.ClientID, "MQTT client id")
	fs.IntVar(&flagCfg.Broker.ConnectAttempts, "connect-attempts", flagCfg.Broker.ConnectAttempts, "Connection attempts before giving up")
	fs.StringVar(&flagCfg.Topics.DiscoveryPrefix, "discovery-prefix", flagCfg.Topics.DiscoveryPrefix, "Home assistant discovery topic prefix")
	fs.StringVar(&flagCfg.Topics.Namespace, "namespace", flagCfg.Topics.Namespace, "Topic namespace for state and availability")
	fs.StringVar(&flagCfg.Topics.PlatformStatus, "status-topic", flagCfg.Topics.PlatformStatus, "Home assistant status topic, triggers a new announcement when it goes online")
	fs.StringVar(&flagCfg.SMIPath, "smi-path", flagCfg.SMIPath, "nvidia-smi binary")
	fs.StringVarP(&flagCfg.ListenAddress, "listen", "l", flagCfg.ListenAddress, "Address serving /metrics and /health, with the format <ip>:<port>. Disabled when empty")
	fs.DurationVar(&flagCfg.ShutdownTimeout, "shutdown-timeout", flagCfg.ShutdownTimeout, "How long to wait for the offline status to be acknowledged")
	fs.BoolVarP(&flagCfg.Debug, "debug", "d", false, "Set debug mode")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if configPath != "" {
		raw, err := os.ReadFile(configPath)
		if err != nil {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", configPath, err)
		}
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return cfg, err
	}

	// Only the flags given on the command line override the other sources
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "broker":
			cfg.Broker.Host = flagCfg.Broker.Host
		case "port":
			cfg.Broker.Port = flagCfg.Broker.Port
		case "username":
			cfg.Broker.Username = flagCfg.Broker.Username
		case "password":
			cfg.Broker.Password = flagCfg.Broker.Password
		case "client-id":
			cfg.Broker.ClientID = flagCfg.Broker.ClientID
		case "connect-attempts":
			cfg.Broker.ConnectAttempts = flagCfg.Broker.ConnectAttempts
		case "discovery-prefix":
			cfg.Topics.DiscoveryPrefix = flagCfg.Topics.DiscoveryPrefix
		case "namespace":
			cfg.Topics.Namespace = flagCfg.Topics.Namespace
		case "status-topic":
			cfg.Topics.PlatformStatus = flagCfg.Topics.PlatformStatus
		case "smi-path":
			cfg.SMIPath = flagCfg.SMIPath
		case "listen":
			cfg.ListenAddress = flagCfg.ListenAddress
		case "shutdown-timeout":
			cfg.ShutdownTimeout = flagCfg.ShutdownTimeout
		case "debug":
			cfg.Debug = flagCfg.Debug
		}
	})

	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv("MQTT_BROKER"); v != "" {
		cfg.Broker.Host = v
	}
	if v := getenv("MQTT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MQTT_PORT %q: %w", v, err)
		}
		cfg.Broker.Port = port
	}
	if v := getenv("MQTT_USERNAME"); v != "" {
		cfg.Broker.Username = v
	}
	if v := getenv("MQTT_PASSWORD"); v != "" {
		cfg.Broker.Password = v
	}
	if v := getenv("MQTT_CLIENT_ID"); v != "" {
		cfg.Broker.ClientID = v
	}
	return nil
}

func (c Config) Validate() error {
	switch {
	case c.Broker.Host == "":
		return fmt.Errorf("broker host is empty")
	case c.Broker.Port <= 0 || c.Broker.Port > 65535:
		return fmt.Errorf("broker port %d out of range", c.Broker.Port)
	case c.Topics.DiscoveryPrefix == "" || c.Topics.Namespace == "":
		return fmt.Errorf("discovery prefix and namespace are required")
	case c.SMIPath == "":
		return fmt.Errorf("smi path is empty")
	case c.PublishTimeout <= 0 || c.ShutdownTimeout <= 0:
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}
