package core

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config contains all of the configuration options available to the server components.
type Config struct {
	// Hostname or IP address on which the server will listen for connections.
	ListenAddress string `mapstructure:"listen_address"`
	// Port on which the game server accepts client connections.
	Port int `mapstructure:"port"`

	Logging struct {
		// Minimum level of a log required to be written. Options: debug, info, warn, error
		LogLevel string `mapstructure:"log_level"`
		// Full path to file to which logs will be written. Blank will write to stdout.
		LogFilePath string `mapstructure:"log_file_path"`
	} `mapstructure:"logging"`

	Simulation struct {
		// Time between two simulation ticks.
		TickPeriod time.Duration `mapstructure:"tick_period"`
		// Maximum number of connect/disconnect events handled per tick.
		EventBurst int `mapstructure:"event_burst"`
		// Maximum number of client messages handled per tick.
		ResponseBurst int `mapstructure:"response_burst"`
	} `mapstructure:"simulation"`

	Session struct {
		// Maximum number of queued messages written to a client before its session yields.
		OutboundBurst int `mapstructure:"outbound_burst"`
		// Number of bytes the per-connection read buffer grows by.
		ReadBufferIncrement int `mapstructure:"read_buffer_increment"`
	} `mapstructure:"session"`

	Protocol struct {
		// Largest frame (in bytes) a client may send before it is disconnected.
		MaxFrameSize int `mapstructure:"max_frame_size"`
	} `mapstructure:"protocol"`

	Auth struct {
		// How long a ban issued without an explicit duration lasts.
		BanDuration time.Duration `mapstructure:"ban_duration"`
		// Logins that are refused admission for as long as the server runs.
		BannedLogins []string `mapstructure:"banned_logins"`
	} `mapstructure:"auth"`

	Debugging struct {
		// Enable the pprof HTTP server.
		PprofEnabled bool `mapstructure:"pprof_enabled"`
		// Port on which a pprof server will be started if enabled.
		PprofPort int `mapstructure:"pprof_port"`
		// Log every frame sent or received.
		PacketLoggingEnabled bool `mapstructure:"packet_logging_enabled"`
	} `mapstructure:"debugging"`
}

const envVarPrefix = "EMBERCORE"

var defaults = map[string]interface{}{
	"listen_address":                   "0.0.0.0",
	"port":                             10101,
	"logging.log_level":                "info",
	"logging.log_file_path":            "",
	"simulation.tick_period":           20 * time.Millisecond,
	"simulation.event_burst":           2,
	"simulation.response_burst":        10,
	"session.outbound_burst":           10,
	"session.read_buffer_increment":    1024,
	"protocol.max_frame_size":          1 << 20,
	"auth.ban_duration":                10 * time.Minute,
	"auth.banned_logins":               []string{},
	"debugging.pprof_enabled":          false,
	"debugging.pprof_port":             6060,
	"debugging.packet_logging_enabled": false,
}

// LoadConfig reads config.yaml from configPath, falling back to the defaults for
// anything it doesn't set. A missing file is not an error. Every option can be
// overridden with an environment variable, e.g. simulation.tick_period can be set
// with EMBERCORE_SIMULATION_TICK_PERIOD.
func LoadConfig(configPath string) (*Config, error) {
	v := newViper()
	v.AddConfigPath(configPath)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := bindEnv(v); err != nil {
		return nil, err
	}
	return unmarshal(v)
}

// DefaultConfig returns the built-in defaults. Unlike LoadConfig it ignores the
// environment.
func DefaultConfig() *Config {
	config, err := unmarshal(newViper())
	if err != nil {
		// The defaults are static; failing to decode them is a programming error.
		panic(err)
	}
	return config
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	return v
}

func bindEnv(v *viper.Viper) error {
	v.SetEnvPrefix(envVarPrefix)
	v.AutomaticEnv()

	// This allows us to set nested yaml config options through environment
	// variables. For example, logging.log_level can be set using: <envVarPrefix>_LOGGING_LOG_LEVEL
	for _, k := range v.AllKeys() {
		envVar := strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		if err := v.BindEnv(k, envVarPrefix+"_"+envVar); err != nil {
			return fmt.Errorf("error binding %s to %s: %w", k, envVarPrefix+"_"+envVar, err)
		}
	}
	return nil
}

func unmarshal(v *viper.Viper) (*Config, error) {
	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config object: %w", err)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) validate() error {
	switch {
	case c.Port < 0 || c.Port > 65535:
		return fmt.Errorf("invalid port %d", c.Port)
	case c.Simulation.TickPeriod <= 0:
		return fmt.Errorf("simulation.tick_period must be positive, got %v", c.Simulation.TickPeriod)
	case c.Simulation.EventBurst <= 0 || c.Simulation.ResponseBurst <= 0:
		return errors.New("simulation burst limits must be positive")
	case c.Session.OutboundBurst <= 0:
		return errors.New("session.outbound_burst must be positive")
	case c.Session.ReadBufferIncrement <= 0:
		return errors.New("session.read_buffer_increment must be positive")
	case c.Protocol.MaxFrameSize <= 0:
		return errors.New("protocol.max_frame_size must be positive")
	}
	return nil
}

// Address returns the host:port on which the server listens.
func (c *Config) Address() string {
	return net.JoinHostPort(c.ListenAddress, strconv.Itoa(c.Port))
}
