package config

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

type ServerConfig struct {
	Address      string `mapstructure:"address"`
	Environment  string `mapstructure:"environment"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	IdleTimeout  string `mapstructure:"idle_timeout"`
}

type HealthCheckConfig struct {
	Interval         string `mapstructure:"interval"`
	Timeout          string `mapstructure:"timeout"`
	RetryDelay       string `mapstructure:"retry_delay"`
	FailureThreshold int    `mapstructure:"failure_threshold"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int    `mapstructure:"failure_threshold"`
	ResetTimeout     string `mapstructure:"reset_timeout"`
	HalfOpenMaxCalls int    `mapstructure:"half_open_max_calls"`
}

type ProxyConfig struct {
	Timeout       string `mapstructure:"timeout"`
	FlushInterval string `mapstructure:"flush_interval"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type BootstrapConfig struct {
	ServicesFile string `mapstructure:"services_file"`
}

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	HealthCheck    HealthCheckConfig    `mapstructure:"health_check"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Proxy          ProxyConfig          `mapstructure:"proxy"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Bootstrap      BootstrapConfig      `mapstructure:"bootstrap"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", "35s")
	v.SetDefault("server.write_timeout", "35s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("health_check.interval", "30s")
	v.SetDefault("health_check.timeout", "5s")
	v.SetDefault("health_check.retry_delay", "1s")
	v.SetDefault("health_check.failure_threshold", 3)
	v.SetDefault("circuit_breaker.failure_threshold", 5)
	v.SetDefault("circuit_breaker.reset_timeout", "60s")
	v.SetDefault("circuit_breaker.half_open_max_calls", 3)
	v.SetDefault("proxy.timeout", "30s")
	v.SetDefault("proxy.flush_interval", "100ms")
	v.SetDefault("logging.level", LogLevelInfo)
	v.SetDefault("bootstrap.services_file", "")
}

// Load reads config.yaml from ./config or the working directory, then
// applies environment overrides such as SERVER_ADDRESS. A missing file is
// not an error.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, err
		}
		slog.Info("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server,
			validation.Required,
			validation.By(func(value interface{}) error {
				sc, ok := value.(ServerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ServerConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Environment,
						validation.Required,
						validation.In(EnvDev, EnvStaging, EnvProd),
					),
					validation.Field(&sc.Address,
						validation.Required,
						validation.By(validateHostPort),
					),
					validation.Field(&sc.ReadTimeout, validation.Required, validation.By(validatePositiveDuration)),
					validation.Field(&sc.WriteTimeout, validation.Required, validation.By(validatePositiveDuration)),
					validation.Field(&sc.IdleTimeout, validation.Required, validation.By(validatePositiveDuration)),
				)
			}),
		),
		validation.Field(&c.Logging,
			validation.Required,
			validation.By(func(value interface{}) error {
				lc, ok := value.(LoggingConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
				}
				return validation.ValidateStruct(&lc,
					validation.Field(&lc.Level,
						validation.Required,
						validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
					),
				)
			}),
		),
		validation.Field(&c.HealthCheck,
			validation.Required,
			validation.By(func(value interface{}) error {
				hc, ok := value.(HealthCheckConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a HealthCheckConfig")
				}
				return validation.ValidateStruct(&hc,
					validation.Field(&hc.Interval, validation.Required, validation.By(validatePositiveDuration)),
					validation.Field(&hc.Timeout, validation.Required, validation.By(validatePositiveDuration)),
					validation.Field(&hc.RetryDelay, validation.Required, validation.By(validatePositiveDuration)),
					validation.Field(&hc.FailureThreshold, validation.Required, validation.Min(1)),
				)
			}),
		),
		validation.Field(&c.CircuitBreaker,
			validation.Required,
			validation.By(func(value interface{}) error {
				cb, ok := value.(CircuitBreakerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a CircuitBreakerConfig")
				}
				return validation.ValidateStruct(&cb,
					validation.Field(&cb.FailureThreshold, validation.Required, validation.Min(1)),
					validation.Field(&cb.ResetTimeout, validation.Required, validation.By(validatePositiveDuration)),
					validation.Field(&cb.HalfOpenMaxCalls, validation.Required, validation.Min(1)),
				)
			}),
		),
		validation.Field(&c.Proxy,
			validation.Required,
			validation.By(func(value interface{}) error {
				pc, ok := value.(ProxyConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ProxyConfig")
				}
				return validation.ValidateStruct(&pc,
					validation.Field(&pc.Timeout, validation.Required, validation.By(validatePositiveDuration)),
					validation.Field(&pc.FlushInterval, validation.Required, validation.By(validateDuration)),
				)
			}),
			validation.By(c.validateProxyFitsWriteTimeout),
		),
	)
}

// validateProxyFitsWriteTimeout keeps the outer socket timeout above the
// upstream timeout so the gateway can still answer 408 itself.
func (c *Config) validateProxyFitsWriteTimeout(interface{}) error {
	proxy, perr := time.ParseDuration(c.Proxy.Timeout)
	write, werr := time.ParseDuration(c.Server.WriteTimeout)
	if perr != nil || werr != nil {
		return nil
	}
	if write <= proxy {
		return validation.NewError("validation_timeout_order",
			fmt.Sprintf("proxy timeout %s must be shorter than server write timeout %s", proxy, write))
	}
	return nil
}

func (s ServerConfig) Timeouts() (read, write, idle time.Duration) {
	return mustDuration(s.ReadTimeout), mustDuration(s.WriteTimeout), mustDuration(s.IdleTimeout)
}

func (h HealthCheckConfig) IntervalDuration() time.Duration   { return mustDuration(h.Interval) }
func (h HealthCheckConfig) TimeoutDuration() time.Duration    { return mustDuration(h.Timeout) }
func (h HealthCheckConfig) RetryDelayDuration() time.Duration { return mustDuration(h.RetryDelay) }

func (c CircuitBreakerConfig) ResetTimeoutDuration() time.Duration {
	return mustDuration(c.ResetTimeout)
}

func (p ProxyConfig) TimeoutDuration() time.Duration       { return mustDuration(p.Timeout) }
func (p ProxyConfig) FlushIntervalDuration() time.Duration { return mustDuration(p.FlushInterval) }

// mustDuration parses a duration already checked by Validate. Unparseable
// values yield zero, which every consumer replaces with its default.
func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func validateDuration(value interface{}) error {
	durationStr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if _, err := time.ParseDuration(durationStr); err != nil {
		return validation.NewError("validation_invalid_duration", "must be a valid duration (e.g., 2s, 5m, 1h)")
	}

	return nil
}

func validatePositiveDuration(value interface{}) error {
	if err := validateDuration(value); err != nil {
		return err
	}

	if d, _ := time.ParseDuration(value.(string)); d <= 0 {
		return validation.NewError("validation_nonpositive_duration", "must be greater than zero")
	}

	return nil
}
