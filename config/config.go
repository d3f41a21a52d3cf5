package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/joho/godotenv"
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

const (
	TracingNone   = "none"
	TracingStdout = "stdout"
)

// DefaultKeyName is the environment variable holding the fal.ai API key.
const DefaultKeyName = "FAL_KEY"

type ServerConfig struct {
	Address      string `mapstructure:"address"`
	Environment  string `mapstructure:"environment"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	IdleTimeout  string `mapstructure:"idle_timeout"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type FalConfig struct {
	Key          string `mapstructure:"key"`
	KeyName      string `mapstructure:"key_name"`
	QueueURL     string `mapstructure:"queue_url"`
	PollInterval string `mapstructure:"poll_interval"`
	HTTPTimeout  string `mapstructure:"http_timeout"`
}

// ModelConfig describes one remote inpainting model and its tuning.
// Zero values are left out of the request so the model defaults apply.
type ModelConfig struct {
	ID                string  `mapstructure:"id"`
	Prompt            string  `mapstructure:"prompt"`
	NegativePrompt    string  `mapstructure:"negative_prompt"`
	NumInferenceSteps int     `mapstructure:"num_inference_steps"`
	GuidanceScale     float64 `mapstructure:"guidance_scale"`
	Strength          float64 `mapstructure:"strength"`
	Seed              *int    `mapstructure:"seed"`
}

type ModelsConfig struct {
	Single   ModelConfig `mapstructure:"single"`
	Primary  ModelConfig `mapstructure:"primary"`
	Fallback ModelConfig `mapstructure:"fallback"`
}

type CircuitBreakerConfig struct {
	Threshold    int    `mapstructure:"threshold"`
	ResetTimeout string `mapstructure:"reset_timeout"`
}

type MetricsConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

type TracingConfig struct {
	Exporter    string `mapstructure:"exporter"`
	ServiceName string `mapstructure:"service_name"`
}

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Fal            FalConfig            `mapstructure:"fal"`
	Models         ModelsConfig         `mapstructure:"models"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Metrics        MetricsConfig        `mapstructure:"metrics"`
	Tracing        TracingConfig        `mapstructure:"tracing"`
}

// Load reads .env (when present), config.yaml from ./config or the working
// directory, and the environment, in increasing order of precedence.
// A missing API key is not an error here: handlers report it per request.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to read .env file", slog.String("error", err.Error()))
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, err
		}
		slog.Info("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	// The key lives under a configurable variable name, FAL_KEY by default.
	keyName := v.GetString("fal.key_name")
	if keyName == "" {
		keyName = DefaultKeyName
	}
	if err := v.BindEnv("fal.key", "FAL_KEY", keyName); err != nil {
		return nil, err
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

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "5m")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("logging.level", LogLevelInfo)

	v.SetDefault("fal.key", "")
	v.SetDefault("fal.key_name", DefaultKeyName)
	v.SetDefault("fal.queue_url", "https://queue.fal.run")
	v.SetDefault("fal.poll_interval", "500ms")
	v.SetDefault("fal.http_timeout", "30s")

	v.SetDefault("models.single.id", "fal-ai/lama")
	v.SetDefault("models.single.prompt", "remove all text and watermarks, restore background")

	v.SetDefault("models.primary.id", "fal-ai/flux/dev/image-to-image")
	v.SetDefault("models.primary.prompt", "clean photo, remove all text, captions, logos and watermarks, restore the original background seamlessly")
	v.SetDefault("models.primary.negative_prompt", "text, letters, words, watermark, logo, signature, caption")
	v.SetDefault("models.primary.num_inference_steps", 28)
	v.SetDefault("models.primary.guidance_scale", 3.5)
	v.SetDefault("models.primary.strength", 0.85)
	v.SetDefault("models.primary.seed", 42)

	v.SetDefault("models.fallback.id", "fal-ai/lama")

	v.SetDefault("circuit_breaker.threshold", 5)
	v.SetDefault("circuit_breaker.reset_timeout", "30s")

	v.SetDefault("metrics.buffer_size", 1000)

	v.SetDefault("tracing.exporter", TracingNone)
	v.SetDefault("tracing.service_name", "text-remover")
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
					validation.Field(&sc.ReadTimeout, validation.Required, validation.By(validateDuration)),
					validation.Field(&sc.WriteTimeout, validation.Required, validation.By(validateDuration)),
					validation.Field(&sc.IdleTimeout, validation.Required, validation.By(validateDuration)),
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
		validation.Field(&c.Fal,
			validation.Required,
			validation.By(func(value interface{}) error {
				fc, ok := value.(FalConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a FalConfig")
				}
				return validation.ValidateStruct(&fc,
					validation.Field(&fc.KeyName, validation.Required),
					validation.Field(&fc.QueueURL, validation.Required, validation.By(validateServerURL)),
					validation.Field(&fc.PollInterval, validation.Required, validation.By(validatePositiveDuration)),
					validation.Field(&fc.HTTPTimeout, validation.Required, validation.By(validatePositiveDuration)),
				)
			}),
		),
		validation.Field(&c.Models,
			validation.Required,
			validation.By(func(value interface{}) error {
				mc, ok := value.(ModelsConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ModelsConfig")
				}
				return validation.ValidateStruct(&mc,
					validation.Field(&mc.Single, validation.By(validateModel)),
					validation.Field(&mc.Primary, validation.By(validateModel)),
					validation.Field(&mc.Fallback, validation.By(validateModel)),
				)
			}),
		),
		validation.Field(&c.CircuitBreaker,
			validation.By(func(value interface{}) error {
				cb, ok := value.(CircuitBreakerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a CircuitBreakerConfig")
				}
				return validation.ValidateStruct(&cb,
					validation.Field(&cb.Threshold, validation.Min(0)),
					validation.Field(&cb.ResetTimeout,
						validation.When(cb.Threshold > 0, validation.Required, validation.By(validatePositiveDuration)),
					),
				)
			}),
		),
		validation.Field(&c.Metrics,
			validation.By(func(value interface{}) error {
				mc, ok := value.(MetricsConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a MetricsConfig")
				}
				return validation.ValidateStruct(&mc,
					validation.Field(&mc.BufferSize, validation.Required, validation.Min(1)),
				)
			}),
		),
		validation.Field(&c.Tracing,
			validation.By(func(value interface{}) error {
				tc, ok := value.(TracingConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a TracingConfig")
				}
				return validation.ValidateStruct(&tc,
					validation.Field(&tc.Exporter, validation.In(TracingNone, TracingStdout)),
				)
			}),
		),
	)
}

func validateModel(value interface{}) error {
	mc, ok := value.(ModelConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a ModelConfig")
	}
	return validation.ValidateStruct(&mc,
		validation.Field(&mc.ID, validation.Required),
		validation.Field(&mc.NumInferenceSteps, validation.Min(0)),
		validation.Field(&mc.GuidanceScale, validation.Min(0.0)),
		validation.Field(&mc.Strength, validation.Min(0.0), validation.Max(1.0)),
	)
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

	d, _ := time.ParseDuration(value.(string))
	if d <= 0 {
		return validation.NewError("validation_non_positive_duration", "must be greater than zero")
	}

	return nil
}

func validateServerURL(value interface{}) error {
	serverURL, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return validation.NewError("validation_invalid_url", "must be a valid URL")
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return validation.NewError("validation_invalid_scheme", "URL must use http or https scheme")
	}

	if parsedURL.Host == "" {
		return validation.NewError("validation_missing_host", "URL must have a host")
	}

	return nil
}

// Duration parses a duration already accepted by Validate.
func Duration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
