package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// OpenAQConfig holds API access and throttling settings.
type OpenAQConfig struct {
	APIKey                      string        `yaml:"api_key" validate:"required"`
	BaseURL                     string        `yaml:"base_url" validate:"required,url"`
	PageSize                    int           `yaml:"page_size" validate:"min=1,max=1000"`
	RequestsPerMinute           float64       `yaml:"requests_per_minute" validate:"gte=0"`
	ConcurrentRequestsPerMinute float64       `yaml:"concurrent_requests_per_minute" validate:"gte=0"`
	Workers                     int           `yaml:"workers" validate:"min=1"`
	MaxRetries                  int           `yaml:"max_retries" validate:"min=0"`
	RequestTimeout              time.Duration `yaml:"request_timeout" validate:"gt=0"`
	BackoffUnit                 time.Duration `yaml:"backoff_unit" validate:"gt=0"`
	BreakerThreshold            uint32        `yaml:"breaker_threshold"`
}

// LocationConfig scopes the location search: coordinates+radius or a
// country code.
type LocationConfig struct {
	Coordinates  string `yaml:"coordinates" validate:"required_without=Country"`
	Radius       int    `yaml:"radius" validate:"min=0,max=25000"`
	Country      string `yaml:"country" validate:"omitempty,len=2"`
	LookbackDays int    `yaml:"lookback_days" validate:"min=1"`
}

// ArtifactConfig selects the artifact store backend.
type ArtifactConfig struct {
	Backend        string `yaml:"backend" validate:"oneof=s3 local memory"`
	Bucket         string `yaml:"bucket" validate:"required_if=Backend s3"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`
	Dir            string `yaml:"dir" validate:"required_if=Backend local"`
}

// WarehouseConfig selects the warehouse backend. For sqlite, DatabaseURL is
// a file path.
type WarehouseConfig struct {
	Driver      string `yaml:"driver" validate:"oneof=postgres sqlite"`
	DatabaseURL string `yaml:"database_url" validate:"required"`
}

// ScheduleConfig holds cron expressions (UTC) for the two pipelines.
type ScheduleConfig struct {
	Daily  string `yaml:"daily" validate:"required"`
	Weekly string `yaml:"weekly" validate:"required"`
}

type Config struct {
	OpenAQ    OpenAQConfig    `yaml:"openaq"`
	Location  LocationConfig  `yaml:"location"`
	Artifacts ArtifactConfig  `yaml:"artifacts"`
	Warehouse WarehouseConfig `yaml:"warehouse"`
	Schedule  ScheduleConfig  `yaml:"schedule"`

	Port       string `yaml:"port" validate:"required,numeric"`
	RunHistory int    `yaml:"run_history" validate:"min=0"`

	LogLevel  string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `yaml:"log_format" validate:"oneof=json text"`
}

var validate = validator.New()

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		OpenAQ: OpenAQConfig{
			BaseURL:                     "https://api.openaq.org/v3",
			PageSize:                    1000,
			RequestsPerMinute:           27, // API quota is 60/min
			ConcurrentRequestsPerMinute: 25,
			Workers:                     5,
			MaxRetries:                  3,
			RequestTimeout:              30 * time.Second,
			BackoffUnit:                 time.Second,
			BreakerThreshold:            20,
		},
		Location: LocationConfig{
			Coordinates:  "52.520008,13.404954",
			Radius:       15000,
			LookbackDays: 1,
		},
		Artifacts: ArtifactConfig{
			Backend: "s3",
		},
		Warehouse: WarehouseConfig{
			Driver: "postgres",
		},
		Schedule: ScheduleConfig{
			Daily:  "0 2 * * *",
			Weekly: "0 3 * * 1",
		},
		Port:       "8080",
		RunHistory: 50,
		LogLevel:   "info",
		LogFormat:  "json",
	}
}

// Load builds the configuration from defaults, then the optional YAML file
// at path, then environment variables, and validates the result. A missing
// API key or bucket is reported here, before any I/O.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, fmt.Errorf("invalid configuration: %s failed on %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.OpenAQ.APIKey, "API_KEY")
	setString(&cfg.OpenAQ.BaseURL, "OPENAQ_BASE_URL")
	setString(&cfg.Location.Coordinates, "LOCATION_COORDINATES")
	setString(&cfg.Location.Country, "LOCATION_COUNTRY")
	// A country from the environment replaces the coordinate search unless
	// coordinates are given there too.
	if os.Getenv("LOCATION_COUNTRY") != "" && os.Getenv("LOCATION_COORDINATES") == "" {
		cfg.Location.Coordinates = ""
	}
	setString(&cfg.Artifacts.Backend, "ARTIFACT_BACKEND")
	setString(&cfg.Artifacts.Bucket, "S3_BUCKET")
	setString(&cfg.Artifacts.Region, "AWS_REGION")
	setString(&cfg.Artifacts.Endpoint, "S3_ENDPOINT")
	setString(&cfg.Artifacts.Dir, "ARTIFACT_DIR")
	setString(&cfg.Warehouse.Driver, "WAREHOUSE_DRIVER")
	setString(&cfg.Warehouse.DatabaseURL, "DATABASE_URL")
	setString(&cfg.Schedule.Daily, "DAILY_CRON")
	setString(&cfg.Schedule.Weekly, "WEEKLY_CRON")
	setString(&cfg.Port, "PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogFormat, "LOG_FORMAT")

	ints := []struct {
		key string
		dst *int
	}{
		{"OPENAQ_PAGE_SIZE", &cfg.OpenAQ.PageSize},
		{"OPENAQ_WORKERS", &cfg.OpenAQ.Workers},
		{"OPENAQ_MAX_RETRIES", &cfg.OpenAQ.MaxRetries},
		{"LOCATION_RADIUS", &cfg.Location.Radius},
		{"LOOKBACK_DAYS", &cfg.Location.LookbackDays},
		{"RUN_HISTORY", &cfg.RunHistory},
	}
	for _, e := range ints {
		if err := setInt(e.dst, e.key); err != nil {
			return err
		}
	}

	floats := []struct {
		key string
		dst *float64
	}{
		{"OPENAQ_REQUESTS_PER_MINUTE", &cfg.OpenAQ.RequestsPerMinute},
		{"OPENAQ_CONCURRENT_REQUESTS_PER_MINUTE", &cfg.OpenAQ.ConcurrentRequestsPerMinute},
	}
	for _, e := range floats {
		if err := setFloat(e.dst, e.key); err != nil {
			return err
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"OPENAQ_REQUEST_TIMEOUT", &cfg.OpenAQ.RequestTimeout},
		{"OPENAQ_BACKOFF_UNIT", &cfg.OpenAQ.BackoffUnit},
	}
	for _, e := range durations {
		if err := setDuration(e.dst, e.key); err != nil {
			return err
		}
	}

	if v := os.Getenv("OPENAQ_BREAKER_THRESHOLD"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid OPENAQ_BREAKER_THRESHOLD: %w", err)
		}
		cfg.OpenAQ.BreakerThreshold = uint32(n)
	}
	if v := os.Getenv("S3_FORCE_PATH_STYLE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid S3_FORCE_PATH_STYLE: %w", err)
		}
		cfg.Artifacts.ForcePathStyle = b
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = n
	}
	return nil
}

func setFloat(dst *float64, key string) error {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = f
	}
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = d
	}
	return nil
}
