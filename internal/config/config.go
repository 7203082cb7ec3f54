// Package config loads settings from an optional YAML file, a .env file and
// the process environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type WorkerConfig struct {
	Command     string        `yaml:"command" validate:"required"`
	Args        []string      `yaml:"args"`
	Engines     int           `yaml:"engines" validate:"gte=1"`
	ReadTimeout time.Duration `yaml:"read_timeout" validate:"gte=0"`
}

type DetectionConfig struct {
	MinConfidence float64 `yaml:"min_confidence" validate:"gt=0,lte=1"`
	MaxEncodeSize int     `yaml:"max_encode_size" validate:"gte=1"`
}

type MatchConfig struct {
	Threshold float64 `yaml:"threshold" validate:"gt=0,lte=2"`
}

type ServerConfig struct {
	Port         string   `yaml:"port" validate:"required,numeric"`
	GinMode      string   `yaml:"gin_mode" validate:"oneof=debug release test"`
	AllowOrigins []string `yaml:"allow_origins"`
	MaxUploadMB  int64    `yaml:"max_upload_mb" validate:"gte=1"`
}

type LogConfig struct {
	Level       string `yaml:"level" validate:"oneof=debug info warn error"`
	Development bool   `yaml:"development"`
}

type Config struct {
	DatabaseURL  string          `yaml:"database_url" validate:"required"`
	MediaDir     string          `yaml:"media_dir" validate:"required"`
	StageTimeout time.Duration   `yaml:"stage_timeout" validate:"gte=0"`
	Worker       WorkerConfig    `yaml:"worker"`
	Detection    DetectionConfig `yaml:"detection"`
	Match        MatchConfig     `yaml:"match"`
	Server       ServerConfig    `yaml:"server"`
	Log          LogConfig       `yaml:"log"`
}

// DefaultDatabaseURL is used when neither the file nor the environment
// names a database.
const DefaultDatabaseURL = "postgres://localhost:5432/faceguard"

func Default() *Config {
	return &Config{
		DatabaseURL:  DefaultDatabaseURL,
		MediaDir:     "media",
		StageTimeout: 30 * time.Second,
		Worker: WorkerConfig{
			Command:     "python3",
			Args:        []string{"-u", "python/face_worker.py"},
			Engines:     1,
			ReadTimeout: 60 * time.Second,
		},
		Detection: DetectionConfig{
			MinConfidence: 0.5,
			MaxEncodeSize: 800,
		},
		Match: MatchConfig{
			Threshold: 0.6,
		},
		Server: ServerConfig{
			Port:        "8000",
			GinMode:     "release",
			MaxUploadMB: 15,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration. An empty path skips the YAML file; a
// missing .env file is ignored.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		c.DatabaseURL = url
	} else if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		c.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}

	if dir := os.Getenv("FACEGUARD_MEDIA_DIR"); dir != "" {
		c.MediaDir = dir
	}
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Port = port
	}
	if mode := os.Getenv("GIN_MODE"); mode != "" {
		c.Server.GinMode = mode
	}
	if origins := os.Getenv("FACEGUARD_ALLOW_ORIGINS"); origins != "" {
		c.Server.AllowOrigins = strings.Split(origins, ",")
	}
	if level := os.Getenv("FACEGUARD_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if engines := os.Getenv("FACEGUARD_ENGINES"); engines != "" {
		n, err := strconv.Atoi(engines)
		if err != nil {
			return fmt.Errorf("FACEGUARD_ENGINES: %w", err)
		}
		c.Worker.Engines = n
	}
	return nil
}

var validate = validator.New()

// Validate checks every field against its constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
