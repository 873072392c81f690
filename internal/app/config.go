package app

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	StorageSQLite   = "sqlite"
	StorageJSONFile = "jsonfile"
)

// Config is the resolved runtime configuration. Resolution order is
// defaults, then the optional YAML file, then flags and environment.
type Config struct {
	Addr    string `yaml:"addr" validate:"required"`
	Storage string `yaml:"storage" validate:"oneof=sqlite jsonfile"`
	DBPath  string `yaml:"db_path" validate:"required_if=Storage sqlite"`
	DataDir string `yaml:"data_dir" validate:"required_if=Storage jsonfile"`

	AppName   string `yaml:"app_name"`
	OwnerID   string `yaml:"owner_id"`
	AppSecret string `yaml:"app_secret"`
	APIKey    string `yaml:"api_key"`

	DefaultUsername string `yaml:"default_username" validate:"required"`
	DefaultPlan     string `yaml:"default_plan" validate:"required"`
	DefaultDays     int    `yaml:"default_days" validate:"gte=0,lte=36500"`
	DefaultMaxUses  int64  `yaml:"default_max_uses" validate:"gte=0"`

	LogRetention int    `yaml:"log_retention" validate:"gt=0"`
	LogLevel     string `yaml:"log_level" validate:"oneof=debug info warn error"`
	DBDebug      bool   `yaml:"db_debug"`

	WebhookURL     string        `yaml:"webhook_url" validate:"omitempty,url"`
	WebhookSecret  string        `yaml:"webhook_secret" validate:"required_with=WebhookURL"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout" validate:"gte=0,lte=30s"`
}

func Defaults() Config {
	return Config{
		Addr:            ":5000",
		Storage:         StorageSQLite,
		DBPath:          "./keyauth.sqlite",
		DataDir:         "./data",
		AppName:         "keyauth",
		DefaultUsername: "User",
		DefaultPlan:     "BASIC",
		DefaultDays:     30,
		DefaultMaxUses:  1,
		LogRetention:    1000,
		LogLevel:        "info",
		WebhookTimeout:  10 * time.Second,
	}
}

// LoadFile overlays the YAML document at path onto cfg. Unknown keys are an
// error.
func LoadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, ", "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// CredentialsConfigured reports whether the admin API can accept callers.
func (c Config) CredentialsConfigured() bool {
	return c.OwnerID != "" && c.AppSecret != "" && c.APIKey != ""
}

func NewLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}
