package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	cenv "github.com/caarlos0/env/v11"
	"golang.org/x/text/language"
)

type Config struct {
	ListenAddr       string
	StoreBaseURL     string
	StoreUsername    string
	StorePassword    string
	StoreLanguage    string
	RequestTimeout   time.Duration
	WaitMaxSeconds   int
	MaxUploadBytes   int64
	TaskRegistrySize int
	TaskRegistryTTL  time.Duration
	LogLevel         string
}

type envConfig struct {
	ListenAddr             string `env:"LISTEN_ADDR" envDefault:":8090"`
	StoreBaseURL           string `env:"STORE_BASE_URL" envDefault:"http://localhost:8080/labbcat"`
	StoreUsername          string `env:"STORE_USERNAME"`
	StorePassword          string `env:"STORE_PASSWORD"`
	StoreLanguage          string `env:"STORE_LANGUAGE"`
	RequestTimeoutSeconds  int    `env:"REQUEST_TIMEOUT_SECONDS" envDefault:"120"`
	WaitMaxSeconds         int    `env:"WAIT_MAX_SECONDS" envDefault:"0"`
	MaxUploadBytes         int64  `env:"MAX_UPLOAD_BYTES" envDefault:"268435456"`
	TaskRegistrySize       int    `env:"TASK_REGISTRY_SIZE" envDefault:"1024"`
	TaskRegistryTTLMinutes int    `env:"TASK_REGISTRY_TTL_MINUTES" envDefault:"60"`
	LogLevel               string `env:"LOG_LEVEL" envDefault:"info"`
}

func Load() (Config, error) {
	var raw envConfig
	if err := cenv.Parse(&raw); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:       strings.TrimSpace(raw.ListenAddr),
		StoreBaseURL:     strings.TrimRight(strings.TrimSpace(raw.StoreBaseURL), "/"),
		StoreUsername:    strings.TrimSpace(raw.StoreUsername),
		StorePassword:    raw.StorePassword,
		StoreLanguage:    strings.TrimSpace(raw.StoreLanguage),
		RequestTimeout:   time.Duration(raw.RequestTimeoutSeconds) * time.Second,
		WaitMaxSeconds:   raw.WaitMaxSeconds,
		MaxUploadBytes:   raw.MaxUploadBytes,
		TaskRegistrySize: raw.TaskRegistrySize,
		TaskRegistryTTL:  time.Duration(raw.TaskRegistryTTLMinutes) * time.Minute,
		LogLevel:         strings.ToLower(strings.TrimSpace(raw.LogLevel)),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	if cfg.StoreLanguage != "" {
		// Validate already parsed it; store the canonical form.
		cfg.StoreLanguage = language.Make(cfg.StoreLanguage).String()
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("LISTEN_ADDR must not be empty")
	}
	if c.StoreBaseURL == "" {
		return errors.New("STORE_BASE_URL must not be empty")
	}
	u, err := url.Parse(c.StoreBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("STORE_BASE_URL must be an absolute http(s) url, got %q", c.StoreBaseURL)
	}
	if c.StorePassword != "" && c.StoreUsername == "" {
		return errors.New("STORE_PASSWORD is set but STORE_USERNAME is empty")
	}
	if c.StoreLanguage != "" {
		if _, err := language.Parse(c.StoreLanguage); err != nil {
			return fmt.Errorf("STORE_LANGUAGE %q is not a valid language tag: %w", c.StoreLanguage, err)
		}
	}
	if c.RequestTimeout <= 0 {
		return errors.New("REQUEST_TIMEOUT_SECONDS must be > 0")
	}
	if c.WaitMaxSeconds < 0 {
		return errors.New("WAIT_MAX_SECONDS must be >= 0")
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("MAX_UPLOAD_BYTES must be > 0")
	}
	if c.TaskRegistrySize <= 0 {
		return errors.New("TASK_REGISTRY_SIZE must be > 0")
	}
	if c.TaskRegistryTTL <= 0 {
		return errors.New("TASK_REGISTRY_TTL_MINUTES must be > 0")
	}
	return nil
}
