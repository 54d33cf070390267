package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config holds the relay server settings.
type Config struct {
	DBFile          string
	APIAddr         string
	AdminAddr       string
	BaseURL         string
	UploadsPath     string
	MaxUploadBytes  int64
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubscriber string
}

func Load() (*Config, error) {
	maxUpload, err := strconv.ParseInt(getEnv("MAX_UPLOAD_BYTES", "10485760"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_UPLOAD_BYTES: %w", err)
	}

	cfg := &Config{
		DBFile:          getEnv("RELAY_DB", "livechat.db"),
		APIAddr:         getEnv("API_ADDR", ":8080"),
		AdminAddr:       getEnv("ADMIN_ADDR", "localhost:8081"),
		BaseURL:         getEnv("BASE_URL", "http://localhost:8080"),
		UploadsPath:     getEnv("UPLOADS_PATH", "uploads"),
		MaxUploadBytes:  maxUpload,
		VAPIDPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
		VAPIDSubscriber: getEnv("VAPID_SUBSCRIBER", "admin@localhost"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DBFile == "" {
		return fmt.Errorf("RELAY_DB is required")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be greater than 0")
	}
	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid BASE_URL: %w", err)
	}
	return nil
}

// PushEnabled reports whether web push keys were configured.
func (c *Config) PushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

type Delivery string

const (
	DeliveryDurable Delivery = "durable"
	DeliveryRelay   Delivery = "relay"
)

// ClientConfig holds the settings of the messaging client core.
type ClientConfig struct {
	RelayURL       string
	APIURL         string
	SessionDB      string
	PollInterval   time.Duration
	RequestTimeout time.Duration
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
	Delivery       Delivery
}

func LoadClient() (*ClientConfig, error) {
	cfg := &ClientConfig{
		RelayURL:  getEnv("RELAY_URL", "ws://localhost:8080/api/realtime"),
		APIURL:    getEnv("API_URL", "http://localhost:8080"),
		SessionDB: getEnv("SESSION_DB", "session.db"),
		Delivery:  Delivery(getEnv("DELIVERY", string(DeliveryDurable))),
	}

	durations := []struct {
		key      string
		fallback string
		dst      *time.Duration
	}{
		{"POLL_INTERVAL", "5s", &cfg.PollInterval},
		{"REQUEST_TIMEOUT", "10s", &cfg.RequestTimeout},
		{"RECONNECT_MIN", "500ms", &cfg.ReconnectMin},
		{"RECONNECT_MAX", "30s", &cfg.ReconnectMax},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(getEnv(d.key, d.fallback))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *ClientConfig) Validate() error {
	u, err := url.Parse(c.RelayURL)
	if err != nil {
		return fmt.Errorf("invalid RELAY_URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("RELAY_URL must use ws or wss scheme")
	}
	if _, err := url.Parse(c.APIURL); err != nil {
		return fmt.Errorf("invalid API_URL: %w", err)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be greater than 0")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be greater than 0")
	}
	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("RECONNECT_MIN must be positive and not exceed RECONNECT_MAX")
	}
	if c.Delivery != DeliveryDurable && c.Delivery != DeliveryRelay {
		return fmt.Errorf("DELIVERY must be %q or %q", DeliveryDurable, DeliveryRelay)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
