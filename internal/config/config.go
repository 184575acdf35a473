package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "MIGERS"

	defaultAPIAddr      = ":8080"
	defaultAdminAddr    = "localhost:8081"
	defaultLogLevel     = "info"
	defaultDriver       = "bbolt"
	defaultDBFile       = "migers.db"
	defaultIssuer       = "migers"
	defaultTokenExpiry  = 12 * time.Hour
	defaultCacheTTL     = 5 * time.Minute
	defaultAuthTimeout  = 10 * time.Second
	defaultSendBuffer   = 64
	defaultGracePeriod  = 60 * time.Second
	defaultReapInterval = 15 * time.Second
	defaultMaxLength    = 4000
	defaultSubscriber   = "mailto:admin@localhost"
)

type Config struct {
	APIAddr   string
	AdminAddr string
	LogLevel  string

	StorageDriver string
	DBFile        string

	AuthSecret   string
	AuthIssuer   string
	AuthInsecure bool
	TokenExpiry  time.Duration
	AuthCacheTTL time.Duration

	AuthTimeout time.Duration
	SendBuffer  int

	GracePeriod  time.Duration
	ReapInterval time.Duration

	MaxMessageLength int

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	PushSubscriber  string

	AllowedOrigins []string
}

// PushEnabled reports whether both VAPID keys are configured.
func (c *Config) PushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	v := viper.New()
	ApplyDefaults(v)
	return v
}

// ApplyDefaults configures defaults and env bindings. MIGERS_AUTH_SECRET
// maps to auth.secret and so on.
func ApplyDefaults(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("api.address", defaultAPIAddr)
	v.SetDefault("admin.address", defaultAdminAddr)
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("storage.driver", defaultDriver)
	v.SetDefault("storage.path", defaultDBFile)
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", defaultIssuer)
	v.SetDefault("auth.insecure", false)
	v.SetDefault("auth.token_expiry", defaultTokenExpiry)
	v.SetDefault("auth.cache_ttl", defaultCacheTTL)
	v.SetDefault("ws.auth_timeout", defaultAuthTimeout)
	v.SetDefault("ws.send_buffer", defaultSendBuffer)
	v.SetDefault("rooms.grace_period", defaultGracePeriod)
	v.SetDefault("rooms.reap_interval", defaultReapInterval)
	v.SetDefault("messages.max_length", defaultMaxLength)
	v.SetDefault("push.vapid_public_key", "")
	v.SetDefault("push.vapid_private_key", "")
	v.SetDefault("push.subscriber", defaultSubscriber)
	v.SetDefault("cors.allowed_origins", []string{})
}

// Load reads the configuration from v. cliMode skips checks that only
// matter to a running server.
func Load(v *viper.Viper, cliMode bool) (*Config, error) {
	cfg := &Config{
		APIAddr:          v.GetString("api.address"),
		AdminAddr:        v.GetString("admin.address"),
		LogLevel:         v.GetString("log.level"),
		StorageDriver:    strings.ToLower(v.GetString("storage.driver")),
		DBFile:           v.GetString("storage.path"),
		AuthSecret:       v.GetString("auth.secret"),
		AuthIssuer:       v.GetString("auth.issuer"),
		AuthInsecure:     v.GetBool("auth.insecure"),
		TokenExpiry:      v.GetDuration("auth.token_expiry"),
		AuthCacheTTL:     v.GetDuration("auth.cache_ttl"),
		AuthTimeout:      v.GetDuration("ws.auth_timeout"),
		SendBuffer:       v.GetInt("ws.send_buffer"),
		GracePeriod:      v.GetDuration("rooms.grace_period"),
		ReapInterval:     v.GetDuration("rooms.reap_interval"),
		MaxMessageLength: v.GetInt("messages.max_length"),
		VAPIDPublicKey:   v.GetString("push.vapid_public_key"),
		VAPIDPrivateKey:  v.GetString("push.vapid_private_key"),
		PushSubscriber:   v.GetString("push.subscriber"),
		AllowedOrigins:   splitList(v.GetStringSlice("cors.allowed_origins")),
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !c.AuthInsecure {
		return fmt.Errorf("auth.secret is required")
	}
	if c.TokenExpiry <= 0 {
		return fmt.Errorf("auth.token_expiry must be greater than 0")
	}
	if cliMode {
		return nil
	}

	switch c.StorageDriver {
	case "bbolt", "sqlite":
	default:
		return fmt.Errorf("storage.driver must be bbolt or sqlite, got %q", c.StorageDriver)
	}
	if strings.TrimSpace(c.DBFile) == "" {
		return fmt.Errorf("storage.path is required")
	}
	for key, d := range map[string]time.Duration{
		"auth.cache_ttl":      c.AuthCacheTTL,
		"ws.auth_timeout":     c.AuthTimeout,
		"rooms.grace_period":  c.GracePeriod,
		"rooms.reap_interval": c.ReapInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be greater than 0", key)
		}
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("ws.send_buffer must be greater than 0")
	}
	if c.MaxMessageLength <= 0 {
		return fmt.Errorf("messages.max_length must be greater than 0")
	}
	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("push.vapid_public_key and push.vapid_private_key must be set together")
	}
	return nil
}

// splitList accepts both a list and a single comma separated value, the
// latter being what env vars provide.
func splitList(values []string) []string {
	var result []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				result = append(result, part)
			}
		}
	}
	return result
}
