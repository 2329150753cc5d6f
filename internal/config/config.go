package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                   = "CODEROOM"
	defaultHTTPAddress          = "0.0.0.0:8080"
	defaultDatabasePath         = "coderoom.db"
	defaultLogLevel             = "info"
	defaultCookieName           = "app_session"
	defaultIssuer               = "coderoom-auth"
	defaultAudience             = "coderoom-api"
	defaultTokenTTLMinutes      = 60
	defaultSweepInterval        = time.Minute
	defaultMaxChatMessageLength = 2000
	defaultExecutorURL          = "https://emkc.org/api/v2/piston/execute"
	defaultExecutorTimeout      = 10 * time.Second
	defaultExecutorConcurrency  = 4
	defaultSendBuffer           = 256
	defaultMaxMessageBytes      = 1024 * 1024
	defaultMessagesPerSecond    = 100
	defaultMessageBurst         = 200
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	LogLevel       string
	DatabasePath   string
	AllowedOrigins []string

	SigningSecret string
	TokenIssuer   string
	TokenAudience string
	TokenTTL      time.Duration
	CookieName    string

	// RoomIdleTTL of zero keeps rooms resident for the process lifetime.
	RoomIdleTTL          time.Duration
	RoomSweepInterval    time.Duration
	MaxChatMessageLength int

	ExecutorURL           string
	ExecutorTimeout       time.Duration
	ExecutorMaxConcurrent int

	SendBuffer        int
	MaxMessageBytes   int64
	MessagesPerSecond float64
	MessageBurst      int
}

// AdvisoryAuth reports whether connections are resolved without a signing secret.
func (c AppConfig) AdvisoryAuth() bool {
	return strings.TrimSpace(c.SigningSecret) == ""
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("cors.allowed_origins", []string{"*"})
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.audience", defaultAudience)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("room.idle_ttl", time.Duration(0))
	configViper.SetDefault("room.sweep_interval", defaultSweepInterval)
	configViper.SetDefault("chat.max_message_length", defaultMaxChatMessageLength)
	configViper.SetDefault("executor.url", defaultExecutorURL)
	configViper.SetDefault("executor.timeout", defaultExecutorTimeout)
	configViper.SetDefault("executor.max_concurrent", defaultExecutorConcurrency)
	configViper.SetDefault("ws.send_buffer", defaultSendBuffer)
	configViper.SetDefault("ws.max_message_bytes", defaultMaxMessageBytes)
	configViper.SetDefault("ws.messages_per_second", defaultMessagesPerSecond)
	configViper.SetDefault("ws.message_burst", defaultMessageBurst)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:           configViper.GetString("http.address"),
		LogLevel:              configViper.GetString("log.level"),
		DatabasePath:          configViper.GetString("database.path"),
		AllowedOrigins:        configViper.GetStringSlice("cors.allowed_origins"),
		SigningSecret:         configViper.GetString("auth.signing_secret"),
		TokenIssuer:           configViper.GetString("auth.issuer"),
		TokenAudience:         configViper.GetString("auth.audience"),
		TokenTTL:              time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		CookieName:            configViper.GetString("auth.cookie_name"),
		RoomIdleTTL:           configViper.GetDuration("room.idle_ttl"),
		RoomSweepInterval:     configViper.GetDuration("room.sweep_interval"),
		MaxChatMessageLength:  configViper.GetInt("chat.max_message_length"),
		ExecutorURL:           configViper.GetString("executor.url"),
		ExecutorTimeout:       configViper.GetDuration("executor.timeout"),
		ExecutorMaxConcurrent: configViper.GetInt("executor.max_concurrent"),
		SendBuffer:            configViper.GetInt("ws.send_buffer"),
		MaxMessageBytes:       configViper.GetInt64("ws.max_message_bytes"),
		MessagesPerSecond:     configViper.GetFloat64("ws.messages_per_second"),
		MessageBurst:          configViper.GetInt("ws.message_burst"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.TokenIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.RoomIdleTTL < 0 {
		return fmt.Errorf("room.idle_ttl must not be negative")
	}
	if c.RoomSweepInterval <= 0 {
		return fmt.Errorf("room.sweep_interval must be positive")
	}
	if c.MaxChatMessageLength <= 0 {
		return fmt.Errorf("chat.max_message_length must be positive")
	}
	if c.ExecutorTimeout <= 0 {
		return fmt.Errorf("executor.timeout must be positive")
	}
	if c.ExecutorMaxConcurrent <= 0 {
		return fmt.Errorf("executor.max_concurrent must be positive")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("ws.send_buffer must be positive")
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("ws.max_message_bytes must be positive")
	}
	if c.MessagesPerSecond <= 0 || c.MessageBurst <= 0 {
		return fmt.Errorf("ws.messages_per_second and ws.message_burst must be positive")
	}
	return nil
}
