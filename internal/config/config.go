// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the gateway server configuration.
type Config struct {
	Port              string
	FrontendURL       string
	DBPath            string
	AgentUpstreamAddr string // gRPC agent address; empty runs the built-in echo agent
	MaxRequestBody    int64
	RateLimit         RateLimitConfig
	Stream            StreamConfig
	ConversationLog   ConversationLogConfig
}

// RateLimitConfig sizes the per-user sliding window on POST /api/agent/chat.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// StreamConfig controls the SSE and WebSocket event streams.
type StreamConfig struct {
	KeepaliveInterval time.Duration
	RetryDelay        time.Duration
	ReplaySize        int
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		FrontendURL:       getEnv("FRONTEND_URL", ""),
		DBPath:            getEnv("DB_PATH", "./data/chat.db"),
		AgentUpstreamAddr: getEnv("AGENT_UPSTREAM_ADDR", ""),
		MaxRequestBody:    int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Stream: StreamConfig{
			KeepaliveInterval: getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			RetryDelay:        getEnvDuration("SSE_RETRY_DELAY", 5*time.Second),
			ReplaySize:        getEnvInt("SSE_REPLAY_SIZE", 100),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.MaxRequestBody <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.RateLimit.Requests <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	if c.Stream.KeepaliveInterval <= 0 {
		return fmt.Errorf("SSE_KEEPALIVE_INTERVAL must be > 0")
	}
	if c.Stream.ReplaySize <= 0 {
		return fmt.Errorf("SSE_REPLAY_SIZE must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// Stream transports selectable by the chat client.
const (
	StreamSSE       = "sse"
	StreamWebSocket = "ws"
)

// ClientConfig holds the terminal chat client configuration.
type ClientConfig struct {
	ServerURL      string
	AgentID        string
	TenantID       string
	Stream         string
	RetryAttempts  int
	RetryInitial   time.Duration
	RetryMax       time.Duration
	LimitWindow    time.Duration
	RequestTimeout time.Duration
}

// LoadClient reads the chat client configuration from environment variables.
func LoadClient() (*ClientConfig, error) {
	cfg := &ClientConfig{
		ServerURL:      getEnv("CHAT_SERVER_URL", "http://localhost:8080"),
		AgentID:        getEnv("CHAT_AGENT_ID", ""),
		TenantID:       getEnv("CHAT_TENANT_ID", ""),
		Stream:         strings.ToLower(getEnv("CHAT_STREAM", StreamSSE)),
		RetryAttempts:  getEnvInt("CHAT_RETRY_MAX_ATTEMPTS", 3),
		RetryInitial:   getEnvDuration("CHAT_RETRY_INITIAL_DELAY", time.Second),
		RetryMax:       getEnvDuration("CHAT_RETRY_MAX_DELAY", 8*time.Second),
		LimitWindow:    getEnvDuration("CHAT_RATE_LIMIT_WINDOW", 60*time.Second),
		RequestTimeout: getEnvDuration("CHAT_REQUEST_TIMEOUT", 30*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the client configuration.
func (c *ClientConfig) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("CHAT_SERVER_URL must be an http(s) URL, got %q", c.ServerURL)
	}
	if c.Stream != StreamSSE && c.Stream != StreamWebSocket {
		return fmt.Errorf("CHAT_STREAM must be %q or %q, got %q", StreamSSE, StreamWebSocket, c.Stream)
	}
	if c.RetryAttempts <= 0 {
		return fmt.Errorf("CHAT_RETRY_MAX_ATTEMPTS must be > 0")
	}
	if c.RetryInitial <= 0 || c.RetryMax < c.RetryInitial {
		return fmt.Errorf("CHAT_RETRY_MAX_DELAY must be >= CHAT_RETRY_INITIAL_DELAY > 0")
	}
	if c.LimitWindow <= 0 {
		return fmt.Errorf("CHAT_RATE_LIMIT_WINDOW must be > 0")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("CHAT_REQUEST_TIMEOUT must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("90s", "1m") or bare seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
