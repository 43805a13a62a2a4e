// Package config resolves server and agent configuration. Values are
// taken from CLI flags, then a TOML file, then environment variables,
// then built-in defaults, first match winning.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Server holds the control server configuration.
type Server struct {
	// Listeners
	TCPBindAddr  string // agent-facing TCP
	TCPPort      int
	HTTPBindAddr string // operator HTTP
	HTTPPort     int

	// Registry sweeping
	CleanupInterval time.Duration // how often the sweeper runs
	ClientTimeout   time.Duration // evict agents silent longer than this
	MaxConnections  int           // concurrent TCP session cap

	// Auth
	AuthToken      string // operator bearer token, empty = open API
	TCPAuthEnabled bool
	TCPAuthSecret  string

	// Command admission
	AllowedScriptDirs       []string
	AllowedScriptExtensions []string

	// Completion store
	ResultTTL    time.Duration // drop finished records after this
	HistoryLimit int           // per-agent history index bound

	// Operator surface
	CatalogFile     string // optional YAML override for the command catalog
	MetricsTextfile string // optional Prometheus textfile export path

	// Notifications
	NotifyWebhookURL     string
	NotifyWebhookHeaders map[string]string
	NotifyMQTTBroker     string
	NotifyMQTTTopic      string
	NotifyMQTTClientID   string
	NotifyMQTTUsername   string
	NotifyMQTTPassword   string
	NotifyMQTTQoS        int

	// Logging
	LogJSON bool
}

// Agent holds the host agent configuration.
type Agent struct {
	// Server address
	ServerHost string
	ServerPort int

	// Cadence and retry
	HeartbeatInterval time.Duration
	RetryMaxAttempts  int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration

	// Local files
	ClientIDFile string
	AppsBaseDir  string // scanned for app version manifests
	MOTDFile     string // empty = $HOME/.ops_motd, /tmp fallback
	JournalFile  string // empty = command journal disabled

	// Auth (mirrors the server toggle)
	TCPAuthEnabled bool
	TCPAuthSecret  string

	// Command admission (must match the server's tables)
	AllowedScriptDirs       []string
	AllowedScriptExtensions []string

	// Logging
	LogJSON bool
}

// defaultServer returns the built-in server defaults overlaid with
// environment variables.
func defaultServer() *Server {
	return &Server{
		TCPBindAddr:             envStr("OPS_TCP_BIND_ADDR", "0.0.0.0"),
		TCPPort:                 envInt("OPS_TCP_PORT", 12345),
		HTTPBindAddr:            envStr("OPS_HTTP_BIND_ADDR", "0.0.0.0"),
		HTTPPort:                envInt("OPS_HTTP_PORT", 3000),
		CleanupInterval:         envDuration("OPS_CLEANUP_INTERVAL", 60*time.Second),
		ClientTimeout:           envDuration("OPS_CLIENT_TIMEOUT", 300*time.Second),
		MaxConnections:          envInt("OPS_MAX_CONNECTIONS", 1000),
		AuthToken:               envStr("OPS_AUTH_TOKEN", ""),
		TCPAuthEnabled:          envBool("OPS_TCP_AUTH_ENABLED", false),
		TCPAuthSecret:           envStr("OPS_TCP_AUTH_SECRET", ""),
		AllowedScriptDirs:       envStrSlice("OPS_ALLOWED_SCRIPT_DIRS", nil),
		AllowedScriptExtensions: envStrSlice("OPS_ALLOWED_SCRIPT_EXTENSIONS", nil),
		ResultTTL:               envDuration("OPS_RESULT_TTL", 15*time.Minute),
		HistoryLimit:            envInt("OPS_HISTORY_LIMIT", 200),
		CatalogFile:             envStr("OPS_CATALOG_FILE", ""),
		MetricsTextfile:         envStr("OPS_METRICS_TEXTFILE", ""),
		NotifyWebhookURL:        envStr("OPS_NOTIFY_WEBHOOK_URL", ""),
		NotifyWebhookHeaders:    envStrMap("OPS_NOTIFY_WEBHOOK_HEADERS"),
		NotifyMQTTBroker:        envStr("OPS_NOTIFY_MQTT_BROKER", ""),
		NotifyMQTTTopic:         envStr("OPS_NOTIFY_MQTT_TOPIC", "opswire/events"),
		NotifyMQTTClientID:      envStr("OPS_NOTIFY_MQTT_CLIENT_ID", ""),
		NotifyMQTTUsername:      envStr("OPS_NOTIFY_MQTT_USERNAME", ""),
		NotifyMQTTPassword:      envStr("OPS_NOTIFY_MQTT_PASSWORD", ""),
		NotifyMQTTQoS:           envInt("OPS_NOTIFY_MQTT_QOS", 0),
		LogJSON:                 envBool("OPS_LOG_JSON", true),
	}
}

// defaultAgent returns the built-in agent defaults overlaid with
// environment variables.
func defaultAgent() *Agent {
	return &Agent{
		ServerHost:              envStr("OPS_SERVER_HOST", "127.0.0.1"),
		ServerPort:              envInt("OPS_SERVER_PORT", 12345),
		HeartbeatInterval:       envDuration("OPS_HEARTBEAT_INTERVAL", 3*time.Second),
		RetryMaxAttempts:        envInt("OPS_RETRY_MAX_ATTEMPTS", 10),
		RetryBaseDelay:          envDuration("OPS_RETRY_BASE_DELAY", 2*time.Second),
		RetryMaxDelay:           envDuration("OPS_RETRY_MAX_DELAY", 60*time.Second),
		ClientIDFile:            envStr("OPS_CLIENT_ID_FILE", "/tmp/client_id.txt"),
		AppsBaseDir:             envStr("OPS_APPS_BASE_DIR", "/tmp/apps"),
		MOTDFile:                envStr("OPS_MOTD_FILE", ""),
		JournalFile:             envStr("OPS_CLIENT_JOURNAL", ""),
		TCPAuthEnabled:          envBool("OPS_TCP_AUTH_ENABLED", false),
		TCPAuthSecret:           envStr("OPS_TCP_AUTH_SECRET", ""),
		AllowedScriptDirs:       envStrSlice("OPS_ALLOWED_SCRIPT_DIRS", nil),
		AllowedScriptExtensions: envStrSlice("OPS_ALLOWED_SCRIPT_EXTENSIONS", nil),
		LogJSON:                 envBool("OPS_LOG_JSON", false),
	}
}

// Validate checks server configuration for invalid or contradictory values.
func (c *Server) Validate() error {
	var errs []error
	if err := validPort("OPS_TCP_PORT", c.TCPPort); err != nil {
		errs = append(errs, err)
	}
	if err := validPort("OPS_HTTP_PORT", c.HTTPPort); err != nil {
		errs = append(errs, err)
	}
	if c.CleanupInterval <= 0 {
		errs = append(errs, fmt.Errorf("OPS_CLEANUP_INTERVAL must be > 0, got %s", c.CleanupInterval))
	}
	if c.ClientTimeout <= 0 {
		errs = append(errs, fmt.Errorf("OPS_CLIENT_TIMEOUT must be > 0, got %s", c.ClientTimeout))
	}
	if c.MaxConnections <= 0 {
		errs = append(errs, fmt.Errorf("OPS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections))
	}
	if c.TCPAuthEnabled && c.TCPAuthSecret == "" {
		errs = append(errs, errors.New("OPS_TCP_AUTH_ENABLED is set but OPS_TCP_AUTH_SECRET is empty"))
	}
	if c.ResultTTL <= 0 {
		errs = append(errs, fmt.Errorf("OPS_RESULT_TTL must be > 0, got %s", c.ResultTTL))
	}
	if c.HistoryLimit <= 0 {
		errs = append(errs, fmt.Errorf("OPS_HISTORY_LIMIT must be > 0, got %d", c.HistoryLimit))
	}
	for _, d := range c.AllowedScriptDirs {
		if !strings.HasPrefix(d, "/") {
			errs = append(errs, fmt.Errorf("allowed script dir %q is not absolute", d))
		}
	}
	if c.NotifyMQTTQoS < 0 || c.NotifyMQTTQoS > 2 {
		errs = append(errs, fmt.Errorf("OPS_NOTIFY_MQTT_QOS must be 0, 1, or 2, got %d", c.NotifyMQTTQoS))
	}
	if c.NotifyMQTTBroker != "" && c.NotifyMQTTTopic == "" {
		errs = append(errs, errors.New("OPS_NOTIFY_MQTT_BROKER is set but OPS_NOTIFY_MQTT_TOPIC is empty"))
	}
	return errors.Join(errs...)
}

// Validate checks agent configuration for invalid or contradictory values.
func (c *Agent) Validate() error {
	var errs []error
	if c.ServerHost == "" {
		errs = append(errs, errors.New("OPS_SERVER_HOST must not be empty"))
	}
	if err := validPort("OPS_SERVER_PORT", c.ServerPort); err != nil {
		errs = append(errs, err)
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("OPS_HEARTBEAT_INTERVAL must be > 0, got %s", c.HeartbeatInterval))
	}
	if c.RetryMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("OPS_RETRY_MAX_ATTEMPTS must be > 0, got %d", c.RetryMaxAttempts))
	}
	if c.RetryBaseDelay <= 0 {
		errs = append(errs, fmt.Errorf("OPS_RETRY_BASE_DELAY must be > 0, got %s", c.RetryBaseDelay))
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		errs = append(errs, fmt.Errorf("OPS_RETRY_MAX_DELAY must be >= OPS_RETRY_BASE_DELAY, got %s < %s",
			c.RetryMaxDelay, c.RetryBaseDelay))
	}
	if c.ClientIDFile == "" {
		errs = append(errs, errors.New("OPS_CLIENT_ID_FILE must not be empty"))
	}
	if c.TCPAuthEnabled && c.TCPAuthSecret == "" {
		errs = append(errs, errors.New("OPS_TCP_AUTH_ENABLED is set but OPS_TCP_AUTH_SECRET is empty"))
	}
	for _, d := range c.AllowedScriptDirs {
		if !strings.HasPrefix(d, "/") {
			errs = append(errs, fmt.Errorf("allowed script dir %q is not absolute", d))
		}
	}
	return errors.Join(errs...)
}

func validPort(name string, p int) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("%s must be in 1..65535, got %d", name, p)
	}
	return nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// envStrSlice parses a comma-separated list, dropping empty elements.
func envStrSlice(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// envStrMap parses "Key=Value,Key2=Value2" into a map. Entries without
// "=" are dropped.
func envStrMap(key string) map[string]string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	out := make(map[string]string)
	for _, part := range strings.Split(v, ",") {
		k, val, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		if k = strings.TrimSpace(k); k != "" {
			out[k] = strings.TrimSpace(val)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
