package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// duration lets TOML carry durations as strings like "30s".
type duration struct{ time.Duration }

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// fileConfig is the shape of the TOML config file. Both binaries read
// the same file and take their own table. Fields are pointers so that
// only keys present in the file override the environment layer.
type fileConfig struct {
	Server serverFile `toml:"server"`
	Agent  agentFile  `toml:"agent"`
}

type serverFile struct {
	TCPBindAddr             *string           `toml:"tcp_bind_addr"`
	TCPPort                 *int              `toml:"tcp_port"`
	HTTPBindAddr            *string           `toml:"http_bind_addr"`
	HTTPPort                *int              `toml:"http_port"`
	CleanupInterval         *duration         `toml:"cleanup_interval"`
	ClientTimeout           *duration         `toml:"client_timeout"`
	MaxConnections          *int              `toml:"max_connections"`
	AuthToken               *string           `toml:"auth_token"`
	TCPAuthEnabled          *bool             `toml:"tcp_auth_enabled"`
	TCPAuthSecret           *string           `toml:"tcp_auth_secret"`
	AllowedScriptDirs       []string          `toml:"allowed_script_dirs"`
	AllowedScriptExtensions []string          `toml:"allowed_script_extensions"`
	ResultTTL               *duration         `toml:"result_ttl"`
	HistoryLimit            *int              `toml:"history_limit"`
	CatalogFile             *string           `toml:"catalog_file"`
	MetricsTextfile         *string           `toml:"metrics_textfile"`
	NotifyWebhookURL        *string           `toml:"notify_webhook_url"`
	NotifyWebhookHeaders    map[string]string `toml:"notify_webhook_headers"`
	NotifyMQTTBroker        *string           `toml:"notify_mqtt_broker"`
	NotifyMQTTTopic         *string           `toml:"notify_mqtt_topic"`
	NotifyMQTTClientID      *string           `toml:"notify_mqtt_client_id"`
	NotifyMQTTUsername      *string           `toml:"notify_mqtt_username"`
	NotifyMQTTPassword      *string           `toml:"notify_mqtt_password"`
	NotifyMQTTQoS           *int              `toml:"notify_mqtt_qos"`
	LogJSON                 *bool             `toml:"log_json"`
}

type agentFile struct {
	ServerHost              *string   `toml:"server_host"`
	ServerPort              *int      `toml:"server_port"`
	HeartbeatInterval       *duration `toml:"heartbeat_interval"`
	RetryMaxAttempts        *int      `toml:"retry_max_attempts"`
	RetryBaseDelay          *duration `toml:"retry_base_delay"`
	RetryMaxDelay           *duration `toml:"retry_max_delay"`
	ClientIDFile            *string   `toml:"client_id_file"`
	AppsBaseDir             *string   `toml:"apps_base_dir"`
	MOTDFile                *string   `toml:"motd_file"`
	JournalFile             *string   `toml:"journal_file"`
	TCPAuthEnabled          *bool     `toml:"tcp_auth_enabled"`
	TCPAuthSecret           *string   `toml:"tcp_auth_secret"`
	AllowedScriptDirs       []string  `toml:"allowed_script_dirs"`
	AllowedScriptExtensions []string  `toml:"allowed_script_extensions"`
	LogJSON                 *bool     `toml:"log_json"`
}

func parseFile(path string) (*fileConfig, error) {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return &fc, nil
}

func (c *Server) applyFile(f *serverFile) {
	setStr(&c.TCPBindAddr, f.TCPBindAddr)
	setInt(&c.TCPPort, f.TCPPort)
	setStr(&c.HTTPBindAddr, f.HTTPBindAddr)
	setInt(&c.HTTPPort, f.HTTPPort)
	setDur(&c.CleanupInterval, f.CleanupInterval)
	setDur(&c.ClientTimeout, f.ClientTimeout)
	setInt(&c.MaxConnections, f.MaxConnections)
	setStr(&c.AuthToken, f.AuthToken)
	setBool(&c.TCPAuthEnabled, f.TCPAuthEnabled)
	setStr(&c.TCPAuthSecret, f.TCPAuthSecret)
	if len(f.AllowedScriptDirs) > 0 {
		c.AllowedScriptDirs = f.AllowedScriptDirs
	}
	if len(f.AllowedScriptExtensions) > 0 {
		c.AllowedScriptExtensions = f.AllowedScriptExtensions
	}
	setDur(&c.ResultTTL, f.ResultTTL)
	setInt(&c.HistoryLimit, f.HistoryLimit)
	setStr(&c.CatalogFile, f.CatalogFile)
	setStr(&c.MetricsTextfile, f.MetricsTextfile)
	setStr(&c.NotifyWebhookURL, f.NotifyWebhookURL)
	if len(f.NotifyWebhookHeaders) > 0 {
		c.NotifyWebhookHeaders = f.NotifyWebhookHeaders
	}
	setStr(&c.NotifyMQTTBroker, f.NotifyMQTTBroker)
	setStr(&c.NotifyMQTTTopic, f.NotifyMQTTTopic)
	setStr(&c.NotifyMQTTClientID, f.NotifyMQTTClientID)
	setStr(&c.NotifyMQTTUsername, f.NotifyMQTTUsername)
	setStr(&c.NotifyMQTTPassword, f.NotifyMQTTPassword)
	setInt(&c.NotifyMQTTQoS, f.NotifyMQTTQoS)
	setBool(&c.LogJSON, f.LogJSON)
}

func (c *Agent) applyFile(f *agentFile) {
	setStr(&c.ServerHost, f.ServerHost)
	setInt(&c.ServerPort, f.ServerPort)
	setDur(&c.HeartbeatInterval, f.HeartbeatInterval)
	setInt(&c.RetryMaxAttempts, f.RetryMaxAttempts)
	setDur(&c.RetryBaseDelay, f.RetryBaseDelay)
	setDur(&c.RetryMaxDelay, f.RetryMaxDelay)
	setStr(&c.ClientIDFile, f.ClientIDFile)
	setStr(&c.AppsBaseDir, f.AppsBaseDir)
	setStr(&c.MOTDFile, f.MOTDFile)
	setStr(&c.JournalFile, f.JournalFile)
	setBool(&c.TCPAuthEnabled, f.TCPAuthEnabled)
	setStr(&c.TCPAuthSecret, f.TCPAuthSecret)
	if len(f.AllowedScriptDirs) > 0 {
		c.AllowedScriptDirs = f.AllowedScriptDirs
	}
	if len(f.AllowedScriptExtensions) > 0 {
		c.AllowedScriptExtensions = f.AllowedScriptExtensions
	}
	setBool(&c.LogJSON, f.LogJSON)
}

func setStr(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func setDur(dst *time.Duration, src *duration) {
	if src != nil {
		*dst = src.Duration
	}
}
