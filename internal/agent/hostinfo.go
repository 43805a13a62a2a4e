package agent

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/opswire/opswire/internal/logging"
	"github.com/opswire/opswire/internal/protocol"
)

// Linux sources for host facts. Collection is best-effort: a missing or
// unreadable source leaves its field zero.
const (
	osReleasePath = "/etc/os-release"
	kernelPath    = "/proc/sys/kernel/osrelease"
	meminfoPath   = "/proc/meminfo"
	uptimePath    = "/proc/uptime"
)

// hostInfoCollector assembles the heartbeat payload from the host.
type hostInfoCollector struct {
	appsDir string
	log     *logging.Logger
}

func newHostInfoCollector(appsDir string, log *logging.Logger) *hostInfoCollector {
	return &hostInfoCollector{appsDir: appsDir, log: log}
}

// collect gathers a fresh HostInfo. seq is the process-lifetime
// heartbeat counter.
func (c *hostInfoCollector) collect(agentID string, seq uint64) *protocol.HostInfo {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	hi := &protocol.HostInfo{
		Type:      protocol.TypeHostInfo,
		AgentID:   agentID,
		Hostname:  hostname,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		CPUs:      runtime.NumCPU(),
		IP:        primaryIP(),
		Heartbeat: seq,
		SentAt:    time.Now().UTC(),
	}

	if data, err := os.ReadFile(osReleasePath); err == nil {
		hi.OSVersion = parseOSRelease(string(data))
	}
	if data, err := os.ReadFile(kernelPath); err == nil {
		hi.Kernel = strings.TrimSpace(string(data))
	}
	if data, err := os.ReadFile(meminfoPath); err == nil {
		hi.TotalMemoryBytes = parseMemTotal(string(data))
	}
	if data, err := os.ReadFile(uptimePath); err == nil {
		hi.UptimeSeconds = parseUptime(string(data))
	}
	hi.AppVersions = c.appVersions()

	return hi
}

// parseOSRelease extracts PRETTY_NAME from os-release content, falling
// back to NAME.
func parseOSRelease(content string) string {
	var name string
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"`)
		switch key {
		case "PRETTY_NAME":
			return value
		case "NAME":
			name = value
		}
	}
	return name
}

// parseMemTotal returns the MemTotal value from meminfo content in
// bytes, or 0 when absent.
func parseMemTotal(content string) uint64 {
	for _, line := range strings.Split(content, "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb * 1024
	}
	return 0
}

// parseUptime returns whole seconds from uptime content ("12345.67 ...").
func parseUptime(content string) uint64 {
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return 0
	}
	seconds, err := strconv.ParseFloat(fields[0], 64)
	if err != nil || seconds < 0 {
		return 0
	}
	return uint64(seconds)
}

// primaryIP discovers the host's outbound IP by opening a UDP socket
// toward a public address. No packet is sent.
func primaryIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return ""
}

// appVersions scans the apps directory for per-application version
// manifests. Each subdirectory may hold a version.txt with JSON
// {"name": ..., "version": ...}; the directory name is the fallback
// application name.
func (c *hostInfoCollector) appVersions() []protocol.AppVersion {
	if c.appsDir == "" {
		return nil
	}
	entries, err := os.ReadDir(c.appsDir)
	if err != nil {
		c.log.Debug("apps dir not readable", "dir", c.appsDir, "error", err)
		return nil
	}

	var apps []protocol.AppVersion
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(c.appsDir, entry.Name(), "version.txt")
		data, err := os.ReadFile(path)
		if err != nil {
			c.log.Debug("no version manifest", "app", entry.Name())
			continue
		}
		var manifest struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		}
		if err := json.Unmarshal(data, &manifest); err != nil {
			c.log.Debug("malformed version manifest", "app", entry.Name(), "error", err)
			continue
		}
		if manifest.Name == "" {
			manifest.Name = entry.Name()
		}
		if manifest.Version == "" {
			manifest.Version = "unknown"
		}
		apps = append(apps, protocol.AppVersion{Name: manifest.Name, Version: manifest.Version})
	}
	return apps
}
