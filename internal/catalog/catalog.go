// Package catalog holds the predefined command catalog offered to
// operators in the UI. The built-in set covers read-only inspection
// commands; deployments can replace it with a YAML file.
package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Command is one catalog entry.
type Command struct {
	Command     string `json:"command" yaml:"command"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
}

// Category groups commands for display.
type Category struct {
	Name     string    `json:"name" yaml:"name"`
	Commands []Command `json:"commands" yaml:"commands"`
}

// Load returns the catalog from the YAML file at path, or the built-in
// set when path is empty.
func Load(path string) ([]Category, error) {
	if path == "" {
		return Builtin(), nil
	}
	return LoadFile(path)
}

// LoadFile reads a catalog from a YAML file of the shape
//
//	categories:
//	  - name: System
//	    commands:
//	      - command: ps aux
//	        name: List processes
//	        description: ...
func LoadFile(path string) ([]Category, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	var doc struct {
		Categories []Category `yaml:"categories"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog file %s: %w", path, err)
	}
	if len(doc.Categories) == 0 {
		return nil, fmt.Errorf("catalog file %s defines no categories", path)
	}
	return doc.Categories, nil
}

// Builtin returns the built-in catalog. Every entry passes the default
// admission policy.
func Builtin() []Category {
	return []Category{
		{
			Name: "System information",
			Commands: []Command{
				{"ps aux", "List processes", "Show detailed information about all running processes"},
				{"whoami", "Current user", "Show the logged-in user name"},
				{"id", "User identity", "Show the current user's UID, GID and groups"},
				{"hostname", "Host name", "Show the system host name"},
				{"uname -a", "Kernel info", "Show kernel and system version information"},
				{"date", "System time", "Show the current system date and time"},
				{"uptime", "Uptime", "Show uptime and load averages"},
			},
		},
		{
			Name: "Resource monitoring",
			Commands: []Command{
				{"free -h", "Memory usage", "Show memory usage in human-readable units"},
				{"df -h", "Disk space", "Show filesystem usage in human-readable units"},
				{"top -n 1", "Process resources", "One-shot snapshot of per-process CPU and memory"},
				{"iostat", "I/O statistics", "Show disk I/O statistics"},
				{"vmstat", "Virtual memory", "Show virtual memory statistics"},
			},
		},
		{
			Name: "Network",
			Commands: []Command{
				{"netstat -tlnp", "Listening ports", "Show all TCP listening ports"},
				{"ss -tlnp", "Socket connections", "Show socket connection details"},
				{"ip addr show", "Network interfaces", "Show network interface configuration"},
				{"ping -c 4 8.8.8.8", "Connectivity test", "Ping an external host four times"},
			},
		},
		{
			Name: "Filesystem",
			Commands: []Command{
				{"ls -la", "Directory listing", "List the working directory in long format"},
				{"pwd", "Working directory", "Show the full path of the working directory"},
				{"find /var/log -name '*.log' -type f", "Find log files", "List log files under /var/log"},
			},
		},
		{
			Name: "Services",
			Commands: []Command{
				{"systemctl status", "Service status", "Show the overall state of system services"},
				{"journalctl -n 20", "Recent journal", "Show the last 20 journal entries"},
			},
		},
		{
			Name: "Environment",
			Commands: []Command{
				{"env", "Environment variables", "Show all environment variables"},
				{"which bash", "Locate command", "Show the full path of the bash binary"},
			},
		},
		{
			Name: "Scripts",
			Commands: []Command{
				{"/opt/ops-scripts/health-check.sh", "Health check", "Run the host health check script"},
				{"/opt/ops-scripts/disk-usage.py", "Disk usage report", "Analyze disk usage across mounts"},
			},
		},
	}
}
