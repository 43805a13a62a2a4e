package agent

import (
	"fmt"
	"os"
	"time"
)

// defaultMOTDPath resolves the broadcast sink: the user's home
// directory when known, /tmp otherwise.
func defaultMOTDPath() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return home + "/.ops_motd"
	}
	return "/tmp/.ops_motd"
}

// appendMOTD appends a timestamped broadcast block to the motd file.
// The file is world-readable so login shells can display it.
func appendMOTD(path, message string, now time.Time) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open motd file: %w", err)
	}
	defer f.Close()

	block := fmt.Sprintf("\n=== Operations broadcast [%s] ===\n%s\n===============================\n",
		now.Format("2006-01-02 15:04:05"), message)
	if _, err := f.WriteString(block); err != nil {
		return fmt.Errorf("append motd block: %w", err)
	}
	return nil
}
