package audit

import (
	"fmt"
	"path/filepath"
)

// LogrotateConfig returns a logrotate stanza for an audit journal at path.
// Rotated journals are kept for keepDays days and never truncated in place,
// since a sink reopens the file on every unit.
func LogrotateConfig(path string, keepDays int) string {
	if keepDays <= 0 {
		keepDays = 90
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return fmt.Sprintf(`# Logrotate configuration for the scopekit audit journal
# Install: sudo cp this file to /etc/logrotate.d/scopekit-audit

%s {
    daily
    rotate %d
    compress
    delaycompress
    missingok
    notifempty
    dateext
    create 0644
}
`, abs, keepDays)
}
