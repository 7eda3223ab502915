package output

import (
	"encoding/json"
	"fmt"

	"github.com/jbweber/vmbackup/internal/journal"
	"github.com/jbweber/vmbackup/internal/platform"
)

// JSONFormatter formats resources as JSON arrays.
type JSONFormatter struct{}

// FormatBackups formats backup images as a JSON array.
func (f *JSONFormatter) FormatBackups(images []platform.BackupImage) (string, error) {
	if len(images) == 0 {
		return "[]\n", nil
	}

	data, err := json.MarshalIndent(images, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal backups to JSON: %w", err)
	}
	return string(data) + "\n", nil
}

// FormatRuns formats journal runs as a JSON array.
func (f *JSONFormatter) FormatRuns(runs []journal.Run) (string, error) {
	if len(runs) == 0 {
		return "[]\n", nil
	}

	data, err := json.MarshalIndent(runs, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal runs to JSON: %w", err)
	}
	return string(data) + "\n", nil
}
