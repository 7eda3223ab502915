package output

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/vmbackup/internal/journal"
	"github.com/jbweber/vmbackup/internal/platform"
)

// YAMLFormatter formats resources as a YAML stream, one document per item.
type YAMLFormatter struct{}

// FormatBackups formats backup images as YAML documents.
func (f *YAMLFormatter) FormatBackups(images []platform.BackupImage) (string, error) {
	var buf bytes.Buffer
	for i, img := range images {
		data, err := yaml.Marshal(img)
		if err != nil {
			return "", fmt.Errorf("failed to marshal backup %s to YAML: %w", img.Name, err)
		}
		if i > 0 {
			buf.WriteString("---\n")
		}
		buf.Write(data)
	}
	return buf.String(), nil
}

// FormatRuns formats journal runs as YAML documents.
func (f *YAMLFormatter) FormatRuns(runs []journal.Run) (string, error) {
	var buf bytes.Buffer
	for i, r := range runs {
		data, err := yaml.Marshal(r)
		if err != nil {
			return "", fmt.Errorf("failed to marshal run %s to YAML: %w", r.ID, err)
		}
		if i > 0 {
			buf.WriteString("---\n")
		}
		buf.Write(data)
	}
	return buf.String(), nil
}
