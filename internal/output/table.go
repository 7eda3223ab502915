package output

import (
	"bytes"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"

	"github.com/jbweber/vmbackup/internal/journal"
	"github.com/jbweber/vmbackup/internal/platform"
)

// TableFormatter formats resources as human-readable tables.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool
	// Now is used to compute ages; time.Now when nil.
	Now func() time.Time
}

func (f *TableFormatter) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

// FormatBackups formats backup images as a table.
func (f *TableFormatter) FormatBackups(images []platform.BackupImage) (string, error) {
	if len(images) == 0 {
		return "No backups found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "NAME\tVM\tSIZE\tCREATED\tAGE")
	}

	for _, img := range images {
		vm := img.SourceVM
		if vm == "" {
			vm = "-"
		}

		created, age := "-", "-"
		if !img.CreatedAt.IsZero() {
			created = img.CreatedAt.UTC().Format(time.RFC3339)
			age = formatAge(f.now().Sub(img.CreatedAt))
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			img.Name, vm, units.BytesSize(float64(img.SizeBytes)), created, age)
	}

	_ = w.Flush()
	return buf.String(), nil
}

// FormatRuns formats journal runs as a table.
func (f *TableFormatter) FormatRuns(runs []journal.Run) (string, error) {
	if len(runs) == 0 {
		return "No runs recorded\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "RUN\tSTARTED\tDURATION\tOK\tFAILED\tDRY-RUN\tERROR")
	}

	for _, r := range runs {
		duration := "-"
		if !r.FinishedAt.IsZero() {
			duration = units.HumanDuration(r.FinishedAt.Sub(r.StartedAt))
		}

		msg := r.Error
		if msg == "" {
			msg = "-"
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%t\t%s\n",
			r.ID, r.StartedAt.UTC().Format(time.RFC3339), duration,
			r.Succeeded, r.Failed, r.DryRun, msg)
	}

	_ = w.Flush()
	return buf.String(), nil
}

// formatAge formats a duration as a short age string.
// Examples: "5s", "2m", "3h", "4d", "2w", "1y"
func formatAge(d time.Duration) string {
	if d < 0 {
		return "unknown"
	}

	seconds := int(d.Seconds())
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}

	minutes := seconds / 60
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}

	hours := minutes / 60
	if hours < 24 {
		return fmt.Sprintf("%dh", hours)
	}

	days := hours / 24
	if days < 7 {
		return fmt.Sprintf("%dd", days)
	}

	weeks := days / 7
	if weeks < 8 {
		return fmt.Sprintf("%dw", weeks)
	}

	if years := days / 365; years > 0 {
		return fmt.Sprintf("%dy", years)
	}

	return fmt.Sprintf("%dd", days)
}
