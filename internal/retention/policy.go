// Package retention decides which exported backups to delete and deletes
// them.
//
// Two policies exist: by age (delete images created before a day cutoff)
// and by count (keep only the newest N). They are independent and, when
// both are configured, applied in that order.
package retention

import (
	"sort"
	"time"

	"github.com/jbweber/vmbackup/internal/platform"
)

// Policy configures retention for one VM. A zero field disables that pass.
type Policy struct {
	KeepDays  int
	KeepCount int
}

// Enabled reports whether any pass is configured.
func (p Policy) Enabled() bool {
	return p.KeepDays > 0 || p.KeepCount > 0
}

// Cutoff returns midnight of now's day minus keepDays days, in now's
// location.
func Cutoff(now time.Time, keepDays int) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d-keepDays, 0, 0, 0, 0, now.Location())
}

// SelectByAge returns the images created strictly before the cutoff, in
// input order.
func SelectByAge(images []platform.BackupImage, keepDays int, now time.Time) []platform.BackupImage {
	if keepDays <= 0 {
		return nil
	}
	cutoff := Cutoff(now, keepDays)
	var out []platform.BackupImage
	for _, img := range images {
		if img.CreatedAt.Before(cutoff) {
			out = append(out, img)
		}
	}
	return out
}

// SelectByCount returns the oldest images beyond the newest keep, oldest
// first. Images with equal creation times keep their input order.
func SelectByCount(images []platform.BackupImage, keep int) []platform.BackupImage {
	if keep <= 0 || len(images) <= keep {
		return nil
	}
	sorted := append([]platform.BackupImage(nil), images...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})
	return sorted[:len(sorted)-keep]
}

// without returns images minus those whose names appear in removed.
func without(images, removed []platform.BackupImage) []platform.BackupImage {
	if len(removed) == 0 {
		return images
	}
	gone := make(map[string]bool, len(removed))
	for _, r := range removed {
		gone[r.Name] = true
	}
	var out []platform.BackupImage
	for _, img := range images {
		if !gone[img.Name] {
			out = append(out, img)
		}
	}
	return out
}
