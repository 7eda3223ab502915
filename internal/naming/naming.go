// Package naming holds the naming conventions shared by the backup
// pipeline and the libvirt backend: clone names, timestamp suffixes and
// the volume names used on storage and export pools.
package naming

import (
	"fmt"
	"strings"
	"time"
)

const (
	// LongSuffixLayout renders _YYYYMMDD_HHMMSS.
	LongSuffixLayout = "_20060102_150405"
	// ShortSuffixLayout renders _MMDDSS (month, day, second).
	ShortSuffixLayout = "_010205"

	// DescriptorSuffix marks the manifest volume of an exported backup.
	DescriptorSuffix = ".backup.iso"
)

// Suffix returns the timestamp suffix appended to clone names.
func Suffix(t time.Time, short bool) string {
	if short {
		return t.Format(ShortSuffixLayout)
	}
	return t.Format(LongSuffixLayout)
}

// ClonePrefix returns the prefix shared by every clone and backup of vmName.
// Format: {vmName}{middle}
func ClonePrefix(vmName, middle string) string {
	return vmName + middle
}

// CloneName returns the full clone name.
// Format: {vmName}{middle}{suffix} (e.g., "db1_BAK_20240101_120000")
func CloneName(vmName, middle, suffix string) string {
	return vmName + middle + suffix
}

// VolumeNameDisk returns the volume name for a clone or backup disk.
// Format: {vmName}_{device}.qcow2 (e.g., "db1_BAK_20240101_120000_vda.qcow2")
func VolumeNameDisk(vmName, device string) string {
	return fmt.Sprintf("%s_%s.qcow2", vmName, device)
}

// VolumeNameDescriptor returns the volume holding a backup's manifest.
// Format: {backupName}.backup.iso
func VolumeNameDescriptor(backupName string) string {
	return backupName + DescriptorSuffix
}

// BackupNameFromDescriptor returns the backup name for a descriptor volume
// and whether volumeName is a descriptor at all.
func BackupNameFromDescriptor(volumeName string) (string, bool) {
	if !strings.HasSuffix(volumeName, DescriptorSuffix) {
		return "", false
	}
	name := strings.TrimSuffix(volumeName, DescriptorSuffix)
	return name, name != ""
}
