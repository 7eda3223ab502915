package storage

import "fmt"

// PoolType represents the type of storage pool backend.
type PoolType string

const (
	PoolTypeDir     PoolType = "dir"     // Directory-based storage
	PoolTypeLVM     PoolType = "logical" // LVM volume group
	PoolTypeZFS     PoolType = "zfs"     // ZFS pool
	PoolTypeNFS     PoolType = "netfs"   // NFS mount
	PoolTypeCeph    PoolType = "rbd"     // Ceph RBD
	PoolTypeISCSI   PoolType = "iscsi"   // iSCSI target
	PoolTypeGluster PoolType = "gluster" // GlusterFS
)

// VolumeFormat represents the disk format.
type VolumeFormat string

const (
	VolumeFormatQCOW2 VolumeFormat = "qcow2" // QCOW2 format
	VolumeFormatRaw   VolumeFormat = "raw"   // Raw format
)

// ParseVolumeFormat maps a libvirt driver type to a VolumeFormat.
// Anything that is not raw is copied as qcow2.
func ParseVolumeFormat(driverType string) VolumeFormat {
	if driverType == string(VolumeFormatRaw) {
		return VolumeFormatRaw
	}
	return VolumeFormatQCOW2
}

// VolumeSpec specifies how to create a storage volume.
type VolumeSpec struct {
	Name          string       // Volume name (e.g., "db1_BAK_20240101_120000.backup.iso")
	Format        VolumeFormat // Disk format (qcow2, raw)
	CapacityBytes uint64       // Capacity in bytes
}

// Validate checks if the volume spec is valid.
func (v *VolumeSpec) Validate() error {
	if v.Name == "" {
		return fmt.Errorf("volume name is required")
	}
	if v.Format == "" {
		return fmt.Errorf("volume format is required")
	}
	if v.Format != VolumeFormatQCOW2 && v.Format != VolumeFormatRaw {
		return fmt.Errorf("invalid volume format: %s (must be qcow2 or raw)", v.Format)
	}
	if v.CapacityBytes == 0 {
		return fmt.Errorf("volume capacity must be greater than 0")
	}
	return nil
}

// PoolInfo contains information about a storage pool.
type PoolInfo struct {
	Name       string   // Pool name
	Type       PoolType // Pool type
	Path       string   // Pool target path
	UUID       string   // Pool UUID
	State      string   // Pool state (running, inactive, etc.)
	Capacity   uint64   // Total capacity in bytes
	Allocation uint64   // Allocated space in bytes
	Available  uint64   // Available space in bytes
}

// Running reports whether the pool is active.
func (p *PoolInfo) Running() bool {
	return p.State == "running"
}

// VolumeInfo contains information about a storage volume.
type VolumeInfo struct {
	Name       string // Volume name
	Path       string // Full path to volume
	Pool       string // Pool name
	Capacity   uint64 // Capacity in bytes
	Allocation uint64 // Allocated space in bytes
}
