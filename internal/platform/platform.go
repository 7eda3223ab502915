// Package platform defines the remote virtualization surface the backup
// tooling drives: VMs, snapshots, storage domains and exported backup
// images, plus the error kinds callers branch on.
//
// The orchestration code depends only on the Session interface. The libvirt
// package provides the production implementation and platformtest provides
// an in-memory one for tests.
package platform

import (
	"context"
	"time"
)

// VMStatus is the coarse lifecycle state of a VM.
type VMStatus string

const (
	VMStatusUp   VMStatus = "up"
	VMStatusDown VMStatus = "down"
	// VMStatusImageLocked covers VMs whose disks are still being copied.
	VMStatusImageLocked VMStatus = "image_locked"
	VMStatusUnknown     VMStatus = "unknown"
)

// SnapshotStatus is the lifecycle state of a snapshot.
type SnapshotStatus string

const (
	SnapshotStatusOK         SnapshotStatus = "ok"
	SnapshotStatusLocked     SnapshotStatus = "locked"
	SnapshotStatusInProgress SnapshotStatus = "in_progress"
)

// Disk is a disk attached to a VM.
type Disk struct {
	Name      string
	SizeBytes uint64
}

// VM is a virtual machine as seen by the backup tooling.
type VM struct {
	ID          string
	Name        string
	MemoryBytes uint64
	Disks       []Disk
	Status      VMStatus
	Tags        []string
}

// DiskBytes returns the sum of the provisioned sizes of all disks.
func (v *VM) DiskBytes() uint64 {
	var total uint64
	for _, d := range v.Disks {
		total += d.SizeBytes
	}
	return total
}

// HasTag reports whether the VM carries the given tag.
func (v *VM) HasTag(tag string) bool {
	for _, t := range v.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Snapshot is a point-in-time snapshot of a VM.
type Snapshot struct {
	ID          string
	Description string
	CreatedAt   time.Time
	Status      SnapshotStatus
}

// StorageDomain is a storage target (data or export).
type StorageDomain struct {
	Name           string
	AvailableBytes uint64
	CapacityBytes  uint64
}

// Cluster is the compute target clones are created in.
type Cluster struct {
	Name string
}

// BackupImage is an exported VM living on an export storage domain.
type BackupImage struct {
	Name      string    `json:"name" yaml:"name"`
	SourceVM  string    `json:"sourceVM,omitempty" yaml:"sourceVM,omitempty"`
	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
	SizeBytes uint64    `json:"sizeBytes" yaml:"sizeBytes"`
}

// VMQuery selects VMs. Exactly one of All, Tag or NamePrefix is expected to
// be set; an empty query matches nothing.
type VMQuery struct {
	All        bool
	Tag        string
	NamePrefix string
}

// Matches reports whether vm is selected by the query.
func (q VMQuery) Matches(vm *VM) bool {
	switch {
	case q.All:
		return true
	case q.Tag != "":
		return vm.HasTag(q.Tag)
	case q.NamePrefix != "":
		return len(vm.Name) >= len(q.NamePrefix) && vm.Name[:len(q.NamePrefix)] == q.NamePrefix
	}
	return false
}

// SnapshotSpec describes a snapshot to create.
type SnapshotSpec struct {
	Description   string
	PersistMemory bool
}

// CloneSpec describes a VM to create from a snapshot.
type CloneSpec struct {
	Name          string
	SourceVM      string
	SnapshotID    string
	Description   string
	MemoryBytes   uint64
	Cluster       string
	StorageDomain string
}

// Session is an authenticated connection to the virtualization platform.
//
// Lookups of single objects return (nil, nil) when the object does not
// exist. Mutating calls return errors wrapping the kinds in errors.go.
type Session interface {
	ListVMs(ctx context.Context, query VMQuery) ([]VM, error)
	GetVM(ctx context.Context, name string) (*VM, error)
	DeleteVM(ctx context.Context, name string) error

	ListSnapshots(ctx context.Context, vmName, description string) ([]Snapshot, error)
	CreateSnapshot(ctx context.Context, vmName string, spec SnapshotSpec) error
	DeleteSnapshot(ctx context.Context, vmName, snapshotID string) error

	CloneVM(ctx context.Context, spec CloneSpec) error
	ExportVM(ctx context.Context, vmName, exportDomain string) error

	GetStorageDomain(ctx context.Context, name string) (*StorageDomain, error)
	GetCluster(ctx context.Context, name string) (*Cluster, error)

	ListBackups(ctx context.Context, exportDomain, namePrefix string) ([]BackupImage, error)
	GetBackup(ctx context.Context, exportDomain, name string) (*BackupImage, error)
	DeleteBackup(ctx context.Context, exportDomain, name string) error

	Close() error
}

// Connector opens sessions. The orchestrator calls it again to replace a
// session after a connectivity failure.
type Connector interface {
	Connect(ctx context.Context) (Session, error)
}

// ConnectorFunc adapts a function to the Connector interface.
type ConnectorFunc func(ctx context.Context) (Session, error)

// Connect calls f(ctx).
func (f ConnectorFunc) Connect(ctx context.Context) (Session, error) {
	return f(ctx)
}
