package libvirt

import (
	"fmt"
	"strings"

	units "github.com/docker/go-units"
	"github.com/google/uuid"
	libvirtxml "libvirt.org/go/libvirtxml"

	"github.com/jbweber/vmbackup/internal/platform"
)

// Domain states (from libvirt VIR_DOMAIN_* constants)
const (
	domainStateNoState     = 0
	domainStateRunning     = 1
	domainStateBlocked     = 2
	domainStatePaused      = 3
	domainStateShutdown    = 4
	domainStateShutoff     = 5
	domainStateCrashed     = 6
	domainStatePMSuspended = 7
)

// vmStatus maps a libvirt domain state to a VM status.
func vmStatus(state int32) platform.VMStatus {
	switch state {
	case domainStateRunning, domainStateBlocked, domainStatePaused, domainStatePMSuspended:
		return platform.VMStatusUp
	case domainStateShutdown, domainStateShutoff, domainStateCrashed:
		return platform.VMStatusDown
	}
	return platform.VMStatusUnknown
}

// diskRef is a disk of a domain definition together with the volume
// backing it.
type diskRef struct {
	Device string // target device, e.g. "vda"
	Format string // driver type, e.g. "qcow2"
	Path   string // file source
	Pool   string // volume source pool
	Volume string // volume source name
}

// parseDomain parses domain XML.
func parseDomain(xml string) (*libvirtxml.Domain, error) {
	var dom libvirtxml.Domain
	if err := dom.Unmarshal(xml); err != nil {
		return nil, fmt.Errorf("failed to parse domain XML: %w", err)
	}
	return &dom, nil
}

// isDiskDevice reports whether d is a hard disk. CD-ROMs and floppies are
// not copied into clones or backups.
func isDiskDevice(d libvirtxml.DomainDisk) bool {
	return d.Device == "" || d.Device == "disk"
}

// domainDisks returns the hard disks of a domain definition.
func domainDisks(dom *libvirtxml.Domain) []diskRef {
	if dom.Devices == nil {
		return nil
	}

	var disks []diskRef
	for i, d := range dom.Devices.Disks {
		if !isDiskDevice(d) {
			continue
		}
		ref := diskRef{Device: fmt.Sprintf("disk%d", i)}
		if d.Target != nil && d.Target.Dev != "" {
			ref.Device = d.Target.Dev
		}
		if d.Driver != nil {
			ref.Format = d.Driver.Type
		}
		if d.Source != nil {
			if d.Source.File != nil {
				ref.Path = d.Source.File.File
			}
			if d.Source.Volume != nil {
				ref.Pool = d.Source.Volume.Pool
				ref.Volume = d.Source.Volume.Volume
			}
		}
		disks = append(disks, ref)
	}
	return disks
}

// memoryBytes converts a libvirt memory element to bytes. libvirt's
// default unit is KiB.
func memoryBytes(m *libvirtxml.DomainMemory) uint64 {
	if m == nil {
		return 0
	}
	unit := m.Unit
	if unit == "" {
		unit = "KiB"
	}
	switch strings.ToLower(unit) {
	case "b", "bytes":
		return uint64(m.Value)
	}
	n, err := units.RAMInBytes(fmt.Sprintf("%d%s", m.Value, unit))
	if err != nil {
		return uint64(m.Value) * 1024
	}
	return uint64(n)
}

// cloneDefinition derives the definition of a clone from the definition of
// its source. The clone gets a new name and UUID, no MAC addresses (libvirt
// generates fresh ones), the requested memory, and only the hard disks,
// whose sources are replaced by the volumes in pool keyed by target device.
func cloneDefinition(src *libvirtxml.Domain, name string, memoryBytes uint64, description, pool string, volumes map[string]string) (*libvirtxml.Domain, error) {
	xml, err := src.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal source domain: %w", err)
	}
	clone, err := parseDomain(xml)
	if err != nil {
		return nil, err
	}

	clone.Name = name
	clone.UUID = uuid.NewString()
	clone.ID = nil
	clone.Description = description
	if memoryBytes > 0 {
		kib := uint(memoryBytes / 1024)
		clone.Memory = &libvirtxml.DomainMemory{Value: kib, Unit: "KiB"}
		clone.CurrentMemory = &libvirtxml.DomainCurrentMemory{Value: kib, Unit: "KiB"}
	}

	if clone.Devices != nil {
		for i := range clone.Devices.Interfaces {
			clone.Devices.Interfaces[i].MAC = nil
		}

		var disks []libvirtxml.DomainDisk
		for _, d := range clone.Devices.Disks {
			if !isDiskDevice(d) {
				continue
			}
			if d.Target == nil {
				return nil, fmt.Errorf("disk without target device")
			}
			vol, ok := volumes[d.Target.Dev]
			if !ok {
				return nil, fmt.Errorf("no volume for disk %s", d.Target.Dev)
			}
			d.Source = &libvirtxml.DomainDiskSource{
				Volume: &libvirtxml.DomainDiskSourceVolume{Pool: pool, Volume: vol},
			}
			d.BackingStore = nil
			disks = append(disks, d)
		}
		clone.Devices.Disks = disks
	}

	return clone, nil
}

// marshalDomain renders a domain definition without the XML declaration.
func marshalDomain(dom *libvirtxml.Domain) (string, error) {
	xml, err := dom.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal domain XML: %w", err)
	}
	xml = strings.TrimPrefix(xml, "<?xml version=\"1.0\" encoding=\"UTF-8\"?>")
	return strings.TrimSpace(xml), nil
}
