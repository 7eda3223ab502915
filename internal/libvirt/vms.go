package libvirt

import (
	"context"
	"fmt"
	"sort"

	"github.com/digitalocean/go-libvirt"
	"github.com/rs/zerolog"
	libvirtxml "libvirt.org/go/libvirtxml"

	"github.com/jbweber/vmbackup/internal/metadata"
	"github.com/jbweber/vmbackup/internal/naming"
	"github.com/jbweber/vmbackup/internal/platform"
	"github.com/jbweber/vmbackup/internal/storage"
)

// ListVMs returns the domains selected by query, sorted by name.
func (s *Session) ListVMs(ctx context.Context, query platform.VMQuery) ([]platform.VM, error) {
	// NeedResults: 1 means populate the domains slice
	// Flags: 0 means all domains (active and inactive)
	domains, _, err := s.api.ConnectListAllDomains(1, 0)
	if err != nil {
		return nil, s.classify("list vms", err)
	}

	vms := make([]platform.VM, 0, len(domains))
	for _, dom := range domains {
		if query.NamePrefix != "" && !query.Matches(&platform.VM{Name: dom.Name}) {
			continue
		}
		vm, err := s.vmFromDomain(ctx, dom)
		if err != nil {
			if isNotFound(err) {
				// Undefined since the listing.
				continue
			}
			return nil, s.classify("list vms", err)
		}
		if query.Matches(vm) {
			vms = append(vms, *vm)
		}
	}

	sort.Slice(vms, func(i, j int) bool { return vms[i].Name < vms[j].Name })
	return vms, nil
}

// GetVM returns the domain called name, or nil when it does not exist.
func (s *Session) GetVM(ctx context.Context, name string) (*platform.VM, error) {
	dom, found, err := s.lookupDomain(name)
	if err != nil {
		return nil, s.classify("get vm", err)
	}
	if !found {
		return nil, nil
	}

	vm, err := s.vmFromDomain(ctx, dom)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, s.classify("get vm", err)
	}
	return vm, nil
}

// DeleteVM removes the domain called name together with the pool volumes
// backing its disks. A running domain is destroyed first.
//
// Volume cleanup is best-effort: failures are logged and do not fail the
// deletion once the domain is undefined.
func (s *Session) DeleteVM(ctx context.Context, name string) error {
	logger := zerolog.Ctx(ctx)

	dom, err := s.api.DomainLookupByName(name)
	if err != nil {
		return s.classify("delete vm", err)
	}

	state, _, err := s.api.DomainGetState(dom, 0)
	if err != nil {
		return s.classify("delete vm", err)
	}

	xml, err := s.api.DomainXML(dom)
	if err != nil {
		return s.classify("delete vm", err)
	}
	def, err := parseDomain(xml)
	if err != nil {
		return rejected("delete vm", err)
	}

	if vmStatus(state) == platform.VMStatusUp {
		logger.Debug().Str("vm", name).Msg("destroying running domain")
		if err := s.api.DomainDestroy(dom); err != nil {
			return s.classify("delete vm", err)
		}
	}

	if err := s.api.DomainUndefineFlags(dom, libvirt.DomainUndefineNvram); err != nil {
		return s.classify("delete vm", err)
	}

	for _, d := range domainDisks(def) {
		var err error
		switch {
		case d.Volume != "":
			err = s.storage.DeleteVolume(ctx, d.Pool, d.Volume)
		case d.Path != "":
			err = s.storage.DeleteVolumeByPath(ctx, d.Path)
		default:
			err = fmt.Errorf("disk %s has no file or volume source", d.Device)
		}
		if err != nil {
			logger.Warn().Err(err).Str("vm", name).Str("disk", d.Device).Msg("failed to delete disk volume")
		}
	}

	return nil
}

// CloneVM creates a new domain from a snapshot of spec.SourceVM. Every
// hard disk of the snapshot's domain definition is copied into
// spec.StorageDomain, and the clone is defined but not started.
//
// The clone records its provenance in its metadata so that exports can
// describe where they came from.
func (s *Session) CloneVM(ctx context.Context, spec platform.CloneSpec) error {
	logger := zerolog.Ctx(ctx).With().Str("source", spec.SourceVM).Str("clone", spec.Name).Logger()

	src, err := s.api.DomainLookupByName(spec.SourceVM)
	if err != nil {
		return s.classify("clone vm", err)
	}

	def, err := s.snapshotDomain(src, spec.SnapshotID)
	if err != nil {
		return err
	}

	disks := domainDisks(def)
	volumes := make(map[string]string, len(disks))
	var copied []string

	cleanup := func() {
		for _, vol := range copied {
			if err := s.storage.DeleteVolume(ctx, spec.StorageDomain, vol); err != nil {
				logger.Warn().Err(err).Str("volume", vol).Msg("failed to remove partial clone volume")
			}
		}
	}

	for _, d := range disks {
		srcVol, err := s.diskVolume(ctx, d)
		if err != nil {
			cleanup()
			return s.classify("clone vm", err)
		}

		volName := naming.VolumeNameDisk(spec.Name, d.Device)
		logger.Debug().Str("disk", d.Device).Str("volume", volName).Msg("copying disk")
		if err := s.storage.CopyVolume(ctx, srcVol, spec.StorageDomain, volName, storage.ParseVolumeFormat(d.Format)); err != nil {
			cleanup()
			return s.classify("clone vm", err)
		}
		copied = append(copied, volName)
		volumes[d.Device] = volName
	}

	cloneDef, err := cloneDefinition(def, spec.Name, spec.MemoryBytes, spec.Description, spec.StorageDomain, volumes)
	if err != nil {
		cleanup()
		return rejected("clone vm", err)
	}
	xml, err := marshalDomain(cloneDef)
	if err != nil {
		cleanup()
		return rejected("clone vm", err)
	}

	dom, err := s.api.DomainDefineXML(xml)
	if err != nil {
		cleanup()
		return s.classify("clone vm", err)
	}

	rec := &metadata.Record{Clone: &metadata.Provenance{
		SourceVM:    spec.SourceVM,
		SnapshotID:  spec.SnapshotID,
		Description: spec.Description,
		CreatedAt:   s.now().UTC(),
	}}
	if err := metadata.Store(s.api, dom, rec); err != nil {
		return s.classify("clone vm", err)
	}

	logger.Info().Int("disks", len(copied)).Msg("clone defined")
	return nil
}

// snapshotDomain returns the domain definition captured by a snapshot. Old
// snapshots without an embedded definition fall back to the current one.
func (s *Session) snapshotDomain(dom libvirt.Domain, snapshotID string) (*libvirtxml.Domain, error) {
	snap, err := s.api.DomainSnapshotLookup(dom, snapshotID)
	if err != nil {
		return nil, s.classify("clone vm", err)
	}
	xml, err := s.api.DomainSnapshotXML(snap)
	if err != nil {
		return nil, s.classify("clone vm", err)
	}

	var def libvirtxml.DomainSnapshot
	if err := def.Unmarshal(xml); err != nil {
		return nil, rejected("clone vm", fmt.Errorf("failed to parse snapshot XML: %w", err))
	}
	if def.Domain != nil {
		return def.Domain, nil
	}

	current, err := s.api.DomainXML(dom)
	if err != nil {
		return nil, s.classify("clone vm", err)
	}
	d, err := parseDomain(current)
	if err != nil {
		return nil, rejected("clone vm", err)
	}
	return d, nil
}
