package libvirt

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	libvirtxml "libvirt.org/go/libvirtxml"

	"github.com/jbweber/vmbackup/internal/platform"
)

// ListSnapshots returns the snapshots of vmName whose description equals
// description, newest first. Snapshots are identified by their libvirt
// name.
func (s *Session) ListSnapshots(ctx context.Context, vmName, description string) ([]platform.Snapshot, error) {
	dom, err := s.api.DomainLookupByName(vmName)
	if err != nil {
		return nil, s.classify("list snapshots", err)
	}

	snaps, err := s.api.DomainSnapshots(dom)
	if err != nil {
		return nil, s.classify("list snapshots", err)
	}

	var out []platform.Snapshot
	for _, snap := range snaps {
		xml, err := s.api.DomainSnapshotXML(snap)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, s.classify("list snapshots", err)
		}
		parsed, err := parseSnapshot(xml)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("vm", vmName).Str("snapshot", snap.Name).Msg("skipping unreadable snapshot")
			continue
		}
		if parsed.Description != description {
			continue
		}
		out = append(out, *parsed)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// CreateSnapshot takes an internal snapshot of vmName. libvirt creates
// internal snapshots synchronously, so the snapshot is ready when the call
// returns.
func (s *Session) CreateSnapshot(ctx context.Context, vmName string, spec platform.SnapshotSpec) error {
	dom, err := s.api.DomainLookupByName(vmName)
	if err != nil {
		return s.classify("create snapshot", err)
	}

	def := &libvirtxml.DomainSnapshot{
		Name:        uuid.NewString(),
		Description: spec.Description,
	}
	if spec.PersistMemory {
		state, _, err := s.api.DomainGetState(dom, 0)
		if err != nil {
			return s.classify("create snapshot", err)
		}
		// A stopped domain has no memory to save.
		if vmStatus(state) == platform.VMStatusUp {
			def.Memory = &libvirtxml.DomainSnapshotMemory{Snapshot: "internal"}
		}
	}

	xml, err := def.Marshal()
	if err != nil {
		return rejected("create snapshot", fmt.Errorf("failed to marshal snapshot XML: %w", err))
	}

	if _, err := s.api.DomainSnapshotCreate(dom, xml); err != nil {
		return s.classify("create snapshot", err)
	}

	zerolog.Ctx(ctx).Debug().Str("vm", vmName).Str("snapshot", def.Name).Msg("snapshot created")
	return nil
}

// DeleteSnapshot deletes the snapshot snapshotID of vmName.
func (s *Session) DeleteSnapshot(ctx context.Context, vmName, snapshotID string) error {
	dom, err := s.api.DomainLookupByName(vmName)
	if err != nil {
		return s.classify("delete snapshot", err)
	}

	snap, err := s.api.DomainSnapshotLookup(dom, snapshotID)
	if err != nil {
		return s.classify("delete snapshot", err)
	}

	if err := s.api.DomainSnapshotRemove(snap); err != nil {
		return s.classify("delete snapshot", err)
	}
	return nil
}

// parseSnapshot converts snapshot XML to a platform snapshot.
func parseSnapshot(xml string) (*platform.Snapshot, error) {
	var def libvirtxml.DomainSnapshot
	if err := def.Unmarshal(xml); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot XML: %w", err)
	}

	snap := &platform.Snapshot{
		ID:          def.Name,
		Description: def.Description,
		Status:      platform.SnapshotStatusOK,
	}
	if def.CreationTime != "" {
		secs, err := strconv.ParseInt(def.CreationTime, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid snapshot creation time %q: %w", def.CreationTime, err)
		}
		snap.CreatedAt = time.Unix(secs, 0).UTC()
	}
	return snap, nil
}
