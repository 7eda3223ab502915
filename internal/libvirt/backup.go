package libvirt

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jbweber/vmbackup/internal/manifest"
	"github.com/jbweber/vmbackup/internal/metadata"
	"github.com/jbweber/vmbackup/internal/naming"
	"github.com/jbweber/vmbackup/internal/platform"
	"github.com/jbweber/vmbackup/internal/storage"
)

// ExportVM copies the disks of vmName into the export pool and writes the
// backup descriptor next to them. The descriptor is written last: a backup
// exists exactly when its descriptor does.
func (s *Session) ExportVM(ctx context.Context, vmName, exportDomain string) error {
	logger := zerolog.Ctx(ctx).With().Str("vm", vmName).Str("export", exportDomain).Logger()

	dom, err := s.api.DomainLookupByName(vmName)
	if err != nil {
		return s.classify("export vm", err)
	}

	descriptor := naming.VolumeNameDescriptor(vmName)
	exists, err := s.storage.VolumeExists(ctx, exportDomain, descriptor)
	if err != nil {
		return s.classify("export vm", err)
	}
	if exists {
		return rejected("export vm", fmt.Errorf("backup %s already exists in %s", vmName, exportDomain))
	}

	xml, err := s.api.DomainXML(dom)
	if err != nil {
		return s.classify("export vm", err)
	}
	def, err := parseDomain(xml)
	if err != nil {
		return rejected("export vm", err)
	}

	rec, err := metadata.Load(s.api, dom)
	if err != nil {
		return s.classify("export vm", err)
	}

	m := &manifest.Manifest{
		APIVersion: manifest.APIVersion,
		Name:       vmName,
		SourceVM:   vmName,
		CreatedAt:  s.now().UTC(),
	}
	if rec.Clone != nil {
		m.SourceVM = rec.Clone.SourceVM
		m.SnapshotID = rec.Clone.SnapshotID
		m.Description = rec.Clone.Description
		m.CreatedAt = rec.Clone.CreatedAt
	}

	var copied []string
	cleanup := func() {
		for _, vol := range copied {
			if err := s.storage.DeleteVolume(ctx, exportDomain, vol); err != nil {
				logger.Warn().Err(err).Str("volume", vol).Msg("failed to remove partial export volume")
			}
		}
	}

	for _, d := range domainDisks(def) {
		srcVol, err := s.diskVolume(ctx, d)
		if err != nil {
			cleanup()
			return s.classify("export vm", err)
		}
		volName := naming.VolumeNameDisk(vmName, d.Device)
		format := storage.ParseVolumeFormat(d.Format)
		logger.Debug().Str("disk", d.Device).Str("volume", volName).Msg("exporting disk")
		if err := s.storage.CopyVolume(ctx, srcVol, exportDomain, volName, format); err != nil {
			cleanup()
			return s.classify("export vm", err)
		}
		copied = append(copied, volName)

		info, err := s.storage.GetVolumeInfo(ctx, exportDomain, volName)
		if err != nil {
			cleanup()
			return s.classify("export vm", err)
		}
		m.Disks = append(m.Disks, manifest.Disk{
			Device:        d.Device,
			Volume:        volName,
			Format:        string(format),
			CapacityBytes: info.Capacity,
		})
	}

	data, err := manifest.Encode(m, xml)
	if err != nil {
		cleanup()
		return rejected("export vm", err)
	}

	err = s.storage.CreateVolume(ctx, exportDomain, storage.VolumeSpec{
		Name:          descriptor,
		Format:        storage.VolumeFormatRaw,
		CapacityBytes: uint64(len(data)),
	})
	if err != nil {
		cleanup()
		return s.classify("export vm", err)
	}
	if err := s.storage.WriteVolumeData(ctx, exportDomain, descriptor, data); err != nil {
		copied = append(copied, descriptor)
		cleanup()
		return s.classify("export vm", err)
	}

	logger.Info().Int("disks", len(m.Disks)).Msg("backup exported")
	return nil
}

// ListBackups returns the backups in exportDomain whose name starts with
// namePrefix, sorted by name. The pool is refreshed first so backups
// copied in by another host are seen. Descriptors that cannot be read are
// skipped with a warning.
func (s *Session) ListBackups(ctx context.Context, exportDomain, namePrefix string) ([]platform.BackupImage, error) {
	logger := zerolog.Ctx(ctx)

	if err := s.storage.RefreshPool(ctx, exportDomain); err != nil {
		return nil, s.classify("list backups", err)
	}

	vols, err := s.storage.ListVolumes(ctx, exportDomain)
	if err != nil {
		return nil, s.classify("list backups", err)
	}

	var out []platform.BackupImage
	for _, vol := range vols {
		name, ok := naming.BackupNameFromDescriptor(vol.Name)
		if !ok || !strings.HasPrefix(name, namePrefix) {
			continue
		}
		m, err := s.readManifest(ctx, exportDomain, name)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			logger.Warn().Err(err).Str("backup", name).Msg("skipping unreadable backup descriptor")
			continue
		}
		out = append(out, backupImage(name, m))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetBackup returns the backup called name, or nil when it does not exist.
func (s *Session) GetBackup(ctx context.Context, exportDomain, name string) (*platform.BackupImage, error) {
	exists, err := s.storage.VolumeExists(ctx, exportDomain, naming.VolumeNameDescriptor(name))
	if err != nil {
		return nil, s.classify("get backup", err)
	}
	if !exists {
		return nil, nil
	}

	m, err := s.readManifest(ctx, exportDomain, name)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, s.classify("get backup", err)
	}
	img := backupImage(name, m)
	return &img, nil
}

// DeleteBackup removes the disk volumes of a backup and then its
// descriptor. Disk volumes already gone are ignored.
func (s *Session) DeleteBackup(ctx context.Context, exportDomain, name string) error {
	logger := zerolog.Ctx(ctx)
	descriptor := naming.VolumeNameDescriptor(name)

	data, err := s.storage.ReadVolumeData(ctx, exportDomain, descriptor)
	if err != nil {
		return s.classify("delete backup", err)
	}

	if m, _, err := manifest.Decode(data); err != nil {
		// The disks cannot be enumerated; drop the descriptor so the
		// broken backup stops being listed.
		logger.Warn().Err(err).Str("backup", name).Msg("deleting undecodable backup descriptor only")
	} else {
		for _, d := range m.Disks {
			if err := s.storage.DeleteVolume(ctx, exportDomain, d.Volume); err != nil && !storage.IsNoVolume(err) {
				return s.classify("delete backup", err)
			}
		}
	}

	if err := s.storage.DeleteVolume(ctx, exportDomain, descriptor); err != nil {
		return s.classify("delete backup", err)
	}
	return nil
}

// readManifest downloads and decodes the descriptor of backup name.
func (s *Session) readManifest(ctx context.Context, exportDomain, name string) (*manifest.Manifest, error) {
	data, err := s.storage.ReadVolumeData(ctx, exportDomain, naming.VolumeNameDescriptor(name))
	if err != nil {
		return nil, err
	}
	m, _, err := manifest.Decode(data)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func backupImage(name string, m *manifest.Manifest) platform.BackupImage {
	return platform.BackupImage{
		Name:      name,
		SourceVM:  m.SourceVM,
		CreatedAt: m.CreatedAt,
		SizeBytes: m.SizeBytes(),
	}
}
