package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/digitalocean/go-libvirt"
	libvirtxml "libvirt.org/go/libvirtxml"
)

// CreateVolume creates a new volume in the specified pool.
func (m *Manager) CreateVolume(ctx context.Context, poolName string, spec VolumeSpec) error {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("invalid volume spec: %w", err)
	}

	pool, err := m.client.StoragePoolLookupByName(poolName)
	if err != nil {
		return fmt.Errorf("pool not found: %w", err)
	}

	volumeXML, err := generateVolumeXML(spec)
	if err != nil {
		return fmt.Errorf("failed to generate volume XML: %w", err)
	}

	if _, err := m.client.StorageVolCreateXML(pool, volumeXML, 0); err != nil {
		return fmt.Errorf("failed to create volume: %w", err)
	}

	return nil
}

// CopyVolume creates volumeName in poolName as a full copy of src.
// The copy keeps the capacity of the source volume.
func (m *Manager) CopyVolume(ctx context.Context, src libvirt.StorageVol, poolName, volumeName string, format VolumeFormat) error {
	pool, err := m.client.StoragePoolLookupByName(poolName)
	if err != nil {
		return fmt.Errorf("pool not found: %w", err)
	}

	_, capacity, _, err := m.client.StorageVolGetInfo(src)
	if err != nil {
		return fmt.Errorf("failed to get source volume info: %w", err)
	}

	volumeXML, err := generateVolumeXML(VolumeSpec{
		Name:          volumeName,
		Format:        format,
		CapacityBytes: capacity,
	})
	if err != nil {
		return fmt.Errorf("failed to generate volume XML: %w", err)
	}

	if _, err := m.client.StorageVolCreateXMLFrom(pool, volumeXML, src, 0); err != nil {
		return fmt.Errorf("failed to copy volume %s to %s/%s: %w", src.Name, poolName, volumeName, err)
	}

	return nil
}

// LookupVolume returns the volume handle for poolName/volumeName.
func (m *Manager) LookupVolume(ctx context.Context, poolName, volumeName string) (libvirt.StorageVol, error) {
	pool, err := m.client.StoragePoolLookupByName(poolName)
	if err != nil {
		return libvirt.StorageVol{}, fmt.Errorf("pool not found: %w", err)
	}

	vol, err := m.client.StorageVolLookupByName(pool, volumeName)
	if err != nil {
		return libvirt.StorageVol{}, fmt.Errorf("volume not found: %w", err)
	}

	return vol, nil
}

// LookupVolumeByPath returns the volume backing the file at path. Domain
// disks reference their volumes by path.
func (m *Manager) LookupVolumeByPath(ctx context.Context, path string) (libvirt.StorageVol, error) {
	vol, err := m.client.StorageVolLookupByPath(path)
	if err != nil {
		return libvirt.StorageVol{}, fmt.Errorf("volume not found for %s: %w", path, err)
	}
	return vol, nil
}

// DeleteVolume deletes a volume from the specified pool.
func (m *Manager) DeleteVolume(ctx context.Context, poolName, volumeName string) error {
	vol, err := m.LookupVolume(ctx, poolName, volumeName)
	if err != nil {
		return err
	}

	if err := m.client.StorageVolDelete(vol, 0); err != nil {
		return fmt.Errorf("failed to delete volume: %w", err)
	}

	return nil
}

// DeleteVolumeByPath deletes the volume backing the file at path.
func (m *Manager) DeleteVolumeByPath(ctx context.Context, path string) error {
	vol, err := m.LookupVolumeByPath(ctx, path)
	if err != nil {
		return err
	}

	if err := m.client.StorageVolDelete(vol, 0); err != nil {
		return fmt.Errorf("failed to delete volume %s: %w", path, err)
	}

	return nil
}

// ListVolumes lists all volumes in the specified pool.
func (m *Manager) ListVolumes(ctx context.Context, poolName string) ([]VolumeInfo, error) {
	pool, err := m.client.StoragePoolLookupByName(poolName)
	if err != nil {
		return nil, fmt.Errorf("pool not found: %w", err)
	}

	volumes, _, err := m.client.StoragePoolListAllVolumes(pool, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list volumes: %w", err)
	}

	var volumeInfos []VolumeInfo
	for _, vol := range volumes {
		path, err := m.client.StorageVolGetPath(vol)
		if err != nil {
			// Skip volumes deleted since the listing
			continue
		}

		_, capacity, allocation, err := m.client.StorageVolGetInfo(vol)
		if err != nil {
			continue
		}

		volumeInfos = append(volumeInfos, VolumeInfo{
			Name:       vol.Name,
			Path:       path,
			Pool:       poolName,
			Capacity:   capacity,
			Allocation: allocation,
		})
	}

	return volumeInfos, nil
}

// GetVolumeInfo returns information about a single volume.
func (m *Manager) GetVolumeInfo(ctx context.Context, poolName, volumeName string) (*VolumeInfo, error) {
	vol, err := m.LookupVolume(ctx, poolName, volumeName)
	if err != nil {
		return nil, err
	}

	path, err := m.client.StorageVolGetPath(vol)
	if err != nil {
		return nil, fmt.Errorf("failed to get volume path: %w", err)
	}

	_, capacity, allocation, err := m.client.StorageVolGetInfo(vol)
	if err != nil {
		return nil, fmt.Errorf("failed to get volume info: %w", err)
	}

	return &VolumeInfo{
		Name:       vol.Name,
		Path:       path,
		Pool:       poolName,
		Capacity:   capacity,
		Allocation: allocation,
	}, nil
}

// WriteVolumeData uploads data to a volume.
func (m *Manager) WriteVolumeData(ctx context.Context, poolName, volumeName string, data []byte) error {
	vol, err := m.LookupVolume(ctx, poolName, volumeName)
	if err != nil {
		return err
	}

	reader := bytes.NewReader(data)
	if err := m.client.StorageVolUpload(vol, reader, 0, uint64(len(data)), 0); err != nil {
		return fmt.Errorf("failed to upload data to volume: %w", err)
	}

	return nil
}

// ReadVolumeData downloads the whole content of a volume. It is meant for
// small volumes such as backup descriptors.
func (m *Manager) ReadVolumeData(ctx context.Context, poolName, volumeName string) ([]byte, error) {
	vol, err := m.LookupVolume(ctx, poolName, volumeName)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := m.client.StorageVolDownload(vol, &buf, 0, 0, 0); err != nil {
		return nil, fmt.Errorf("failed to download volume data: %w", err)
	}

	return buf.Bytes(), nil
}

// VolumeExists checks if a volume exists in the specified pool.
func (m *Manager) VolumeExists(ctx context.Context, poolName, volumeName string) (bool, error) {
	pool, err := m.client.StoragePoolLookupByName(poolName)
	if err != nil {
		return false, fmt.Errorf("pool not found: %w", err)
	}

	if _, err := m.client.StorageVolLookupByName(pool, volumeName); err != nil {
		if IsNoVolume(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to look up volume: %w", err)
	}

	return true, nil
}

// IsNoVolume reports whether err is libvirt's "storage volume not found".
func IsNoVolume(err error) bool {
	var lerr libvirt.Error
	return errors.As(err, &lerr) && lerr.Code == uint32(libvirt.ErrNoStorageVol)
}

// generateVolumeXML generates XML for a storage volume.
func generateVolumeXML(spec VolumeSpec) (string, error) {
	vol := &libvirtxml.StorageVolume{
		Type: "file",
		Name: spec.Name,
		Capacity: &libvirtxml.StorageVolumeSize{
			Value: spec.CapacityBytes,
			Unit:  "B",
		},
		Target: &libvirtxml.StorageVolumeTarget{
			Format: &libvirtxml.StorageVolumeTargetFormat{
				Type: string(spec.Format),
			},
		},
	}

	xmlBytes, err := vol.Marshal()
	if err != nil {
		return "", err
	}

	// Clean up the XML: remove standalone attribute
	xml := string(xmlBytes)
	xml = strings.TrimPrefix(xml, "<?xml version=\"1.0\" encoding=\"UTF-8\"?>")
	xml = strings.TrimSpace(xml)

	return xml, nil
}
