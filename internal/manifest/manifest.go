// Package manifest reads and writes backup descriptors.
//
// Every exported backup carries a small ISO9660 image next to its disk
// volumes. The image holds two files in the root directory:
//   - manifest: YAML describing the backup (source VM, creation time, disks)
//   - domain: the libvirt domain XML of the exported clone
//
// Keeping the descriptor as a single volume lets the export pool be listed
// without any database: a backup exists exactly when its descriptor does.
package manifest

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kdomanski/iso9660"
	"gopkg.in/yaml.v3"
)

const (
	// APIVersion identifies the manifest schema.
	APIVersion = "vmbackup/v1"

	// VolumeLabel is the ISO volume identifier of descriptors.
	VolumeLabel = "VMBACKUP"

	manifestFile = "manifest"
	domainFile   = "domain"
)

// Disk is one exported disk volume.
type Disk struct {
	Device        string `yaml:"device"`
	Volume        string `yaml:"volume"`
	Format        string `yaml:"format"`
	CapacityBytes uint64 `yaml:"capacityBytes"`
}

// Manifest describes an exported backup.
type Manifest struct {
	APIVersion  string    `yaml:"apiVersion"`
	Name        string    `yaml:"name"`
	SourceVM    string    `yaml:"sourceVM"`
	SnapshotID  string    `yaml:"snapshotID,omitempty"`
	Description string    `yaml:"description,omitempty"`
	CreatedAt   time.Time `yaml:"createdAt"`
	Disks       []Disk    `yaml:"disks"`
}

// SizeBytes returns the summed capacity of all disks.
func (m *Manifest) SizeBytes() uint64 {
	var total uint64
	for _, d := range m.Disks {
		total += d.CapacityBytes
	}
	return total
}

// Validate checks the manifest for errors.
func (m *Manifest) Validate() error {
	if m.APIVersion != APIVersion {
		return fmt.Errorf("unsupported manifest apiVersion %q", m.APIVersion)
	}
	if m.Name == "" {
		return fmt.Errorf("manifest name is required")
	}
	if m.CreatedAt.IsZero() {
		return fmt.Errorf("manifest createdAt is required")
	}
	for i, d := range m.Disks {
		if d.Volume == "" {
			return fmt.Errorf("disks[%d]: volume is required", i)
		}
	}
	return nil
}

// Encode builds the descriptor image for m and the clone's domain XML.
func Encode(m *Manifest, domainXML string) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("manifest cannot be nil")
	}
	if m.APIVersion == "" {
		m.APIVersion = APIVersion
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	manifestData, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}

	writer, err := iso9660.NewWriter()
	if err != nil {
		return nil, fmt.Errorf("failed to create ISO writer: %w", err)
	}
	defer func() {
		_ = writer.Cleanup()
	}()

	if err := writer.AddFile(bytes.NewReader(manifestData), manifestFile); err != nil {
		return nil, fmt.Errorf("failed to add manifest: %w", err)
	}
	if err := writer.AddFile(strings.NewReader(domainXML), domainFile); err != nil {
		return nil, fmt.Errorf("failed to add domain XML: %w", err)
	}

	var buf bytes.Buffer
	if err := writer.WriteTo(&buf, VolumeLabel); err != nil {
		return nil, fmt.Errorf("failed to write ISO image: %w", err)
	}

	return buf.Bytes(), nil
}

// Decode reads a descriptor image and returns the manifest and the domain
// XML stored with it.
func Decode(data []byte) (*Manifest, string, error) {
	img, err := iso9660.OpenImage(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("failed to open descriptor image: %w", err)
	}

	root, err := img.RootDir()
	if err != nil {
		return nil, "", fmt.Errorf("failed to read descriptor root: %w", err)
	}

	children, err := root.GetChildren()
	if err != nil {
		return nil, "", fmt.Errorf("failed to list descriptor files: %w", err)
	}

	var manifestData, domainXML []byte
	for _, child := range children {
		if child.IsDir() {
			continue
		}
		switch fileName(child.Name()) {
		case manifestFile:
			if manifestData, err = io.ReadAll(child.Reader()); err != nil {
				return nil, "", fmt.Errorf("failed to read manifest: %w", err)
			}
		case domainFile:
			if domainXML, err = io.ReadAll(child.Reader()); err != nil {
				return nil, "", fmt.Errorf("failed to read domain XML: %w", err)
			}
		}
	}

	if manifestData == nil {
		return nil, "", fmt.Errorf("descriptor has no manifest")
	}

	m := &Manifest{}
	if err := yaml.Unmarshal(manifestData, m); err != nil {
		return nil, "", fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid manifest: %w", err)
	}

	return m, string(domainXML), nil
}

// fileName normalizes an ISO9660 file identifier: readers without Rock
// Ridge support see upper-case names with a ";1" version suffix.
func fileName(name string) string {
	name, _, _ = strings.Cut(name, ";")
	return strings.TrimSuffix(strings.ToLower(name), ".")
}
