// Package metadata stores vmbackup data in libvirt's custom XML domain
// metadata: the tags used to select VMs for backup, and the provenance of
// clones created by a backup run. The data persists with the domain itself,
// so no external storage is needed.
package metadata

import (
	"encoding/xml"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/digitalocean/go-libvirt"
	"gopkg.in/yaml.v3"
)

const (
	// MetadataNamespace is the XML namespace for vmbackup metadata.
	MetadataNamespace = "https://github.com/jbweber/vmbackup/v1"

	// MetadataKey is the element name (and namespace prefix) used in the
	// domain XML.
	MetadataKey = "vmbackup"
)

// LibvirtClient is the subset of go-libvirt used to read and write domain
// metadata.
type LibvirtClient interface {
	DomainSetMetadata(Dom libvirt.Domain, Type int32, Metadata libvirt.OptString, Key libvirt.OptString, Uri libvirt.OptString, Flags libvirt.DomainModificationImpact) error
	DomainGetMetadata(Dom libvirt.Domain, Type int32, Uri libvirt.OptString, Flags libvirt.DomainModificationImpact) (string, error)
}

// Provenance records where a clone came from.
type Provenance struct {
	SourceVM    string    `yaml:"sourceVM"`
	SnapshotID  string    `yaml:"snapshotID"`
	Description string    `yaml:"description,omitempty"`
	CreatedAt   time.Time `yaml:"createdAt"`
}

// Record is the data vmbackup keeps on a domain.
type Record struct {
	Tags  []string    `yaml:"tags,omitempty"`
	Clone *Provenance `yaml:"clone,omitempty"`
}

// HasTag reports whether the record carries tag.
func (r *Record) HasTag(tag string) bool {
	return slices.Contains(r.Tags, tag)
}

// AddTag adds tag and reports whether the record changed.
func (r *Record) AddTag(tag string) bool {
	if r.HasTag(tag) {
		return false
	}
	r.Tags = append(r.Tags, tag)
	sort.Strings(r.Tags)
	return true
}

// RemoveTag removes tag and reports whether the record changed.
func (r *Record) RemoveTag(tag string) bool {
	i := slices.Index(r.Tags, tag)
	if i < 0 {
		return false
	}
	r.Tags = slices.Delete(r.Tags, i, i+1)
	return true
}

// IsEmpty reports whether the record holds nothing worth storing.
func (r *Record) IsEmpty() bool {
	return len(r.Tags) == 0 && r.Clone == nil
}

// element is the XML wrapper stored in libvirt. The record is kept as YAML
// text for easy reading when inspecting the domain XML directly.
type element struct {
	XMLName xml.Name `xml:"vmbackup"`
	Xmlns   string   `xml:"xmlns,attr,omitempty"`
	YAML    string   `xml:",chardata"`
}

// Store saves rec to the domain metadata, replacing what was there.
func Store(l LibvirtClient, domain libvirt.Domain, rec *Record) error {
	yamlData, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata to YAML: %w", err)
	}

	xmlData, err := xml.Marshal(element{YAML: string(yamlData)})
	if err != nil {
		return fmt.Errorf("failed to marshal metadata to XML: %w", err)
	}

	err = l.DomainSetMetadata(
		domain,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{string(xmlData)},
		libvirt.OptString{MetadataKey},
		libvirt.OptString{MetadataNamespace},
		libvirt.DomainModificationImpact(0),
	)
	if err != nil {
		return fmt.Errorf("failed to set libvirt domain metadata: %w", err)
	}

	return nil
}

// Load retrieves the record from the domain metadata. A domain without
// vmbackup metadata yields an empty record.
func Load(l LibvirtClient, domain libvirt.Domain) (*Record, error) {
	xmlStr, err := l.DomainGetMetadata(
		domain,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{MetadataNamespace},
		libvirt.DomainModificationImpact(0),
	)
	if err != nil {
		if IsNoMetadata(err) {
			return &Record{}, nil
		}
		return nil, fmt.Errorf("failed to get libvirt domain metadata: %w", err)
	}

	var el element
	if err := xml.Unmarshal([]byte(xmlStr), &el); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata XML: %w", err)
	}

	rec := &Record{}
	if err := yaml.Unmarshal([]byte(el.YAML), rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata YAML: %w", err)
	}

	return rec, nil
}

// Update loads the record, applies fn and stores the result when fn
// reports a change.
func Update(l LibvirtClient, domain libvirt.Domain, fn func(*Record) bool) (*Record, error) {
	rec, err := Load(l, domain)
	if err != nil {
		return nil, err
	}
	if !fn(rec) {
		return rec, nil
	}
	if rec.IsEmpty() {
		return rec, Delete(l, domain)
	}
	return rec, Store(l, domain, rec)
}

// Delete removes vmbackup metadata from a domain. Missing metadata is not
// an error.
func Delete(l LibvirtClient, domain libvirt.Domain) error {
	// An empty metadata string removes the element.
	err := l.DomainSetMetadata(
		domain,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{},
		libvirt.OptString{MetadataKey},
		libvirt.OptString{MetadataNamespace},
		libvirt.DomainModificationImpact(0),
	)
	if err != nil && !IsNoMetadata(err) {
		return fmt.Errorf("failed to delete libvirt domain metadata: %w", err)
	}

	return nil
}

// IsNoMetadata reports whether err is libvirt's "metadata not found".
func IsNoMetadata(err error) bool {
	var lerr libvirt.Error
	return errors.As(err, &lerr) && lerr.Code == uint32(libvirt.ErrNoDomainMetadata)
}
