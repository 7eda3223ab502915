package metadata

import (
	"encoding/xml"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/digitalocean/go-libvirt"
)

// mockLibvirtClient is a mock implementation of LibvirtClient for testing.
// Set and get share one stored value so round trips can be checked.
type mockLibvirtClient struct {
	// For controlling behavior
	setMetadataError error
	getMetadataError error
	stored           string

	// For verification
	lastSetKey       string
	lastSetURI       string
	lastSetFlags     libvirt.DomainModificationImpact
	lastSetType      int32
	setMetadataCalls int
	getMetadataCalls int
}

func (m *mockLibvirtClient) DomainSetMetadata(
	dom libvirt.Domain,
	typ int32,
	metadata libvirt.OptString,
	key libvirt.OptString,
	uri libvirt.OptString,
	flags libvirt.DomainModificationImpact,
) error {
	m.setMetadataCalls++
	m.lastSetType = typ
	if len(key) > 0 {
		m.lastSetKey = key[0]
	}
	if len(uri) > 0 {
		m.lastSetURI = uri[0]
	}
	m.lastSetFlags = flags
	if m.setMetadataError != nil {
		return m.setMetadataError
	}

	m.stored = ""
	if len(metadata) > 0 {
		m.stored = metadata[0]
	}
	return nil
}

func (m *mockLibvirtClient) DomainGetMetadata(
	dom libvirt.Domain,
	typ int32,
	uri libvirt.OptString,
	flags libvirt.DomainModificationImpact,
) (string, error) {
	m.getMetadataCalls++
	if m.getMetadataError != nil {
		return "", m.getMetadataError
	}
	if m.stored == "" {
		return "", libvirt.Error{Code: uint32(libvirt.ErrNoDomainMetadata), Message: "metadata not found"}
	}
	return m.stored, nil
}

func TestStoreAndLoad(t *testing.T) {
	mock := &mockLibvirtClient{}
	domain := libvirt.Domain{Name: "db1_BAK_20240101_120000"}

	created := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	rec := &Record{
		Tags: []string{"nightly"},
		Clone: &Provenance{
			SourceVM:    "db1",
			SnapshotID:  "3f1c",
			Description: "vmbackup <nightly> & more",
			CreatedAt:   created,
		},
	}

	if err := Store(mock, domain, rec); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	if mock.lastSetKey != MetadataKey {
		t.Errorf("key = %q, want %q", mock.lastSetKey, MetadataKey)
	}
	if mock.lastSetURI != MetadataNamespace {
		t.Errorf("uri = %q, want %q", mock.lastSetURI, MetadataNamespace)
	}
	if mock.lastSetType != int32(libvirt.DomainMetadataElement) {
		t.Errorf("type = %d, want element metadata", mock.lastSetType)
	}

	// The stored value must be well-formed XML even with markup characters
	// in the payload.
	var el element
	if err := xml.Unmarshal([]byte(mock.stored), &el); err != nil {
		t.Fatalf("stored metadata is not valid XML: %v\n%s", err, mock.stored)
	}

	got, err := Load(mock, domain)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !got.HasTag("nightly") {
		t.Errorf("loaded tags = %v, want nightly", got.Tags)
	}
	if got.Clone == nil {
		t.Fatal("loaded record lost clone provenance")
	}
	if got.Clone.SourceVM != "db1" || got.Clone.SnapshotID != "3f1c" {
		t.Errorf("loaded provenance = %+v", got.Clone)
	}
	if got.Clone.Description != rec.Clone.Description {
		t.Errorf("description = %q, want %q", got.Clone.Description, rec.Clone.Description)
	}
	if !got.Clone.CreatedAt.Equal(created) {
		t.Errorf("createdAt = %v, want %v", got.Clone.CreatedAt, created)
	}
}

func TestStore_Error(t *testing.T) {
	mock := &mockLibvirtClient{setMetadataError: errors.New("denied")}

	err := Store(mock, libvirt.Domain{}, &Record{Tags: []string{"a"}})
	if err == nil {
		t.Fatal("Store() expected error")
	}
	if !strings.Contains(err.Error(), "failed to set libvirt domain metadata") {
		t.Errorf("error = %v", err)
	}
}

func TestLoad_NoMetadata(t *testing.T) {
	mock := &mockLibvirtClient{}

	rec, err := Load(mock, libvirt.Domain{})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !rec.IsEmpty() {
		t.Errorf("Load() = %+v, want empty record", rec)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		mock *mockLibvirtClient
	}{
		{"libvirt failure", &mockLibvirtClient{getMetadataError: errors.New("connection reset")}},
		{"invalid xml", &mockLibvirtClient{stored: "<vmbackup>"}},
		{"wrong element", &mockLibvirtClient{stored: "<other>tags: []</other>"}},
		{"invalid yaml", &mockLibvirtClient{stored: "<vmbackup>tags: [unclosed</vmbackup>"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(tt.mock, libvirt.Domain{}); err == nil {
				t.Error("Load() expected error")
			}
		})
	}
}

func TestUpdate(t *testing.T) {
	mock := &mockLibvirtClient{}
	domain := libvirt.Domain{Name: "db1"}

	rec, err := Update(mock, domain, func(r *Record) bool { return r.AddTag("nightly") })
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if !rec.HasTag("nightly") || mock.setMetadataCalls != 1 {
		t.Fatalf("after add: tags = %v, set calls = %d", rec.Tags, mock.setMetadataCalls)
	}

	// No change, no write.
	if _, err := Update(mock, domain, func(r *Record) bool { return r.AddTag("nightly") }); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if mock.setMetadataCalls != 1 {
		t.Errorf("unchanged record was written again")
	}

	// Removing the last tag deletes the element.
	if _, err := Update(mock, domain, func(r *Record) bool { return r.RemoveTag("nightly") }); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if mock.stored != "" {
		t.Errorf("stored = %q, want metadata removed", mock.stored)
	}
}

func TestDelete_MissingIsNotError(t *testing.T) {
	mock := &mockLibvirtClient{
		setMetadataError: libvirt.Error{Code: uint32(libvirt.ErrNoDomainMetadata), Message: "not found"},
	}
	if err := Delete(mock, libvirt.Domain{}); err != nil {
		t.Errorf("Delete() error = %v, want nil", err)
	}

	mock.setMetadataError = errors.New("denied")
	if err := Delete(mock, libvirt.Domain{}); err == nil {
		t.Error("Delete() expected error")
	}
}

func TestRecordTags(t *testing.T) {
	rec := &Record{}
	if !rec.AddTag("web") || !rec.AddTag("db") {
		t.Fatal("AddTag() reported no change for new tags")
	}
	if rec.AddTag("web") {
		t.Error("AddTag() reported change for existing tag")
	}
	if got := strings.Join(rec.Tags, ","); got != "db,web" {
		t.Errorf("tags = %q, want sorted", got)
	}
	if rec.RemoveTag("missing") {
		t.Error("RemoveTag() reported change for missing tag")
	}
	if !rec.RemoveTag("db") || rec.HasTag("db") {
		t.Error("RemoveTag() did not remove db")
	}
}
