package libvirt

import (
	"context"
	"fmt"

	"github.com/jbweber/vmbackup/internal/metadata"
)

// Tags returns the tags of vmName.
func (s *Session) Tags(ctx context.Context, vmName string) ([]string, error) {
	dom, err := s.api.DomainLookupByName(vmName)
	if err != nil {
		return nil, s.classify("get tags", err)
	}
	rec, err := metadata.Load(s.api, dom)
	if err != nil {
		return nil, s.classify("get tags", err)
	}
	return rec.Tags, nil
}

// AddTag tags vmName. Adding a tag the VM already carries is a no-op.
func (s *Session) AddTag(ctx context.Context, vmName, tag string) error {
	if tag == "" {
		return rejected("add tag", fmt.Errorf("tag cannot be empty"))
	}
	return s.updateRecord("add tag", vmName, func(rec *metadata.Record) bool {
		return rec.AddTag(tag)
	})
}

// RemoveTag removes tag from vmName. Removing a missing tag is a no-op.
func (s *Session) RemoveTag(ctx context.Context, vmName, tag string) error {
	return s.updateRecord("remove tag", vmName, func(rec *metadata.Record) bool {
		return rec.RemoveTag(tag)
	})
}

func (s *Session) updateRecord(op, vmName string, fn func(*metadata.Record) bool) error {
	dom, err := s.api.DomainLookupByName(vmName)
	if err != nil {
		return s.classify(op, err)
	}
	if _, err := metadata.Update(s.api, dom, fn); err != nil {
		return s.classify(op, err)
	}
	return nil
}
