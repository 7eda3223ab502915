package libvirt

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jbweber/vmbackup/internal/metadata"
	"github.com/jbweber/vmbackup/internal/platform"
	"github.com/jbweber/vmbackup/internal/storage"
)

// Session implements platform.Session over one libvirt connection.
type Session struct {
	api     API
	storage *storage.Manager
	closer  io.Closer
	now     func() time.Time
}

var _ platform.Session = (*Session)(nil)

// NewSession creates a session on an open client. Closing the session
// closes the client.
func NewSession(c *Client) *Session {
	return newSession(conn{c.Libvirt()}, c)
}

func newSession(api API, closer io.Closer) *Session {
	return &Session{
		api:     api,
		storage: storage.NewManager(api),
		closer:  closer,
		now:     time.Now,
	}
}

// Close closes the underlying connection.
func (s *Session) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// ListPools returns every storage pool on the host.
func (s *Session) ListPools(ctx context.Context) ([]storage.PoolInfo, error) {
	pools, err := s.storage.ListPools(ctx)
	if err != nil {
		return nil, s.classify("list pools", err)
	}
	return pools, nil
}

// Connector opens libvirt sessions with fixed options.
type Connector struct {
	Options Options
}

// Connect opens a new connection and wraps it in a session.
func (c *Connector) Connect(ctx context.Context) (platform.Session, error) {
	s, err := c.ConnectSession(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ConnectSession is Connect returning the concrete session, for callers
// that need libvirt-specific operations such as tags.
func (c *Connector) ConnectSession(ctx context.Context) (*Session, error) {
	zerolog.Ctx(ctx).Debug().Str("server", c.Options.Redacted()).Msg("connecting to libvirt")
	client, err := ConnectWithContext(ctx, c.Options)
	if err != nil {
		return nil, platform.Wrap(platform.ErrConnectivity, "connect", err)
	}
	return NewSession(client), nil
}

// GetStorageDomain returns the storage pool called name, or nil when it
// does not exist.
func (s *Session) GetStorageDomain(ctx context.Context, name string) (*platform.StorageDomain, error) {
	info, err := s.storage.GetPoolInfo(ctx, name)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, s.classify("get storage domain", err)
	}
	return &platform.StorageDomain{
		Name:           info.Name,
		AvailableBytes: info.Available,
		CapacityBytes:  info.Capacity,
	}, nil
}

// GetCluster returns the connected host when name matches its hostname,
// either fully qualified or short.
func (s *Session) GetCluster(ctx context.Context, name string) (*platform.Cluster, error) {
	host, err := s.api.ConnectGetHostname()
	if err != nil {
		return nil, s.classify("get cluster", err)
	}
	short, _, _ := strings.Cut(host, ".")
	if name != host && name != short {
		return nil, nil
	}
	return &platform.Cluster{Name: name}, nil
}

// lookupDomain returns the domain called name. found is false when libvirt
// has no such domain.
func (s *Session) lookupDomain(name string) (dom libvirt.Domain, found bool, err error) {
	dom, err = s.api.DomainLookupByName(name)
	if err != nil {
		if isNotFound(err) {
			return libvirt.Domain{}, false, nil
		}
		return libvirt.Domain{}, false, err
	}
	return dom, true, nil
}

// vmFromDomain builds the VM view of a domain: state, memory, disk sizes
// and tags.
func (s *Session) vmFromDomain(ctx context.Context, dom libvirt.Domain) (*platform.VM, error) {
	state, _, err := s.api.DomainGetState(dom, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to get state of %s: %w", dom.Name, err)
	}

	xml, err := s.api.DomainXML(dom)
	if err != nil {
		return nil, fmt.Errorf("failed to get XML of %s: %w", dom.Name, err)
	}
	def, err := parseDomain(xml)
	if err != nil {
		return nil, rejected("parse domain "+dom.Name, err)
	}

	rec, err := metadata.Load(s.api, dom)
	if err != nil {
		return nil, fmt.Errorf("failed to load metadata of %s: %w", dom.Name, err)
	}

	vm := &platform.VM{
		ID:          uuid.UUID(dom.UUID).String(),
		Name:        dom.Name,
		MemoryBytes: memoryBytes(def.Memory),
		Status:      vmStatus(state),
		Tags:        rec.Tags,
	}

	for _, d := range domainDisks(def) {
		disk := platform.Disk{Name: d.Device}
		vol, err := s.diskVolume(ctx, d)
		if err == nil {
			_, capacity, _, err := s.api.StorageVolGetInfo(vol)
			if err == nil {
				disk.SizeBytes = capacity
			}
		}
		if err != nil {
			// Disks outside any pool (e.g. raw block devices) cannot be
			// sized; the free space check then undercounts them.
			zerolog.Ctx(ctx).Debug().Err(err).Str("domain", dom.Name).Str("disk", d.Device).Msg("cannot size disk")
		}
		vm.Disks = append(vm.Disks, disk)
	}

	return vm, nil
}

// diskVolume returns the storage volume backing a domain disk.
func (s *Session) diskVolume(ctx context.Context, d diskRef) (libvirt.StorageVol, error) {
	switch {
	case d.Volume != "":
		return s.storage.LookupVolume(ctx, d.Pool, d.Volume)
	case d.Path != "":
		return s.storage.LookupVolumeByPath(ctx, d.Path)
	}
	return libvirt.StorageVol{}, fmt.Errorf("disk %s has no file or volume source", d.Device)
}
