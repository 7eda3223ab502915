package libvirt

import (
	"github.com/digitalocean/go-libvirt"

	"github.com/jbweber/vmbackup/internal/metadata"
	"github.com/jbweber/vmbackup/internal/storage"
)

// API is the set of libvirt operations the session uses.
// This allows for dependency injection and testing.
type API interface {
	storage.LibvirtClient
	metadata.LibvirtClient

	ConnectGetLibVersion() (uint64, error)
	ConnectGetHostname() (string, error)
	ConnectListAllDomains(NeedResults int32, Flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error)
	DomainLookupByName(Name string) (libvirt.Domain, error)
	DomainGetState(Dom libvirt.Domain, Flags uint32) (int32, int32, error)
	DomainDefineXML(XML string) (libvirt.Domain, error)
	DomainDestroy(Dom libvirt.Domain) error
	DomainUndefineFlags(Dom libvirt.Domain, Flags libvirt.DomainUndefineFlagsValues) error

	// Calls made with default flags; see conn.
	DomainXML(Dom libvirt.Domain) (string, error)
	DomainSnapshots(Dom libvirt.Domain) ([]libvirt.DomainSnapshot, error)
	DomainSnapshotXML(Snap libvirt.DomainSnapshot) (string, error)
	DomainSnapshotCreate(Dom libvirt.Domain, XML string) (libvirt.DomainSnapshot, error)
	DomainSnapshotLookup(Dom libvirt.Domain, Name string) (libvirt.DomainSnapshot, error)
	DomainSnapshotRemove(Snap libvirt.DomainSnapshot) error
}

// conn adapts *libvirt.Libvirt to API. The domain XML and snapshot calls
// always pass zero flags, so they are exposed without a flags argument.
type conn struct {
	*libvirt.Libvirt
}

var _ API = conn{}

func (c conn) DomainXML(dom libvirt.Domain) (string, error) {
	return c.DomainGetXMLDesc(dom, 0)
}

func (c conn) DomainSnapshots(dom libvirt.Domain) ([]libvirt.DomainSnapshot, error) {
	snaps, _, err := c.DomainListAllSnapshots(dom, 1, 0)
	return snaps, err
}

func (c conn) DomainSnapshotXML(snap libvirt.DomainSnapshot) (string, error) {
	return c.DomainSnapshotGetXMLDesc(snap, 0)
}

func (c conn) DomainSnapshotCreate(dom libvirt.Domain, xml string) (libvirt.DomainSnapshot, error) {
	return c.DomainSnapshotCreateXML(dom, xml, 0)
}

func (c conn) DomainSnapshotLookup(dom libvirt.Domain, name string) (libvirt.DomainSnapshot, error) {
	return c.DomainSnapshotLookupByName(dom, name, 0)
}

func (c conn) DomainSnapshotRemove(snap libvirt.DomainSnapshot) error {
	return c.DomainSnapshotDelete(snap, 0)
}
