package libvirt

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
	libvirtxml "libvirt.org/go/libvirtxml"
)

// fakeHypervisor is an in-memory libvirtd implementing API. Domains,
// snapshots, pools and volumes behave closely enough to libvirt for the
// session to run end to end against it.
type fakeHypervisor struct {
	hostname string
	version  uint64
	// dead makes the connection stop answering pings.
	dead bool

	domains map[string]*fakeDomain
	pools   map[string]*fakePool

	// fail maps a method name to the error it returns next.
	fail map[string]error
	// copies records volume copies as "srcPool/srcVol -> dstPool/dstVol".
	copies []string
	// refreshed records the pools refreshed, in call order.
	refreshed []string

	clock time.Time
}

type fakeDomain struct {
	dom       libvirt.Domain
	state     int32
	xml       string
	metadata  string
	snapshots []*fakeSnapshot
}

type fakeSnapshot struct {
	name string
	xml  string
}

type fakePool struct {
	name      string
	uuid      libvirt.UUID
	capacity  uint64
	available uint64
	vols      map[string]*fakeVolume
}

type fakeVolume struct {
	name     string
	path     string
	capacity uint64
	data     []byte
}

func newFakeHypervisor() *fakeHypervisor {
	return &fakeHypervisor{
		hostname: "kvm01.example.com",
		version:  10005000,
		domains:  make(map[string]*fakeDomain),
		pools:    make(map[string]*fakePool),
		fail:     make(map[string]error),
		clock:    time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (h *fakeHypervisor) check(method string) error {
	if err, ok := h.fail[method]; ok {
		delete(h.fail, method)
		return err
	}
	return nil
}

func noDomain(name string) error {
	return libvirt.Error{Code: uint32(libvirt.ErrNoDomain), Message: "domain not found: " + name}
}

func noPool(name string) error {
	return libvirt.Error{Code: uint32(libvirt.ErrNoStoragePool), Message: "storage pool not found: " + name}
}

func noVolume(name string) error {
	return libvirt.Error{Code: uint32(libvirt.ErrNoStorageVol), Message: "storage volume not found: " + name}
}

func noSnapshot(name string) error {
	return libvirt.Error{Code: uint32(libvirt.ErrNoDomainSnapshot), Message: "domain snapshot not found: " + name}
}

func failed(msg string) error {
	return libvirt.Error{Code: uint32(libvirt.ErrOperationFailed), Message: msg}
}

func failedBusy() error {
	return libvirt.Error{Code: uint32(libvirt.ErrOperationInvalid), Message: "domain has active block job"}
}

// addPool registers a pool rooted at /pools/{name}.
func (h *fakeHypervisor) addPool(name string, capacity, available uint64) {
	var id libvirt.UUID
	copy(id[:], name)
	h.pools[name] = &fakePool{
		name:      name,
		uuid:      id,
		capacity:  capacity,
		available: available,
		vols:      make(map[string]*fakeVolume),
	}
}

// addVolume adds a volume and returns its path.
func (h *fakeHypervisor) addVolume(pool, name string, capacity uint64, data []byte) string {
	path := "/pools/" + pool + "/" + name
	h.pools[pool].vols[name] = &fakeVolume{name: name, path: path, capacity: capacity, data: data}
	return path
}

// addDomain defines a domain whose hard disks are file-backed volumes in
// pool, one per device. Each disk gets a 10 GiB volume holding the device
// name as data. A CD-ROM and a network interface are always attached.
func (h *fakeHypervisor) addDomain(name string, state int32, memKiB uint, pool string, devices ...string) *fakeDomain {
	id := uuid.New()
	def := &libvirtxml.Domain{
		Type:   "kvm",
		Name:   name,
		UUID:   id.String(),
		Memory: &libvirtxml.DomainMemory{Value: memKiB, Unit: "KiB"},
		Devices: &libvirtxml.DomainDeviceList{
			Interfaces: []libvirtxml.DomainInterface{{
				MAC: &libvirtxml.DomainInterfaceMAC{Address: "52:54:00:12:34:56"},
				Source: &libvirtxml.DomainInterfaceSource{
					Bridge: &libvirtxml.DomainInterfaceSourceBridge{Bridge: "br0"},
				},
			}},
		},
	}
	for _, dev := range devices {
		path := h.addVolume(pool, name+"_"+dev+".qcow2", 10<<30, []byte(dev))
		def.Devices.Disks = append(def.Devices.Disks, libvirtxml.DomainDisk{
			Device: "disk",
			Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "qcow2"},
			Source: &libvirtxml.DomainDiskSource{File: &libvirtxml.DomainDiskSourceFile{File: path}},
			Target: &libvirtxml.DomainDiskTarget{Dev: dev, Bus: "virtio"},
		})
	}
	def.Devices.Disks = append(def.Devices.Disks, libvirtxml.DomainDisk{
		Device: "cdrom",
		Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "raw"},
		Target: &libvirtxml.DomainDiskTarget{Dev: "sda", Bus: "sata"},
	})

	xml, err := def.Marshal()
	if err != nil {
		panic(err)
	}
	d := &fakeDomain{
		dom:   libvirt.Domain{Name: name, UUID: libvirt.UUID(id)},
		state: state,
		xml:   xml,
	}
	h.domains[name] = d
	return d
}

func (h *fakeHypervisor) domain(dom libvirt.Domain) (*fakeDomain, error) {
	d, ok := h.domains[dom.Name]
	if !ok || d.dom.UUID != dom.UUID {
		return nil, noDomain(dom.Name)
	}
	return d, nil
}

// Connect

func (h *fakeHypervisor) ConnectGetLibVersion() (uint64, error) {
	if h.dead {
		return 0, io.EOF
	}
	return h.version, nil
}

func (h *fakeHypervisor) ConnectGetHostname() (string, error) {
	if err := h.check("ConnectGetHostname"); err != nil {
		return "", err
	}
	return h.hostname, nil
}

func (h *fakeHypervisor) ConnectListAllDomains(needResults int32, flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error) {
	if err := h.check("ConnectListAllDomains"); err != nil {
		return nil, 0, err
	}
	var out []libvirt.Domain
	for _, d := range h.domains {
		out = append(out, d.dom)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, uint32(len(out)), nil
}

// Domains

func (h *fakeHypervisor) DomainLookupByName(name string) (libvirt.Domain, error) {
	if err := h.check("DomainLookupByName"); err != nil {
		return libvirt.Domain{}, err
	}
	d, ok := h.domains[name]
	if !ok {
		return libvirt.Domain{}, noDomain(name)
	}
	return d.dom, nil
}

func (h *fakeHypervisor) DomainGetState(dom libvirt.Domain, flags uint32) (int32, int32, error) {
	d, err := h.domain(dom)
	if err != nil {
		return 0, 0, err
	}
	return d.state, 0, nil
}

func (h *fakeHypervisor) DomainDefineXML(xml string) (libvirt.Domain, error) {
	if err := h.check("DomainDefineXML"); err != nil {
		return libvirt.Domain{}, err
	}
	var def libvirtxml.Domain
	if err := def.Unmarshal(xml); err != nil {
		return libvirt.Domain{}, failed(err.Error())
	}
	id, err := uuid.Parse(def.UUID)
	if err != nil {
		return libvirt.Domain{}, failed(err.Error())
	}
	if existing, ok := h.domains[def.Name]; ok && existing.dom.UUID != libvirt.UUID(id) {
		return libvirt.Domain{}, failed("domain " + def.Name + " already exists with a different uuid")
	}
	d := &fakeDomain{
		dom:   libvirt.Domain{Name: def.Name, UUID: libvirt.UUID(id)},
		state: domainStateShutoff,
		xml:   xml,
	}
	h.domains[def.Name] = d
	return d.dom, nil
}

func (h *fakeHypervisor) DomainDestroy(dom libvirt.Domain) error {
	d, err := h.domain(dom)
	if err != nil {
		return err
	}
	d.state = domainStateShutoff
	return nil
}

func (h *fakeHypervisor) DomainUndefineFlags(dom libvirt.Domain, flags libvirt.DomainUndefineFlagsValues) error {
	if err := h.check("DomainUndefineFlags"); err != nil {
		return err
	}
	if _, err := h.domain(dom); err != nil {
		return err
	}
	delete(h.domains, dom.Name)
	return nil
}

func (h *fakeHypervisor) DomainXML(dom libvirt.Domain) (string, error) {
	d, err := h.domain(dom)
	if err != nil {
		return "", err
	}
	return d.xml, nil
}

// Metadata

func (h *fakeHypervisor) DomainSetMetadata(dom libvirt.Domain, typ int32, metadata libvirt.OptString, key libvirt.OptString, uri libvirt.OptString, flags libvirt.DomainModificationImpact) error {
	d, err := h.domain(dom)
	if err != nil {
		return err
	}
	d.metadata = ""
	if len(metadata) > 0 {
		d.metadata = metadata[0]
	}
	return nil
}

func (h *fakeHypervisor) DomainGetMetadata(dom libvirt.Domain, typ int32, uri libvirt.OptString, flags libvirt.DomainModificationImpact) (string, error) {
	d, err := h.domain(dom)
	if err != nil {
		return "", err
	}
	if d.metadata == "" {
		return "", libvirt.Error{Code: uint32(libvirt.ErrNoDomainMetadata), Message: "metadata not found"}
	}
	return d.metadata, nil
}

// Snapshots

func (h *fakeHypervisor) DomainSnapshots(dom libvirt.Domain) ([]libvirt.DomainSnapshot, error) {
	d, err := h.domain(dom)
	if err != nil {
		return nil, err
	}
	var out []libvirt.DomainSnapshot
	for _, s := range d.snapshots {
		out = append(out, libvirt.DomainSnapshot{Name: s.name, Dom: d.dom})
	}
	return out, nil
}

func (h *fakeHypervisor) snapshot(snap libvirt.DomainSnapshot) (*fakeDomain, int, error) {
	d, err := h.domain(snap.Dom)
	if err != nil {
		return nil, 0, err
	}
	for i, s := range d.snapshots {
		if s.name == snap.Name {
			return d, i, nil
		}
	}
	return nil, 0, noSnapshot(snap.Name)
}

func (h *fakeHypervisor) DomainSnapshotXML(snap libvirt.DomainSnapshot) (string, error) {
	d, i, err := h.snapshot(snap)
	if err != nil {
		return "", err
	}
	return d.snapshots[i].xml, nil
}

// DomainSnapshotCreate stores the snapshot with a creation time one minute
// after the previous one and the domain definition embedded, as libvirtd
// does.
func (h *fakeHypervisor) DomainSnapshotCreate(dom libvirt.Domain, xml string) (libvirt.DomainSnapshot, error) {
	if err := h.check("DomainSnapshotCreate"); err != nil {
		return libvirt.DomainSnapshot{}, err
	}
	d, err := h.domain(dom)
	if err != nil {
		return libvirt.DomainSnapshot{}, err
	}

	var def libvirtxml.DomainSnapshot
	if err := def.Unmarshal(xml); err != nil {
		return libvirt.DomainSnapshot{}, failed(err.Error())
	}
	var domDef libvirtxml.Domain
	if err := domDef.Unmarshal(d.xml); err != nil {
		return libvirt.DomainSnapshot{}, failed(err.Error())
	}

	h.clock = h.clock.Add(time.Minute)
	def.CreationTime = strconv.FormatInt(h.clock.Unix(), 10)
	def.State = "shutoff"
	def.Domain = &domDef

	out, err := def.Marshal()
	if err != nil {
		return libvirt.DomainSnapshot{}, failed(err.Error())
	}
	d.snapshots = append(d.snapshots, &fakeSnapshot{name: def.Name, xml: out})
	return libvirt.DomainSnapshot{Name: def.Name, Dom: d.dom}, nil
}

func (h *fakeHypervisor) DomainSnapshotLookup(dom libvirt.Domain, name string) (libvirt.DomainSnapshot, error) {
	snap := libvirt.DomainSnapshot{Name: name, Dom: dom}
	if _, _, err := h.snapshot(snap); err != nil {
		return libvirt.DomainSnapshot{}, err
	}
	return snap, nil
}

func (h *fakeHypervisor) DomainSnapshotRemove(snap libvirt.DomainSnapshot) error {
	if err := h.check("DomainSnapshotRemove"); err != nil {
		return err
	}
	d, i, err := h.snapshot(snap)
	if err != nil {
		return err
	}
	d.snapshots = append(d.snapshots[:i], d.snapshots[i+1:]...)
	return nil
}

// Storage

func (h *fakeHypervisor) StoragePoolLookupByName(name string) (libvirt.StoragePool, error) {
	p, ok := h.pools[name]
	if !ok {
		return libvirt.StoragePool{}, noPool(name)
	}
	return libvirt.StoragePool{Name: p.name, UUID: p.uuid}, nil
}

func (h *fakeHypervisor) StoragePoolGetInfo(pool libvirt.StoragePool) (uint8, uint64, uint64, uint64, error) {
	p, ok := h.pools[pool.Name]
	if !ok {
		return 0, 0, 0, 0, noPool(pool.Name)
	}
	return uint8(libvirt.StoragePoolRunning), p.capacity, p.capacity - p.available, p.available, nil
}

func (h *fakeHypervisor) StoragePoolGetXMLDesc(pool libvirt.StoragePool, flags libvirt.StorageXMLFlags) (string, error) {
	p, ok := h.pools[pool.Name]
	if !ok {
		return "", noPool(pool.Name)
	}
	return fmt.Sprintf(`<pool type="dir"><name>%s</name><target><path>/pools/%s</path></target></pool>`, p.name, p.name), nil
}

func (h *fakeHypervisor) StoragePoolListAllVolumes(pool libvirt.StoragePool, needResults int32, flags uint32) ([]libvirt.StorageVol, uint32, error) {
	p, ok := h.pools[pool.Name]
	if !ok {
		return nil, 0, noPool(pool.Name)
	}
	var out []libvirt.StorageVol
	for name := range p.vols {
		out = append(out, libvirt.StorageVol{Pool: p.name, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, uint32(len(out)), nil
}

func (h *fakeHypervisor) StoragePoolRefresh(pool libvirt.StoragePool, flags uint32) error {
	if err := h.check("StoragePoolRefresh"); err != nil {
		return err
	}
	h.refreshed = append(h.refreshed, pool.Name)
	if _, ok := h.pools[pool.Name]; !ok {
		return noPool(pool.Name)
	}
	return nil
}

func (h *fakeHypervisor) volume(vol libvirt.StorageVol) (*fakeVolume, error) {
	p, ok := h.pools[vol.Pool]
	if !ok {
		return nil, noPool(vol.Pool)
	}
	v, ok := p.vols[vol.Name]
	if !ok {
		return nil, noVolume(vol.Name)
	}
	return v, nil
}

func (h *fakeHypervisor) StorageVolLookupByName(pool libvirt.StoragePool, name string) (libvirt.StorageVol, error) {
	v, err := h.volume(libvirt.StorageVol{Pool: pool.Name, Name: name})
	if err != nil {
		return libvirt.StorageVol{}, err
	}
	return libvirt.StorageVol{Pool: pool.Name, Name: v.name}, nil
}

func (h *fakeHypervisor) StorageVolLookupByPath(path string) (libvirt.StorageVol, error) {
	for _, p := range h.pools {
		for _, v := range p.vols {
			if v.path == path {
				return libvirt.StorageVol{Pool: p.name, Name: v.name}, nil
			}
		}
	}
	return libvirt.StorageVol{}, noVolume(path)
}

func (h *fakeHypervisor) createVolume(pool libvirt.StoragePool, xml string) (*fakeVolume, error) {
	p, ok := h.pools[pool.Name]
	if !ok {
		return nil, noPool(pool.Name)
	}
	var def libvirtxml.StorageVolume
	if err := def.Unmarshal(xml); err != nil {
		return nil, failed(err.Error())
	}
	if _, ok := p.vols[def.Name]; ok {
		return nil, failed("storage volume already exists: " + def.Name)
	}
	var capacity uint64
	if def.Capacity != nil {
		capacity = def.Capacity.Value
	}
	v := &fakeVolume{name: def.Name, path: "/pools/" + p.name + "/" + def.Name, capacity: capacity}
	p.vols[def.Name] = v
	return v, nil
}

func (h *fakeHypervisor) StorageVolCreateXML(pool libvirt.StoragePool, xml string, flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error) {
	v, err := h.createVolume(pool, xml)
	if err != nil {
		return libvirt.StorageVol{}, err
	}
	return libvirt.StorageVol{Pool: pool.Name, Name: v.name}, nil
}

func (h *fakeHypervisor) StorageVolCreateXMLFrom(pool libvirt.StoragePool, xml string, clonevol libvirt.StorageVol, flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error) {
	if err := h.check("StorageVolCreateXMLFrom"); err != nil {
		return libvirt.StorageVol{}, err
	}
	src, err := h.volume(clonevol)
	if err != nil {
		return libvirt.StorageVol{}, err
	}
	v, err := h.createVolume(pool, xml)
	if err != nil {
		return libvirt.StorageVol{}, err
	}
	v.data = append([]byte(nil), src.data...)
	h.copies = append(h.copies, clonevol.Pool+"/"+clonevol.Name+" -> "+pool.Name+"/"+v.name)
	return libvirt.StorageVol{Pool: pool.Name, Name: v.name}, nil
}

func (h *fakeHypervisor) StorageVolDelete(vol libvirt.StorageVol, flags libvirt.StorageVolDeleteFlags) error {
	if _, err := h.volume(vol); err != nil {
		return err
	}
	delete(h.pools[vol.Pool].vols, vol.Name)
	return nil
}

func (h *fakeHypervisor) StorageVolGetPath(vol libvirt.StorageVol) (string, error) {
	v, err := h.volume(vol)
	if err != nil {
		return "", err
	}
	return v.path, nil
}

func (h *fakeHypervisor) StorageVolGetInfo(vol libvirt.StorageVol) (int8, uint64, uint64, error) {
	v, err := h.volume(vol)
	if err != nil {
		return 0, 0, 0, err
	}
	return 0, v.capacity, uint64(len(v.data)), nil
}

func (h *fakeHypervisor) StorageVolUpload(vol libvirt.StorageVol, r io.Reader, offset uint64, length uint64, flags libvirt.StorageVolUploadFlags) error {
	if err := h.check("StorageVolUpload"); err != nil {
		return err
	}
	v, err := h.volume(vol)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	v.data = data
	return nil
}

func (h *fakeHypervisor) StorageVolDownload(vol libvirt.StorageVol, w io.Writer, offset uint64, length uint64, flags libvirt.StorageVolDownloadFlags) error {
	v, err := h.volume(vol)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, bytes.NewReader(v.data))
	return err
}

func (h *fakeHypervisor) ConnectListAllStoragePools(needResults int32, flags libvirt.ConnectListAllStoragePoolsFlags) ([]libvirt.StoragePool, uint32, error) {
	var out []libvirt.StoragePool
	for _, p := range h.pools {
		out = append(out, libvirt.StoragePool{Name: p.name, UUID: p.uuid})
	}
	return out, uint32(len(out)), nil
}

// volumeNames returns the sorted volume names of pool.
func (h *fakeHypervisor) volumeNames(pool string) []string {
	var out []string
	for name := range h.pools[pool].vols {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

var errTransport = errors.New("connection reset by peer")
