package storage

import (
	"fmt"
	"io"
	"strings"

	"github.com/digitalocean/go-libvirt"
)

// mockLibvirtClient is a mock implementation of LibvirtClient for testing.
type mockLibvirtClient struct {
	pools   map[string]*mockPool
	volumes map[string]map[string]*mockVolume // pool name -> volume name -> volume

	// copies records clone requests as "srcPool/srcVol -> dstPool/dstVol".
	copies []string
}

type mockPool struct {
	name      string
	uuid      libvirt.UUID
	state     libvirt.StoragePoolState
	capacity  uint64
	allocated uint64
	available uint64
	xmlDesc   string
}

type mockVolume struct {
	name      string
	path      string
	capacity  uint64
	allocated uint64
	data      []byte
}

func newMockLibvirtClient() *mockLibvirtClient {
	return &mockLibvirtClient{
		pools:   make(map[string]*mockPool),
		volumes: make(map[string]map[string]*mockVolume),
	}
}

// addPool registers a running dir pool rooted at /pools/{name}.
func (m *mockLibvirtClient) addPool(name string, capacity, available uint64) {
	var uuid libvirt.UUID
	copy(uuid[:], name)
	m.pools[name] = &mockPool{
		name:      name,
		uuid:      uuid,
		state:     libvirt.StoragePoolRunning,
		capacity:  capacity,
		allocated: capacity - available,
		available: available,
		xmlDesc:   fmt.Sprintf(`<pool type="dir"><name>%s</name><target><path>/pools/%s</path></target></pool>`, name, name),
	}
	m.volumes[name] = make(map[string]*mockVolume)
}

// addVolume registers a volume with the given capacity.
func (m *mockLibvirtClient) addVolume(pool, name string, capacity uint64) {
	m.volumes[pool][name] = &mockVolume{
		name:     name,
		path:     "/pools/" + pool + "/" + name,
		capacity: capacity,
	}
}

func noPool(name string) error {
	return libvirt.Error{Code: uint32(libvirt.ErrNoStoragePool), Message: "storage pool not found: " + name}
}

func noVolume(name string) error {
	return libvirt.Error{Code: uint32(libvirt.ErrNoStorageVol), Message: "storage volume not found: " + name}
}

func (m *mockLibvirtClient) StoragePoolLookupByName(name string) (libvirt.StoragePool, error) {
	pool, ok := m.pools[name]
	if !ok {
		return libvirt.StoragePool{}, noPool(name)
	}
	return libvirt.StoragePool{
		Name: pool.name,
		UUID: pool.uuid,
	}, nil
}

func (m *mockLibvirtClient) StoragePoolGetInfo(pool libvirt.StoragePool) (rState uint8, rCapacity uint64, rAllocation uint64, rAvailable uint64, err error) {
	p, ok := m.pools[pool.Name]
	if !ok {
		return 0, 0, 0, 0, noPool(pool.Name)
	}
	return uint8(p.state), p.capacity, p.allocated, p.available, nil
}

func (m *mockLibvirtClient) StoragePoolGetXMLDesc(pool libvirt.StoragePool, flags libvirt.StorageXMLFlags) (string, error) {
	p, ok := m.pools[pool.Name]
	if !ok {
		return "", noPool(pool.Name)
	}
	return p.xmlDesc, nil
}

func (m *mockLibvirtClient) StoragePoolListAllVolumes(pool libvirt.StoragePool, needResults int32, flags uint32) ([]libvirt.StorageVol, uint32, error) {
	vols, ok := m.volumes[pool.Name]
	if !ok {
		return nil, 0, noPool(pool.Name)
	}

	var result []libvirt.StorageVol
	for name := range vols {
		result = append(result, libvirt.StorageVol{
			Pool: pool.Name,
			Name: name,
		})
	}

	return result, uint32(len(result)), nil
}

func (m *mockLibvirtClient) StoragePoolRefresh(pool libvirt.StoragePool, flags uint32) error {
	if _, ok := m.pools[pool.Name]; !ok {
		return noPool(pool.Name)
	}
	return nil
}

func (m *mockLibvirtClient) StorageVolLookupByName(pool libvirt.StoragePool, name string) (libvirt.StorageVol, error) {
	vols, ok := m.volumes[pool.Name]
	if !ok {
		return libvirt.StorageVol{}, noPool(pool.Name)
	}

	vol, ok := vols[name]
	if !ok {
		return libvirt.StorageVol{}, noVolume(name)
	}

	return libvirt.StorageVol{
		Pool: pool.Name,
		Name: vol.name,
	}, nil
}

func (m *mockLibvirtClient) StorageVolLookupByPath(path string) (libvirt.StorageVol, error) {
	for poolName, vols := range m.volumes {
		for _, vol := range vols {
			if vol.path == path {
				return libvirt.StorageVol{Pool: poolName, Name: vol.name}, nil
			}
		}
	}
	return libvirt.StorageVol{}, noVolume(path)
}

func (m *mockLibvirtClient) createVolume(pool libvirt.StoragePool, xml string) (*mockVolume, error) {
	vols, ok := m.volumes[pool.Name]
	if !ok {
		return nil, noPool(pool.Name)
	}

	name := extractTagValue(xml, "name")
	if name == "" {
		return nil, fmt.Errorf("invalid volume XML: missing name")
	}
	if _, ok := vols[name]; ok {
		return nil, fmt.Errorf("storage volume already exists: %s", name)
	}

	var capacity uint64
	_, _ = fmt.Sscanf(extractTagValueWithAttrs(xml, "capacity"), "%d", &capacity)
	vol := &mockVolume{
		name:     name,
		path:     "/pools/" + pool.Name + "/" + name,
		capacity: capacity,
	}
	vols[name] = vol
	return vol, nil
}

func (m *mockLibvirtClient) StorageVolCreateXML(pool libvirt.StoragePool, xml string, flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error) {
	vol, err := m.createVolume(pool, xml)
	if err != nil {
		return libvirt.StorageVol{}, err
	}
	return libvirt.StorageVol{Pool: pool.Name, Name: vol.name}, nil
}

func (m *mockLibvirtClient) StorageVolCreateXMLFrom(pool libvirt.StoragePool, xml string, clonevol libvirt.StorageVol, flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error) {
	src, ok := m.volumes[clonevol.Pool][clonevol.Name]
	if !ok {
		return libvirt.StorageVol{}, noVolume(clonevol.Name)
	}
	vol, err := m.createVolume(pool, xml)
	if err != nil {
		return libvirt.StorageVol{}, err
	}
	vol.data = append([]byte(nil), src.data...)
	vol.allocated = src.allocated
	m.copies = append(m.copies, clonevol.Pool+"/"+clonevol.Name+" -> "+pool.Name+"/"+vol.name)
	return libvirt.StorageVol{Pool: pool.Name, Name: vol.name}, nil
}

func (m *mockLibvirtClient) StorageVolDelete(vol libvirt.StorageVol, flags libvirt.StorageVolDeleteFlags) error {
	vols, ok := m.volumes[vol.Pool]
	if !ok {
		return noPool(vol.Pool)
	}

	if _, ok := vols[vol.Name]; !ok {
		return noVolume(vol.Name)
	}

	delete(vols, vol.Name)
	return nil
}

func (m *mockLibvirtClient) StorageVolGetPath(vol libvirt.StorageVol) (string, error) {
	v, ok := m.volumes[vol.Pool][vol.Name]
	if !ok {
		return "", noVolume(vol.Name)
	}
	return v.path, nil
}

func (m *mockLibvirtClient) StorageVolGetInfo(vol libvirt.StorageVol) (rType int8, rCapacity uint64, rAllocation uint64, err error) {
	v, ok := m.volumes[vol.Pool][vol.Name]
	if !ok {
		return 0, 0, 0, noVolume(vol.Name)
	}
	return 0, v.capacity, v.allocated, nil
}

func (m *mockLibvirtClient) StorageVolUpload(vol libvirt.StorageVol, reader io.Reader, offset uint64, length uint64, flags libvirt.StorageVolUploadFlags) error {
	v, ok := m.volumes[vol.Pool][vol.Name]
	if !ok {
		return noVolume(vol.Name)
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("failed to read data: %w", err)
	}

	v.data = data
	v.allocated = uint64(len(data))
	return nil
}

func (m *mockLibvirtClient) StorageVolDownload(vol libvirt.StorageVol, writer io.Writer, offset uint64, length uint64, flags libvirt.StorageVolDownloadFlags) error {
	v, ok := m.volumes[vol.Pool][vol.Name]
	if !ok {
		return noVolume(vol.Name)
	}
	_, err := writer.Write(v.data)
	return err
}

func (m *mockLibvirtClient) ConnectListAllStoragePools(needResults int32, flags libvirt.ConnectListAllStoragePoolsFlags) ([]libvirt.StoragePool, uint32, error) {
	var result []libvirt.StoragePool
	for name, pool := range m.pools {
		result = append(result, libvirt.StoragePool{
			Name: name,
			UUID: pool.uuid,
		})
	}
	return result, uint32(len(result)), nil
}

// Helper function to extract tag value from XML
func extractTagValue(xml, tag string) string {
	start := strings.Index(xml, "<"+tag+">")
	if start == -1 {
		return ""
	}
	start += len(tag) + 2
	end := strings.Index(xml[start:], "</"+tag+">")
	if end == -1 {
		return ""
	}
	return xml[start : start+end]
}

// extractTagValueWithAttrs is extractTagValue for elements carrying
// attributes, such as <capacity unit="bytes">.
func extractTagValueWithAttrs(xml, tag string) string {
	start := strings.Index(xml, "<"+tag+" ")
	if start == -1 {
		return extractTagValue(xml, tag)
	}
	open := strings.Index(xml[start:], ">")
	if open == -1 {
		return ""
	}
	start += open + 1
	end := strings.Index(xml[start:], "</"+tag+">")
	if end == -1 {
		return ""
	}
	return xml[start : start+end]
}
