// Package platformtest provides an in-memory platform.Session for tests.
//
// Asynchronous platform behaviour is simulated with settle counters: objects
// created or deleted through the fake stay in a transitional status for
// Settle observations before reaching their terminal state.
package platformtest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jbweber/vmbackup/internal/platform"
)

// Call is one recorded invocation.
type Call struct {
	Method string
	Args   []string
}

func (c Call) String() string {
	return c.Method + "(" + strings.Join(c.Args, ", ") + ")"
}

var mutating = map[string]bool{
	"DeleteVM":       true,
	"CreateSnapshot": true,
	"DeleteSnapshot": true,
	"CloneVM":        true,
	"ExportVM":       true,
	"DeleteBackup":   true,
}

// IsMutating reports whether method changes remote state.
func IsMutating(method string) bool {
	return mutating[method]
}

type vmState struct {
	vm      platform.VM
	source  string
	pending int
	deleted bool
}

type snapState struct {
	snap    platform.Snapshot
	pending int
	deleted bool
}

// Fake is an in-memory Session. The zero value is not usable; call New.
type Fake struct {
	mu sync.Mutex

	// Settle is how many observations a transitional object survives.
	Settle int
	// Now stamps snapshots and exported backups.
	Now func() time.Time

	vms       map[string]*vmState
	vmOrder   []string
	snapshots map[string][]*snapState
	domains   map[string]platform.StorageDomain
	clusters  map[string]bool
	backups   map[string][]platform.BackupImage
	failures  map[string][]error
	nextID    int
	closed    bool

	calls []Call
}

// New returns an empty fake with Settle set to 1.
func New() *Fake {
	return &Fake{
		Settle:    1,
		Now:       time.Now,
		vms:       make(map[string]*vmState),
		snapshots: make(map[string][]*snapState),
		domains:   make(map[string]platform.StorageDomain),
		clusters:  make(map[string]bool),
		backups:   make(map[string][]platform.BackupImage),
		failures:  make(map[string][]error),
	}
}

// AddVM registers a VM in the down state unless vm.Status is set.
func (f *Fake) AddVM(vm platform.VM) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if vm.Status == "" {
		vm.Status = platform.VMStatusDown
	}
	if vm.ID == "" {
		vm.ID = f.newID("vm")
	}
	f.vms[vm.Name] = &vmState{vm: vm}
	f.appendOrder(vm.Name)
}

// AddSnapshot registers a snapshot on vmName.
func (f *Fake) AddSnapshot(vmName string, snap platform.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if snap.ID == "" {
		snap.ID = f.newID("snap")
	}
	if snap.Status == "" {
		snap.Status = platform.SnapshotStatusOK
	}
	f.snapshots[vmName] = append(f.snapshots[vmName], &snapState{snap: snap})
}

// AddStorageDomain registers a storage or export domain.
func (f *Fake) AddStorageDomain(sd platform.StorageDomain) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.domains[sd.Name] = sd
}

// AddCluster registers a cluster name.
func (f *Fake) AddCluster(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clusters[name] = true
}

// AddBackup registers an existing backup image on exportDomain.
func (f *Fake) AddBackup(exportDomain string, img platform.BackupImage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backups[exportDomain] = append(f.backups[exportDomain], img)
}

// FailNext queues errors returned by the next calls of method, one per call.
func (f *Fake) FailNext(method string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = append(f.failures[method], errs...)
}

// Calls returns a copy of all recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsTo returns the recorded calls of method.
func (f *Fake) CallsTo(method string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// MutatingCalls returns the recorded calls that change remote state.
func (f *Fake) MutatingCalls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if IsMutating(c.Method) {
			out = append(out, c)
		}
	}
	return out
}

// VMNames returns the names of all live VMs in creation order.
func (f *Fake) VMNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, name := range f.vmOrder {
		if st, ok := f.vms[name]; ok && !st.deleted {
			out = append(out, name)
		}
	}
	return out
}

// SnapshotCount returns the number of live snapshots on vmName.
func (f *Fake) SnapshotCount(vmName string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.snapshots[vmName] {
		if !s.deleted {
			n++
		}
	}
	return n
}

// Backups returns the backup images on exportDomain sorted by name.
func (f *Fake) Backups(exportDomain string) []platform.BackupImage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]platform.BackupImage(nil), f.backups[exportDomain]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Fake) appendOrder(name string) {
	for _, n := range f.vmOrder {
		if n == name {
			return
		}
	}
	f.vmOrder = append(f.vmOrder, name)
}

func (f *Fake) newID(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

// record logs the call and pops a queued failure. Callers hold f.mu.
func (f *Fake) record(method string, args ...string) error {
	f.calls = append(f.calls, Call{Method: method, Args: args})
	if q := f.failures[method]; len(q) > 0 {
		f.failures[method] = q[1:]
		return q[0]
	}
	return nil
}

// observeVM advances the settle counter of a VM and drops deleted VMs
// whose deletion finished. Callers hold f.mu.
func (f *Fake) observeVM(name string) *vmState {
	st, ok := f.vms[name]
	if !ok {
		return nil
	}
	if st.pending > 0 {
		st.pending--
		if st.pending == 0 {
			if st.deleted {
				delete(f.vms, name)
				return nil
			}
			st.vm.Status = platform.VMStatusDown
		}
		return st
	}
	if st.deleted {
		delete(f.vms, name)
		return nil
	}
	return st
}

func (f *Fake) ListVMs(_ context.Context, query platform.VMQuery) ([]platform.VM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListVMs", query.NamePrefix, query.Tag, fmt.Sprint(query.All)); err != nil {
		return nil, err
	}
	var out []platform.VM
	for _, name := range f.vmOrder {
		st := f.observeVM(name)
		if st == nil {
			continue
		}
		if query.Matches(&st.vm) {
			out = append(out, st.vm)
		}
	}
	return out, nil
}

func (f *Fake) GetVM(_ context.Context, name string) (*platform.VM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetVM", name); err != nil {
		return nil, err
	}
	st := f.observeVM(name)
	if st == nil {
		return nil, nil
	}
	vm := st.vm
	return &vm, nil
}

func (f *Fake) DeleteVM(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteVM", name); err != nil {
		return err
	}
	st, ok := f.vms[name]
	if !ok || st.deleted {
		return platform.Wrap(platform.ErrNotFound, "delete vm", fmt.Errorf("vm %q", name))
	}
	st.deleted = true
	st.pending = f.Settle
	return nil
}

func (f *Fake) ListSnapshots(_ context.Context, vmName, description string) ([]platform.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListSnapshots", vmName, description); err != nil {
		return nil, err
	}
	var out []platform.Snapshot
	live := f.snapshots[vmName][:0]
	for _, s := range f.snapshots[vmName] {
		if s.pending > 0 {
			s.pending--
			if s.pending == 0 {
				if s.deleted {
					continue
				}
				s.snap.Status = platform.SnapshotStatusOK
			}
		} else if s.deleted {
			continue
		}
		live = append(live, s)
		if s.snap.Description == description {
			out = append(out, s.snap)
		}
	}
	f.snapshots[vmName] = live
	return out, nil
}

func (f *Fake) CreateSnapshot(_ context.Context, vmName string, spec platform.SnapshotSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateSnapshot", vmName, spec.Description, fmt.Sprint(spec.PersistMemory)); err != nil {
		return err
	}
	if _, ok := f.vms[vmName]; !ok {
		return platform.Wrap(platform.ErrNotFound, "create snapshot", fmt.Errorf("vm %q", vmName))
	}
	status := platform.SnapshotStatusOK
	if f.Settle > 0 {
		status = platform.SnapshotStatusLocked
	}
	f.snapshots[vmName] = append(f.snapshots[vmName], &snapState{
		snap: platform.Snapshot{
			ID:          f.newID("snap"),
			Description: spec.Description,
			CreatedAt:   f.Now(),
			Status:      status,
		},
		pending: f.Settle,
	})
	return nil
}

func (f *Fake) DeleteSnapshot(_ context.Context, vmName, snapshotID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteSnapshot", vmName, snapshotID); err != nil {
		return err
	}
	for _, s := range f.snapshots[vmName] {
		if s.snap.ID == snapshotID && !s.deleted {
			s.deleted = true
			s.pending = f.Settle
			s.snap.Status = platform.SnapshotStatusLocked
			return nil
		}
	}
	return platform.Wrap(platform.ErrNotFound, "delete snapshot", fmt.Errorf("snapshot %q", snapshotID))
}

func (f *Fake) CloneVM(_ context.Context, spec platform.CloneSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CloneVM", spec.Name, spec.SourceVM, spec.SnapshotID); err != nil {
		return err
	}
	src, ok := f.vms[spec.SourceVM]
	if !ok {
		return platform.Wrap(platform.ErrNotFound, "clone vm", fmt.Errorf("vm %q", spec.SourceVM))
	}
	found := false
	for _, s := range f.snapshots[spec.SourceVM] {
		if s.snap.ID == spec.SnapshotID && !s.deleted {
			found = true
		}
	}
	if !found {
		return platform.Wrap(platform.ErrNotFound, "clone vm", fmt.Errorf("snapshot %q", spec.SnapshotID))
	}
	if _, exists := f.vms[spec.Name]; exists {
		return platform.Wrap(platform.ErrRequestRejected, "clone vm", fmt.Errorf("vm %q already exists", spec.Name))
	}
	st := &vmState{
		vm: platform.VM{
			ID:          f.newID("vm"),
			Name:        spec.Name,
			MemoryBytes: spec.MemoryBytes,
			Disks:       append([]platform.Disk(nil), src.vm.Disks...),
			Status:      platform.VMStatusDown,
		},
		source:  spec.SourceVM,
		pending: f.Settle,
	}
	if f.Settle > 0 {
		st.vm.Status = platform.VMStatusImageLocked
	}
	f.vms[spec.Name] = st
	f.appendOrder(spec.Name)
	return nil
}

func (f *Fake) ExportVM(_ context.Context, vmName, exportDomain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ExportVM", vmName, exportDomain); err != nil {
		return err
	}
	st, ok := f.vms[vmName]
	if !ok {
		return platform.Wrap(platform.ErrNotFound, "export vm", fmt.Errorf("vm %q", vmName))
	}
	if _, ok := f.domains[exportDomain]; !ok {
		return platform.Wrap(platform.ErrNotFound, "export vm", fmt.Errorf("storage domain %q", exportDomain))
	}
	if f.Settle > 0 {
		st.vm.Status = platform.VMStatusImageLocked
		st.pending = f.Settle
	}
	f.backups[exportDomain] = append(f.backups[exportDomain], platform.BackupImage{
		Name:      vmName,
		SourceVM:  st.source,
		CreatedAt: f.Now(),
		SizeBytes: st.vm.DiskBytes(),
	})
	return nil
}

func (f *Fake) GetStorageDomain(_ context.Context, name string) (*platform.StorageDomain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetStorageDomain", name); err != nil {
		return nil, err
	}
	sd, ok := f.domains[name]
	if !ok {
		return nil, nil
	}
	return &sd, nil
}

func (f *Fake) GetCluster(_ context.Context, name string) (*platform.Cluster, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetCluster", name); err != nil {
		return nil, err
	}
	if !f.clusters[name] {
		return nil, nil
	}
	return &platform.Cluster{Name: name}, nil
}

func (f *Fake) ListBackups(_ context.Context, exportDomain, namePrefix string) ([]platform.BackupImage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListBackups", exportDomain, namePrefix); err != nil {
		return nil, err
	}
	var out []platform.BackupImage
	for _, img := range f.backups[exportDomain] {
		if strings.HasPrefix(img.Name, namePrefix) {
			out = append(out, img)
		}
	}
	return out, nil
}

func (f *Fake) GetBackup(_ context.Context, exportDomain, name string) (*platform.BackupImage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetBackup", exportDomain, name); err != nil {
		return nil, err
	}
	for _, img := range f.backups[exportDomain] {
		if img.Name == name {
			img := img
			return &img, nil
		}
	}
	return nil, nil
}

func (f *Fake) DeleteBackup(_ context.Context, exportDomain, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteBackup", exportDomain, name); err != nil {
		return err
	}
	imgs := f.backups[exportDomain]
	for i, img := range imgs {
		if img.Name == name {
			f.backups[exportDomain] = append(imgs[:i:i], imgs[i+1:]...)
			return nil
		}
	}
	return platform.Wrap(platform.ErrNotFound, "delete backup", fmt.Errorf("backup %q", name))
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

var _ platform.Session = (*Fake)(nil)
