package registry

import (
	"bytes"
	"log/slog"
	"sort"
	"time"

	"github.com/collabvm/collabvm-server/pkg/channel"
	"github.com/collabvm/collabvm-server/pkg/executor"
	"github.com/collabvm/collabvm-server/pkg/protocol"
	"github.com/collabvm/collabvm-server/pkg/recording"
)

// UpdateInterval is how often the registry refreshes VM info and
// thumbnails for list viewers.
const UpdateInterval = 10 * time.Second

// Store persists VM settings and the recording index.
type Store interface {
	CreateVM(settings []protocol.VMSetting) (uint32, error)
	UpdateVMSettings(id uint32, settings []protocol.VMSetting) error
	DeleteVM(id uint32) error
	AddRecording(vmID uint32, path string, startMs, stopMs uint64) error
}

// Registry owns the VM map and the list/thumbnail broadcast state. All
// methods must run inside the registry's executor unless noted.
type Registry struct {
	exec   *executor.Executor
	logger *slog.Logger
	store  Store

	recordingsDir    string
	agentFactory     AgentFactory
	onRecordingBytes func(n int)

	vms map[uint32]*VM

	// Viewer sets: sessions watching the public VM list and admins
	// watching the admin list.
	listViewers  map[channel.Sender]struct{}
	adminViewers map[channel.Sender]struct{}

	// Bulk update state. A nonzero pending count means a tick is in
	// flight; single-VM updates patch into collected until it completes.
	pending    int
	collected  map[uint32]Info
	thumbnails map[uint32][]byte

	ticker *time.Ticker
	stopCh chan struct{}
}

// New creates a registry with its own executor. onRecordingBytes, when not
// nil, observes the size of every frame the VMs' recorders append.
func New(store Store, recordingsDir string, factory AgentFactory, onRecordingBytes func(n int), logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		exec:             executor.New("vm-registry", logger),
		logger:           logger.With("component", "registry"),
		store:            store,
		recordingsDir:    recordingsDir,
		agentFactory:     factory,
		onRecordingBytes: onRecordingBytes,
		vms:              make(map[uint32]*VM),
		listViewers:      make(map[channel.Sender]struct{}),
		adminViewers:     make(map[channel.Sender]struct{}),
		collected:        make(map[uint32]Info),
		thumbnails:       make(map[uint32][]byte),
		stopCh:           make(chan struct{}),
	}
}

// Dispatch enqueues a task on the registry owner. Safe from any goroutine.
func (r *Registry) Dispatch(task func()) {
	r.exec.Dispatch(task)
}

// StartTicker begins the periodic bulk update. Safe from any goroutine.
func (r *Registry) StartTicker() {
	r.ticker = time.NewTicker(UpdateInterval)
	go func() {
		for {
			select {
			case <-r.ticker.C:
				r.exec.Dispatch(r.beginBulkUpdate)
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Close stops the ticker, every VM, and the registry executor.
func (r *Registry) Close() {
	if r.ticker != nil {
		r.ticker.Stop()
	}
	close(r.stopCh)
	r.exec.Dispatch(func() {
		for _, vm := range r.vms {
			vm.Close()
		}
	})
	r.exec.Close()
}

// Get looks up a VM by id.
func (r *Registry) Get(id uint32) (*VM, bool) {
	vm, ok := r.vms[id]
	return vm, ok
}

// ForEach visits every VM.
func (r *Registry) ForEach(fn func(*VM)) {
	for _, vm := range r.vms {
		fn(vm)
	}
}

// AddExisting registers a VM loaded from the database at startup.
func (r *Registry) AddExisting(id uint32, settings []protocol.VMSetting) *VM {
	vm := r.newVM(id, settings)
	r.vms[id] = vm
	return vm
}

// Create persists a new VM and registers it.
func (r *Registry) Create(settings []protocol.VMSetting) (*VM, error) {
	merged, err := protocol.MergeVMSettings(protocol.DefaultVMSettings(), settings)
	if err != nil {
		return nil, err
	}
	id, err := r.store.CreateVM(merged)
	if err != nil {
		return nil, err
	}
	vm := r.newVM(id, merged)
	r.vms[id] = vm
	return vm, nil
}

func (r *Registry) newVM(id uint32, settings []protocol.VMSetting) *VM {
	vm := NewVM(id, settings, r.recordingsDir, r.agentFactory,
		func(vmID uint32, path string, header recording.Header) {
			// Invoked on the VM owner; the store call is its own hop.
			r.exec.Dispatch(func() {
				if err := r.store.AddRecording(vmID, path, header.StartTime, header.StopTime); err != nil {
					r.logger.Error("index recording", "vm", vmID, "path", path, "error", err)
				}
			})
		}, r.logger)
	vm.recorder.ObserveBytes(r.onRecordingBytes)
	return vm
}

// Delete stops a VM, clears its channel, purges it from the registry, and
// drops the database row.
func (r *Registry) Delete(id uint32) error {
	vm, ok := r.vms[id]
	if !ok {
		return nil
	}
	delete(r.vms, id)
	delete(r.thumbnails, id)
	delete(r.collected, id)
	vm.Dispatch(func() {
		vm.Channel.Clear()
	})
	vm.Close()
	if err := r.store.DeleteVM(id); err != nil {
		return err
	}
	r.broadcastLists(nil)
	return nil
}

// UpdateSettings persists and applies a settings change, then refreshes
// this VM's list entries.
func (r *Registry) UpdateSettings(id uint32, mods []protocol.VMSetting) error {
	vm, ok := r.vms[id]
	if !ok {
		return nil
	}
	for _, mod := range mods {
		if err := protocol.ValidateVMSetting(mod); err != nil {
			return err
		}
	}
	type result struct {
		err      error
		snapshot []protocol.VMSetting
	}
	done := make(chan result, 1)
	vm.Dispatch(func() {
		err := vm.UpdateSettings(mods)
		done <- result{err: err, snapshot: vm.Settings()}
	})
	res := <-done
	if res.err != nil {
		return res.err
	}
	if err := r.store.UpdateVMSettings(id, res.snapshot); err != nil {
		return err
	}
	r.updateOne(id)
	return nil
}

// AddListViewer subscribes a session to public list updates and sends the
// current list and thumbnails immediately.
func (r *Registry) AddListViewer(s channel.Sender) {
	r.listViewers[s] = struct{}{}
	publicList, _ := r.buildLists()
	s.QueueMessage(publicList)
	for vmID, png := range r.thumbnails {
		s.QueueMessage(protocol.EncodeVMThumbnail(vmID, png))
	}
}

// RemoveListViewer unsubscribes a session.
func (r *Registry) RemoveListViewer(s channel.Sender) {
	delete(r.listViewers, s)
}

// AddAdminViewer subscribes an admin to admin list updates.
func (r *Registry) AddAdminViewer(s channel.Sender) {
	r.adminViewers[s] = struct{}{}
	_, adminList := r.buildLists()
	s.QueueMessage(adminList)
}

// RemoveAdminViewer unsubscribes an admin.
func (r *Registry) RemoveAdminViewer(s channel.Sender) {
	delete(r.adminViewers, s)
}

// RemoveViewer drops a session from both viewer sets.
func (r *Registry) RemoveViewer(s channel.Sender) {
	delete(r.listViewers, s)
	delete(r.adminViewers, s)
}

// beginBulkUpdate asks every VM for fresh info. Responses hop back to the
// registry owner; when the last arrives the lists rebroadcast atomically.
func (r *Registry) beginBulkUpdate() {
	if r.pending > 0 || len(r.vms) == 0 {
		return
	}
	r.pending = len(r.vms)
	for id, vm := range r.vms {
		id, vm := id, vm
		vm.Dispatch(func() {
			info := vm.BuildInfo()
			r.exec.Dispatch(func() {
				r.collect(id, info)
			})
		})
	}
}

func (r *Registry) collect(id uint32, info Info) {
	if r.pending == 0 {
		return
	}
	// The VM may have been deleted between hops.
	if _, ok := r.vms[id]; ok {
		r.collected[id] = info
	}
	r.pending--
	if r.pending > 0 {
		return
	}

	var changed []uint32
	for vmID, collected := range r.collected {
		if collected.Thumbnail == nil {
			continue
		}
		if !bytes.Equal(r.thumbnails[vmID], collected.Thumbnail) {
			r.thumbnails[vmID] = collected.Thumbnail
			changed = append(changed, vmID)
		}
	}
	r.broadcastLists(changed)
}

// updateOne patches a single VM's entry, joining an in-flight bulk update
// if one is pending.
func (r *Registry) updateOne(id uint32) {
	vm, ok := r.vms[id]
	if !ok {
		return
	}
	vm.Dispatch(func() {
		info := vm.BuildInfo()
		r.exec.Dispatch(func() {
			if r.pending > 0 {
				// Replaces this VM's entry in the in-flight bulk update.
				r.collected[id] = info
				return
			}
			r.collected[id] = info
			if info.Thumbnail != nil && !bytes.Equal(r.thumbnails[id], info.Thumbnail) {
				r.thumbnails[id] = info.Thumbnail
				r.broadcastLists([]uint32{id})
				return
			}
			r.broadcastLists(nil)
		})
	})
}

// buildLists renders the public and admin list messages from the collected
// info, ordered by VM id.
func (r *Registry) buildLists() (publicList, adminList []byte) {
	ids := make([]uint32, 0, len(r.collected))
	for id := range r.collected {
		if _, ok := r.vms[id]; ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var public []protocol.VMInfo
	var admin []protocol.AdminVMInfo
	for _, id := range ids {
		info := r.collected[id]
		admin = append(admin, info.Admin)
		if info.Public != nil {
			public = append(public, *info.Public)
		}
	}
	return protocol.EncodeVMList(public), protocol.EncodeAdminVMList(admin)
}

func (r *Registry) broadcastLists(changedThumbnails []uint32) {
	publicList, adminList := r.buildLists()

	var thumbMsgs [][]byte
	for _, id := range changedThumbnails {
		thumbMsgs = append(thumbMsgs, protocol.EncodeVMThumbnail(id, r.thumbnails[id]))
	}

	for viewer := range r.listViewers {
		viewer.QueueMessage(publicList)
		for _, msg := range thumbMsgs {
			viewer.QueueMessage(msg)
		}
	}
	for viewer := range r.adminViewers {
		viewer.QueueMessage(adminList)
	}
}
