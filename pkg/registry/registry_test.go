package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/collabvm/collabvm-server/pkg/channel"
	"github.com/collabvm/collabvm-server/pkg/guac"
	"github.com/collabvm/collabvm-server/pkg/protocol"
)

type fakeStore struct {
	mu      sync.Mutex
	nextID  uint32
	created map[uint32][]protocol.VMSetting
	updated map[uint32][]protocol.VMSetting
	deleted []uint32
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nextID:  100,
		created: make(map[uint32][]protocol.VMSetting),
		updated: make(map[uint32][]protocol.VMSetting),
	}
}

func (s *fakeStore) CreateVM(settings []protocol.VMSetting) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.created[s.nextID] = settings
	return s.nextID, nil
}

func (s *fakeStore) UpdateVMSettings(id uint32, settings []protocol.VMSetting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updated[id] = settings
	return nil
}

func (s *fakeStore) DeleteVM(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *fakeStore) AddRecording(uint32, string, uint64, uint64) error { return nil }

type fakeViewer struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (f *fakeViewer) QueueMessage(msg []byte) {
	f.mu.Lock()
	f.msgs = append(f.msgs, msg)
	f.mu.Unlock()
}

func (f *fakeViewer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func (f *fakeViewer) tagAt(i int) protocol.ServerTag {
	f.mu.Lock()
	defer f.mu.Unlock()
	return protocol.ServerTag(f.msgs[i][0])
}

type fakeAgent struct {
	mu     sync.Mutex
	sent   []guac.Instruction
	closed bool
}

func (a *fakeAgent) Send(instr guac.Instruction) error {
	a.mu.Lock()
	a.sent = append(a.sent, instr)
	a.mu.Unlock()
	return nil
}

func (a *fakeAgent) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	return nil
}

func (a *fakeAgent) sentCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sent)
}

func agentFactory(agent *fakeAgent, recvOut *func(guac.Instruction)) AgentFactory {
	return func(vmID uint32, address string, recv func(guac.Instruction)) (Agent, error) {
		if recvOut != nil {
			*recvOut = recv
		}
		return agent, nil
	}
}

// onOwner runs f on the registry owner and waits for it.
func onOwner(t *testing.T, r *Registry, f func()) {
	t.Helper()
	done := make(chan struct{})
	r.Dispatch(func() {
		f()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("registry task never ran")
	}
}

// onVM runs f on the VM owner and waits for it.
func onVM(t *testing.T, vm *VM, f func()) {
	t.Helper()
	done := make(chan struct{})
	vm.Dispatch(func() {
		f()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("vm task never ran")
	}
}

func newTestRegistry(t *testing.T, store *fakeStore, factory AgentFactory) *Registry {
	t.Helper()
	r := New(store, t.TempDir(), factory, nil, nil)
	t.Cleanup(r.Close)
	return r
}

func TestCreateAssignsStoreID(t *testing.T) {
	store := newFakeStore()
	r := newTestRegistry(t, store, agentFactory(&fakeAgent{}, nil))

	var vm *VM
	var err error
	onOwner(t, r, func() {
		vm, err = r.Create([]protocol.VMSetting{{Kind: protocol.VMSettingName, Name: "win98"}})
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if vm.ID != 101 {
		t.Fatalf("id = %d, want 101", vm.ID)
	}

	onOwner(t, r, func() {
		if got, ok := r.Get(vm.ID); !ok || got != vm {
			t.Errorf("Get(%d) = %v, %v", vm.ID, got, ok)
		}
	})

	// The store receives the full slot-per-kind list, not just the mods.
	if got := store.created[vm.ID]; len(got) != protocol.VMSettingCount {
		t.Fatalf("stored %d settings, want %d", len(got), protocol.VMSettingCount)
	} else if got[protocol.VMSettingName].Name != "win98" {
		t.Fatalf("stored name = %q, want win98", got[protocol.VMSettingName].Name)
	}
}

func TestCreateRejectsInvalidSettings(t *testing.T) {
	store := newFakeStore()
	r := newTestRegistry(t, store, agentFactory(&fakeAgent{}, nil))

	var err error
	onOwner(t, r, func() {
		_, err = r.Create([]protocol.VMSetting{{Kind: protocol.VMSettingTurnTime, TurnTime: 0}})
	})
	if !errors.Is(err, protocol.ErrInvalidTurnTime) {
		t.Fatalf("err = %v, want ErrInvalidTurnTime", err)
	}
	if len(store.created) != 0 {
		t.Fatal("invalid VM reached the store")
	}
}

func TestDeletePurgesVMAndDropsRow(t *testing.T) {
	store := newFakeStore()
	r := newTestRegistry(t, store, agentFactory(&fakeAgent{}, nil))

	var vm *VM
	onOwner(t, r, func() {
		vm, _ = r.Create(nil)
	})

	onOwner(t, r, func() {
		if err := r.Delete(vm.ID); err != nil {
			t.Errorf("Delete: %v", err)
		}
		if _, ok := r.Get(vm.ID); ok {
			t.Error("deleted VM still registered")
		}
	})
	if len(store.deleted) != 1 || store.deleted[0] != vm.ID {
		t.Fatalf("store deletions = %v, want [%d]", store.deleted, vm.ID)
	}

	// Deleting an unknown id touches nothing.
	onOwner(t, r, func() {
		if err := r.Delete(9999); err != nil {
			t.Errorf("Delete unknown: %v", err)
		}
	})
	if len(store.deleted) != 1 {
		t.Fatalf("store deletions = %v after unknown delete", store.deleted)
	}
}

func TestUpdateSettingsPersistsMergedSnapshot(t *testing.T) {
	store := newFakeStore()
	r := newTestRegistry(t, store, agentFactory(&fakeAgent{}, nil))

	var vm *VM
	onOwner(t, r, func() {
		vm, _ = r.Create([]protocol.VMSetting{{Kind: protocol.VMSettingName, Name: "old"}})
	})

	onOwner(t, r, func() {
		err := r.UpdateSettings(vm.ID, []protocol.VMSetting{
			{Kind: protocol.VMSettingName, Name: "new"},
		})
		if err != nil {
			t.Errorf("UpdateSettings: %v", err)
		}
	})

	store.mu.Lock()
	snapshot := store.updated[vm.ID]
	store.mu.Unlock()
	if len(snapshot) != protocol.VMSettingCount {
		t.Fatalf("snapshot has %d settings, want %d", len(snapshot), protocol.VMSettingCount)
	}
	if snapshot[protocol.VMSettingName].Name != "new" {
		t.Fatalf("snapshot name = %q, want new", snapshot[protocol.VMSettingName].Name)
	}
	// Unrelated slots keep their values across the merge.
	if snapshot[protocol.VMSettingTurnTime].TurnTime == 0 {
		t.Fatal("merge lost the turn time slot")
	}
}

func TestUpdateSettingsRejectsInvalid(t *testing.T) {
	store := newFakeStore()
	r := newTestRegistry(t, store, agentFactory(&fakeAgent{}, nil))

	var vm *VM
	onOwner(t, r, func() {
		vm, _ = r.Create(nil)
	})

	var err error
	onOwner(t, r, func() {
		err = r.UpdateSettings(vm.ID, []protocol.VMSetting{{Kind: protocol.VMSettingKind(200)}})
	})
	if !errors.Is(err, protocol.ErrInvalidSettingKind) {
		t.Fatalf("err = %v, want ErrInvalidSettingKind", err)
	}
	if len(store.updated) != 0 {
		t.Fatal("invalid settings reached the store")
	}
}

func TestListViewerGetsSnapshotOnSubscribe(t *testing.T) {
	store := newFakeStore()
	r := newTestRegistry(t, store, agentFactory(&fakeAgent{}, nil))

	viewer := &fakeViewer{}
	onOwner(t, r, func() {
		r.AddListViewer(viewer)
	})
	if viewer.count() == 0 {
		t.Fatal("subscriber got no snapshot")
	}
	if got := viewer.tagAt(0); got != protocol.ServerVMList {
		t.Fatalf("first tag = 0x%02x, want vm list", got)
	}
}

func TestAdminViewerGetsAdminList(t *testing.T) {
	store := newFakeStore()
	r := newTestRegistry(t, store, agentFactory(&fakeAgent{}, nil))

	viewer := &fakeViewer{}
	onOwner(t, r, func() {
		r.AddAdminViewer(viewer)
	})
	if viewer.count() == 0 || viewer.tagAt(0) != protocol.ServerAdminVMList {
		t.Fatal("admin subscriber did not get the admin list")
	}
}

func TestBulkUpdateBroadcastsToViewers(t *testing.T) {
	store := newFakeStore()
	r := newTestRegistry(t, store, agentFactory(&fakeAgent{}, nil))

	viewer := &fakeViewer{}
	onOwner(t, r, func() {
		r.Create(nil)
		r.AddListViewer(viewer)
	})
	before := viewer.count()

	onOwner(t, r, r.beginBulkUpdate)

	// Info collection hops through the VM owner and back.
	deadline := time.Now().Add(5 * time.Second)
	for viewer.count() <= before {
		if time.Now().After(deadline) {
			t.Fatal("bulk update never rebroadcast the list")
		}
		time.Sleep(time.Millisecond)
	}
	if got := viewer.tagAt(viewer.count() - 1); got != protocol.ServerVMList {
		t.Fatalf("rebroadcast tag = 0x%02x, want vm list", got)
	}
}

func TestVMStartFailureStaysStopped(t *testing.T) {
	failing := AgentFactory(func(uint32, string, func(guac.Instruction)) (Agent, error) {
		return nil, errors.New("connection refused")
	})
	vm := NewVM(1, protocol.DefaultVMSettings(), t.TempDir(), failing, nil, nil)
	defer vm.Close()

	onVM(t, vm, func() {
		vm.Start()
		if vm.State() != StateStopped {
			t.Errorf("state = %d, want stopped", vm.State())
		}
	})
}

func TestVMStartStopLifecycle(t *testing.T) {
	agent := &fakeAgent{}
	vm := NewVM(1, protocol.DefaultVMSettings(), t.TempDir(), agentFactory(agent, nil), nil, nil)
	defer vm.Close()

	onVM(t, vm, func() {
		vm.Start()
		if vm.State() != StateRunning {
			t.Errorf("state after start = %d, want running", vm.State())
		}
	})

	onVM(t, vm, func() {
		vm.Stop()
		if vm.State() != StateStopped {
			t.Errorf("state after stop = %d, want stopped", vm.State())
		}
	})
	if !agent.closed {
		t.Fatal("stop did not close the agent")
	}
}

func TestGuacInputOnlyFromTurnHolder(t *testing.T) {
	agent := &fakeAgent{}
	vm := NewVM(1, protocol.DefaultVMSettings(), t.TempDir(), agentFactory(agent, nil), nil, nil)
	defer vm.Close()

	holder := &fakeViewer{}
	bystander := &fakeViewer{}
	click := guac.Instruction{Opcode: "mouse", Args: []string{"10", "20", "1"}}.Encode()

	onVM(t, vm, func() {
		vm.Start()
		vm.Channel.AddUser(channel.UserData{Username: "alice", Type: protocol.UserTypeGuest}, holder)
		vm.Channel.AddUser(channel.UserData{Username: "bob", Type: protocol.UserTypeGuest}, bystander)
		vm.Channel.RequestTurn(holder)

		vm.HandleClientGuac(bystander, click)
		if agent.sentCount() != 0 {
			t.Error("input from a non-holder reached the agent")
		}
		vm.HandleClientGuac(holder, click)
		if agent.sentCount() != 1 {
			t.Errorf("agent got %d instructions, want 1", agent.sentCount())
		}
		// Unparseable input is dropped, not forwarded.
		vm.HandleClientGuac(holder, []byte("garbage"))
		if agent.sentCount() != 1 {
			t.Error("malformed input reached the agent")
		}
	})
}

func TestAgentInstructionsBroadcastToChannel(t *testing.T) {
	agent := &fakeAgent{}
	var recv func(guac.Instruction)
	vm := NewVM(1, protocol.DefaultVMSettings(), t.TempDir(), agentFactory(agent, &recv), nil, nil)
	defer vm.Close()

	viewer := &fakeViewer{}
	onVM(t, vm, func() {
		vm.Start()
		vm.Channel.AddUser(channel.UserData{Username: "alice", Type: protocol.UserTypeGuest}, viewer)
	})

	recv(guac.Instruction{Opcode: "size", Args: []string{"0", "640", "480"}})
	onVM(t, vm, func() {}) // fence: the recv hop ran before this

	if got := viewer.tagAt(viewer.count() - 1); got != protocol.ServerGuac {
		t.Fatalf("last tag = 0x%02x, want guac", got)
	}
}

func TestStaleAgentInstructionIgnoredAfterStop(t *testing.T) {
	agent := &fakeAgent{}
	var recv func(guac.Instruction)
	vm := NewVM(1, protocol.DefaultVMSettings(), t.TempDir(), agentFactory(agent, &recv), nil, nil)
	defer vm.Close()

	viewer := &fakeViewer{}
	onVM(t, vm, func() {
		vm.Start()
		vm.Channel.AddUser(channel.UserData{Username: "alice", Type: protocol.UserTypeGuest}, viewer)
		vm.Stop()
	})
	before := viewer.count()

	// The old connection's read goroutine delivers after the stop.
	recv(guac.Instruction{Opcode: "size", Args: []string{"0", "640", "480"}})
	onVM(t, vm, func() {})

	if viewer.count() != before {
		t.Fatal("instruction from a stopped agent generation was broadcast")
	}
}
