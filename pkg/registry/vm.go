// Package registry owns the set of virtual machines exposed by the
// server: their settings, runtime state, channels, recorders, and the
// periodic bulk info/thumbnail broadcast to list viewers.
package registry

import (
	"encoding/base64"
	"log/slog"
	"strconv"
	"time"

	"github.com/collabvm/collabvm-server/pkg/channel"
	"github.com/collabvm/collabvm-server/pkg/executor"
	"github.com/collabvm/collabvm-server/pkg/guac"
	"github.com/collabvm/collabvm-server/pkg/protocol"
	"github.com/collabvm/collabvm-server/pkg/recording"
)

// VM runtime states.
const (
	StateStopped uint8 = iota
	StateStarting
	StateRunning
)

// Agent is the remote-desktop protocol client attached to a running VM.
// The framing and protocol implementation live outside this server; the
// registry only needs to inject input and close the stream.
type Agent interface {
	Send(instr guac.Instruction) error
	Close() error
}

// AgentFactory dials the remote-desktop endpoint for a VM. recv is invoked
// from the agent's own goroutines and must hop into the VM's owner.
type AgentFactory func(vmID uint32, address string, recv func(instr guac.Instruction)) (Agent, error)

// ThumbnailWidth and ThumbnailHeight size the VM list thumbnails.
const (
	ThumbnailWidth  = 400
	ThumbnailHeight = 300
)

// VM is one virtual machine record. All fields are owned by the VM's
// executor; the registry and the dispatcher reach it through Dispatch.
type VM struct {
	ID   uint32
	exec *executor.Executor

	logger   *slog.Logger
	settings []protocol.VMSetting
	state    uint8

	Channel  *channel.Channel
	recorder *recording.Recorder
	canvas   *guac.Canvas

	agentFactory AgentFactory
	agent        Agent
	agentGen     uint64
}

// NewVM creates a stopped VM with its own executor.
func NewVM(id uint32, settings []protocol.VMSetting, recordingsDir string, factory AgentFactory, onRecordingDone func(uint32, string, recording.Header), logger *slog.Logger) *VM {
	if logger == nil {
		logger = slog.Default()
	}
	vm := &VM{
		ID:           id,
		exec:         executor.New("vm-"+strconv.FormatUint(uint64(id), 10), logger),
		logger:       logger.With("component", "vm", "vm", id),
		settings:     settings,
		canvas:       guac.NewCanvas(),
		agentFactory: factory,
	}
	vm.Channel = channel.New(id, vm.exec.Dispatch, vm.turnTime, vm.voteTime, vm.onVoteEnd)
	vm.recorder = recording.NewRecorder(id, recordingsDir, vm.exec.Dispatch, vm.emitKeyframe,
		func(path string, header recording.Header) {
			if onRecordingDone != nil {
				onRecordingDone(id, path, header)
			}
		}, logger)
	vm.recorder.SetSettings(settings[protocol.VMSettingRecordings].Recordings)
	return vm
}

// Dispatch enqueues a task on the VM's owner.
func (vm *VM) Dispatch(task func()) {
	vm.exec.Dispatch(task)
}

// Close stops the VM and its executor. Called only from the registry owner
// during deletion or shutdown.
func (vm *VM) Close() {
	vm.exec.Dispatch(func() {
		vm.stop()
	})
	vm.exec.Close()
}

// Settings returns the VM's settings list. Owner-only.
func (vm *VM) Settings() []protocol.VMSetting {
	return vm.settings
}

// State returns the runtime state. Owner-only.
func (vm *VM) State() uint8 {
	return vm.state
}

// DisallowsGuests reports the disallow-guests setting. Owner-only.
func (vm *VM) DisallowsGuests() bool {
	return vm.settings[protocol.VMSettingDisallowGuests].DisallowGuests
}

func (vm *VM) turnTime() time.Duration {
	return time.Duration(vm.settings[protocol.VMSettingTurnTime].TurnTime) * time.Second
}

func (vm *VM) voteTime() time.Duration {
	return time.Duration(vm.settings[protocol.VMSettingVoteTime].VoteTime) * time.Second
}

// Start connects the remote-desktop agent and begins recording. Owner-only.
func (vm *VM) Start() {
	if vm.state != StateStopped {
		return
	}
	vm.state = StateStarting
	address := vm.settings[protocol.VMSettingAddress].Address
	gen := vm.agentGen
	agent, err := vm.agentFactory(vm.ID, address, func(instr guac.Instruction) {
		vm.exec.Dispatch(func() {
			if gen == vm.agentGen {
				vm.handleAgentInstruction(instr)
			}
		})
	})
	if err != nil {
		vm.logger.Error("agent connect failed", "address", address, "error", err)
		vm.state = StateStopped
		return
	}
	vm.agent = agent
	vm.state = StateRunning
	vm.recorder.Start()
	vm.logger.Info("vm started", "address", address)
}

// Stop disconnects the agent and finalizes the recording. Owner-only.
func (vm *VM) Stop() {
	vm.stop()
}

func (vm *VM) stop() {
	if vm.state == StateStopped {
		return
	}
	vm.agentGen++
	if vm.agent != nil {
		if err := vm.agent.Close(); err != nil {
			vm.logger.Error("agent close failed", "error", err)
		}
		vm.agent = nil
	}
	vm.recorder.Stop()
	vm.state = StateStopped
	vm.logger.Info("vm stopped")
}

// Restart cycles the agent connection. Owner-only.
func (vm *VM) Restart() {
	vm.stop()
	vm.Start()
}

// UpdateSettings merges modifications into the VM's settings and applies
// the side effects (recording options, next-turn duration). Owner-only.
func (vm *VM) UpdateSettings(mods []protocol.VMSetting) error {
	merged, err := protocol.MergeVMSettings(vm.settings, mods)
	if err != nil {
		return err
	}
	vm.settings = merged
	vm.recorder.SetSettings(merged[protocol.VMSettingRecordings].Recordings)
	return nil
}

// HandleClientGuac forwards an input instruction to the VM if the sender
// holds the turn. Owner-only.
func (vm *VM) HandleClientGuac(s channel.Sender, raw []byte) {
	holder, ok := vm.Channel.Turn().Holder()
	if !ok || holder != s || vm.agent == nil {
		return
	}
	instr, err := guac.Parse(raw)
	if err != nil {
		return
	}
	if err := vm.agent.Send(instr); err != nil {
		vm.logger.Error("agent send failed", "error", err)
	}
}

// handleAgentInstruction broadcasts one server instruction to viewers,
// feeds the thumbnail canvas, and records it.
func (vm *VM) handleAgentInstruction(instr guac.Instruction) {
	raw := instr.Encode()
	msg := protocol.EncodeGuac(raw)
	vm.canvas.Apply(instr)
	vm.Channel.Broadcast(msg)
	vm.recorder.WriteGuac(instr.Opcode, msg)
}

// RecordMessage appends a non-Guacamole server message (chat, user list
// changes) to the recording. Owner-only.
func (vm *VM) RecordMessage(msg []byte) {
	vm.recorder.WriteMessage(msg)
}

// Recorder exposes the recording engine to owner-context callers.
func (vm *VM) Recorder() *recording.Recorder {
	return vm.recorder
}

// emitKeyframe writes a canvas snapshot into the recorded stream so
// playback can begin at the keyframe offset without earlier context.
func (vm *VM) emitKeyframe() {
	w, h := vm.canvas.Size()
	if w > 0 && h > 0 {
		if png, err := vm.canvas.RenderPNG(w, h); err == nil {
			size := guac.Instruction{
				Opcode: "size",
				Args:   []string{"0", strconv.Itoa(w), strconv.Itoa(h)},
			}
			img := guac.Instruction{
				Opcode: "png",
				Args:   []string{"0", "0", "0", "0", base64.StdEncoding.EncodeToString(png)},
			}
			sync := guac.Instruction{
				Opcode: "sync",
				Args:   []string{strconv.FormatUint(vm.canvas.LastSync(), 10)},
			}
			vm.recorder.WriteGuac(size.Opcode, protocol.EncodeGuac(size.Encode()))
			vm.recorder.WriteGuac(img.Opcode, protocol.EncodeGuac(img.Encode()))
			vm.recorder.WriteGuac(sync.Opcode, protocol.EncodeGuac(sync.Encode()))
		}
	}
	vm.recorder.WriteMessage(protocol.EncodeKeyframe())
}

// onVoteEnd resets the VM when a reset vote passes.
func (vm *VM) onVoteEnd(passed bool) {
	if !passed {
		return
	}
	vm.logger.Info("reset vote passed")
	vm.Restart()
}

// Info is the bulk-update payload a VM reports to the registry.
type Info struct {
	Admin     protocol.AdminVMInfo
	Public    *protocol.VMInfo // nil when the VM is not publicly listed
	Thumbnail []byte           // nil when unchanged or unavailable
}

// BuildInfo snapshots the VM's listing info and thumbnail. Owner-only.
func (vm *VM) BuildInfo() Info {
	name := vm.settings[protocol.VMSettingName].Name
	online := uint32(vm.Channel.Len())
	info := Info{
		Admin: protocol.AdminVMInfo{
			ID:      vm.ID,
			Name:    name,
			State:   vm.state,
			Online:  online,
			Address: vm.settings[protocol.VMSettingAddress].Address,
		},
	}
	if vm.state == StateRunning {
		info.Public = &protocol.VMInfo{
			ID:          vm.ID,
			Name:        name,
			Description: vm.settings[protocol.VMSettingDescription].Description,
			Online:      online,
		}
		if png, err := vm.canvas.RenderPNG(ThumbnailWidth, ThumbnailHeight); err == nil {
			info.Thumbnail = png
		}
	}
	return info
}
