package recording

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/collabvm/collabvm-server/pkg/guac"
	"github.com/collabvm/collabvm-server/pkg/protocol"
)

// Recorder appends the server message stream of one VM to segmented binary
// files with a periodic keyframe index. It is owned by the VM's executor;
// timer callbacks re-enter the owner through dispatch.
type Recorder struct {
	vmID     uint32
	dir      string
	logger   *slog.Logger
	dispatch func(func())

	// onKeyframe asks the VM owner to emit a canvas snapshot into the
	// recorded stream so playback can seek to the keyframe offset.
	onKeyframe func()

	// onComplete reports every finished file, including rollovers, so it
	// can be registered in the recording index.
	onComplete func(path string, header Header)

	// onBytes observes the size of every appended frame; nil when nothing
	// is counting.
	onBytes func(n int)

	settings protocol.RecordingSettings

	file     *os.File
	filename string
	header   Header
	offset   int64
	nextSlot int
	lastTS   uint64

	stopTimer     *time.Timer
	keyframeTimer *time.Timer
	gen           uint64
	rollDeadline  time.Time
}

// NewRecorder creates a stopped recorder writing under dir.
func NewRecorder(vmID uint32, dir string, dispatch func(func()), onKeyframe func(), onComplete func(string, Header), logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		vmID:       vmID,
		dir:        dir,
		logger:     logger.With("component", "recorder", "vm", vmID),
		dispatch:   dispatch,
		onKeyframe: onKeyframe,
		onComplete: onComplete,
	}
}

// ObserveBytes registers fn to receive the size of each appended frame.
// Owner-only; set before recording starts.
func (r *Recorder) ObserveBytes(fn func(n int)) {
	r.onBytes = fn
}

// IsRecording reports whether a file is open.
func (r *Recorder) IsRecording() bool {
	return r.file != nil
}

// Filename returns the open file's path, or "".
func (r *Recorder) Filename() string {
	return r.filename
}

// SetSettings applies new recording options. While recording, a shortened
// file duration rolls the file over immediately; otherwise only the
// keyframe timer restarts.
func (r *Recorder) SetSettings(s protocol.RecordingSettings) {
	r.settings = s
	if !r.IsRecording() {
		return
	}
	fileDuration := time.Duration(s.FileDurationMinutes) * time.Minute
	if time.Until(r.rollDeadline) >= fileDuration {
		r.Start()
		return
	}
	r.armKeyframeTimer()
}

// Start begins a new recording file, stopping the current one first. A
// zero file duration leaves the recorder off.
func (r *Recorder) Start() {
	if r.settings.FileDurationMinutes == 0 {
		r.Stop()
		return
	}
	startTime := r.Stop()
	if startTime.IsZero() {
		startTime = time.Now()
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		r.logger.Error("create recordings directory", "error", err)
		return
	}
	r.filename = filepath.Join(r.dir, fmt.Sprintf(
		"vm%d_%s.bin", r.vmID, startTime.Format("2006-01-02_03-04-05_PM")))

	file, err := os.Create(r.filename)
	if err != nil {
		r.logger.Error("create recording file", "path", r.filename, "error", err)
		r.filename = ""
		return
	}
	r.file = file

	slots := 0
	if r.settings.KeyframeIntervalSeconds > 0 {
		fileDuration := time.Duration(r.settings.FileDurationMinutes) * time.Minute
		keyframeInterval := time.Duration(r.settings.KeyframeIntervalSeconds) * time.Second
		slots = int(fileDuration / keyframeInterval)
	}
	r.header = Header{
		VMID:      r.vmID,
		StartTime: r.clampTS(uint64(startTime.UnixMilli())),
		Keyframes: make([]Keyframe, slots),
	}
	r.nextSlot = 0
	r.offset = r.header.Size()
	r.writeHeader()

	fileDuration := time.Duration(r.settings.FileDurationMinutes) * time.Minute
	r.rollDeadline = time.Now().Add(fileDuration)
	gen := r.gen
	r.stopTimer = time.AfterFunc(fileDuration, func() {
		r.dispatch(func() {
			if gen == r.gen {
				r.Start() // rollover
			}
		})
	})
	r.armKeyframeTimer()

	r.logger.Info("recording started", "path", r.filename)
	if r.onKeyframe != nil {
		r.onKeyframe()
	}
}

// Stop closes the current file, finalizing its header with the stop time.
// It returns the stop time, or the zero time if nothing was recording.
func (r *Recorder) Stop() time.Time {
	if !r.IsRecording() {
		return time.Time{}
	}
	r.cancelTimers()
	now := time.Now()
	r.header.StopTime = r.clampTS(uint64(now.UnixMilli()))
	r.writeHeader()
	if err := r.file.Close(); err != nil {
		r.logger.Error("close recording file", "path", r.filename, "error", err)
	}
	r.logger.Info("recording stopped", "path", r.filename)
	if r.onComplete != nil {
		r.onComplete(r.filename, r.Header())
	}
	r.file = nil
	r.filename = ""
	return now
}

// Header returns a copy of the current in-memory header; used by the VM
// owner when registering the finished file in the database index.
func (r *Recorder) Header() Header {
	h := r.header
	h.Keyframes = append([]Keyframe(nil), r.header.Keyframes...)
	return h
}

// WriteMessage appends one non-Guacamole server message. These are always
// recorded.
func (r *Recorder) WriteMessage(msg []byte) {
	if !r.IsRecording() {
		return
	}
	r.writeFrame(msg)
}

// WriteGuac appends one Guacamole instruction, subject to the capture
// filters: sync whenever anything is captured, audio and input by their
// flags, everything else only when display capture is on.
func (r *Recorder) WriteGuac(opcode string, msg []byte) {
	if !r.IsRecording() || !r.isCaptured(guac.Classify(opcode)) {
		return
	}
	r.writeFrame(msg)
}

func (r *Recorder) isCaptured(class guac.Class) bool {
	s := r.settings
	switch class {
	case guac.ClassSync:
		return s.CaptureDisplay || s.CaptureInput || s.CaptureAudio
	case guac.ClassAudio:
		return s.CaptureAudio
	case guac.ClassInput:
		return s.CaptureInput
	default:
		return s.CaptureDisplay
	}
}

func (r *Recorder) writeFrame(msg []byte) {
	if err := protocol.WriteFrame(r.file, msg); err != nil {
		r.logger.Error("recording write failed, stopping", "error", err)
		r.Stop()
		return
	}
	n := protocol.FrameLen(msg)
	r.offset += int64(n)
	if r.onBytes != nil {
		r.onBytes(n)
	}
}

func (r *Recorder) writeHeader() {
	if _, err := r.file.WriteAt(r.header.Encode(), 0); err != nil {
		r.logger.Error("recording header write failed", "error", err)
	}
}

func (r *Recorder) armKeyframeTimer() {
	if r.keyframeTimer != nil {
		r.keyframeTimer.Stop()
		r.keyframeTimer = nil
	}
	if r.settings.KeyframeIntervalSeconds == 0 {
		return
	}
	interval := time.Duration(r.settings.KeyframeIntervalSeconds) * time.Second
	gen := r.gen
	r.keyframeTimer = time.AfterFunc(interval, func() {
		r.dispatch(func() {
			if gen == r.gen {
				r.keyframe()
			}
		})
	})
}

func (r *Recorder) keyframe() {
	if !r.IsRecording() {
		return
	}
	if r.nextSlot >= len(r.header.Keyframes) {
		// Slots exhausted; roll over to a fresh file.
		r.Start()
		return
	}
	r.header.Keyframes[r.nextSlot] = Keyframe{
		FileOffset: uint64(r.offset),
		Timestamp:  r.clampTS(uint64(time.Now().UnixMilli())),
	}
	r.nextSlot++
	r.header.KeyframeCount++
	r.writeHeader()
	if r.onKeyframe != nil {
		r.onKeyframe()
	}
	r.armKeyframeTimer()
}

// clampTS keeps written wall-clock timestamps strictly monotonic even if
// the system clock steps backwards.
func (r *Recorder) clampTS(ts uint64) uint64 {
	if ts <= r.lastTS {
		ts = r.lastTS + 1
	}
	r.lastTS = ts
	return ts
}

func (r *Recorder) cancelTimers() {
	r.gen++
	if r.stopTimer != nil {
		r.stopTimer.Stop()
		r.stopTimer = nil
	}
	if r.keyframeTimer != nil {
		r.keyframeTimer.Stop()
		r.keyframeTimer = nil
	}
}
