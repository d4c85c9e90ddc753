package recording

import (
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/collabvm/collabvm-server/pkg/guac"
	"github.com/collabvm/collabvm-server/pkg/protocol"
)

// FileIndex locates the recording file covering a point in time. Backed by
// the database recording index.
type FileIndex interface {
	// GetRecordingFilePath returns the path and time range of the
	// recording file for vm that covers t (unix ms). fileStop is 0 for a
	// file still being written.
	GetRecordingFilePath(vmID uint32, t uint64) (path string, fileStart, fileStop uint64, err error)
}

// ErrNoRecording is returned by a FileIndex when no file covers the
// requested time.
var ErrNoRecording = errors.New("recording: no file covers requested time")

// PreviewRequest parameterizes a playback preview walk.
type PreviewRequest struct {
	VM           uint32
	StartMs      uint64
	StopMs       uint64
	Width        uint32
	Height       uint32
	TimeInterval uint64 // ms; 0 selects keyframe stepping
}

// Preview walks the recording files of one VM, rendering PNG thumbnails at
// sample points and passing each to emit. It reports whether the walk
// completed; the caller sends the terminal result message either way.
// Timestamps passed to emit are monotonically non-decreasing and lie
// within [StartMs, StopMs].
func Preview(req PreviewRequest, index FileIndex, emit func(timestamp uint64, png []byte), logger *slog.Logger) bool {
	if logger == nil {
		logger = slog.Default()
	}
	if req.StopMs <= req.StartMs {
		return false
	}

	current := req.StartMs

	for current < req.StopMs {
		path, fileStart, fileStop, err := index.GetRecordingFilePath(req.VM, current)
		if err != nil {
			if errors.Is(err, ErrNoRecording) {
				break
			}
			logger.Error("recording index lookup failed", "vm", req.VM, "error", err)
			return false
		}

		next, _ := previewFile(req, path, current, emit, logger)
		if next <= current {
			// Corrupt or empty file: skip past its range.
			next = fileStop
			if fileStop == 0 {
				next = fileStart + 1
			}
			if next <= current {
				break
			}
		}
		current = next
	}
	return true
}

// previewFile renders thumbnails for one file starting at cursor and
// returns the advanced cursor plus whether anything was emitted.
func previewFile(req PreviewRequest, path string, cursor uint64, emit func(uint64, []byte), logger *slog.Logger) (uint64, bool) {
	file, err := os.Open(path)
	if err != nil {
		logger.Error("open recording file", "path", path, "error", err)
		return cursor, false
	}
	defer file.Close()

	header, err := ReadHeader(file)
	if err != nil {
		logger.Error("read recording header", "path", path, "error", err)
		return cursor, false
	}
	keyframes := header.Keyframes[:header.KeyframeCount]

	if req.TimeInterval > 0 {
		return sampleByInterval(req, file, header, keyframes, cursor, emit)
	}
	return stepKeyframes(req, file, header, keyframes, cursor, emit)
}

// sampleByInterval renders a thumbnail every TimeInterval ms of recording
// time, seeking through the keyframe index.
func sampleByInterval(req PreviewRequest, file *os.File, header *Header, keyframes []Keyframe, cursor uint64, emit func(uint64, []byte)) (uint64, bool) {
	canvas := guac.NewCanvas()
	if _, err := file.Seek(seekOffset(header, keyframes, cursor), io.SeekStart); err != nil {
		return cursor, false
	}

	emitted := false
	for cursor < req.StopMs {
		reached, err := replayUntil(file, canvas, cursor)
		if err != nil || !reached {
			// End of file or corruption; the caller moves on.
			return cursor, emitted
		}
		ts := canvas.LastSync()
		if ts > req.StopMs {
			return req.StopMs, emitted
		}
		if png, err := canvas.RenderPNG(int(req.Width), int(req.Height)); err == nil {
			emit(ts, png)
			emitted = true
		}
		cursor += req.TimeInterval
	}
	return cursor, emitted
}

// stepKeyframes renders one thumbnail per keyframe at or after the cursor.
func stepKeyframes(req PreviewRequest, file *os.File, header *Header, keyframes []Keyframe, cursor uint64, emit func(uint64, []byte)) (uint64, bool) {
	emitted := false
	for _, kf := range keyframes {
		if kf.Timestamp < cursor {
			continue
		}
		if kf.Timestamp > req.StopMs {
			return req.StopMs, emitted
		}
		canvas := guac.NewCanvas()
		if _, err := file.Seek(int64(kf.FileOffset), io.SeekStart); err != nil {
			return cursor, emitted
		}
		if reached, err := replayUntil(file, canvas, kf.Timestamp); err != nil || !reached {
			return cursor, emitted
		}
		if png, err := canvas.RenderPNG(int(req.Width), int(req.Height)); err == nil {
			ts := canvas.LastSync()
			if ts < cursor {
				ts = cursor
			}
			emit(ts, png)
			emitted = true
			cursor = ts
		}
	}
	return cursor, emitted
}

// seekOffset picks the byte offset of the newest keyframe at or before the
// target time, or the start of the data stream.
func seekOffset(header *Header, keyframes []Keyframe, target uint64) int64 {
	offset := header.Size()
	for _, kf := range keyframes {
		if kf.Timestamp > target {
			break
		}
		offset = int64(kf.FileOffset)
	}
	return offset
}

// replayUntil applies display instructions until the recording clock (sync
// timestamps) reaches target. Returns whether the target was reached
// before the stream ended.
func replayUntil(file *os.File, canvas *guac.Canvas, target uint64) (bool, error) {
	for canvas.LastSync() < target {
		msg, err := protocol.ReadFrame(file)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return false, nil
			}
			return false, err
		}
		tag, ok := protocol.PeekServerTag(msg)
		if !ok || tag != protocol.ServerGuac {
			continue
		}
		raw, err := protocol.DecodeGuacMessage(msg)
		if err != nil {
			return false, err
		}
		instr, err := guac.Parse(raw)
		if err != nil {
			return false, err
		}
		canvas.Apply(instr)
	}
	return true, nil
}
