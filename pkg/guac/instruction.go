// Package guac models Guacamole protocol instructions: the display, input,
// audio, and sync frames produced by the remote-desktop client. The server
// treats them as opaque routing units except where recording and thumbnail
// rendering need to interpret display and sync instructions.
package guac

import (
	"errors"
	"strconv"
	"strings"
)

// Instruction is one decoded Guacamole instruction.
type Instruction struct {
	Opcode string
	Args   []string
}

// Element-codec errors.
var (
	ErrMalformed = errors.New("guac: malformed instruction")
	ErrTooLong   = errors.New("guac: instruction too long")
)

// MaxInstructionLen bounds a single encoded instruction.
const MaxInstructionLen = 8 * 1024 * 1024

// Parse decodes an instruction from its classic element form:
// "LENGTH.VALUE,LENGTH.VALUE,...;" where the first element is the opcode.
func Parse(data []byte) (Instruction, error) {
	if len(data) > MaxInstructionLen {
		return Instruction{}, ErrTooLong
	}
	s := string(data)
	var elements []string
	pos := 0
	for {
		dot := strings.IndexByte(s[pos:], '.')
		if dot < 0 {
			return Instruction{}, ErrMalformed
		}
		length, err := strconv.Atoi(s[pos : pos+dot])
		if err != nil || length < 0 {
			return Instruction{}, ErrMalformed
		}
		start := pos + dot + 1
		end := start + length
		if end >= len(s) {
			return Instruction{}, ErrMalformed
		}
		elements = append(elements, s[start:end])
		switch s[end] {
		case ',':
			pos = end + 1
		case ';':
			if end+1 != len(s) {
				return Instruction{}, ErrMalformed
			}
			return Instruction{Opcode: elements[0], Args: elements[1:]}, nil
		default:
			return Instruction{}, ErrMalformed
		}
	}
}

// Encode renders the instruction in element form.
func (in Instruction) Encode() []byte {
	var b strings.Builder
	writeElement(&b, in.Opcode)
	for _, arg := range in.Args {
		b.WriteByte(',')
		writeElement(&b, arg)
	}
	b.WriteByte(';')
	return []byte(b.String())
}

func writeElement(b *strings.Builder, v string) {
	b.WriteString(strconv.Itoa(len(v)))
	b.WriteByte('.')
	b.WriteString(v)
}

// Class partitions instructions for recording capture filters.
type Class uint8

const (
	ClassDisplay Class = iota
	ClassInput
	ClassAudio
	ClassSync
)

// Classify maps an opcode to its capture class. Anything unrecognized is
// assumed to be display-related, matching how recordings filter.
func Classify(opcode string) Class {
	switch opcode {
	case "sync":
		return ClassSync
	case "audio":
		return ClassAudio
	case "mouse", "key":
		return ClassInput
	default:
		return ClassDisplay
	}
}

// SyncTimestamp extracts the millisecond timestamp from a sync
// instruction. Sync carries the authoritative recording clock.
func SyncTimestamp(in Instruction) (uint64, bool) {
	if in.Opcode != "sync" || len(in.Args) < 1 {
		return 0, false
	}
	ts, err := strconv.ParseUint(in.Args[0], 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}
