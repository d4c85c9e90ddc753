package guac

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const dialTimeout = 10 * time.Second

// TCPAgent speaks the Guacamole element stream over a raw TCP connection
// to a guacd-style endpoint. Reads run on their own goroutine; writes are
// serialized by a mutex so concurrent owners cannot interleave elements.
type TCPAgent struct {
	conn net.Conn

	mu sync.Mutex // guards writes
}

// DialAgent connects to address and starts delivering decoded instructions
// to recv. recv is called from the agent's read goroutine; the caller must
// hop into its own executor. The stream ends silently when the connection
// drops or an undecodable instruction arrives.
func DialAgent(address string, recv func(Instruction)) (*TCPAgent, error) {
	conn, err := net.DialTimeout("tcp", address, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("guac: dial %s: %w", address, err)
	}
	a := &TCPAgent{conn: conn}
	go a.readLoop(recv)
	return a, nil
}

// Send writes one instruction to the remote end.
func (a *TCPAgent) Send(in Instruction) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.conn.Write(in.Encode()); err != nil {
		return fmt.Errorf("guac: send: %w", err)
	}
	return nil
}

// Close tears down the connection, unblocking the read goroutine.
func (a *TCPAgent) Close() error {
	return a.conn.Close()
}

func (a *TCPAgent) readLoop(recv func(Instruction)) {
	br := bufio.NewReaderSize(a.conn, 64*1024)
	for {
		instr, err := readInstruction(br)
		if err != nil {
			_ = a.conn.Close()
			return
		}
		recv(instr)
	}
}

// readInstruction decodes one length-prefixed element instruction from the
// stream: "LENGTH.VALUE,LENGTH.VALUE,...;".
func readInstruction(br *bufio.Reader) (Instruction, error) {
	var elements []string
	total := 0
	for {
		length, err := readElementLength(br)
		if err != nil {
			return Instruction{}, err
		}
		total += length
		if total > MaxInstructionLen {
			return Instruction{}, ErrTooLong
		}
		value := make([]byte, length)
		if _, err := io.ReadFull(br, value); err != nil {
			return Instruction{}, err
		}
		elements = append(elements, string(value))

		delim, err := br.ReadByte()
		if err != nil {
			return Instruction{}, err
		}
		switch delim {
		case ',':
		case ';':
			return Instruction{Opcode: elements[0], Args: elements[1:]}, nil
		default:
			return Instruction{}, ErrMalformed
		}
	}
}

func readElementLength(br *bufio.Reader) (int, error) {
	length := 0
	digits := 0
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		if b == '.' {
			if digits == 0 {
				return 0, ErrMalformed
			}
			return length, nil
		}
		if b < '0' || b > '9' {
			return 0, ErrMalformed
		}
		length = length*10 + int(b-'0')
		digits++
		if length > MaxInstructionLen || digits > 8 {
			return 0, ErrTooLong
		}
	}
}
