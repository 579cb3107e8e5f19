// Package katcp implements a minimal katcp v5 client: the line codec, the
// sensor-sync handshake, and a watcher callback interface for consumers.
//
// DESIGN: The client owns the connection lifecycle (dial, resync, reconnect
// with backoff). Consumers see only the Watcher callbacks and the SyncState
// transitions - they never touch the wire.
//
// FILES:
//   - message.go: Message type, parser, katcp argument escaping
//   - sensor.go:  Status and SyncState enums, Watcher interface
//   - client.go:  Client, request/reply matching, sensor sync loop
package katcp

import (
	"bytes"
	"fmt"
	"strconv"
)

// MsgType is the katcp message type character.
type MsgType byte

const (
	Request MsgType = '?'
	Reply   MsgType = '!'
	Inform  MsgType = '#'
)

// Message is a single decoded katcp line.
type Message struct {
	Type MsgType
	Name string
	ID   uint32 // message id from [n], 0 when absent
	Args [][]byte
}

// escape maps raw bytes to their katcp escape character.
var escape = map[byte]byte{
	'\\': '\\',
	' ':  '_',
	0:    '0',
	'\n': 'n',
	'\r': 'r',
	0x1b: 'e',
	'\t': 't',
}

// unescape is the inverse of escape, plus \@ for the empty argument.
var unescape = map[byte]byte{
	'\\': '\\',
	'_':  ' ',
	'0':  0,
	'n':  '\n',
	'r':  '\r',
	'e':  0x1b,
	't':  '\t',
}

// escapeArg encodes one argument for the wire. The empty argument is
// represented as \@ per the katcp spec.
func escapeArg(arg []byte) []byte {
	if len(arg) == 0 {
		return []byte(`\@`)
	}
	var buf bytes.Buffer
	for _, b := range arg {
		if esc, ok := escape[b]; ok {
			buf.WriteByte('\\')
			buf.WriteByte(esc)
		} else {
			buf.WriteByte(b)
		}
	}
	return buf.Bytes()
}

// unescapeArg decodes one wire argument.
func unescapeArg(arg []byte) ([]byte, error) {
	if bytes.Equal(arg, []byte(`\@`)) {
		return []byte{}, nil
	}
	var buf bytes.Buffer
	for i := 0; i < len(arg); i++ {
		b := arg[i]
		if b != '\\' {
			buf.WriteByte(b)
			continue
		}
		i++
		if i >= len(arg) {
			return nil, fmt.Errorf("katcp: trailing backslash in argument %q", arg)
		}
		raw, ok := unescape[arg[i]]
		if !ok {
			return nil, fmt.Errorf("katcp: invalid escape \\%c in argument %q", arg[i], arg)
		}
		buf.WriteByte(raw)
	}
	return buf.Bytes(), nil
}

func validNameByte(b byte, first bool) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z':
		return true
	case first:
		return false
	case b >= '0' && b <= '9', b == '-':
		return true
	}
	return false
}

// Parse decodes one katcp line (without the trailing newline).
func Parse(line []byte) (*Message, error) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return nil, fmt.Errorf("katcp: empty line")
	}

	typ := MsgType(line[0])
	switch typ {
	case Request, Reply, Inform:
	default:
		return nil, fmt.Errorf("katcp: invalid message type %q", line[0])
	}

	rest := line[1:]
	end := 0
	for end < len(rest) && validNameByte(rest[end], end == 0) {
		end++
	}
	if end == 0 {
		return nil, fmt.Errorf("katcp: missing message name in %q", line)
	}
	msg := &Message{Type: typ, Name: string(rest[:end])}
	rest = rest[end:]

	// Optional message id: [n]
	if len(rest) > 0 && rest[0] == '[' {
		end = bytes.IndexByte(rest, ']')
		if end < 0 {
			return nil, fmt.Errorf("katcp: unterminated message id in %q", line)
		}
		id, err := strconv.ParseUint(string(rest[1:end]), 10, 32)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("katcp: invalid message id in %q", line)
		}
		msg.ID = uint32(id)
		rest = rest[end+1:]
	}

	for _, field := range bytes.Fields(rest) {
		arg, err := unescapeArg(field)
		if err != nil {
			return nil, err
		}
		msg.Args = append(msg.Args, arg)
	}
	return msg, nil
}

// Encode renders the message as a wire line including the trailing newline.
func (m *Message) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(m.Type))
	buf.WriteString(m.Name)
	if m.ID != 0 {
		fmt.Fprintf(&buf, "[%d]", m.ID)
	}
	for _, arg := range m.Args {
		buf.WriteByte(' ')
		buf.Write(escapeArg(arg))
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

// Arg returns argument i as a string, or "" when absent.
func (m *Message) Arg(i int) string {
	if i < 0 || i >= len(m.Args) {
		return ""
	}
	return string(m.Args[i])
}

// OK reports whether a reply's first argument is the katcp "ok" code.
func (m *Message) OK() bool {
	return m.Type == Reply && m.Arg(0) == "ok"
}
