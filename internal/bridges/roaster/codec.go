package roaster

import (
	"fmt"
	"strconv"
	"strings"
)

// Commands understood by the controller.
const (
	CmdStatus   = 0
	CmdRelayOn  = 1
	CmdRelayOff = 2
	CmdSetValve = 3
)

const (
	fieldSeparator = ","
	lineTerminator = '\n'

	// inboundFields is the number of comma-separated integers in a status line.
	inboundFields = 3
)

// Message is a decoded inbound line.
type Message struct {
	Command int `json:"command"`
	Address int `json:"address"`
	Value   int `json:"value"`
}

// String returns the line form without terminator, e.g. "0,1,187".
func (m Message) String() string {
	return fmt.Sprintf("%d,%d,%d", m.Command, m.Address, m.Value)
}

// OutgoingCommand is a host-to-device command.
type OutgoingCommand struct {
	Command int `json:"command"`
	Value   int `json:"value"`
}

// Bytes returns the encoded wire form.
func (c OutgoingCommand) Bytes() []byte {
	return Encode(c.Command, c.Value)
}

// Encode formats a command as "<command>,<value>\n" using base-10 integers
// with no padding.
func Encode(command, value int) []byte {
	buf := make([]byte, 0, 24)
	buf = strconv.AppendInt(buf, int64(command), 10)
	buf = append(buf, fieldSeparator...)
	buf = strconv.AppendInt(buf, int64(value), 10)
	return append(buf, lineTerminator)
}

// EncodeMessage formats an inbound-style message as it would appear on the
// wire, terminator included. Used by test harnesses that play the device.
func EncodeMessage(m Message) []byte {
	return append([]byte(m.String()), lineTerminator)
}

// DecodeError describes a line that could not be decoded.
type DecodeError struct {
	Line   string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%v: %q: %s", ErrMalformed, e.Line, e.Reason)
}

// Unwrap lets errors.Is(err, ErrMalformed) match.
func (e *DecodeError) Unwrap() error {
	return ErrMalformed
}

// Decode parses a framed line of exactly three comma-separated base-10
// integers, each optionally signed and within 32 bits. Surrounding or
// embedded whitespace is not accepted.
func Decode(line string) (Message, error) {
	parts := strings.Split(line, fieldSeparator)
	if len(parts) != inboundFields {
		return Message{}, &DecodeError{
			Line:   line,
			Reason: fmt.Sprintf("expected %d fields, got %d", inboundFields, len(parts)),
		}
	}

	var values [inboundFields]int
	for i, part := range parts {
		n, err := strconv.ParseInt(part, 10, 32)
		if err != nil {
			return Message{}, &DecodeError{
				Line:   line,
				Reason: fmt.Sprintf("field %d %q is not a 32-bit integer", i+1, part),
			}
		}
		values[i] = int(n)
	}

	return Message{Command: values[0], Address: values[1], Value: values[2]}, nil
}
