// Package osc implements the OSC 1.0/1.1 wire format: messages, bundles,
// typed arguments, and their binary encoding. It is the "external codec"
// boundary the rest of this module is built against — dispatch, call and
// peer packages only ever see *Message/*Bundle values, never raw bytes.
package osc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Packet is implemented by both Message and Bundle, so a decoded top-level
// OSC packet can be handled uniformly by a Dispatcher.
type Packet interface {
	// isPacket is unexported so Packet can only be implemented in this
	// package.
	isPacket()
}

// Message represents an OSC message: an address and its arguments.
type Message struct {
	// Address is the OSC address, a string beginning with a "/". It is
	// immutable after construction by convention (no setter is provided).
	Address string
	// Arguments is the ordered sequence of typed arguments.
	Arguments []Argument
}

func (*Message) isPacket() {}

// NewMessage builds a message from an address and arguments.
func NewMessage(address string, args ...Argument) *Message {
	return &Message{Address: address, Arguments: args}
}

// Equals reports whether m and other encode to the same wire value.
func (m *Message) Equals(other *Message) bool {
	if m == nil || other == nil {
		return m == other
	}
	return bytes.Equal(m.Append(nil), other.Append(nil))
}

func (m *Message) String() string {
	if m == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s %v", m.Address, m.Arguments)
}

// ParseMessage parses a single OSC message from buf.
func ParseMessage(buf []byte) (*Message, error) {
	var addr String
	buf, err := addr.Consume(buf)
	if err != nil {
		return nil, fmt.Errorf("reading address: %w", err)
	}
	var tt String
	buf, err = tt.Consume(buf)
	if err != nil {
		return nil, fmt.Errorf("reading type tag: %w", err)
	}
	if len(tt) == 0 || tt[0] != ',' {
		return nil, fmt.Errorf("invalid type tag string: %q", tt)
	}
	args := make([]Argument, len(tt)-1)
	for i, t := range tt[1:] {
		c, ok := newByTypeTag[t]
		if !ok {
			return nil, fmt.Errorf("unknown type tag %c", t)
		}
		a := c()
		buf, err = a.Consume(buf)
		if err != nil {
			return nil, fmt.Errorf("reading argument %d (%c): %w", i, t, err)
		}
		args[i] = a
	}
	return &Message{Address: string(addr), Arguments: args}, nil
}

// Append encodes the message and appends it to the provided slice.
func (m *Message) Append(b []byte) []byte {
	addr := String(m.Address)
	b = addr.Append(b)

	typeTag := make([]rune, 0, len(m.Arguments)+1)
	typeTag = append(typeTag, ',')
	for _, a := range m.Arguments {
		typeTag = append(typeTag, a.TypeTag())
	}
	tt := String(typeTag)
	b = tt.Append(b)

	for _, a := range m.Arguments {
		b = a.Append(b)
	}
	return b
}

// newByTypeTag holds functions to construct a new zero-valued Argument for
// a given type tag, used while decoding.
var newByTypeTag = map[rune]func() Argument{
	Int32(0).TypeTag():   func() Argument { return new(Int32) },
	Float32(0).TypeTag(): func() Argument { return new(Float32) },
	String("").TypeTag(): func() Argument { return new(String) },
	TimeTag{}.TypeTag():  func() Argument { return new(TimeTag) },
	True{}.TypeTag():     func() Argument { return True{} },
	False{}.TypeTag():    func() Argument { return False{} },
	Null{}.TypeTag():     func() Argument { return Null{} },
	Impulse{}.TypeTag():  func() Argument { return Impulse{} },
	Blob(nil).TypeTag():  func() Argument { return new(Blob) },
	Int64(0).TypeTag():   func() Argument { return new(Int64) },
	Double(0).TypeTag():  func() Argument { return new(Double) },
	Char(0).TypeTag():    func() Argument { return new(Char) },
	RGBA{}.TypeTag():     func() Argument { return new(RGBA) },
	MIDI{}.TypeTag():     func() Argument { return new(MIDI) },
}

// Argument represents a single OSC value.
type Argument interface {
	// TypeTag returns the type tag of the argument, a single character.
	TypeTag() rune
	// Append appends the binary representation of the argument to b.
	Append(b []byte) []byte
	// Consume fills in the argument from b, returning any remainder.
	Consume(b []byte) ([]byte, error)
}

// Int32 is the OSC int32: a 32-bit big-endian two's complement integer.
type Int32 int32

func (Int32) TypeTag() rune { return 'i' }

func (i Int32) Append(b []byte) []byte {
	return binary.BigEndian.AppendUint32(b, uint32(i))
}

func (i *Int32) Consume(b []byte) ([]byte, error) {
	if l := len(b); l < 4 {
		return nil, fmt.Errorf("expect int32, only %d bytes", l)
	}
	*i = Int32(binary.BigEndian.Uint32(b))
	return b[4:], nil
}

func (i Int32) String() string { return fmt.Sprintf("Int32(%d)", i) }

// Float32 is a 32-bit big-endian IEEE 754 floating point number.
type Float32 float32

func (Float32) TypeTag() rune { return 'f' }

func (f Float32) Append(b []byte) []byte {
	return binary.BigEndian.AppendUint32(b, math.Float32bits(float32(f)))
}

func (f *Float32) Consume(b []byte) ([]byte, error) {
	if l := len(b); l < 4 {
		return nil, fmt.Errorf("expect float32, only %d bytes", l)
	}
	*f = Float32(math.Float32frombits(binary.BigEndian.Uint32(b)))
	return b[4:], nil
}

func (f Float32) String() string { return fmt.Sprintf("Float32(%f)", f) }

// String is an ASCII string; on the wire it is null-terminated and padded
// to a multiple of 4 bytes.
type String string

func (String) TypeTag() rune { return 's' }

func (s String) Append(b []byte) []byte {
	for i := range s {
		b = append(b, s[i])
	}
	b = append(b, 0)
	for len(b)%4 > 0 {
		b = append(b, 0)
	}
	return b
}

func (s *String) Consume(b []byte) ([]byte, error) {
	end := bytes.IndexByte(b, 0)
	if end < 0 {
		return nil, fmt.Errorf("no termination in string %q", b)
	}
	*s = String(b[:end])
	end = min(end+4-end%4, len(b))
	return b[end:], nil
}

func (s String) String() string { return fmt.Sprintf("String(%q)", string(s)) }

// Blob is an arbitrary-length byte sequence, prefixed on the wire with its
// int32 length and padded to a multiple of 4 bytes.
type Blob []byte

func (Blob) TypeTag() rune { return 'b' }

func (bl Blob) Append(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(bl)))
	b = append(b, bl...)
	for len(b)%4 > 0 {
		b = append(b, 0)
	}
	return b
}

func (bl *Blob) Consume(b []byte) ([]byte, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("expect blob length, only %d bytes", len(b))
	}
	n := int(binary.BigEndian.Uint32(b))
	b = b[4:]
	if len(b) < n {
		return nil, fmt.Errorf("expect blob of %d bytes, only %d available", n, len(b))
	}
	*bl = append(Blob{}, b[:n]...)
	end := n + (4-n%4)%4
	if end > len(b) {
		end = len(b)
	}
	return b[end:], nil
}

func (bl Blob) String() string { return fmt.Sprintf("Blob(%d bytes)", len(bl)) }

// TimeTag is an OSC timetag: a 64-bit NTP-style fixed-point time, mandatory
// in OSC 1.1. It wraps time.Time and assumes UTC.
type TimeTag struct {
	time.Time
}

func (TimeTag) TypeTag() rune { return 't' }

// epoch is the NTP epoch, the origin of TimeTag values.
var epoch = time.Date(1900, time.January, 1, 0, 0, 0, 0, time.UTC)

// NewTimeTag wraps t as a TimeTag.
func NewTimeTag(t time.Time) TimeTag { return TimeTag{t} }

// NewImmediateTimeTag returns the reserved "execute immediately" timetag.
func NewImmediateTimeTag() TimeTag { return TimeTag{epoch} }

// raw returns the 64-bit NTP encoding of t.
func (t TimeTag) raw() uint64 {
	seconds := t.Sub(epoch).Seconds()
	if seconds <= 0 {
		return 0
	}
	const stepsPerSecond = float64(int64(1) << 32)
	base, frac := math.Modf(seconds)
	return (uint64(base) << 32) + uint64(frac*stepsPerSecond)
}

// Immediate reports whether t is the reserved "execute immediately" value
// (wire value 0 or 1).
func (t TimeTag) Immediate() bool {
	raw := t.raw()
	return raw == 0 || raw == 1
}

func (t TimeTag) Append(b []byte) []byte {
	return binary.BigEndian.AppendUint64(b, t.raw())
}

func (t *TimeTag) Consume(b []byte) ([]byte, error) {
	if l := len(b); l < 8 {
		return nil, fmt.Errorf("expected timetag (8 bytes), only %d bytes", l)
	}
	raw := binary.BigEndian.Uint64(b)
	*t = timeTagFromRaw(raw)
	return b[8:], nil
}

func timeTagFromRaw(raw uint64) TimeTag {
	seconds := float64(raw >> 32)
	seconds += float64(raw&0xffffffff) / float64(1<<32)
	return TimeTag{epoch.Add(time.Duration(seconds * float64(time.Second)))}
}

func (t TimeTag) String() string { return fmt.Sprintf("TimeTag(%v)", t.Time) }

/*
   Additional mandatory/optional types from the OSC 1.1 NIME paper
   (https://ccrma.stanford.edu/groups/osc/files/2009-NIME-OSC-1.1.pdf)
*/

// True is a boolean true value; it contains no data.
type True struct{}

func (True) TypeTag() rune                    { return 'T' }
func (True) Append(b []byte) []byte           { return b }
func (True) Consume(b []byte) ([]byte, error) { return b, nil }
func (True) String() string                   { return "True" }

// False is a boolean false value; it contains no data.
type False struct{}

func (False) TypeTag() rune                    { return 'F' }
func (False) Append(b []byte) []byte           { return b }
func (False) Consume(b []byte) ([]byte, error) { return b, nil }
func (False) String() string                   { return "False" }

// Null ("Nil" in the OSC 1.1 paper) carries no data.
type Null struct{}

func (Null) TypeTag() rune                    { return 'N' }
func (Null) Append(b []byte) []byte           { return b }
func (Null) Consume(b []byte) ([]byte, error) { return b, nil }
func (Null) String() string                   { return "Null" }

// Impulse ("bang", or "Infinitum" in OSC 1.0) carries no data.
type Impulse struct{}

func (Impulse) TypeTag() rune                    { return 'I' }
func (Impulse) Append(b []byte) []byte           { return b }
func (Impulse) Consume(b []byte) ([]byte, error) { return b, nil }
func (Impulse) String() string                   { return "Impulse" }

// Int64 is a 64-bit big-endian two's complement integer ('h').
type Int64 int64

func (Int64) TypeTag() rune { return 'h' }

func (i Int64) Append(b []byte) []byte {
	return binary.BigEndian.AppendUint64(b, uint64(i))
}

func (i *Int64) Consume(b []byte) ([]byte, error) {
	if l := len(b); l < 8 {
		return nil, fmt.Errorf("expect int64, only %d bytes", l)
	}
	*i = Int64(binary.BigEndian.Uint64(b))
	return b[8:], nil
}

func (i Int64) String() string { return fmt.Sprintf("Int64(%d)", i) }

// Double is a 64-bit big-endian IEEE 754 floating point number ('d').
type Double float64

func (Double) TypeTag() rune { return 'd' }

func (d Double) Append(b []byte) []byte {
	return binary.BigEndian.AppendUint64(b, math.Float64bits(float64(d)))
}

func (d *Double) Consume(b []byte) ([]byte, error) {
	if l := len(b); l < 8 {
		return nil, fmt.Errorf("expect double, only %d bytes", l)
	}
	*d = Double(math.Float64frombits(binary.BigEndian.Uint64(b)))
	return b[8:], nil
}

func (d Double) String() string { return fmt.Sprintf("Double(%f)", d) }

// Char is a single ASCII character, encoded as its value in an int32 ('c').
type Char rune

func (Char) TypeTag() rune { return 'c' }

func (c Char) Append(b []byte) []byte {
	return binary.BigEndian.AppendUint32(b, uint32(c))
}

func (c *Char) Consume(b []byte) ([]byte, error) {
	if l := len(b); l < 4 {
		return nil, fmt.Errorf("expect char, only %d bytes", l)
	}
	*c = Char(binary.BigEndian.Uint32(b))
	return b[4:], nil
}

func (c Char) String() string { return fmt.Sprintf("Char(%c)", rune(c)) }

// RGBA is a 32-bit RGBA color ('r').
type RGBA struct {
	R, G, B, A uint8
}

func (RGBA) TypeTag() rune { return 'r' }

func (c RGBA) Append(b []byte) []byte {
	return append(b, c.R, c.G, c.B, c.A)
}

func (c *RGBA) Consume(b []byte) ([]byte, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("expect rgba, only %d bytes", len(b))
	}
	c.R, c.G, c.B, c.A = b[0], b[1], b[2], b[3]
	return b[4:], nil
}

func (c RGBA) String() string { return fmt.Sprintf("RGBA(%d,%d,%d,%d)", c.R, c.G, c.B, c.A) }

// MIDI is a 4-byte MIDI message ('m'): port id, status, data1, data2.
type MIDI struct {
	Port, Status, Data1, Data2 uint8
}

func (MIDI) TypeTag() rune { return 'm' }

func (m MIDI) Append(b []byte) []byte {
	return append(b, m.Port, m.Status, m.Data1, m.Data2)
}

func (m *MIDI) Consume(b []byte) ([]byte, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("expect midi, only %d bytes", len(b))
	}
	m.Port, m.Status, m.Data1, m.Data2 = b[0], b[1], b[2], b[3]
	return b[4:], nil
}

func (m MIDI) String() string {
	return fmt.Sprintf("MIDI(%d,%d,%d,%d)", m.Port, m.Status, m.Data1, m.Data2)
}
