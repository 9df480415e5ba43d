package osc

import (
	"encoding/binary"
	"fmt"
)

// bundleTag is the literal OSC string that opens a bundle on the wire.
const bundleTag = "#bundle"

// Bundle represents an OSC bundle: a timetag plus an ordered sequence of
// Message and/or nested Bundle elements. Bundles may nest arbitrarily; the
// wire format is tree-structured so cycles cannot occur.
type Bundle struct {
	TimeTag  TimeTag
	Elements []Packet
}

func (*Bundle) isPacket() {}

// NewBundle creates an empty bundle firing at tt.
func NewBundle(tt TimeTag) *Bundle {
	return &Bundle{TimeTag: tt}
}

// Add appends one element (a *Message or *Bundle) to the bundle, in order.
func (bdl *Bundle) Add(p Packet) *Bundle {
	bdl.Elements = append(bdl.Elements, p)
	return bdl
}

// Messages flattens the bundle, recursing into nested bundles, and returns
// every *Message in traversal order.
func (bdl *Bundle) Messages() []*Message {
	var out []*Message
	for _, el := range bdl.Elements {
		switch v := el.(type) {
		case *Message:
			out = append(out, v)
		case *Bundle:
			out = append(out, v.Messages()...)
		}
	}
	return out
}

func (bdl *Bundle) String() string {
	return fmt.Sprintf("Bundle(%v, %d elements)", bdl.TimeTag, len(bdl.Elements))
}

// Append encodes the bundle and appends it to b.
func (bdl *Bundle) Append(b []byte) []byte {
	addr := String(bundleTag)
	b = addr.Append(b)
	b = bdl.TimeTag.Append(b)
	for _, el := range bdl.Elements {
		b = appendSized(b, el)
	}
	return b
}

// appendSized appends a length-prefixed encoding of a bundle element, per
// the OSC bundle-element framing (distinct from the TCP stream framers in
// package transport, which frame whole top-level packets, not elements).
func appendSized(b []byte, p Packet) []byte {
	var enc []byte
	switch v := p.(type) {
	case *Message:
		enc = v.Append(nil)
	case *Bundle:
		enc = v.Append(nil)
	}
	b = binary.BigEndian.AppendUint32(b, uint32(len(enc)))
	return append(b, enc...)
}

// ParsePacket decodes a single top-level OSC packet: a Message if buf
// starts with '/', a Bundle if buf starts with '#'.
func ParsePacket(buf []byte) (Packet, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("empty packet")
	}
	switch buf[0] {
	case '/':
		return ParseMessage(buf)
	case '#':
		return parseBundle(buf)
	default:
		return nil, fmt.Errorf("packet does not start with '/' or '#': %q", buf[:min(8, len(buf))])
	}
}

func parseBundle(buf []byte) (*Bundle, error) {
	var tag String
	rest, err := tag.Consume(buf)
	if err != nil {
		return nil, fmt.Errorf("reading bundle tag: %w", err)
	}
	if string(tag) != bundleTag {
		return nil, fmt.Errorf("invalid bundle tag %q", tag)
	}
	var tt TimeTag
	rest, err = tt.Consume(rest)
	if err != nil {
		return nil, fmt.Errorf("reading bundle timetag: %w", err)
	}
	bdl := NewBundle(tt)
	for len(rest) > 0 {
		if len(rest) < 4 {
			return nil, fmt.Errorf("truncated bundle element length")
		}
		n := int(binary.BigEndian.Uint32(rest))
		rest = rest[4:]
		if len(rest) < n {
			return nil, fmt.Errorf("bundle element claims %d bytes, only %d available", n, len(rest))
		}
		el, err := ParsePacket(rest[:n])
		if err != nil {
			return nil, fmt.Errorf("reading bundle element: %w", err)
		}
		bdl.Add(el)
		rest = rest[n:]
	}
	return bdl, nil
}
