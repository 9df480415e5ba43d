package osc

import (
	"testing"
	"time"
)

func TestBundleRoundTrip(t *testing.T) {
	tt := NewTimeTag(time.Now().Truncate(time.Second))
	bdl := NewBundle(tt)
	bdl.Add(NewMessage("/a", AsInt32(1)))
	bdl.Add(NewMessage("/b", AsString("hi")))

	inner := NewBundle(NewImmediateTimeTag())
	inner.Add(NewMessage("/nested"))
	bdl.Add(inner)

	enc := bdl.Append(nil)
	pkt, err := ParsePacket(enc)
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	got, ok := pkt.(*Bundle)
	if !ok {
		t.Fatalf("ParsePacket returned %T, want *Bundle", pkt)
	}

	msgs := got.Messages()
	if len(msgs) != 3 {
		t.Fatalf("Messages() returned %d messages, want 3", len(msgs))
	}
	if msgs[0].Address != "/a" || msgs[1].Address != "/b" || msgs[2].Address != "/nested" {
		t.Errorf("Messages() order/addresses wrong: %v, %v, %v", msgs[0].Address, msgs[1].Address, msgs[2].Address)
	}
	if got.TimeTag.raw() != tt.raw() {
		t.Errorf("TimeTag did not survive round trip: got %v, want %v", got.TimeTag, tt)
	}
}

func TestBundleImmediateTimeTag(t *testing.T) {
	tt := NewImmediateTimeTag()
	if !tt.Immediate() {
		t.Fatal("NewImmediateTimeTag() is not Immediate()")
	}
	bdl := NewBundle(tt)
	enc := bdl.Append(nil)
	pkt, err := ParsePacket(enc)
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	got := pkt.(*Bundle)
	if !got.TimeTag.Immediate() {
		t.Error("decoded bundle's timetag is not Immediate()")
	}
}

func TestParsePacketDispatchesOnPrefix(t *testing.T) {
	msg := NewMessage("/a")
	enc := msg.Append(nil)
	pkt, err := ParsePacket(enc)
	if err != nil {
		t.Fatalf("ParsePacket(message): %v", err)
	}
	if _, ok := pkt.(*Message); !ok {
		t.Errorf("ParsePacket(message) = %T, want *Message", pkt)
	}

	bdl := NewBundle(NewImmediateTimeTag())
	enc = bdl.Append(nil)
	pkt, err = ParsePacket(enc)
	if err != nil {
		t.Fatalf("ParsePacket(bundle): %v", err)
	}
	if _, ok := pkt.(*Bundle); !ok {
		t.Errorf("ParsePacket(bundle) = %T, want *Bundle", pkt)
	}
}

func TestParsePacketRejectsUnknownPrefix(t *testing.T) {
	if _, err := ParsePacket([]byte("garbage")); err == nil {
		t.Error("ParsePacket with no leading '/' or '#' should fail")
	}
	if _, err := ParsePacket(nil); err == nil {
		t.Error("ParsePacket on empty input should fail")
	}
}

func TestMessageEquals(t *testing.T) {
	a := NewMessage("/a", AsInt32(1), AsString("x"))
	b := NewMessage("/a", AsInt32(1), AsString("x"))
	c := NewMessage("/a", AsInt32(2), AsString("x"))

	if !a.Equals(b) {
		t.Error("identical messages should be Equals")
	}
	if a.Equals(c) {
		t.Error("differing messages should not be Equals")
	}
	var nilMsg *Message
	if !nilMsg.Equals(nil) {
		t.Error("two nil messages should be Equals")
	}
	if a.Equals(nil) || nilMsg.Equals(a) {
		t.Error("nil and non-nil messages should not be Equals")
	}
}
