package message_test

import (
	"strings"
	"testing"

	"i4.energy/across/gsmgw/message"
)

func TestKind(t *testing.T) {
	enc := message.NewOutbound("+1", "x")
	enc.Encrypted = true

	tests := []struct {
		name string
		msg  message.Message
		want message.Kind
	}{
		{name: "text outbound", msg: message.NewOutbound("+306900000000", "hi"), want: message.KindOutbound},
		{name: "binary outbound", msg: message.NewBinaryOutbound("+306900000000", []byte{1, 2}), want: message.KindBinary},
		{name: "encrypted outbound", msg: enc, want: message.KindEncrypted},
		{name: "inbound", msg: message.NewInbound(), want: message.KindInbound},
		{name: "status report", msg: message.NewStatusReport(), want: message.KindStatusReport},
		{name: "unknown", msg: message.NewUnknown("00"), want: message.KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.Kind(); got != tt.want {
				t.Errorf("Kind() = %v, want %v", got, tt.want)
			}
			if d := message.Describe(tt.msg); !strings.Contains(d, tt.msg.Head().UUID) {
				t.Errorf("Describe() = %q does not mention uuid", d)
			}
		})
	}
}

func TestIdentity(t *testing.T) {
	a := message.NewOutbound("+1", "a")
	b := message.NewOutbound("+1", "b")

	if a.UUID == b.UUID {
		t.Error("expected distinct uuids")
	}
	if b.ID <= a.ID {
		t.Errorf("expected monotonic ids, got %d then %d", a.ID, b.ID)
	}
	if a.RefNo != -1 {
		t.Errorf("expected unknown reference number, got %d", a.RefNo)
	}
	if a.HasPorts() {
		t.Error("new message should not be port addressed")
	}
}

func TestIndices(t *testing.T) {
	in := message.NewInbound()
	in.MemLocation = "SM"
	in.MemIndex = []int{3, 4}

	loc, idx, ok := message.Indices(in)
	if !ok || loc != "SM" || len(idx) != 2 {
		t.Errorf("Indices(inbound) = %q %v %v", loc, idx, ok)
	}

	if _, _, ok := message.Indices(message.NewOutbound("+1", "x")); ok {
		t.Error("outbound messages are not stored on the device")
	}
}
