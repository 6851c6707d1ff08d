package codec

import (
	"bytes"
	"testing"

	"github.com/postalsys/gridwire/internal/identity"
)

func TestBuildParseDatagramRoundTrip(t *testing.T) {
	msg := UseCircuitCode{
		CircuitCode: 42,
		SessionID:   identity.New(),
		AgentID:     identity.New(),
	}
	raw := BuildDatagram(FlagReliable, 7, MsgID{Frequency: Low, ID: 3}, msg.Encode(), nil)

	d, err := ParseDatagram(raw)
	if err != nil {
		t.Fatalf("ParseDatagram: %v", err)
	}
	if d.Header.Sequence != 7 {
		t.Fatalf("Sequence = %d, want 7", d.Header.Sequence)
	}
	if d.Header.Flags&FlagReliable == 0 {
		t.Fatalf("FlagReliable not set")
	}
	if d.ID != (MsgID{Frequency: Low, ID: 3}) {
		t.Fatalf("ID = %+v, want UseCircuitCode id", d.ID)
	}

	got, err := DecodeUseCircuitCode(d.Body)
	if err != nil {
		t.Fatalf("DecodeUseCircuitCode: %v", err)
	}
	if got.CircuitCode != msg.CircuitCode || !got.SessionID.Equal(msg.SessionID) || !got.AgentID.Equal(msg.AgentID) {
		t.Fatalf("got %+v, want %+v", got, msg)
	}
}

func TestBuildParseDatagramWithAppendedAcks(t *testing.T) {
	acks := []uint32{1, 2, 3}
	raw := BuildDatagram(0, 99, MsgID{Frequency: Fixed, ID: 0xFB}, nil, acks)

	d, err := ParseDatagram(raw)
	if err != nil {
		t.Fatalf("ParseDatagram: %v", err)
	}
	if d.Header.Flags&FlagHasAcks == 0 {
		t.Fatalf("FlagHasAcks not set")
	}
	if len(d.Acks) != 3 || d.Acks[0] != 1 || d.Acks[1] != 2 || d.Acks[2] != 3 {
		t.Fatalf("Acks = %v, want [1 2 3]", d.Acks)
	}
}

func TestBuildDatagramAppliesZerocodingWhenWorthwhile(t *testing.T) {
	body := make([]byte, 64) // all zero: compresses well past the 10% bar
	raw := BuildDatagram(0, 1, MsgID{Frequency: High, ID: 4}, body, nil)

	h, _, err := DecodeHeader(raw)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if h.Flags&FlagZerocoded == 0 {
		t.Fatalf("expected FlagZerocoded to be set for a highly compressible body")
	}

	d, err := ParseDatagram(raw)
	if err != nil {
		t.Fatalf("ParseDatagram: %v", err)
	}
	if !bytes.Equal(d.Body, body) {
		t.Fatalf("decoded body mismatch")
	}
}

func TestBuildParseDatagramZerocodedWithAcks(t *testing.T) {
	// A Low-frequency ID puts a 0x00 byte on the wire before the body, and
	// the appended-ack tail follows the compressed span uncompressed; both
	// must survive a zerocoded round trip untouched.
	body := make([]byte, 64)
	body[0] = 0xAB
	acks := []uint32{0x01020304, 0}
	raw := BuildDatagram(0, 5, MsgID{Frequency: Low, ID: 148}, body, acks)

	h, _, err := DecodeHeader(raw)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if h.Flags&FlagZerocoded == 0 {
		t.Fatalf("expected FlagZerocoded to be set")
	}

	d, err := ParseDatagram(raw)
	if err != nil {
		t.Fatalf("ParseDatagram: %v", err)
	}
	if d.ID != (MsgID{Frequency: Low, ID: 148}) {
		t.Fatalf("ID = %+v", d.ID)
	}
	if !bytes.Equal(d.Body, body) {
		t.Fatalf("decoded body mismatch")
	}
	if len(d.Acks) != 2 || d.Acks[0] != 0x01020304 || d.Acks[1] != 0 {
		t.Fatalf("Acks = %v, want [16909060 0]", d.Acks)
	}
}

func TestDecodeRegionHandshakeForwardCompatTruncated(t *testing.T) {
	// Only RegionFlags and SimAccess present; everything past that must
	// come back zero-valued rather than erroring.
	body := make([]byte, 5)
	putU32(body[0:4], 0x01)
	body[4] = 13

	m, err := DecodeRegionHandshake(body)
	if err != nil {
		t.Fatalf("DecodeRegionHandshake: %v", err)
	}
	if m.RegionFlags != 0x01 || m.SimAccess != 13 {
		t.Fatalf("got %+v", m)
	}
	if m.SimName != "" {
		t.Fatalf("SimName = %q, want empty (truncated body)", m.SimName)
	}
}

func TestDecodeObjectUpdateStopsAtTruncatedBlock(t *testing.T) {
	body := make([]byte, 8+2+1)
	body[10] = 2 // claims 2 blocks but body has room for none
	m, err := DecodeObjectUpdate(body)
	if err != nil {
		t.Fatalf("DecodeObjectUpdate: %v", err)
	}
	if len(m.Objects) != 0 {
		t.Fatalf("Objects = %v, want none (body truncated before first block)", m.Objects)
	}
}
