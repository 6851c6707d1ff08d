package codec

import (
	"testing"

	"github.com/postalsys/gridwire/internal/identity"
)

func TestUseCircuitCodeEncodeDecodeRoundTrip(t *testing.T) {
	want := UseCircuitCode{CircuitCode: 1234, SessionID: identity.New(), AgentID: identity.New()}
	got, err := DecodeUseCircuitCode(want.Encode())
	if err != nil {
		t.Fatalf("DecodeUseCircuitCode: %v", err)
	}
	if got.CircuitCode != want.CircuitCode || !got.SessionID.Equal(want.SessionID) || !got.AgentID.Equal(want.AgentID) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestUseCircuitCodeWireLayout(t *testing.T) {
	// End-to-end scenario from the engine's testable-properties list: the
	// body is [code LE, session_id 16B, agent_id 16B].
	sid := identity.New()
	aid := identity.New()
	msg := UseCircuitCode{CircuitCode: 1234, SessionID: sid, AgentID: aid}
	body := msg.Encode()

	if len(body) != 4+identity.Size*2 {
		t.Fatalf("body len = %d, want %d", len(body), 4+identity.Size*2)
	}
	code, _ := getU32(body[0:4])
	if code != 1234 {
		t.Fatalf("leading u32 = %d, want 1234 (little-endian circuit code)", code)
	}
}

func TestCompleteAgentMovementRoundTrip(t *testing.T) {
	want := CompleteAgentMovement{AgentID: identity.New(), SessionID: identity.New(), CircuitCode: 42}
	got, err := DecodeCompleteAgentMovement(want.Encode())
	if err != nil {
		t.Fatalf("DecodeCompleteAgentMovement: %v", err)
	}
	if got.CircuitCode != want.CircuitCode {
		t.Fatalf("CircuitCode = %d, want %d", got.CircuitCode, want.CircuitCode)
	}
}

func TestRegionHandshakeForwardCompatTruncation(t *testing.T) {
	// A datagram that ends partway through the block list must still
	// parse, with everything after the cut reported as absent rather than
	// erroring, per the forward-compatibility rule.
	full := make([]byte, 4+1)
	putU32(full[0:4], 0x01)
	full[4] = 3 // SimAccess

	got, err := DecodeRegionHandshake(full)
	if err != nil {
		t.Fatalf("DecodeRegionHandshake: %v", err)
	}
	if got.RegionFlags != 0x01 || got.SimAccess != 3 {
		t.Fatalf("got %+v", got)
	}
	if got.SimName != "" {
		t.Fatalf("SimName should be absent, got %q", got.SimName)
	}
}

func TestRegionHandshakeReplyFlagsConstants(t *testing.T) {
	if RegionHandshakeReplyFlagSelf != 0x01 || RegionHandshakeReplyFlagTeenMode != 0x02 {
		t.Fatalf("flag constants = %#x, %#x, want 0x01, 0x02",
			RegionHandshakeReplyFlagSelf, RegionHandshakeReplyFlagTeenMode)
	}
	reply := RegionHandshakeReply{
		AgentID:   identity.New(),
		SessionID: identity.New(),
		Flags:     RegionHandshakeReplyFlagSelf | RegionHandshakeReplyFlagTeenMode,
	}
	body := reply.Encode()
	flags, _ := getU32(body[identity.Size*2:])
	if flags != 0x03 {
		t.Fatalf("encoded flags = %#x, want 0x03", flags)
	}
}

func TestAgentMovementCompleteRoundTrip(t *testing.T) {
	want := &AgentMovementComplete{
		AgentID:      identity.New(),
		SessionID:    identity.New(),
		Position:     Vec3{X: 128, Y: 128, Z: 25},
		LookAt:       Vec3{X: 1, Y: 0, Z: 0},
		RegionHandle: identity.RegionHandle(0x0001000200030004),
		Timestamp:    1700000000,
	}
	body := make([]byte, identity.Size*2+12+12+8+4)
	o := putUUID(body[0:], want.AgentID)
	o += putUUID(body[o:], want.SessionID)
	o += putVec3(body[o:], want.Position)
	o += putVec3(body[o:], want.LookAt)
	o += putU64(body[o:o+8], uint64(want.RegionHandle))
	putU32(body[o:o+4], want.Timestamp)

	got, err := DecodeAgentMovementComplete(body)
	if err != nil {
		t.Fatalf("DecodeAgentMovementComplete: %v", err)
	}
	if got.RegionHandle != want.RegionHandle || got.Position != want.Position || got.Timestamp != want.Timestamp {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestPingCheckRoundTrip(t *testing.T) {
	start := StartPingCheck{PingID: 7, OldestUnacked: 99}
	gotStart, err := DecodeStartPingCheck(start.Encode())
	if err != nil {
		t.Fatalf("DecodeStartPingCheck: %v", err)
	}
	if gotStart.PingID != 7 || gotStart.OldestUnacked != 99 {
		t.Fatalf("got %+v", gotStart)
	}

	complete := CompletePingCheck{PingID: 7}
	gotComplete, err := DecodeCompletePingCheck(complete.Encode())
	if err != nil {
		t.Fatalf("DecodeCompletePingCheck: %v", err)
	}
	if gotComplete.PingID != 7 {
		t.Fatalf("got %+v", gotComplete)
	}
}

func TestPacketAckRoundTrip(t *testing.T) {
	want := PacketAck{IDs: []uint32{1, 2, 3, 42}}
	got, err := DecodePacketAck(want.Encode())
	if err != nil {
		t.Fatalf("DecodePacketAck: %v", err)
	}
	if len(got.IDs) != len(want.IDs) {
		t.Fatalf("IDs = %v, want %v", got.IDs, want.IDs)
	}
	for i := range want.IDs {
		if got.IDs[i] != want.IDs[i] {
			t.Fatalf("IDs[%d] = %d, want %d", i, got.IDs[i], want.IDs[i])
		}
	}
}

func TestChatFromSimulatorDecode(t *testing.T) {
	// Build a minimal body by hand: var1 name, then the fixed fields, then
	// var2 message.
	name := "An Object"
	nameBuf := make([]byte, 1+len(name)+1)
	n := putVarString1(nameBuf, name)
	nameBuf = nameBuf[:n]

	rest := make([]byte, identity.Size*2+1+1+1+12)
	o := putUUID(rest[0:], identity.New())
	o += putUUID(rest[o:], identity.New())
	o += putU8(rest[o:o+1], 4)
	o += putU8(rest[o:o+1], 1)
	o += putU8(rest[o:o+1], 1)
	putVec3(rest[o:], Vec3{X: 1, Y: 2, Z: 3})

	msgBuf := make([]byte, 2+len("hello")+1)
	m := putVarString2(msgBuf, "hello")
	msgBuf = msgBuf[:m]

	body := append(append(nameBuf, rest...), msgBuf...)

	got, err := DecodeChatFromSimulator(body)
	if err != nil {
		t.Fatalf("DecodeChatFromSimulator: %v", err)
	}
	if got.FromName != name {
		t.Fatalf("FromName = %q, want %q", got.FromName, name)
	}
	if got.Message != "hello" {
		t.Fatalf("Message = %q, want hello", got.Message)
	}
}

func TestObjectUpdateForwardCompatStopsAtTruncatedBlock(t *testing.T) {
	body := make([]byte, 8+2+1)
	putU64(body[0:8], 0xABCD)
	putU16(body[8:10], 5)
	body[10] = 2 // declares 2 object blocks but the body ends here

	got, err := DecodeObjectUpdate(body)
	if err != nil {
		t.Fatalf("DecodeObjectUpdate: %v", err)
	}
	if len(got.Objects) != 0 {
		t.Fatalf("Objects = %v, want none (truncated before first full block)", got.Objects)
	}
}

func TestKickUserRoundTrip(t *testing.T) {
	want := KickUser{AgentID: identity.New(), SessionID: identity.New(), Reason: "disconnected"}
	buf := make([]byte, identity.Size*2+2+len(want.Reason)+1)
	o := putUUID(buf[0:], want.AgentID)
	o += putUUID(buf[o:], want.SessionID)
	putVarString2(buf[o:], want.Reason)

	got, err := DecodeKickUser(buf)
	if err != nil {
		t.Fatalf("DecodeKickUser: %v", err)
	}
	if got.Reason != want.Reason {
		t.Fatalf("Reason = %q, want %q", got.Reason, want.Reason)
	}
}

func TestLogoutRequestReplyRoundTrip(t *testing.T) {
	req := LogoutRequest{AgentID: identity.New(), SessionID: identity.New()}
	body := req.Encode()

	reply, err := DecodeLogoutReply(body)
	if err != nil {
		t.Fatalf("DecodeLogoutReply: %v", err)
	}
	if !reply.AgentID.Equal(req.AgentID) || !reply.SessionID.Equal(req.SessionID) {
		t.Fatalf("got %+v, want agent=%v session=%v", reply, req.AgentID, req.SessionID)
	}
}
