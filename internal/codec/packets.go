package codec

import (
	"github.com/postalsys/gridwire/internal/identity"
)

// Each message type below implements Encode (producing the message body,
// not including header/msgid/acks) and a DecodeX function that parses a
// body. Decoders follow the forward-compatibility rule: once the blocks a
// caller actually needs are consumed, a datagram that ends early is not an
// error; trailing, not-yet-defined blocks are simply absent rather than
// causing the whole parse to fail.

// UseCircuitCode opens a circuit for an agent/session pair.
type UseCircuitCode struct {
	CircuitCode uint32
	SessionID   identity.UUID
	AgentID     identity.UUID
}

func (m UseCircuitCode) Encode() []byte {
	buf := make([]byte, 4+identity.Size*2)
	o := putU32(buf[0:4], m.CircuitCode)
	o += putUUID(buf[o:], m.SessionID)
	putUUID(buf[o:], m.AgentID)
	return buf
}

func DecodeUseCircuitCode(body []byte) (*UseCircuitCode, error) {
	if len(body) < 4+identity.Size*2 {
		return nil, decodeErr("UseCircuitCode", ErrTruncatedString)
	}
	m := &UseCircuitCode{}
	o := 0
	m.CircuitCode, _ = getU32(body[o : o+4])
	o += 4
	sid, _, err := getUUID(body[o:])
	if err != nil {
		return nil, decodeErr("UseCircuitCode.SessionID", err)
	}
	m.SessionID = sid
	o += identity.Size
	aid, _, err := getUUID(body[o:])
	if err != nil {
		return nil, decodeErr("UseCircuitCode.AgentID", err)
	}
	m.AgentID = aid
	return m, nil
}

// CompleteAgentMovement asks the simulator to finish placing the agent in
// the region after UseCircuitCode succeeds.
type CompleteAgentMovement struct {
	AgentID     identity.UUID
	SessionID   identity.UUID
	CircuitCode uint32
}

func (m CompleteAgentMovement) Encode() []byte {
	buf := make([]byte, identity.Size*2+4)
	o := putUUID(buf[0:], m.AgentID)
	o += putUUID(buf[o:], m.SessionID)
	putU32(buf[o:], m.CircuitCode)
	return buf
}

func DecodeCompleteAgentMovement(body []byte) (*CompleteAgentMovement, error) {
	if len(body) < identity.Size*2+4 {
		return nil, decodeErr("CompleteAgentMovement", ErrTruncatedString)
	}
	m := &CompleteAgentMovement{}
	o := 0
	aid, _, err := getUUID(body[o:])
	if err != nil {
		return nil, decodeErr("CompleteAgentMovement.AgentID", err)
	}
	m.AgentID = aid
	o += identity.Size
	sid, _, err := getUUID(body[o:])
	if err != nil {
		return nil, decodeErr("CompleteAgentMovement.SessionID", err)
	}
	m.SessionID = sid
	o += identity.Size
	m.CircuitCode, _ = getU32(body[o : o+4])
	return m, nil
}

// RegionHandshake is sent by the simulator once the circuit is open,
// describing the region the agent has just connected to.
type RegionHandshake struct {
	RegionFlags     uint32
	SimAccess       uint8
	SimName         string
	SimOwner        identity.UUID
	IsEstateManager bool
	WaterHeight     float32
	BillableFactor  float32
	CacheID         identity.UUID
	RegionID        identity.UUID
}

func DecodeRegionHandshake(body []byte) (*RegionHandshake, error) {
	m := &RegionHandshake{}
	o := 0
	need := func(n int) bool { return o+n <= len(body) }

	if !need(4) {
		return m, nil
	}
	m.RegionFlags, _ = getU32(body[o : o+4])
	o += 4

	if !need(1) {
		return m, nil
	}
	m.SimAccess, _ = getU8(body[o : o+1])
	o += 1

	if o >= len(body) {
		return m, nil
	}
	name, n, err := getVarString1(body[o:])
	if err != nil {
		return m, nil
	}
	m.SimName = name
	o += n

	if !need(identity.Size) {
		return m, nil
	}
	owner, _, err := getUUID(body[o:])
	if err != nil {
		return m, nil
	}
	m.SimOwner = owner
	o += identity.Size

	if !need(1) {
		return m, nil
	}
	estate, _ := getU8(body[o : o+1])
	m.IsEstateManager = estate != 0
	o += 1

	if !need(4) {
		return m, nil
	}
	m.WaterHeight, _ = getF32(body[o : o+4])
	o += 4

	if !need(4) {
		return m, nil
	}
	m.BillableFactor, _ = getF32(body[o : o+4])
	o += 4

	if !need(identity.Size) {
		return m, nil
	}
	cache, _, err := getUUID(body[o:])
	if err == nil {
		m.CacheID = cache
	}
	o += identity.Size

	if !need(identity.Size) {
		return m, nil
	}
	region, _, err := getUUID(body[o:])
	if err == nil {
		m.RegionID = region
	}

	return m, nil
}

// RegionHandshakeReply acknowledges a RegionHandshake and carries per-agent
// region flags back to the simulator.
const (
	RegionHandshakeReplyFlagSelf     uint32 = 0x01
	RegionHandshakeReplyFlagTeenMode uint32 = 0x02
)

type RegionHandshakeReply struct {
	AgentID   identity.UUID
	SessionID identity.UUID
	Flags     uint32
}

func (m RegionHandshakeReply) Encode() []byte {
	buf := make([]byte, identity.Size*2+4)
	o := putUUID(buf[0:], m.AgentID)
	o += putUUID(buf[o:], m.SessionID)
	putU32(buf[o:], m.Flags)
	return buf
}

// AgentHeightWidth reports the agent's viewport in pixels, sent once per
// connect sequence.
type AgentHeightWidth struct {
	CircuitCode uint32
	GenCounter  uint32
	Height      uint16
	Width       uint16
}

func (m AgentHeightWidth) Encode() []byte {
	buf := make([]byte, 4+4+2+2)
	o := putU32(buf[0:4], m.CircuitCode)
	o += putU32(buf[o:o+4], m.GenCounter)
	o += putU16(buf[o:o+2], m.Height)
	putU16(buf[o:o+2], m.Width)
	return buf
}

// AgentUpdate is the high-frequency agent-state packet sent on a timer and
// in response to camera/movement changes.
type AgentUpdate struct {
	AgentID        identity.UUID
	SessionID      identity.UUID
	BodyRotation   Quat
	HeadRotation   Quat
	State          uint8
	CameraCenter   Vec3
	CameraAtAxis   Vec3
	CameraLeftAxis Vec3
	CameraUpAxis   Vec3
	Far            float32
	ControlFlags   uint32
	Flags          uint8
}

func (m AgentUpdate) Encode() []byte {
	buf := make([]byte, identity.Size*2+12+12+1+12*4+4+4+1)
	o := putUUID(buf[0:], m.AgentID)
	o += putUUID(buf[o:], m.SessionID)
	o += putQuatXYZ(buf[o:], m.BodyRotation)
	o += putQuatXYZ(buf[o:], m.HeadRotation)
	o += putU8(buf[o:o+1], m.State)
	o += putVec3(buf[o:], m.CameraCenter)
	o += putVec3(buf[o:], m.CameraAtAxis)
	o += putVec3(buf[o:], m.CameraLeftAxis)
	o += putVec3(buf[o:], m.CameraUpAxis)
	o += putF32(buf[o:o+4], m.Far)
	o += putU32(buf[o:o+4], m.ControlFlags)
	putU8(buf[o:o+1], m.Flags)
	return buf
}

// AgentMovementComplete is sent by the simulator once the agent has been
// placed in the region.
type AgentMovementComplete struct {
	AgentID      identity.UUID
	SessionID    identity.UUID
	Position     Vec3
	LookAt       Vec3
	RegionHandle identity.RegionHandle
	Timestamp    uint32
}

func DecodeAgentMovementComplete(body []byte) (*AgentMovementComplete, error) {
	if len(body) < identity.Size*2+12+12+8+4 {
		return nil, decodeErr("AgentMovementComplete", ErrTruncatedString)
	}
	m := &AgentMovementComplete{}
	o := 0
	aid, _, err := getUUID(body[o:])
	if err != nil {
		return nil, decodeErr("AgentMovementComplete.AgentID", err)
	}
	m.AgentID = aid
	o += identity.Size
	sid, _, err := getUUID(body[o:])
	if err != nil {
		return nil, decodeErr("AgentMovementComplete.SessionID", err)
	}
	m.SessionID = sid
	o += identity.Size
	m.Position, _ = getVec3(body[o:])
	o += 12
	m.LookAt, _ = getVec3(body[o:])
	o += 12
	handleBits, _ := getU64(body[o : o+8])
	m.RegionHandle = identity.RegionHandle(handleBits)
	o += 8
	m.Timestamp, _ = getU32(body[o : o+4])
	return m, nil
}

// AgentThrottle sets the seven bandwidth-category throttles.
type AgentThrottle struct {
	AgentID     identity.UUID
	SessionID   identity.UUID
	CircuitCode uint32
	GenCounter  uint32
	Throttles   [7]float32
}

func (m AgentThrottle) Encode() []byte {
	buf := make([]byte, identity.Size*2+4+4+4*7)
	o := putUUID(buf[0:], m.AgentID)
	o += putUUID(buf[o:], m.SessionID)
	o += putU32(buf[o:o+4], m.CircuitCode)
	o += putU32(buf[o:o+4], m.GenCounter)
	for _, v := range m.Throttles {
		o += putF32(buf[o:o+4], v)
	}
	return buf
}

// StartPingCheck is a keepalive probe; the peer must answer with
// CompletePingCheck carrying the same PingID.
type StartPingCheck struct {
	PingID        uint8
	OldestUnacked uint32
}

func (m StartPingCheck) Encode() []byte {
	buf := make([]byte, 1+4)
	o := putU8(buf[0:1], m.PingID)
	putU32(buf[o:o+4], m.OldestUnacked)
	return buf
}

func DecodeStartPingCheck(body []byte) (*StartPingCheck, error) {
	if len(body) < 1 {
		return nil, decodeErr("StartPingCheck", ErrTruncatedString)
	}
	m := &StartPingCheck{}
	m.PingID, _ = getU8(body[0:1])
	if len(body) >= 5 {
		m.OldestUnacked, _ = getU32(body[1:5])
	}
	return m, nil
}

// CompletePingCheck answers a StartPingCheck.
type CompletePingCheck struct {
	PingID uint8
}

func (m CompletePingCheck) Encode() []byte {
	return []byte{m.PingID}
}

func DecodeCompletePingCheck(body []byte) (*CompletePingCheck, error) {
	if len(body) < 1 {
		return nil, decodeErr("CompletePingCheck", ErrTruncatedString)
	}
	return &CompletePingCheck{PingID: body[0]}, nil
}

// PacketAck is an explicit, standalone ack list (distinct from the
// header's piggybacked FlagHasAcks tail).
type PacketAck struct {
	IDs []uint32
}

func (m PacketAck) Encode() []byte {
	buf := make([]byte, 1+4*len(m.IDs))
	buf[0] = byte(len(m.IDs))
	o := 1
	for _, id := range m.IDs {
		o += putU32(buf[o:o+4], id)
	}
	return buf
}

func DecodePacketAck(body []byte) (*PacketAck, error) {
	if len(body) < 1 {
		return nil, decodeErr("PacketAck", ErrTruncatedString)
	}
	n := int(body[0])
	m := &PacketAck{}
	o := 1
	for i := 0; i < n && o+4 <= len(body); i++ {
		v, _ := getU32(body[o : o+4])
		m.IDs = append(m.IDs, v)
		o += 4
	}
	return m, nil
}

// CloseCircuit carries no body.
type CloseCircuit struct{}

func (m CloseCircuit) Encode() []byte { return nil }

// ChatFromViewer sends local chat from the agent.
type ChatFromViewer struct {
	AgentID   identity.UUID
	SessionID identity.UUID
	Message   string
	Type      uint8
	Channel   int32
}

func (m ChatFromViewer) Encode() []byte {
	buf := make([]byte, identity.Size*2+2+len(m.Message)+1+1+4)
	o := putUUID(buf[0:], m.AgentID)
	o += putUUID(buf[o:], m.SessionID)
	o += putVarString2(buf[o:], m.Message)
	o += putU8(buf[o:o+1], m.Type)
	putU32(buf[o:o+4], uint32(m.Channel))
	return buf[:o+4]
}

// ChatFromSimulator delivers chat (or object/script output) to the agent.
type ChatFromSimulator struct {
	FromName   string
	SourceID   identity.UUID
	OwnerID    identity.UUID
	SourceType uint8
	ChatType   uint8
	Audible    uint8
	Position   Vec3
	Message    string
}

func DecodeChatFromSimulator(body []byte) (*ChatFromSimulator, error) {
	m := &ChatFromSimulator{}
	o := 0
	name, n, err := getVarString1(body[o:])
	if err != nil {
		return nil, decodeErr("ChatFromSimulator.FromName", err)
	}
	m.FromName = name
	o += n

	if o+identity.Size*2+1+1+1+12 > len(body) {
		return m, nil
	}
	sid, _, _ := getUUID(body[o:])
	m.SourceID = sid
	o += identity.Size
	oid, _, _ := getUUID(body[o:])
	m.OwnerID = oid
	o += identity.Size
	m.SourceType, _ = getU8(body[o : o+1])
	o += 1
	m.ChatType, _ = getU8(body[o : o+1])
	o += 1
	m.Audible, _ = getU8(body[o : o+1])
	o += 1
	m.Position, _ = getVec3(body[o:])
	o += 12

	if o >= len(body) {
		return m, nil
	}
	msg, _, err := getVarString2(body[o:])
	if err == nil {
		m.Message = msg
	}
	return m, nil
}

// ObjectUpdateBlock is one entry in an ObjectUpdate message. The real
// protocol's object data block carries many optional, PCode-dependent
// fields; this engine decodes the subset dispatch and handover logic
// actually consume and leaves the rest to be read from the raw body by
// callers that need it.
type ObjectUpdateBlock struct {
	LocalID  uint32
	FullID   identity.UUID
	PCode    uint8
	State    uint8
	Position Vec3
	Rotation Quat
}

// ObjectUpdate reports new or changed objects in the region.
type ObjectUpdate struct {
	RegionHandle identity.RegionHandle
	TimeDilation uint16
	Objects      []ObjectUpdateBlock
}

const objectUpdateBlockSize = 4 + identity.Size + 1 + 1 + 12 + 12

func DecodeObjectUpdate(body []byte) (*ObjectUpdate, error) {
	if len(body) < 8+2 {
		return nil, decodeErr("ObjectUpdate", ErrTruncatedString)
	}
	m := &ObjectUpdate{}
	o := 0
	handleBits, _ := getU64(body[o : o+8])
	m.RegionHandle = identity.RegionHandle(handleBits)
	o += 8
	m.TimeDilation, _ = getU16(body[o : o+2])
	o += 2

	if o >= len(body) {
		return m, nil
	}
	count := int(body[o])
	o += 1

	for i := 0; i < count; i++ {
		if o+objectUpdateBlockSize > len(body) {
			// Forward-compatible: stop at the first block we can't fully
			// read rather than failing the whole message.
			break
		}
		blk := ObjectUpdateBlock{}
		blk.LocalID, _ = getU32(body[o : o+4])
		o += 4
		fid, _, err := getUUID(body[o:])
		if err == nil {
			blk.FullID = fid
		}
		o += identity.Size
		blk.PCode, _ = getU8(body[o : o+1])
		o += 1
		blk.State, _ = getU8(body[o : o+1])
		o += 1
		blk.Position, _ = getVec3(body[o:])
		o += 12
		blk.Rotation, _ = getQuatXYZ(body[o:])
		o += 12
		m.Objects = append(m.Objects, blk)
	}

	return m, nil
}

// KickUser tells the viewer it is being disconnected, with a human-readable
// reason.
type KickUser struct {
	AgentID   identity.UUID
	SessionID identity.UUID
	Reason    string
}

func DecodeKickUser(body []byte) (*KickUser, error) {
	if len(body) < identity.Size*2 {
		return nil, decodeErr("KickUser", ErrTruncatedString)
	}
	m := &KickUser{}
	o := 0
	aid, _, err := getUUID(body[o:])
	if err != nil {
		return nil, decodeErr("KickUser.AgentID", err)
	}
	m.AgentID = aid
	o += identity.Size
	sid, _, err := getUUID(body[o:])
	if err != nil {
		return nil, decodeErr("KickUser.SessionID", err)
	}
	m.SessionID = sid
	o += identity.Size

	if o >= len(body) {
		return m, nil
	}
	reason, _, err := getVarString2(body[o:])
	if err == nil {
		m.Reason = reason
	}
	return m, nil
}

// LogoutRequest asks the simulator to begin an orderly disconnect.
type LogoutRequest struct {
	AgentID   identity.UUID
	SessionID identity.UUID
}

func (m LogoutRequest) Encode() []byte {
	buf := make([]byte, identity.Size*2)
	o := putUUID(buf[0:], m.AgentID)
	putUUID(buf[o:], m.SessionID)
	return buf
}

// LogoutReply confirms a logout.
type LogoutReply struct {
	AgentID   identity.UUID
	SessionID identity.UUID
}

func DecodeLogoutReply(body []byte) (*LogoutReply, error) {
	if len(body) < identity.Size*2 {
		return nil, decodeErr("LogoutReply", ErrTruncatedString)
	}
	m := &LogoutReply{}
	o := 0
	aid, _, err := getUUID(body[o:])
	if err != nil {
		return nil, decodeErr("LogoutReply.AgentID", err)
	}
	m.AgentID = aid
	o += identity.Size
	sid, _, err := getUUID(body[o:])
	if err != nil {
		return nil, decodeErr("LogoutReply.SessionID", err)
	}
	m.SessionID = sid
	return m, nil
}
