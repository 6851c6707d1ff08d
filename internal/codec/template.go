package codec

// Template describes one entry in the message catalogue: enough metadata
// for the Circuit layer to decide default reliability and for logging to
// name a packet by its message rather than its raw numeric ID.
type Template struct {
	Name            string
	ID              MsgID
	ReliableDefault bool
	ZerocodedDefault bool
}

// The message catalogue. This is the fixed, Go-native equivalent of a
// runtime-loaded template file: the small set of messages the orchestrator,
// circuit, and handover components exercise directly (see the engine's
// component design for the full connect sequence and handshake messages).
var catalogue = []Template{
	{Name: "UseCircuitCode", ID: MsgID{Frequency: Low, ID: 3}, ReliableDefault: true},
	{Name: "CompleteAgentMovement", ID: MsgID{Frequency: Low, ID: 249}, ReliableDefault: false},
	{Name: "RegionHandshake", ID: MsgID{Frequency: Low, ID: 148}, ReliableDefault: true},
	{Name: "RegionHandshakeReply", ID: MsgID{Frequency: Low, ID: 149}, ReliableDefault: true},
	{Name: "AgentHeightWidth", ID: MsgID{Frequency: Low, ID: 158}, ReliableDefault: true},
	{Name: "AgentUpdate", ID: MsgID{Frequency: High, ID: 4}, ReliableDefault: false},
	{Name: "AgentMovementComplete", ID: MsgID{Frequency: Low, ID: 250}, ReliableDefault: true},
	{Name: "AgentThrottle", ID: MsgID{Frequency: Medium, ID: 81}, ReliableDefault: true},
	{Name: "StartPingCheck", ID: MsgID{Frequency: High, ID: 1}, ReliableDefault: false},
	{Name: "CompletePingCheck", ID: MsgID{Frequency: High, ID: 2}, ReliableDefault: false},
	{Name: "PacketAck", ID: MsgID{Frequency: Fixed, ID: 0xFB}, ReliableDefault: false},
	{Name: "CloseCircuit", ID: MsgID{Frequency: Fixed, ID: 0xFC}, ReliableDefault: false},
	{Name: "ChatFromViewer", ID: MsgID{Frequency: Low, ID: 80}, ReliableDefault: true},
	{Name: "ChatFromSimulator", ID: MsgID{Frequency: Low, ID: 139}, ReliableDefault: false},
	{Name: "ObjectUpdate", ID: MsgID{Frequency: High, ID: 12}, ReliableDefault: false, ZerocodedDefault: true},
	{Name: "KickUser", ID: MsgID{Frequency: Low, ID: 151}, ReliableDefault: true},
	{Name: "LogoutRequest", ID: MsgID{Frequency: Low, ID: 252}, ReliableDefault: true},
	{Name: "LogoutReply", ID: MsgID{Frequency: Low, ID: 253}, ReliableDefault: false},
}

var (
	templateByName = map[string]Template{}
	templateByID   = map[MsgID]Template{}
)

func init() {
	for _, t := range catalogue {
		templateByName[t.Name] = t
		templateByID[t.ID] = t
	}
}

// TemplateByName looks up a message template by its name.
func TemplateByName(name string) (Template, bool) {
	t, ok := templateByName[name]
	return t, ok
}

// TemplateByID looks up a message template by its (frequency, id) pair. It
// reports false for an ID outside the catalogue; MessageName names such a
// packet "Unknown".
func TemplateByID(id MsgID) (Template, bool) {
	t, ok := templateByID[id]
	return t, ok
}

// MessageName returns a human-readable name for a MsgID, or "Unknown".
func MessageName(id MsgID) string {
	if t, ok := templateByID[id]; ok {
		return t.Name
	}
	return "Unknown"
}
