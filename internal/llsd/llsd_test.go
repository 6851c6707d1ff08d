package llsd

import (
	"testing"
)

func TestEncodeDecodeMapRoundTrip(t *testing.T) {
	in := map[string]any{
		"EventQueueGet": "https://sim.example/caps/event-queue",
		"ViewerAsset":   "https://sim.example/caps/asset",
	}
	encoded := Encode(in)

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	m := AsMap(decoded)
	if len(m) != 2 {
		t.Fatalf("decoded map len = %d, want 2", len(m))
	}
	if AsString(m["EventQueueGet"]) != in["EventQueueGet"] {
		t.Fatalf("EventQueueGet = %q, want %q", AsString(m["EventQueueGet"]), in["EventQueueGet"])
	}
}

func TestEncodeDecodeArrayOfStrings(t *testing.T) {
	in := []string{"AgentState", "ViewerAsset", "EventQueueGet"}
	encoded := Encode(in)

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	arr := AsArray(decoded)
	if len(arr) != len(in) {
		t.Fatalf("decoded array len = %d, want %d", len(arr), len(in))
	}
	for i, v := range in {
		if AsString(arr[i]) != v {
			t.Fatalf("arr[%d] = %q, want %q", i, AsString(arr[i]), v)
		}
	}
}

func TestDecodeMissingRootIsError(t *testing.T) {
	if _, err := Decode([]byte(`<?xml version="1.0"?><notllsd/>`)); err == nil {
		t.Fatalf("expected error for missing <llsd> root")
	}
}

func TestAsHelpersOnMismatch(t *testing.T) {
	if got := AsMap("not a map"); len(got) != 0 {
		t.Fatalf("AsMap on mismatch = %v, want empty", got)
	}
	if got := AsArray(42); got != nil {
		t.Fatalf("AsArray on mismatch = %v, want nil", got)
	}
	if got := AsString(42); got != "" {
		t.Fatalf("AsString on mismatch = %q, want empty", got)
	}
	if got := AsInt64("nope"); got != 0 {
		t.Fatalf("AsInt64 on mismatch = %d, want 0", got)
	}
}

func TestDecodeIntegerAndBoolean(t *testing.T) {
	doc := `<?xml version="1.0"?><llsd><map>` +
		`<key>count</key><integer>42</integer>` +
		`<key>done</key><boolean>true</boolean>` +
		`</map></llsd>`
	decoded, err := Decode([]byte(doc))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	m := AsMap(decoded)
	if AsInt64(m["count"]) != 42 {
		t.Fatalf("count = %v, want 42", m["count"])
	}
	if b, ok := m["done"].(bool); !ok || !b {
		t.Fatalf("done = %v, want true", m["done"])
	}
}
