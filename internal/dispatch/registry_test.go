package dispatch

import (
	"errors"
	"testing"
)

func TestRegistryDispatchesInPriorityOrder(t *testing.T) {
	r := NewRegistry(nil, nil)
	var order []int

	r.Register("ChatFromSimulator", 1, func(ctx *Context, msg any) error {
		order = append(order, 1)
		return nil
	})
	r.Register("ChatFromSimulator", 10, func(ctx *Context, msg any) error {
		order = append(order, 10)
		return nil
	})
	r.Register("ChatFromSimulator", 5, func(ctx *Context, msg any) error {
		order = append(order, 5)
		return nil
	})

	r.Dispatch(&Context{}, "ChatFromSimulator", "payload")

	want := []int{10, 5, 1}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestRegistryHandlerErrorDoesNotShortCircuit(t *testing.T) {
	r := NewRegistry(nil, nil)
	var ran []string

	r.Register("ObjectUpdate", 2, func(ctx *Context, msg any) error {
		ran = append(ran, "first")
		return errors.New("boom")
	})
	r.Register("ObjectUpdate", 1, func(ctx *Context, msg any) error {
		ran = append(ran, "second")
		return nil
	})

	r.Dispatch(&Context{}, "ObjectUpdate", nil)

	if len(ran) != 2 || ran[0] != "first" || ran[1] != "second" {
		t.Fatalf("ran = %v, want [first second] despite the first handler's error", ran)
	}
}

func TestRegistryHandlerCount(t *testing.T) {
	r := NewRegistry(nil, nil)
	if r.HandlerCount("AgentUpdate") != 0 {
		t.Fatalf("HandlerCount on empty registry should be 0")
	}
	r.Register("AgentUpdate", 0, func(ctx *Context, msg any) error { return nil })
	r.Register("AgentUpdate", 0, func(ctx *Context, msg any) error { return nil })
	if r.HandlerCount("AgentUpdate") != 2 {
		t.Fatalf("HandlerCount = %d, want 2", r.HandlerCount("AgentUpdate"))
	}
}

func TestRegistryUnregisterRemovesOnlyThatHandler(t *testing.T) {
	r := NewRegistry(nil, nil)
	var ran []string

	remove := r.Register("RegionHandshake", 0, func(ctx *Context, msg any) error {
		ran = append(ran, "transient")
		return nil
	})
	r.Register("RegionHandshake", 0, func(ctx *Context, msg any) error {
		ran = append(ran, "persistent")
		return nil
	})

	remove()
	remove() // second call is a no-op

	r.Dispatch(&Context{}, "RegionHandshake", nil)
	if len(ran) != 1 || ran[0] != "persistent" {
		t.Fatalf("ran = %v, want only the persistent handler", ran)
	}
	if r.HandlerCount("RegionHandshake") != 1 {
		t.Fatalf("HandlerCount = %d, want 1", r.HandlerCount("RegionHandshake"))
	}
}

func TestRegistryDispatchUnknownNameIsNoop(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Dispatch(&Context{}, "NoSuchMessage", nil) // must not panic
}
