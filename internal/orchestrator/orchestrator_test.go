package orchestrator

import (
	"errors"
	"testing"

	"github.com/postalsys/gridwire/internal/codec"
	"github.com/postalsys/gridwire/internal/config"
	"github.com/postalsys/gridwire/internal/errs"
)

func newTestOrchestrator() *Orchestrator {
	cfg := config.Default()
	return New(cfg, nil, nil)
}

func TestOrchestrator_FacadeOpsFailBeforeConnect(t *testing.T) {
	o := newTestOrchestrator()

	if err := o.SendChat("hi", 0, 1); !errors.Is(err, errs.ErrCircuitNotFound) {
		t.Fatalf("expected ErrCircuitNotFound, got %v", err)
	}
	if err := o.UpdateAgent(codec.AgentUpdate{}); !errors.Is(err, errs.ErrCircuitNotFound) {
		t.Fatalf("expected ErrCircuitNotFound, got %v", err)
	}
}

func TestOrchestrator_DisconnectBeforeConnectIsNoop(t *testing.T) {
	o := newTestOrchestrator()
	if err := o.Disconnect(); err != nil {
		t.Fatalf("Disconnect before Connect should be a no-op, got %v", err)
	}
}

func TestOrchestrator_SessionAndPrimaryRegionNilBeforeConnect(t *testing.T) {
	o := newTestOrchestrator()
	if o.Session() != nil {
		t.Fatalf("expected nil Session before Connect")
	}
	if o.PrimaryRegion() != nil {
		t.Fatalf("expected nil PrimaryRegion before Connect")
	}
}

func TestOrchestrator_HandoverStartsIdle(t *testing.T) {
	o := newTestOrchestrator()
	if o.Handover().State().String() != "Idle" {
		t.Fatalf("expected Idle, got %s", o.Handover().State())
	}
}

func TestParseSimulatorInfo_FlatShape(t *testing.T) {
	body := map[string]any{
		"IP":     "10.0.0.5",
		"Port":   int64(13005),
		"Handle": int64(1099511693312),
	}
	ip, port, handle, ok := parseSimulatorInfo(body)
	if !ok {
		t.Fatalf("expected parse to succeed")
	}
	if ip.String() != "10.0.0.5" {
		t.Fatalf("expected IP 10.0.0.5, got %s", ip)
	}
	if port != 13005 {
		t.Fatalf("expected port 13005, got %d", port)
	}
	if handle != 1099511693312 {
		t.Fatalf("expected handle 1099511693312, got %d", handle)
	}
}

func TestParseSimulatorInfo_NestedShape(t *testing.T) {
	body := map[string]any{
		"SimulatorInfo": map[string]any{
			"SimIp":        "192.168.1.20",
			"SimPort":      int64(13006),
			"RegionHandle": int64(42),
		},
	}
	ip, port, handle, ok := parseSimulatorInfo(body)
	if !ok {
		t.Fatalf("expected parse to succeed")
	}
	if ip.String() != "192.168.1.20" {
		t.Fatalf("expected IP 192.168.1.20, got %s", ip)
	}
	if port != 13006 {
		t.Fatalf("expected port 13006, got %d", port)
	}
	if handle != 42 {
		t.Fatalf("expected handle 42, got %d", handle)
	}
}

func TestParseSimulatorInfo_MissingIPFails(t *testing.T) {
	_, _, _, ok := parseSimulatorInfo(map[string]any{"Port": int64(1)})
	if ok {
		t.Fatalf("expected parse to fail without a valid IP")
	}
}
