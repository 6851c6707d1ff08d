package orchestrator

import (
	"context"
	"net"
	"time"

	"github.com/postalsys/gridwire/internal/circuit"
	"github.com/postalsys/gridwire/internal/codec"
	"github.com/postalsys/gridwire/internal/dispatch"
	"github.com/postalsys/gridwire/internal/handover"
	"github.com/postalsys/gridwire/internal/identity"
	"github.com/postalsys/gridwire/internal/llsd"
	"github.com/postalsys/gridwire/internal/logging"
	"github.com/postalsys/gridwire/internal/recovery"
	"github.com/postalsys/gridwire/internal/session"
)

// regionCrossingTimeout bounds the whole Connecting+MovingAgent span of one
// crossing attempt (UseCircuitCode handshake plus AgentMovementComplete
// wait on the neighbour Circuit).
const regionCrossingTimeout = 30 * time.Second

// beginRegionCrossing handles an EnableSimulator event-queue message: it
// extracts the neighbour simulator's address and fires the Handover
// machine's EnableSimulator trigger before opening the new Circuit.
func (o *Orchestrator) beginRegionCrossing(body map[string]any) {
	defer recovery.RecoverWithLog(o.logger, "orchestrator.beginRegionCrossing")

	ip, port, handle, ok := parseSimulatorInfo(body)
	if !ok {
		o.logger.Warn("EnableSimulator: could not parse simulator endpoint")
		return
	}
	endpoint := &net.UDPAddr{IP: ip, Port: port}
	regionHandle := identity.RegionHandle(handle)

	o.rearmHandover()
	if err := o.handover.Fire(handover.EventEnableSimulator, regionHandle); err != nil {
		o.logger.Warn("handover: EnableSimulator rejected", logging.KeyError, err.Error(), logging.KeyState, o.handover.State().String())
		return
	}
	o.crossToEndpoint(regionHandle, endpoint)
}

// parseSimulatorInfo reads the neighbour simulator's IP/port/handle out of
// an EnableSimulator event body, tolerating either a flat shape or one
// nested under a "SimulatorInfo" map.
func parseSimulatorInfo(body map[string]any) (net.IP, int, uint64, bool) {
	info := body
	if nested, ok := body["SimulatorInfo"]; ok {
		info = llsd.AsMap(nested)
	}

	ipStr := llsd.AsString(info["IP"])
	if ipStr == "" {
		ipStr = llsd.AsString(info["SimIp"])
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return nil, 0, 0, false
	}

	port := llsd.AsInt64(info["Port"])
	if port == 0 {
		port = llsd.AsInt64(info["SimPort"])
	}

	handle := uint64(llsd.AsInt64(info["Handle"]))
	if handle == 0 {
		handle = uint64(llsd.AsInt64(info["RegionHandle"]))
	}

	return ip, int(port), handle, true
}

// rearmHandover returns the crossing machine to Idle from the terminal
// states of a previous crossing so a new trigger can fire. Mid-crossing
// states are left alone; the subsequent Fire rejects the trigger.
func (o *Orchestrator) rearmHandover() {
	if s := o.handover.State(); s == handover.Connected || s == handover.Failed {
		_ = o.handover.Fire(handover.EventReset, 0)
	}
}

// crossToEndpoint drives the Connecting -> MovingAgent -> Connected arc of
// one region crossing: open a Circuit to endpoint, complete its
// UseCircuitCode handshake, send CompleteAgentMovement, and await
// AgentMovementComplete before promoting it to primary.
func (o *Orchestrator) crossToEndpoint(handle identity.RegionHandle, endpoint *net.UDPAddr) {
	sess := o.Session()
	if sess == nil || o.sock == nil {
		_ = o.handover.Fire(handover.EventCrossingFailed, handle)
		return
	}
	if o.metrics != nil {
		o.metrics.RecordHandoverAttempt()
	}
	start := time.Now()

	circ := circuit.New(o.sock, endpoint, sess.CircuitCode, sess.AgentID, sess.SessionID, o.cfg.Circuit, o.logger, o.metrics)
	runCtx, cancel := context.WithCancel(context.Background())
	circ.Run(runCtx)

	o.mu.Lock()
	o.circuits[endpoint.String()] = circ
	o.mu.Unlock()

	fail := func() {
		cancel()
		circ.Close()
		o.mu.Lock()
		delete(o.circuits, endpoint.String())
		o.mu.Unlock()
		_ = o.handover.Fire(handover.EventCrossingFailed, handle)
		if o.metrics != nil {
			o.metrics.RecordHandoverFailure()
		}
	}

	ctx, timeoutCancel := context.WithTimeout(context.Background(), regionCrossingTimeout)
	defer timeoutCancel()

	ucc := codec.UseCircuitCode{CircuitCode: sess.CircuitCode, SessionID: sess.SessionID, AgentID: sess.AgentID}.Encode()
	if err := circ.SendReliable(ctx, "UseCircuitCode", ucc); err != nil {
		fail()
		return
	}
	if err := circ.SetState(circuit.StateHandshaking); err != nil {
		fail()
		return
	}
	if err := o.handover.Fire(handover.EventCircuitHandshaking, handle); err != nil {
		o.logger.Warn("handover: CircuitHandshaking rejected", logging.KeyError, err.Error())
		fail()
		return
	}

	cam := codec.CompleteAgentMovement{AgentID: sess.AgentID, SessionID: sess.SessionID, CircuitCode: sess.CircuitCode}.Encode()
	if _, err := circ.Send("CompleteAgentMovement", cam); err != nil {
		fail()
		return
	}

	movementCh := make(chan *codec.AgentMovementComplete, 1)
	unregister := o.registry.Register("AgentMovementComplete", 10, func(dctx *dispatch.Context, msg any) error {
		if dctx.Peer == nil || dctx.Peer.String() != endpoint.String() {
			return nil
		}
		if mc, ok := msg.(*codec.AgentMovementComplete); ok {
			select {
			case movementCh <- mc:
			default:
			}
		}
		return nil
	})
	defer unregister()

	select {
	case mc := <-movementCh:
		if err := o.handover.Fire(handover.EventMovementCompleted, handle); err != nil {
			o.logger.Warn("handover: MovementCompleted rejected", logging.KeyError, err.Error())
			fail()
			return
		}
		o.promotePrimary(circ, endpoint, mc)
		if o.metrics != nil {
			o.metrics.RecordHandoverLatency(time.Since(start).Seconds())
		}
	case <-ctx.Done():
		fail()
	}
}

// promotePrimary makes newCirc the primary circuit, gracefully closes every
// other open circuit, and publishes the crossing's completion.
func (o *Orchestrator) promotePrimary(newCirc *circuit.Circuit, endpoint *net.UDPAddr, mc *codec.AgentMovementComplete) {
	o.mu.Lock()
	var others []*circuit.Circuit
	for addr, c := range o.circuits {
		if addr != endpoint.String() {
			others = append(others, c)
		}
	}
	o.primary = newCirc
	o.primaryRegion = &session.Region{Handle: mc.RegionHandle, Endpoint: endpoint, AgentLocalPosition: mc.Position}
	o.circuits = map[string]*circuit.Circuit{endpoint.String(): newCirc}
	o.mu.Unlock()

	for _, c := range others {
		_, _ = c.Send("CloseCircuit", codec.CloseCircuit{}.Encode())
		c.Close()
	}

	_ = newCirc.SetState(circuit.StateReady)
	o.bus.Publish(dispatch.WorldEvent{Kind: dispatch.EventTeleportFinish, Data: mc})
}
