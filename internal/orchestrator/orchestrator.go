// Package orchestrator drives the full session lifecycle: the eight-step
// connect sequence, the façade operations a host application calls
// (send_chat, update_agent, teleport, disconnect), and the region-handover
// flow that opens a neighbour Circuit and promotes it to primary.
//
// One top-level type owns config, identity, logger, a map of circuits, the
// dispatch registry, the handover state machine, and background-task
// cancellation handles; no component holds a pointer back to it.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http/httpproxy"

	"github.com/postalsys/gridwire/internal/auth"
	"github.com/postalsys/gridwire/internal/capabilities"
	"github.com/postalsys/gridwire/internal/circuit"
	"github.com/postalsys/gridwire/internal/codec"
	"github.com/postalsys/gridwire/internal/config"
	"github.com/postalsys/gridwire/internal/dispatch"
	"github.com/postalsys/gridwire/internal/errs"
	"github.com/postalsys/gridwire/internal/eventqueue"
	"github.com/postalsys/gridwire/internal/handover"
	"github.com/postalsys/gridwire/internal/identity"
	"github.com/postalsys/gridwire/internal/logging"
	"github.com/postalsys/gridwire/internal/metrics"
	"github.com/postalsys/gridwire/internal/recovery"
	"github.com/postalsys/gridwire/internal/session"
	"github.com/postalsys/gridwire/internal/transport"
)

// connectControlFlags are the control-flag values the three post-throttle
// AgentUpdate packets carry, grounded verbatim in the original client's
// post-login follow-up sequence: 0 (clear), FINISH_ANIM, 0.
var connectControlFlags = []uint32{0, 0x40000000, 0}

// bogusAgentUpdateCamera is the camera-center the connect sequence's
// placeholder AgentUpdate carries before the host application has sent a
// real one.
var bogusAgentUpdateCamera = codec.Vec3{X: 128, Y: 128, Z: 25}

const bogusAgentUpdateFar = float32(256.0)

// Orchestrator owns one authenticated session and its circuits.
type Orchestrator struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	registry *dispatch.Registry
	bus      *dispatch.Bus
	handover *handover.Machine

	httpClient *http.Client
	sock       *transport.Socket

	mu            sync.RWMutex
	sess          *session.Session
	primaryRegion *session.Region
	primary       *circuit.Circuit
	circuits      map[string]*circuit.Circuit // keyed by endpoint string

	running atomic.Bool
	wg      sync.WaitGroup

	teardownMu sync.Mutex
	teardown   []func() // LIFO cancellation/cleanup, most-recent first
}

// New builds an Orchestrator. cfg must already be validated (config.Parse
// does this).
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Orchestrator {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Orchestrator{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		registry: dispatch.NewRegistry(logger, m),
		bus:      dispatch.NewBus(cfg.Dispatch.EventBusCapacity, m),
		handover: handover.New(),
		circuits: make(map[string]*circuit.Circuit),
	}
}

// Subscribe returns a channel of application-oriented WorldEvents and a
// cancel function to unsubscribe.
func (o *Orchestrator) Subscribe() (<-chan dispatch.WorldEvent, func()) {
	return o.bus.Subscribe()
}

// Session returns the current authenticated session, or nil before Connect
// succeeds.
func (o *Orchestrator) Session() *session.Session {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.sess
}

// PrimaryRegion returns the current primary region, or nil before the
// connect sequence reaches AgentMovementComplete.
func (o *Orchestrator) PrimaryRegion() *session.Region {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.primaryRegion
}

// Handover exposes the region-crossing state machine for diagnostics and
// for the façade's teleport operation.
func (o *Orchestrator) Handover() *handover.Machine { return o.handover }

func (o *Orchestrator) pushTeardown(fn func()) {
	o.teardownMu.Lock()
	o.teardown = append(o.teardown, fn)
	o.teardownMu.Unlock()
}

// Connect runs the eight-step connect sequence and, on success, leaves the
// primary circuit in StateReady with the event-queue poller running.
func (o *Orchestrator) Connect(ctx context.Context, creds auth.Credentials) error {
	sock, err := transport.Dial(ctx, o.cfg.Proxy, o.cfg.Grid.UDPListenPort, o.logger)
	if err != nil {
		return fmt.Errorf("%w: dial transport: %v", errs.ErrTransport, err)
	}
	o.sock = sock
	o.pushTeardown(func() { sock.Close() })

	httpTransport := &http.Transport{}
	if o.cfg.Proxy.HTTPProxy != "" {
		proxyFunc := (&httpproxy.Config{
			HTTPProxy:  o.cfg.Proxy.HTTPProxy,
			HTTPSProxy: o.cfg.Proxy.HTTPProxy,
		}).ProxyFunc()
		httpTransport.Proxy = func(req *http.Request) (*url.URL, error) {
			return proxyFunc(req.URL)
		}
	}
	o.httpClient = &http.Client{Transport: httpTransport}

	authClient := auth.NewClient(o.httpClient, o.cfg.Grid, o.metrics)
	authClient.ListenPort = sock.LocalAddr().Port
	sess, err := authClient.Login(ctx, creds)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.sess = sess
	o.mu.Unlock()
	o.logger.Info("authenticated",
		logging.KeyAgentID, sess.AgentID.ShortString(),
		logging.KeySessionID, logging.MaskSecret(sess.SessionID.String()),
		logging.KeyEndpoint, sess.PrimaryEndpoint.String())

	recvCtx, recvCancel := context.WithCancel(context.Background())
	o.pushTeardown(recvCancel)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer recovery.RecoverWithLog(o.logger, "orchestrator.recvLoop")
		o.recvLoop(recvCtx, sock)
	}()

	circ, err := o.openPrimaryCircuit(ctx, sess)
	if err != nil {
		o.bus.Publish(dispatch.WorldEvent{Kind: dispatch.EventConnectionStatus, Data: dispatch.ConnectionStatus{Connected: false, Reason: err.Error()}})
		return err
	}

	region, err := o.completeHandshake(ctx, circ, sess)
	if err != nil {
		o.bus.Publish(dispatch.WorldEvent{Kind: dispatch.EventConnectionStatus, Data: dispatch.ConnectionStatus{Connected: false, Reason: err.Error()}})
		return err
	}

	o.mu.Lock()
	o.primaryRegion = region
	o.mu.Unlock()

	o.startThrottleAndUpdates(circ, sess)
	_ = circ.SetState(circuit.StateReady)

	o.fetchCapsAndPollEvents(ctx, sess, region)

	o.running.Store(true)
	o.bus.Publish(dispatch.WorldEvent{Kind: dispatch.EventConnectionStatus, Data: dispatch.ConnectionStatus{Connected: true}})
	return nil
}

// openPrimaryCircuit opens the primary Circuit and drives it through
// UseCircuitCode with the outer, coarse-grained retry policy (up to 5
// attempts, 10s initial / 40s capped exponential backoff), distinct from
// the Circuit's own per-packet retransmit timer, which operates on a much
// shorter base timeout within each attempt.
func (o *Orchestrator) openPrimaryCircuit(ctx context.Context, sess *session.Session) (*circuit.Circuit, error) {
	circ := circuit.New(o.sock, sess.PrimaryEndpoint, sess.CircuitCode, sess.AgentID, sess.SessionID, o.cfg.Circuit, o.logger, o.metrics)

	runCtx, cancel := context.WithCancel(context.Background())
	o.pushTeardown(cancel)
	circ.Run(runCtx)
	o.pushTeardown(func() { circ.Close() })

	o.mu.Lock()
	o.primary = circ
	o.circuits[sess.PrimaryEndpoint.String()] = circ
	o.mu.Unlock()

	body := codec.UseCircuitCode{CircuitCode: sess.CircuitCode, SessionID: sess.SessionID, AgentID: sess.AgentID}.Encode()

	rc := o.cfg.Circuit.UseCircuitCode
	delay := rc.InitialDelay
	if delay <= 0 {
		delay = 10 * time.Second
	}
	maxAttempts := rc.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptCtx, attemptCancel := context.WithTimeout(ctx, delay)
		err := circ.SendReliable(attemptCtx, "UseCircuitCode", body)
		attemptCancel()
		if err == nil {
			if err := circ.SetState(circuit.StateHandshaking); err != nil {
				return nil, err
			}
			return circ, nil
		}
		lastErr = err
		next := time.Duration(float64(delay) * rc.Multiplier)
		if rc.MaxDelay > 0 && next > rc.MaxDelay {
			next = rc.MaxDelay
		}
		delay = next
	}
	return nil, fmt.Errorf("%w: UseCircuitCode after %d attempts: %v", errs.ErrHandshakeTimeout, maxAttempts, lastErr)
}

// completeHandshake sends CompleteAgentMovement, awaits RegionHandshake,
// replies with RegionHandshakeReply + AgentHeightWidth + a placeholder
// AgentUpdate, then awaits AgentMovementComplete.
func (o *Orchestrator) completeHandshake(ctx context.Context, circ *circuit.Circuit, sess *session.Session) (*session.Region, error) {
	handshakeCh := make(chan *codec.RegionHandshake, 1)
	unregisterRH := o.registry.Register("RegionHandshake", 0, func(_ *dispatch.Context, msg any) error {
		if rh, ok := msg.(*codec.RegionHandshake); ok {
			select {
			case handshakeCh <- rh:
			default:
			}
		}
		return nil
	})

	defer unregisterRH()

	movementCh := make(chan *codec.AgentMovementComplete, 1)
	unregisterMC := o.registry.Register("AgentMovementComplete", 0, func(_ *dispatch.Context, msg any) error {
		if mc, ok := msg.(*codec.AgentMovementComplete); ok {
			select {
			case movementCh <- mc:
			default:
			}
		}
		return nil
	})
	defer unregisterMC()

	cam := codec.CompleteAgentMovement{AgentID: sess.AgentID, SessionID: sess.SessionID, CircuitCode: sess.CircuitCode}.Encode()
	if _, err := circ.Send("CompleteAgentMovement", cam); err != nil {
		return nil, err
	}

	select {
	case <-handshakeCh:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: awaiting RegionHandshake: %v", errs.ErrHandshakeTimeout, ctx.Err())
	}

	reply := codec.RegionHandshakeReply{
		AgentID:   sess.AgentID,
		SessionID: sess.SessionID,
		Flags:     codec.RegionHandshakeReplyFlagSelf | codec.RegionHandshakeReplyFlagTeenMode,
	}.Encode()
	if _, err := circ.Send("RegionHandshakeReply", reply); err != nil {
		return nil, err
	}

	ahw := codec.AgentHeightWidth{CircuitCode: sess.CircuitCode, GenCounter: 0, Height: 200, Width: 60}.Encode()
	if _, err := circ.Send("AgentHeightWidth", ahw); err != nil {
		return nil, err
	}

	bogus := codec.AgentUpdate{
		AgentID:      sess.AgentID,
		SessionID:    sess.SessionID,
		BodyRotation: codec.IdentityQuat,
		HeadRotation: codec.IdentityQuat,
		CameraCenter: bogusAgentUpdateCamera,
		Far:          bogusAgentUpdateFar,
	}.Encode()
	if _, err := circ.Send("AgentUpdate", bogus); err != nil {
		return nil, err
	}

	var mc *codec.AgentMovementComplete
	select {
	case mc = <-movementCh:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: awaiting AgentMovementComplete: %v", errs.ErrHandshakeTimeout, ctx.Err())
	}

	handle := mc.RegionHandle
	if handle == 0 {
		handle = sess.RegionHandle
	}
	o.mu.Lock()
	sess.StartPosition = mc.Position
	o.mu.Unlock()

	return &session.Region{
		Handle:             handle,
		Endpoint:           sess.PrimaryEndpoint,
		AgentLocalPosition: mc.Position,
	}, nil
}

// startThrottleAndUpdates sends AgentThrottle and the three post-login
// AgentUpdate packets at ~100ms spacing, grounded verbatim in the original
// client's post-handshake follow-up.
func (o *Orchestrator) startThrottleAndUpdates(circ *circuit.Circuit, sess *session.Session) {
	profile := session.ThrottleProfile{
		Resend:  o.cfg.Throttle.Resend,
		Land:    o.cfg.Throttle.Land,
		Wind:    o.cfg.Throttle.Wind,
		Cloud:   o.cfg.Throttle.Cloud,
		Task:    o.cfg.Throttle.Task,
		Texture: o.cfg.Throttle.Texture,
		Asset:   o.cfg.Throttle.Asset,
	}
	at := codec.AgentThrottle{
		AgentID:     sess.AgentID,
		SessionID:   sess.SessionID,
		CircuitCode: sess.CircuitCode,
		Throttles:   profile.Array(),
	}.Encode()
	if _, err := circ.Send("AgentThrottle", at); err != nil {
		o.logger.Warn("agent throttle send failed", logging.KeyError, err.Error())
	}

	for _, cf := range connectControlFlags {
		au := codec.AgentUpdate{
			AgentID:      sess.AgentID,
			SessionID:    sess.SessionID,
			BodyRotation: codec.IdentityQuat,
			HeadRotation: codec.IdentityQuat,
			CameraCenter: bogusAgentUpdateCamera,
			Far:          bogusAgentUpdateFar,
			ControlFlags: cf,
		}.Encode()
		if _, err := circ.Send("AgentUpdate", au); err != nil {
			o.logger.Warn("agent update send failed", logging.KeyError, err.Error())
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// fetchCapsAndPollEvents fetches the seed capabilities and, once
// EventQueueGet is known, spawns the long-poll loop. Both run
// concurrently with each other but this call blocks until the capability
// fetch completes, since the event-queue poller depends on its result.
func (o *Orchestrator) fetchCapsAndPollEvents(ctx context.Context, sess *session.Session, region *session.Region) {
	capsClient := capabilities.NewClient(o.httpClient, o.cfg.Caps, o.logger, o.metrics)
	listenPort := 0
	if o.sock != nil {
		listenPort = o.sock.LocalAddr().Port
	}

	caps, missing, err := capsClient.Fetch(ctx, sess.SeedCapabilityURL, listenPort, sess.SessionCookie)
	if err != nil {
		o.logger.Error("seed capability fetch failed", logging.KeyError, err.Error())
		return
	}
	if len(missing) > 0 {
		o.logger.Debug("capabilities missing", logging.KeyCount, len(missing))
	}

	o.mu.Lock()
	if o.primaryRegion != nil {
		o.primaryRegion.Capabilities = caps
	}
	o.mu.Unlock()

	eqURL, ok := caps.URL("EventQueueGet")
	if !ok {
		o.logger.Warn("region has no EventQueueGet capability")
		return
	}

	pollCtx, pollCancel := context.WithCancel(context.Background())
	o.pushTeardown(pollCancel)
	poller := eventqueue.NewPoller(o.httpClient, o.cfg.EventQueue, eqURL, region.Name, o.handleQueueEvent, o.logger, o.metrics)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer recovery.RecoverWithLog(o.logger, "orchestrator.eventQueuePoll")
		poller.Run(pollCtx)
	}()
}

// handleQueueEvent routes one decoded event-queue message into the
// handover state machine or the world-event bus.
func (o *Orchestrator) handleQueueEvent(message string, body map[string]any) {
	switch message {
	case "EnableSimulator":
		go o.beginRegionCrossing(body)
	case "TeleportStart", "TeleportProgress":
		o.bus.Publish(dispatch.WorldEvent{Kind: dispatch.EventTeleportProgress, Data: body})
	case "TeleportFinish":
		o.bus.Publish(dispatch.WorldEvent{Kind: dispatch.EventTeleportFinish, Data: body})
	case "CrossedRegion":
		o.bus.Publish(dispatch.WorldEvent{Kind: dispatch.EventTeleportFinish, Data: body})
	case "DisableSimulator", "EstablishAgentCommunication":
		o.logger.Debug("event queue message", logging.KeyEvent, message)
	default:
		o.logger.Debug("unhandled event queue message", logging.KeyEvent, message)
	}
}

// SendChat sends local chat on the primary circuit.
func (o *Orchestrator) SendChat(message string, channel int32, chatType uint8) error {
	circ, sess := o.primaryCircuitAndSession()
	if circ == nil || sess == nil {
		return fmt.Errorf("%w: not connected", errs.ErrCircuitNotFound)
	}
	body := codec.ChatFromViewer{AgentID: sess.AgentID, SessionID: sess.SessionID, Message: message, Type: chatType, Channel: channel}.Encode()
	_, err := circ.Send("ChatFromViewer", body)
	return err
}

// UpdateAgent sends a caller-constructed AgentUpdate on the primary
// circuit, filling in AgentID/SessionID from the current session.
func (o *Orchestrator) UpdateAgent(update codec.AgentUpdate) error {
	circ, sess := o.primaryCircuitAndSession()
	if circ == nil || sess == nil {
		return fmt.Errorf("%w: not connected", errs.ErrCircuitNotFound)
	}
	update.AgentID = sess.AgentID
	update.SessionID = sess.SessionID
	_, err := circ.Send("AgentUpdate", update.Encode())
	return err
}

// Teleport initiates a region crossing to the given endpoint/handle,
// mirroring the event-queue EnableSimulator trigger.
func (o *Orchestrator) Teleport(destEndpoint *net.UDPAddr, destHandle identity.RegionHandle) error {
	o.rearmHandover()
	if err := o.handover.Fire(handover.EventInitiateCrossing, destHandle); err != nil {
		return err
	}
	go o.crossToEndpoint(destHandle, destEndpoint)
	return nil
}

// Disconnect sends CloseCircuit to every open circuit, cancels background
// tasks in LIFO order, and publishes a final Disconnected status.
func (o *Orchestrator) Disconnect() error {
	if !o.running.CompareAndSwap(true, false) {
		return nil
	}

	o.mu.RLock()
	sess := o.sess
	circuits := make([]*circuit.Circuit, 0, len(o.circuits))
	for _, c := range o.circuits {
		circuits = append(circuits, c)
	}
	o.mu.RUnlock()

	for _, c := range circuits {
		if sess != nil {
			body := codec.LogoutRequest{AgentID: sess.AgentID, SessionID: sess.SessionID}.Encode()
			_, _ = c.Send("LogoutRequest", body)
		}
		_, _ = c.Send("CloseCircuit", codec.CloseCircuit{}.Encode())
	}

	o.teardownMu.Lock()
	fns := o.teardown
	o.teardown = nil
	o.teardownMu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}

	o.wg.Wait()
	o.bus.Publish(dispatch.WorldEvent{Kind: dispatch.EventConnectionStatus, Data: dispatch.ConnectionStatus{Connected: false, Reason: "disconnected"}})
	o.bus.Close()
	return nil
}

func (o *Orchestrator) primaryCircuitAndSession() (*circuit.Circuit, *session.Session) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.primary, o.sess
}

// recvLoop reads datagrams off the transport, parses them, feeds them to
// the owning circuit for ACK/dedupe bookkeeping, and dispatches fresh
// deliveries to the handler registry.
func (o *Orchestrator) recvLoop(ctx context.Context, sock *transport.Socket) {
	buf := make([]byte, 8192)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		dg, err := sock.Recv(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.logger.Warn("transport receive error", logging.KeyError, err.Error())
			continue
		}

		parsed, err := codec.ParseDatagram(dg.Data)
		if err != nil {
			o.logger.Debug("packet decode error", logging.KeyError, err.Error())
			if o.metrics != nil {
				o.metrics.RecordDecodeError("datagram")
			}
			continue
		}

		circ := o.circuitFor(dg.From)
		if circ == nil {
			continue
		}
		if o.metrics != nil {
			o.metrics.RecordPacketReceived(codec.MessageName(parsed.ID), len(dg.Data))
		}
		if !circ.HandleInbound(parsed) {
			continue
		}

		o.dispatchInbound(circ, dg.From, parsed)
	}
}

func (o *Orchestrator) circuitFor(addr *net.UDPAddr) *circuit.Circuit {
	if addr == nil {
		return nil
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.circuits[addr.String()]
}

// dispatchInbound decodes the message body per its template and hands the
// typed result to the registry. PacketAck and StartPingCheck are handled
// inline rather than through the registry since they are circuit-internal
// bookkeeping, not application-visible messages.
func (o *Orchestrator) dispatchInbound(circ *circuit.Circuit, from *net.UDPAddr, dg *codec.Datagram) {
	name := codec.MessageName(dg.ID)
	dctx := &dispatch.Context{Peer: from, Datagram: dg}

	switch name {
	case "PacketAck":
		if m, err := codec.DecodePacketAck(dg.Body); err == nil {
			circ.HandlePacketAck(m.IDs)
		}
		return
	case "StartPingCheck":
		if m, err := codec.DecodeStartPingCheck(dg.Body); err == nil {
			_ = circ.Pong(m.PingID)
		}
		return
	case "RegionHandshake":
		if m, err := codec.DecodeRegionHandshake(dg.Body); err == nil {
			o.bus.Publish(dispatch.WorldEvent{Kind: dispatch.EventRegionHandshake, Data: m})
			o.registry.Dispatch(dctx, name, m)
		}
	case "AgentMovementComplete":
		if m, err := codec.DecodeAgentMovementComplete(dg.Body); err == nil {
			o.registry.Dispatch(dctx, name, m)
		}
	case "ChatFromSimulator":
		if m, err := codec.DecodeChatFromSimulator(dg.Body); err == nil {
			o.bus.Publish(dispatch.WorldEvent{Kind: dispatch.EventChat, Data: m})
			o.registry.Dispatch(dctx, name, m)
		}
	case "ObjectUpdate":
		if m, err := codec.DecodeObjectUpdate(dg.Body); err == nil {
			o.bus.Publish(dispatch.WorldEvent{Kind: dispatch.EventObjectUpdate, Data: m})
			o.registry.Dispatch(dctx, name, m)
		}
	case "KickUser":
		if m, err := codec.DecodeKickUser(dg.Body); err == nil {
			o.bus.Publish(dispatch.WorldEvent{Kind: dispatch.EventErrorOccurred, Data: m.Reason})
			o.registry.Dispatch(dctx, name, m)
		}
	case "LogoutReply":
		if m, err := codec.DecodeLogoutReply(dg.Body); err == nil {
			o.registry.Dispatch(dctx, name, m)
		}
	default:
		o.registry.Dispatch(dctx, name, dg.Body)
	}
}
