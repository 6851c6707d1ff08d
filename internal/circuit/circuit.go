package circuit

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/postalsys/gridwire/internal/codec"
	"github.com/postalsys/gridwire/internal/config"
	"github.com/postalsys/gridwire/internal/errs"
	"github.com/postalsys/gridwire/internal/identity"
	"github.com/postalsys/gridwire/internal/logging"
	"github.com/postalsys/gridwire/internal/metrics"
	"github.com/postalsys/gridwire/internal/recovery"
	"github.com/postalsys/gridwire/internal/transport"
	"golang.org/x/time/rate"
)

// livenessCheckInterval is the cadence at which the circuit checks whether
// it has missed too many keepalives and should transition to Blocked.
const livenessCheckInterval = 5 * time.Second

// maxSequence is the wrap boundary for outbound sequence numbers (2^24);
// 0 is reserved to mean "unset" so sequences wrap to 1, never 0.
const maxSequence = 1 << 24

// Circuit is the reliable session to one simulator Endpoint. All of its
// internal state (sequence counter, reliable-tx table, inbound dedupe
// window, owed-ACK FIFO, pending pings) is owned exclusively by the
// Circuit; external code reaches it only through the methods below.
type Circuit struct {
	sock        *transport.Socket
	peer        *net.UDPAddr
	circuitCode uint32
	agentID     identity.UUID
	sessionID   identity.UUID
	cfg         config.CircuitConfig
	logger      *slog.Logger
	metrics     *metrics.Metrics
	limiter     *rate.Limiter

	mu          sync.Mutex
	state       State
	txSeq       uint32
	pending     map[uint32]*pendingReliable
	dedupe      *dedupeWindow
	owedAcks    []uint32
	lastFlush   time.Time
	lastRecvAt  time.Time
	missedBeats int
	rttEstimate time.Duration

	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New constructs a Circuit bound to sock and addressed to peer. The
// Circuit starts in StateOpening; the caller (the orchestrator or the
// handover state machine) drives it through the handshake by calling
// SetState as each milestone packet is observed.
func New(sock *transport.Socket, peer *net.UDPAddr, circuitCode uint32, agentID, sessionID identity.UUID, cfg config.CircuitConfig, logger *slog.Logger, m *metrics.Metrics) *Circuit {
	if logger == nil {
		logger = logging.NopLogger()
	}
	c := &Circuit{
		sock:        sock,
		peer:        peer,
		circuitCode: circuitCode,
		agentID:     agentID,
		sessionID:   sessionID,
		cfg:         cfg,
		logger:      logger.With(logging.KeyCircuitCode, circuitCode, logging.KeyEndpoint, peer.String()),
		metrics:     m,
		state:       StateOpening,
		pending:     make(map[uint32]*pendingReliable),
		dedupe:      newDedupeWindow(cfg.DupWindowSize),
		lastRecvAt:  time.Now(),
		closeCh:     make(chan struct{}),
	}
	if cfg.OutboundBytesPerSecond > 0 {
		const burstSize = 4096 // a handful of datagrams, enough to absorb bursts without unbounded queuing
		c.limiter = rate.NewLimiter(rate.Limit(cfg.OutboundBytesPerSecond), burstSize)
	}
	if m != nil {
		m.RecordCircuitOpen()
		m.RecordCircuitState(c.state.String())
	}
	return c
}

// Peer returns the simulator endpoint this circuit talks to.
func (c *Circuit) Peer() *net.UDPAddr { return c.peer }

// CircuitCode returns the circuit code assigned at login.
func (c *Circuit) CircuitCode() uint32 { return c.circuitCode }

// State returns the current lifecycle state.
func (c *Circuit) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RTT returns the current EWMA round-trip-time estimate.
func (c *Circuit) RTT() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rttEstimate
}

// SetState attempts the given transition. It is the caller's
// responsibility to invoke this only at the milestones the state machine
// defines; an out-of-table transition is a programmer error and
// returns errs.ErrInvalidTransition rather than silently clamping.
func (c *Circuit) SetState(to State) error {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return nil
	}
	if !CanTransition(from, to) {
		c.mu.Unlock()
		return errInvalidTransition(from, to)
	}
	c.state = to
	c.mu.Unlock()

	c.logger.Info("circuit state transition", logging.KeyState, to.String())
	if c.metrics != nil {
		c.metrics.RecordCircuitState(to.String())
	}
	return nil
}

// Run starts the circuit's background loops (retransmit scanning, ACK
// flushing, keepalive liveness) under ctx. Each loop is wrapped with
// panic recovery so one feed's panic cannot take the process down; Close
// stops them deterministically.
func (c *Circuit) Run(ctx context.Context) {
	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		defer recovery.RecoverWithLog(c.logger, "circuit.retransmitLoop")
		c.retransmitLoop(ctx)
	}()
	go func() {
		defer c.wg.Done()
		defer recovery.RecoverWithLog(c.logger, "circuit.ackFlushLoop")
		c.ackFlushLoop(ctx)
	}()
	go func() {
		defer c.wg.Done()
		defer recovery.RecoverWithLog(c.logger, "circuit.livenessLoop")
		c.livenessLoop(ctx)
	}()
}

// Close transitions the circuit to Closed, stops its background loops, and
// fails every outstanding reliable send with errs.ErrReliableDeliveryFailed.
func (c *Circuit) Close() error {
	c.closeOnce.Do(func() {
		close(c.closeCh)
	})
	_ = c.SetState(StateClosed)

	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint32]*pendingReliable)
	c.mu.Unlock()

	for _, p := range pending {
		if p.done != nil {
			p.done <- fmt.Errorf("%w: circuit closed", errs.ErrReliableDeliveryFailed)
			close(p.done)
		}
	}

	c.wg.Wait()
	if c.metrics != nil {
		c.metrics.RecordCircuitClose()
	}
	return nil
}

// allocSeq returns the next outbound sequence, wrapping from
// maxSequence-1 back to 1 (0 is reserved for "unset").
func (c *Circuit) allocSeq() uint32 {
	c.txSeq++
	if c.txSeq >= maxSequence {
		c.txSeq = 1
	}
	return c.txSeq
}

// drainOwedAcks removes and returns up to 255 owed ACKs to piggyback on an
// outbound datagram.
func (c *Circuit) drainOwedAcks() []uint32 {
	if len(c.owedAcks) == 0 {
		return nil
	}
	n := len(c.owedAcks)
	if n > 255 {
		n = 255
	}
	acks := c.owedAcks[:n]
	c.owedAcks = c.owedAcks[n:]
	c.lastFlush = time.Now()
	return acks
}

// Send builds and transmits one datagram for the named template. Reliable
// sends are additionally tracked in the pending-ACK table; completion is
// reported asynchronously (see SendReliable for a blocking variant).
func (c *Circuit) Send(name string, body []byte) (uint32, error) {
	return c.send(name, body, nil)
}

// SendReliable sends a reliable datagram and blocks until it is ACKed,
// the retransmit budget is exhausted, or ctx is done.
func (c *Circuit) SendReliable(ctx context.Context, name string, body []byte) error {
	done := make(chan error, 1)
	if _, err := c.send(name, body, done); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", errs.ErrTimeout, ctx.Err())
	case <-c.closeCh:
		return fmt.Errorf("%w: circuit closed", errs.ErrReliableDeliveryFailed)
	}
}

func (c *Circuit) send(name string, body []byte, done chan error) (uint32, error) {
	tmpl, ok := codec.TemplateByName(name)
	if !ok {
		return 0, fmt.Errorf("%w: unknown template %q", errs.ErrPacketEncode, name)
	}

	reliable := done != nil || tmpl.ReliableDefault

	c.mu.Lock()
	seq := c.allocSeq()
	acks := c.drainOwedAcks()
	var flags uint8
	if reliable {
		flags |= codec.FlagReliable
	}
	dg := codec.BuildDatagram(flags, seq, tmpl.ID, body, acks)

	var pr *pendingReliable
	if reliable {
		now := time.Now()
		pr = &pendingReliable{
			sequence:  seq,
			message:   name,
			datagram:  dg,
			firstSent: now,
			lastSent:  now,
			attempts:  1,
			deadline:  nextDeadline(now, c.cfg.BaseTimeout, 1, c.cfg.RetransmitBackoffCap),
			done:      done,
		}
		c.pending[seq] = pr
	}
	c.mu.Unlock()

	if c.limiter != nil {
		waitCtx, cancel := context.WithTimeout(context.Background(), c.cfg.BaseTimeout*time.Duration(c.cfg.MaxRetransmits+1))
		err := c.limiter.WaitN(waitCtx, len(dg))
		cancel()
		if err != nil {
			if pr != nil {
				c.mu.Lock()
				delete(c.pending, seq)
				c.mu.Unlock()
			}
			return 0, fmt.Errorf("%w: rate limiter: %v", errs.ErrTransport, err)
		}
	}

	if err := c.sock.SendTo(dg, c.peer); err != nil {
		if pr != nil {
			c.mu.Lock()
			delete(c.pending, seq)
			c.mu.Unlock()
		}
		return 0, fmt.Errorf("%w: %v", errs.ErrTransport, err)
	}

	if len(acks) > 0 && c.metrics != nil {
		c.metrics.RecordAckSent()
	}
	if c.metrics != nil {
		c.metrics.RecordPacketSent(name, len(dg))
	}
	return seq, nil
}

// HandleInbound updates ACK/dedupe/liveness state for a parsed inbound
// datagram and reports whether the packet is a fresh delivery that should
// be handed to Dispatch (false for a duplicate, which is still re-ACKed
// but not redelivered to handlers).
func (c *Circuit) HandleInbound(dg *codec.Datagram) bool {
	c.mu.Lock()
	c.lastRecvAt = time.Now()
	wasBlocked := c.state == StateBlocked
	c.missedBeats = 0

	if len(dg.Acks) > 0 {
		c.processAcksLocked(dg.Acks)
	}

	isDup := c.dedupe.seenBefore(dg.Header.Sequence)
	if dg.Header.Flags&codec.FlagReliable != 0 {
		c.owedAcks = append(c.owedAcks, dg.Header.Sequence)
	}
	c.mu.Unlock()

	if c.metrics != nil {
		if isDup {
			c.metrics.RecordDuplicate()
		}
	}
	if wasBlocked {
		_ = c.SetState(StateReady)
	}
	return !isDup
}

// processAcksLocked resolves acknowledged sequences against the pending
// table. Called with c.mu held.
func (c *Circuit) processAcksLocked(ids []uint32) {
	now := time.Now()
	for _, id := range ids {
		p, ok := c.pending[id]
		if !ok {
			// Either already removed (duplicate ACK) or never ours: a
			// no-op either way, per the ACK-arithmetic testable property.
			continue
		}
		delete(c.pending, id)
		sample := now.Sub(p.firstSent)
		c.updateRTTLocked(sample)
		if c.metrics != nil {
			c.metrics.RecordAckReceived()
			c.metrics.RecordRTT(sample.Seconds())
		}
		if p.done != nil {
			p.done <- nil
			close(p.done)
		}
	}
}

// updateRTTLocked folds one RTT sample into the EWMA estimate. Called with
// c.mu held.
func (c *Circuit) updateRTTLocked(sample time.Duration) {
	if c.rttEstimate == 0 {
		c.rttEstimate = sample
		return
	}
	alpha := c.cfg.RTTAlpha
	c.rttEstimate = time.Duration(alpha*float64(sample) + (1-alpha)*float64(c.rttEstimate))
}

// HandlePacketAck folds a dedicated PacketAck message's ID list into the
// pending table, equivalent to an appended-ACK-list delivery.
func (c *Circuit) HandlePacketAck(ids []uint32) {
	c.mu.Lock()
	c.processAcksLocked(ids)
	c.mu.Unlock()
}

// Pong replies to a StartPingCheck with an unreliable CompletePingCheck
// echoing the same ping ID.
func (c *Circuit) Pong(pingID uint8) error {
	body := codec.CompletePingCheck{PingID: pingID}.Encode()
	_, err := c.Send("CompletePingCheck", body)
	if err == nil && c.metrics != nil {
		c.metrics.RecordPingEchoed()
	}
	return err
}

// retransmitLoop periodically scans the pending table for expired
// deadlines and retransmits with FlagResent, failing sends that exceed
// MaxRetransmits.
func (c *Circuit) retransmitLoop(ctx context.Context) {
	interval := c.cfg.BaseTimeout / 4
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeCh:
			return
		case <-ticker.C:
			c.scanPending()
		}
	}
}

func (c *Circuit) scanPending() {
	now := time.Now()
	var expired []*pendingReliable
	var failed []*pendingReliable

	c.mu.Lock()
	for seq, p := range c.pending {
		if now.Before(p.deadline) {
			continue
		}
		p.attempts++
		if p.attempts > c.cfg.MaxRetransmits {
			delete(c.pending, seq)
			failed = append(failed, p)
			continue
		}
		p.lastSent = now
		p.deadline = nextDeadline(now, c.cfg.BaseTimeout, p.attempts, c.cfg.RetransmitBackoffCap)
		// Stamp RESENT on the header byte in place; the header's flags
		// byte is always the first byte of the datagram.
		resent := make([]byte, len(p.datagram))
		copy(resent, p.datagram)
		resent[0] |= codec.FlagResent
		p.datagram = resent
		expired = append(expired, p)
	}
	c.mu.Unlock()

	for _, p := range expired {
		if err := c.sock.SendTo(p.datagram, c.peer); err != nil {
			c.logger.Warn("retransmit failed", logging.KeyError, err.Error(), logging.KeySequence, p.sequence)
			continue
		}
		c.logger.Debug("retransmitted", logging.KeyMessage, p.message, logging.KeySequence, p.sequence, logging.KeyAttempts, p.attempts)
		if c.metrics != nil {
			c.metrics.RecordRetransmit()
		}
	}

	for _, p := range failed {
		c.logger.Warn("reliable delivery failed", logging.KeyMessage, p.message, logging.KeySequence, p.sequence, logging.KeyAttempts, p.attempts)
		if c.metrics != nil {
			c.metrics.RecordReliableDeliveryFailure()
		}
		if p.done != nil {
			p.done <- fmt.Errorf("%w: %s seq=%d after %d attempts", errs.ErrReliableDeliveryFailed, p.message, p.sequence, p.attempts)
			close(p.done)
		}
	}
}

// ackFlushLoop emits an explicit PacketAck for any owed ACKs that have not
// been piggybacked within ack_flush_interval.
func (c *Circuit) ackFlushLoop(ctx context.Context) {
	interval := c.cfg.AckFlushInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeCh:
			return
		case <-ticker.C:
			c.flushExplicitAck(interval)
		}
	}
}

func (c *Circuit) flushExplicitAck(interval time.Duration) {
	c.mu.Lock()
	if len(c.owedAcks) == 0 || time.Since(c.lastFlush) < interval {
		c.mu.Unlock()
		return
	}
	acks := c.drainOwedAcks()
	c.mu.Unlock()

	if len(acks) == 0 {
		return
	}
	body := codec.PacketAck{IDs: acks}.Encode()
	if _, err := c.Send("PacketAck", body); err != nil {
		c.logger.Warn("explicit ack flush failed", logging.KeyError, err.Error())
		return
	}
	if c.metrics != nil {
		c.metrics.RecordAckSent()
	}
}

// livenessLoop transitions Ready -> Blocked after MissedPingLimit
// consecutive intervals pass with no inbound packet at all.
func (c *Circuit) livenessLoop(ctx context.Context) {
	ticker := time.NewTicker(livenessCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeCh:
			return
		case <-ticker.C:
			c.checkLiveness()
		}
	}
}

func (c *Circuit) checkLiveness() {
	c.mu.Lock()
	if c.state != StateReady && c.state != StateBlocked {
		c.mu.Unlock()
		return
	}
	if time.Since(c.lastRecvAt) < livenessCheckInterval {
		c.missedBeats = 0
		c.mu.Unlock()
		return
	}
	c.missedBeats++
	missed := c.missedBeats
	limit := c.cfg.MissedPingLimit
	c.mu.Unlock()

	if missed >= limit {
		_ = c.SetState(StateBlocked)
	}
}
