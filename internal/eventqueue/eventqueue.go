// Package eventqueue implements the HTTP long-poll loop against a region's
// EventQueueGet capability: it holds a monotonic ack id, decodes the
// LLSD event batches the simulator returns, and hands each one to a caller
// callback for routing onto the world-event bus or the handover state
// machine.
package eventqueue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/postalsys/gridwire/internal/config"
	"github.com/postalsys/gridwire/internal/llsd"
	"github.com/postalsys/gridwire/internal/logging"
	"github.com/postalsys/gridwire/internal/metrics"
	"github.com/postalsys/gridwire/internal/recovery"
)

// Handler processes one decoded event-queue message. The body is the
// message's LLSD "body" map decoded by internal/llsd.
type Handler func(message string, body map[string]any)

// backoffState tracks the event-queue poller's error backoff: initial delay,
// multiplier-2 exponential growth, max delay cap.
type backoffState struct {
	next        time.Duration
	consecutive int
}

func newBackoffState(cfg config.EventQueueConfig) *backoffState {
	return &backoffState{next: cfg.InitialBackoff}
}

// step returns the delay to wait before the next attempt and advances the
// internal state. After ConsecutiveErrorReset consecutive errors it gives up
// ramping further and settles on a flat MaxBackoff wait, then resets the
// counter so a later recovery can ramp back down from InitialBackoff.
func (b *backoffState) step(cfg config.EventQueueConfig) time.Duration {
	delay := b.next
	b.consecutive++
	if b.consecutive >= cfg.ConsecutiveErrorReset {
		b.next = cfg.MaxBackoff
		b.consecutive = 0
		return delay
	}
	next := b.next * 2
	if next > cfg.MaxBackoff || next <= 0 {
		next = cfg.MaxBackoff
	}
	b.next = next
	return delay
}

func (b *backoffState) reset(cfg config.EventQueueConfig) {
	b.next = cfg.InitialBackoff
	b.consecutive = 0
}

// Poller drives the long-poll loop for a single region's event queue.
type Poller struct {
	httpClient *http.Client
	cfg        config.EventQueueConfig
	url        string
	regionName string
	onEvent    Handler
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewPoller builds a Poller for the given EventQueueGet capability URL.
// regionName is used only for log/metric labeling.
func NewPoller(httpClient *http.Client, cfg config.EventQueueConfig, url, regionName string, onEvent Handler, logger *slog.Logger, m *metrics.Metrics) *Poller {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Poller{
		httpClient: httpClient,
		cfg:        cfg,
		url:        url,
		regionName: regionName,
		onEvent:    onEvent,
		logger:     logger,
		metrics:    m,
	}
}

// Run blocks polling the event queue until ctx is cancelled. It is intended
// to run as its own goroutine, wrapped in the same panic-recovery idiom as
// the circuit's background loops.
func (p *Poller) Run(ctx context.Context) {
	defer recovery.RecoverWithLog(p.logger, "eventqueue.poll")

	backoff := newBackoffState(p.cfg)
	var ack *int64

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		id, advance, err := p.poll(ctx, ack)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := backoff.step(p.cfg)
			if p.metrics != nil {
				p.metrics.RecordEventQueueError()
				p.metrics.RecordEventQueueBackoff(delay.Seconds())
			}
			p.logger.Warn("event queue poll failed",
				logging.KeyError, err,
				"region", p.regionName,
				logging.KeyDuration, delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		if p.metrics != nil {
			p.metrics.RecordEventQueuePoll()
		}
		backoff.reset(p.cfg)
		if advance {
			ack = &id
		} else if id == resetAck {
			ack = nil
		}
	}
}

// resetAck is a sentinel id value signalling the 499 "resynchronize" case;
// it is never a value the simulator itself assigns.
const resetAck = -1

// poll performs one request/response round. It returns the new ack id,
// whether that id should replace the current ack, and any error.
func (p *Poller) poll(ctx context.Context, ack *int64) (int64, bool, error) {
	reqCtx := ctx
	var cancel context.CancelFunc
	if p.cfg.PollTimeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, p.cfg.PollTimeout)
		defer cancel()
	}

	var ackValue any
	if ack != nil {
		ackValue = *ack
	}
	body := llsd.Encode(map[string]any{"ack": ackValue, "done": false})

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return 0, false, fmt.Errorf("build event queue request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/llsd+xml")
	httpReq.Header.Set("Accept", "application/llsd+xml")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return 0, false, fmt.Errorf("event queue request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return p.handleBatch(resp.Body)
	case http.StatusBadGateway:
		// No events pending within the long-poll window; retry the same ack.
		io.Copy(io.Discard, resp.Body)
		return 0, false, nil
	case 499:
		// Simulator lost our ack state; resynchronize from scratch.
		io.Copy(io.Discard, resp.Body)
		return resetAck, false, nil
	default:
		io.Copy(io.Discard, resp.Body)
		return 0, false, fmt.Errorf("event queue status %d", resp.StatusCode)
	}
}

func (p *Poller) handleBatch(r io.Reader) (int64, bool, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return 0, false, fmt.Errorf("read event queue response: %w", err)
	}
	decoded, err := llsd.Decode(raw)
	if err != nil {
		return 0, false, fmt.Errorf("decode event queue response: %w", err)
	}
	root := llsd.AsMap(decoded)

	for _, ev := range llsd.AsArray(root["events"]) {
		em := llsd.AsMap(ev)
		name := llsd.AsString(em["message"])
		body := llsd.AsMap(em["body"])
		if p.metrics != nil {
			p.metrics.RecordEventQueueEvent(name)
		}
		if p.onEvent != nil {
			p.onEvent(name, body)
		}
	}

	id := llsd.AsInt64(root["id"])
	return id, true, nil
}
