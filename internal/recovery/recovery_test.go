package recovery

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestRecoverWithLogRecoversPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer RecoverWithLog(logger, "circuit.retransmitLoop")
		panic("bad packet")
	}()
	wg.Wait()

	output := buf.String()
	if !strings.Contains(output, "panic recovered") {
		t.Fatalf("expected 'panic recovered' in output, got: %s", output)
	}
	if !strings.Contains(output, "circuit.retransmitLoop") {
		t.Fatalf("expected goroutine name in output, got: %s", output)
	}
	if !strings.Contains(output, "bad packet") {
		t.Fatalf("expected panic value in output, got: %s", output)
	}
	if !strings.Contains(output, "stack=") {
		t.Fatalf("expected stack trace in output, got: %s", output)
	}
}

func TestRecoverWithLogNoopWithoutPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer RecoverWithLog(logger, "eventqueue.poll")
	}()
	wg.Wait()

	if buf.Len() > 0 {
		t.Fatalf("expected no output when nothing panicked, got: %s", buf.String())
	}
}
