package notifier

import (
	"context"
	"sync"
	"testing"

	logx "boardbot/pkg/logx"
)

type stubTransport struct {
	mu    sync.Mutex
	calls int
	res   Result
}

func (s *stubTransport) Send(ctx context.Context, msg Message) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.res
}

func (s *stubTransport) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestServicePassesThroughResults(t *testing.T) {
	t.Parallel()
	tr := &stubTransport{res: Result{OK: false, Code: CodeBlocked}}
	svc := New(Config{RatePerSec: 100}, tr, logx.Nop())

	res := svc.Send(context.Background(), Message{ChatID: 1, Text: "hi"})
	if res.OK || res.Code != CodeBlocked {
		t.Fatalf("result = %+v, want blocked failure", res)
	}
	if tr.count() != 1 {
		t.Fatalf("transport called %d times, want 1", tr.count())
	}

	hist := svc.History()
	if len(hist) != 1 || hist[0].Code != CodeBlocked || hist[0].ChatID != 1 {
		t.Fatalf("history = %+v", hist)
	}
}

func TestServiceCanceledContext(t *testing.T) {
	t.Parallel()
	tr := &stubTransport{res: Result{OK: true}}
	svc := New(Config{RatePerSec: 1}, tr, logx.Nop())

	// Exhaust the burst so the next send has to wait, then cancel.
	ctx := context.Background()
	_ = svc.Send(ctx, Message{ChatID: 1, Text: "a"})
	canceled, cancel := context.WithCancel(ctx)
	cancel()

	res := svc.Send(canceled, Message{ChatID: 1, Text: "b"})
	if res.OK || res.Code != CodeCanceled {
		t.Fatalf("result = %+v, want canceled failure", res)
	}
	if tr.count() != 1 {
		t.Fatal("transport must not be called after context cancellation")
	}
}

func TestServiceHistoryBounded(t *testing.T) {
	t.Parallel()
	tr := &stubTransport{res: Result{OK: true}}
	svc := New(Config{RatePerSec: 100000}, tr, logx.Nop())

	for i := 0; i < historyCap+50; i++ {
		svc.Send(context.Background(), Message{ChatID: int64(i), Text: "x"})
	}
	if got := len(svc.History()); got != historyCap {
		t.Fatalf("history length = %d, want %d", got, historyCap)
	}
}
