package notifier

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "boardbot/pkg/logx"
)

const historyCap = 300

// Config controls the delivery pipeline.
type Config struct {
	// RatePerSec caps outbound sends. Telegram throttles bots around
	// 30 messages/s across chats; default stays under that.
	RatePerSec int
}

// HistoryItem records one delivery outcome for operational inspection.
type HistoryItem struct {
	At     time.Time
	ChatID int64
	OK     bool
	Code   string
}

// Service wraps a transport with a token-bucket rate limit and a bounded
// in-memory history of recent outcomes. It is safe for concurrent use.
type Service struct {
	transport Notifier
	log       logx.Logger

	mu      sync.Mutex
	limiter *rate.Limiter

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, transport Notifier, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{transport: transport, log: log}
	s.Apply(cfg)
	return s
}

// Apply swaps rate-limit knobs at runtime.
func (s *Service) Apply(cfg Config) {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 25
	}
	s.mu.Lock()
	// Burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	s.mu.Unlock()
}

func (s *Service) Send(ctx context.Context, msg Message) Result {
	s.mu.Lock()
	lim := s.limiter
	s.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		res := Result{OK: false, Code: CodeCanceled}
		s.record(msg, res)
		return res
	}

	res := s.transport.Send(ctx, msg)
	if res.OK {
		s.log.Debug("notification sent", logx.Int64("chat_id", msg.ChatID))
	} else {
		s.log.Warn("notification send failed",
			logx.Int64("chat_id", msg.ChatID), logx.String("code", res.Code))
	}
	s.record(msg, res)
	return res
}

func (s *Service) record(msg Message, res Result) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, HistoryItem{
		At: time.Now(), ChatID: msg.ChatID, OK: res.OK, Code: res.Code,
	})
	if len(s.history) > historyCap {
		s.history = s.history[len(s.history)-historyCap:]
	}
}

// History returns a copy of recent delivery outcomes, newest last.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	out := make([]HistoryItem, len(s.history))
	copy(out, s.history)
	return out
}
