// Package realtime pushes submission status changes to connected clients.
package realtime

import (
	"context"
	"sync"
	"time"

	"codex/internal/execution/model"
	"codex/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	DefaultIdleTimeout = 5 * time.Minute
	DefaultBuffer      = 8
)

// Config controls subscriber lifetimes.
type Config struct {
	IdleTimeout time.Duration `yaml:"idleTimeout"`
	Buffer      int           `yaml:"buffer"`
}

// Notifier fans status changes out to the subscribers of each submission.
// Each submission has its own subscriber set and lock, so publishers for
// different submissions never contend.
type Notifier struct {
	sets        sync.Map // submission id -> *subscriberSet
	idleTimeout time.Duration
	buffer      int
}

type subscriberSet struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewNotifier(cfg Config) *Notifier {
	n := &Notifier{idleTimeout: cfg.IdleTimeout, buffer: cfg.Buffer}
	if n.idleTimeout <= 0 {
		n.idleTimeout = DefaultIdleTimeout
	}
	if n.buffer <= 0 {
		n.buffer = DefaultBuffer
	}
	return n
}

// Subscription receives status changes for one submission. Events is closed
// after a terminal status, on idle timeout, on delivery failure or on Close.
type Subscription struct {
	SubmissionID string

	events      chan model.Status
	mu          sync.Mutex
	closed      bool
	idle        *time.Timer
	idleTimeout time.Duration
	notifier    *Notifier
}

// Events yields statuses in publish order.
func (s *Subscription) Events() <-chan model.Status {
	return s.events
}

// Close ends the subscription and detaches it. Safe to call more than once.
func (s *Subscription) Close() {
	if s.shutdown() {
		s.notifier.remove(s)
	}
}

func (s *Subscription) deliver(status model.Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- status:
		s.idle.Reset(s.idleTimeout)
		return true
	default:
		return false
	}
}

// shutdown closes the channel; it reports whether this call did the closing.
func (s *Subscription) shutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.idle.Stop()
	close(s.events)
	return true
}

// Subscribe registers a new subscriber for submissionID.
func (n *Notifier) Subscribe(submissionID string) *Subscription {
	sub := &Subscription{
		SubmissionID: submissionID,
		events:       make(chan model.Status, n.buffer),
		idleTimeout:  n.idleTimeout,
		notifier:     n,
	}
	sub.idle = time.AfterFunc(n.idleTimeout, func() {
		logger.Debug(context.Background(), "event subscription idle timeout", zap.String("submission_id", submissionID))
		sub.Close()
	})

	for {
		value, _ := n.sets.LoadOrStore(submissionID, &subscriberSet{subs: make(map[*Subscription]struct{})})
		set := value.(*subscriberSet)
		set.mu.Lock()
		if set.closed {
			// Lost a race with a terminal publish or the last removal.
			set.mu.Unlock()
			n.sets.CompareAndDelete(submissionID, set)
			continue
		}
		set.subs[sub] = struct{}{}
		set.mu.Unlock()
		return sub
	}
}

// Publish delivers status to every subscriber of submissionID without
// blocking. A subscriber whose buffer is full is dropped. A terminal status
// closes all subscribers of the submission.
func (n *Notifier) Publish(submissionID string, status model.Status) {
	value, ok := n.sets.Load(submissionID)
	if !ok {
		return
	}
	set := value.(*subscriberSet)

	set.mu.Lock()
	defer set.mu.Unlock()
	if set.closed {
		return
	}

	delivered := 0
	for sub := range set.subs {
		if sub.deliver(status) {
			delivered++
			continue
		}
		logger.Warn(context.Background(), "dropping slow event subscriber",
			zap.String("submission_id", submissionID),
			zap.String("status", status.String()),
		)
		sub.shutdown()
		delete(set.subs, sub)
	}
	logger.Debug(context.Background(), "status event published",
		zap.String("submission_id", submissionID),
		zap.String("status", status.String()),
		zap.Int("subscribers", delivered),
	)

	if status.IsTerminal() {
		for sub := range set.subs {
			sub.shutdown()
		}
		set.subs = nil
	}
	if len(set.subs) == 0 {
		set.closed = true
		n.sets.CompareAndDelete(submissionID, set)
	}
}

// Subscribers returns the live subscriber count for submissionID.
func (n *Notifier) Subscribers(submissionID string) int {
	value, ok := n.sets.Load(submissionID)
	if !ok {
		return 0
	}
	set := value.(*subscriberSet)
	set.mu.Lock()
	defer set.mu.Unlock()
	return len(set.subs)
}

func (n *Notifier) remove(sub *Subscription) {
	value, ok := n.sets.Load(sub.SubmissionID)
	if !ok {
		return
	}
	set := value.(*subscriberSet)
	set.mu.Lock()
	defer set.mu.Unlock()
	if set.closed {
		return
	}
	delete(set.subs, sub)
	if len(set.subs) == 0 {
		set.closed = true
		n.sets.CompareAndDelete(sub.SubmissionID, set)
	}
}
