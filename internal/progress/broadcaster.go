package progress

import (
	"sync"
	"time"

	"github.com/jmehdipour/enhance-orchestrator/internal/metrics"
	"github.com/jmehdipour/enhance-orchestrator/internal/model"
	"github.com/jmehdipour/enhance-orchestrator/internal/util"
)

const defaultBuffer = 16

// Broadcaster fans progress events out to the listeners of each job held by
// this process. Delivery is best effort: a full subscriber buffer drops the event.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	closed bool
	now    func() time.Time
}

func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Broadcaster{
		subs:   map[string]map[*Subscription]struct{}{},
		buffer: buffer,
		now:    time.Now,
	}
}

type Subscription struct {
	jobID string
	ch    chan model.ProgressEvent
	b     *Broadcaster
	once  sync.Once
}

// Events is closed when the subscription or the broadcaster is closed.
func (s *Subscription) Events() <-chan model.ProgressEvent { return s.ch }

func (s *Subscription) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if set, ok := s.b.subs[s.jobID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(s.b.subs, s.jobID)
		}
	}
	s.closeChan()
}

func (s *Subscription) closeChan() {
	s.once.Do(func() { close(s.ch) })
}

func (b *Broadcaster) Subscribe(jobID string) *Subscription {
	s := &Subscription{jobID: jobID, ch: make(chan model.ProgressEvent, b.buffer), b: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closeChan()
		return s
	}
	set, ok := b.subs[jobID]
	if !ok {
		set = map[*Subscription]struct{}{}
		b.subs[jobID] = set
	}
	set[s] = struct{}{}
	return s
}

// Emit stamps ev with a fresh id and timestamp when missing and returns the
// number of listeners it reached.
func (b *Broadcaster) Emit(jobID string, ev model.ProgressEvent) int {
	if ev.ID == "" {
		ev.ID = util.NewEventID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now().UTC()
	}
	ev.JobID = jobID

	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for s := range b.subs[jobID] {
		select {
		case s.ch <- ev:
			delivered++
		default:
			metrics.ProgressDropped.Inc()
		}
	}
	return delivered
}

func (b *Broadcaster) Subscribers(jobID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[jobID])
}

// Close ends every subscription; later subscriptions start closed.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for jobID, set := range b.subs {
		for s := range set {
			s.closeChan()
		}
		delete(b.subs, jobID)
	}
}
