package pipeline

import (
	"sync"
	"time"

	"github.com/jonathan/storyforge/internal/types"
)

// Progress event types.
const (
	EventStarted  = "run.started"
	EventStep     = "run.step"
	EventResumed  = "run.resumed"
	EventFinished = "run.finished"
)

// subscriberBuffer is the per-subscriber channel capacity.
const subscriberBuffer = 64

// ProgressEvent represents a progress update during pipeline execution
type ProgressEvent struct {
	RunID         string            `json:"run_id"`
	Type          string            `json:"type"`
	State         types.RunState    `json:"state"`
	CurrentStepID string            `json:"current_step_id,omitempty"`
	Result        *types.StepResult `json:"result,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// broker fans progress events out to per-run subscribers.
type broker struct {
	mu   sync.Mutex
	subs map[string]map[chan ProgressEvent]struct{}
}

func newBroker() *broker {
	return &broker{subs: make(map[string]map[chan ProgressEvent]struct{})}
}

func (b *broker) subscribe(runID string) chan ProgressEvent {
	ch := make(chan ProgressEvent, subscriberBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[runID]
	if !ok {
		set = make(map[chan ProgressEvent]struct{})
		b.subs[runID] = set
	}
	set[ch] = struct{}{}
	return ch
}

// unsubscribe removes and closes ch. It is a no-op if ch was already closed.
func (b *broker) unsubscribe(runID string, ch chan ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[runID]
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	close(ch)
	if len(set) == 0 {
		delete(b.subs, runID)
	}
}

// publish sends ev to every subscriber of its run. A subscriber whose buffer is full
// misses the event.
func (b *broker) publish(ev ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[ev.RunID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// closeRun closes every subscriber of runID.
func (b *broker) closeRun(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[runID] {
		close(ch)
	}
	delete(b.subs, runID)
}

func (b *broker) subscribers(runID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[runID])
}
