package agent

import (
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/spachava753/buda/internal/models"
)

// stateTracker guards the RuntimeState shared by the event loop and the
// writer.
type stateTracker struct {
	clock clockwork.Clock

	mu    sync.Mutex
	state models.RuntimeState
}

func newStateTracker(clock clockwork.Clock) *stateTracker {
	now := clock.Now().UTC()
	return &stateTracker{
		clock: clock,
		state: models.RuntimeState{CreationTime: now, LastUpdate: now},
	}
}

func (s *stateTracker) snapshot() models.RuntimeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stateTracker) batchWritten(records int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.BatchCounter++
	s.state.RecordsCounter += int64(records)
	s.state.LastUpdate = s.clock.Now().UTC()
}

func (s *stateTracker) batchFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.FailedBatches++
	s.state.LastUpdate = s.clock.Now().UTC()
}

func (s *stateTracker) dropped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.DroppedRecords++
}

func (s *stateTracker) setPending(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.PendingRecords = n
}

func (s *stateTracker) setFlow(flow string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.CurrentFlow = flow
	if flow != "" {
		s.state.Flows++
	}
}
