package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RoundTimer arms one one-shot gocron job per open round. Re-scheduling a round replaces
// its previous job, so a round is only ever forced once per arming.
type RoundTimer struct {
	sched gocron.Scheduler
	mu    sync.Mutex
	jobs  map[string]uuid.UUID
	ctx   context.Context
	stop  context.CancelFunc
	log   zerolog.Logger
}

func NewRoundTimer(log zerolog.Logger) (*RoundTimer, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create round scheduler: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RoundTimer{
		sched: sched,
		jobs:  make(map[string]uuid.UUID),
		ctx:   ctx,
		stop:  cancel,
		log:   log.With().Str("component", "round_timer").Logger(),
	}, nil
}

func (t *RoundTimer) Start() {
	t.sched.Start()
}

// Schedule runs fire once after the delay. A non-positive delay fires immediately.
func (t *RoundTimer) Schedule(roundID string, after time.Duration, fire func(ctx context.Context)) {
	t.Cancel(roundID)

	start := gocron.OneTimeJobStartImmediately()
	if after > 0 {
		start = gocron.OneTimeJobStartDateTime(time.Now().Add(after))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var id uuid.UUID
	job, err := t.sched.NewJob(
		gocron.OneTimeJob(start),
		gocron.NewTask(func() {
			t.mu.Lock()
			current, ok := t.jobs[roundID]
			if ok && current == id {
				delete(t.jobs, roundID)
			}
			t.mu.Unlock()
			if !ok || current != id {
				return
			}

			fire(t.ctx)
			go func() { _ = t.sched.RemoveJob(current) }()
		}),
		gocron.WithName("round:"+roundID),
	)
	if err != nil {
		t.log.Error().Err(err).Str("round_id", roundID).Msg("failed to arm round timer")
		return
	}
	id = job.ID()
	t.jobs[roundID] = id

	t.log.Debug().Str("round_id", roundID).Dur("after", after).Msg("round timer armed")
}

func (t *RoundTimer) Cancel(roundID string) {
	t.mu.Lock()
	id, ok := t.jobs[roundID]
	delete(t.jobs, roundID)
	t.mu.Unlock()

	if ok {
		_ = t.sched.RemoveJob(id)
	}
}

// Pending is the number of armed rounds.
func (t *RoundTimer) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}

func (t *RoundTimer) Stop() error {
	t.stop()
	return t.sched.Shutdown()
}
