package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
)

// Task is one maintenance step. The count is only used for logging.
type Task struct {
	Name string
	Run  func(ctx context.Context) (int64, error)
}

// Maintenance runs every task on a fixed interval. A failing task is logged and never
// stops the others.
type Maintenance struct {
	sched    gocron.Scheduler
	interval time.Duration
	tasks    []Task
	timeout  time.Duration
	log      zerolog.Logger
}

func NewMaintenance(interval time.Duration, log zerolog.Logger, tasks ...Task) (*Maintenance, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create maintenance scheduler: %w", err)
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Maintenance{
		sched:    sched,
		interval: interval,
		tasks:    tasks,
		timeout:  5 * interval,
		log:      log.With().Str("component", "maintenance").Logger(),
	}, nil
}

func (m *Maintenance) Start() error {
	_, err := m.sched.NewJob(
		gocron.DurationJob(m.interval),
		gocron.NewTask(m.RunOnce),
		gocron.WithName("maintenance"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}
	m.sched.Start()
	m.log.Info().Dur("interval", m.interval).Int("tasks", len(m.tasks)).Msg("maintenance scheduled")
	return nil
}

// RunOnce runs every task in order.
func (m *Maintenance) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	for _, t := range m.tasks {
		started := time.Now()
		n, err := t.Run(ctx)
		if err != nil {
			m.log.Error().Err(err).Str("task", t.Name).Msg("maintenance task failed")
			continue
		}
		if n > 0 {
			m.log.Info().
				Str("task", t.Name).
				Int64("affected", n).
				Dur("took", time.Since(started)).
				Msg("maintenance task done")
		}
	}
}

func (m *Maintenance) Stop() error {
	return m.sched.Shutdown()
}
