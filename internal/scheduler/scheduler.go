package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/rawblock/clarion/internal/config"
	"github.com/rawblock/clarion/internal/metrics"
)

// retentionDefault keeps sketches for idle endpoints for a week before
// the expiry pass reclaims them.
const retentionDefault = 7 * 24 * time.Hour

// Scheduler drives the pipeline on timers. Each task runs at most once at a
// time; a firing that lands while the previous run is still executing is
// skipped and counted rather than queued.
type Scheduler struct {
	cfg  config.Config
	pipe *Pipeline
	sch  gocron.Scheduler

	busy sync.Map // task name -> *sync.Mutex
}

// New builds the scheduler around an assembled pipeline.
func New(cfg config.Config, pipe *Pipeline) (*Scheduler, error) {
	sch, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Scheduler{cfg: cfg, pipe: pipe, sch: sch}, nil
}

// guard runs fn under the task's mutex, or counts a skip when the previous
// firing is still running.
func (s *Scheduler) guard(task string, fn func()) {
	v, _ := s.busy.LoadOrStore(task, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	if !mu.TryLock() {
		metrics.SchedulerSkips.WithLabelValues(task).Inc()
		log.Printf("[Scheduler] %s still running, skipping this firing", task)
		return
	}
	defer mu.Unlock()
	fn()
}

// Start registers the periodic tasks and begins firing them. The context
// bounds every task body; cancelling it stops in-flight work cooperatively.
func (s *Scheduler) Start(ctx context.Context) error {
	jobs := []struct {
		name  string
		every time.Duration
		run   func()
	}{
		{"batch_clustering", s.cfg.BatchEvery, func() {
			if err := s.pipe.RunBatchClustering(ctx); err != nil {
				log.Printf("[Scheduler] batch clustering: %v", err)
			}
		}},
		{"incremental_assignment", s.cfg.IncrementalEvery, func() {
			// a drifting population pulls the next batch run forward
			if frac := s.pipe.UnassignedFraction(); frac > s.cfg.UnassignedTrigger {
				log.Printf("[Scheduler] %.0f%% of endpoints unassigned, triggering batch run", frac*100)
				if err := s.pipe.RunBatchClustering(ctx); err != nil {
					log.Printf("[Scheduler] triggered batch run: %v", err)
				}
				return
			}
			if err := s.pipe.RunIncremental(ctx); err != nil {
				log.Printf("[Scheduler] incremental assignment: %v", err)
			}
		}},
		{"matrix_rebuild", s.cfg.MatrixEvery, func() {
			if _, err := s.pipe.RebuildMatrix(ctx); err != nil {
				log.Printf("[Scheduler] matrix rebuild: %v", err)
			}
		}},
		{"directory_pull", 30 * time.Minute, func() {
			if err := s.pipe.PullDirectory(ctx); err != nil {
				log.Printf("[Scheduler] %v", err)
			}
		}},
		{"sketch_expiry", time.Hour, func() {
			s.pipe.ExpireSketches(retentionDefault)
		}},
	}

	for _, j := range jobs {
		_, err := s.sch.NewJob(
			gocron.DurationJob(j.every),
			gocron.NewTask(func() { s.guard(j.name, j.run) }),
			gocron.WithName(j.name),
		)
		if err != nil {
			return err
		}
	}

	s.sch.Start()
	log.Printf("[Scheduler] %d periodic tasks registered", len(jobs))
	return nil
}

// Stop shuts the timer wheel down. In-flight task bodies finish under their
// own context.
func (s *Scheduler) Stop() error {
	return s.sch.Shutdown()
}
