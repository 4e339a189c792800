package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// JobResult is the recorded outcome of a job's most recent run.
type JobResult struct {
	Name        string        `json:"name"`
	StartTime   time.Time     `json:"start_time"`
	EndTime     time.Time     `json:"end_time"`
	Duration    time.Duration `json:"duration"`
	Success     bool          `json:"success"`
	Error       string        `json:"error,omitempty"`
	SkippedRuns int64         `json:"skipped_runs"`
}

// JobStatus is the admin view of one registered job.
type JobStatus struct {
	Name       string     `json:"name"`
	Schedule   string     `json:"schedule"`
	Running    bool       `json:"running"`
	NextRunAt  time.Time  `json:"next_run_at"`
	LastResult *JobResult `json:"last_result,omitempty"`
}

type job struct {
	name     string
	spec     string
	schedule cron.Schedule
	run      func(ctx context.Context) error
	running  atomic.Bool
	skipped  atomic.Int64
	next     atomic.Int64 // unix nanos of the next fire
}

// Scheduler fires registered jobs on cron schedules. A fire that lands
// while the previous run is still active is skipped and logged, never
// queued, and missed slots are not replayed after downtime.
type Scheduler struct {
	parser cron.Parser

	mu      sync.Mutex
	jobs    []*job
	results map[string]JobResult

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a scheduler accepting standard five-field cron expressions.
func New() *Scheduler {
	return &Scheduler{
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		results: make(map[string]JobResult),
		stopCh:  make(chan struct{}),
	}
}

// Add registers a job under a unique name. Must be called before Start.
func (s *Scheduler) Add(name, spec string, run func(ctx context.Context) error) error {
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", spec, name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.name == name {
			return fmt.Errorf("job %s already registered", name)
		}
	}
	s.jobs = append(s.jobs, &job{name: name, spec: spec, schedule: schedule, run: run})
	return nil
}

// Start launches one timing loop per job. Fires run asynchronously so a
// long run cannot delay its own schedule; the overlap guard turns the
// late ticks into skips instead.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	jobs := append([]*job(nil), s.jobs...)
	s.mu.Unlock()

	for _, j := range jobs {
		s.wg.Add(1)
		go func(j *job) {
			defer s.wg.Done()
			for {
				next := j.schedule.Next(time.Now())
				j.next.Store(next.UnixNano())

				timer := time.NewTimer(time.Until(next))
				select {
				case <-timer.C:
					s.wg.Add(1)
					go func() {
						defer s.wg.Done()
						s.fire(ctx, j)
					}()
				case <-ctx.Done():
					timer.Stop()
					return
				case <-s.stopCh:
					timer.Stop()
					return
				}
			}
		}(j)
	}

	log.Info().Int("jobs", len(jobs)).Msg("Scheduler started")
}

// Stop halts the timing loops and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// fire runs one job unless its previous run is still active.
func (s *Scheduler) fire(ctx context.Context, j *job) {
	if !j.running.CompareAndSwap(false, true) {
		skipped := j.skipped.Add(1)
		log.Warn().
			Str("job", j.name).
			Int64("skipped_runs", skipped).
			Msg("Previous run still active, skipping this fire")
		return
	}
	defer j.running.Store(false)

	start := time.Now()
	log.Info().Str("job", j.name).Msg("Job starting")

	err := j.run(ctx)

	result := JobResult{
		Name:        j.name,
		StartTime:   start,
		EndTime:     time.Now(),
		Success:     err == nil,
		SkippedRuns: j.skipped.Load(),
	}
	result.Duration = result.EndTime.Sub(result.StartTime)

	if err != nil {
		result.Error = err.Error()
		log.Error().
			Err(err).
			Str("job", j.name).
			Dur("duration", result.Duration).
			Msg("Job failed")
	} else {
		log.Info().
			Str("job", j.name).
			Dur("duration", result.Duration).
			Msg("Job completed")
	}

	s.mu.Lock()
	s.results[j.name] = result
	s.mu.Unlock()
}

// LastResult returns the most recent outcome for a job, if it has run.
func (s *Scheduler) LastResult(name string) (JobResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[name]
	return r, ok
}

// Status reports every registered job for the admin surface.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		st := JobStatus{
			Name:     j.name,
			Schedule: j.spec,
			Running:  j.running.Load(),
		}
		if nanos := j.next.Load(); nanos > 0 {
			st.NextRunAt = time.Unix(0, nanos).UTC()
		}
		if r, ok := s.results[j.name]; ok {
			lr := r
			st.LastResult = &lr
		}
		out = append(out, st)
	}
	return out
}
