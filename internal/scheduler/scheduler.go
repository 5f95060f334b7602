// Package scheduler provides single-fire deferred execution keyed by job id,
// plus periodic maintenance sweeps (restart recovery, session expiry).
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"postbot/pkg/logx"
)

var ErrJobExists = errors.New("job id already pending")

// ExecFunc runs a fired job. It is invoked on its own goroutine, concurrently
// with user intents; implementations must re-check post state themselves.
type ExecFunc func(ctx context.Context, jobID string, postID int64)

type SweepFunc func(ctx context.Context)

type Config struct {
	// SweepInterval drives registered maintenance sweeps. Default 1m.
	SweepInterval time.Duration
}

// oneShot is the pending state of a single-fire job. The version ties a
// dispatched timer callback to the registration that armed it; Cancel removes
// the whole entry, so a callback dispatched just before Cancel finds either
// nothing or a newer version and stops.
type oneShot struct {
	timer  *time.Timer
	postID int64
	ver    uint64
}

type Service struct {
	cfg  Config
	log  logx.Logger
	exec ExecFunc

	// tmu guards the one-shot job state.
	tmu  sync.Mutex
	jobs map[string]*oneShot
	seq  uint64 // version source, never reused across registrations

	mu      sync.Mutex
	c       *cron.Cron
	sweeps  []sweepDef
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

type sweepDef struct {
	name string
	fn   SweepFunc
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Service{
		cfg:  cfg,
		log:  log,
		jobs: map[string]*oneShot{},
	}
}

// SetExecutor installs the fire callback. Must be called before Start.
func (s *Service) SetExecutor(fn ExecFunc) { s.exec = fn }

// AddSweep registers a periodic maintenance function. Sweeps also run once
// right after Start so restart recovery happens immediately.
func (s *Service) AddSweep(name string, fn SweepFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweeps = append(s.sweeps, sweepDef{name: name, fn: fn})
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if s.exec == nil {
		return errors.New("scheduler: executor not set")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New()
	spec := fmt.Sprintf("@every %s", s.cfg.SweepInterval)
	for _, def := range s.sweeps {
		def := def
		if _, err := s.c.AddFunc(spec, func() { s.runSweep(def) }); err != nil {
			return err
		}
	}
	s.c.Start()
	s.started = true

	for _, def := range s.sweeps {
		def := def
		go s.runSweep(def)
	}
	s.log.Info("scheduler started",
		logx.Duration("sweep_interval", s.cfg.SweepInterval),
		logx.Int("sweeps", len(s.sweeps)))
	return nil
}

func (s *Service) runSweep(def sweepDef) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	def.fn(ctx)
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	c := s.c
	s.c = nil
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.tmu.Lock()
	for id, j := range s.jobs {
		_ = j.timer.Stop()
		delete(s.jobs, id)
	}
	s.tmu.Unlock()
	return nil
}

// Schedule registers a single-fire job. The job fires at or after fireAt,
// never before. Reusing a pending job id is a caller error.
func (s *Service) Schedule(fireAt time.Time, jobID string, postID int64) error {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return errors.New("scheduler: job id required")
	}
	if fireAt.IsZero() {
		return errors.New("scheduler: fire time required")
	}

	s.tmu.Lock()
	defer s.tmu.Unlock()
	if _, ok := s.jobs[jobID]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, jobID)
	}

	s.seq++
	j := &oneShot{postID: postID, ver: s.seq}
	delay := time.Until(fireAt)
	if delay < 0 {
		delay = 0
	}
	ver := j.ver
	j.timer = time.AfterFunc(delay, func() { s.fire(jobID, ver) })
	s.jobs[jobID] = j

	s.log.Debug("job scheduled",
		logx.String("job_id", jobID),
		logx.Int64("post_id", postID),
		logx.Time("fire_at", fireAt))
	return nil
}

func (s *Service) fire(jobID string, ver uint64) {
	s.tmu.Lock()
	j, ok := s.jobs[jobID]
	if !ok || j.ver != ver {
		// Cancelled or replaced after this callback was dispatched.
		s.tmu.Unlock()
		return
	}
	postID := j.postID
	delete(s.jobs, jobID)
	s.tmu.Unlock()

	s.mu.Lock()
	ctx := s.ctx
	exec := s.exec
	s.mu.Unlock()
	if exec == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}
	exec(ctx, jobID, postID)
}

// Cancel revokes a pending job. It reports whether the job was still pending;
// false means the callback already began (or the id is unknown), in which
// case the callback's own status re-check is the safety net.
func (s *Service) Cancel(jobID string) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return false
	}
	_ = j.timer.Stop()
	delete(s.jobs, jobID)
	s.log.Debug("job cancelled", logx.String("job_id", jobID))
	return true
}

// Has reports whether jobID is still pending.
func (s *Service) Has(jobID string) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	_, ok := s.jobs[jobID]
	return ok
}
