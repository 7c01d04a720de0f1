// Package schedule runs keyed one-shot and repeating timers.
//
// Every job is identified by a string key. Arming a key that already has a
// job replaces that job; the replaced timer never fires again.
package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Action is the work a job performs. The context is cancelled when the job is
// cancelled, replaced or the scheduler stops.
type Action func(ctx context.Context)

type job struct {
	key    string
	gen    uint64
	cancel context.CancelFunc
}

// Scheduler owns a set of keyed jobs.
type Scheduler struct {
	mu      sync.Mutex
	jobs    map[string]*job
	running map[uint64]*job
	gen     uint64
	stopped bool
	wg      sync.WaitGroup
}

func New() *Scheduler {
	return &Scheduler{jobs: map[string]*job{}, running: map[uint64]*job{}}
}

// Repeating runs action after first and then every interval until the key is
// cancelled or replaced.
func (s *Scheduler) Repeating(key string, interval, first time.Duration, action Action) {
	if s == nil || action == nil || interval <= 0 {
		return
	}
	j, ctx := s.arm(key)
	if j == nil {
		return
	}
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(nonNegative(first))
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			if ctx.Err() != nil {
				return
			}
			s.run(ctx, key, action)
			timer.Reset(interval)
		}
	}()
	log.Debug().Str("component", "schedule").Str("key", key).Dur("interval", interval).Msg("repeating job armed")
}

// Once runs action at fireAt. A fireAt in the past fires immediately.
func (s *Scheduler) Once(key string, fireAt time.Time, action Action) {
	if s == nil || action == nil {
		return
	}
	j, ctx := s.arm(key)
	if j == nil {
		return
	}
	delay := nonNegative(time.Until(fireAt))
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if !s.release(j) {
			return
		}
		s.run(ctx, key, action)
		s.mu.Lock()
		delete(s.running, j.gen)
		s.mu.Unlock()
		j.cancel()
	}()
	log.Debug().Str("component", "schedule").Str("key", key).Time("fire_at", fireAt).Msg("one-shot job armed")
}

// Cancel stops the job registered under key. It reports whether a job was
// pending.
func (s *Scheduler) Cancel(key string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	j, ok := s.jobs[key]
	if ok {
		delete(s.jobs, key)
	}
	s.mu.Unlock()
	if ok {
		j.cancel()
	}
	return ok
}

func (s *Scheduler) Pending(key string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[key]
	return ok
}

// Len returns the number of armed jobs.
func (s *Scheduler) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Stop cancels every job, waits for running actions to return and rejects
// further arming.
func (s *Scheduler) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.stopped = true
	cancels := make([]context.CancelFunc, 0, len(s.jobs)+len(s.running))
	for _, j := range s.jobs {
		cancels = append(cancels, j.cancel)
	}
	for _, j := range s.running {
		cancels = append(cancels, j.cancel)
	}
	s.jobs = map[string]*job{}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) arm(key string) (*job, context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, nil
	}
	if prev, ok := s.jobs[key]; ok {
		prev.cancel()
	}
	s.gen++
	ctx, cancel := context.WithCancel(context.Background())
	j := &job{key: key, gen: s.gen, cancel: cancel}
	s.jobs[key] = j
	s.wg.Add(1)
	return j, ctx
}

// release moves a one-shot job that is about to fire out of the armed set. It
// fails when the job has been replaced or cancelled in the meantime.
func (s *Scheduler) release(j *job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[j.key]
	if !ok || cur.gen != j.gen {
		return false
	}
	delete(s.jobs, j.key)
	s.running[j.gen] = j
	return true
}

func (s *Scheduler) run(ctx context.Context, key string, action Action) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("component", "schedule").Str("key", key).Interface("panic", r).Msg("job panicked")
		}
	}()
	action(ctx)
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
