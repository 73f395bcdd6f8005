/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package scheduler runs the periodic background jobs of a node: reimage
// analysis, central promotion and adapter retention.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carverauto/assetradar/pkg/logger"
)

var (
	ErrInvalidJob     = errors.New("job needs a name and a run function")
	ErrDuplicateJob   = errors.New("job already registered")
	ErrUnknownJob     = errors.New("unknown job")
	ErrJobRunning     = errors.New("job is already running")
	ErrAlreadyStarted = errors.New("scheduler already started")
	ErrNotStarted     = errors.New("scheduler not started")
)

const stopTimeout = 30 * time.Second

// Job is one periodic task. A zero Interval registers a job that only runs
// when triggered.
type Job struct {
	Name       string
	Interval   time.Duration
	RunAtStart bool
	Run        func(ctx context.Context) error
}

// JobStatus is a point-in-time view of one job.
type JobStatus struct {
	Name         string
	Running      bool
	Runs         int
	Coalesced    int
	LastRun      time.Time
	LastDuration time.Duration
	LastErr      error
}

type jobState struct {
	job     Job
	running atomic.Bool

	mu        sync.Mutex
	runs      int
	coalesced int
	lastRun   time.Time
	lastDur   time.Duration
	lastErr   error
}

// Scheduler runs each registered job on its interval, at most one instance
// per job at a time.
type Scheduler struct {
	clock  Clock
	logger logger.Logger

	mu      sync.Mutex
	jobs    map[string]*jobState
	order   []string
	ctx     context.Context
	started bool

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// New returns a scheduler. A nil clock uses wall time.
func New(clock Clock, log logger.Logger) *Scheduler {
	if clock == nil {
		clock = realClock{}
	}

	return &Scheduler{
		clock:  clock,
		logger: log,
		jobs:   make(map[string]*jobState),
		done:   make(chan struct{}),
	}
}

// Register adds a job. Jobs must be registered before Start.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return ErrInvalidJob
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name)
	}

	s.jobs[job.Name] = &jobState{job: job}
	s.order = append(s.order, job.Name)

	return nil
}

// Start launches one ticker loop per interval job and returns.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	s.started = true
	s.ctx = ctx

	for _, name := range s.order {
		js := s.jobs[name]

		if js.job.RunAtStart {
			s.launch(js)
		}

		if js.job.Interval <= 0 {
			continue
		}

		ticker := s.clock.Ticker(js.job.Interval)

		s.wg.Add(1)

		go s.loop(ctx, js, ticker)

		s.logger.Info().Str("job", name).Dur("interval", js.job.Interval).Msg("Scheduled background job")
	}

	return nil
}

func (s *Scheduler) loop(ctx context.Context, js *jobState, ticker Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.Chan():
			s.launch(js)
		}
	}
}

// Trigger starts name now unless it is already running. It reports whether
// a run was started.
func (s *Scheduler) Trigger(name string) bool {
	s.mu.Lock()
	js, ok := s.jobs[name]
	started := s.started
	s.mu.Unlock()

	if !ok || !started {
		return false
	}

	select {
	case <-s.done:
		return false
	default:
	}

	return s.launch(js)
}

// RunNow runs name synchronously on the caller's goroutine.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	js, ok := s.jobs[name]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	if !js.running.CompareAndSwap(false, true) {
		js.noteCoalesced()

		return fmt.Errorf("%w: %s", ErrJobRunning, name)
	}

	return s.run(ctx, js)
}

// launch runs js in the background if it is idle.
func (s *Scheduler) launch(js *jobState) bool {
	if !js.running.CompareAndSwap(false, true) {
		js.noteCoalesced()
		s.logger.Debug().Str("job", js.job.Name).Msg("Job still running, coalescing trigger")

		return false
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		_ = s.run(s.ctx, js)
	}()

	return true
}

// run executes js, which the caller has already marked running.
func (s *Scheduler) run(ctx context.Context, js *jobState) error {
	defer js.running.Store(false)

	start := s.clock.Now()

	err := safeRun(ctx, js.job.Run)

	dur := s.clock.Now().Sub(start)

	js.mu.Lock()
	js.runs++
	js.lastRun = start
	js.lastDur = dur
	js.lastErr = err
	js.mu.Unlock()

	if err != nil {
		s.logger.Error().Str("job", js.job.Name).Dur("duration", dur).Err(err).Msg("Background job failed")
	} else {
		s.logger.Debug().Str("job", js.job.Name).Dur("duration", dur).Msg("Background job finished")
	}

	return err
}

var errJobPanic = errors.New("job panicked")

func safeRun(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errJobPanic, r)
		}
	}()

	return fn(ctx)
}

func (js *jobState) noteCoalesced() {
	js.mu.Lock()
	js.coalesced++
	js.mu.Unlock()
}

// Status reports the state of name.
func (s *Scheduler) Status(name string) (JobStatus, error) {
	s.mu.Lock()
	js, ok := s.jobs[name]
	s.mu.Unlock()

	if !ok {
		return JobStatus{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	js.mu.Lock()
	defer js.mu.Unlock()

	return JobStatus{
		Name:         name,
		Running:      js.running.Load(),
		Runs:         js.runs,
		Coalesced:    js.coalesced,
		LastRun:      js.lastRun,
		LastDuration: js.lastDur,
		LastErr:      js.lastErr,
	}, nil
}

// Jobs lists registered job names in registration order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.order...)
}

// Stop ends the ticker loops and waits for running jobs, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()

	s.closeOnce.Do(func() {
		close(s.done)
	})

	finished := make(chan struct{})

	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background jobs: %w", ctx.Err())
	}
}
