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

package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/carverauto/assetradar/pkg/logger"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func stopScheduler(t *testing.T, s *Scheduler) {
	t.Helper()

	require.NoError(t, s.Stop(context.Background()))
}

func TestTickerRunsJob(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)

	ticks := make(chan time.Time)

	var recv <-chan time.Time = ticks

	clock := NewMockClock(ctrl)
	ticker := NewMockTicker(ctrl)

	clock.EXPECT().Now().Return(t0).AnyTimes()
	clock.EXPECT().Ticker(time.Minute).Return(ticker)
	ticker.EXPECT().Chan().Return(recv).AnyTimes()
	ticker.EXPECT().Stop()

	ran := make(chan struct{}, 4)

	s := New(clock, logger.NewTestLogger())
	require.NoError(t, s.Register(Job{
		Name:     "tick",
		Interval: time.Minute,
		Run: func(context.Context) error {
			ran <- struct{}{}

			return nil
		},
	}))
	require.NoError(t, s.Start(context.Background()))

	idle := func() bool {
		st, _ := s.Status("tick")

		return !st.Running
	}

	ticks <- t0
	<-ran
	require.Eventually(t, idle, time.Second, 5*time.Millisecond)

	ticks <- t0
	<-ran
	require.Eventually(t, idle, time.Second, 5*time.Millisecond)

	stopScheduler(t, s)

	st, err := s.Status("tick")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Runs)
	assert.Equal(t, t0, st.LastRun)
	assert.False(t, st.Running)
}

func TestTriggerCoalescesWhileRunning(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{}, 1)

	var runs atomic.Int32

	s := New(nil, logger.NewTestLogger())
	require.NoError(t, s.Register(Job{
		Name: "manual",
		Run: func(context.Context) error {
			runs.Add(1)
			started <- struct{}{}
			<-release

			return nil
		},
	}))

	assert.False(t, s.Trigger("manual"), "trigger before start")
	require.NoError(t, s.Start(context.Background()))

	require.True(t, s.Trigger("manual"))
	<-started

	assert.False(t, s.Trigger("manual"))
	require.ErrorIs(t, s.RunNow(context.Background(), "manual"), ErrJobRunning)

	close(release)

	require.Eventually(t, func() bool {
		st, _ := s.Status("manual")

		return !st.Running
	}, time.Second, 5*time.Millisecond)

	require.True(t, s.Trigger("manual"))
	<-started

	stopScheduler(t, s)

	st, err := s.Status("manual")
	require.NoError(t, err)
	assert.Equal(t, int32(2), runs.Load())
	assert.Equal(t, 2, st.Runs)
	assert.Equal(t, 2, st.Coalesced)
	assert.False(t, s.Trigger("manual"), "trigger after stop")
}

func TestRunNowRecordsFailures(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")

	s := New(nil, logger.NewTestLogger())
	require.NoError(t, s.Register(Job{Name: "fails", Run: func(context.Context) error { return boom }}))
	require.NoError(t, s.Register(Job{Name: "panics", Run: func(context.Context) error { panic("bad state") }}))

	require.ErrorIs(t, s.RunNow(context.Background(), "fails"), boom)
	require.ErrorIs(t, s.RunNow(context.Background(), "panics"), errJobPanic)
	require.ErrorIs(t, s.RunNow(context.Background(), "missing"), ErrUnknownJob)

	st, err := s.Status("fails")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Runs)
	require.ErrorIs(t, st.LastErr, boom)

	st, err = s.Status("panics")
	require.NoError(t, err)
	assert.False(t, st.Running)
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()

	noop := func(context.Context) error { return nil }

	s := New(nil, logger.NewTestLogger())

	require.ErrorIs(t, s.Register(Job{Run: noop}), ErrInvalidJob)
	require.ErrorIs(t, s.Register(Job{Name: "x"}), ErrInvalidJob)
	require.NoError(t, s.Register(Job{Name: "x", Run: noop}))
	require.ErrorIs(t, s.Register(Job{Name: "x", Run: noop}), ErrDuplicateJob)

	require.NoError(t, s.Start(context.Background()))
	require.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
	require.ErrorIs(t, s.Register(Job{Name: "y", Run: noop}), ErrAlreadyStarted)

	assert.Equal(t, []string{"x"}, s.Jobs())

	stopScheduler(t, s)
}

func TestRunAtStart(t *testing.T) {
	t.Parallel()

	ran := make(chan struct{})

	s := New(nil, logger.NewTestLogger())
	require.NoError(t, s.Register(Job{
		Name:       "boot",
		RunAtStart: true,
		Run: func(context.Context) error {
			close(ran)

			return nil
		},
	}))
	require.NoError(t, s.Start(context.Background()))

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("job did not run at start")
	}

	stopScheduler(t, s)
}
