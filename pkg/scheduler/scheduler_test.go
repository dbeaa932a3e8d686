// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Chouette-IoT.
// Copyright 2020-present Chouette-IoT.

package scheduler

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleOnce(t *testing.T) {
	mock := clock.NewMock()
	s := NewWithClock(mock)

	runs := 0
	s.ScheduleOnce(5*time.Second, func() { runs++ })

	mock.Add(4 * time.Second)
	assert.Equal(t, 0, runs)
	mock.Add(time.Second)
	assert.Equal(t, 1, runs)
	mock.Add(time.Minute)
	assert.Equal(t, 1, runs, "a one-shot task must not fire again")
}

func TestScheduleOnceCancelled(t *testing.T) {
	mock := clock.NewMock()
	s := NewWithClock(mock)

	runs := 0
	cancellable := s.ScheduleOnce(5*time.Second, func() { runs++ })
	require.True(t, cancellable.Cancel())

	mock.Add(time.Minute)
	assert.Equal(t, 0, runs)
}

func TestScheduleAtFixedRateStaysOnGrid(t *testing.T) {
	mock := clock.NewMock()
	s := NewWithClock(mock)
	start := mock.Now()

	var firings []time.Duration
	s.ScheduleAtFixedRate(2*time.Second, 10*time.Second, func() {
		firings = append(firings, mock.Now().Sub(start))
	})

	// The first firing lands exactly on the scheduled start, so the
	// task is skipped but the chain stays armed on the grid.
	mock.Add(2 * time.Second)
	assert.Empty(t, firings)

	mock.Add(30 * time.Second)
	assert.Equal(t, []time.Duration{12 * time.Second, 22 * time.Second, 32 * time.Second}, firings)
}

func TestScheduleWithFixedDelay(t *testing.T) {
	mock := clock.NewMock()
	s := NewWithClock(mock)
	start := mock.Now()

	var firings []time.Duration
	s.ScheduleWithFixedDelay(time.Second, 5*time.Second, func() {
		firings = append(firings, mock.Now().Sub(start))
	})

	mock.Add(16 * time.Second)
	assert.Equal(t, []time.Duration{6 * time.Second, 11 * time.Second, 16 * time.Second}, firings)
}

func TestCancelStopsPeriodicJob(t *testing.T) {
	mock := clock.NewMock()
	s := NewWithClock(mock)

	runs := 0
	cancellable := s.ScheduleAtFixedRate(time.Second, 10*time.Second, func() { runs++ })
	mock.Add(21 * time.Second)
	require.Equal(t, 2, runs)

	assert.False(t, cancellable.IsCancelled())
	assert.True(t, cancellable.Cancel())
	assert.True(t, cancellable.IsCancelled())

	mock.Add(time.Hour)
	assert.Equal(t, 2, runs)
}

func TestCancelReturnsTrueExactlyOnce(t *testing.T) {
	mock := clock.NewMock()
	s := NewWithClock(mock)

	cancellable := s.ScheduleOnce(time.Second, func() {})
	assert.True(t, cancellable.Cancel())
	assert.False(t, cancellable.Cancel())
	assert.False(t, cancellable.Cancel())
}

func TestPanicStopsPeriodicJob(t *testing.T) {
	mock := clock.NewMock()
	s := NewWithClock(mock)

	runs := 0
	s.ScheduleAtFixedRate(time.Second, 10*time.Second, func() {
		runs++
		panic("boom")
	})

	mock.Add(time.Minute)
	assert.Equal(t, 1, runs, "a panicking task must not be rescheduled")
}

func TestPeriodicTasksAreIndependent(t *testing.T) {
	mock := clock.NewMock()
	s := NewWithClock(mock)

	first, second := 0, 0
	cancellable := s.ScheduleAtFixedRate(time.Second, 10*time.Second, func() { first++ })
	s.ScheduleAtFixedRate(time.Second, 10*time.Second, func() { second++ })

	mock.Add(11 * time.Second)
	cancellable.Cancel()
	mock.Add(10 * time.Second)

	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
}
