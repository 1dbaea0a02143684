// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/visorhq/visor/internal/scheduler"
	"github.com/visorhq/visor/internal/scheduler/schedulertest"
)

func newLoop(t *testing.T) *scheduler.Loop {
	t.Helper()
	l, err := scheduler.NewLoop(nil)
	require.NoError(t, err)
	return l
}

func TestLoop_RunsInOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := newLoop(t)
	require.NoError(t, l.Start(context.Background()))
	defer l.Close()

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		l.Immediate(func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestLoop_CancelPreventsRun(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := newLoop(t)
	ran := make(chan string, 2)

	h := l.Immediate(func() { ran <- "canceled" })
	l.Immediate(func() { ran <- "kept" })

	assert.True(t, h.Cancel())
	assert.False(t, h.Cancel(), "second cancel reports nothing pending")

	require.NoError(t, l.Start(context.Background()))
	defer l.Close()

	select {
	case got := <-ran:
		assert.Equal(t, "kept", got)
	case <-time.After(time.Second):
		t.Fatal("callback did not run")
	}
}

func TestLoop_PanicDoesNotStopLoop(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := newLoop(t)
	require.NoError(t, l.Start(context.Background()))
	defer l.Close()

	done := make(chan struct{})
	l.Immediate(func() { panic("boom") })
	l.Immediate(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop stopped after panic")
	}
}

func TestLoop_CloseDropsPending(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := newLoop(t)
	h := l.Immediate(func() { t.Error("must not run") })

	l.Close()
	l.Close()

	assert.False(t, h.Cancel())
	assert.ErrorIs(t, l.Start(context.Background()), scheduler.ErrClosed)
	late := l.Immediate(func() { t.Error("must not run") })
	assert.False(t, late.Cancel())
	assert.Zero(t, l.Pending())
}

func TestLoop_StopsOnContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	l := newLoop(t)
	require.NoError(t, l.Start(ctx))

	cancel()
	l.Close()
}

func TestLoop_QueuedBeforeStartRunsFirst(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := newLoop(t)
	got := make(chan string, 2)
	l.Immediate(func() { got <- "early" })
	assert.Equal(t, 1, l.Pending())

	require.NoError(t, l.Start(context.Background()))
	defer l.Close()
	l.Immediate(func() { got <- "late" })

	for _, want := range []string{"early", "late"} {
		select {
		case v := <-got:
			assert.Equal(t, want, v)
		case <-time.After(time.Second):
			t.Fatalf("%s callback did not run", want)
		}
	}
}

func TestLoop_CloseFromCallback(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := newLoop(t)
	require.NoError(t, l.Start(context.Background()))

	closed := make(chan struct{})
	l.Immediate(func() {
		go func() {
			l.Close()
			close(closed)
		}()
	})

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close from a callback did not return")
	}
	assert.ErrorIs(t, l.Start(context.Background()), scheduler.ErrClosed)
}

func TestManualScheduler(t *testing.T) {
	s := schedulertest.New()
	var order []string

	s.Immediate(func() {
		order = append(order, "a")
		s.Immediate(func() { order = append(order, "c") })
	})
	h := s.Immediate(func() { order = append(order, "skipped") })
	s.Immediate(func() { order = append(order, "b") })
	h.Cancel()

	assert.Equal(t, 2, s.Pending())
	assert.Equal(t, 3, s.RunUntilIdle(10))
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.False(t, s.RunNext())
}
