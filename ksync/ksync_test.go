package ksync

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mkern "github.com/ehrlich-b/go-mkern"
)

func TestMutexPassive(t *testing.T) {
	var m Mutex

	m.Lock()
	assert.True(t, m.Locked())
	m.Unlock()
	assert.False(t, m.Locked())
}

func TestMutexRecursive(t *testing.T) {
	var m Mutex
	m.Init(Recursive)

	m.Lock()
	m.Lock() // re-entry by the holder must not deadlock
	assert.True(t, m.Locked())
	m.Unlock()
	assert.True(t, m.Locked(), "mutex released too early")
	m.Unlock()
	assert.False(t, m.Locked())
}

func TestMutexLockedIsPerGoroutine(t *testing.T) {
	var m Mutex
	m.Lock()
	defer m.Unlock()

	res := make(chan bool)
	go func() { res <- m.Locked() }()
	assert.False(t, <-res, "Locked() must be false for a non-holder")
}

func TestMutexUnlockByNonOwnerPanics(t *testing.T) {
	var m Mutex
	m.Lock()
	defer m.Unlock()

	done := make(chan any)
	go func() {
		defer func() { done <- recover() }()
		m.Unlock()
	}()
	assert.NotNil(t, <-done, "unlock by non-owner must panic")
}

func TestMutexContention(t *testing.T) {
	var m Mutex
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				m.Lock()
				counter++
				m.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 8000, counter)
}

func TestWaitQMissedWakeup(t *testing.T) {
	var w WaitQ

	// A wakeup with nobody sleeping is remembered.
	w.Wakeup(false)

	done := make(chan struct{})
	go func() {
		w.Sleep()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("missed wakeup was not consumed")
	}
}

func TestWaitQClearMissed(t *testing.T) {
	var w WaitQ
	w.Wakeup(false)
	w.ClearMissed()

	err := w.SleepTimeout(50 * time.Millisecond)
	require.Error(t, err, "cleared missed wakeup must not satisfy a sleeper")
	assert.True(t, mkern.IsCode(err, mkern.ErrCodeTimeout))
}

func TestWaitQWakeupFirst(t *testing.T) {
	var w WaitQ

	const sleepers = 3
	woken := make(chan int, sleepers)
	for i := 0; i < sleepers; i++ {
		i := i
		go func() {
			w.Sleep()
			woken <- i
		}()
	}

	// Give the sleepers time to park, then release them one by one.
	time.Sleep(50 * time.Millisecond)
	for i := 0; i < sleepers; i++ {
		w.Wakeup(false)
		select {
		case <-woken:
		case <-time.After(2 * time.Second):
			t.Fatalf("sleeper %d never woke", i)
		}
	}
}

func TestWaitQWakeupAll(t *testing.T) {
	var w WaitQ

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Sleep()
		}()
	}

	time.Sleep(50 * time.Millisecond)
	w.Wakeup(true)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wakeup(all) did not release every sleeper")
	}
}

func TestWaitQSleepTimeout(t *testing.T) {
	var w WaitQ

	start := time.Now()
	err := w.SleepTimeout(30 * time.Millisecond)
	require.Error(t, err)
	assert.True(t, mkern.IsCode(err, mkern.ErrCodeTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	// A wakeup before the deadline yields nil.
	go func() {
		time.Sleep(10 * time.Millisecond)
		w.Wakeup(false)
	}()
	assert.NoError(t, w.SleepTimeout(2*time.Second))
}

func TestCondVarBroadcast(t *testing.T) {
	var m Mutex
	var cv CondVar
	ready := false

	const waiters = 3
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock()
			for !ready {
				cv.Wait(&m)
			}
			m.Unlock()
		}()
	}

	time.Sleep(50 * time.Millisecond)
	m.Lock()
	ready = true
	m.Unlock()
	cv.Broadcast()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast did not release every waiter")
	}
}

func TestCondVarSignal(t *testing.T) {
	var m Mutex
	var cv CondVar
	got := false

	go func() {
		m.Lock()
		for !got {
			cv.Wait(&m)
		}
		m.Unlock()
	}()

	time.Sleep(20 * time.Millisecond)
	m.Lock()
	got = true
	m.Unlock()
	cv.Signal()
	// The waiter either saw got before waiting or is released by the
	// signal; give it a moment either way.
	time.Sleep(20 * time.Millisecond)
}
