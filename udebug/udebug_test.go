package udebug

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mkern "github.com/ehrlich-b/go-mkern"
)

// answerLog collects completed calls the way a debugger's answerbox
// would.
type answerLog struct {
	mu    sync.Mutex
	calls []*Call
}

func (a *answerLog) sink(c *Call) {
	a.mu.Lock()
	a.calls = append(a.calls, c)
	a.mu.Unlock()
}

func (a *answerLog) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func (a *answerLog) last() *Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.calls) == 0 {
		return nil
	}
	return a.calls[len(a.calls)-1]
}

func (a *answerLog) waitCount(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for a.count() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d answers, have %d", n, a.count())
		}
		time.Sleep(time.Millisecond)
	}
}

func newSession(t *testing.T) (*Task, *Thread, *answerLog) {
	t.Helper()
	log := &answerLog{}
	ta := NewTask(log.sink, nil)
	th := NewThread(ta, true, 42)
	ta.Attach(th)
	return ta, th, log
}

// TestBeginImmediate: every thread already inside a stoppable section
// means BEGIN is answered on the spot.
func TestBeginImmediate(t *testing.T) {
	ta, th, log := newSession(t)

	th.StoppableBegin() // the thread is blocked in a syscall

	begin := &Call{}
	require.NoError(t, ta.Begin(begin, EvMaskAll, "debugger"))

	assert.Equal(t, TaskActive, ta.State())
	require.Equal(t, 1, log.count())
	assert.Same(t, begin, log.last())
	assert.Equal(t, 0, begin.Retval)
	assert.True(t, th.Active())
}

// TestBeginDeferred: with a thread outside any stoppable section, BEGIN
// is answered only when the thread passes its next stop point.
func TestBeginDeferred(t *testing.T) {
	ta, th, log := newSession(t)

	begin := &Call{}
	require.NoError(t, ta.Begin(begin, EvMaskAll, "debugger"))

	assert.Equal(t, TaskBeginning, ta.State())
	assert.Zero(t, log.count(), "BEGIN must wait for the stop point")

	// The scheduler dispatches the thread: it passes a stop point and
	// parks there, since it has no GO.
	done := make(chan struct{})
	go func() {
		th.BeforeThreadRuns()
		close(done)
	}()

	log.waitCount(t, 1)
	assert.Equal(t, TaskActive, ta.State())
	assert.Same(t, begin, log.last())

	select {
	case <-done:
		t.Fatal("thread must stay parked until GO")
	case <-time.After(50 * time.Millisecond):
	}

	// GO releases it.
	require.NoError(t, th.Go(&Call{}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("thread did not resume after GO")
	}
}

func TestBeginTwiceBusy(t *testing.T) {
	ta, th, _ := newSession(t)
	th.StoppableBegin()

	require.NoError(t, ta.Begin(&Call{}, 0, "a"))
	err := ta.Begin(&Call{}, 0, "b")
	require.Error(t, err)
	assert.True(t, mkern.IsCode(err, mkern.ErrCodeBusy))
}

// TestStopDuringBlockedSyscall is the STOP/GO exchange against a thread
// blocked inside a system call, i.e. already inside a stoppable section.
func TestStopDuringBlockedSyscall(t *testing.T) {
	ta, th, log := newSession(t)

	th.StoppableBegin() // blocked in a syscall, stoppable
	require.NoError(t, ta.Begin(&Call{}, EvMaskAll, "debugger"))
	log.waitCount(t, 1)

	// The debugger lets the thread run.
	goCall := &Call{}
	require.NoError(t, th.Go(goCall))

	// STOP: the thread is stoppable, so the pending GO call is answered
	// with the STOP event immediately.
	require.NoError(t, th.Stop())
	require.Equal(t, 2, log.count())
	answered := log.last()
	assert.Same(t, goCall, answered)
	assert.Equal(t, uint64(EventStop), answered.Args[0])
	assert.Equal(t, EventStop, th.CurEvent())
	assert.True(t, th.Stopped(), "active with GO cleared")

	// The debugger resumes the thread; it then returns from the syscall
	// normally, leaving the stoppable section without parking.
	require.NoError(t, th.Go(&Call{}))
	done := make(chan struct{})
	go func() {
		th.StoppableEnd()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("thread failed to leave its stoppable section under GO")
	}
}

// TestStopDeferredToStopPoint: stopping a thread that is running
// userspace defers the STOP answer to the thread's next stop point.
func TestStopDeferredToStopPoint(t *testing.T) {
	ta, th, log := newSession(t)

	begin := &Call{}
	require.NoError(t, ta.Begin(begin, EvMaskAll, "debugger"))

	// The thread passes a stop point, completing BEGIN, and parks.
	released := make(chan struct{})
	go func() {
		th.BeforeThreadRuns()
		close(released)
	}()
	log.waitCount(t, 1)

	// GO, so the thread leaves the park loop and runs userspace again.
	goCall := &Call{}
	require.NoError(t, th.Go(goCall))
	<-released

	// STOP while the thread runs userspace: no stoppable section, no
	// immediate answer.
	require.NoError(t, th.Stop())
	assert.Equal(t, 1, log.count(), "STOP answer must wait for the stop point")

	// The answer arrives when the thread reaches its next stop point,
	// where it parks again.
	go th.BeforeThreadRuns()
	log.waitCount(t, 2)
	answered := log.last()
	assert.Same(t, goCall, answered)
	assert.Equal(t, uint64(EventStop), answered.Args[0])

	// Release the parked thread and shut down.
	require.NoError(t, th.Go(&Call{}))
	ta.Lock()
	require.NoError(t, ta.TaskCleanup())
	ta.Unlock()
}

func TestSyscallEventReportsAndParks(t *testing.T) {
	ta, th, log := newSession(t)

	th.StoppableBegin()
	require.NoError(t, ta.Begin(&Call{}, EvMask(EventSyscallBegin), "debugger"))
	log.waitCount(t, 1)

	goCall := &Call{}
	require.NoError(t, th.Go(goCall))

	args := [6]uint64{1, 2, 3, 4, 5, 6}
	reported := make(chan struct{})
	go func() {
		th.SyscallEvent(args, 77, 0, false)
		close(reported)
	}()

	log.waitCount(t, 2)
	ev := log.last()
	assert.Same(t, goCall, ev)
	assert.Equal(t, uint64(EventSyscallBegin), ev.Args[0])
	assert.Equal(t, uint64(77), ev.Args[1])
	assert.Equal(t, args, th.SyscallArgs())

	select {
	case <-reported:
		t.Fatal("thread must park after reporting an event")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, th.Go(&Call{}))
	select {
	case <-reported:
	case <-time.After(2 * time.Second):
		t.Fatal("thread did not resume after GO")
	}
}

// TestSyscallEventMasked: unsubscribed events are not generated and the
// thread does not stop.
func TestSyscallEventMasked(t *testing.T) {
	ta, th, log := newSession(t)

	th.StoppableBegin()
	require.NoError(t, ta.Begin(&Call{}, EvMask(EventSyscallEnd), "debugger"))
	log.waitCount(t, 1)
	require.NoError(t, th.Go(&Call{}))

	done := make(chan struct{})
	go func() {
		th.SyscallEvent([6]uint64{}, 1, 0, false) // BEGIN variant, masked out
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("masked event must not park the thread")
	}
	assert.Equal(t, 1, log.count())
}

// TestCleanupAnswersFinished: teardown answers a pending GO call with
// FINISHED rather than dropping it.
func TestCleanupAnswersFinished(t *testing.T) {
	ta, th, log := newSession(t)

	th.StoppableBegin()
	require.NoError(t, ta.Begin(&Call{}, EvMaskAll, "debugger"))
	log.waitCount(t, 1)

	goCall := &Call{}
	require.NoError(t, th.Go(goCall))

	ta.Lock()
	require.NoError(t, ta.TaskCleanup())
	ta.Unlock()

	require.Equal(t, 2, log.count())
	fin := log.last()
	assert.Same(t, goCall, fin)
	assert.Equal(t, uint64(EventFinished), fin.Args[0])
	assert.Equal(t, TaskInactive, ta.State())
	assert.False(t, th.Active())
}

// TestCleanupWakesParked: a thread parked on its GO wait queue is
// released by teardown.
func TestCleanupWakesParked(t *testing.T) {
	ta, th, log := newSession(t)

	require.NoError(t, ta.Begin(&Call{}, EvMaskAll, "debugger"))

	parked := make(chan struct{})
	go func() {
		th.BeforeThreadRuns() // parks: active, no GO
		close(parked)
	}()
	log.waitCount(t, 1) // BEGIN answered at the stop point

	select {
	case <-parked:
		t.Fatal("thread must be parked before cleanup")
	case <-time.After(50 * time.Millisecond):
	}

	ta.Lock()
	require.NoError(t, ta.TaskCleanup())
	ta.Unlock()

	select {
	case <-parked:
	case <-time.After(2 * time.Second):
		t.Fatal("cleanup did not wake the parked thread")
	}
}

func TestCleanupInvalidState(t *testing.T) {
	ta, _, _ := newSession(t)

	ta.Lock()
	err := ta.TaskCleanup()
	ta.Unlock()

	require.Error(t, err)
	assert.True(t, mkern.IsCode(err, mkern.ErrCodeInvalidState))
}

// TestEndOp: the END operation is cleanup plus an answered call.
func TestEndOp(t *testing.T) {
	ta, th, log := newSession(t)
	th.StoppableBegin()
	require.NoError(t, ta.Begin(&Call{}, EvMaskAll, "debugger"))
	log.waitCount(t, 1)

	end := &Call{}
	require.NoError(t, ta.End(end))
	assert.Equal(t, 0, end.Retval)
	assert.Equal(t, TaskInactive, ta.State())

	// Ending again fails and the call reports it.
	end2 := &Call{}
	require.Error(t, ta.End(end2))
	assert.Equal(t, -1, end2.Retval)
}

// TestThreadFault: the faulting thread waits for a session to attach,
// then for it to end.
func TestThreadFault(t *testing.T) {
	ta, th, log := newSession(t)

	faultDone := make(chan struct{})
	go func() {
		th.ThreadFault()
		close(faultDone)
	}()

	// No debugger yet: the thread stays put.
	select {
	case <-faultDone:
		t.Fatal("fault wait must block until a debugger attaches")
	case <-time.After(50 * time.Millisecond):
	}

	// Attach. The fault thread is inside a stoppable section, so BEGIN
	// completes immediately.
	require.NoError(t, ta.Begin(&Call{}, EvMaskAll, "debugger"))
	log.waitCount(t, 1)

	// Still blocked: now it waits for the session to END.
	select {
	case <-faultDone:
		t.Fatal("fault wait must block until the session ends")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, ta.End(&Call{}))

	select {
	case <-faultDone:
	case <-time.After(2 * time.Second):
		t.Fatal("fault wait did not finish with the session")
	}
}

// TestThreadBeginEventAttach: a thread created mid-session is announced
// through the creator's GO call, and the creator parks.
func TestThreadBeginEventAttach(t *testing.T) {
	ta, th, log := newSession(t)

	th.StoppableBegin()
	require.NoError(t, ta.Begin(&Call{}, EvMaskAll, "debugger"))
	log.waitCount(t, 1)

	goCall := &Call{}
	require.NoError(t, th.Go(goCall))

	created := NewThread(ta, true, 43)
	eventDone := make(chan struct{})
	go func() {
		th.ThreadBeginEventAttach(created)
		close(eventDone)
	}()

	log.waitCount(t, 2)
	ev := log.last()
	assert.Same(t, goCall, ev)
	assert.Equal(t, uint64(EventThreadBegin), ev.Args[0])
	assert.Equal(t, uint64(43), ev.Args[1])
	assert.True(t, created.Active(), "a thread attached into an active session is active")

	select {
	case <-eventDone:
		t.Fatal("creator must park after reporting THREAD_BEGIN")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, th.Go(&Call{}))
	select {
	case <-eventDone:
	case <-time.After(2 * time.Second):
		t.Fatal("creator did not resume after GO")
	}

	// Both threads appear in the read-only iteration.
	ids := map[uint64]bool{}
	ta.EachThread(func(t *Thread) bool {
		ids[t.ID()] = true
		return true
	})
	assert.Len(t, ids, 2)
}

// TestThreadEndEvent: a terminating thread reports THREAD_END and stops
// being debugged, without parking.
func TestThreadEndEvent(t *testing.T) {
	ta, th, log := newSession(t)

	th.StoppableBegin()
	require.NoError(t, ta.Begin(&Call{}, EvMaskAll, "debugger"))
	log.waitCount(t, 1)

	goCall := &Call{}
	require.NoError(t, th.Go(goCall))

	th.ThreadEndEvent() // must not block
	require.Equal(t, 2, log.count())
	ev := log.last()
	assert.Same(t, goCall, ev)
	assert.Equal(t, uint64(EventThreadEnd), ev.Args[0])
	assert.False(t, th.Active())
}

// TestGoInvalid: GO against a thread that is not being debugged fails.
func TestGoInvalid(t *testing.T) {
	_, th, _ := newSession(t)
	err := th.Go(&Call{})
	require.Error(t, err)
	assert.True(t, mkern.IsCode(err, mkern.ErrCodeInvalidState))
}

// TestStopInvalid: STOP against a thread without GO fails.
func TestStopInvalid(t *testing.T) {
	ta, th, log := newSession(t)
	th.StoppableBegin()
	require.NoError(t, ta.Begin(&Call{}, EvMaskAll, "debugger"))
	log.waitCount(t, 1)

	err := th.Stop()
	require.Error(t, err)
	assert.True(t, mkern.IsCode(err, mkern.ErrCodeInvalidState))
}
