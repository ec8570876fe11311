package udebug

import (
	"github.com/ehrlich-b/go-mkern/adt"

	mkern "github.com/ehrlich-b/go-mkern"
)

// Debugger-side operations: the requests a debugger issues against a
// debuggee task and its threads.

// Begin starts a debugging session on the task. The call is answered
// once every thread of the task has passed a stop point; if all threads
// are already inside stoppable sections, it is answered before Begin
// returns. evmask selects the events the session subscribes to.
func (ta *Task) Begin(call *Call, evmask uint32, debugger any) error {
	ta.lock.Lock()

	if ta.state != TaskInactive {
		ta.lock.Unlock()
		return mkern.NewError("udebug_begin", mkern.ErrCodeBusy,
			"task already has a debugging session")
	}

	ta.state = TaskBeginning
	ta.beginCall = call
	ta.debugger = debugger
	ta.evmask = evmask

	done := ta.notStoppableCount == 0
	if done {
		// No threads to wait for.
		ta.state = TaskActive
		ta.beginCall = nil
	}

	// Mark every userspace thread active. The fault waiters are told
	// only after the task mutex is released.
	var attached []*Thread
	ta.threads.ForEachSafe(func(l *adt.Link) bool {
		t := l.Inst().(*Thread)
		if !t.uspace {
			return true
		}
		t.lock.Lock()
		t.active = true
		t.lock.Unlock()
		attached = append(attached, t)
		return true
	})

	ta.lock.Unlock()

	for _, t := range attached {
		t.activeCV.Broadcast()
	}
	if done {
		call.Retval = 0
		ta.answer(call)
	}
	return nil
}

// SetEvMask replaces the session's event subscription mask.
func (ta *Task) SetEvMask(evmask uint32) {
	ta.lock.Lock()
	ta.evmask = evmask
	ta.lock.Unlock()
}

// End terminates the debugging session and answers the end call with the
// outcome. Threads with pending GO calls receive FINISHED; parked
// threads are released.
func (ta *Task) End(call *Call) error {
	ta.lock.Lock()
	err := ta.TaskCleanup()
	ta.lock.Unlock()

	if err != nil {
		call.Retval = -1
	} else {
		call.Retval = 0
	}
	ta.answer(call)
	return err
}

// Go resumes a stopped thread. The call becomes the thread's pending GO
// call; it is answered when the thread reports its next event or the
// session ends.
func (t *Thread) Go(call *Call) error {
	t.lock.Lock()

	if !t.active {
		t.lock.Unlock()
		return mkern.NewError("udebug_go", mkern.ErrCodeInvalidState,
			"thread is not being debugged")
	}
	if t.goFlag {
		t.lock.Unlock()
		return mkern.NewError("udebug_go", mkern.ErrCodeInvalidState,
			"thread already has GO")
	}

	t.goCall = call
	t.goFlag = true
	t.curEvent = EventNone

	t.lock.Unlock()

	// The thread mutex must not be held across the wakeup.
	t.goWQ.Wakeup(false)
	return nil
}

// Stop requests that a thread stop executing userspace code. If the
// thread is inside a stoppable section, its pending GO call is answered
// with the STOP event immediately; otherwise the answer is generated
// when the thread next enters one (StoppableBegin).
func (t *Thread) Stop() error {
	ta := t.task
	ta.lock.Lock()
	t.lock.Lock()

	if !t.active || !t.goFlag {
		t.lock.Unlock()
		ta.lock.Unlock()
		return mkern.NewError("udebug_stop", mkern.ErrCodeInvalidState,
			"thread is not running under GO")
	}

	t.goFlag = false

	if t.stoppable {
		// The thread is in a stoppable section: the stop is effective
		// immediately and the GO call can be answered here.
		goCall := t.goCall
		t.goCall = nil
		if goCall == nil {
			panic("udebug: GO thread without a GO call")
		}

		goCall.Retval = 0
		goCall.Args[0] = uint64(EventStop)
		t.curEvent = EventStop

		ta.answer(goCall)
	}
	// Otherwise the answer is sent by StoppableBegin when the thread
	// reaches its next stop point.

	t.lock.Unlock()
	ta.lock.Unlock()
	return nil
}
