// Package udebug implements the hooks and data structure management that
// make userspace debuggers possible: a debugger task drives the threads
// of a debuggee through stop points without ever racing their userspace
// execution.
//
// The protocol rests on stoppable sections: code regions a thread
// announces it will not execute userspace instructions in until resumed.
// A stopped thread parks on its GO wait queue; events are delivered by
// answering the thread's pending GO call.
package udebug

import (
	"github.com/ehrlich-b/go-mkern/adt"
	"github.com/ehrlich-b/go-mkern/internal/interfaces"
	"github.com/ehrlich-b/go-mkern/ksync"

	mkern "github.com/ehrlich-b/go-mkern"
)

// Event identifies a debugging event.
type Event int

const (
	EventNone Event = iota
	// EventFinished: the debugging session ended while the debugger was
	// waiting; supersedes whatever event would have come next.
	EventFinished
	// EventStop: the thread reached a stop point after a STOP request.
	EventStop
	EventSyscallBegin
	EventSyscallEnd
	EventThreadBegin
	EventThreadEnd
)

// EvMask returns the subscription mask bit for an event.
func EvMask(ev Event) uint32 {
	return 1 << (uint(ev) - 1)
}

// EvMaskAll subscribes to every maskable event.
const EvMaskAll uint32 = 0xffffffff

// Call is an answerable debugger call record: the vehicle both for the
// BEGIN handshake and for GO replies carrying events.
type Call struct {
	// Retval is the call's return value; 0 means success.
	Retval int
	// Args carries the event code and event-specific arguments.
	Args [5]uint64
}

// TaskState is the per-task debugging session state.
type TaskState int

const (
	// TaskInactive: no session.
	TaskInactive TaskState = iota
	// TaskBeginning: BEGIN received, waiting for all threads to pass a
	// stop point.
	TaskBeginning
	// TaskActive: session established.
	TaskActive
)

// Task is the udebug part of a task: session state plus the list of the
// task's threads.
type Task struct {
	lock ksync.Mutex // passive

	state             TaskState
	beginCall         *Call
	notStoppableCount int
	evmask            uint32
	debugger          any

	threads adt.List

	// answer delivers completed calls back to the debugger, standing in
	// for the task's answerbox.
	answer func(*Call)
	logger interfaces.Logger
}

// NewTask initializes the udebug part of a task structure. answer
// receives every completed call; it must not call back into this
// package.
func NewTask(answer func(*Call), logger interfaces.Logger) *Task {
	t := &Task{
		state:  TaskInactive,
		answer: answer,
		logger: logger,
	}
	t.threads.Init()
	return t
}

func (ta *Task) debugf(format string, args ...any) {
	if ta.logger != nil {
		ta.logger.Debugf(format, args...)
	}
}

// State returns the session state. Diagnostic only.
func (ta *Task) State() TaskState {
	ta.lock.Lock()
	defer ta.lock.Unlock()
	return ta.state
}

// Lock acquires the task udebug mutex. It is ordered before any thread
// udebug mutex.
func (ta *Task) Lock() { ta.lock.Lock() }

// Unlock releases the task udebug mutex.
func (ta *Task) Unlock() { ta.lock.Unlock() }

// EachThread iterates the task's threads read-only under the task mutex.
// Needed by thread enumeration requests; TaskCleanup walks the list
// directly because it already holds the task mutex.
func (ta *Task) EachThread(fn func(t *Thread) bool) {
	ta.lock.Lock()
	defer ta.lock.Unlock()
	ta.threads.ForEachSafe(func(l *adt.Link) bool {
		return fn(l.Inst().(*Thread))
	})
}

// Thread is the udebug part of a thread.
type Thread struct {
	lock ksync.Mutex // passive, ordered after the task mutex

	// goWQ parks the thread while it is stopped.
	goWQ ksync.WaitQ
	// activeCV is signaled whenever a debugger attaches or detaches.
	activeCV ksync.CondVar

	goCall *Call
	// UspaceState caches a pointer to the thread's userspace register
	// state while it is stopped.
	UspaceState any

	goFlag    bool
	stoppable bool
	active    bool
	curEvent  Event

	// syscallArgs caches the arguments of the system call being
	// reported, for the debugger's args-read request.
	syscallArgs [6]uint64

	task   *Task
	uspace bool
	id     uint64
	link   adt.Link
}

// NewThread initializes the udebug part of a thread structure. The
// thread is not yet attached to the task; use Attach, or
// ThreadBeginEventAttach when a session may be active.
func NewThread(ta *Task, uspace bool, id uint64) *Thread {
	t := &Thread{
		task:   ta,
		uspace: uspace,
		id:     id,
	}
	t.link.Init(t)
	return t
}

// attachLocked links the thread into the task. Threads begin outside any
// stoppable section: the task's not-stoppable count goes up here and
// comes back down in StoppableBegin. A thread attached into an active
// session is immediately active.
func (ta *Task) attachLocked(t *Thread) {
	ta.threads.Append(&t.link)
	if t.uspace {
		ta.notStoppableCount++
		if ta.state == TaskActive {
			t.lock.Lock()
			t.active = true
			t.lock.Unlock()
		}
	}
}

// Attach links the thread into the task's thread list.
func (ta *Task) Attach(t *Thread) {
	ta.lock.Lock()
	ta.attachLocked(t)
	ta.lock.Unlock()
}

// ID returns the thread id.
func (t *Thread) ID() uint64 { return t.id }

// Active reports whether the thread is under a debugging session.
func (t *Thread) Active() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.active
}

// Stopped reports whether the thread is active with its GO cleared.
func (t *Thread) Stopped() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.active && !t.goFlag
}

// CurEvent returns the last event the thread reported.
func (t *Thread) CurEvent() Event {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.curEvent
}

// SyscallArgs returns the cached arguments of the reported system call.
func (t *Thread) SyscallArgs() [6]uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.syscallArgs
}

// waitForGo blocks the thread until a GO message is received or the
// session ends. The predicate is rechecked around every sleep so a stale
// missed wakeup can never unpark the thread early, and a GO that races
// ahead of the sleep is never lost.
func (t *Thread) waitForGo() {
	for {
		t.lock.Lock()
		parked := t.active && !t.goFlag
		t.lock.Unlock()
		if !parked {
			return
		}
		t.goWQ.Sleep()
	}
}

// StoppableBegin starts a stoppable section.
//
// A stoppable section is a region where the thread is guaranteed not to
// execute any userspace instructions until it is resumed. Having
// stoppable sections is better than having stopping points, since a
// thread can be stopped even when it is blocked indefinitely in a system
// call (where it would not reach any stopping point).
func (t *Thread) StoppableBegin() {
	ta := t.task

	ta.lock.Lock()
	ta.notStoppableCount--
	nsc := ta.notStoppableCount

	// Lock order OK, the thread mutex is after the task mutex.
	t.lock.Lock()
	if t.stoppable {
		panic("udebug: nested stoppable section")
	}
	t.stoppable = true

	if ta.state == TaskBeginning && nsc == 0 {
		// This was the last non-stoppable thread. Reply to the BEGIN
		// call.
		dbCall := ta.beginCall
		if dbCall == nil {
			panic("udebug: beginning session without a BEGIN call")
		}
		ta.state = TaskActive
		ta.beginCall = nil

		dbCall.Retval = 0
		ta.answer(dbCall)
	} else if ta.state == TaskActive {
		if t.active && !t.goFlag && t.goCall != nil {
			// The thread was requested to stop while running under GO -
			// answer the GO call. Take the call so nobody else can.
			goCall := t.goCall
			t.goCall = nil

			goCall.Retval = 0
			goCall.Args[0] = uint64(EventStop)

			t.curEvent = EventStop
			ta.answer(goCall)
		}
		// A thread with no pending GO call simply parks at the end of
		// the section.
	}

	t.lock.Unlock()
	ta.lock.Unlock()
}

// StoppableEnd ends a stoppable section. This is the point where the
// thread blocks if it is stopped: by definition, a stopped thread must
// not leave its stoppable section.
func (t *Thread) StoppableEnd() {
	ta := t.task

	for {
		ta.lock.Lock()
		t.lock.Lock()

		if t.active && !t.goFlag {
			t.lock.Unlock()
			ta.lock.Unlock()

			t.waitForGo()
			// Must try again - stoppability has to be lost atomically:
			// both locks held and GO observed set.
			continue
		}

		ta.notStoppableCount++
		if !t.stoppable {
			panic("udebug: ending a stoppable section that was not begun")
		}
		t.stoppable = false

		t.lock.Unlock()
		ta.lock.Unlock()
		return
	}
}

// BeforeThreadRuns makes the ready-to-run boundary a stopping point. The
// scheduler calls it before any thread of the debuggee runs.
func (t *Thread) BeforeThreadRuns() {
	// Check if we are supposed to stop.
	t.StoppableBegin()
	t.StoppableEnd()
}

// SyscallEvent must be called before and after servicing a system call.
// It generates a SYSCALL_BEGIN or SYSCALL_END event, depending on
// endVariant, and parks the thread until the next GO.
func (t *Thread) SyscallEvent(args [6]uint64, id, rc uint64, endVariant bool) {
	etype := EventSyscallBegin
	if endVariant {
		etype = EventSyscallEnd
	}

	ta := t.task
	ta.lock.Lock()
	t.lock.Lock()

	// Only generate events when in a debugging session and go.
	if !t.active || !t.goFlag || t.goCall == nil ||
		ta.evmask&EvMask(etype) == 0 {
		t.lock.Unlock()
		ta.lock.Unlock()
		return
	}

	// Fill in the GO response.
	call := t.goCall
	t.goCall = nil

	call.Retval = 0
	call.Args[0] = uint64(etype)
	call.Args[1] = id
	call.Args[2] = rc

	t.syscallArgs = args

	// GO must be false when going to sleep, in case we get woken up by
	// session teardown. (At which point it must be back to the initial
	// value.)
	t.goFlag = false
	t.curEvent = etype

	ta.answer(call)

	t.lock.Unlock()
	ta.lock.Unlock()

	t.waitForGo()
}

// ThreadBeginEventAttach attaches a newly created thread to the task
// and, when the creating thread is being debugged, generates a
// THREAD_BEGIN event in the creator and parks it until the next GO.
//
// Attaching and checking the session under the same hold of the task
// mutex closes the race where a BEGIN or a thread enumeration lands
// between the two: the new thread is in the task's list before any
// THREAD_BEGIN event for it is sent, so neither a BEGIN nor an
// enumeration misses it.
func (t *Thread) ThreadBeginEventAttach(created *Thread) {
	ta := t.task
	ta.lock.Lock()
	t.lock.Lock()

	ta.attachLocked(created)

	// Only generate the event when the creator is being debugged and is
	// running under GO; otherwise it has no call to answer with.
	if !t.active || !t.goFlag || t.goCall == nil {
		ta.debugf("thread %d attached outside GO, no THREAD_BEGIN", created.id)
		t.lock.Unlock()
		ta.lock.Unlock()
		return
	}

	ta.debugf("thread %d: THREAD_BEGIN for new thread %d", t.id, created.id)

	call := t.goCall
	t.goCall = nil

	call.Retval = 0
	call.Args[0] = uint64(EventThreadBegin)
	call.Args[1] = created.id

	// GO must be false when going to sleep, in case we get woken up by
	// session teardown.
	t.goFlag = false
	t.curEvent = EventThreadBegin

	ta.answer(call)

	t.lock.Unlock()
	ta.lock.Unlock()

	t.waitForGo()
}

// ThreadEndEvent must be called when the thread is terminating. It
// generates a THREAD_END event and shuts down debugging in the thread.
// This event does not sleep: debugging has finished here.
func (t *Thread) ThreadEndEvent() {
	ta := t.task
	ta.lock.Lock()
	t.lock.Lock()

	if !t.active || t.goCall == nil {
		// Still shut debugging down in the thread.
		t.active = false
		t.curEvent = EventNone
		t.goFlag = false
		t.lock.Unlock()
		ta.lock.Unlock()
		return
	}

	call := t.goCall
	t.goCall = nil

	call.Retval = 0
	call.Args[0] = uint64(EventThreadEnd)

	// Prevent any further debug activity in the thread.
	t.active = false
	t.curEvent = EventNone
	t.goFlag = false

	ta.answer(call)

	t.lock.Unlock()
	ta.lock.Unlock()
}

// Detach removes a dying thread from the task's thread list.
func (t *Thread) Detach() {
	ta := t.task
	ta.lock.Lock()
	t.lock.Lock()
	t.link.Remove()
	if t.uspace && !t.stoppable {
		ta.notStoppableCount--
	}
	t.lock.Unlock()
	ta.lock.Unlock()
}

// TaskCleanup gracefully terminates the task's debugging session. If the
// debugger is still waiting for events on some threads, it receives a
// FINISHED event for each of them; threads parked on their GO wait
// queues are woken. The task udebug mutex must be held by the caller.
func (ta *Task) TaskCleanup() error {
	ta.lock.AssertLocked()

	if ta.state != TaskBeginning && ta.state != TaskActive {
		return mkern.NewError("udebug_task_cleanup", mkern.ErrCodeInvalidState,
			"no debugging session to terminate")
	}

	ta.debugf("terminating debugging session")

	// Finish debugging of all userspace threads.
	ta.threads.ForEachSafe(func(l *adt.Link) bool {
		t := l.Inst().(*Thread)
		if !t.uspace {
			return true
		}

		t.lock.Lock()

		// Prevent any further debug activity in the thread.
		t.active = false
		t.curEvent = EventNone

		// GO at its initial value means the thread is parked on its GO
		// wait queue and needs waking; clearing GO under active == false
		// affects nothing either way.
		needWake := !t.goFlag
		t.goFlag = false

		// A still-pending GO call is answered with FINISHED, never with
		// an event: events are superseded, not dropped.
		if call := t.goCall; call != nil {
			t.goCall = nil
			call.Retval = 0
			call.Args[0] = uint64(EventFinished)
			ta.answer(call)
		}

		t.lock.Unlock()

		// The thread mutex must not be held across the wakeup: the
		// wakeup path may itself take thread mutexes.
		if needWake {
			t.goWQ.Wakeup(false)
		}
		t.activeCV.Broadcast()
		return true
	})

	ta.state = TaskInactive
	ta.debugger = nil
	return nil
}

// ThreadFault waits for a debugger to attend to a fault in this thread.
// It enters a stoppable section, waits for a session to attach, waits
// again for the session to end, and returns so fault cleanup can
// continue.
func (t *Thread) ThreadFault() {
	t.StoppableBegin()

	// Wait until a debugger attends to us.
	t.lock.Lock()
	for !t.active {
		t.activeCV.Wait(&t.lock)
	}
	t.lock.Unlock()

	// Make sure the debugging session is over before proceeding.
	t.lock.Lock()
	for t.active {
		t.activeCV.Wait(&t.lock)
	}
	t.lock.Unlock()

	t.StoppableEnd()
}
