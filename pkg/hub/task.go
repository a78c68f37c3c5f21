package hub

import "fmt"

// TaskKind is the lifecycle class of a Task (spec §3 "Task class").
type TaskKind int

const (
	// KindUser is arbitrary user work; the Hub exits once all user tasks
	// and services have finished.
	KindUser TaskKind = iota
	// KindService is a long-running loop accepting external input;
	// cancelled on Hub.Stop.
	KindService
	// KindHelper is an internal worker (e.g. a channel sender/receiver);
	// cancelled once all user tasks and services are gone.
	KindHelper
)

func (k TaskKind) String() string {
	switch k {
	case KindService:
		return "service"
	case KindHelper:
		return "helper"
	default:
		return "user"
	}
}

// resumeValue is what the hub goroutine hands back to a parked task when
// it resumes it — the Go analogue of greenlet.switch(*values) (spec §3
// "Task... resume with value", "throw").
type resumeValue struct {
	kind string // "", "timeout", "read", "write", "cancel"; HUP/ERR arrives as "read"/"write" with a WaitError in err
	err  error
}

// Task is a suspendable execution context (spec §3 "Task"). Exactly one
// goroutine runs a Task's body; every suspension point on that goroutine
// blocks on the Task's own resume channel until the hub goroutine wakes
// it, so user code never runs concurrently with itself between
// suspension points.
type Task struct {
	hub      *Hub
	kind     TaskKind
	name     string
	resumeCh chan resumeValue

	// cleanup is only ever read/written by the hub goroutine: every
	// suspension point appends its removal hook here before the task
	// blocks, and detach() (called by the hub goroutine, never from a
	// suspension call) invokes and clears them atomically (spec §3
	// "detach"; §5 "No yielding inside cleanup hooks").
	cleanup []func()
}

func newTask(h *Hub, kind TaskKind, name string) *Task {
	return &Task{
		hub:      h,
		kind:     kind,
		name:     name,
		resumeCh: make(chan resumeValue, 1),
	}
}

// detach runs every cleanup hook registered since the last resume, then
// clears the list. Must only be invoked by the hub goroutine.
func (t *Task) detach() {
	hooks := t.cleanup
	t.cleanup = nil
	for _, hook := range hooks {
		hook()
	}
}

// addCleanup registers a removal hook for the task's current suspension.
// Must only be invoked by the hub goroutine (i.e. from inside a command).
func (t *Task) addCleanup(hook func()) {
	t.cleanup = append(t.cleanup, hook)
}

// resume delivers v to the task's blocked goroutine. Must only be invoked
// by the hub goroutine, and only after detach() has run for this wakeup.
func (t *Task) resume(v resumeValue) {
	t.resumeCh <- v
}

// Kind returns the task's lifecycle class.
func (t *Task) Kind() TaskKind { return t.kind }

// Hub returns the Hub that owns this task.
func (t *Task) Hub() *Hub { return t.hub }

func (t *Task) String() string {
	if t.name != "" {
		return fmt.Sprintf("<Task %s %q>", t.kind, t.name)
	}
	return fmt.Sprintf("<Task %s %p>", t.kind, t)
}
