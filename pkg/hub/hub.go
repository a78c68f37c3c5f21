// Package hub implements zorro's cooperative-concurrency runtime: a single
// event loop goroutine (the "hub") that owns a ready queue, a timer heap
// and a readiness poller, plus one real goroutine per Task that blocks on
// its own resume channel between suspension points (spec §3 "Hub", "Task").
package hub

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tailhook/zorro/pkg/config"
	"github.com/tailhook/zorro/pkg/zerr"
	"github.com/tailhook/zorro/pkg/zlog"
)

// command is a closure the hub goroutine runs with exclusive access to
// Hub's internal state. Every mutation of ready/timers/fdWaiters/task sets
// happens through one of these, submitted via pushCommand, so the hub
// goroutine is the sole writer even though Tasks run on their own
// goroutines (spec §3 "Go realization of ownership").
type command func(h *Hub)

type fdWait struct {
	readTask  *Task
	writeTask *Task
}

func (fw *fdWait) interest() EventMask {
	var m EventMask
	if fw.readTask != nil {
		m |= EventRead
	}
	if fw.writeTask != nil {
		m |= EventWrite
	}
	return m
}

// Hub is zorro's event loop (spec §3 "Hub"). All fields below this comment
// are touched only by the hub goroutine running inside Run; everything
// else synchronizes through pushCommand.
type Hub struct {
	cfg    config.HubConfig
	logger *zlog.Logger

	poller Poller
	pipe   *selfPipe

	ready     *readyQueue
	timers    *timerHeap
	fdWaiters map[int]*fdWait

	commands chan command

	userTasks        map[*Task]struct{}
	serviceTasks     map[*Task]struct{}
	helperTasks      map[*Task]struct{}
	helpersCancelled bool

	// stopping is set as soon as Stop is called, from whichever goroutine
	// called it, so SpawnService can reject new services synchronously
	// without waiting for the hub goroutine to drain its command queue.
	stopping atomic.Bool
	crashErr error

	wg sync.WaitGroup
}

// New builds a Hub with the given configuration. logger may be nil, in
// which case a default stderr text logger is used (spec §6 "Hub
// configuration").
func New(cfg config.HubConfig, logger *zlog.Logger) (*Hub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zlog.New(zlog.DefaultConfig())
	}

	poller, err := newPoller(string(cfg.PollerBackend))
	if err != nil {
		return nil, fmt.Errorf("hub: %w", err)
	}
	pipe, err := newSelfPipe()
	if err != nil {
		poller.Close()
		return nil, fmt.Errorf("hub: self-pipe: %w", err)
	}
	if err := poller.Register(pipe.readFd(), EventRead); err != nil {
		poller.Close()
		pipe.close()
		return nil, fmt.Errorf("hub: register self-pipe: %w", err)
	}

	return &Hub{
		cfg:          cfg,
		logger:       logger.WithComponent("hub"),
		poller:       poller,
		pipe:         pipe,
		ready:        newReadyQueue(),
		timers:       newTimerHeap(),
		fdWaiters:    make(map[int]*fdWait),
		commands:     make(chan command, 1024),
		userTasks:    make(map[*Task]struct{}),
		serviceTasks: make(map[*Task]struct{}),
		helperTasks:  make(map[*Task]struct{}),
	}, nil
}

// pushCommand queues cmd for the hub goroutine and interrupts any
// in-progress Poll so it runs promptly.
func (h *Hub) pushCommand(cmd command) {
	h.commands <- cmd
	h.pipe.wake()
}

func (h *Hub) drainCommands() {
	for {
		select {
		case cmd := <-h.commands:
			cmd(h)
		default:
			return
		}
	}
}

// dispatchReady resumes every currently-ready task. Tasks woken as a side
// effect of a resume (via a queued command) are not visible until the next
// drainCommands, so this terminates.
func (h *Hub) dispatchReady() {
	for {
		t, v, ok := h.ready.first()
		if !ok {
			return
		}
		t.detach()
		t.resume(v)
	}
}

func (h *Hub) nextTimeoutMillis() int {
	deadline, ok := h.timers.min()
	if !ok {
		return -1
	}
	d := time.Until(deadline)
	if d <= 0 {
		return 0
	}
	ms := d.Milliseconds()
	if ms <= 0 {
		return 1
	}
	if ms > int64(1<<31-1) {
		return 1<<31 - 1
	}
	return int(ms)
}

func (h *Hub) shouldStop() bool {
	return len(h.userTasks) == 0 && len(h.serviceTasks) == 0 && len(h.helperTasks) == 0
}

// maybeCancelHelpers cancels helper tasks once the work they support
// (user tasks and services) is gone (spec §3 "Task class": helpers
// "cancelled once all user tasks and services are gone").
func (h *Hub) maybeCancelHelpers() {
	if h.helpersCancelled {
		return
	}
	if len(h.userTasks) == 0 && len(h.serviceTasks) == 0 && len(h.helperTasks) > 0 {
		h.helpersCancelled = true
		for t := range h.helperTasks {
			h.cancelTask(t, "no more work")
		}
	}
}

// Run drives the event loop until every user task and service has
// finished (or the Hub is crashed), returning the crash error if any.
func (h *Hub) Run() error {
	pollBuf := make([]PollEvent, 0, 64)
	for {
		h.drainCommands()
		h.dispatchReady()
		h.maybeCancelHelpers()
		if h.shouldStop() {
			break
		}

		timeout := h.nextTimeoutMillis()
		pollBuf = pollBuf[:0]
		events, err := h.poller.Poll(timeout, pollBuf)
		if err != nil {
			h.logger.Errorf("poll: %v", err)
			continue
		}
		h.handleEvents(events)
		h.expireTimers(time.Now())
	}
	h.poller.Close()
	h.pipe.close()
	h.wg.Wait()
	return h.crashErr
}

// Stop requests an orderly shutdown: every service task is cancelled now;
// helper tasks follow once user tasks and services have all exited
// (spec §6 "Hub.Stop").
func (h *Hub) Stop() {
	h.stopping.Store(true)
	h.pushCommand(func(h *Hub) {
		for t := range h.serviceTasks {
			h.cancelTask(t, "hub stopping")
		}
	})
}

// Crash aborts the Hub immediately: every task is cancelled and Run
// returns err (spec §6 "Hub.Crash").
func (h *Hub) Crash(err error) {
	h.pushCommand(func(h *Hub) {
		if h.crashErr == nil {
			h.crashErr = err
		}
		for t := range h.serviceTasks {
			h.cancelTask(t, "hub crashed")
		}
		for t := range h.userTasks {
			h.cancelTask(t, "hub crashed")
		}
		for t := range h.helperTasks {
			h.cancelTask(t, "hub crashed")
		}
	})
}

// Wakeup interrupts a blocking Poll from any goroutine without otherwise
// touching hub state (spec §6 "Hub.Wakeup").
func (h *Hub) Wakeup() {
	h.pipe.wake()
}

// cancelTask throws a CancellationSignal into t's current suspension
// point. Must run on the hub goroutine.
func (h *Hub) cancelTask(t *Task, reason string) {
	t.detach()
	t.resume(resumeValue{kind: "cancel", err: &zerr.CancellationSignal{Reason: reason}})
}

// CancelTask cancels a single still-running helper or service task, e.g. a
// pool's timeout sibling once the guarded call has already finished (spec
// §4.I "Worker Pool Wrapper"). A no-op if t has already finished.
func (h *Hub) CancelTask(t *Task, reason string) {
	h.pushCommand(func(h *Hub) {
		if _, ok := h.helperTasks[t]; ok {
			h.cancelTask(t, reason)
			return
		}
		if _, ok := h.serviceTasks[t]; ok {
			h.cancelTask(t, reason)
		}
	})
}

func (h *Hub) registerTask(t *Task) {
	switch t.kind {
	case KindService:
		h.serviceTasks[t] = struct{}{}
	case KindHelper:
		h.helperTasks[t] = struct{}{}
	default:
		h.userTasks[t] = struct{}{}
	}
}

func (h *Hub) forgetTask(t *Task) {
	delete(h.userTasks, t)
	delete(h.serviceTasks, t)
	delete(h.helperTasks, t)
}

// AddTask starts fn on its own goroutine as a Task of the given kind
// (spec §6 "Hub.AddTask").
func (h *Hub) AddTask(kind TaskKind, name string, fn func(t *Task)) *Task {
	t := newTask(h, kind, name)
	h.pushCommand(func(h *Hub) { h.registerTask(t) })

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				h.handleTaskPanic(t, r)
			}
			h.pushCommand(func(h *Hub) { h.forgetTask(t) })
		}()
		fn(t)
	}()
	return t
}

// Spawn starts an ordinary user task (spec §6 "Hub.Spawn").
func (h *Hub) Spawn(name string, fn func(t *Task)) *Task {
	return h.AddTask(KindUser, name, fn)
}

// SpawnService starts a long-running service task, cancelled on Stop. It
// rejects the request once the Hub is stopping, rather than starting a
// service doomed to be cancelled before it runs (spec §4.C
// "spawn_service(f) → service task (rejected while the Hub is stopping)").
func (h *Hub) SpawnService(name string, fn func(t *Task)) (*Task, error) {
	if h.stopping.Load() {
		return nil, zerr.NewHubStopping(name)
	}
	return h.AddTask(KindService, name, fn), nil
}

// SpawnHelper starts an internal helper task, cancelled once user work is
// gone (spec §6 "Hub.SpawnHelper").
func (h *Hub) SpawnHelper(name string, fn func(t *Task)) *Task {
	return h.AddTask(KindHelper, name, fn)
}

func (h *Hub) handleTaskPanic(t *Task, r interface{}) {
	h.pushCommand(func(h *Hub) {
		h.logger.Exception(t.String(), r)
		if t.kind != KindUser {
			if h.crashErr == nil {
				h.crashErr = fmt.Errorf("hub: %s panicked: %v", t, r)
			}
			for other := range h.serviceTasks {
				h.cancelTask(other, "sibling task crashed")
			}
			for other := range h.helperTasks {
				h.cancelTask(other, "sibling task crashed")
			}
		}
	})
}
