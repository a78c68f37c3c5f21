package hub

import "container/list"

type readyEntry struct {
	task  *Task
	value resumeValue
}

// readyQueue is the ordered set of runnable tasks (spec §3 "Ready queue",
// §4.A). Insertion appends; removal is O(1) via the hook returned at
// insertion time; a task may not be enqueued twice concurrently.
type readyQueue struct {
	order   *list.List
	present map[*Task]*list.Element
}

func newReadyQueue() *readyQueue {
	return &readyQueue{
		order:   list.New(),
		present: make(map[*Task]*list.Element),
	}
}

// add appends task with the given resume value and returns a hook that
// removes it again. Panics if task is already present — ready-queue
// membership is unique by contract (spec §3, §4.A "Duplicates rejected").
func (q *readyQueue) add(t *Task, v resumeValue) func() {
	if _, ok := q.present[t]; ok {
		panic("hub: task already queued on ready queue")
	}
	el := q.order.PushBack(&readyEntry{task: t, value: v})
	q.present[t] = el
	return func() {
		if cur, ok := q.present[t]; ok && cur == el {
			q.order.Remove(el)
			delete(q.present, t)
		}
	}
}

// first peeks the head entry without removing it.
func (q *readyQueue) first() (*Task, resumeValue, bool) {
	el := q.order.Front()
	if el == nil {
		return nil, resumeValue{}, false
	}
	e := el.Value.(*readyEntry)
	return e.task, e.value, true
}

func (q *readyQueue) empty() bool { return q.order.Len() == 0 }
