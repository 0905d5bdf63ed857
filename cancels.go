package datatask

import (
	"sync"
	"time"
)

// cancelSet resolves the cancel requests received by one process. A request
// cancels the task a local loop is running; otherwise a plain cancel is
// remembered until the task is dequeued or the entry expires.
type cancelSet struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	loops []*WorkerLoop
	ids   map[string]time.Time
}

func newCancelSet(ttl time.Duration) *cancelSet {
	return &cancelSet{ttl: ttl, now: time.Now, ids: make(map[string]time.Time)}
}

func (c *cancelSet) attach(w *WorkerLoop) {
	c.mu.Lock()
	c.loops = append(c.loops, w)
	c.mu.Unlock()
}

// request applies r. A requeue request for a task no local loop runs is
// dropped: requeue only ever puts back a running task.
func (c *cancelSet) request(r CancelRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hit := false
	for _, w := range c.loops {
		if w.cancelCurrent(r.TaskID, r.Requeue) {
			hit = true
		}
	}
	if hit || r.TaskID == "" || r.Requeue {
		return
	}
	now := c.now()
	for id, exp := range c.ids {
		if !now.Before(exp) {
			delete(c.ids, id)
		}
	}
	c.ids[r.TaskID] = now.Add(c.ttl)
}

// begin makes cur the task in flight on w, unless a cancel request for it
// arrived earlier, in which case it reports true and w stays idle. Requests
// are serialized with begin, so none falls between the check and the switch.
func (c *cancelSet) begin(w *WorkerLoop, cur *inflight) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.ids[cur.id]
	if ok {
		delete(c.ids, cur.id)
		if c.now().Before(exp) {
			return true
		}
	}
	w.setCurrent(cur)
	return false
}

func (c *cancelSet) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}
