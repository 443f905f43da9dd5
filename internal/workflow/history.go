package workflow

import "sync"

// History is a fixed-capacity ring of executions; the oldest is evicted first
type History struct {
	mu    sync.RWMutex
	ring  []*Execution
	next  int
	size  int
	index map[string]*Execution
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 1000
	}
	return &History{
		ring:  make([]*Execution, capacity),
		index: make(map[string]*Execution, capacity),
	}
}

// Add stores an execution and returns the one it evicted, if any
func (h *History) Add(exec *Execution) *Execution {
	h.mu.Lock()
	defer h.mu.Unlock()

	evicted := h.ring[h.next]
	if evicted != nil {
		delete(h.index, evicted.id)
	}
	h.ring[h.next] = exec
	h.index[exec.id] = exec
	h.next = (h.next + 1) % len(h.ring)
	if h.size < len(h.ring) {
		h.size++
	}
	return evicted
}

func (h *History) Get(id string) (*Execution, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	exec, ok := h.index[id]
	return exec, ok
}

// List returns executions oldest first; an empty workflowID matches all
func (h *History) List(workflowID string) []*Execution {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Execution, 0, h.size)
	start := (h.next - h.size + len(h.ring)) % len(h.ring)
	for i := 0; i < h.size; i++ {
		exec := h.ring[(start+i)%len(h.ring)]
		if workflowID == "" || exec.workflowID == workflowID {
			out = append(out, exec)
		}
	}
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

func (h *History) Capacity() int {
	return len(h.ring)
}
