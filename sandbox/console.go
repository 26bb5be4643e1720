package sandbox

import "sync"

// Console is the write-once diagnostic buffer of one run. Entries are only
// appended, in emission order, until the run ends; the host reads it but never
// feeds anything back into the program.
type Console struct {
	mu      sync.Mutex
	entries []Diagnostic
	status  Status
	sealed  bool
	changed chan struct{}
}

func newConsole() *Console {
	return &Console{
		status:  StatusRunning,
		changed: make(chan struct{}),
	}
}

func (c *Console) append(d Diagnostic) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return
	}
	c.entries = append(c.entries, d)
	close(c.changed)
	c.changed = make(chan struct{})
}

// seal ends the console with a terminal status. A discarded console drops
// everything it held.
func (c *Console) seal(status Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return
	}
	c.sealed = true
	c.status = status
	if status == StatusDiscarded {
		c.entries = nil
	}
	close(c.changed)
}

// Entries returns a snapshot of the captured diagnostics.
func (c *Console) Entries() []Diagnostic {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Diagnostic(nil), c.entries...)
}

// Len returns the number of captured diagnostics.
func (c *Console) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Status returns StatusRunning until the run ends.
func (c *Console) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// since returns entries from index i on, whether the console is sealed, and
// a channel closed on the next change.
func (c *Console) since(i int) ([]Diagnostic, bool, <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Diagnostic
	if i < len(c.entries) {
		out = append(out, c.entries[i:]...)
	}
	return out, c.sealed, c.changed
}
