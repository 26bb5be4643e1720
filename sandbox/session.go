package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrSessionClosed = errors.New("session closed")

// Session owns at most one running sandbox context, typically one per open
// editor. Starting a run destroys the previous context first.
type Session struct {
	exec   *Executor
	lang   Language
	opts   []Option
	logger *slog.Logger

	mu     sync.Mutex
	active *Run
	seq    uint64
	closed bool
}

// NewSession creates a session that runs programs in lang with opts applied
// to every run.
func (e *Executor) NewSession(lang Language, opts ...Option) *Session {
	return &Session{
		exec:   e,
		lang:   lang,
		opts:   opts,
		logger: e.logger,
	}
}

// Start discards any previous run, waits for its context to terminate, and
// starts source in a fresh context. The returned Run is already Running.
func (s *Session) Start(ctx context.Context, source string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}

	if prev := s.active; prev != nil {
		if prev.discard() {
			s.logger.Debug("discarding sandbox run", slog.Uint64("run", prev.ID))
		}
		<-prev.done
	}

	s.seq++
	runCtx, cancel := context.WithCancel(ctx)
	r := &Run{
		ID:        s.seq,
		console:   newConsole(),
		cancel:    cancel,
		done:      make(chan struct{}),
		discarded: make(chan struct{}),
	}
	s.active = r

	opts := append(append([]Option(nil), s.opts...), WithDiagnosticHandler(r.console.append))
	go r.execute(runCtx, s.exec, s.lang, source, opts)

	return r, nil
}

// Active returns the most recently started run, or nil.
func (s *Session) Active() *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// State is StatusRunning while a run executes and StatusIdle otherwise.
func (s *Session) State() Status {
	r := s.Active()
	if r == nil || r.Status().Terminal() {
		return StatusIdle
	}
	return StatusRunning
}

// Stop discards the active run, if any, and waits for its context to
// terminate. The session stays usable.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r := s.active; r != nil {
		if r.discard() {
			s.logger.Debug("stopped sandbox run", slog.Uint64("run", r.ID))
		}
		<-r.done
	}
}

// Close discards the active run and refuses new ones.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if r := s.active; r != nil {
		r.discard()
		<-r.done
	}
	return nil
}

// Run is one execution started by a Session.
type Run struct {
	ID uint64

	console   *Console
	cancel    context.CancelFunc
	done      chan struct{}
	result    Result
	discarded chan struct{}
	discardMu sync.Once
}

// Event is delivered by Run.Events: one per diagnostic, then a final event
// carrying the terminal status.
type Event struct {
	Diagnostic *Diagnostic
	Status     Status
}

func (r *Run) execute(ctx context.Context, exec *Executor, lang Language, source string, opts []Option) {
	defer close(r.done)
	defer r.cancel()

	res := exec.Run(ctx, lang, source, opts...)
	if r.isDiscarded() {
		res.Status = StatusDiscarded
		res.Diagnostics = nil
	}
	r.result = res
	r.console.seal(res.Status)
}

// discard drops the run's output and destroys its context. It reports
// whether this call did the discarding.
func (r *Run) discard() bool {
	did := false
	r.discardMu.Do(func() {
		did = true
		close(r.discarded)
		r.console.seal(StatusDiscarded)
		r.cancel()
	})
	return did
}

func (r *Run) isDiscarded() bool {
	select {
	case <-r.discarded:
		return true
	default:
		return false
	}
}

// Console returns the run's diagnostic buffer.
func (r *Run) Console() *Console {
	return r.console
}

// Status returns StatusRunning until the run reaches a terminal status.
func (r *Run) Status() Status {
	return r.console.Status()
}

// Done is closed once the run's context has terminated.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run ends and returns its result.
func (r *Run) Wait() Result {
	<-r.done
	return r.result
}

// Events streams diagnostics in emission order followed by exactly one
// terminal status event, then closes. Each call returns an independent
// stream that starts at the first diagnostic. A discarded run closes the
// channel without delivering anything further. The channel must be drained.
func (r *Run) Events() <-chan Event {
	events := make(chan Event, 64)
	go r.pump(events)
	return events
}

func (r *Run) pump(events chan<- Event) {
	defer close(events)

	next := 0
	for {
		entries, sealed, changed := r.console.since(next)
		for i := range entries {
			select {
			case events <- Event{Diagnostic: &entries[i], Status: StatusRunning}:
				next++
			case <-r.discarded:
				return
			}
		}
		if sealed {
			status := r.console.Status()
			if status == StatusDiscarded {
				return
			}
			select {
			case events <- Event{Status: status}:
			case <-r.discarded:
			}
			return
		}
		select {
		case <-changed:
		case <-r.discarded:
			return
		}
	}
}
