package gateway

import (
	"context"
	"log/slog"
	"sync"
)

// Runner is the part of Client a Panel needs.
type Runner interface {
	Run(ctx context.Context, language, source string) (*ExecutionResult, error)
}

// PanelState is the lifecycle of the output area.
type PanelState string

const (
	PanelIdle     PanelState = "idle"
	PanelInFlight PanelState = "in_flight"
	PanelDone     PanelState = "done"
	PanelFailed   PanelState = "failed"
)

// Snapshot is a consistent read of a Panel.
type Snapshot struct {
	Generation uint64           `json:"generation"`
	State      PanelState       `json:"state"`
	View       View             `json:"view"`
	Result     *ExecutionResult `json:"result,omitempty"`
	Err        error            `json:"-"`
}

// Panel tracks the submission shown in one output area. Submitting again
// does not abort the outstanding call; its result is dropped when it lands.
type Panel struct {
	runner Runner
	logger *slog.Logger

	mu      sync.Mutex
	current Snapshot
	changed chan struct{}
}

// NewPanel returns an idle panel.
func NewPanel(r Runner, logger *slog.Logger) *Panel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Panel{
		runner:  r,
		logger:  logger,
		current: Snapshot{State: PanelIdle},
		changed: make(chan struct{}),
	}
}

// Submit starts a run in the background and returns its generation. The
// panel is in flight when Submit returns.
func (p *Panel) Submit(ctx context.Context, language, source string) uint64 {
	p.mu.Lock()
	gen := p.current.Generation + 1
	p.set(Snapshot{Generation: gen, State: PanelInFlight, View: View{Kind: ViewPending}})
	p.mu.Unlock()

	go func() {
		res, err := p.runner.Run(ctx, language, source)
		p.complete(gen, res, err)
	}()
	return gen
}

func (p *Panel) complete(gen uint64, res *ExecutionResult, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if gen != p.current.Generation {
		p.logger.Debug("dropping late execution result",
			slog.Uint64("generation", gen),
			slog.Uint64("current", p.current.Generation),
		)
		return
	}

	s := Snapshot{Generation: gen, Result: res, Err: err}
	if err != nil {
		s.State = PanelFailed
		s.View = RenderError(err)
	} else {
		s.State = PanelDone
		s.View = Render(res)
	}
	p.set(s)
}

// set replaces the snapshot and wakes waiters. p.mu must be held.
func (p *Panel) set(s Snapshot) {
	p.current = s
	close(p.changed)
	p.changed = make(chan struct{})
}

// Snapshot returns the current state.
func (p *Panel) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Wait blocks until the panel is no longer in flight or ctx ends.
func (p *Panel) Wait(ctx context.Context) (Snapshot, error) {
	for {
		p.mu.Lock()
		s, changed := p.current, p.changed
		p.mu.Unlock()

		if s.State != PanelInFlight {
			return s, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return s, ctx.Err()
		}
	}
}
