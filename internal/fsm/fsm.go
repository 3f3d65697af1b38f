// Package fsm implements the generic state-table executor described in
// spec.md §4.3: a table of states, each with optional arrival, read-ready,
// write-ready, block-ready, and departure hooks, driven by a current-state
// index.
package fsm

// Hook is a per-state callback. It returns the state to transition to next
// (its own index to stay put) and an error that aborts the connection.
type Hook func(ctx any) (next int, err error)

// State is one row of the state table. Any hook may be nil, meaning that
// event is ignored in that state.
type State struct {
	Name         string
	OnArrival    func(ctx any) (next int, err error)
	OnReadReady  Hook
	OnWriteReady Hook
	OnBlockReady Hook
	OnDeparture  func(ctx any)
}

// Machine executes a State table. The zero value is not usable; build one
// with New.
type Machine struct {
	states  []State
	current int
}

// New builds a Machine seeded at the given initial state index.
func New(states []State, initial int) *Machine {
	return &Machine{states: states, current: initial}
}

// Current returns the index of the active state.
func (m *Machine) Current() int {
	return m.current
}

// Name returns the active state's name, for logging.
func (m *Machine) Name() string {
	return m.states[m.current].Name
}

// Start fires the initial state's OnArrival hook, if any. Call this once
// after New, before any Handle* call.
func (m *Machine) Start(ctx any) error {
	return m.transitionTo(m.current, ctx)
}

// HandleRead dispatches to the current state's OnReadReady hook and applies
// any resulting transition.
func (m *Machine) HandleRead(ctx any) error {
	return m.dispatch(ctx, func(s *State) Hook { return s.OnReadReady })
}

// HandleWrite dispatches to the current state's OnWriteReady hook and
// applies any resulting transition.
func (m *Machine) HandleWrite(ctx any) error {
	return m.dispatch(ctx, func(s *State) Hook { return s.OnWriteReady })
}

// HandleBlock dispatches to the current state's OnBlockReady hook and
// applies any resulting transition. Used by the resolver's completion
// notification.
func (m *Machine) HandleBlock(ctx any) error {
	return m.dispatch(ctx, func(s *State) Hook { return s.OnBlockReady })
}

// HandleClose fires the current state's OnDeparture hook without entering
// any new state. Used during teardown.
func (m *Machine) HandleClose(ctx any) {
	if d := m.states[m.current].OnDeparture; d != nil {
		d(ctx)
	}
}

func (m *Machine) dispatch(ctx any, pick func(*State) Hook) error {
	hook := pick(&m.states[m.current])
	if hook == nil {
		return nil
	}
	next, err := hook(ctx)
	if err != nil {
		return err
	}
	if next == m.current {
		return nil
	}
	return m.transitionTo(next, ctx)
}

// transitionTo fires the outgoing state's OnDeparture, switches the
// current index, then fires the incoming state's OnArrival — exactly once
// each, in that order, per spec.md §4.3. A chain of arrivals that itself
// requests a further transition (e.g. REQUEST_CONNECTING's immediate
// exhaustion of candidates) is followed until a state's OnArrival reports
// no further move.
func (m *Machine) transitionTo(next int, ctx any) error {
	if d := m.states[m.current].OnDeparture; d != nil && next != m.current {
		d(ctx)
	}
	m.current = next
	arrival := m.states[m.current].OnArrival
	if arrival == nil {
		return nil
	}
	following, err := arrival(ctx)
	if err != nil {
		return err
	}
	if following == m.current {
		return nil
	}
	return m.transitionTo(following, ctx)
}
