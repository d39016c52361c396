// Package statemachine generalizes the state-interface pattern this corpus
// uses for multi-phase protocols (see the threshold-signature relay's
// Initiate/Receive/Next states) into a reusable shape for any process that
// advances through a fixed or open-ended sequence of phases driven by
// incoming messages. The log sync session in pkg/logsync
// (Start -> ... -> End) is built on it; the DCGKA per-sender ratchet
// advance in pkg/dcgka is a plain method and does not use this package.
package statemachine

// State is one phase of a state machine. Initiate performs whatever local
// work this phase requires before it can accept messages (it may be a
// no-op). Receive folds an incoming message into this phase's local data.
// Next returns the following phase, or nil if this is terminal.
type State interface {
	Initiate() error
	Receive(msg interface{}) error
	Next() State
}

// Run drives machine from its current state through Initiate/Next until a
// nil Next is reached, calling receive(s) between Initiate and Next for
// every state so callers can feed it queued messages for that phase. It
// returns the terminal state reached, or the first error encountered
// (leaving the machine parked on the state that failed).
func Run(start State, receive func(s State) error) (State, error) {
	current := start
	var last State
	for current != nil {
		if err := current.Initiate(); err != nil {
			return current, err
		}
		if receive != nil {
			if err := receive(current); err != nil {
				return current, err
			}
		}
		last = current
		current = current.Next()
	}
	return last, nil
}
