// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

// State is the consumer lifecycle state.
type State int32

// Consumer states.
const (
	StateIdle State = iota
	StateSubscribing
	StateConsuming
	StateDraining
	StateFailed
)

var transitions = map[State][]State{
	StateIdle:        {StateSubscribing},
	StateSubscribing: {StateConsuming, StateIdle, StateFailed},
	StateConsuming:   {StateDraining, StateFailed},
	StateDraining:    {StateIdle},
	StateFailed:      {StateSubscribing, StateIdle},
}

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribing:
		return "subscribing"
	case StateConsuming:
		return "consuming"
	case StateDraining:
		return "draining"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CanTransition reports whether moving from s to next is allowed.
func (s State) CanTransition(next State) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}
