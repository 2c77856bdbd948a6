package svinit

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"
)

// Event drives a ServiceStateMachine transition
type Event string

// State machine events
const (
	EventStart   Event = "start"
	EventReady   Event = "ready"
	EventFinish  Event = "finish"
	EventFail    Event = "fail"
	EventStop    Event = "stop"
	EventStopped Event = "stopped"
	EventCrash   Event = "crash"
	EventExit    Event = "exit"
	EventBlock   Event = "block"
	EventReset   Event = "reset"
)

var transitions = []fsm.EventDesc{
	{Name: string(EventStart), Src: []string{stateDownStr, stateRestartingStr}, Dst: stateStartingStr},
	{Name: string(EventReady), Src: []string{stateStartingStr}, Dst: stateUpStr},
	{Name: string(EventFinish), Src: []string{stateStartingStr}, Dst: stateDoneStr},
	{Name: string(EventFail), Src: []string{stateStartingStr, stateStoppingStr, stateUpStr}, Dst: stateFailedStr},
	{Name: string(EventStop), Src: []string{stateUpStr, stateDoneStr, stateStartingStr, stateRestartingStr}, Dst: stateStoppingStr},
	{Name: string(EventStopped), Src: []string{stateStoppingStr}, Dst: stateDownStr},
	{Name: string(EventCrash), Src: []string{stateUpStr}, Dst: stateRestartingStr},
	{Name: string(EventExit), Src: []string{stateUpStr}, Dst: stateDownStr},
	{Name: string(EventBlock), Src: []string{stateDownStr}, Dst: stateFailedStr},
	{Name: string(EventReset), Src: []string{stateFailedStr}, Dst: stateDownStr},
}

// TransitionFunc observes a state change of a service
type TransitionFunc func(service string, from, to State)

// TransitionError is returned for an event that is illegal in the current state
type TransitionError struct {
	Service string
	Event   Event
	From    State
	Err     error
}

// Error returns a formatted error message
func (e *TransitionError) Error() string {
	return fmt.Sprintf("svinit: %q: event %s not allowed in state %s", e.Service, e.Event, e.From)
}

// Unwrap returns the underlying error for error chain inspection
func (e *TransitionError) Unwrap() error {
	return e.Err
}

// StateMachine is the lifecycle state machine of one service. It is not
// safe for concurrent use; the scheduler serializes all calls.
type StateMachine struct {
	service string
	fsm     *fsm.FSM
}

// NewStateMachine returns a machine in StateDown. onEnter, if non-nil, runs
// after every transition.
func NewStateMachine(service string, onEnter TransitionFunc) *StateMachine {
	m := &StateMachine{service: service}
	m.fsm = fsm.NewFSM(
		stateDownStr,
		fsm.Events(transitions),
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if onEnter == nil {
					return
				}
				from, _ := ParseState(e.Src)
				to, _ := ParseState(e.Dst)
				onEnter(service, from, to)
			},
		},
	)
	return m
}

// Current returns the current state
func (m *StateMachine) Current() State {
	s, _ := ParseState(m.fsm.Current())
	return s
}

// Can reports whether ev is legal in the current state
func (m *StateMachine) Can(ev Event) bool {
	return m.fsm.Can(string(ev))
}

// Fire applies ev
func (m *StateMachine) Fire(ctx context.Context, ev Event) error {
	from := m.Current()
	if err := m.fsm.Event(ctx, string(ev)); err != nil {
		var noTransition fsm.NoTransitionError
		if errors.As(err, &noTransition) {
			return nil
		}
		return &TransitionError{Service: m.service, Event: ev, From: from, Err: err}
	}
	return nil
}
