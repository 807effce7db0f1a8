// Package mock provides a scripted test double for the turn.Agent interface.
//
// Script one Turn per expected Invoke; the agent replays the turn's events
// and exposes its post-turn suspension to PendingSuspension.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/voxpipe/voxpipe/internal/checkpoint"
	"github.com/voxpipe/voxpipe/internal/turn"
)

// Turn scripts one Invoke call.
type Turn struct {
	// Events are replayed on the returned stream, in order.
	Events []turn.Event

	// Err, if non-nil, is returned from Invoke instead of a stream.
	Err error

	// Suspension, if non-nil, is reported by PendingSuspension after this
	// turn's events have been consumed.
	Suspension *checkpoint.Suspension
}

// Agent is a mock implementation of turn.Agent.
type Agent struct {
	mu sync.Mutex

	// Turns are consumed one per Invoke, in order.
	Turns []Turn

	// InvokeCalls records the input of every Invoke call in order.
	InvokeCalls []turn.TurnInput

	next    int
	pending *checkpoint.Suspension
}

var _ turn.Agent = (*Agent)(nil)

// Invoke records the call and replays the next scripted turn.
func (a *Agent) Invoke(ctx context.Context, in turn.TurnInput) (<-chan turn.Event, error) {
	a.mu.Lock()
	a.InvokeCalls = append(a.InvokeCalls, in)
	if a.next >= len(a.Turns) {
		a.mu.Unlock()
		return nil, errors.New("mock agent: no scripted turn left")
	}
	t := a.Turns[a.next]
	a.next++
	if t.Err != nil {
		a.mu.Unlock()
		return nil, t.Err
	}
	a.pending = t.Suspension
	a.mu.Unlock()

	ch := make(chan turn.Event, len(t.Events))
	go func() {
		defer close(ch)
		for _, ev := range t.Events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// PendingSuspension reports the suspension scripted on the most recent turn.
func (a *Agent) PendingSuspension(_ context.Context, _ string) (*checkpoint.Suspension, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending, nil
}

// Calls returns a copy of the recorded Invoke inputs. Thread-safe.
func (a *Agent) Calls() []turn.TurnInput {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]turn.TurnInput, len(a.InvokeCalls))
	copy(out, a.InvokeCalls)
	return out
}
