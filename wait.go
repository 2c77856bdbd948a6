package svinit

import (
	"context"
	"slices"
	"time"
)

// waitPollInterval is how often Wait re-reads the service status
const waitPollInterval = 50 * time.Millisecond

// Wait blocks until service reaches one of states and returns its status.
// With no states it returns on the first state change. It works against a
// local Manager or a Client alike.
func Wait(ctx context.Context, c Controller, service string, states ...State) (ServiceStatus, error) {
	filter := StatusFilter{Names: []string{service}}
	current := func() (ServiceStatus, error) {
		statuses, err := c.Status(ctx, filter)
		if err != nil {
			return ServiceStatus{}, err
		}
		if len(statuses) == 0 {
			return ServiceStatus{}, &OpError{Op: OpStatus, Service: service, Err: ErrUnknownService}
		}
		return statuses[0], nil
	}

	status, err := current()
	if err != nil {
		return ServiceStatus{}, err
	}
	initial := status.State
	if slices.Contains(states, status.State) {
		return status, nil
	}

	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return status, ctx.Err()
		}
		status, err = current()
		if err != nil {
			return ServiceStatus{}, err
		}
		if len(states) == 0 {
			if status.State != initial {
				return status, nil
			}
			continue
		}
		if slices.Contains(states, status.State) {
			return status, nil
		}
	}
}
