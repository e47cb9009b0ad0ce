// Package fanout runs one request against several targets in parallel:
// First takes the earliest success (seed contacts during a join), Broadcast
// counts acknowledgements (leave and down notices).
package fanout

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultPerTargetTimeout is the default timeout for each target RPC.
	DefaultPerTargetTimeout = 2 * time.Second
)

// FirstResult is the outcome of First.
type FirstResult[T any] struct {
	Success      bool
	Target       string
	Value        T
	Attempted    int
	ErrorMessage string
}

// BroadcastResult is the outcome of Broadcast.
type BroadcastResult struct {
	Success      bool
	Acks         int
	Required     int
	Targets      int
	ErrorMessage string
}

// TargetFunc performs the request against a single target.
type TargetFunc[T any] func(ctx context.Context, target string) (T, error)

// First fans out to all targets in parallel and returns the first
// successful response. The remaining requests are cancelled.
func First[T any](ctx context.Context, targets []string, timeout time.Duration, fn TargetFunc[T]) FirstResult[T] {
	if len(targets) == 0 {
		return FirstResult[T]{ErrorMessage: "no targets provided"}
	}
	if timeout <= 0 {
		timeout = DefaultPerTargetTimeout
	}

	type response struct {
		target string
		value  T
		err    error
	}

	targetCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	responses := make(chan response, len(targets))
	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		go func(t string) {
			defer wg.Done()
			v, err := fn(targetCtx, t)
			responses <- response{target: t, value: v, err: err}
		}(target)
	}
	go func() {
		wg.Wait()
		close(responses)
	}()

	var errors []error
	for {
		select {
		case r, ok := <-responses:
			if !ok {
				errMsg := fmt.Sprintf("all targets failed: targets=%d", len(targets))
				if len(errors) > 0 {
					errMsg += fmt.Sprintf(" errors=%v", errors[:min(3, len(errors))])
				}
				return FirstResult[T]{Attempted: len(targets), ErrorMessage: errMsg}
			}
			if r.err == nil {
				return FirstResult[T]{Success: true, Target: r.target, Value: r.value, Attempted: len(targets)}
			}
			errors = append(errors, fmt.Errorf("target %s: %w", r.target, r.err))
		case <-ctx.Done():
			return FirstResult[T]{
				Attempted:    len(targets),
				ErrorMessage: fmt.Sprintf("context cancelled: %v", ctx.Err()),
			}
		}
	}
}

// Broadcast fans out to all targets in parallel and succeeds as soon as
// required targets acknowledged. It gives up once so many targets failed that
// required can no longer be reached. Requests still in flight on return are
// cancelled. required <= 0 means a majority.
func Broadcast(ctx context.Context, targets []string, required int, fn TargetFunc[struct{}]) BroadcastResult {
	if len(targets) == 0 {
		return BroadcastResult{ErrorMessage: "no targets provided"}
	}
	if required <= 0 {
		required = (len(targets) / 2) + 1
	}
	if required > len(targets) {
		return BroadcastResult{
			ErrorMessage: fmt.Sprintf("required=%d exceeds target count=%d", required, len(targets)),
		}
	}

	targetCtx, cancel := context.WithTimeout(ctx, DefaultPerTargetTimeout)
	defer cancel()

	type response struct {
		target string
		err    error
	}
	responses := make(chan response, len(targets))
	for _, target := range targets {
		go func(t string) {
			_, err := fn(targetCtx, t)
			responses <- response{target: t, err: err}
		}(target)
	}

	var (
		acks   int
		errors []error
	)
	for acks < required && len(errors) <= len(targets)-required {
		select {
		case r := <-responses:
			if r.err == nil {
				acks++
			} else {
				errors = append(errors, fmt.Errorf("target %s: %w", r.target, r.err))
			}
		case <-ctx.Done():
			return BroadcastResult{
				Acks:         acks,
				Required:     required,
				Targets:      len(targets),
				ErrorMessage: fmt.Sprintf("context cancelled: %v", ctx.Err()),
			}
		}
	}

	if acks >= required {
		return BroadcastResult{Success: true, Acks: acks, Required: required, Targets: len(targets)}
	}

	errMsg := fmt.Sprintf("not enough acks: acks=%d required=%d targets=%d", acks, required, len(targets))
	errMsg += fmt.Sprintf(" errors=%v", errors[:min(3, len(errors))])
	return BroadcastResult{
		Acks:         acks,
		Required:     required,
		Targets:      len(targets),
		ErrorMessage: errMsg,
	}
}
