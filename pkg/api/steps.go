package api

import (
	"context"
	"encoding/json"
	"fmt"
)

// StepAs is a typed wrapper around Run.Step. The value returned on the
// first execution and on replay are both decoded from the step log, so a
// workflow sees identical values either way.
func StepAs[T any](ctx context.Context, run Run, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	raw, err := run.Step(ctx, name, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode result of step %q: %w", name, err)
	}
	return out, nil
}

// DecodePayload unmarshals the instance payload into T.
func DecodePayload[T any](run Run) (T, error) {
	var out T
	if err := json.Unmarshal(run.Payload(), &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return out, nil
}
