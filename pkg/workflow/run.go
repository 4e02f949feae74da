package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Run is one attempt at processing an event. Step results are shared
// across attempts, so a retried run resumes after its last completed step.
type Run struct {
	ID      string
	Name    string
	Payload json.RawMessage

	runner *Runner
}

// Bind unmarshals the event payload into v.
func (run *Run) Bind(v any) error {
	if err := json.Unmarshal(run.Payload, v); err != nil {
		return fmt.Errorf("decode event payload: %w", err)
	}
	return nil
}

// Step executes fn at most once per run: if a previous attempt already
// completed this step, the memoized result is returned and fn is skipped.
// Results are stored as JSON.
func (run *Run) Step(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) ([]byte, error) {
	key := run.runner.stepKey(run.ID)
	cached, err := run.runner.client.HGet(ctx, key, name).Result()
	if err == nil {
		return []byte(cached), nil
	}
	if err != redis.Nil {
		return nil, fmt.Errorf("step %s: read memo: %w", name, err)
	}
	out, err := fn(ctx)
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", name, err)
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("step %s: encode result: %w", name, err)
	}
	if err := run.runner.client.HSet(ctx, key, name, string(data)).Err(); err != nil {
		return nil, fmt.Errorf("step %s: write memo: %w", name, err)
	}
	_ = run.runner.client.Expire(ctx, key, run.runner.runTTL).Err()
	return data, nil
}
