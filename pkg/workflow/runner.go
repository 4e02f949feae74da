package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"docuagent/internal/util"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// RunStatus is the pollable state of one event's run.
type RunStatus struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Status       string          `json:"status"`
	Output       json.RawMessage `json:"output,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	Attempts     int             `json:"attempts"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Handler processes one event. The returned value is marshaled as the run
// output. A returned error triggers the retry policy.
type Handler func(ctx context.Context, run *Run) (any, error)

// Runner is a redis-streams step runner: events are consumed at-least-once
// by a consumer group, failed runs are retried with a delay up to
// maxRetries, and individual steps memoize their results so a retry does
// not redo completed work.
type Runner struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	runTTL       time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	throttle     *fixedWindowLimiter
	once         sync.Once

	mu       sync.RWMutex
	handlers map[string]Handler
}

// Config tunes the runner. Zero values fall back to defaults.
type Config struct {
	Addr           string
	Password       string
	Stream         string
	Group          string
	Consumer       string
	RunTTL         time.Duration
	MaxRetries     int
	Block          time.Duration
	ClaimIdle      time.Duration
	RetryDelay     time.Duration
	MaxLen         int64
	ReadCount      int64
	ClaimCount     int64
	ThrottleLimit  int
	ThrottleWindow time.Duration
}

// NewRunner validates the config and connects to redis.
func NewRunner(cfg Config) (*Runner, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("event stream required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "default"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	runTTL := cfg.RunTTL
	if runTTL <= 0 {
		runTTL = 24 * time.Hour
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 30 * time.Second
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}
	claimCount := cfg.ClaimCount
	if claimCount <= 0 {
		claimCount = 10
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password})
	r := &Runner{
		client:       client,
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		runTTL:       runTTL,
		maxRetries:   maxRetries,
		block:        block,
		claimIdle:    claimIdle,
		retryDelay:   retryDelay,
		maxLen:       maxLen,
		readCount:    readCount,
		claimCount:   claimCount,
		handlers:     make(map[string]Handler),
	}
	if cfg.ThrottleLimit > 0 && cfg.ThrottleWindow > 0 {
		r.throttle = newFixedWindowLimiter(client, stream+":throttle", cfg.ThrottleLimit, cfg.ThrottleWindow)
	}
	return r, nil
}

// Register binds an event name to its handler. Must be called before Start.
func (r *Runner) Register(name string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

// SendOptions alter how an event is enqueued.
type SendOptions struct {
	// IdempotencyKey dedups sends: while a run for the same key is still
	// queued or processing, Send returns its event ID instead of enqueuing.
	IdempotencyKey string
	// ThrottleKey delays processing when its fixed window is exhausted.
	ThrottleKey string
}

// Send enqueues an event and returns its ID for status polling.
func (r *Runner) Send(ctx context.Context, name string, payload any, opts SendOptions) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	if opts.IdempotencyKey != "" {
		if id, live, err := r.liveRunForKey(ctx, opts.IdempotencyKey); err != nil {
			return "", err
		} else if live {
			return id, nil
		}
	}
	run := RunStatus{
		ID:        util.NewID(),
		Name:      name,
		Status:    StatusQueued,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := r.writeStatus(ctx, run); err != nil {
		return "", err
	}
	if opts.IdempotencyKey != "" {
		if err := r.client.Set(ctx, r.idempotencyKey(opts.IdempotencyKey), run.ID, r.runTTL).Err(); err != nil {
			return "", err
		}
	}
	if err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]any{
			"event_id":     run.ID,
			"name":         name,
			"payload":      string(data),
			"throttle_key": opts.ThrottleKey,
		},
	}).Err(); err != nil {
		return "", err
	}
	return run.ID, nil
}

func (r *Runner) liveRunForKey(ctx context.Context, key string) (string, bool, error) {
	id, err := r.client.Get(ctx, r.idempotencyKey(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	run, ok, err := r.GetRun(ctx, id)
	if err != nil || !ok {
		return "", false, err
	}
	if run.Status == StatusQueued || run.Status == StatusProcessing {
		return id, true, nil
	}
	return "", false, nil
}

// GetRun returns the run state for an event ID.
func (r *Runner) GetRun(ctx context.Context, eventID string) (RunStatus, bool, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return RunStatus{}, false, nil
	}
	data, err := r.client.HGetAll(ctx, r.runKey(eventID)).Result()
	if err != nil {
		return RunStatus{}, false, err
	}
	if len(data) == 0 {
		return RunStatus{}, false, nil
	}
	return decodeRunStatus(eventID, data), true, nil
}

// Start launches concurrency worker goroutines consuming the stream.
func (r *Runner) Start(ctx context.Context, concurrency int) {
	if concurrency <= 0 {
		concurrency = 1
	}
	r.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", r.consumerBase, i)
		go r.consumeLoop(ctx, consumer)
	}
}

func (r *Runner) ensureGroup(ctx context.Context) {
	r.once.Do(func() {
		// BUSYGROUP means the group already exists; other errors surface
		// on the first XREADGROUP
		_ = r.client.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	})
}

func (r *Runner) consumeLoop(ctx context.Context, consumer string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := r.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				r.handleMessage(ctx, msg)
			}
		}

		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.group,
			Consumer: consumer,
			Streams:  []string{r.stream, ">"},
			Count:    r.readCount,
			Block:    r.block,
		}).Result()
		if err != nil {
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				r.handleMessage(ctx, msg)
			}
		}
	}
}

func (r *Runner) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   r.stream,
		Group:    r.group,
		Consumer: consumer,
		MinIdle:  r.claimIdle,
		Start:    "0-0",
		Count:    r.claimCount,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Runner) handleMessage(ctx context.Context, msg redis.XMessage) {
	eventID, _ := msg.Values["event_id"].(string)
	name, _ := msg.Values["name"].(string)
	payload, _ := msg.Values["payload"].(string)
	throttleKey, _ := msg.Values["throttle_key"].(string)
	if eventID == "" || name == "" {
		r.ackAndDel(ctx, msg.ID)
		return
	}
	r.mu.RLock()
	handler, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		_ = r.markFailed(ctx, eventID, fmt.Sprintf("no handler for event %q", name))
		r.ackAndDel(ctx, msg.ID)
		return
	}
	if throttleKey != "" && r.throttle != nil && !r.throttle.allow(ctx, throttleKey) {
		// over quota: push back without consuming an attempt
		r.waitRetryDelay(ctx)
		_ = r.requeueAndAck(ctx, msg)
		return
	}
	run, err := r.markProcessing(ctx, eventID, name)
	if err != nil {
		r.ackAndDel(ctx, msg.ID)
		return
	}
	out, err := handler(ctx, &Run{ID: eventID, Name: name, Payload: json.RawMessage(payload), runner: r})
	if err == nil {
		_ = r.markDone(ctx, eventID, out)
		r.ackAndDel(ctx, msg.ID)
		return
	}
	if run.Attempts >= r.maxRetries {
		_ = r.markFailed(ctx, eventID, err.Error())
		r.ackAndDel(ctx, msg.ID)
		return
	}
	_ = r.markQueued(ctx, eventID, err.Error())
	r.waitRetryDelay(ctx)
	_ = r.requeueAndAck(ctx, msg)
}

func (r *Runner) waitRetryDelay(ctx context.Context) {
	if r.retryDelay <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(r.retryDelay):
	}
}

func (r *Runner) ackAndDel(ctx context.Context, msgID string) {
	_, _ = r.client.XAck(ctx, r.stream, r.group, msgID).Result()
	_, _ = r.client.XDel(ctx, r.stream, msgID).Result()
}

func (r *Runner) requeueAndAck(ctx context.Context, msg redis.XMessage) error {
	pipe := r.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: msg.Values,
	})
	pipe.XAck(ctx, r.stream, r.group, msg.ID)
	pipe.XDel(ctx, r.stream, msg.ID)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Runner) markProcessing(ctx context.Context, eventID, name string) (RunStatus, error) {
	run, _, err := r.GetRun(ctx, eventID)
	if err != nil {
		return RunStatus{}, err
	}
	if run.ID == "" {
		run = RunStatus{ID: eventID, Name: name}
	}
	run.Attempts++
	run.Status = StatusProcessing
	run.UpdatedAt = time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = run.UpdatedAt
	}
	if err := r.writeStatus(ctx, run); err != nil {
		return RunStatus{}, err
	}
	return run, nil
}

func (r *Runner) markQueued(ctx context.Context, eventID, errMsg string) error {
	run, _, err := r.GetRun(ctx, eventID)
	if err != nil {
		return err
	}
	run.Status = StatusQueued
	run.ErrorMessage = errMsg
	run.UpdatedAt = time.Now().UTC()
	return r.writeStatus(ctx, run)
}

func (r *Runner) markDone(ctx context.Context, eventID string, output any) error {
	run, _, err := r.GetRun(ctx, eventID)
	if err != nil {
		return err
	}
	run.Status = StatusDone
	run.ErrorMessage = ""
	if output != nil {
		if data, err := json.Marshal(output); err == nil {
			run.Output = data
		}
	}
	run.UpdatedAt = time.Now().UTC()
	return r.writeStatus(ctx, run)
}

func (r *Runner) markFailed(ctx context.Context, eventID, errMsg string) error {
	run, _, err := r.GetRun(ctx, eventID)
	if err != nil {
		return err
	}
	run.Status = StatusFailed
	run.ErrorMessage = errMsg
	run.UpdatedAt = time.Now().UTC()
	return r.writeStatus(ctx, run)
}

func (r *Runner) writeStatus(ctx context.Context, run RunStatus) error {
	key := r.runKey(run.ID)
	payload := map[string]any{
		"id":        run.ID,
		"name":      run.Name,
		"status":    run.Status,
		"output":    string(run.Output),
		"error":     run.ErrorMessage,
		"attempts":  strconv.Itoa(run.Attempts),
		"createdAt": run.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt": run.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := r.client.HSet(ctx, key, payload).Err(); err != nil {
		return err
	}
	_ = r.client.Expire(ctx, key, r.runTTL).Err()
	return nil
}

func (r *Runner) runKey(eventID string) string {
	return fmt.Sprintf("run:%s:%s", r.stream, eventID)
}

func (r *Runner) stepKey(eventID string) string {
	return fmt.Sprintf("run:%s:%s:steps", r.stream, eventID)
}

func (r *Runner) idempotencyKey(key string) string {
	return fmt.Sprintf("idem:%s:%s", r.stream, key)
}

func decodeRunStatus(eventID string, data map[string]string) RunStatus {
	run := RunStatus{ID: eventID}
	run.Name = data["name"]
	run.Status = data["status"]
	run.ErrorMessage = data["error"]
	if v := data["output"]; v != "" {
		run.Output = json.RawMessage(v)
	}
	if v := data["attempts"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			run.Attempts = n
		}
	}
	if v := data["createdAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			run.CreatedAt = t
		}
	}
	if v := data["updatedAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			run.UpdatedAt = t
		}
	}
	return run
}
