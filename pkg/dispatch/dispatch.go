// Package dispatch implements the core scheduler: it drives a file of
// provider.GenericRequest lines to completion under RPM/TPM/concurrency
// limits, retrying transient failures through a bounded FIFO queue and
// persisting every terminal outcome to a responselog.Log.
//
// The control flow uses two semaphores, 300ms capacity polling, a
// 3×max_batch cap on first-pass tasks in flight, and an EOF-then-retry-drain
// structure, expressed the idiomatic Go way: goroutines plus sync.WaitGroup
// and buffered channels as the admission and in-flight semaphores.
package dispatch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"llmbatch/pkg/llmerrors"
	"llmbatch/pkg/logx"
	"llmbatch/pkg/metrics"
	"llmbatch/pkg/provider"
	"llmbatch/pkg/responselog"
	"llmbatch/pkg/status"
)

// pollInterval is how often the dispatcher re-checks capacity while waiting
// to admit a request.
const pollInterval = 300 * time.Millisecond

// retryDrainPoll is how often the retry-drain loop checks for newly queued
// retries when the queue is momentarily empty.
const retryDrainPoll = 500 * time.Millisecond

// Config holds the knobs this package exposes as external interfaces: admission
// limits, retry budget and the finish reasons that count as a failure even
// though the HTTP call itself succeeded.
type Config struct {
	APIKey                    string
	Model                     string
	MaxConcurrentRequests     int
	MaxBatch                  int
	MaxRetries                int
	SecondsToPauseOnRateLimit time.Duration
	InvalidFinishReasons      []string
	ReturnCompletionsObject   bool

	// Recorder receives a per-attempt observation after every terminal
	// outcome. Left nil, New substitutes metrics.NewNoop() so callers that
	// don't want a /metrics endpoint pay nothing for it.
	Recorder metrics.Recorder
}

// StatusSink receives periodic counter snapshots for display; the terminal
// renderer in pkg/statusrender is the shipped implementation. Passing nil
// disables status reporting entirely.
type StatusSink interface {
	Update(status.Counters)
}

// Dispatcher ties together one provider adapter, the capacity/status
// tracker pair, and the response log for a single run against a single
// request file.
type Dispatcher struct {
	cfg     Config
	adapter provider.Adapter
	status  *status.Tracker
	log     *responselog.Log
	sink    StatusSink
	logger  *logx.Logger
	runID   string

	invalidFinishReasons map[string]bool
}

// New constructs a Dispatcher. status and log are constructed per run by
// the caller (see pkg/status, pkg/responselog) and passed by reference,
// never as package-level globals. Each Dispatcher gets a fresh run ID
// (uuid.NewString) so its log lines can be told apart from a concurrently
// running dispatch against a different request file.
func New(cfg Config, adapter provider.Adapter, st *status.Tracker, log *responselog.Log, sink StatusSink, logger *logx.Logger) *Dispatcher {
	invalid := make(map[string]bool, len(cfg.InvalidFinishReasons))
	for _, r := range cfg.InvalidFinishReasons {
		invalid[r] = true
	}
	if logger == nil {
		logger = logx.NewLogger("dispatch")
	}
	if cfg.Recorder == nil {
		cfg.Recorder = metrics.NewNoop()
	}
	return &Dispatcher{
		cfg:                  cfg,
		adapter:              adapter,
		status:               st,
		log:                  log,
		runID:                uuid.NewString(),
		sink:                 sink,
		logger:               logger,
		invalidFinishReasons: invalid,
	}
}

// attemptState tracks one logical request across however many attempts it
// takes to reach a terminal outcome. attemptID is a fresh UUID distinct from
// the stable req.OriginalRowIdx, so log lines for a request's retries can be
// correlated even when two different rows share the same original index
// across concurrent runs.
type attemptState struct {
	req          provider.GenericRequest
	estimate     provider.TokenCount
	attemptsLeft int
	errors       []string
	attemptID    string
}

// Run drives requestsPath to completion. resumeSet is the set of
// original_row_idx values already terminal in the response log (see
// responselog.ResumeSet) — lines matching it are skipped entirely, neither
// counted nor re-attempted.
func (d *Dispatcher) Run(ctx context.Context, requestsPath string, resumeSet map[int]bool) error {
	f, err := os.Open(requestsPath)
	if err != nil {
		return fmt.Errorf("open request file %s: %w", requestsPath, err)
	}
	defer f.Close()

	d.logger.Info("run %s starting against %s", d.runID, requestsPath)

	semOuter := make(chan struct{}, d.cfg.MaxConcurrentRequests)
	semInner := make(chan struct{}, d.cfg.MaxBatch)
	backpressure := make(chan struct{}, 3*d.cfg.MaxBatch)

	var retryMu sync.Mutex
	var retryQueue []*attemptState
	var wg sync.WaitGroup

	stopStatus := d.startStatusReporter()
	defer stopStatus()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req provider.GenericRequest
		if err := json.Unmarshal(line, &req); err != nil {
			return fmt.Errorf("parse request line: %w", err)
		}
		if resumeSet[req.OriginalRowIdx] {
			continue
		}

		select {
		case semOuter <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case backpressure <- struct{}{}:
		case <-ctx.Done():
			<-semOuter
			return ctx.Err()
		}

		est, err := d.adapter.EstimateTokens(req)
		if err != nil {
			<-backpressure
			<-semOuter
			return fmt.Errorf("estimate tokens for row %d: %w", req.OriginalRowIdx, err)
		}

		if err := d.waitForCapacity(ctx, est); err != nil {
			<-backpressure
			<-semOuter
			return err
		}
		d.status.ConsumeCapacity(est)
		d.status.MarkStarted()

		st := &attemptState{req: req, estimate: est, attemptsLeft: d.cfg.MaxRetries, attemptID: uuid.NewString()}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-backpressure }()
			defer func() { <-semOuter }()
			defer d.status.MarkFinished()
			d.attempt(ctx, semInner, st, &retryMu, &retryQueue)
		}()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan request file: %w", err)
	}

	wg.Wait()

	return d.drainRetries(ctx, semOuter, semInner, &retryMu, &retryQueue, &wg)
}

// drainRetries repeatedly pops the retry queue and relaunches attempts,
// bounded by the outer admission semaphore, until the queue is empty and no
// retry is currently in flight (a retry may re-enqueue itself on failure).
func (d *Dispatcher) drainRetries(ctx context.Context, semOuter, semInner chan struct{}, retryMu *sync.Mutex, retryQueue *[]*attemptState, wg *sync.WaitGroup) error {
	var pending int64

	for {
		retryMu.Lock()
		empty := len(*retryQueue) == 0
		retryMu.Unlock()
		if empty && atomic.LoadInt64(&pending) == 0 {
			break
		}
		if empty {
			time.Sleep(retryDrainPoll)
			continue
		}

		retryMu.Lock()
		st := (*retryQueue)[0]
		*retryQueue = (*retryQueue)[1:]
		retryMu.Unlock()

		select {
		case semOuter <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := d.waitForCapacity(ctx, st.estimate); err != nil {
			<-semOuter
			return err
		}
		d.status.ConsumeCapacity(st.estimate)
		d.status.MarkStarted()

		atomic.AddInt64(&pending, 1)
		wg.Add(1)
		go func(st *attemptState) {
			defer wg.Done()
			defer atomic.AddInt64(&pending, -1)
			defer func() { <-semOuter }()
			defer d.status.MarkFinished()
			d.attempt(ctx, semInner, st, retryMu, retryQueue)
		}(st)
	}
	wg.Wait()
	return nil
}

// waitForCapacity polls the status tracker (300ms) until the estimate fits,
// also honoring any active rate-limit cool-down before re-checking.
func (d *Dispatcher) waitForCapacity(ctx context.Context, est provider.TokenCount) error {
	start := time.Now()
	for {
		wait := pollInterval
		if cd := d.status.CoolDownRemaining(); cd > 0 {
			wait = cd
		} else if d.status.HasCapacity(est) {
			break
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	d.cfg.Recorder.ObserveQueueWait(d.cfg.Model, d.adapter.Name(), time.Since(start).Seconds())
	return nil
}

// attempt performs exactly one HTTP attempt for st, then either records
// success, re-enqueues st onto retryQueue (if attempts remain), or records a
// permanent failure and appends it to the response log.
func (d *Dispatcher) attempt(ctx context.Context, semInner chan struct{}, st *attemptState, retryMu *sync.Mutex, retryQueue *[]*attemptState) {
	body, err := d.adapter.Build(st.req)
	if err != nil {
		d.fail(ctx, st, llmerrors.New(llmerrors.KindOther, 0, err.Error(), err), retryMu, retryQueue)
		return
	}

	select {
	case semInner <- struct{}{}:
	case <-ctx.Done():
		return
	}
	d.logger.Debug("row %d attempt %s: calling %s", st.req.OriginalRowIdx, st.attemptID, d.adapter.Name())
	callStart := time.Now()
	statusCode, raw, callErr := d.adapter.Call(ctx, d.cfg.APIKey, body)
	d.cfg.Recorder.ObserveDuration(d.cfg.Model, d.adapter.Name(), time.Since(callStart).Seconds())
	<-semInner

	if callErr != nil {
		kind := llmerrors.ClassifyByStatus(callErr, statusCode, "")
		d.fail(ctx, st, llmerrors.New(kind, statusCode, callErr.Error(), callErr), retryMu, retryQueue)
		return
	}

	message, finishReason, usage, cost, parseErr := d.adapter.Parse(statusCode, raw)
	if parseErr != nil {
		d.fail(ctx, st, parseErr, retryMu, retryQueue)
		return
	}

	if d.invalidFinishReasons[finishReason] {
		d.fail(ctx, st, llmerrors.New(llmerrors.KindInvalidFinishReason, statusCode, "invalid finish_reason: "+finishReason, nil), retryMu, retryQueue)
		return
	}

	if err := validateResponseSchema(st.req.ResponseSchema, message); err != nil {
		d.fail(ctx, st, llmerrors.New(llmerrors.KindSchemaMismatch, statusCode, err.Error(), err), retryMu, retryQueue)
		return
	}

	d.status.MarkSucceeded(st.estimate, usage, cost)
	d.cfg.Recorder.ObserveRequest(d.cfg.Model, d.adapter.Name(), usage.Input, usage.Output, cost, true)
	resp := provider.GenericResponse{
		OriginalRowIdx:  st.req.OriginalRowIdx,
		GenericRequest:  st.req,
		ResponseMessage: &message,
		TokenUsage:      usage,
		CostUSD:         cost,
		FinishedAt:      time.Now(),
	}
	if err := d.log.Append(resp); err != nil {
		d.logger.Error("append response for row %d: %v", st.req.OriginalRowIdx, err)
	}
}

// fail records the failure's error bucket, then either re-queues the attempt
// (charging its attempts-remaining counter: two attempts for a timeout, one
// otherwise, standardized so every failure kind costs a well-defined number
// of attempts) or finalizes the request as a permanent failure. The
// attempts-left check runs before the decrement, so a request configured
// with maxRetries retries gets maxRetries+1 total attempts — the initial try
// plus maxRetries retries — rather than maxRetries total.
func (d *Dispatcher) fail(ctx context.Context, st *attemptState, err error, retryMu *sync.Mutex, retryQueue *[]*attemptState) {
	kind := llmerrors.KindOf(err)
	switch kind {
	case llmerrors.KindRateLimit:
		d.status.RecordError(status.ErrorRateLimit)
		d.cfg.Recorder.ObserveThrottle(d.cfg.Model, d.adapter.Name())
	case llmerrors.KindAPIError:
		d.status.RecordError(status.ErrorAPI)
	default:
		d.status.RecordError(status.ErrorOther)
	}

	st.errors = append(st.errors, err.Error())

	cost := 1
	if kind == llmerrors.KindTimeout {
		cost = 2
	}

	if st.attemptsLeft > 0 {
		st.attemptsLeft -= cost
		delay := llmerrors.RetryConfigFor(err).Delay(len(st.errors))
		d.logger.Warn("row %d attempt %s: %s, retrying in %s (%d attempts left)", st.req.OriginalRowIdx, st.attemptID, kind, delay, st.attemptsLeft)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
		retryMu.Lock()
		*retryQueue = append(*retryQueue, st)
		retryMu.Unlock()
		return
	}

	d.logger.Error("row %d attempt %s: permanent failure after %d errors", st.req.OriginalRowIdx, st.attemptID, len(st.errors))
	d.status.MarkPermanentFailure()
	d.cfg.Recorder.ObserveRequest(d.cfg.Model, d.adapter.Name(), 0, 0, 0, false)
	resp := provider.GenericResponse{
		OriginalRowIdx: st.req.OriginalRowIdx,
		GenericRequest: st.req,
		ResponseErrors: append([]string{}, st.errors...),
		FinishedAt:     time.Now(),
	}
	if err := d.log.Append(resp); err != nil {
		d.logger.Error("append permanent failure for row %d: %v", st.req.OriginalRowIdx, err)
	}
}

// startStatusReporter pushes a counters snapshot to the sink twice a second
// until the returned stop function is called. A nil sink makes this a no-op.
func (d *Dispatcher) startStatusReporter() (stop func()) {
	if d.sink == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.sink.Update(d.status.Snapshot())
			case <-done:
				d.sink.Update(d.status.Snapshot())
				return
			}
		}
	}()
	return func() { close(done) }
}

// validateResponseSchema checks the assistant message against the JSON
// Schema attached to the request, if any. A request with no schema always
// passes. The message must itself be valid JSON conforming to the schema;
// a plain-text message against a non-empty schema fails validation.
func validateResponseSchema(schema map[string]any, message string) error {
	if len(schema) == 0 {
		return nil
	}
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewStringLoader(message))
	if err != nil {
		return fmt.Errorf("response is not valid JSON against schema: %w", err)
	}
	if !result.Valid() {
		return fmt.Errorf("response does not conform to schema: %v", result.Errors())
	}
	return nil
}
