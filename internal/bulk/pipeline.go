// Package bulk creates tickets in paced, sequential batches with per-item
// retries and progress reporting.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cragr/frappe-ticket-agent/internal/logging"
	"github.com/cragr/frappe-ticket-agent/internal/metrics"
	"github.com/cragr/frappe-ticket-agent/internal/models"
)

// DefaultBatchSize is used when Options.BatchSize is zero.
const DefaultBatchSize = 10

// ErrRunInProgress is reported when Run is called while another run is active.
var ErrRunInProgress = errors.New("bulk run already in progress")

// Creator creates a single ticket.
type Creator interface {
	CreateTicket(ctx context.Context, ticket models.Ticket) (*models.Ticket, error)
}

// State is the lifecycle state of a run.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
)

// Options controls a bulk run.
type Options struct {
	BatchSize            int
	DelayBetweenRequests time.Duration
	DelayBetweenBatches  time.Duration
	StopOnError          bool
	MaxRetries           int

	// OnProgress is called synchronously after every create attempt.
	OnProgress func(Progress)
	// OnBatchComplete is called synchronously once per finished batch.
	OnBatchComplete func(BatchResult)
}

// Validate checks option bounds.
func (o Options) Validate() error {
	if o.BatchSize < 0 {
		return fmt.Errorf("batch size must not be negative, got %d", o.BatchSize)
	}
	if o.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", o.MaxRetries)
	}
	if o.DelayBetweenRequests < 0 || o.DelayBetweenBatches < 0 {
		return errors.New("delays must not be negative")
	}
	return nil
}

func (o Options) batchSize() int {
	if o.BatchSize == 0 {
		return DefaultBatchSize
	}
	return o.BatchSize
}

// retryPolicy derives the per-item policy. The request delay also separates
// retries of the same item.
func (o Options) retryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: o.MaxRetries + 1, Delay: o.DelayBetweenRequests}
}

// ItemResult is the final outcome for one input payload.
type ItemResult struct {
	Index    int            `json:"index"`
	Success  bool           `json:"success"`
	Ticket   *models.Ticket `json:"ticket,omitempty"`
	Error    string         `json:"error,omitempty"`
	Payload  models.Ticket  `json:"original_payload"`
	Attempts int            `json:"attempts"`
}

// BatchResult aggregates the items of one batch.
type BatchResult struct {
	BatchIndex int          `json:"batch_index"`
	Range      Range        `json:"range"`
	Items      []ItemResult `json:"items"`
	Completed  int          `json:"completed"`
	Failed     int          `json:"failed"`
}

// Result is the outcome of a whole run.
type Result struct {
	RunID      string          `json:"run_id"`
	State      State           `json:"state"`
	Success    bool            `json:"success"`
	Total      int             `json:"total"`
	Completed  int             `json:"completed"`
	Failed     int             `json:"failed"`
	Skipped    int             `json:"skipped"`
	Retries    int             `json:"retries"`
	Duration   time.Duration   `json:"-"`
	DurationMs int64           `json:"duration_ms"`
	Items      []ItemResult    `json:"results"`
	Batches    []BatchResult   `json:"batches"`
	Errors     []string        `json:"errors"`
	Created    []models.Ticket `json:"created"`
}

// Progress is a snapshot reported after each attempt.
type Progress struct {
	RunID        string
	Total        int
	Completed    int
	Failed       int
	BatchIndex   int
	TotalBatches int
	ItemIndex    int
	Attempt      int
	Success      bool
	Elapsed      time.Duration
	// EstimatedRemaining is derived from the average time per finished item.
	EstimatedRemaining time.Duration
}

// Pipeline runs bulk creations against a Creator. One run at a time.
type Pipeline struct {
	creator Creator
	logger  *slog.Logger
	metrics *metrics.Metrics

	runMu sync.Mutex
	mu    sync.Mutex
	state State
	now   func() time.Time
}

// NewPipeline creates a Pipeline.
func NewPipeline(creator Creator, logger *slog.Logger, m *metrics.Metrics) *Pipeline {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Pipeline{
		creator: creator,
		logger:  logger,
		metrics: m,
		state:   StateIdle,
		now:     time.Now,
	}
}

// State returns the state of the current or most recent run.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// run holds the mutable bookkeeping of a single execution.
type run struct {
	id        string
	opts      Options
	policy    RetryPolicy
	total     int
	batches   []Range
	start     time.Time
	completed int
	failed    int
	retries   int
	errSeen   map[string]bool
	result    *Result
}

// Run processes payloads in order and always returns a result; item and run
// failures are captured in it, never returned as errors.
func (p *Pipeline) Run(ctx context.Context, payloads []models.Ticket, opts Options) *Result {
	r := &run{
		id:      uuid.NewString(),
		opts:    opts,
		policy:  opts.retryPolicy(),
		total:   len(payloads),
		start:   p.now(),
		errSeen: make(map[string]bool),
	}
	r.result = &Result{
		RunID:   r.id,
		Total:   r.total,
		Items:   []ItemResult{},
		Batches: []BatchResult{},
		Errors:  []string{},
		Created: []models.Ticket{},
	}

	logger := p.logger.With("run_id", r.id)

	if err := opts.Validate(); err != nil {
		return p.abortEarly(r, err)
	}
	if !p.runMu.TryLock() {
		return p.abortEarly(r, ErrRunInProgress)
	}
	defer p.runMu.Unlock()

	r.batches = Partition(r.total, opts.batchSize())
	p.setState(StateRunning)

	logger.Info("bulk run started",
		"total", r.total,
		"batches", len(r.batches),
		"batch_size", opts.batchSize(),
		"max_retries", opts.MaxRetries,
		"stop_on_error", opts.StopOnError,
	)

	aborted := false
	for bi, rng := range r.batches {
		batch, stop := p.runBatch(ctx, r, payloads, bi, rng)
		if stop && len(batch.Items) == 0 {
			aborted = true
			break
		}

		r.result.Batches = append(r.result.Batches, batch)
		r.result.Items = append(r.result.Items, batch.Items...)

		if opts.OnBatchComplete != nil {
			opts.OnBatchComplete(batch)
		}

		logger.Info("bulk batch finished",
			"batch", bi,
			"completed", batch.Completed,
			"failed", batch.Failed,
		)

		if stop {
			aborted = true
			break
		}
		if opts.StopOnError && batch.Failed > 0 {
			logger.Warn("stopping bulk run after failed batch", "batch", bi)
			aborted = true
			break
		}
		if bi < len(r.batches)-1 {
			if err := sleep(ctx, opts.DelayBetweenBatches); err != nil {
				aborted = true
				break
			}
		}
	}

	res := p.finish(r, aborted)

	logger.Info("bulk run finished",
		"state", res.State,
		"completed", res.Completed,
		"failed", res.Failed,
		"skipped", res.Skipped,
		"retries", res.Retries,
		"duration_ms", res.DurationMs,
	)

	return res
}

// runBatch processes one batch. stop is true when ctx ended the run.
func (p *Pipeline) runBatch(ctx context.Context, r *run, payloads []models.Ticket, bi int, rng Range) (BatchResult, bool) {
	batch := BatchResult{
		BatchIndex: bi,
		Range:      rng,
		Items:      make([]ItemResult, 0, rng.Len()),
	}

	for idx := rng.Start; idx < rng.End; idx++ {
		if ctx.Err() != nil {
			return batch, true
		}
		if idx > rng.Start {
			if err := sleep(ctx, r.opts.DelayBetweenRequests); err != nil {
				return batch, true
			}
		}

		item := p.runItem(ctx, r, bi, idx, payloads[idx])
		batch.Items = append(batch.Items, item)
		if item.Success {
			batch.Completed++
		} else {
			batch.Failed++
		}
	}

	return batch, ctx.Err() != nil
}

// runItem creates one ticket under the retry policy.
func (p *Pipeline) runItem(ctx context.Context, r *run, bi, idx int, payload models.Ticket) ItemResult {
	item := ItemResult{Index: idx, Payload: payload}

	var created *models.Ticket
	attempts, err := r.policy.Do(ctx, func(attempt int) error {
		if attempt > 1 {
			r.retries++
			p.metrics.BulkRetry()
		}

		var err error
		created, err = p.creator.CreateTicket(ctx, payload)

		switch {
		case err == nil:
			r.completed++
		case attempt >= r.policy.MaxAttempts:
			r.failed++
		}
		p.reportProgress(r, bi, idx, attempt, err == nil)

		if err != nil {
			p.logger.Debug("bulk create attempt failed",
				"run_id", r.id,
				"index", idx,
				"attempt", attempt,
				"error", err,
			)
		}
		return err
	})

	// Cancellation can end the retries early; the item still counts as failed.
	if err != nil && attempts < r.policy.MaxAttempts {
		r.failed++
	}

	item.Attempts = attempts
	p.metrics.BulkItem(err == nil)

	if err != nil {
		item.Error = err.Error()
		if !r.errSeen[item.Error] {
			r.errSeen[item.Error] = true
			r.result.Errors = append(r.result.Errors, item.Error)
		}
		return item
	}

	item.Success = true
	item.Ticket = created
	if created != nil {
		r.result.Created = append(r.result.Created, *created)
	}
	return item
}

func (p *Pipeline) reportProgress(r *run, bi, idx, attempt int, success bool) {
	if r.opts.OnProgress == nil {
		return
	}

	elapsed := p.now().Sub(r.start)
	done := r.completed + r.failed
	var eta time.Duration
	if done > 0 {
		eta = elapsed / time.Duration(done) * time.Duration(r.total-done)
	}

	r.opts.OnProgress(Progress{
		RunID:              r.id,
		Total:              r.total,
		Completed:          r.completed,
		Failed:             r.failed,
		BatchIndex:         bi,
		TotalBatches:       len(r.batches),
		ItemIndex:          idx,
		Attempt:            attempt,
		Success:            success,
		Elapsed:            elapsed,
		EstimatedRemaining: eta,
	})
}

func (p *Pipeline) finish(r *run, aborted bool) *Result {
	res := r.result
	res.Completed = r.completed
	res.Failed = r.failed
	res.Retries = r.retries
	res.Skipped = r.total - r.completed - r.failed
	res.Duration = p.now().Sub(r.start)
	res.DurationMs = res.Duration.Milliseconds()

	res.State = StateCompleted
	if aborted {
		res.State = StateAborted
	}
	res.Success = res.State == StateCompleted && res.Failed == 0 && res.Skipped == 0

	p.setState(res.State)
	p.metrics.BulkRun(string(res.State))

	return res
}

// abortEarly returns an aborted result for a run that never started.
// The pipeline's own state is left alone since another run may be active.
func (p *Pipeline) abortEarly(r *run, err error) *Result {
	p.logger.Warn("bulk run rejected", "run_id", r.id, "error", err)
	res := r.result
	res.State = StateAborted
	res.Skipped = r.total
	res.Errors = append(res.Errors, err.Error())
	res.Duration = p.now().Sub(r.start)
	res.DurationMs = res.Duration.Milliseconds()
	p.metrics.BulkRun(string(StateAborted))
	return res
}
