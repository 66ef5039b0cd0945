package bulk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cragr/frappe-ticket-agent/internal/models"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// mockCreator implements Creator for testing.
type mockCreator struct {
	mu       sync.Mutex
	createFn func(ctx context.Context, index, attempt int) error
	attempts map[int]int
	calls    []time.Time
}

func newMockCreator(fn func(ctx context.Context, index, attempt int) error) *mockCreator {
	return &mockCreator{createFn: fn, attempts: make(map[int]int)}
}

func (m *mockCreator) CreateTicket(ctx context.Context, ticket models.Ticket) (*models.Ticket, error) {
	index, _ := strconv.Atoi(strings.TrimPrefix(ticket.Subject, "ticket-"))

	m.mu.Lock()
	m.attempts[index]++
	attempt := m.attempts[index]
	m.calls = append(m.calls, time.Now())
	m.mu.Unlock()

	if m.createFn != nil {
		if err := m.createFn(ctx, index, attempt); err != nil {
			return nil, err
		}
	}
	created := ticket
	created.Name = fmt.Sprintf("TCK-%04d", index)
	return &created, nil
}

func payloads(n int) []models.Ticket {
	out := make([]models.Ticket, n)
	for i := range out {
		out[i] = models.Ticket{Subject: fmt.Sprintf("ticket-%d", i)}
	}
	return out
}

func TestPartition(t *testing.T) {
	tests := []struct {
		name      string
		n, size   int
		wantSizes []int
	}{
		{name: "uneven", n: 5, size: 2, wantSizes: []int{2, 2, 1}},
		{name: "even", n: 4, size: 2, wantSizes: []int{2, 2}},
		{name: "single batch", n: 3, size: 10, wantSizes: []int{3}},
		{name: "empty", n: 0, size: 3, wantSizes: nil},
		{name: "zero size", n: 2, size: 0, wantSizes: []int{1, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Partition(tt.n, tt.size)
			if len(got) != len(tt.wantSizes) {
				t.Fatalf("Partition() = %v, want sizes %v", got, tt.wantSizes)
			}
			next := 0
			for i, r := range got {
				if r.Len() != tt.wantSizes[i] {
					t.Errorf("range %d len = %d, want %d", i, r.Len(), tt.wantSizes[i])
				}
				if r.Start != next {
					t.Errorf("range %d starts at %d, want %d", i, r.Start, next)
				}
				next = r.End
			}
		})
	}
}

func TestRetryPolicy_Do(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name         string
		policy       RetryPolicy
		failUntil    int
		wantAttempts int
		wantErr      bool
	}{
		{name: "first try", policy: RetryPolicy{MaxAttempts: 3}, failUntil: 0, wantAttempts: 1},
		{name: "second try", policy: RetryPolicy{MaxAttempts: 3}, failUntil: 1, wantAttempts: 2},
		{name: "exhausted", policy: RetryPolicy{MaxAttempts: 2}, failUntil: 5, wantAttempts: 2, wantErr: true},
		{name: "zero attempts means one", policy: RetryPolicy{}, failUntil: 5, wantAttempts: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts, err := tt.policy.Do(context.Background(), func(attempt int) error {
				if attempt <= tt.failUntil {
					return boom
				}
				return nil
			})
			if attempts != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", attempts, tt.wantAttempts)
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRetryPolicy_DoStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxAttempts: 5, Delay: time.Hour}

	attempts, err := policy.Do(ctx, func(attempt int) error {
		cancel()
		return errors.New("boom")
	})
	if attempts != 1 || err == nil {
		t.Errorf("expected 1 failed attempt, got %d, %v", attempts, err)
	}
}

func TestPipeline_ScenarioOneItemAlwaysFails(t *testing.T) {
	creator := newMockCreator(func(ctx context.Context, index, attempt int) error {
		if index == 2 {
			return errors.New("validation failed")
		}
		return nil
	})
	p := NewPipeline(creator, newTestLogger(), nil)

	var batchCallbacks []BatchResult
	res := p.Run(context.Background(), payloads(5), Options{
		BatchSize:       2,
		MaxRetries:      1,
		StopOnError:     false,
		OnBatchComplete: func(b BatchResult) { batchCallbacks = append(batchCallbacks, b) },
	})

	if res.Total != 5 || res.Failed != 1 || res.Completed != 4 {
		t.Errorf("total/failed/completed = %d/%d/%d, want 5/1/4", res.Total, res.Failed, res.Completed)
	}
	if res.Success {
		t.Error("expected success=false")
	}
	if res.State != StateCompleted {
		t.Errorf("expected completed state, got %s", res.State)
	}

	if len(res.Batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(res.Batches))
	}
	for i, want := range []int{2, 2, 1} {
		if got := len(res.Batches[i].Items); got != want {
			t.Errorf("batch %d has %d items, want %d", i, got, want)
		}
	}
	if len(batchCallbacks) != 3 {
		t.Errorf("expected 3 batch callbacks, got %d", len(batchCallbacks))
	}

	if len(res.Items) != 5 {
		t.Fatalf("expected 5 item results, got %d", len(res.Items))
	}
	item := res.Items[2]
	if item.Success || item.Attempts != 2 || item.Error != "validation failed" {
		t.Errorf("unexpected item 2 result %+v", item)
	}
	if item.Payload.Subject != "ticket-2" {
		t.Errorf("expected original payload to be kept, got %+v", item.Payload)
	}
	if res.Retries != 1 {
		t.Errorf("expected 1 retry, got %d", res.Retries)
	}
	if len(res.Created) != 4 {
		t.Errorf("expected 4 created tickets, got %d", len(res.Created))
	}
	if len(res.Errors) != 1 {
		t.Errorf("expected 1 distinct error, got %v", res.Errors)
	}
	if p.State() != StateCompleted {
		t.Errorf("pipeline state = %s", p.State())
	}
}

func TestPipeline_StopOnError(t *testing.T) {
	creator := newMockCreator(func(ctx context.Context, index, attempt int) error {
		if index == 3 {
			return errors.New("rejected")
		}
		return nil
	})
	p := NewPipeline(creator, newTestLogger(), nil)

	res := p.Run(context.Background(), payloads(8), Options{BatchSize: 2, StopOnError: true})

	// Item 3 is in the second batch.
	if len(res.Batches) != 2 {
		t.Fatalf("expected exactly 2 batch results, got %d", len(res.Batches))
	}
	if res.State != StateAborted || res.Success {
		t.Errorf("expected aborted unsuccessful run, got state=%s success=%v", res.State, res.Success)
	}
	if res.Completed != 3 || res.Failed != 1 || res.Skipped != 4 {
		t.Errorf("completed/failed/skipped = %d/%d/%d, want 3/1/4", res.Completed, res.Failed, res.Skipped)
	}
	if res.Completed+res.Failed+res.Skipped != res.Total {
		t.Error("counts do not add up to total")
	}
	if _, called := creator.attempts[4]; called {
		t.Error("items after the failing batch must not be attempted")
	}
}

func TestPipeline_PreservesInputOrder(t *testing.T) {
	creator := newMockCreator(func(ctx context.Context, index, attempt int) error {
		// Even items fail once; odd items are slow.
		if index%2 == 0 && attempt == 1 {
			return errors.New("transient")
		}
		if index%2 == 1 {
			time.Sleep(time.Millisecond)
		}
		return nil
	})
	p := NewPipeline(creator, newTestLogger(), nil)

	res := p.Run(context.Background(), payloads(7), Options{BatchSize: 3, MaxRetries: 2})

	if !res.Success {
		t.Fatalf("expected success, errors: %v", res.Errors)
	}
	for i, item := range res.Items {
		if item.Index != i {
			t.Errorf("result %d has index %d", i, item.Index)
		}
		if item.Ticket == nil || item.Ticket.Name != fmt.Sprintf("TCK-%04d", i) {
			t.Errorf("result %d has ticket %+v", i, item.Ticket)
		}
	}
	for i, created := range res.Created {
		if created.Subject != fmt.Sprintf("ticket-%d", i) {
			t.Errorf("created[%d] = %q, out of order", i, created.Subject)
		}
	}
}

func TestPipeline_Progress(t *testing.T) {
	creator := newMockCreator(func(ctx context.Context, index, attempt int) error {
		if index == 1 && attempt == 1 {
			return errors.New("transient")
		}
		if index == 3 {
			return errors.New("permanent")
		}
		return nil
	})
	p := NewPipeline(creator, newTestLogger(), nil)

	var events []Progress
	res := p.Run(context.Background(), payloads(4), Options{
		BatchSize:  2,
		MaxRetries: 1,
		OnProgress: func(pr Progress) { events = append(events, pr) },
	})

	// Attempts: item0 1, item1 2, item2 1, item3 2.
	if len(events) != 6 {
		t.Fatalf("expected 6 progress events, got %d", len(events))
	}
	last := events[len(events)-1]
	if last.Completed != res.Completed || last.Failed != res.Failed {
		t.Errorf("last progress %+v does not match result %d/%d", last, res.Completed, res.Failed)
	}
	if last.Completed+last.Failed != last.Total {
		t.Errorf("final progress counts %d+%d != %d", last.Completed, last.Failed, last.Total)
	}
	if last.EstimatedRemaining != 0 {
		t.Errorf("expected no remaining time at the end, got %v", last.EstimatedRemaining)
	}
	if events[1].ItemIndex != 1 || events[1].Attempt != 1 || events[1].Success {
		t.Errorf("unexpected second event %+v", events[1])
	}
	if events[1].Completed != 1 || events[1].Failed != 0 {
		t.Errorf("non-final attempt must not change counts, got %+v", events[1])
	}
	for i := 1; i < len(events); i++ {
		if events[i].Completed+events[i].Failed < events[i-1].Completed+events[i-1].Failed {
			t.Errorf("progress went backwards at event %d", i)
		}
	}
	if events[len(events)-1].TotalBatches != 2 {
		t.Errorf("expected 2 total batches, got %d", last.TotalBatches)
	}
}

func TestPipeline_Delays(t *testing.T) {
	creator := newMockCreator(nil)
	p := NewPipeline(creator, newTestLogger(), nil)

	res := p.Run(context.Background(), payloads(4), Options{
		BatchSize:            2,
		DelayBetweenRequests: 20 * time.Millisecond,
		DelayBetweenBatches:  50 * time.Millisecond,
	})
	if !res.Success {
		t.Fatalf("expected success: %v", res.Errors)
	}

	calls := creator.calls
	if gap := calls[1].Sub(calls[0]); gap < 20*time.Millisecond {
		t.Errorf("request gap within batch = %v, want >= 20ms", gap)
	}
	if gap := calls[2].Sub(calls[1]); gap < 50*time.Millisecond {
		t.Errorf("gap between batches = %v, want >= 50ms", gap)
	}
	if gap := calls[3].Sub(calls[2]); gap < 20*time.Millisecond {
		t.Errorf("request gap in second batch = %v, want >= 20ms", gap)
	}
}

func TestPipeline_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	creator := newMockCreator(nil)
	p := NewPipeline(creator, newTestLogger(), nil)

	res := p.Run(ctx, payloads(6), Options{
		BatchSize: 2,
		OnProgress: func(pr Progress) {
			if pr.ItemIndex == 2 {
				cancel()
			}
		},
	})

	if res.State != StateAborted || res.Success {
		t.Errorf("expected aborted run, got %s", res.State)
	}
	if res.Completed != 3 || res.Skipped != 3 {
		t.Errorf("completed/skipped = %d/%d, want 3/3", res.Completed, res.Skipped)
	}
	if len(res.Batches) != 2 {
		t.Errorf("expected 2 batch results, got %d", len(res.Batches))
	}
}

func TestPipeline_RejectsConcurrentRun(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	creator := newMockCreator(func(ctx context.Context, index, attempt int) error {
		if index == 0 {
			close(started)
			<-release
		}
		return nil
	})
	p := NewPipeline(creator, newTestLogger(), nil)

	done := make(chan *Result)
	go func() { done <- p.Run(context.Background(), payloads(1), Options{}) }()
	<-started

	if p.State() != StateRunning {
		t.Errorf("expected running state, got %s", p.State())
	}

	second := p.Run(context.Background(), payloads(3), Options{})
	if second.State != StateAborted || second.Skipped != 3 {
		t.Errorf("expected rejected run, got %+v", second)
	}
	if len(second.Errors) != 1 || second.Errors[0] != ErrRunInProgress.Error() {
		t.Errorf("unexpected errors %v", second.Errors)
	}

	close(release)
	if first := <-done; !first.Success {
		t.Errorf("first run should succeed, got %+v", first)
	}
}

func TestPipeline_InvalidOptions(t *testing.T) {
	p := NewPipeline(newMockCreator(nil), newTestLogger(), nil)

	res := p.Run(context.Background(), payloads(2), Options{MaxRetries: -1})
	if res.State != StateAborted || res.Skipped != 2 || len(res.Errors) != 1 {
		t.Errorf("expected aborted run for invalid options, got %+v", res)
	}
}

func TestPipeline_EmptyInput(t *testing.T) {
	p := NewPipeline(newMockCreator(nil), newTestLogger(), nil)

	res := p.Run(context.Background(), nil, Options{})
	if !res.Success || res.Total != 0 || len(res.Batches) != 0 {
		t.Errorf("unexpected result for empty input %+v", res)
	}
}

func TestPipeline_NilLogger(t *testing.T) {
	p := NewPipeline(newMockCreator(nil), nil, nil)

	res := p.Run(context.Background(), payloads(3), Options{BatchSize: 2})
	if !res.Success || res.Completed != 3 {
		t.Errorf("unexpected result %+v", res)
	}
}
