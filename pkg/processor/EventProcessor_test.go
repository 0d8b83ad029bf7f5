package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayuuum/amber-eventbus/pkg/config"
	"github.com/ayuuum/amber-eventbus/pkg/registry"
	"github.com/ayuuum/amber-eventbus/pkg/retry"
	"github.com/ayuuum/amber-eventbus/pkg/store"
	"github.com/ayuuum/amber-eventbus/pkg/telemetry"
	"github.com/ayuuum/amber-eventbus/schema"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves past any backoff the processor may have set.
func (c *clock) Advance() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(retry.MaxDelay + time.Second)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubHandler returns the errors queued in errs in turn, then nil.
type stubHandler struct {
	name  string
	mu    sync.Mutex
	errs  []error
	calls []string
	delay time.Duration
}

func (h *stubHandler) Name() string { return h.name }

func (h *stubHandler) Execute(ctx context.Context, event *schema.Event) error {
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, event.ID)
	if len(h.errs) == 0 {
		return nil
	}
	err := h.errs[0]
	if len(h.errs) > 1 {
		h.errs = h.errs[1:]
	}
	return err
}

func (h *stubHandler) succeedFromNowOn() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = nil
}

func (h *stubHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func serviceUnavailable() error {
	return &retry.HTTPError{StatusCode: http.StatusServiceUnavailable, Message: "upstream down"}
}

type fixture struct {
	repo  *store.MemoryRepository
	clock *clock
	proc  *EventProcessor
}

func newFixture(t *testing.T, handlers []config.HandlerSettings, impls []registry.Handler, opts ...Option) *fixture {
	t.Helper()
	c := &clock{now: epoch}
	reg, err := registry.New(config.Settings{
		EventTypes: []config.EventTypeSettings{{Type: "booking.created", Handlers: handlers}},
	}, impls...)
	require.NoError(t, err)

	repo := store.NewMemoryRepository(store.WithClock(c.Now))
	opts = append([]Option{WithClock(c.Now)}, opts...)
	return &fixture{
		repo:  repo,
		clock: c,
		proc:  NewEventProcessor(repo, reg, discardLogger(), opts...),
	}
}

func (f *fixture) publish(t *testing.T, entityID string, maxRetries int) string {
	t.Helper()
	e := schema.NewEvent("booking.created", "booking", entityID, []byte(`{}`), maxRetries)
	e.CreatedAt = f.clock.Now()
	id, err := f.repo.Insert(context.Background(), e)
	require.NoError(t, err)
	return id
}

func (f *fixture) get(t *testing.T, id string) *schema.Event {
	t.Helper()
	e, err := f.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return e
}

func asyncHandler(name string, priority int) config.HandlerSettings {
	return config.HandlerSettings{Name: name, Mode: "async", Priority: priority}
}

func TestRunBatch_BookingScenario(t *testing.T) {
	chat := &stubHandler{name: "chat_notify", errs: []error{serviceUnavailable()}}
	f := newFixture(t, []config.HandlerSettings{asyncHandler("chat_notify", 1)}, []registry.Handler{chat})
	ctx := context.Background()

	id := f.publish(t, "b-1", 3)
	assert.Equal(t, schema.StatusPending, f.get(t, id).Status)

	result, err := f.proc.RunBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Claimed: 1, Retried: 1}, result)
	event := f.get(t, id)
	assert.Equal(t, schema.StatusPending, event.Status)
	assert.Equal(t, schema.QueueMain, event.Queue)
	assert.Equal(t, 1, event.RetryCount)
	assert.Equal(t, retry.TypeServer, *event.ErrorType)
	require.NotNil(t, event.NotBefore)
	assert.Equal(t, epoch.Add(retry.DefaultBackoff), *event.NotBefore)

	f.clock.Advance()
	_, err = f.proc.RunBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, f.get(t, id).RetryCount)
	assert.Equal(t, schema.StatusPending, f.get(t, id).Status)

	f.clock.Advance()
	result, err = f.proc.RunBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Claimed: 1, DeadLettered: 1}, result)
	event = f.get(t, id)
	assert.Equal(t, schema.StatusFailed, event.Status)
	assert.Equal(t, schema.QueueDLQ, event.Queue)
	assert.Equal(t, 3, event.RetryCount)
	assert.Equal(t, retry.TypeMaxRetriesExceeded, *event.ErrorType)

	// dead-lettered events are never claimed from the main queue
	f.clock.Advance()
	result, err = f.proc.RunBatch(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, result.Claimed)

	chat.succeedFromNowOn()
	_, err = f.repo.ResetForRetry(ctx, id)
	require.NoError(t, err)
	outcome, err := f.proc.ProcessByID(ctx, id)
	require.NoError(t, err)
	assert.True(t, outcome.Succeeded())

	event = f.get(t, id)
	assert.Equal(t, schema.StatusCompleted, event.Status)
	assert.Equal(t, schema.QueueMain, event.Queue)
	assert.Nil(t, event.ErrorType)
	require.NotNil(t, event.ProcessedAt)
	assert.Equal(t, 4, chat.callCount())
}

func TestRunBatch_DeadLettersExactlyAtCeiling(t *testing.T) {
	chat := &stubHandler{name: "chat_notify", errs: []error{serviceUnavailable()}}
	f := newFixture(t, []config.HandlerSettings{asyncHandler("chat_notify", 1)}, []registry.Handler{chat})
	id := f.publish(t, "b-1", 2)

	_, err := f.proc.RunBatch(context.Background(), 10)
	require.NoError(t, err)
	event := f.get(t, id)
	assert.Equal(t, 1, event.RetryCount)
	assert.Equal(t, schema.QueueMain, event.Queue, "retryCount 1 < maxRetries 2 stays in main")

	f.clock.Advance()
	_, err = f.proc.RunBatch(context.Background(), 10)
	require.NoError(t, err)
	event = f.get(t, id)
	assert.Equal(t, 2, event.RetryCount)
	assert.Equal(t, schema.QueueDLQ, event.Queue, "retryCount 2 >= maxRetries 2 moves to dlq")
}

func TestRunBatch_FatalErrorSkipsRetries(t *testing.T) {
	chat := &stubHandler{name: "chat_notify", errs: []error{&retry.HTTPError{StatusCode: http.StatusBadRequest, Message: "bad recipient"}}}
	f := newFixture(t, []config.HandlerSettings{asyncHandler("chat_notify", 1)}, []registry.Handler{chat})
	id := f.publish(t, "b-1", 5)

	result, err := f.proc.RunBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.DeadLettered)

	event := f.get(t, id)
	assert.Equal(t, schema.StatusFailed, event.Status)
	assert.Equal(t, schema.QueueDLQ, event.Queue)
	assert.Equal(t, 1, event.RetryCount)
	assert.Equal(t, retry.TypeClient, *event.ErrorType)
	assert.Contains(t, *event.ErrorMessage, "chat_notify: HTTP 400")
}

func TestRunBatch_HandlerOverrideReplacesCeilingAndBackoff(t *testing.T) {
	calendar := &stubHandler{name: "calendar_sync", errs: []error{serviceUnavailable()}}
	handler := asyncHandler("calendar_sync", 1)
	handler.Retry = &config.RetryOverrideSettings{MaxRetries: 5, Backoff: 30 * time.Second, BackoffMultiplier: 3}
	f := newFixture(t, []config.HandlerSettings{handler}, []registry.Handler{calendar})
	id := f.publish(t, "b-1", 3)

	for i := 1; i <= 4; i++ {
		_, err := f.proc.RunBatch(context.Background(), 10)
		require.NoError(t, err)
		event := f.get(t, id)
		require.Equal(t, schema.QueueMain, event.Queue, "attempt %d", i)
		if i == 2 {
			assert.Equal(t, f.clock.Now().Add(90*time.Second), *event.NotBefore)
		}
		f.clock.Advance()
	}

	_, err := f.proc.RunBatch(context.Background(), 10)
	require.NoError(t, err)
	event := f.get(t, id)
	assert.Equal(t, schema.QueueDLQ, event.Queue)
	assert.Equal(t, 5, event.RetryCount)
}

func TestRunBatch_HandlersRunInPriorityOrderAndStopAtFailure(t *testing.T) {
	var order []string
	var mu sync.Mutex
	record := func(name string, err error) registry.Handler {
		return registry.HandlerFunc(name, func(context.Context, *schema.Event) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return err
		})
	}
	f := newFixture(t,
		[]config.HandlerSettings{asyncHandler("third", 3), asyncHandler("first", 1), asyncHandler("second", 2)},
		[]registry.Handler{record("first", nil), record("second", errors.New("boom")), record("third", nil)},
	)
	id := f.publish(t, "b-1", 3)

	_, err := f.proc.RunBatch(context.Background(), 10)
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second"}, order)
	event := f.get(t, id)
	assert.Equal(t, retry.TypeUnknown, *event.ErrorType)
	assert.Equal(t, "second: boom", *event.ErrorMessage)

	// a retry re-runs every handler
	f.clock.Advance()
	_, err = f.proc.RunBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "first", "second"}, order)
}

func TestRunBatch_UnknownEventTypeCompletes(t *testing.T) {
	f := newFixture(t, nil, nil)
	e := schema.NewEvent("payment.completed", "payment", "p-1", nil, 3)
	id, err := f.repo.Insert(context.Background(), e)
	require.NoError(t, err)

	result, err := f.proc.RunBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Completed)
	assert.Equal(t, schema.StatusCompleted, f.get(t, id).Status)
}

func TestRunBatch_SyncHandlersAreNotExecuted(t *testing.T) {
	f := newFixture(t,
		[]config.HandlerSettings{{Name: "audit_log", Mode: "sync"}},
		nil,
	)
	id := f.publish(t, "b-1", 3)

	result, err := f.proc.RunBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Completed)
	assert.Equal(t, schema.StatusCompleted, f.get(t, id).Status)
}

func TestRunBatch_PanicIsRetryable(t *testing.T) {
	panicky := registry.HandlerFunc("chat_notify", func(context.Context, *schema.Event) error {
		panic("nil map write")
	})
	f := newFixture(t, []config.HandlerSettings{asyncHandler("chat_notify", 1)}, []registry.Handler{panicky})
	id := f.publish(t, "b-1", 3)

	result, err := f.proc.RunBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Retried)
	assert.Equal(t, retry.TypePanic, *f.get(t, id).ErrorType)
}

type failingUpdates struct {
	*store.MemoryRepository
}

func (failingUpdates) UpdateStatus(context.Context, string, schema.Update) error {
	return errors.New("connection reset")
}

func TestRunBatch_StoreFailureLeavesEventProcessing(t *testing.T) {
	f := newFixture(t, []config.HandlerSettings{asyncHandler("chat_notify", 1)}, []registry.Handler{&stubHandler{name: "chat_notify"}})
	id := f.publish(t, "b-1", 3)
	proc := NewEventProcessor(failingUpdates{f.repo}, f.proc.registry, discardLogger(), WithClock(f.clock.Now))

	result, err := proc.RunBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Claimed: 1, StoreErrors: 1}, result)
	assert.Equal(t, schema.StatusProcessing, f.get(t, id).Status)
}

type failingClaims struct {
	*store.MemoryRepository
}

func (failingClaims) ClaimBatch(context.Context, schema.Queue, int) ([]schema.Event, error) {
	return nil, errors.New("database is locked")
}

func TestRunBatch_ClaimFailure(t *testing.T) {
	f := newFixture(t, nil, nil)
	proc := NewEventProcessor(failingClaims{f.repo}, f.proc.registry, discardLogger())

	_, err := proc.RunBatch(context.Background(), 10)
	assert.EqualError(t, err, "claim batch: database is locked")
}

func TestRunBatch_ConcurrentWorkersProcessEachEventOnce(t *testing.T) {
	var executions sync.Map
	var total atomic.Int32
	counting := registry.HandlerFunc("chat_notify", func(_ context.Context, e *schema.Event) error {
		n, _ := executions.LoadOrStore(e.ID, new(atomic.Int32))
		n.(*atomic.Int32).Add(1)
		total.Add(1)
		time.Sleep(time.Millisecond)
		return nil
	})
	f := newFixture(t, []config.HandlerSettings{asyncHandler("chat_notify", 1)}, []registry.Handler{counting}, WithConcurrency(4))
	for i := 0; i < 40; i++ {
		f.publish(t, fmt.Sprintf("b-%02d", i), 3)
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				result, err := f.proc.RunBatch(context.Background(), 5)
				assert.NoError(t, err)
				if result.Claimed == 0 {
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(40), total.Load())
	executions.Range(func(_, v any) bool {
		assert.Equal(t, int32(1), v.(*atomic.Int32).Load())
		return true
	})
	counts, err := f.repo.CountByStatus(context.Background(), schema.QueueMain)
	require.NoError(t, err)
	assert.Equal(t, 40, counts[schema.StatusCompleted])
}

func TestProcessEvent_IdempotentHandlerReplay(t *testing.T) {
	delivered := map[string]struct{}{}
	idempotent := registry.HandlerFunc("chat_notify", func(_ context.Context, e *schema.Event) error {
		delivered[e.ID+":chat_notify"] = struct{}{}
		return nil
	})
	f := newFixture(t, []config.HandlerSettings{asyncHandler("chat_notify", 1)}, []registry.Handler{idempotent})
	id := f.publish(t, "b-1", 3)

	_, err := f.proc.RunBatch(context.Background(), 10)
	require.NoError(t, err)
	event := f.get(t, id)
	assert.True(t, f.proc.ProcessEvent(context.Background(), event).Succeeded())

	assert.Len(t, delivered, 1)
}

func TestProcessByID(t *testing.T) {
	f := newFixture(t, []config.HandlerSettings{asyncHandler("chat_notify", 1)}, []registry.Handler{&stubHandler{name: "chat_notify"}})
	id := f.publish(t, "b-1", 3)

	_, err := f.repo.ClaimByID(context.Background(), id)
	require.NoError(t, err)

	_, err = f.proc.ProcessByID(context.Background(), id)
	assert.ErrorIs(t, err, ErrClaimedElsewhere)

	_, err = f.proc.ProcessByID(context.Background(), "missing")
	assert.ErrorIs(t, err, schema.ErrNotFound)
}

type slaRecorder struct {
	telemetry.NoopMetrics
	mu       sync.Mutex
	breaches []string
	outcomes []string
}

func (r *slaRecorder) SLABreached(_ context.Context, _, handler string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breaches = append(r.breaches, handler)
}

func (r *slaRecorder) EventProcessed(_ context.Context, _, outcome, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func TestRunBatch_SLABreachIsObservedOnly(t *testing.T) {
	slow := &stubHandler{name: "calendar_sync", delay: 20 * time.Millisecond}
	fast := &stubHandler{name: "chat_notify"}
	calendar := asyncHandler("calendar_sync", 2)
	calendar.SLA = config.SLASettings{TargetCompletion: time.Millisecond, AlertThreshold: 5 * time.Millisecond}
	chat := asyncHandler("chat_notify", 1)
	chat.SLA = config.SLASettings{TargetCompletion: time.Second, AlertThreshold: 10 * time.Second}

	metrics := &slaRecorder{}
	f := newFixture(t, []config.HandlerSettings{calendar, chat}, []registry.Handler{slow, fast}, WithMetrics(metrics))
	id := f.publish(t, "b-1", 3)

	_, err := f.proc.RunBatch(context.Background(), 10)
	require.NoError(t, err)

	assert.Equal(t, []string{"calendar_sync"}, metrics.breaches)
	assert.Equal(t, []string{telemetry.OutcomeCompleted}, metrics.outcomes)
	assert.Equal(t, schema.StatusCompleted, f.get(t, id).Status)
}

func TestRun_DrainsUntilCancelled(t *testing.T) {
	chat := &stubHandler{name: "chat_notify"}
	f := newFixture(t, []config.HandlerSettings{asyncHandler("chat_notify", 1)}, []registry.Handler{chat})
	for i := 0; i < 7; i++ {
		f.publish(t, fmt.Sprintf("b-%d", i), 3)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.proc.Run(ctx, 3, time.Hour)
		close(done)
	}()

	assert.Eventually(t, func() bool { return chat.callCount() == 7 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRunBatch_LeaseOverrunIsNotRunTwice(t *testing.T) {
	const lease = 100 * time.Millisecond
	var calls, running, maxRunning atomic.Int32
	slow := registry.HandlerFunc("calendar_sync", func(context.Context, *schema.Event) error {
		calls.Add(1)
		n := running.Add(1)
		defer running.Add(-1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * lease)
		return nil
	})
	reg, err := registry.New(config.Settings{
		EventTypes: []config.EventTypeSettings{{Type: "booking.created", Handlers: []config.HandlerSettings{asyncHandler("calendar_sync", 1)}}},
	}, slow)
	require.NoError(t, err)
	repo := store.NewMemoryRepository(store.WithLeaseTimeout(lease))
	id, err := repo.Insert(context.Background(), schema.NewEvent("booking.created", "booking", "b-1", []byte(`{}`), 3))
	require.NoError(t, err)

	first := NewEventProcessor(repo, reg, discardLogger(), WithLease(lease))
	second := NewEventProcessor(repo, reg, discardLogger(), WithLease(lease))

	done := make(chan BatchResult, 1)
	go func() {
		result, err := first.RunBatch(context.Background(), 1)
		assert.NoError(t, err)
		done <- result
	}()
	time.Sleep(2 * lease)
	result, err := second.RunBatch(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Claimed)

	assert.Equal(t, BatchResult{Claimed: 1, Retried: 1}, <-done)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(1), maxRunning.Load())

	event, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusPending, event.Status)
	assert.Equal(t, retry.TypeTimeout, *event.ErrorType)
}

func TestProcessEvent_StaleClaimIsNotWrittenBack(t *testing.T) {
	chat := &stubHandler{name: "chat_notify", errs: []error{serviceUnavailable()}}
	f := newFixture(t, []config.HandlerSettings{asyncHandler("chat_notify", 1)}, []registry.Handler{chat})
	id := f.publish(t, "b-1", 3)

	stale, err := f.repo.ClaimBatch(context.Background(), schema.QueueMain, 1)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	f.clock.Advance()
	current, err := f.repo.ClaimBatch(context.Background(), schema.QueueMain, 1)
	require.NoError(t, err)
	require.Len(t, current, 1)

	outcome := f.proc.ProcessEvent(context.Background(), &stale[0])
	assert.ErrorIs(t, outcome.StoreErr, schema.ErrClaimLost)
	event := f.get(t, id)
	assert.Equal(t, schema.StatusProcessing, event.Status)
	assert.Equal(t, 0, event.RetryCount)

	chat.succeedFromNowOn()
	assert.True(t, f.proc.ProcessEvent(context.Background(), &current[0]).Succeeded())
	assert.Equal(t, schema.StatusCompleted, f.get(t, id).Status)
}

func TestRunBatch_IgnoresCallerCancellation(t *testing.T) {
	obedient := registry.HandlerFunc("chat_notify", func(ctx context.Context, _ *schema.Event) error {
		return ctx.Err()
	})
	f := newFixture(t, []config.HandlerSettings{asyncHandler("chat_notify", 1)}, []registry.Handler{obedient})
	id := f.publish(t, "b-1", 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := f.proc.RunBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Claimed: 1, Completed: 1}, result)

	event := f.get(t, id)
	assert.Equal(t, schema.QueueMain, event.Queue)
	assert.Equal(t, schema.StatusCompleted, event.Status)
}

func TestProcessByID_IgnoresCallerCancellation(t *testing.T) {
	obedient := registry.HandlerFunc("chat_notify", func(ctx context.Context, _ *schema.Event) error {
		return ctx.Err()
	})
	f := newFixture(t, []config.HandlerSettings{asyncHandler("chat_notify", 1)}, []registry.Handler{obedient})
	id := f.publish(t, "b-1", 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outcome, err := f.proc.ProcessByID(ctx, id)
	require.NoError(t, err)
	assert.True(t, outcome.Succeeded())
	assert.Equal(t, schema.QueueMain, f.get(t, id).Queue)
}
