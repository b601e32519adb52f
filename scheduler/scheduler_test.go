package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/raykavin/pricewatch/core"
	"github.com/raykavin/pricewatch/dispatch"
	zerologadapter "github.com/raykavin/pricewatch/logger/zerolog"
	"github.com/raykavin/pricewatch/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func nopLogger() core.Logger {
	logger := zerolog.Nop()
	return zerologadapter.NewAdapter(&logger)
}

// fakeSource serves the configured prices, or fails when no snapshot is set
type fakeSource struct {
	mu     sync.Mutex
	prices map[string]float64
}

func (f *fakeSource) set(prices map[string]float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices = prices
}

func (f *fakeSource) Snapshot(_ context.Context, symbols []string) (core.PriceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.prices == nil {
		return core.PriceSnapshot{}, fmt.Errorf("%w: upstream timeout", core.ErrSourceUnavailable)
	}
	return core.NewPriceSnapshot(f.prices, time.Now()), nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	texts []string
	fail  func(call int) error
}

func (r *recordingNotifier) Send(_ context.Context, chatID int64, text string) error {
	r.mu.Lock()
	call := len(r.texts)
	r.texts = append(r.texts, text)
	fail := r.fail
	r.mu.Unlock()

	if fail != nil {
		return fail(call)
	}
	return nil
}

func (r *recordingNotifier) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

// failingStorage makes every read fail so the fail-stop threshold can trip
type failingStorage struct {
	core.Storage
}

func (f *failingStorage) Subscriptions(context.Context, ...core.SubscriptionFilter) ([]*core.Subscription, error) {
	return nil, errors.New("disk I/O error")
}

func testSettings() core.PipelineSettings {
	settings := core.DefaultPipelineSettings()
	settings.TickInterval = 10 * time.Millisecond
	settings.Trigger = core.TriggerOnCross
	settings.GracePeriod = time.Second
	settings.StorageFailureLimit = 3
	return settings
}

func newPipeline(t *testing.T, settings core.PipelineSettings) (*Scheduler, *fakeSource, *recordingNotifier, *storage.BuntStorage) {
	t.Helper()

	store, err := storage.NewFromMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	source := &fakeSource{}
	notifier := &recordingNotifier{}
	dispatcher := dispatch.NewDispatcher(store, notifier, settings, nopLogger())

	s := New(source, store, dispatcher, settings, []string{"BTCUSDT", "ETHUSDT"}, nopLogger())
	return s, source, notifier, store
}

func seedSubscription(t *testing.T, store *storage.BuntStorage, symbol string, op core.Op, threshold float64) *core.Subscription {
	t.Helper()
	ctx := context.Background()

	user := &core.User{Username: "alice", TelegramID: 42}
	require.NoError(t, store.CreateUser(ctx, user))

	sub := &core.Subscription{
		UserID:    user.ID,
		Symbol:    symbol,
		Condition: core.Condition{Op: op, Threshold: threshold},
		Enabled:   true,
	}
	require.NoError(t, store.CreateSubscription(ctx, sub))
	return sub
}

func TestTick_BelowThresholdProducesNothing(t *testing.T) {
	s, source, notifier, store := newPipeline(t, testSettings())
	seedSubscription(t, store, "BTCUSDT", core.OpGTE, 50000)

	source.set(map[string]float64{"BTCUSDT": 49000})
	require.NoError(t, s.Tick(context.Background()))

	require.Empty(t, notifier.sent())
}

func TestTick_CrossDeliversExactlyOnce(t *testing.T) {
	s, source, notifier, store := newPipeline(t, testSettings())
	seedSubscription(t, store, "BTCUSDT", core.OpGTE, 50000)

	source.set(map[string]float64{"BTCUSDT": 50500})
	require.NoError(t, s.Tick(context.Background()))

	sent := notifier.sent()
	require.Len(t, sent, 1)
	require.Contains(t, sent[0], "BTCUSDT")

	// still above the threshold, the cross already fired
	source.set(map[string]float64{"BTCUSDT": 51000})
	require.NoError(t, s.Tick(context.Background()))
	require.Len(t, notifier.sent(), 1)

	// dip and cross again
	source.set(map[string]float64{"BTCUSDT": 49000})
	require.NoError(t, s.Tick(context.Background()))
	source.set(map[string]float64{"BTCUSDT": 50200})
	require.NoError(t, s.Tick(context.Background()))
	require.Len(t, notifier.sent(), 2)
}

func TestTick_TriggerStateSurvivesRestart(t *testing.T) {
	settings := testSettings()
	s, source, notifier, store := newPipeline(t, settings)
	seedSubscription(t, store, "BTCUSDT", core.OpGTE, 50000)

	source.set(map[string]float64{"BTCUSDT": 50500})
	require.NoError(t, s.Tick(context.Background()))
	require.Len(t, notifier.sent(), 1)

	// a rebuilt pipeline over the same storage must not refire
	notifier2 := &recordingNotifier{}
	dispatcher2 := dispatch.NewDispatcher(store, notifier2, settings, nopLogger())
	s2 := New(source, store, dispatcher2, settings, []string{"BTCUSDT"}, nopLogger())

	require.NoError(t, s2.Tick(context.Background()))
	require.Empty(t, notifier2.sent())
}

func TestTick_DisableDropsPendingRetry(t *testing.T) {
	settings := testSettings()
	settings.BackoffBase = time.Millisecond
	settings.BackoffCap = time.Millisecond

	s, source, notifier, store := newPipeline(t, settings)
	sub := seedSubscription(t, store, "BTCUSDT", core.OpGTE, 50000)

	notifier.fail = func(call int) error {
		if call == 0 {
			return core.NewRetryableError(errors.New("connection reset"))
		}
		return nil
	}

	ctx := context.Background()
	source.set(map[string]float64{"BTCUSDT": 50500})
	require.NoError(t, s.Tick(ctx))
	require.Len(t, notifier.sent(), 1)

	attempts, err := store.Attempts(ctx)
	require.NoError(t, err)
	require.Len(t, attempts, 1)

	// the user turns the subscription off while the retry is pending
	require.NoError(t, store.DisableSubscription(ctx, sub.ID, "disabled by user"))

	time.Sleep(5 * time.Millisecond) // past NextRetryAt
	require.NoError(t, s.Tick(ctx))

	require.Len(t, notifier.sent(), 1, "a disabled subscription must not be retried")

	attempts, err = store.Attempts(ctx)
	require.NoError(t, err)
	require.Empty(t, attempts, "the stale attempt is dropped")
}

func TestTick_UnknownUserDropsEvent(t *testing.T) {
	s, source, notifier, store := newPipeline(t, testSettings())

	sub := &core.Subscription{
		UserID:    99,
		Symbol:    "BTCUSDT",
		Condition: core.Condition{Op: core.OpGTE, Threshold: 50000},
		Enabled:   true,
	}
	require.NoError(t, store.CreateSubscription(context.Background(), sub))

	source.set(map[string]float64{"BTCUSDT": 50500})
	require.NoError(t, s.Tick(context.Background()))
	require.Empty(t, notifier.sent())
}

func TestTick_FetchFailureSkipsWithoutError(t *testing.T) {
	s, source, notifier, store := newPipeline(t, testSettings())
	seedSubscription(t, store, "BTCUSDT", core.OpGTE, 50000)

	// no prices configured, the source reports unavailability
	require.NoError(t, s.Tick(context.Background()))
	require.Empty(t, notifier.sent())

	// the pipeline recovers on the next good fetch
	source.set(map[string]float64{"BTCUSDT": 50500})
	require.NoError(t, s.Tick(context.Background()))
	require.Len(t, notifier.sent(), 1)
}

func TestTick_StorageFailStop(t *testing.T) {
	settings := testSettings()

	store, err := storage.NewFromMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	broken := &failingStorage{Storage: store}
	source := &fakeSource{}
	source.set(map[string]float64{"BTCUSDT": 50500})

	notifier := &recordingNotifier{}
	dispatcher := dispatch.NewDispatcher(broken, notifier, settings, nopLogger())
	s := New(source, broken, dispatcher, settings, []string{"BTCUSDT"}, nopLogger())

	ctx := context.Background()
	require.NoError(t, s.Tick(ctx))
	require.NoError(t, s.Tick(ctx))

	err = s.Tick(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "storage unavailable after 3 consecutive failures")
}

// blockingSource reports each Snapshot entry on calls and holds the tick open
// until the test signals release, so overlap behavior is deterministic
type blockingSource struct {
	calls   chan time.Time
	release chan struct{}
}

func newBlockingSource() *blockingSource {
	return &blockingSource{
		calls:   make(chan time.Time, 16),
		release: make(chan struct{}),
	}
}

func (b *blockingSource) Snapshot(ctx context.Context, _ []string) (core.PriceSnapshot, error) {
	b.calls <- time.Now()
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return core.NewPriceSnapshot(nil, time.Now()), nil
}

func startOverlapPipeline(t *testing.T, policy core.OverlapPolicy) (*blockingSource, context.CancelFunc, chan error) {
	t.Helper()

	settings := testSettings()
	settings.TickInterval = 200 * time.Millisecond
	settings.Overlap = policy

	store, err := storage.NewFromMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	source := newBlockingSource()
	dispatcher := dispatch.NewDispatcher(store, &recordingNotifier{}, settings, nopLogger())
	s := New(source, store, dispatcher, settings, []string{"BTCUSDT"}, nopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return source, cancel, done
}

func stopOverlapPipeline(t *testing.T, source *blockingSource, cancel context.CancelFunc, done chan error) {
	t.Helper()

	close(source.release)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}
}

func TestRun_OverlapSkipDropsBufferedTick(t *testing.T) {
	source, cancel, done := startOverlapPipeline(t, core.OverlapSkip)

	<-source.calls                     // first tick begins
	time.Sleep(300 * time.Millisecond) // one tick buffers while it overruns
	source.release <- struct{}{}
	released := time.Now()

	next := <-source.calls
	require.GreaterOrEqual(t, next.Sub(released), 80*time.Millisecond,
		"the buffered tick must be dropped, not run back to back")

	stopOverlapPipeline(t, source, cancel, done)
}

func TestRun_OverlapWaitRunsBufferedTick(t *testing.T) {
	source, cancel, done := startOverlapPipeline(t, core.OverlapWait)

	<-source.calls
	time.Sleep(300 * time.Millisecond)
	source.release <- struct{}{}
	released := time.Now()

	next := <-source.calls
	require.Less(t, next.Sub(released), 100*time.Millisecond,
		"the buffered tick runs as soon as the overrunning one finishes")

	stopOverlapPipeline(t, source, cancel, done)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	s, source, _, store := newPipeline(t, testSettings())
	seedSubscription(t, store, "BTCUSDT", core.OpGTE, 50000)
	source.set(map[string]float64{"BTCUSDT": 49000})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}
}
