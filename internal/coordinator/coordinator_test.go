package coordinator

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/mediation/errs"
	"github.com/coachpo/mediation/internal/observability"
	"github.com/coachpo/mediation/internal/sdk"
	"github.com/coachpo/mediation/lib/async"
)

type fakeInitializer struct {
	mu        sync.Mutex
	calls     int
	appKeys   []string
	callbacks []sdk.InitCallback
	inline    error
	inlineSet bool
}

func (f *fakeInitializer) Init(appKey string, cb sdk.InitCallback) {
	f.mu.Lock()
	f.calls++
	f.appKeys = append(f.appKeys, appKey)
	f.callbacks = append(f.callbacks, cb)
	inline, inlineSet := f.inline, f.inlineSet
	f.mu.Unlock()
	if inlineSet {
		if inline == nil {
			cb.OnUnderlyingSuccess()
		} else {
			cb.OnUnderlyingFailure(inline)
		}
	}
}

func (f *fakeInitializer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeInitializer) callback(i int) sdk.InitCallback {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callbacks[i]
}

type outcome struct {
	id  int
	err error
}

type recorder struct {
	id  int
	out chan outcome
}

func (r recorder) OnSuccess()        { r.out <- outcome{id: r.id} }
func (r recorder) OnError(err error) { r.out <- outcome{id: r.id, err: err} }

func newCoordinator(t *testing.T, init sdk.Initializer, opts ...Option) *Coordinator {
	t.Helper()
	q := async.NewQueue("coordinator-test")
	t.Cleanup(q.Close)
	return New("testnet", init, append([]Option{WithExecutor(q)}, opts...)...)
}

func collect(t *testing.T, out <-chan outcome, n int) []outcome {
	t.Helper()
	got := make([]outcome, 0, n)
	deadline := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case o := <-out:
			got = append(got, o)
		case <-deadline:
			t.Fatalf("timed out waiting for outcomes: got %d of %d", len(got), n)
		}
	}
	return got
}

func requireQuiet(t *testing.T, out <-chan outcome) {
	t.Helper()
	select {
	case o := <-out:
		t.Fatalf("unexpected extra notification: %+v", o)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestInitializeDeduplicatesConcurrentCallers(t *testing.T) {
	fake := &fakeInitializer{}
	c := newCoordinator(t, fake)

	const callers = 64
	out := make(chan outcome, callers*2)
	var wg conc.WaitGroup
	for i := 0; i < callers; i++ {
		id := i
		wg.Go(func() {
			if err := c.Initialize("app1", recorder{id: id, out: out}); err != nil {
				t.Errorf("initialize %d: %v", id, err)
			}
		})
	}
	wg.Wait()

	require.Equal(t, 1, fake.Calls())
	state, _ := c.State()
	require.Equal(t, StateInitializing, state)

	fake.callback(0).OnUnderlyingSuccess()

	got := collect(t, out, callers)
	seen := make(map[int]bool, callers)
	for _, o := range got {
		require.NoError(t, o.err)
		require.False(t, seen[o.id], "listener %d notified twice", o.id)
		seen[o.id] = true
	}
	requireQuiet(t, out)
	require.Equal(t, 1, fake.Calls())
}

func TestFailureFansOutReasonToEveryWaiter(t *testing.T) {
	fake := &fakeInitializer{}
	c := newCoordinator(t, fake)
	reason := errors.New("invalid app key")

	out := make(chan outcome, 8)
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Initialize("app1", recorder{id: i, out: out}))
	}
	fake.callback(0).OnUnderlyingFailure(reason)

	for _, o := range collect(t, out, 3) {
		require.Error(t, o.err)
		require.ErrorIs(t, o.err, reason)
		require.True(t, errs.Is(o.err, errs.CodeInitializationFailed))
	}
	state, cached := c.State()
	require.Equal(t, StateFailed, state)
	require.ErrorIs(t, cached, reason)
}

func TestLateCallerReceivesCachedSuccess(t *testing.T) {
	fake := &fakeInitializer{}
	c := newCoordinator(t, fake)

	out := make(chan outcome, 4)
	require.NoError(t, c.Initialize("app1", recorder{id: 1, out: out}))
	fake.callback(0).OnUnderlyingSuccess()
	collect(t, out, 1)

	require.NoError(t, c.Initialize("app1", recorder{id: 2, out: out}))
	got := collect(t, out, 1)
	require.Equal(t, 2, got[0].id)
	require.NoError(t, got[0].err)
	require.Equal(t, 1, fake.Calls())
}

func TestCachedFailureIsPermanentByDefault(t *testing.T) {
	fake := &fakeInitializer{}
	c := newCoordinator(t, fake)
	reason := errors.New("sdk unavailable")

	out := make(chan outcome, 4)
	require.NoError(t, c.Initialize("app1", recorder{id: 1, out: out}))
	fake.callback(0).OnUnderlyingFailure(reason)
	collect(t, out, 1)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Initialize("app1", recorder{id: 10 + i, out: out}))
	}
	for _, o := range collect(t, out, 3) {
		require.ErrorIs(t, o.err, reason)
	}
	require.Equal(t, 1, fake.Calls())
}

func TestRetryPolicyStartsFreshAttempt(t *testing.T) {
	fake := &fakeInitializer{}
	c := newCoordinator(t, fake, WithFailurePolicy(FailureRetry))

	out := make(chan outcome, 8)
	require.NoError(t, c.Initialize("app1", recorder{id: 1, out: out}))
	fake.callback(0).OnUnderlyingFailure(errors.New("timeout"))
	require.Error(t, collect(t, out, 1)[0].err)

	require.NoError(t, c.Initialize("app1", recorder{id: 2, out: out}))
	require.NoError(t, c.Initialize("app1", recorder{id: 3, out: out}))
	require.Equal(t, 2, fake.Calls())

	fake.callback(1).OnUnderlyingSuccess()
	for _, o := range collect(t, out, 2) {
		require.NoError(t, o.err)
	}
	state, reason := c.State()
	require.Equal(t, StateReady, state)
	require.NoError(t, reason)
}

func TestStaleAttemptCallbacksAreIgnored(t *testing.T) {
	fake := &fakeInitializer{}
	c := newCoordinator(t, fake, WithFailurePolicy(FailureRetry))

	out := make(chan outcome, 8)
	require.NoError(t, c.Initialize("app1", recorder{id: 1, out: out}))
	first := fake.callback(0)
	first.OnUnderlyingFailure(errors.New("first"))
	collect(t, out, 1)

	require.NoError(t, c.Initialize("app1", recorder{id: 2, out: out}))
	// A duplicate callback from the first attempt must not settle the second.
	first.OnUnderlyingSuccess()
	first.OnUnderlyingFailure(errors.New("again"))
	requireQuiet(t, out)
	state, _ := c.State()
	require.Equal(t, StateInitializing, state)

	fake.callback(1).OnUnderlyingSuccess()
	got := collect(t, out, 1)
	require.Equal(t, 2, got[0].id)
	require.NoError(t, got[0].err)

	// Repeated terminal callbacks are ignored once settled.
	fake.callback(1).OnUnderlyingFailure(errors.New("late"))
	state, _ = c.State()
	require.Equal(t, StateReady, state)
}

func TestCoordinatorCallbackMethodsSettleCurrentAttempt(t *testing.T) {
	fake := &fakeInitializer{}
	c := newCoordinator(t, fake)

	out := make(chan outcome, 2)
	require.NoError(t, c.Initialize("app1", recorder{id: 1, out: out}))
	c.OnUnderlyingFailure(nil)

	got := collect(t, out, 1)
	require.Error(t, got[0].err)
	require.True(t, errs.Is(got[0].err, errs.CodeInitializationFailed))
	require.ErrorContains(t, got[0].err, "sdk reported failure without a reason")

	var reason *errs.E
	require.ErrorAs(t, errors.Unwrap(got[0].err), &reason)
	require.Equal(t, "testnet", reason.Network)
	require.Equal(t, errs.CodeNetwork, reason.Code)
}

func TestSynchronousSDKCallbackDoesNotDeadlock(t *testing.T) {
	fake := &fakeInitializer{inlineSet: true}
	c := newCoordinator(t, fake)

	out := make(chan outcome, 2)
	require.NoError(t, c.Initialize("app1", recorder{id: 1, out: out}))
	require.NoError(t, collect(t, out, 1)[0].err)
	state, _ := c.State()
	require.Equal(t, StateReady, state)
}

func TestListenerMayReenterCoordinator(t *testing.T) {
	fake := &fakeInitializer{}
	c := newCoordinator(t, fake)

	done := make(chan error, 1)
	var nested atomic.Bool
	require.NoError(t, c.Initialize("app1", ListenerFuncs{
		Success: func() {
			err := c.Initialize("app1", ListenerFuncs{
				Success: func() {
					nested.Store(true)
					done <- nil
				},
				Error: func(err error) { done <- err },
			})
			if err != nil {
				done <- err
			}
		},
	}))
	fake.callback(0).OnUnderlyingSuccess()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reentrant Initialize deadlocked")
	}
	require.True(t, nested.Load())
	require.Equal(t, 1, fake.Calls())
}

func TestCachedOutcomeIsNotDeliveredOnCallerStack(t *testing.T) {
	fake := &fakeInitializer{inlineSet: true}
	c := newCoordinator(t, fake)
	out := make(chan outcome, 2)
	require.NoError(t, c.Initialize("app1", recorder{id: 1, out: out}))
	collect(t, out, 1)

	var mu sync.Mutex
	mu.Lock()
	delivered := make(chan struct{})
	require.NoError(t, c.Initialize("app1", ListenerFuncs{Success: func() {
		mu.Lock()
		close(delivered)
		mu.Unlock()
	}}))
	mu.Unlock()

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("cached outcome not delivered")
	}
}

func TestInitializeRejectsNilListener(t *testing.T) {
	c := newCoordinator(t, &fakeInitializer{})
	err := c.Initialize("app1", nil)
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestClosedExecutorStillNotifies(t *testing.T) {
	fake := &fakeInitializer{}
	q := async.NewQueue("closed")
	q.Close()
	c := New("testnet", fake, WithExecutor(q))

	out := make(chan outcome, 1)
	require.NoError(t, c.Initialize("app1", recorder{id: 1, out: out}))
	fake.callback(0).OnUnderlyingSuccess()
	require.NoError(t, collect(t, out, 1)[0].err)
}

func TestStateStrings(t *testing.T) {
	require.Equal(t, "uninitialized", StateUninitialized.String())
	require.Equal(t, "initializing", StateInitializing.String())
	require.Equal(t, "ready", StateReady.String())
	require.Equal(t, "failed", StateFailed.String())
	require.Equal(t, "cached", FailureCached.String())
	require.Equal(t, "retry", FailureRetry.String())
}

func TestParseFailurePolicy(t *testing.T) {
	p, err := ParseFailurePolicy("alpha", " Retry ")
	require.NoError(t, err)
	require.Equal(t, FailureRetry, p)

	p, err = ParseFailurePolicy("alpha", "")
	require.NoError(t, err)
	require.Equal(t, FailureCached, p)

	_, err = ParseFailurePolicy("alpha", "sometimes")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeInvalid))
	var envelope *errs.E
	require.ErrorAs(t, err, &envelope)
	require.Equal(t, "alpha", envelope.Network)
}

type warnLogger struct {
	mu    sync.Mutex
	warns []string
}

func (w *warnLogger) Debug(string, ...observability.Field) {}
func (w *warnLogger) Info(string, ...observability.Field)  {}
func (w *warnLogger) Error(string, ...observability.Field) {}
func (w *warnLogger) Warn(msg string, _ ...observability.Field) {
	w.mu.Lock()
	w.warns = append(w.warns, msg)
	w.mu.Unlock()
}

func (w *warnLogger) Warns() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.warns...)
}

func TestAppKeyMismatchWarnsInEveryState(t *testing.T) {
	cases := []struct {
		name   string
		settle error
		warn   string
	}{
		{name: "ready", warn: "sdk already initialized with a different app key"},
		{name: "failed", settle: errors.New("bad key"), warn: "sdk init already failed with a different app key"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := &fakeInitializer{}
			logger := &warnLogger{}
			c := newCoordinator(t, fake, WithLogger(logger))

			out := make(chan outcome, 4)
			require.NoError(t, c.Initialize("app1", recorder{id: 1, out: out}))
			require.NoError(t, c.Initialize("app2", recorder{id: 2, out: out}))
			require.Equal(t, []string{"init already in flight with a different app key"}, logger.Warns())

			if tc.settle == nil {
				fake.callback(0).OnUnderlyingSuccess()
			} else {
				fake.callback(0).OnUnderlyingFailure(tc.settle)
			}
			collect(t, out, 2)

			require.NoError(t, c.Initialize("app1", recorder{id: 3, out: out}))
			require.NoError(t, c.Initialize("app3", recorder{id: 4, out: out}))
			got := collect(t, out, 2)
			for _, o := range got {
				require.Equal(t, tc.settle == nil, o.err == nil)
			}
			require.Equal(t, []string{
				"init already in flight with a different app key",
				tc.warn,
			}, logger.Warns())
			require.Equal(t, 1, fake.Calls())
		})
	}
}
