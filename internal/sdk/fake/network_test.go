package fake

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/mediation/internal/sdk"
)

type initResult struct {
	mu      sync.Mutex
	success int
	reasons []error
}

func (r *initResult) OnUnderlyingSuccess() {
	r.mu.Lock()
	r.success++
	r.mu.Unlock()
}

func (r *initResult) OnUnderlyingFailure(reason error) {
	r.mu.Lock()
	r.reasons = append(r.reasons, reason)
	r.mu.Unlock()
}

func (r *initResult) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.success, len(r.reasons)
}

type sinkRecorder struct {
	mu     sync.Mutex
	events []sdk.Event
}

func (s *sinkRecorder) Dispatch(_ string, evt sdk.Event) {
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
}

func (s *sinkRecorder) kinds() []sdk.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sdk.EventKind, 0, len(s.events))
	for _, evt := range s.events {
		out = append(out, evt.Kind)
	}
	return out
}

func TestManualInitCompletion(t *testing.T) {
	n := New(Options{Name: "manual"})
	t.Cleanup(n.Close)

	res := &initResult{}
	n.Init("app-1", res)
	require.Equal(t, 1, n.PendingInits())
	require.ErrorIs(t, n.Load("zoneA", nil), ErrNotInitialized)

	require.Equal(t, 1, n.CompleteInit(nil))
	success, failures := res.counts()
	require.Equal(t, 1, success)
	require.Equal(t, 0, failures)
	require.Equal(t, []string{"app-1"}, n.AppKeys())
}

func TestAutoInitFailure(t *testing.T) {
	n := New(Options{Name: "auto", AutoInit: true, InitDelay: time.Millisecond, InitError: "bad app key"})
	t.Cleanup(n.Close)

	res := &initResult{}
	n.Init("app-1", res)
	require.Eventually(t, func() bool {
		_, failures := res.counts()
		return failures == 1
	}, time.Second, 5*time.Millisecond)
	require.EqualError(t, res.reasons[0], "bad app key")
}

func TestInstallFailuresThenSuccess(t *testing.T) {
	n := New(Options{InstallFailures: 1})
	sink := &sinkRecorder{}
	require.Error(t, n.RegisterGlobalListener(sink))
	require.Nil(t, n.GlobalListener())
	require.NoError(t, n.RegisterGlobalListener(sink))
	require.Equal(t, 2, n.InstallCalls())
	require.Equal(t, sdk.Sink[string, sdk.Event](sink), n.GlobalListener())
}

func TestLoadShowLifecycle(t *testing.T) {
	n := New(Options{Name: "life", LoadDelay: time.Millisecond, ShowDelay: time.Millisecond, RewardAmount: decimal.RequireFromString("2.5")})
	t.Cleanup(n.Close)
	sink := &sinkRecorder{}
	require.NoError(t, n.RegisterGlobalListener(sink))
	n.Init("app", &initResult{})
	n.CompleteInit(nil)

	require.ErrorIs(t, n.Show("zoneA"), ErrNotLoaded)
	require.NoError(t, n.Load("zoneA", map[string]string{"placement": "main"}))
	require.Eventually(t, func() bool { return len(sink.kinds()) == 1 }, time.Second, 2*time.Millisecond)
	require.Equal(t, []sdk.EventKind{sdk.KindLoaded}, sink.kinds())

	require.NoError(t, n.Show("zoneA"))
	require.Eventually(t, func() bool { return len(sink.kinds()) == 5 }, time.Second, 2*time.Millisecond)
	require.Equal(t, []sdk.EventKind{
		sdk.KindLoaded, sdk.KindShown, sdk.KindImpression, sdk.KindRewarded, sdk.KindClosed,
	}, sink.kinds())

	sink.mu.Lock()
	reward := sink.events[3].Reward
	sink.mu.Unlock()
	require.NotNil(t, reward)
	require.True(t, reward.Amount.Equal(decimal.RequireFromString("2.5")))
	require.Equal(t, "life", sink.events[0].Network)
	require.Equal(t, []LoadCall{{Key: "zoneA", Params: map[string]string{"placement": "main"}}}, n.Loads())
	require.Equal(t, []string{"zoneA"}, n.Shows())
}

func TestConfiguredFailures(t *testing.T) {
	n := New(Options{FailLoadKeys: []string{"empty"}, LoadDelay: time.Millisecond})
	t.Cleanup(n.Close)
	sink := &sinkRecorder{}
	require.NoError(t, n.RegisterGlobalListener(sink))
	n.CompleteInit(nil)

	require.NoError(t, n.Load("empty", nil))
	require.Eventually(t, func() bool { return len(sink.kinds()) == 1 }, time.Second, 2*time.Millisecond)
	require.Equal(t, sdk.KindLoadFailed, sink.kinds()[0])
	require.ErrorIs(t, n.Show("empty"), ErrNotLoaded)
}

func TestHijackReplacesListenerSilently(t *testing.T) {
	n := New(Options{})
	ours, theirs := &sinkRecorder{}, &sinkRecorder{}
	require.NoError(t, n.RegisterGlobalListener(ours))
	n.Hijack(theirs)
	n.Emit("zoneA", sdk.KindClicked)

	require.Empty(t, ours.kinds())
	require.Equal(t, []sdk.EventKind{sdk.KindClicked}, theirs.kinds())
	require.Equal(t, 1, n.InstallCalls())
}

func TestClosedNetworkRejectsWork(t *testing.T) {
	n := New(Options{})
	n.CompleteInit(nil)
	n.Close()
	require.ErrorIs(t, n.Load("zoneA", nil), ErrClosed)

	res := &initResult{}
	n.Init("late", res)
	require.Eventually(t, func() bool {
		_, failures := res.counts()
		return failures == 1
	}, time.Second, 2*time.Millisecond)
	require.True(t, errors.Is(res.reasons[0], ErrClosed))
}

func TestCloseDropsPendingCallbacks(t *testing.T) {
	n := New(Options{LoadDelay: time.Hour})
	sink := &sinkRecorder{}
	require.NoError(t, n.RegisterGlobalListener(sink))
	n.Init("app", &initResult{})
	n.CompleteInit(nil)
	require.NoError(t, n.Load("zoneA", nil))

	closed := make(chan struct{})
	go func() {
		n.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close blocked on a pending load")
	}
	require.Empty(t, sink.kinds())
	n.Close()
}

func TestInstallDelayStallsUntilClose(t *testing.T) {
	n := New(Options{InstallDelay: 30 * time.Millisecond})
	started := time.Now()
	require.NoError(t, n.RegisterGlobalListener(&sinkRecorder{}))
	require.GreaterOrEqual(t, time.Since(started), 30*time.Millisecond)
	require.Equal(t, 1, n.InstallCalls())

	stalled := New(Options{InstallDelay: time.Hour})
	done := make(chan error, 1)
	go func() { done <- stalled.RegisterGlobalListener(&sinkRecorder{}) }()
	stalled.Close()
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("close did not release a stalled install")
	}
	require.Equal(t, 0, stalled.InstallCalls())
	n.Close()
}

func TestOptionsFromConfig(t *testing.T) {
	opts, err := OptionsFromConfig("vungle", map[string]any{
		"init_delay":       "15ms",
		"load_delay":       5,
		"install_failures": float64(2),
		"fail_load":        []any{"zoneX", " "},
		"fail_show":        "zoneY",
		"reward_type":      "gems",
		"reward_amount":    "0.75",
	})
	require.NoError(t, err)
	require.Equal(t, "vungle", opts.Name)
	require.True(t, opts.AutoInit)
	require.Equal(t, 15*time.Millisecond, opts.InitDelay)
	require.Equal(t, 5*time.Millisecond, opts.LoadDelay)
	require.Equal(t, 2, opts.InstallFailures)
	require.Equal(t, []string{"zoneX"}, opts.FailLoadKeys)
	require.Equal(t, []string{"zoneY"}, opts.FailShowKeys)
	require.Equal(t, "gems", opts.RewardType)
	require.True(t, opts.RewardAmount.Equal(decimal.RequireFromString("0.75")))

	_, err = OptionsFromConfig("bad", map[string]any{"reward_amount": true})
	require.Error(t, err)
}
