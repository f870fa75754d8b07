package mediation

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/mediation/errs"
	"github.com/coachpo/mediation/internal/config"
	"github.com/coachpo/mediation/internal/demux"
	"github.com/coachpo/mediation/internal/sdk"
)

func testConfig() config.AppConfig {
	cfg := config.Default()
	cfg.Dispatch.ShutdownTimeout = "1s"
	cfg.Networks = []config.NetworkSpec{
		{
			Name:          "alpha",
			Kind:          "fake",
			AppKey:        "alpha-app",
			FailurePolicy: config.PolicyCached,
			Options:       map[string]any{"init_delay": "2ms", "load_delay": "1ms", "show_delay": "1ms"},
		},
		{
			Name:          "beta",
			Kind:          "fake",
			AppKey:        "beta-app",
			FailurePolicy: config.PolicyRetry,
			Options:       map[string]any{"init_error": "sdk offline", "init_delay": "1ms"},
		},
	}
	return cfg
}

func TestMediatorRoutesRequestsPerNetwork(t *testing.T) {
	metrics := demux.NewMetrics(prometheus.NewRegistry())
	m, err := NewMediator(context.Background(), testConfig(), DefaultRegistry(), WithMetrics(metrics))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	require.Equal(t, []string{"alpha", "beta"}, m.Networks())

	alpha, beta := newAdRecorder(), newAdRecorder()
	reqA, err := m.Load("alpha", "zoneA", nil, alpha)
	require.NoError(t, err)
	_, err = m.Load("beta", "zoneA", nil, beta)
	require.NoError(t, err)

	require.Equal(t, "loaded", alpha.next(t).kind)
	failed := beta.next(t)
	require.Equal(t, "load_failed", failed.kind)
	require.Equal(t, errs.CodeInitializationFailed, failed.err.Code)
	require.Equal(t, "beta", failed.err.Network)

	require.NoError(t, reqA.Show())
	for _, want := range []string{"shown", "rewarded", "closed"} {
		require.Equal(t, want, alpha.next(t).kind)
	}

	snaps := m.Snapshots()
	require.Len(t, snaps, 2)
	require.Equal(t, "ready", snaps[0].State)
	require.True(t, snaps[0].ListenerActive)
	require.Equal(t, "*****-app", snaps[0].AppKey)
	require.Equal(t, "failed", snaps[1].State)
	require.False(t, snaps[1].ListenerActive)
}

func TestMediatorUnknownNetwork(t *testing.T) {
	m, err := NewMediator(context.Background(), testConfig(), DefaultRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	_, err = m.Load("gamma", "zoneA", nil, newAdRecorder())
	require.True(t, errs.Is(err, errs.CodeNotFound))
	_, err = m.Binding("gamma")
	require.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestMediatorRejectsUnknownKind(t *testing.T) {
	cfg := testConfig()
	cfg.Networks[1].Kind = "ironsource"
	_, err := NewMediator(context.Background(), cfg, DefaultRegistry())
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeNotFound))

	_, err = NewMediator(context.Background(), cfg, nil)
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestMediatorCloseIsIdempotentAndDropsRegistrations(t *testing.T) {
	m, err := NewMediator(context.Background(), testConfig(), DefaultRegistry())
	require.NoError(t, err)

	rec := newAdRecorder()
	req, err := m.Load("alpha", "zoneA", nil, rec)
	require.NoError(t, err)
	require.Equal(t, "loaded", rec.next(t).kind)

	b, err := m.Binding("alpha")
	require.NoError(t, err)
	require.Equal(t, 1, b.Demux().Len())

	require.NoError(t, m.Close(context.Background()))
	require.NoError(t, m.Close(context.Background()))
	require.Equal(t, 0, b.Demux().Len())

	b.Demux().Dispatch("zoneA", sdk.Event{Key: "zoneA", Kind: sdk.KindClicked})
	rec.quiet(t)
	runtime.KeepAlive(req)
}

func TestRegistryCreate(t *testing.T) {
	reg := DefaultRegistry()
	require.Equal(t, []string{"fake"}, reg.Kinds())

	network, err := reg.Create(context.Background(), config.NetworkSpec{Name: "alpha", Kind: "fake"})
	require.NoError(t, err)
	require.Equal(t, "alpha", network.Name())

	_, err = reg.Create(context.Background(), config.NetworkSpec{Name: "alpha", Kind: "fake",
		Options: map[string]any{"reward_amount": []any{1}}})
	require.ErrorContains(t, err, "instantiate network alpha(fake)")

	require.Panics(t, func() { reg.Register("nil", nil) })
}

func TestSanitizeSettings(t *testing.T) {
	clean := SanitizeSettings(map[string]any{
		"load_delay": "5ms",
		"App-Key":    "abc",
		"nested": map[string]any{
			"client_secret": "x",
			"region":        "eu",
		},
		"list": []any{map[string]any{"token": "t"}, "keep"},
	})
	require.Equal(t, map[string]any{
		"load_delay": "5ms",
		"nested":     map[string]any{"region": "eu"},
		"list":       []any{"keep"},
	}, clean)
	require.Nil(t, SanitizeSettings(nil))
	require.Equal(t, "***", maskAppKey("abc"))
	require.Equal(t, "****5678", maskAppKey("12345678"))
}

func TestMediatorCloseHonorsTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Dispatch.ShutdownTimeout = "20ms"
	m, err := NewMediator(context.Background(), cfg, DefaultRegistry())
	require.NoError(t, err)

	release := make(chan struct{})
	require.NoError(t, m.queue.Post(func() { <-release }))
	start := time.Now()
	err = m.Close(context.Background())
	require.Error(t, err)
	require.Less(t, time.Since(start), time.Second)
	close(release)
}
