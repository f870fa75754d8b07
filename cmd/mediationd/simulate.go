package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/mediation/errs"
	"github.com/coachpo/mediation/internal/mediation"
	"github.com/coachpo/mediation/internal/sdk"
)

type outcome string

const (
	outcomeCompleted   outcome = "completed"
	outcomeLoadFailed  outcome = "load_failed"
	outcomeShowFailed  outcome = "show_failed"
	outcomeRejected    outcome = "rejected"
	outcomeTimedOut    outcome = "timed_out"
	outcomeInterrupted outcome = "interrupted"
)

type networkSummary struct {
	Network  string                     `json:"network"`
	Requests int                        `json:"requests"`
	Outcomes map[outcome]int            `json:"outcomes"`
	Reasons  map[string]int             `json:"failureReasons,omitempty"`
	Rewards  map[string]decimal.Decimal `json:"rewards,omitempty"`
}

type summaryBuilder struct {
	mu  sync.Mutex
	sum networkSummary
}

func newSummaryBuilder(network string, requests int) *summaryBuilder {
	return &summaryBuilder{sum: networkSummary{
		Network:  network,
		Requests: requests,
		Outcomes: make(map[outcome]int),
		Reasons:  make(map[string]int),
		Rewards:  make(map[string]decimal.Decimal),
	}}
}

func (b *summaryBuilder) record(res requestResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sum.Outcomes[res.outcome]++
	if res.err != nil {
		b.sum.Reasons[string(errs.CanonicalOf(res.err))]++
	}
	for _, r := range res.rewards {
		b.sum.Rewards[r.Type] = b.sum.Rewards[r.Type].Add(r.Amount)
	}
}

func (b *summaryBuilder) result() networkSummary {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sum
}

// simulate issues opts.requests ad requests per network, at most
// opts.concurrency at once, and walks each one through load and show.
func simulate(ctx context.Context, m *mediation.Mediator, opts *runOptions) []networkSummary {
	networks := m.Networks()
	builders := make([]*summaryBuilder, len(networks))

	var wg conc.WaitGroup
	for i, network := range networks {
		b := newSummaryBuilder(network, opts.requests)
		builders[i] = b
		wg.Go(func() {
			p := pool.New().WithMaxGoroutines(max(1, opts.concurrency))
			for n := 0; n < opts.requests; n++ {
				key := fmt.Sprintf("zone-%d", n)
				p.Go(func() {
					b.record(simulateRequest(ctx, m, network, key, opts.timeout))
				})
			}
			p.Wait()
		})
	}
	wg.Wait()

	out := make([]networkSummary, 0, len(builders))
	for _, b := range builders {
		out = append(out, b.result())
	}
	return out
}

type requestResult struct {
	outcome outcome
	err     error
	rewards []sdk.Reward
}

func simulateRequest(ctx context.Context, m *mediation.Mediator, network, key string, timeout time.Duration) requestResult {
	l := newSimListener()
	req, err := m.Load(network, key, map[string]string{"placement": key}, l)
	if err != nil {
		return requestResult{outcome: outcomeRejected, err: err}
	}
	defer req.Destroy()

	loadCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case <-l.loaded:
	case e := <-l.failed:
		return failed(outcomeLoadFailed, e)
	case <-loadCtx.Done():
		return timeoutResult(ctx)
	}

	if err := req.Show(); err != nil {
		return requestResult{outcome: outcomeShowFailed, err: err}
	}
	showCtx, cancelShow := context.WithTimeout(ctx, timeout)
	defer cancelShow()
	select {
	case <-l.closed:
		return requestResult{outcome: outcomeCompleted, rewards: l.collectedRewards()}
	case e := <-l.failed:
		return failed(outcomeShowFailed, e)
	case <-showCtx.Done():
		return timeoutResult(ctx)
	}
}

func failed(o outcome, e *errs.E) requestResult {
	if e == nil {
		return requestResult{outcome: o}
	}
	return requestResult{outcome: o, err: e}
}

func timeoutResult(parent context.Context) requestResult {
	if parent.Err() != nil {
		return requestResult{outcome: outcomeInterrupted}
	}
	return requestResult{outcome: outcomeTimedOut}
}

// simListener turns ad callbacks into channel signals for simulateRequest.
type simListener struct {
	mediation.BaseAdListener

	loaded chan struct{}
	closed chan struct{}
	failed chan *errs.E

	mu      sync.Mutex
	rewards []sdk.Reward
}

func newSimListener() *simListener {
	return &simListener{
		loaded: make(chan struct{}, 1),
		closed: make(chan struct{}, 1),
		failed: make(chan *errs.E, 1),
	}
}

func (l *simListener) OnLoaded(*mediation.Request) { l.loaded <- struct{}{} }

func (l *simListener) OnLoadFailed(_ *mediation.Request, err *errs.E) { l.failed <- err }

func (l *simListener) OnShowFailed(_ *mediation.Request, err *errs.E) { l.failed <- err }

func (l *simListener) OnRewarded(_ *mediation.Request, reward sdk.Reward) {
	l.mu.Lock()
	l.rewards = append(l.rewards, reward)
	l.mu.Unlock()
}

func (l *simListener) OnClosed(*mediation.Request) { l.closed <- struct{}{} }

func (l *simListener) collectedRewards() []sdk.Reward {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]sdk.Reward(nil), l.rewards...)
}
