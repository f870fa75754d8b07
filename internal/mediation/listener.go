package mediation

import (
	"github.com/coachpo/mediation/errs"
	"github.com/coachpo/mediation/internal/sdk"
)

// AdListener receives the lifecycle of one ad request. Callbacks arrive on
// vendor or executor goroutines, never on the goroutine that called Load or Show.
//
// OnLoadFailed, OnShowFailed and OnClosed are final: nothing follows them.
type AdListener interface {
	OnLoaded(req *Request)
	OnLoadFailed(req *Request, err *errs.E)
	OnShown(req *Request)
	OnShowFailed(req *Request, err *errs.E)
	OnClicked(req *Request)
	OnRewarded(req *Request, reward sdk.Reward)
	OnClosed(req *Request)
}

// BaseAdListener implements AdListener with no-ops. Embed it to handle only
// the callbacks you need.
type BaseAdListener struct{}

func (BaseAdListener) OnLoaded(*Request)               {}
func (BaseAdListener) OnLoadFailed(*Request, *errs.E)  {}
func (BaseAdListener) OnShown(*Request)                {}
func (BaseAdListener) OnShowFailed(*Request, *errs.E)  {}
func (BaseAdListener) OnClicked(*Request)              {}
func (BaseAdListener) OnRewarded(*Request, sdk.Reward) {}
func (BaseAdListener) OnClosed(*Request)               {}

var _ AdListener = BaseAdListener{}
