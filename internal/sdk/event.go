package sdk

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// EventKind classifies a vendor callback.
type EventKind uint8

const (
	KindUnknown EventKind = iota
	KindLoaded
	KindLoadFailed
	KindShown
	KindShowFailed
	KindImpression
	KindClicked
	KindRewarded
	KindClosed
	KindExpired
)

var kindNames = map[EventKind]string{
	KindUnknown:    "unknown",
	KindLoaded:     "loaded",
	KindLoadFailed: "load_failed",
	KindShown:      "shown",
	KindShowFailed: "show_failed",
	KindImpression: "impression",
	KindClicked:    "clicked",
	KindRewarded:   "rewarded",
	KindClosed:     "closed",
	KindExpired:    "expired",
}

func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseEventKind resolves a kind from its snake_case name.
func ParseEventKind(name string) (EventKind, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for kind, n := range kindNames {
		if kind != KindUnknown && n == normalized {
			return kind, nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown event kind %q", name)
}

// Reward describes the payout attached to a rewarded-ad completion.
type Reward struct {
	Type   string
	Amount decimal.Decimal
}

// Event is the canonical frame a vendor binding hands to its global listener.
// Payload carries vendor data through unmodified.
type Event struct {
	Network string
	Key     string
	Kind    EventKind
	Reason  error
	Reward  *Reward
	Payload any
}

// KindSet is a set of event kinds, used to designate terminal kinds per network.
type KindSet map[EventKind]struct{}

// NewKindSet builds a KindSet from kinds.
func NewKindSet(kinds ...EventKind) KindSet {
	set := make(KindSet, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return set
}

// DefaultTerminalKinds returns the kinds after which no further events for a key are expected.
func DefaultTerminalKinds() KindSet {
	return NewKindSet(KindLoadFailed, KindShowFailed, KindClosed, KindExpired)
}

// Has reports whether kind is in the set.
func (s KindSet) Has(kind EventKind) bool {
	_, ok := s[kind]
	return ok
}

// IsTerminal reports whether evt closes its key's lifecycle.
func (s KindSet) IsTerminal(evt Event) bool {
	return s.Has(evt.Kind)
}
