package goinfer

import (
	"encoding/json"
	"strings"
)

// ResultPredicate reports whether a system event carries the final result.
type ResultPredicate func(ev StreamEvent) bool

// DefaultResultPredicate matches goinfer's terminal message: a system
// event whose content is the word "result", or whose content is itself
// a structured object.
func DefaultResultPredicate(ev StreamEvent) bool {
	if ev.Kind != KindSystem {
		return false
	}
	return ev.Content == "result" || (ev.Content == "" && len(ev.Payload) > 0)
}

// Aggregator folds stream events into a CompletionResult. It starts in
// StateAccumulating and moves once, to StateComplete on the result event
// or to StateAborted when the stream ends without one. Events arriving
// after that are ignored.
//
// An Aggregator is not safe for concurrent use.
type Aggregator struct {
	state    State
	tokens   strings.Builder
	result   *ResultPayload
	hasText  bool
	reason   string
	isResult ResultPredicate
	observer Observer
}

// NewAggregator returns an Aggregator. A nil predicate means
// DefaultResultPredicate; observer may be nil.
func NewAggregator(isResult ResultPredicate, observer Observer) *Aggregator {
	if isResult == nil {
		isResult = DefaultResultPredicate
	}
	return &Aggregator{
		state:    StateAccumulating,
		isResult: isResult,
		observer: observer,
	}
}

// State returns the current state.
func (a *Aggregator) State() State {
	return a.state
}

// Tokens returns the token buffer accumulated so far.
func (a *Aggregator) Tokens() string {
	return a.tokens.String()
}

// Feed applies one event and returns the resulting state.
func (a *Aggregator) Feed(ev StreamEvent) State {
	if a.state != StateAccumulating {
		return a.state
	}

	switch {
	case ev.Kind == KindToken:
		a.tokens.WriteString(ev.Content)
		if a.observer != nil {
			a.observer.OnToken(ev.Content)
		}
	case ev.Kind == KindSystem && a.isResult(ev):
		a.result, a.hasText = decodeResult(ev)
		a.state = StateComplete
	default:
		if a.observer != nil {
			a.observer.OnSystem(ev)
		}
	}
	return a.state
}

// Skip records a frame that failed to decode. The state does not change.
func (a *Aggregator) Skip(err error) {
	if a.observer != nil && a.state == StateAccumulating {
		a.observer.OnDecodeError(err)
	}
}

// Abort ends aggregation without a result. It is a no-op once the
// aggregator has left StateAccumulating.
func (a *Aggregator) Abort(reason string) {
	if a.state != StateAccumulating {
		return
	}
	a.state = StateAborted
	a.reason = reason
}

// Result returns the outcome so far. Before a terminal state it reports
// the accumulated tokens as an incomplete result.
func (a *Aggregator) Result() *CompletionResult {
	res := &CompletionResult{
		Tokens: a.tokens.String(),
		State:  a.state,
	}
	if a.state == StateComplete && a.result != nil {
		res.Text = a.result.Text
		if !a.hasText {
			res.Text = res.Tokens
		}
		res.Stats = a.result.Stats
		res.Raw = a.result.Raw
		return res
	}
	res.Text = res.Tokens
	res.Incomplete = true
	res.AbortReason = a.reason
	return res
}

// decodeResult reads the result payload and reports whether it carried a
// string text field. Raw is kept either way.
func decodeResult(ev StreamEvent) (*ResultPayload, bool) {
	res := &ResultPayload{Raw: ev.Payload}
	if len(ev.Payload) == 0 {
		return res, false
	}
	var wire struct {
		Text  *string `json:"text"`
		Stats *Stats  `json:"stats"`
	}
	if err := json.Unmarshal(ev.Payload, &wire); err != nil {
		return res, false
	}
	res.Stats = wire.Stats
	if wire.Text == nil {
		return res, false
	}
	res.Text = *wire.Text
	return res, true
}
