// Package router resolves which subscriptions receive an event.
//
// Matching is fail-closed: a filter that cannot be parsed, a payload that is
// not valid JSON, a missing field or a type mismatch all count as a
// non-match. A false match could leak one tenant's data to a subscriber whose
// filter was never proven satisfied; a false non-match is recoverable by
// replay.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/alfredjeanlab/kbus/internal/model"
)

// SubscriptionSource lists the ACTIVE subscriptions for an event type.
// registry.Subscriptions satisfies it.
type SubscriptionSource interface {
	ListActiveByEventType(ctx context.Context, eventType string) ([]*model.Subscription, error)
}

// Router matches events against active subscriptions. Parsed filters are
// cached per event type and subscription, reparsed when the stored expression
// changes and dropped once the lookup stops returning the subscription.
type Router struct {
	subs   SubscriptionSource
	logger *slog.Logger

	// filters maps event type to a subscription ID -> filter snapshot.
	// Snapshots are replaced, never mutated, once stored.
	mu      sync.RWMutex
	filters map[string]map[string]parsedFilter
}

type parsedFilter struct {
	raw    string
	filter *model.Filter
	err    error
}

// New creates a router.
func New(subs SubscriptionSource, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{subs: subs, logger: logger, filters: make(map[string]map[string]parsedFilter)}
}

// Route returns the active subscriptions for e.Type whose filters match e, in
// lookup order. Only a failed lookup is an error; individual bad filters are
// skipped.
func (r *Router) Route(ctx context.Context, e *model.Event) ([]*model.Subscription, error) {
	candidates, err := r.subs.ListActiveByEventType(ctx, e.Type)
	if err != nil {
		return nil, fmt.Errorf("route %s: %w", e.ID, err)
	}

	r.mu.RLock()
	cached := r.filters[e.Type]
	r.mu.RUnlock()
	next := make(map[string]parsedFilter, len(candidates))

	matched := make([]*model.Subscription, 0, len(candidates))
	for _, sub := range candidates {
		pf := filterFor(cached, sub)
		next[sub.ID] = pf
		ok, err := matchParsed(e, sub, pf)
		if err != nil {
			r.logger.Warn("router: filter rejected", "subscription_id", sub.ID, "event_id", e.ID, "err", err)
			continue
		}
		if ok {
			matched = append(matched, sub)
		}
	}

	r.mu.Lock()
	if len(next) == 0 {
		delete(r.filters, e.Type)
	} else {
		r.filters[e.Type] = next
	}
	r.mu.Unlock()
	return matched, nil
}

// Matches reports whether sub should receive e. A non-nil error means the
// filter could not be evaluated; the result is then always false. The filter
// is parsed on every call; Route reuses parsed filters.
func Matches(e *model.Event, sub *model.Subscription) (bool, error) {
	return matchParsed(e, sub, parse(sub))
}

func matchParsed(e *model.Event, sub *model.Subscription, pf parsedFilter) (bool, error) {
	if sub.Status != model.SubscriptionActive || sub.EventType != e.Type {
		return false, nil
	}
	if pf.err != nil {
		return false, pf.err
	}
	return Evaluate(pf.filter, e.Payload)
}

// filterFor returns sub's entry from cached, parsing the expression only when
// the entry is missing or was built from a different expression. Parse errors
// are kept too and keep the subscription from matching.
func filterFor(cached map[string]parsedFilter, sub *model.Subscription) parsedFilter {
	if pf, ok := cached[sub.ID]; ok && pf.raw == string(sub.FilterExpression) {
		return pf
	}
	return parse(sub)
}

func parse(sub *model.Subscription) parsedFilter {
	f, err := model.ParseFilter(sub.FilterExpression)
	return parsedFilter{raw: string(sub.FilterExpression), filter: f, err: err}
}

// cachedFilter reports the cached entry for a subscription, if any.
func (r *Router) cachedFilter(eventType, subID string) (parsedFilter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pf, ok := r.filters[eventType][subID]
	return pf, ok
}

// Evaluate applies f to a JSON payload. Every condition must hold.
func Evaluate(f *model.Filter, payload []byte) (bool, error) {
	if f == nil || len(f.Conditions) == 0 {
		return true, nil
	}
	if !gjson.ValidBytes(payload) {
		return false, fmt.Errorf("%w: payload is not valid JSON", model.ErrInvalidFilter)
	}
	root := gjson.ParseBytes(payload)
	if !root.IsObject() {
		return false, nil
	}
	for _, c := range f.Conditions {
		if !holds(c, root.Get(fieldPath(c.Field))) {
			return false, nil
		}
	}
	return true, nil
}

func holds(c model.Condition, res gjson.Result) bool {
	if c.Op == model.OpExists {
		want, _ := c.Value.(bool)
		return res.Exists() == want
	}
	if !res.Exists() {
		return false
	}

	switch c.Op {
	case model.OpEq:
		return equal(res, c.Value)
	case model.OpNe:
		return !equal(res, c.Value)
	case model.OpIn:
		options, _ := c.Value.([]any)
		for _, v := range options {
			if equal(res, v) {
				return true
			}
		}
		return false
	case model.OpGt, model.OpGte, model.OpLt, model.OpLte:
		cmp, ok := compare(res, c.Value)
		if !ok {
			return false
		}
		switch c.Op {
		case model.OpGt:
			return cmp > 0
		case model.OpGte:
			return cmp >= 0
		case model.OpLt:
			return cmp < 0
		default:
			return cmp <= 0
		}
	}
	return false
}

// equal compares a payload value with a decoded filter operand. Both sides
// use encoding/json's generic types, so objects and arrays compare deeply.
func equal(res gjson.Result, want any) bool {
	return reflect.DeepEqual(res.Value(), want)
}

// compare orders numbers against numbers and strings against strings.
func compare(res gjson.Result, operand any) (int, bool) {
	switch v := operand.(type) {
	case float64:
		if res.Type != gjson.Number {
			return 0, false
		}
		got := res.Float()
		switch {
		case got < v:
			return -1, true
		case got > v:
			return 1, true
		}
		return 0, true
	case string:
		if res.Type != gjson.String {
			return 0, false
		}
		return strings.Compare(res.Str, v), true
	}
	return 0, false
}

// fieldPath turns a dotted field name into a gjson path, escaping the
// characters gjson treats as wildcards or modifiers.
func fieldPath(field string) string {
	var b strings.Builder
	for _, r := range field {
		switch r {
		case '*', '?', '|', '#', '@', '\\', '!', '=', '<', '>', '%':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
