// Package fetcher implements the fetch orchestrator (C4): it drives the
// supervisor on behalf of explicit user requests and the auto-fetcher,
// writes successful results through the content store, and fans out
// begin/end events to the right set of users.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cpsdqs/aof/internal/script"
	"github.com/cpsdqs/aof/internal/store"
	"github.com/cpsdqs/aof/internal/supervisor"
)

const (
	// domainFetchRate/domainFetchBurst cap how often any one domain's
	// script runs, regardless of whether the run was triggered by a user
	// request or the auto-fetcher — a script that fetches the same domain
	// id in a tight loop otherwise has no backpressure beyond C2's 6s
	// exec budget per run.
	domainFetchRate  = 2
	domainFetchBurst = 4
)

// Orchestrator wires the supervisor to the content store and the event
// dispatcher.
type Orchestrator struct {
	Store      *store.Store
	Dispatch   store.Dispatcher
	Supervisor *supervisor.Supervisor
	Log        *slog.Logger

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

// New constructs an Orchestrator.
func New(st *store.Store, dispatch store.Dispatcher, sup *supervisor.Supervisor, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{Store: st, Dispatch: dispatch, Supervisor: sup, Log: log, limiters: make(map[string]*rate.Limiter)}
}

// domainLimiter returns the shared per-domain token bucket, creating it on
// first use.
func (o *Orchestrator) domainLimiter(domainID string) *rate.Limiter {
	o.limMu.Lock()
	defer o.limMu.Unlock()
	l, ok := o.limiters[domainID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(domainFetchRate), domainFetchBurst)
		o.limiters[domainID] = l
	}
	return l
}

var ErrDomainNotFound = errors.New("no such domain")

func (o *Orchestrator) emit(userIDs []int64, evt store.Event) {
	for _, u := range userIDs {
		o.Dispatch.Dispatch(u, evt, nil)
	}
}

func logsToWire(msgs []supervisor.LogMessage) []map[string]any {
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, map[string]any{"kind": m.Kind, "text": m.Text})
	}
	return out
}

// FetchSource runs a domain's loadSource for uri. If userID is non-nil,
// only that user is notified; otherwise every subscriber of uri is.
func (o *Orchestrator) FetchSource(ctx context.Context, userID *int64, rawURI string) ([]supervisor.LogMessage, *string, error) {
	uri, err := store.CanonicalizeURI(rawURI)
	if err != nil {
		return nil, nil, store.ErrInvalidURI
	}

	domain, err := o.Store.DomainByID(uri.Scheme)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: %s", ErrDomainNotFound, uri.Scheme)
	}
	if err != nil {
		return nil, nil, err
	}

	evtUsers, err := o.subscriberList(userID, func() ([]int64, error) {
		return o.Store.SubscribersOfSource(uri.String())
	})
	if err != nil {
		return nil, nil, err
	}

	if err := o.domainLimiter(uri.Scheme).Wait(ctx); err != nil {
		return nil, nil, err
	}

	o.emit(evtUsers, store.Event{Name: "source_fetch_did_begin", Payload: map[string]any{"source": uri.String()}})

	msgs, result, scriptErr := o.Supervisor.Run(ctx, supervisor.Request{
		Type: "source", Path: uri.Path, ScriptSource: domain.Script,
	})

	if scriptErr != nil {
		msgs = append(msgs, supervisor.LogMessage{Kind: "console_error", Text: scriptErr.Error()})
		o.emit(evtUsers, store.Event{Name: "source_fetch_did_end", Payload: map[string]any{
			"source": uri.String(), "success": false, "log": logsToWire(msgs),
		}})
		return msgs, nil, nil
	}

	var data script.SourceFetchData
	if err := json.Unmarshal(result.JSON, &data); err != nil {
		msgs = append(msgs, supervisor.LogMessage{Kind: "console_error", Text: "malformed script result: " + err.Error()})
		o.emit(evtUsers, store.Event{Name: "source_fetch_did_end", Payload: map[string]any{
			"source": uri.String(), "success": false, "log": logsToWire(msgs),
		}})
		return msgs, nil, nil
	}

	items := make([]store.SourceItemMeta, len(data.Items))
	for i, it := range data.Items {
		items[i] = store.SourceItemMeta{Path: it.Path, Virtual: it.Virtual, Tags: it.Tags}
	}

	hash, err := o.Store.CreateSourceVersion(uri.String(), data.Tags, items, data.LastUpdated)
	if err != nil {
		return msgs, nil, err
	}

	date := time.Now()
	for _, u := range evtUsers {
		if err := o.Store.UserUpdateSource(u, uri.String(), date, hash); err != nil {
			o.Log.Error("user_update_source failed", "user", u, "uri", uri.String(), "err", err)
		}
	}

	o.emit(evtUsers, store.Event{Name: "source_fetch_did_end", Payload: map[string]any{
		"source": uri.String(), "success": true, "log": logsToWire(msgs),
	}})

	for _, it := range data.Items {
		itemData, ok := data.ItemData[it.Path]
		if !ok {
			continue
		}
		itemURI, err := store.CanonicalizeURI(uri.Scheme + "://" + it.Path)
		if err != nil {
			continue
		}
		itemHash, err := o.Store.CreateItemVersion(itemURI.String(), itemData.Tags, itemData.LastUpdated)
		if err != nil {
			o.Log.Error("create item version failed", "uri", itemURI.String(), "err", err)
			continue
		}
		for _, u := range evtUsers {
			if err := o.Store.UserUpdateItem(u, itemURI.String(), date, itemHash); err != nil {
				o.Log.Error("user_update_item failed", "user", u, "uri", itemURI.String(), "err", err)
			}
		}
	}

	return msgs, &hash, nil
}

// FetchItem runs a domain's loadSourceItem for uri, deriving subscribers
// through the source->item association table rather than direct
// subscription.
func (o *Orchestrator) FetchItem(ctx context.Context, userID *int64, rawURI string) ([]supervisor.LogMessage, error) {
	uri, err := store.CanonicalizeURI(rawURI)
	if err != nil {
		return nil, store.ErrInvalidURI
	}

	domain, err := o.Store.DomainByID(uri.Scheme)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrDomainNotFound, uri.Scheme)
	}
	if err != nil {
		return nil, err
	}

	evtUsers, err := o.subscriberList(userID, func() ([]int64, error) {
		return o.Store.SubscribersOfItem(uri.String())
	})
	if err != nil {
		return nil, err
	}

	if err := o.domainLimiter(uri.Scheme).Wait(ctx); err != nil {
		return nil, err
	}

	o.emit(evtUsers, store.Event{Name: "source_item_fetch_did_begin", Payload: map[string]any{"source_item": uri.String()}})

	msgs, result, scriptErr := o.Supervisor.Run(ctx, supervisor.Request{
		Type: "source_item", Path: uri.Path, ScriptSource: domain.Script,
	})

	if scriptErr != nil {
		msgs = append(msgs, supervisor.LogMessage{Kind: "console_error", Text: scriptErr.Error()})
		o.emit(evtUsers, store.Event{Name: "source_item_fetch_did_end", Payload: map[string]any{
			"source_item": uri.String(), "success": false, "log": logsToWire(msgs),
		}})
		return msgs, nil
	}

	var data script.SourceItemFetchData
	if err := json.Unmarshal(result.JSON, &data); err != nil {
		msgs = append(msgs, supervisor.LogMessage{Kind: "console_error", Text: "malformed script result: " + err.Error()})
		o.emit(evtUsers, store.Event{Name: "source_item_fetch_did_end", Payload: map[string]any{
			"source_item": uri.String(), "success": false, "log": logsToWire(msgs),
		}})
		return msgs, nil
	}

	hash, err := o.Store.CreateItemVersion(uri.String(), data.Tags, data.LastUpdated)
	if err != nil {
		return msgs, err
	}
	date := time.Now()
	for _, u := range evtUsers {
		if err := o.Store.UserUpdateItem(u, uri.String(), date, hash); err != nil {
			o.Log.Error("user_update_item failed", "user", u, "uri", uri.String(), "err", err)
		}
	}

	o.emit(evtUsers, store.Event{Name: "source_item_fetch_did_end", Payload: map[string]any{
		"source_item": uri.String(), "success": true, "log": logsToWire(msgs),
	}})
	return msgs, nil
}

func (o *Orchestrator) subscriberList(userID *int64, all func() ([]int64, error)) ([]int64, error) {
	if userID != nil {
		return []int64{*userID}, nil
	}
	return all()
}

// Kind identifies what a queued FetchRequest targets.
type Kind string

const (
	KindSource Kind = "source"
	KindItem   Kind = "item"
)

// FetchRequest is the mailbox message the scheduling adapter accepts.
type FetchRequest struct {
	UserID *int64
	Kind   Kind
	URI    string
}

// Submit runs req on a fresh goroutine. If the orchestrator cannot even
// start the run (panics aside — those are not expected here, since C2
// isolates script failures in a child process), it still emits a
// synthetic begin/end pair so that live UIs observe the attempt, matching
// the original actor's spawn-failure handling.
func (o *Orchestrator) Submit(ctx context.Context, req FetchRequest) {
	go func() {
		switch req.Kind {
		case KindSource:
			if _, _, err := o.FetchSource(ctx, req.UserID, req.URI); err != nil {
				o.emitSyntheticFailure(req, "source")
				o.Log.Error("fetch source failed", "uri", req.URI, "err", err)
			}
		case KindItem:
			if _, err := o.FetchItem(ctx, req.UserID, req.URI); err != nil {
				o.emitSyntheticFailure(req, "source_item")
				o.Log.Error("fetch item failed", "uri", req.URI, "err", err)
			}
		}
	}()
}

func (o *Orchestrator) emitSyntheticFailure(req FetchRequest, kind string) {
	users, err := o.subscriberList(req.UserID, func() ([]int64, error) { return nil, nil })
	if err != nil {
		return
	}
	beginName, endName, field := "source_fetch_did_begin", "source_fetch_did_end", "source"
	if kind == "source_item" {
		beginName, endName, field = "source_item_fetch_did_begin", "source_item_fetch_did_end", "source_item"
	}
	o.emit(users, store.Event{Name: beginName, Payload: map[string]any{field: req.URI}})
	o.emit(users, store.Event{Name: endName, Payload: map[string]any{
		field: req.URI, "success": false, "log": []map[string]any{{"kind": "console_error", "text": "failed to start fetch"}},
	}})
}
