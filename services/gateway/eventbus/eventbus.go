// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package eventbus is the gateway's in-process publish/subscribe bus for
// domain events.
//
// Producers publish immutable events; the bus fans each one out to every
// subscriber registered for that event type plus every wildcard
// subscriber. Handlers run concurrently and are isolated from each
// other: one failing or panicking handler never suppresses delivery to
// the rest and never propagates to the publisher. Publish returns only
// once all matching handlers have finished.
//
// A bounded history buffer (oldest dropped first) keeps recent events
// available for the admin introspection endpoints.
//
// # Thread Safety
//
// Subscribe, Unsubscribe, Publish, and the read-only queries may all be
// called concurrently.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type names a domain event. Dotted lowercase, most-significant first.
type Type string

// Wildcard subscribes a handler to every event type.
const Wildcard Type = "*"

// Gateway-local lifecycle events.
const (
	TypeBackendUnreachable Type = "gateway.backend.unreachable"
	TypeBridgeOpened       Type = "gateway.bridge.opened"
	TypeBridgeClosed       Type = "gateway.bridge.closed"
	TypeRateLimitExceeded  Type = "gateway.ratelimit.exceeded"
)

// Business events forwarded through the gateway.
const (
	TypeLeadConverted    Type = "crm.lead.converted"
	TypeDocumentUploaded Type = "document.uploaded"
)

// Payload is the typed body of an event. Each concrete payload reports
// its own event type, so a handler can type-switch on the payload
// instead of inspecting an untyped blob.
type Payload interface {
	EventType() Type
}

// BackendUnreachable is emitted when a proxied or aggregated call to a
// backend fails at the transport level.
type BackendUnreachable struct {
	Service string `json:"service"`
	Path    string `json:"path"`
	Reason  string `json:"reason"`
}

func (BackendUnreachable) EventType() Type { return TypeBackendUnreachable }

// BridgeOpened is emitted when a websocket bridge reaches the bridged
// state.
type BridgeOpened struct {
	BridgeID   string `json:"bridge_id"`
	RemoteAddr string `json:"remote_addr"`
	UserID     string `json:"user_id,omitempty"`
}

func (BridgeOpened) EventType() Type { return TypeBridgeOpened }

// BridgeClosed is emitted when either side of a bridge closes.
type BridgeClosed struct {
	BridgeID string `json:"bridge_id"`
	Code     int    `json:"code"`
	Reason   string `json:"reason,omitempty"`
	Abnormal bool   `json:"abnormal"`
}

func (BridgeClosed) EventType() Type { return TypeBridgeClosed }

// RateLimitExceeded is emitted when a caller crosses a policy limit.
type RateLimitExceeded struct {
	Policy   string `json:"policy"`
	Identity string `json:"identity"`
	Path     string `json:"path"`
}

func (RateLimitExceeded) EventType() Type { return TypeRateLimitExceeded }

// LeadConverted is emitted by the sales backend via the gateway when a
// CRM lead becomes a deal.
type LeadConverted struct {
	LeadID string `json:"lead_id"`
	DealID string `json:"deal_id"`
	UserID string `json:"user_id"`
}

func (LeadConverted) EventType() Type { return TypeLeadConverted }

// DocumentUploaded is emitted when the document backend accepts a file.
type DocumentUploaded struct {
	DocumentID string `json:"document_id"`
	ProjectID  string `json:"project_id"`
	UserID     string `json:"user_id"`
}

func (DocumentUploaded) EventType() Type { return TypeDocumentUploaded }

// Event is one immutable published fact.
type Event struct {
	ID            string    `json:"id"`
	Type          Type      `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	Source        string    `json:"source"`
	Payload       Payload   `json:"payload"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// Handler consumes one event. Returning an error marks the delivery as
// failed for that subscriber only; the error is logged and swallowed.
type Handler func(ctx context.Context, evt Event) error

// SubscriptionInfo is the read-only view of one registered subscriber.
type SubscriptionInfo struct {
	ID    string `json:"id"`
	Type  Type   `json:"type"`
	Owner string `json:"owner"`
}

type subscription struct {
	info    SubscriptionInfo
	handler Handler
}

// Bus is an in-process event bus with a bounded history. Construct with
// New; state is instance-owned so tests can run isolated buses.
type Bus struct {
	mu       sync.RWMutex
	subs     map[Type][]*subscription
	byID     map[string]*subscription
	history  []Event
	capacity int
}

// New creates a Bus retaining at most historyCapacity events.
func New(historyCapacity int) *Bus {
	if historyCapacity <= 0 {
		historyCapacity = 1
	}
	return &Bus{
		subs:     make(map[Type][]*subscription),
		byID:     make(map[string]*subscription),
		capacity: historyCapacity,
	}
}

// Subscribe registers a handler for one event type (or Wildcard) and
// returns the subscription id. Subscriptions live until Unsubscribe.
func (b *Bus) Subscribe(t Type, owner string, h Handler) string {
	sub := &subscription{
		info: SubscriptionInfo{
			ID:    uuid.New().String(),
			Type:  t,
			Owner: owner,
		},
		handler: h,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = append(b.subs[t], sub)
	b.byID[sub.info.ID] = sub
	return sub.info.ID
}

// Unsubscribe removes a subscription. Returns false if the id is
// unknown (already removed, or never existed).
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.byID[id]
	if !ok {
		return false
	}
	delete(b.byID, id)

	list := b.subs[sub.info.Type]
	for i, s := range list {
		if s.info.ID == id {
			b.subs[sub.info.Type] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	return true
}

// PublishOption customizes one Publish call.
type PublishOption func(*Event)

// WithCorrelationID threads a caller-supplied correlation id through
// the event for cross-service tracing.
func WithCorrelationID(id string) PublishOption {
	return func(e *Event) { e.CorrelationID = id }
}

// Publish creates the event, records it in history, and delivers it to
// every subscriber for the payload's type plus every wildcard
// subscriber. Handlers run concurrently; Publish returns the stored
// event once all of them have finished. Handler errors and panics are
// logged, counted against nothing, and never returned.
func (b *Bus) Publish(ctx context.Context, source string, payload Payload, opts ...PublishOption) Event {
	evt := Event{
		ID:        uuid.New().String(),
		Type:      payload.EventType(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		Payload:   payload,
	}
	for _, opt := range opts {
		opt(&evt)
	}

	b.mu.Lock()
	b.history = append(b.history, evt)
	if len(b.history) > b.capacity {
		b.history = b.history[len(b.history)-b.capacity:]
	}
	targets := make([]*subscription, 0, len(b.subs[evt.Type])+len(b.subs[Wildcard]))
	targets = append(targets, b.subs[evt.Type]...)
	targets = append(targets, b.subs[Wildcard]...)
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, sub := range targets {
		wg.Add(1)
		go func(sub *subscription) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					slog.Error("event handler panicked",
						"event_id", evt.ID,
						"event_type", evt.Type,
						"subscriber", sub.info.Owner,
						"panic", fmt.Sprintf("%v", r))
				}
			}()
			if err := sub.handler(ctx, evt); err != nil {
				slog.Warn("event handler failed",
					"event_id", evt.ID,
					"event_type", evt.Type,
					"subscriber", sub.info.Owner,
					"error", err)
			}
		}(sub)
	}
	wg.Wait()

	return evt
}

// History returns up to limit retained events, newest last, optionally
// filtered by type. A nil filter or empty type matches everything.
func (b *Bus) History(t Type, limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, 0, limit)
	matched := make([]Event, 0, len(b.history))
	for _, evt := range b.history {
		if t == "" || evt.Type == t {
			matched = append(matched, evt)
		}
	}
	if limit <= 0 || limit > len(matched) {
		limit = len(matched)
	}
	out = append(out, matched[len(matched)-limit:]...)
	return out
}

// Subscriptions returns the read-only view of every live subscription.
func (b *Bus) Subscriptions() []SubscriptionInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]SubscriptionInfo, 0, len(b.byID))
	for _, sub := range b.byID {
		out = append(out, sub.info)
	}
	return out
}
