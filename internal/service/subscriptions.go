package service

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/ricochet1k/wamesh/internal/bridge"
	"github.com/ricochet1k/wamesh/internal/domain"
	"github.com/ricochet1k/wamesh/internal/stream"
)

// Subscription is one live consumer of a session's lifecycle events.
type Subscription struct {
	*stream.Subscriber
	cancel func()
}

// Close stops delivery. The session itself is unaffected.
func (s *Subscription) Close() {
	s.cancel()
}

// SubscribeSessionEvents streams events for sessionID. Events from a client
// owned by this process arrive directly; pairing and ready events for
// sessions owned elsewhere arrive through the bridge.
func (o *Orchestrator) SubscribeSessionEvents(ctx context.Context, sessionID string) *Subscription {
	subID := uuid.NewString()
	sub := o.broadcaster.Subscribe(subID, sessionID)

	var listenerID bridge.ListenerID
	if o.bridge != nil && sessionID != "" {
		listenerID = o.bridge.AddListener(ctx, sessionID, func(ev bridge.Event) {
			if o.owns(ev.SessionID) {
				return
			}
			o.broadcaster.Deliver(subID, o.fromBridge(ev))
		})
	}

	var once sync.Once
	return &Subscription{
		Subscriber: sub,
		cancel: func() {
			once.Do(func() {
				if o.bridge != nil && sessionID != "" {
					o.bridge.RemoveListener(sessionID, listenerID)
				}
				o.broadcaster.Unsubscribe(subID)
			})
		},
	}
}

// UnsubscribeSessionEvents is equivalent to sub.Close.
func (o *Orchestrator) UnsubscribeSessionEvents(sub *Subscription) {
	if sub != nil {
		sub.Close()
	}
}

func (o *Orchestrator) fromBridge(ev bridge.Event) domain.Event {
	if ev.Type == bridge.EventQR {
		return domain.NewQREvent(ev.SessionID, ev.QR)
	}
	identity, _ := o.store.GetMeta(o.ctx, ev.SessionID)
	return domain.NewReadyEvent(ev.SessionID, identity)
}
