package core

import (
	"context"
	"encoding/json"

	"pharmachain/internal/events"
	"pharmachain/pkg/domain"
)

func (s *Service) newEvent(ctx context.Context, kind, key string, payload any) events.Event {
	evt := events.Event{
		Type:          kind,
		Key:           key,
		CorrelationID: domain.CorrelationIDFromContext(ctx),
		OccurredAt:    s.now(),
	}
	if id, ok := domain.IdentityFromContext(ctx); ok {
		evt.ActorID = id.UserID
	}
	if raw, err := json.Marshal(payload); err == nil {
		evt.Payload = raw
	} else {
		s.logger.Warn("encode event payload", "type", kind, "key", key, "error", err.Error())
	}
	return evt
}

func (s *Service) requestEvent(ctx context.Context, kind string, req Request) events.Event {
	return s.newEvent(ctx, kind, req.ID, req)
}

// publish hands committed events to the publisher. Failures are logged only;
// the operation has already committed.
func (s *Service) publish(ctx context.Context, evts ...events.Event) {
	if len(evts) == 0 {
		return
	}
	if err := s.publisher.Publish(context.WithoutCancel(ctx), evts...); err != nil {
		s.logger.Error("publish events", "count", len(evts), "type", evts[0].Type, "key", evts[0].Key, "error", err.Error())
	}
}
