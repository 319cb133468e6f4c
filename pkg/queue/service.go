// Package queue turns routing decisions into persisted dispatches and drives
// them through a worker pool. One dispatch runs at a time per concurrency
// group; newer dispatches in a cancel-in-progress group supersede older ones.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kevin-mind/nopo-steward/pkg/events"
	"github.com/kevin-mind/nopo-steward/pkg/router"
	"github.com/kevin-mind/nopo-steward/pkg/store"
)

// Service is the enqueue side, shared by the webhook ingress and the pool's
// retrigger path.
type Service struct {
	store *store.Store
	pub   *events.Publisher
	log   *slog.Logger
}

// NewService creates the enqueue service.
func NewService(st *store.Store, pub *events.Publisher) *Service {
	return &Service{
		store: st,
		pub:   pub,
		log:   slog.Default().With("component", "queue"),
	}
}

// Enqueue persists a pending dispatch for the decision and wakes the workers.
// For cancel-in-progress groups it first cancels pending siblings and signals
// the owner of any running one to stop at its next action boundary.
func (s *Service) Enqueue(ctx context.Context, dec router.Decision, rawEvent json.RawMessage) (*store.Dispatch, error) {
	d, err := store.NewFromDecision(dec, rawEvent)
	if err != nil {
		return nil, err
	}

	if dec.CancelInProgress && dec.ConcurrencyGroup != "" {
		n, err := s.store.CancelPendingInGroup(ctx, dec.ConcurrencyGroup)
		if err != nil {
			return nil, fmt.Errorf("supersede pending: %w", err)
		}
		if n > 0 {
			s.log.Info("superseded pending dispatches", "group", dec.ConcurrencyGroup, "count", n)
		}
		running, err := s.store.RunningInGroup(ctx, dec.ConcurrencyGroup)
		if err != nil {
			return nil, fmt.Errorf("list running: %w", err)
		}
		if len(running) > 0 {
			if err := s.pub.DispatchCancel(ctx, events.DispatchCancelPayload{
				ConcurrencyGroup: dec.ConcurrencyGroup,
				DispatchIDs:      running,
			}); err != nil {
				s.log.Warn("cancel signal failed", "group", dec.ConcurrencyGroup, "error", err)
			}
		}
	}

	if err := s.store.Create(ctx, d); err != nil {
		return nil, err
	}
	s.log.Info("dispatch enqueued",
		"id", d.ID, "job", d.Job, "resource", d.ResourceNumber, "group", d.ConcurrencyGroup)

	// Wakeup is best effort; idle workers poll anyway.
	if err := s.pub.DispatchCreated(ctx, events.DispatchCreatedPayload{
		ID:               d.ID,
		Job:              d.Job,
		ConcurrencyGroup: d.ConcurrencyGroup,
	}); err != nil {
		s.log.Warn("created signal failed", "id", d.ID, "error", err)
	}
	return d, nil
}
