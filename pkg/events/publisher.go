package events

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Publisher broadcasts queue signals via pg_notify. Payloads are small
// routing records, never full dispatch state; receivers fetch from the store.
type Publisher struct {
	pool *pgxpool.Pool
}

// NewPublisher creates a publisher over the shared pool.
func NewPublisher(pool *pgxpool.Pool) *Publisher {
	return &Publisher{pool: pool}
}

// DispatchCreated announces a new pending dispatch.
func (p *Publisher) DispatchCreated(ctx context.Context, payload DispatchCreatedPayload) error {
	return p.notify(ctx, ChannelDispatchCreated, marshal(payload))
}

// DispatchCancel asks the owner of a running dispatch in the group to stop.
func (p *Publisher) DispatchCancel(ctx context.Context, payload DispatchCancelPayload) error {
	return p.notify(ctx, ChannelDispatchCancel, marshal(payload))
}

// DispatchCompleted announces a terminal status.
func (p *Publisher) DispatchCompleted(ctx context.Context, payload DispatchCompletedPayload) error {
	return p.notify(ctx, ChannelDispatchCompleted, marshal(payload))
}

func (p *Publisher) notify(ctx context.Context, channel string, payload []byte) error {
	if _, err := p.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, string(payload)); err != nil {
		return fmt.Errorf("pg_notify %s: %w", channel, err)
	}
	return nil
}
