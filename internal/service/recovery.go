package service

import (
	"context"
	"fmt"
)

// StartRestore relaunches, in the background, every session whose last
// recorded status was connected or pairing. The caller does not wait for it;
// each failure is logged.
func (o *Orchestrator) StartRestore() {
	if o.registry == nil || o.tenants == nil {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.restore(o.ctx); err != nil {
			o.log.Error().Err(err).Msg("session restore failed")
		}
	}()
}

func (o *Orchestrator) restore(ctx context.Context) error {
	records, err := o.tenants.ListRestorable(ctx)
	if err != nil {
		return fmt.Errorf("restore list sessions: %w", err)
	}
	o.log.Info().Int("sessions", len(records)).Msg("restoring sessions")

	restored := 0
	for _, rec := range records {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := o.ensure(ctx, rec.ID); err != nil {
			o.log.Warn().Err(err).Str("session_id", rec.ID).Msg("restore session failed")
			continue
		}
		restored++
	}
	o.log.Info().Int("restored", restored).Int("sessions", len(records)).Msg("session restore finished")
	return nil
}
