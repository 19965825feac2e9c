// Package reconcile runs the periodic job that corrects drift between the
// gateway's authoritative connection state and the locally stored channel
// status.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"wainbox/internal/gateway"
	"wainbox/internal/models"
	"wainbox/internal/store"
)

// DefaultInterval is the poll period.
const DefaultInterval = 5 * time.Minute

// Reconciler compares gateway connectivity to stored status and corrects it.
type Reconciler struct {
	store    *store.Store
	gateway  *gateway.Client
	interval time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New builds a reconciler. interval <= 0 selects DefaultInterval.
func New(s *store.Store, gw *gateway.Client, interval time.Duration) (*Reconciler, error) {
	if s == nil || gw == nil {
		return nil, fmt.Errorf("reconciler dependencies cannot be nil")
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		store:    s,
		gateway:  gw,
		interval: interval,
		stop:     make(chan struct{}),
	}, nil
}

// Start launches the background loop.
func (r *Reconciler) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.loop(ctx)
	log.Info().Dur("interval", r.interval).Msg("Connection reconciliation loop started")
}

// Stop terminates the loop and waits for a running pass to finish.
func (r *Reconciler) Stop() {
	r.once.Do(func() { close(r.stop) })
	r.wg.Wait()
}

func (r *Reconciler) loop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				log.Error().Err(err).Msg("Reconciliation pass failed")
			}
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce performs one reconciliation pass. A gateway query failing for one
// channel is logged and does not abort the rest of the batch.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	channels, err := r.store.ListChannelsByStatus(
		models.ChannelConnected,
		models.ChannelConnecting,
		models.ChannelInactive,
	)
	if err != nil {
		return fmt.Errorf("failed to list channels for reconciliation: %w", err)
	}

	for _, ch := range channels {
		if err := r.reconcileChannel(ctx, ch); err != nil {
			log.Warn().Err(err).
				Str("channel_id", ch.ID).
				Str("address", ch.Address).
				Msg("Channel reconciliation failed, continuing batch")
		}
	}
	return nil
}

func (r *Reconciler) reconcileChannel(ctx context.Context, ch *models.Channel) error {
	status, err := r.gateway.GetNumberStatus(ctx, ch.Address)
	if err != nil {
		return err
	}

	switch {
	case status.IsLoggedIn && ch.Status != models.ChannelConnected:
		// Covers both a connecting channel finishing its login and an
		// inactive one that came back without us seeing the event.
		return r.promote(ch)
	case !status.IsLoggedIn && (ch.Status == models.ChannelConnected || ch.Status == models.ChannelConnecting):
		return r.demote(ch)
	}
	return nil
}

func (r *Reconciler) promote(ch *models.Channel) error {
	if err := r.store.UpdateChannelStatus(ch.ID, models.ChannelConnected); err != nil {
		return err
	}
	if err := r.store.ResetReconnectAttempts(ch.ID); err != nil {
		log.Warn().Err(err).Str("channel_id", ch.ID).Msg("Failed to reset reconnect attempts")
	}
	if err := r.updateLatestSession(ch.ID, models.SessionConnected); err != nil {
		return err
	}
	log.Info().
		Str("channel_id", ch.ID).
		Str("from", ch.Status).
		Msg("Channel promoted to connected by reconciliation")
	return nil
}

func (r *Reconciler) demote(ch *models.Channel) error {
	if err := r.store.UpdateChannelStatus(ch.ID, models.ChannelInactive); err != nil {
		return err
	}
	if err := r.updateLatestSession(ch.ID, models.SessionDisconnected); err != nil {
		return err
	}
	log.Info().
		Str("channel_id", ch.ID).
		Str("from", ch.Status).
		Msg("Channel demoted to inactive by reconciliation")
	return nil
}

// updateLatestSession moves the channel's most recent session to status.
// A channel with no sessions yet is fine; there is nothing to move.
func (r *Reconciler) updateLatestSession(channelID, status string) error {
	sessions, err := r.store.ListSessionsByChannel(channelID)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		return nil
	}
	return r.store.UpdateSessionStatus(sessions[0].ID, status)
}
