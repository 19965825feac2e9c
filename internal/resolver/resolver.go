// Package resolver maps gateway-supplied identifiers onto stored Channel and
// Session records. Gateways are loose about which identifier they echo back
// (session token, service id, device-suffixed address), so resolution walks
// an ordered list of strategies instead of trusting any single field.
package resolver

import (
	"errors"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"wainbox/internal/models"
	"wainbox/internal/normalize"
	"wainbox/internal/store"
)

// ErrSessionNotFound means none of the resolution strategies matched. The
// event has no session context to act on and is dropped, not retried.
var ErrSessionNotFound = errors.New("resolver: no session matched")

// ErrChannelNotFound means the external address maps to no stored channel.
var ErrChannelNotFound = errors.New("resolver: no channel matched")

// Resolver performs channel and session lookups with a short-lived cache in
// front of the channel-by-address path, which every webhook event hits.
type Resolver struct {
	store *store.Store
	cache *cache.Cache
}

// New builds a resolver. cacheTTL bounds how long a channel lookup may be
// served stale; the webhook path tolerates that because channel addresses
// almost never change.
func New(s *store.Store, cacheTTL time.Duration) *Resolver {
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	return &Resolver{
		store: s,
		cache: cache.New(cacheTTL, 2*cacheTTL),
	}
}

// ResolveChannel maps an external address onto a Channel. Exact match wins;
// otherwise the raw phone number extracted from the local part is tried, and
// on success the stored address is opportunistically rewritten to the
// canonical form of the incoming identifier.
func (r *Resolver) ResolveChannel(address string) (*models.Channel, error) {
	if hit, ok := r.cache.Get("channel:" + address); ok {
		return hit.(*models.Channel), nil
	}

	ch, err := r.store.GetChannelByAddress(address)
	if errors.Is(err, store.ErrNotFound) {
		ch, err = r.resolveChannelByPhone(address)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrChannelNotFound
	}
	if err != nil {
		return nil, err
	}

	r.cache.Set("channel:"+address, ch, cache.DefaultExpiration)
	return ch, nil
}

func (r *Resolver) resolveChannelByPhone(address string) (*models.Channel, error) {
	phone := normalize.LocalPart(address)
	if phone == "" || phone == address {
		return nil, store.ErrNotFound
	}
	ch, err := r.store.GetChannelByPhone(phone)
	if err != nil {
		return nil, err
	}

	canonical := normalize.Canonical(address)
	if ch.Address != canonical {
		log.Info().
			Str("channel_id", ch.ID).
			Str("old_address", ch.Address).
			Str("new_address", canonical).
			Msg("Rewriting channel address to canonical form")
		if updateErr := r.store.UpdateChannelAddress(ch.ID, canonical); updateErr != nil {
			log.Warn().Err(updateErr).Str("channel_id", ch.ID).Msg("Failed to rewrite channel address")
		} else {
			ch.Address = canonical
		}
	}
	return ch, nil
}

// ResolveSession maps a session/channel token onto one of the channel's
// sessions. Strategies, in order:
//
//  1. exact match on the stored session token;
//  2. match on the service id kept in session metadata;
//  3. device-suffix strip and retry against the token, remembering the full
//     token as a device alias for future direct matches;
//  4. the most recently updated session still connected or connecting.
func (r *Resolver) ResolveSession(channel *models.Channel, token string) (*models.Session, error) {
	sessions, err := r.store.ListSessionsByChannel(channel.ID)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, ErrSessionNotFound
	}

	// Strategy 1: exact token.
	for _, s := range sessions {
		if s.Token == token {
			return s, nil
		}
	}

	// Strategy 2: service id alias.
	for _, s := range sessions {
		if id := s.Metadata.GetString(models.MetaServiceID); id != "" && id == token {
			return s, nil
		}
	}

	// Strategy 3: device-suffixed token. The base form is matched against
	// token and known aliases, and the full token is remembered so the next
	// event resolves on strategy 1.
	if base := normalize.StripDeviceSuffix(token); base != token {
		for _, s := range sessions {
			if s.Token == base || containsAlias(s, base) {
				r.rememberAlias(s, token)
				return s, nil
			}
		}
	}
	for _, s := range sessions {
		if containsAlias(s, token) {
			return s, nil
		}
	}

	// Strategy 4: newest live session. ListSessionsByChannel orders by
	// updated_at descending, so the first live one wins.
	for _, s := range sessions {
		if s.Status == models.SessionConnected || s.Status == models.SessionConnecting {
			log.Debug().
				Str("channel_id", channel.ID).
				Str("session_id", s.ID).
				Str("token", token).
				Msg("Session resolved by live-session fallback")
			return s, nil
		}
	}

	return nil, ErrSessionNotFound
}

func containsAlias(s *models.Session, token string) bool {
	for _, alias := range s.Metadata.GetStrings(models.MetaDeviceIDs) {
		if alias == token {
			return true
		}
	}
	return false
}

func (r *Resolver) rememberAlias(s *models.Session, token string) {
	if containsAlias(s, token) {
		return
	}
	if s.Metadata == nil {
		s.Metadata = models.Metadata{}
	}
	aliases := append(s.Metadata.GetStrings(models.MetaDeviceIDs), token)
	s.Metadata[models.MetaDeviceIDs] = aliases
	if err := r.store.SaveSessionMetadata(s.ID, s.Metadata); err != nil {
		log.Warn().Err(err).Str("session_id", s.ID).Msg("Failed to persist device alias")
	}
}

// InvalidateChannel evicts a channel's cache entries after its address or
// status changed out of band.
func (r *Resolver) InvalidateChannel(addresses ...string) {
	for _, addr := range addresses {
		r.cache.Delete("channel:" + addr)
	}
}

// CacheStats reports cache occupancy for the ops endpoint.
func (r *Resolver) CacheStats() (items int) {
	return r.cache.ItemCount()
}
