package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"moodle-teams-bot/internal/domain"
	"moodle-teams-bot/internal/integrations/botframework"
	"moodle-teams-bot/internal/metrics"
	"moodle-teams-bot/internal/repository"
)

// maxCacheWriteAttempts bounds how often a conflicting bot cache write is
// recomputed from a fresh read.
const maxCacheWriteAttempts = 3

type BotCacheStore interface {
	GetBotCache(ctx context.Context) (domain.BotCache, bool, error)
	PutBotCache(ctx context.Context, cache domain.BotCache) (domain.BotCache, error)
}

type RosterReader interface {
	GetConversationMembers(ctx context.Context, serviceURL, conversationID string) ([]botframework.Member, error)
}

// IdentityCache keeps the bot cache: who the bot has seen, in which teams,
// and how to reach them again.
type IdentityCache struct {
	store   BotCacheStore
	roster  RosterReader
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu sync.Mutex
}

func NewIdentityCache(store BotCacheStore, roster RosterReader, m *metrics.Metrics, logger *slog.Logger) (*IdentityCache, error) {
	if store == nil {
		return nil, errors.New("usecase: bot cache store must not be nil")
	}
	if roster == nil {
		return nil, errors.New("usecase: roster reader must not be nil")
	}
	if m == nil {
		m = metrics.NewNop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IdentityCache{store: store, roster: roster, metrics: m, logger: logger.With("component", "identity_cache")}, nil
}

// Snapshot returns the current bot cache. ok is false before the first
// activity was recorded.
func (c *IdentityCache) Snapshot(ctx context.Context) (domain.BotCache, bool, error) {
	return c.store.GetBotCache(ctx)
}

// RecordObservedIdentity folds what an inbound activity tells about its
// sender, team and service into the bot cache. Service, tenant, channel and
// bot identity follow the latest activity. Nothing is written when the cache
// already knows all of it.
func (c *IdentityCache) RecordObservedIdentity(ctx context.Context, a *domain.Activity) error {
	return c.update(ctx, func(cache *domain.BotCache) bool {
		dirty := cache.AddUser(a.From.AADObjectID, a.From.ID)
		if a.ServiceURL != "" && cache.ServiceURL != a.ServiceURL {
			cache.ServiceURL = a.ServiceURL
			dirty = true
		}
		if tenant := a.TenantID(); tenant != "" && cache.Tenant != tenant {
			cache.Tenant = tenant
			dirty = true
		}
		if a.ChannelID != "" && cache.ChannelID != a.ChannelID {
			cache.ChannelID = a.ChannelID
			dirty = true
		}
		if a.Recipient.ID != "" && cache.BotObject.ID != a.Recipient.ID {
			cache.BotObject = a.Recipient
			dirty = true
		}
		if cache.AddTeam(a.TeamID()) {
			dirty = true
		}
		return dirty
	})
}

// ResolveDeliveryTarget returns the channel user id of externalUserID. Users
// not in the cache are looked for in the rosters of known teams, and every
// member seen on the way is cached. ok is false when nobody matches.
func (c *IdentityCache) ResolveDeliveryTarget(ctx context.Context, externalUserID string) (string, bool, error) {
	cache, exists, err := c.store.GetBotCache(ctx)
	if err != nil {
		return "", false, err
	}
	if !exists || externalUserID == "" {
		return "", false, nil
	}
	if id, ok := cache.UsersList[externalUserID]; ok {
		return id, true, nil
	}

	learned := make(map[string]string)
	var found string
	for _, team := range cache.TeamsList {
		members, err := c.roster.GetConversationMembers(ctx, cache.ServiceURL, team)
		if err != nil {
			c.logger.Warn("team roster unavailable", "team", team, "err", err)
			continue
		}
		for _, m := range members {
			if _, known := cache.UsersList[m.DirectoryID()]; !known {
				learned[m.DirectoryID()] = m.ID
			}
			if m.DirectoryID() == externalUserID {
				found = m.ID
				break
			}
		}
		if found != "" {
			break
		}
	}

	if len(learned) > 0 {
		err := c.update(ctx, func(cache *domain.BotCache) bool {
			dirty := false
			for ext, id := range learned {
				if cache.AddUser(ext, id) {
					dirty = true
				}
			}
			return dirty
		})
		if err != nil {
			c.logger.Warn("caching roster members failed", "err", err)
		}
	}
	return found, found != "", nil
}

// update applies mutate to a fresh copy of the cache and writes it when
// mutate reports a change. Version conflicts restart from a new read.
func (c *IdentityCache) update(ctx context.Context, mutate func(*domain.BotCache) bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for attempt := 1; ; attempt++ {
		cache, _, err := c.store.GetBotCache(ctx)
		if err != nil {
			return newError(ErrorInternal, "bot_cache_read_error", err)
		}
		if !mutate(&cache) {
			return nil
		}
		_, err = c.store.PutBotCache(ctx, cache)
		if err == nil {
			c.metrics.BotCacheWritesTotal.WithLabelValues("written").Inc()
			return nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			c.metrics.BotCacheWritesTotal.WithLabelValues("error").Inc()
			return newError(ErrorInternal, "bot_cache_write_error", err)
		}
		c.metrics.BotCacheWritesTotal.WithLabelValues("conflict").Inc()
		if attempt == maxCacheWriteAttempts {
			return newError(ErrorInternal, "bot_cache_write_conflict", err)
		}
	}
}
