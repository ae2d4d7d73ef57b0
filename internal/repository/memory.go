package repository

import (
	"context"
	"maps"
	"slices"
	"sync"

	"moodle-teams-bot/internal/domain"
)

// Memory is an in-process ReadWriter used for local runs and tests. State is
// lost on restart.
type Memory struct {
	mu            sync.Mutex
	conversations map[string]domain.ConversationState
	users         map[string]domain.UserState
	cache         *domain.BotCache
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]domain.ConversationState),
		users:         make(map[string]domain.UserState),
	}
}

func (m *Memory) GetConversationState(_ context.Context, key string) (domain.ConversationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conversations[key], nil
}

func (m *Memory) SaveConversationState(_ context.Context, key string, state domain.ConversationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[key] = state
	return nil
}

func (m *Memory) DeleteConversationState(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conversations, key)
	return nil
}

func (m *Memory) GetUserState(_ context.Context, key string) (domain.UserState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[key], nil
}

func (m *Memory) SaveUserState(_ context.Context, key string, state domain.UserState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[key] = state
	return nil
}

func (m *Memory) GetBotCache(_ context.Context) (domain.BotCache, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cache == nil {
		return domain.BotCache{}, false, nil
	}
	return cloneCache(*m.cache), true, nil
}

func (m *Memory) PutBotCache(_ context.Context, cache domain.BotCache) (domain.BotCache, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var current int64
	if m.cache != nil {
		current = m.cache.Version
	}
	if cache.Version != current {
		return domain.BotCache{}, ErrVersionConflict
	}
	next := cloneCache(cache)
	next.Version = current + 1
	m.cache = &next
	return cloneCache(next), nil
}

func cloneCache(c domain.BotCache) domain.BotCache {
	c.UsersList = maps.Clone(c.UsersList)
	c.TeamsList = slices.Clone(c.TeamsList)
	return c
}
