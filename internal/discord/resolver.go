package discord

import (
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

type cacheEntry struct {
	val    string
	expiry time.Time
}

// Resolver turns user ids into display names: the guild nickname when
// known, then the global display name, then the username. Lookups are
// cached for ttl.
type Resolver struct {
	lookup func(guildID, userID string) (string, error)
	ttl    time.Duration
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

func NewResolver(s *discordgo.Session) *Resolver {
	return newResolver(func(guildID, userID string) (string, error) {
		if s.State != nil && guildID != "" {
			if m, err := s.State.Member(guildID, userID); err == nil && m != nil {
				if m.Nick != "" {
					return m.Nick, nil
				}
				if m.User != nil {
					return displayName(m.User), nil
				}
			}
		}
		u, err := s.User(userID)
		if err != nil {
			return "", err
		}
		return displayName(u), nil
	}, 5*time.Minute, time.Now)
}

func newResolver(lookup func(guildID, userID string) (string, error), ttl time.Duration, now func() time.Time) *Resolver {
	return &Resolver{lookup: lookup, ttl: ttl, now: now, cache: make(map[string]cacheEntry)}
}

func displayName(u *discordgo.User) string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// UserName returns "" when the user cannot be resolved; failures are not
// cached.
func (r *Resolver) UserName(guildID, userID string) string {
	if userID == "" {
		return ""
	}
	key := guildID + "/" + userID
	r.mu.Lock()
	if e, ok := r.cache[key]; ok {
		if r.now().Before(e.expiry) {
			r.mu.Unlock()
			return e.val
		}
		delete(r.cache, key)
	}
	r.mu.Unlock()

	name, err := r.lookup(guildID, userID)
	if err != nil || name == "" {
		return ""
	}
	r.mu.Lock()
	r.cache[key] = cacheEntry{val: name, expiry: r.now().Add(r.ttl)}
	r.mu.Unlock()
	return name
}

// Remember seeds the cache from a payload that already carries the user,
// such as a message author.
func (r *Resolver) Remember(guildID string, m *discordgo.Member, u *discordgo.User) {
	if u == nil {
		return
	}
	name := displayName(u)
	if m != nil && m.Nick != "" {
		name = m.Nick
	}
	r.mu.Lock()
	r.cache[guildID+"/"+u.ID] = cacheEntry{val: name, expiry: r.now().Add(r.ttl)}
	r.mu.Unlock()
}
