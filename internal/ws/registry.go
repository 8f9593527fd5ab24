package ws

import (
	"sort"
	"sync"
	"time"

	"cryptofeed/models"
)

// Registry tracks the subscriptions of one client by key.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]models.SubscriptionInfo
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]models.SubscriptionInfo)}
}

// Put records sub as active. An existing record with the same key is
// overwritten but keeps its creation time so resubscription order is
// stable.
func (r *Registry) Put(sub models.SubscriptionInfo) models.SubscriptionInfo {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.subs[sub.Key()]; ok && !prev.CreatedAt.IsZero() {
		sub.CreatedAt = prev.CreatedAt
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.Active = true
	sub.SubscribedAt = now
	sub.LastUpdate = now
	r.subs[sub.Key()] = sub
	return sub
}

// Deactivate marks key inactive and reports whether it was active.
func (r *Registry) Deactivate(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[key]
	if !ok || !sub.Active {
		return false
	}
	sub.Active = false
	sub.LastUpdate = time.Now()
	r.subs[key] = sub
	return true
}

func (r *Registry) Get(key string) (models.SubscriptionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[key]
	return sub, ok
}

// Find returns active subscriptions for channel and symbol regardless of
// their extra qualifier.
func (r *Registry) Find(channel string, symbol models.Market) []models.SubscriptionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.SubscriptionInfo
	for _, sub := range r.subs {
		if sub.Active && sub.Channel == channel && sub.Symbol == symbol {
			out = append(out, sub)
		}
	}
	sortSubs(out)
	return out
}

// Active returns a copy of the active subscriptions in creation order.
func (r *Registry) Active() []models.SubscriptionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.SubscriptionInfo, 0, len(r.subs))
	for _, sub := range r.subs {
		if sub.Active {
			out = append(out, sub)
		}
	}
	sortSubs(out)
	return out
}

// Touch updates LastUpdate of every active subscription on channel and
// symbol.
func (r *Registry) Touch(channel string, symbol models.Market, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, sub := range r.subs {
		if sub.Active && sub.Channel == channel && sub.Symbol == symbol {
			sub.LastUpdate = at
			r.subs[key] = sub
		}
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, sub := range r.subs {
		if sub.Active {
			n++
		}
	}
	return n
}

func sortSubs(subs []models.SubscriptionInfo) {
	sort.Slice(subs, func(i, j int) bool {
		if !subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].CreatedAt.Before(subs[j].CreatedAt)
		}
		return subs[i].Key() < subs[j].Key()
	})
}
