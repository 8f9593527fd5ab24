package models

import "time"

// SubscriptionInfo records one (channel, symbol[, extra]) subscription on a
// websocket connection.
type SubscriptionInfo struct {
	Channel      string    `json:"channel"`
	Symbol       Market    `json:"symbol"`
	Extra        string    `json:"extra,omitempty"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"createdAt"`
	SubscribedAt time.Time `json:"subscribedAt"`
	LastUpdate   time.Time `json:"lastUpdate"`
}

// SubscriptionKey builds the registry key for a subscription.
func SubscriptionKey(channel string, symbol Market, extra string) string {
	key := channel + "|" + symbol.String()
	if extra != "" {
		key += "|" + extra
	}
	return key
}

func (s SubscriptionInfo) Key() string {
	return SubscriptionKey(s.Channel, s.Symbol, s.Extra)
}
