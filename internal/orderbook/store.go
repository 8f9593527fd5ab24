package orderbook

import (
	"sort"
	"sync"

	"cryptofeed/models"
)

// Store keeps the authoritative book per exchange and symbol. The dispatcher
// is the only writer; readers such as the status API take snapshots.
type Store struct {
	mu    sync.RWMutex
	books map[string]*Book
	depth int
}

// NewStore creates a store whose snapshots are truncated to depth levels
// (0 keeps every level).
func NewStore(depth int) *Store {
	return &Store{books: make(map[string]*Book), depth: depth}
}

func key(exchange, symbol string) string { return exchange + "|" + symbol }

// Apply merges ob and returns the resulting materialized book.
func (s *Store) Apply(ob *models.OrderBook) (*models.OrderBook, error) {
	k := key(ob.Exchange, ob.Symbol)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.books[k]
	if !ok {
		if !ob.IsSnapshot() {
			return nil, ErrUnknownBook
		}
		b = NewBook(ob.Exchange, ob.Symbol)
		s.books[k] = b
	}
	if err := b.Apply(ob); err != nil {
		return nil, err
	}
	return b.Snapshot(s.depth), nil
}

// Get returns a snapshot of one book.
func (s *Store) Get(exchange, symbol string) (*models.OrderBook, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[key(exchange, symbol)]
	if !ok {
		return nil, false
	}
	return b.Snapshot(s.depth), true
}

// All returns snapshots of every book, optionally filtered by exchange,
// ordered by exchange then symbol.
func (s *Store) All(exchange string) []*models.OrderBook {
	s.mu.RLock()
	out := make([]*models.OrderBook, 0, len(s.books))
	for _, b := range s.books {
		if exchange != "" && b.Exchange != exchange {
			continue
		}
		out = append(out, b.Snapshot(s.depth))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Exchange != out[j].Exchange {
			return out[i].Exchange < out[j].Exchange
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Remove drops a book, e.g. when its feed reconnects and must be re-seeded.
func (s *Store) Remove(exchange, symbol string) {
	s.mu.Lock()
	delete(s.books, key(exchange, symbol))
	s.mu.Unlock()
}

// RemoveExchange drops every book of exchange.
func (s *Store) RemoveExchange(exchange string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, b := range s.books {
		if b.Exchange == exchange {
			delete(s.books, k)
			n++
		}
	}
	return n
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.books)
}
