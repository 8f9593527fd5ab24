// Package channel implements the multi-producer, single-consumer dispatch
// queue shared by websocket clients and pollers.
package channel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"cryptofeed/internal/metrics"
	"cryptofeed/logger"
	"cryptofeed/models"
)

// OverflowPolicy decides what happens when the queue is full.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest queued message to make room.
	DropOldest OverflowPolicy = iota
	// DropNewest discards the message being enqueued.
	DropNewest
	// Block waits for room until the producer's context is done.
	Block
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	case Block:
		return "block"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParseOverflowPolicy maps a config value to a policy.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "", "drop_oldest":
		return DropOldest, nil
	case "drop_newest":
		return DropNewest, nil
	case "block":
		return Block, nil
	}
	return DropOldest, fmt.Errorf("unknown overflow policy %q", s)
}

type QueueStats struct {
	Enqueued      int64
	DroppedOldest int64
	DroppedNewest int64
	Length        int
	Capacity      int
}

// Queue is a bounded FIFO of QMessage. Enqueue is safe from any goroutine;
// Messages must be drained by exactly one consumer.
type Queue struct {
	ch     chan models.QMessage
	policy OverflowPolicy
	seq    atomic.Uint64

	stats      QueueStats
	statsMutex sync.Mutex
	log        *logger.Log
}

func NewQueue(size int, policy OverflowPolicy) *Queue {
	if size <= 0 {
		size = 1
	}
	log := logger.GetLogger()
	q := &Queue{
		ch:     make(chan models.QMessage, size),
		policy: policy,
		log:    log,
	}
	log.WithComponent("dispatch_queue").WithFields(logger.Fields{
		"size":     size,
		"overflow": policy.String(),
	}).Info("dispatch queue initialized")
	return q
}

// Enqueue stamps msg with the next sequential id and queues it. It returns
// false when the message was not queued (dropped or ctx done).
func (q *Queue) Enqueue(ctx context.Context, msg models.QMessage) bool {
	msg.SequentialID = q.seq.Add(1)
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}

	switch q.policy {
	case Block:
		select {
		case q.ch <- msg:
			q.countEnqueued()
			return true
		case <-ctx.Done():
			return false
		}
	case DropNewest:
		select {
		case q.ch <- msg:
			q.countEnqueued()
			return true
		default:
			q.countDrop(msg, false)
			return false
		}
	}

	// drop oldest: a bounded number of evictions to tolerate racing producers
	for attempt := 0; attempt < 4; attempt++ {
		select {
		case q.ch <- msg:
			q.countEnqueued()
			return true
		default:
		}
		select {
		case old := <-q.ch:
			q.countDrop(old, true)
		default:
		}
	}
	q.countDrop(msg, false)
	return false
}

// Messages is the consumer side of the queue.
func (q *Queue) Messages() <-chan models.QMessage {
	return q.ch
}

func (q *Queue) Len() int { return len(q.ch) }

func (q *Queue) Stats() QueueStats {
	q.statsMutex.Lock()
	defer q.statsMutex.Unlock()
	s := q.stats
	s.Length = len(q.ch)
	s.Capacity = cap(q.ch)
	return s
}

func (q *Queue) countEnqueued() {
	q.statsMutex.Lock()
	q.stats.Enqueued++
	q.statsMutex.Unlock()
	logger.RecordChannelMessage("dispatch_queue", 1)
}

func (q *Queue) countDrop(msg models.QMessage, oldest bool) {
	q.statsMutex.Lock()
	if oldest {
		q.stats.DroppedOldest++
	} else {
		q.stats.DroppedNewest++
	}
	q.statsMutex.Unlock()
	policy := "drop_newest"
	if oldest {
		policy = "drop_oldest"
	}
	metrics.EmitDropMetric(q.log, msg.Exchange, msg.Stream, policy)
}

// StartMetricsReporting emits queue occupancy every interval until ctx is done.
func (q *Queue) StartMetricsReporting(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				length := q.Len()
				metrics.QueueLength.Set(float64(length))
				metrics.EmitMetric(q.log, "dispatch_queue", "queue_length", length, "gauge", logger.Fields{
					"capacity": cap(q.ch),
				})
			}
		}
	}()
}
