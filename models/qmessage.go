package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// QMessage is the envelope carried by the dispatch queue. Payload holds the
// JSON of a normalized record (OrderBook, Trade, Ticker or Candle).
type QMessage struct {
	Command      string          `json:"command"`
	Exchange     string          `json:"exchange"`
	Stream       string          `json:"stream"`
	Action       string          `json:"action"`
	SequentialID uint64          `json:"sequentialId"`
	Symbol       string          `json:"symbol,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ReceivedAt   time.Time       `json:"-"`
}

// NewQMessage marshals record into a queue envelope.
func NewQMessage(command, exchange, stream, action string, record interface{}) (QMessage, error) {
	msg := QMessage{
		Command:    command,
		Exchange:   exchange,
		Stream:     stream,
		Action:     action,
		ReceivedAt: time.Now(),
	}
	if record == nil {
		return msg, nil
	}
	data, err := json.Marshal(record)
	if err != nil {
		return QMessage{}, fmt.Errorf("marshal %s payload: %w", stream, err)
	}
	msg.Payload = data
	return msg, nil
}
