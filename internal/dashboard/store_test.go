package dashboard

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"cryptofeed/internal/metrics"
)

func TestMetricStoreLimit(t *testing.T) {
	store := newMetricStore(2)
	for i := 0; i < 5; i++ {
		store.handle(metrics.Metric{Timestamp: time.Unix(int64(i), 0), Name: "metric", Value: i})
	}
	snapshot := store.snapshot()
	if len(snapshot) != 2 || snapshot[0].Value != 3 || snapshot[1].Value != 4 {
		t.Fatalf("unexpected metrics retained: %#v", snapshot)
	}
}

func TestLogStoreCapturesEntries(t *testing.T) {
	store := newLogStore(3)
	entry := logrus.NewEntry(logrus.New())
	entry.Time = time.Unix(10, 0)
	entry.Level = logrus.WarnLevel
	entry.Message = "warning"
	entry.Data = logrus.Fields{"component": "ws", "error": errors.New("eof")}

	if err := store.Fire(entry); err != nil {
		t.Fatalf("store.Fire returned error: %v", err)
	}
	snapshot := store.snapshot()
	if len(snapshot) != 1 || snapshot[0].Component != "ws" || snapshot[0].Fields["error"] != "eof" {
		t.Fatalf("unexpected snapshot data: %#v", snapshot)
	}
	if _, ok := snapshot[0].Fields["component"]; ok {
		t.Fatalf("component duplicated into fields")
	}
}

func TestLogStoreClose(t *testing.T) {
	store := newLogStore(2)
	store.close()
	entry := logrus.NewEntry(logrus.New())
	entry.Message = "ignored"
	if err := store.Fire(entry); err != nil {
		t.Fatalf("unexpected error after close: %v", err)
	}
	if len(store.snapshot()) != 0 {
		t.Fatalf("store accepted entries after close")
	}
}
