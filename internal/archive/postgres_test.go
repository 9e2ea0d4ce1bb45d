package archive

import (
	"testing"
	"time"

	"github.com/itskum47/tasksync/internal/model"
)

// TestWriteSyncLogDropsWhenChannelFull exercises the overflow path without
// a live Postgres connection: a Store with a full channel and no running
// writer goroutine must not block the caller.
func TestWriteSyncLogDropsWhenChannelFull(t *testing.T) {
	s := &Store{
		syncCh: make(chan model.SyncLogEntry, 1),
		webhook: make(chan model.Notification, 1),
	}

	s.WriteSyncLog(model.SyncLogEntry{Timestamp: time.Now(), Event: "op_created"})

	done := make(chan struct{})
	go func() {
		s.WriteSyncLog(model.SyncLogEntry{Timestamp: time.Now(), Event: "op_created"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WriteSyncLog blocked on a full channel instead of dropping")
	}
}

func TestWriteWebhookLogDropsWhenChannelFull(t *testing.T) {
	s := &Store{
		syncCh: make(chan model.SyncLogEntry, 1),
		webhook: make(chan model.Notification, 1),
	}

	s.WriteWebhookLog(model.Notification{ResourceID: "r1"})

	done := make(chan struct{})
	go func() {
		s.WriteWebhookLog(model.Notification{ResourceID: "r2"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WriteWebhookLog blocked on a full channel instead of dropping")
	}
}
