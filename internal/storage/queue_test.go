package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/radarbase/statusagent/internal/topic"
	"github.com/radarbase/statusagent/pkg/records"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "nested", "records.sqlite"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestQueuePutAndCount(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	topics := topic.Default()
	uptime, _ := topics.Resolve(topic.Uptime)
	counts, _ := topics.Resolve(topic.RecordCounts)

	now := time.Now()
	for i := 0; i < 3; i++ {
		if err := q.Put(ctx, uptime, records.UptimeRecord{Time: now, UptimeSeconds: float64(i)}); err != nil {
			t.Fatalf("Put uptime failed: %v", err)
		}
	}
	if err := q.Put(ctx, counts, records.RecordCountsRecord{Time: now, RecordsCached: 8, RecordsUnsent: 8}); err != nil {
		t.Fatalf("Put counts failed: %v", err)
	}

	total, err := q.Count(ctx, "")
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if total != 4 {
		t.Fatalf("expected 4 records, got %d", total)
	}
	n, _ := q.Count(ctx, topic.Uptime)
	if n != 3 {
		t.Fatalf("expected 3 uptime records, got %d", n)
	}

	streams, err := q.Streams(ctx)
	if err != nil {
		t.Fatalf("Streams failed: %v", err)
	}
	if streams[topic.Uptime] != 3 || streams[topic.RecordCounts] != 1 {
		t.Fatalf("unexpected stream counts: %v", streams)
	}
}

func TestQueueRecentNewestFirst(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	uptime, _ := topic.Default().Resolve(topic.Uptime)

	base := time.UnixMilli(1_700_000_000_000)
	for i := 0; i < 5; i++ {
		rec := records.UptimeRecord{Time: base.Add(time.Duration(i) * time.Second), UptimeSeconds: float64(i)}
		if err := q.Put(ctx, uptime, rec); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	rows, err := q.Recent(ctx, topic.Uptime, 2)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	var newest records.UptimeRecord
	if err := json.Unmarshal(rows[0].Payload, &newest); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if newest.UptimeSeconds != 4 {
		t.Errorf("expected newest uptime 4, got %v", newest.UptimeSeconds)
	}
	if !rows[0].Time.Equal(base.Add(4 * time.Second)) {
		t.Errorf("unexpected record time %s", rows[0].Time)
	}
	if rows[0].Schema != uptime.Schema {
		t.Errorf("expected schema %s, got %s", uptime.Schema, rows[0].Schema)
	}
}

func TestQueueRejectsAfterClose(t *testing.T) {
	q := openTestQueue(t)
	uptime, _ := topic.Default().Resolve(topic.Uptime)
	if err := q.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := q.Put(context.Background(), uptime, records.UptimeRecord{Time: time.Now()}); err == nil {
		t.Fatal("expected error after close")
	}
	if err := q.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestQueuePutRequiresTopic(t *testing.T) {
	q := openTestQueue(t)
	if err := q.Put(context.Background(), nil, records.UptimeRecord{}); err == nil {
		t.Fatal("expected error for nil topic")
	}
}
