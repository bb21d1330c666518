package queue

import (
	"testing"

	"github.com/andikarp/medsync/internal/domain"
)

func TestMain(m *testing.M) {
	if err := domain.ConfigureSources([]string{"rsia_melinda", "rsud_gambiran"}); err != nil {
		panic(err)
	}
	m.Run()
}

func TestQueueNames(t *testing.T) {
	work := WorkQueueNames()
	if len(work) != 2 {
		t.Fatalf("WorkQueueNames len = %d, want 2", len(work))
	}

	expected := map[string]struct{}{
		"sync.rsia_melinda":  {},
		"sync.rsud_gambiran": {},
	}

	for _, name := range work {
		if _, ok := expected[name]; !ok {
			t.Fatalf("unexpected queue name: %s", name)
		}
	}

	dlq := DLQNames()
	if len(dlq) != 2 {
		t.Fatalf("DLQNames len = %d, want 2", len(dlq))
	}

	expectedDLQ := map[string]struct{}{
		"dlq.sync.rsia_melinda":  {},
		"dlq.sync.rsud_gambiran": {},
	}

	for _, name := range dlq {
		if _, ok := expectedDLQ[name]; !ok {
			t.Fatalf("unexpected dlq name: %s", name)
		}
	}
}

func TestSyncQueueName(t *testing.T) {
	if got := SyncQueueName("rsia_melinda"); got != "sync.rsia_melinda" {
		t.Fatalf("SyncQueueName = %s", got)
	}
	if got := DLQName("rsud_gambiran"); got != "dlq.sync.rsud_gambiran" {
		t.Fatalf("DLQName = %s", got)
	}
}

func TestSyncRequestMessageValidate(t *testing.T) {
	msg := SyncRequestMessage{
		BatchID:    "b1",
		SourceKey:  "rsia_melinda",
		TargetDate: "2025-03-10",
		Actor:      "drd",
	}
	if err := msg.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}
	if got := msg.Date().Format("2006-01-02"); got != "2025-03-10" {
		t.Fatalf("Date() = %s", got)
	}

	msg.BatchID = ""
	if err := msg.Validate(); err == nil {
		t.Fatal("expected error for empty batch id")
	}

	msg.BatchID = "b1"
	msg.SourceKey = "unknown_hospital"
	if err := msg.Validate(); err == nil {
		t.Fatal("expected error for unknown source")
	}

	msg.SourceKey = "rsia_melinda"
	msg.TargetDate = "10-03-2025"
	if err := msg.Validate(); err == nil {
		t.Fatal("expected error for malformed target date")
	}
}
