package audit

import (
	"testing"
	"time"
)

func TestAppendChainsEvents(t *testing.T) {
	s := NewInMemoryStore()
	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	first, err := s.Append(Event{
		AuditID:    "a1",
		RecordedAt: now,
		ActorID:    "adm-1",
		ObjectType: "admin_session",
		Action:     "login",
		Result:     ResultSuccess,
	})
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	if first.HashPrev != "GENESIS" || first.HashCurr == "" {
		t.Fatalf("unexpected hash chain on first event: %+v", first)
	}

	second, err := s.Append(Event{
		AuditID:    "a2",
		RecordedAt: now.Add(time.Second),
		ActorID:    "adm-1",
		ObjectType: "admin_session",
		Action:     "logout",
		Result:     ResultSuccess,
	})
	if err != nil {
		t.Fatalf("append second: %v", err)
	}
	if second.HashPrev != first.HashCurr {
		t.Fatalf("expected chain link, got prev=%s want=%s", second.HashPrev, first.HashCurr)
	}
}

func TestAppendDetectsTampering(t *testing.T) {
	s := NewInMemoryStore()
	now := time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC)

	if _, err := s.Append(Event{AuditID: "a1", RecordedAt: now, ActorID: "adm-1", Action: "transfer", Result: ResultSuccess}); err != nil {
		t.Fatalf("append: %v", err)
	}
	s.events[0].Action = "recharge"

	if _, err := s.Append(Event{AuditID: "a2", RecordedAt: now.Add(time.Second), ActorID: "adm-1", Action: "transfer", Result: ResultSuccess}); err != ErrCorruptChain {
		t.Fatalf("expected ErrCorruptChain, got %v", err)
	}
}
