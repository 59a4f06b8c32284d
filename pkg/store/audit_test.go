package store

import (
	"errors"
	"testing"
	"time"
)

func TestAuditLogAppend(t *testing.T) {
	log := NewAuditLog()

	entry, err := log.Append(AuditRoutingTransition, "example.send_message@1.0.0", "active -> hidden", map[string]any{"rule": "HIDE_LOW_SUCCESS_RATE"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	if entry.Sequence != 1 {
		t.Errorf("expected sequence 1, got %d", entry.Sequence)
	}
	if entry.PreviousHash != "genesis" {
		t.Errorf("expected genesis previous hash, got %s", entry.PreviousHash)
	}
	if log.Head() != entry.EntryHash {
		t.Errorf("expected head %q, got %q", entry.EntryHash, log.Head())
	}
	if log.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", log.Len())
	}
}

func TestAuditLogChaining(t *testing.T) {
	log := NewAuditLog()

	e1, _ := log.Append(AuditManifestPublished, "example.send_message@1.0.0", "published", nil)
	e2, _ := log.Append(AuditRoutingTransition, "example.send_message@1.0.0", "active -> throttled", nil)
	e3, _ := log.Append(AuditRoutingTransition, "example.send_message@1.0.0", "throttled -> active", nil)

	if e2.PreviousHash != e1.EntryHash {
		t.Error("e2 should link to e1")
	}
	if e3.PreviousHash != e2.EntryHash {
		t.Error("e3 should link to e2")
	}
	if err := log.VerifyChain(); err != nil {
		t.Errorf("expected valid chain, got: %v", err)
	}
}

func TestAuditLogDetectsTampering(t *testing.T) {
	log := NewAuditLog()
	_, _ = log.Append(AuditBundleChanged, "tenant-a", "seeded", nil)
	e2, _ := log.Append(AuditRoutingTransition, "example.send_message@1.0.0", "active -> hidden", nil)

	e2.Action = "active -> preferred"

	err := log.VerifyChain()
	if !errors.Is(err, ErrAuditChainBroken) {
		t.Fatalf("expected broken chain, got: %v", err)
	}
}

func TestAuditLogQuery(t *testing.T) {
	log := NewAuditLog()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	log.now = func() time.Time { t := clock; clock = clock.Add(time.Minute); return t }

	_, _ = log.Append(AuditManifestPublished, "a.one@1.0.0", "published", nil)
	_, _ = log.Append(AuditRoutingTransition, "a.one@1.0.0", "active -> hidden", nil)
	_, _ = log.Append(AuditRoutingTransition, "b.two@2.0.0", "active -> throttled", nil)

	byKind := log.Query(AuditFilter{Kind: AuditRoutingTransition})
	if len(byKind) != 2 {
		t.Fatalf("expected 2 routing transitions, got %d", len(byKind))
	}

	bySubject := log.Query(AuditFilter{Subject: "b.two@2.0.0"})
	if len(bySubject) != 1 || bySubject[0].Action != "active -> throttled" {
		t.Fatalf("unexpected subject query result: %+v", bySubject)
	}

	since := log.Query(AuditFilter{Since: base.Add(90 * time.Second)})
	if len(since) != 1 {
		t.Fatalf("expected 1 entry since cutoff, got %d", len(since))
	}

	limited := log.Query(AuditFilter{Limit: 2})
	if len(limited) != 2 {
		t.Fatalf("expected limit 2, got %d", len(limited))
	}
}

func TestAuditLogSubscribe(t *testing.T) {
	log := NewAuditLog()
	var seen []AuditKind
	log.Subscribe(func(e *AuditEntry) { seen = append(seen, e.Kind) })

	_, _ = log.Append(AuditProbeCompleted, "a.one@1.0.0", "success", nil)
	_, _ = log.Append(AuditRoutingTransition, "a.one@1.0.0", "hidden -> active", nil)

	if len(seen) != 2 || seen[0] != AuditProbeCompleted || seen[1] != AuditRoutingTransition {
		t.Fatalf("unexpected sink deliveries: %v", seen)
	}
}

func TestAuditLogGet(t *testing.T) {
	log := NewAuditLog()
	e, _ := log.Append(AuditManifestPublished, "a.one@1.0.0", "published", nil)

	got, err := log.Get(e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.EntryHash != e.EntryHash {
		t.Error("hash mismatch on lookup")
	}

	if _, err := log.Get("missing"); !errors.Is(err, ErrAuditEntryNotFound) {
		t.Fatalf("expected not found, got: %v", err)
	}
}
