package token

import (
	"testing"
	"time"
)

func TestIssueProducesHex64(t *testing.T) {
	v := NewVault()
	key, err := v.Issue()
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if len(key) != 64 {
		t.Fatalf("expected 64 hex chars (32 bytes), got %d: %q", len(key), key)
	}
}

func TestConsumeIsSingleUse(t *testing.T) {
	v := NewVault()
	key, _ := v.Issue()

	if !v.Consume(key) {
		t.Fatal("first consume should succeed")
	}
	if v.Consume(key) {
		t.Fatal("second consume of the same key should fail")
	}
}

func TestConsumeUnknownKeyFails(t *testing.T) {
	v := NewVault()
	if v.Consume("deadbeef") {
		t.Fatal("consuming an unknown key should fail")
	}
}

func TestConsumeExpiredKeyFails(t *testing.T) {
	v := NewVault()
	base := time.Now()
	v.now = func() time.Time { return base }

	key, _ := v.Issue()

	v.now = func() time.Time { return base.Add(TTL + time.Second) }
	if v.Consume(key) {
		t.Fatal("consume should fail once the key has expired")
	}
}
