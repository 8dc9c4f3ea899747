package aggregator

import (
	"context"
	"log/slog"
	"testing"

	"dapnode.dev/aggregator/store"
)

func TestFetchReplayProtectionOverrideMissingKeyIsEnabled(t *testing.T) {
	s, err := store.OpenBoltStore(t.TempDir() + "/store.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	overrides := store.NewGlobalConfigOverridePrefix[bool]()
	log := slog.Default()
	mode := FetchReplayProtectionOverride(context.Background(), log, s, overrides)
	if mode != ReplayProtectionEnabled {
		t.Fatalf("missing override key must fail safe to Enabled, got %v", mode)
	}
}

func TestFetchReplayProtectionOverrideExplicitTrueDisables(t *testing.T) {
	s, err := store.OpenBoltStore(t.TempDir() + "/store.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	overrides := store.NewGlobalConfigOverridePrefix[bool]()
	if err := overrides.Put(context.Background(), s, store.GlobalOverrideSkipReplayProtection, true); err != nil {
		t.Fatalf("put: %v", err)
	}

	mode := FetchReplayProtectionOverride(context.Background(), slog.Default(), s, overrides)
	if mode != ReplayProtectionInsecureDisabled {
		t.Fatalf("explicit true override must disable replay protection, got %v", mode)
	}
}
