package aggregator

import (
	"context"
	"log/slog"

	"dapnode.dev/aggregator/store"
)

// ReplayProtection is the effective replay-protection mode for a
// deployment, resolved once per request from a global KV override so an
// operator can disable it for local/interop testing without a redeploy.
type ReplayProtection uint8

const (
	ReplayProtectionEnabled ReplayProtection = iota
	ReplayProtectionInsecureDisabled
)

// FetchReplayProtectionOverride resolves the effective ReplayProtection
// mode for this deployment. Any failure to read the override - a storage
// error or a missing key - fails safe to Enabled; only an explicit stored
// `true` disables it. Grounded verbatim on fetch_replay_protection_override
// in daphne-server's roles module.
func FetchReplayProtectionOverride(ctx context.Context, log *slog.Logger, kv store.Store, overrides store.Prefix[store.GlobalOverrideKey, bool]) ReplayProtection {
	skip, err := overrides.GetCloned(ctx, kv, store.GlobalOverrideSkipReplayProtection, store.GetOptions{CacheNotFound: true})
	if err != nil {
		if err != store.ErrNotFound {
			log.Error("failed to fetch skip_replay_protection from kv", "error", err)
		}
		return ReplayProtectionEnabled
	}
	if skip {
		log.Debug("replay protection is disabled")
		return ReplayProtectionInsecureDisabled
	}
	return ReplayProtectionEnabled
}
