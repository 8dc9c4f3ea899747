package store

import (
	"dapnode.dev/aggregator/dap"
)

// Role is which side of a task this deployment plays.
type Role uint8

const (
	RoleLeader Role = iota
	RoleHelper
)

// BearerToken is an opaque authentication credential.
type BearerToken string

// TaskConfig is the persisted, store-level task record: everything a
// Leader or Helper needs to process a task once it's been provisioned,
// keyed by task_id and expiring at NotAfter. Distinct from dap.TaskConfig
// (the taskprov wire message used to provision it out of band) — this is
// what actually lives behind the TaskConfigPrefix.
type TaskConfig struct {
	Version             dap.Version
	LeaderURL           string
	HelperURL           string
	TimePrecision       dap.Duration
	NotBefore           dap.Time
	NotAfter            dap.Time
	MinBatchSize        uint64
	Query               dap.QueryConfig
	Vdaf                dap.VdafConfig
	VdafVerifyKey       []byte
	CollectorHpkeConfig dap.HpkeConfig
	Method              Role
	NumAggSpanShards    uint32
}

// HpkeReceiverConfig pairs an HpkeConfig with the private key material an
// Aggregator uses to open ciphertexts sealed to it.
type HpkeReceiverConfig struct {
	Config     dap.HpkeConfig
	PrivateKey []byte
}

func taskIDKey(id dap.TaskId) string { return id.Base64URL() }

// TaskConfigPrefix is task_id -> TaskConfig, with TTL = task_expiration.
var TaskConfigPrefix = NewPrefix[dap.TaskId, TaskConfig]("task_config", taskIDKey)

// LeaderBearerTokenPrefix is task_id -> BearerToken, the token a Leader
// expects from its authenticated Collector.
var LeaderBearerTokenPrefix = NewPrefix[dap.TaskId, BearerToken]("leader_bearer_token", taskIDKey)

// CollectorBearerTokenPrefix is task_id -> BearerToken, the token a
// Collector presents when issuing collect requests.
var CollectorBearerTokenPrefix = NewPrefix[dap.TaskId, BearerToken]("collector_bearer_token", taskIDKey)

// HpkeReceiverConfigSetPrefix is version -> []HpkeReceiverConfig: every
// HPKE key this Aggregator can decrypt input/aggregate shares under, for
// a given draft version.
var HpkeReceiverConfigSetPrefix = NewPrefix[dap.Version, []HpkeReceiverConfig](
	"hpke_receiver_config_set",
	func(v dap.Version) string {
		if v == dap.Draft02 {
			return "draft02"
		}
		return "draft07"
	},
)

// GlobalOverrideKey names a deployment-wide override, e.g.
// SkipReplayProtection.
type GlobalOverrideKey string

const GlobalOverrideSkipReplayProtection GlobalOverrideKey = "skip_replay_protection"

// NewGlobalConfigOverridePrefix builds a Prefix for a single global
// override key whose value type is T; each call site fixes its own T
// through the type parameter rather than the store needing to know every
// override's shape ahead of time.
func NewGlobalConfigOverridePrefix[T any]() Prefix[GlobalOverrideKey, T] {
	return NewPrefix[GlobalOverrideKey, T]("global_config_override", func(k GlobalOverrideKey) string {
		return string(k)
	})
}
