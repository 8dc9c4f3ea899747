// Command dap-taskgen prints the leader and helper internal_add_task
// payloads for a freshly generated DAP task: a random task ID, a fresh
// collector HPKE receiver config, and a random VDAF verify key. Grounded
// on original_source/crates/generate-task/src/main.rs, reworked from a
// one-shot Rust binary printing two json! blocks into a flag-driven Go
// CLI in the teacher's run(args, stdout, stderr) int idiom.
package main

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"dapnode.dev/aggregator/dap"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("dap-taskgen", flag.ContinueOnError)
	fs.SetOutput(stderr)

	leaderURL := fs.String("leader", "http://localhost:8787", "leader aggregator base URL")
	helperURL := fs.String("helper", "http://localhost:8788", "helper aggregator base URL")
	leaderToken := fs.String("leader-token", "I-am-the-leader", "leader authentication bearer token")
	collectorToken := fs.String("collector-token", "I-am-the-collector", "collector authentication bearer token")
	minBatchSize := fs.Uint("min-batch-size", 1, "minimum batch size")
	maxBatchSize := fs.Uint("max-batch-size", 12, "maximum batch size (fixed-size query only)")
	timePrecision := fs.Uint64("time-precision", 3600, "time-interval bucket width, in seconds")
	taskTTL := fs.Duration("ttl", 7*24*time.Hour, "task lifetime from now")
	fixedSize := fs.Bool("fixed-size", false, "use fixed-size query instead of time-interval")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	taskID, err := randomID()
	if err != nil {
		fmt.Fprintln(stderr, "dap-taskgen:", err)
		return 1
	}
	vdafVerifyKey := make([]byte, 32)
	if _, err := rand.Read(vdafVerifyKey); err != nil {
		fmt.Fprintln(stderr, "dap-taskgen:", err)
		return 1
	}
	collectorKey, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		fmt.Fprintln(stderr, "dap-taskgen:", err)
		return 1
	}
	collectorHpkeConfig := dap.HpkeConfig{
		Id:        1,
		KemId:     dap.HpkeKemX25519HkdfSha256,
		KdfId:     dap.HpkeKdfHkdfSha256,
		AeadId:    dap.HpkeAeadAes128Gcm,
		PublicKey: collectorKey.PublicKey().Bytes(),
	}
	collectorHpkeConfigBytes, err := collectorHpkeConfig.Encode(nil)
	if err != nil {
		fmt.Fprintln(stderr, "dap-taskgen:", err)
		return 1
	}

	now := time.Now()
	queryType := 1
	if *fixedSize {
		queryType = 2
	}

	// Only Prio2 has a concrete wire encoding (dap/taskprov.go); the
	// interop add_task JSON shape doesn't currently expose a dimension
	// parameter for it, so this always asks for the codec's zero-value
	// dimension.
	doc := taskDoc{
		TaskId:                    base64.RawURLEncoding.EncodeToString(taskID[:]),
		Leader:                    *leaderURL,
		Helper:                    *helperURL,
		Vdaf:                      vdafDoc{Type: "Prio2"},
		VdafVerifyKey:             base64.RawURLEncoding.EncodeToString(vdafVerifyKey),
		CollectorHpkeConfig:       base64.RawURLEncoding.EncodeToString(collectorHpkeConfigBytes),
		QueryType:                 queryType,
		MinBatchSize:              uint32(*minBatchSize),
		TimePrecision:             *timePrecision,
		TaskExpiration:            uint64(now.Add(*taskTTL).Unix()),
		LeaderAuthenticationToken: *leaderToken,
	}
	if *fixedSize {
		mb := uint32(*maxBatchSize)
		doc.MaxBatchSize = &mb
	}

	leaderDoc := doc
	leaderDoc.Role = "leader"
	ct := *collectorToken
	leaderDoc.CollectorAuthenticationToken = &ct

	helperDoc := doc
	helperDoc.Role = "helper"

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	fmt.Fprintln(stdout, "leader")
	if err := enc.Encode(leaderDoc); err != nil {
		fmt.Fprintln(stderr, "dap-taskgen:", err)
		return 1
	}
	fmt.Fprintln(stdout, "helper")
	if err := enc.Encode(helperDoc); err != nil {
		fmt.Fprintln(stderr, "dap-taskgen:", err)
		return 1
	}
	return 0
}

func randomID() (dap.Id, error) {
	var id dap.Id
	_, err := rand.Read(id[:])
	return id, err
}

// taskDoc mirrors node/internal_test_handlers.go's internalTestAddTask
// JSON shape so its output can be piped straight into
// POST /internal/test/add_task on both aggregators.
type taskDoc struct {
	TaskId                       string  `json:"task_id"`
	Leader                       string  `json:"leader"`
	Helper                       string  `json:"helper"`
	Vdaf                         vdafDoc `json:"vdaf"`
	VdafVerifyKey                string  `json:"vdaf_verify_key"`
	CollectorHpkeConfig          string  `json:"collector_hpke_config"`
	QueryType                    int     `json:"query_type"`
	MinBatchSize                 uint32  `json:"min_batch_size"`
	MaxBatchSize                 *uint32 `json:"max_batch_size,omitempty"`
	TimePrecision                uint64  `json:"time_precision"`
	TaskExpiration               uint64  `json:"task_expiration"`
	Role                         string  `json:"role"`
	LeaderAuthenticationToken    string  `json:"leader_authentication_token"`
	CollectorAuthenticationToken *string `json:"collector_authentication_token,omitempty"`
}

type vdafDoc struct {
	Type        string `json:"type"`
	Bits        string `json:"bits,omitempty"`
	Length      string `json:"length,omitempty"`
	ChunkLength string `json:"chunk_length,omitempty"`
}
