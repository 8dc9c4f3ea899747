package node

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"dapnode.dev/aggregator/dap"
	"dapnode.dev/aggregator/store"
)

// Config is the process-level configuration for a Leader or Helper
// Aggregator deployment. Grounded structurally on the teacher's own
// node/config.go (DefaultDataDir + allowedLogLevels map + Validate
// returning wrapped errors), with fields swapped from P2P networking to
// DAP role/task-store/peer-URL config.
type Config struct {
	Role           store.Role `json:"role"`
	BindAddr       string     `json:"bind_addr"`
	DataDir        string     `json:"data_dir"`
	LogLevel       string     `json:"log_level"`
	DefaultVersion dap.Version `json:"default_version"`

	// PeerBaseURL is the other Aggregator's base URL: the Leader's Helper,
	// or the Helper's Leader. Used to exchange AggregateInitializeReq/
	// AggregateContinueReq/AggregateShareReq over HTTP.
	PeerBaseURL string `json:"peer_base_url"`

	// StorageProxyURL is the storage-proxy's base URL (spec.md §6). Empty
	// selects the embedded bbolt store instead (store.OpenBoltStore),
	// which is the right default for a single-process deployment or test
	// harness; production multi-replica deployments set this.
	StorageProxyURL         string `json:"storage_proxy_url"`
	StorageProxyBearerToken string `json:"storage_proxy_bearer_token"`

	// InteropMode enables the internal test surface of spec.md §6
	// ("Internal test surface ... present only in interop builds").
	InteropMode bool `json:"interop_mode"`

	// NumAggSpanShards is the default sharding width stamped onto newly
	// created tasks (store.TaskConfig.NumAggSpanShards). Promoted from a
	// hard-coded constant in the original test path to an operator config
	// field, per spec.md §9's open question on this value; 4 remains the
	// default.
	NumAggSpanShards uint32 `json:"num_agg_span_shards"`
}

var allowedLogLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".dap-aggregator"
	}
	return filepath.Join(home, ".dap-aggregator")
}

func DefaultConfig() Config {
	return Config{
		Role:             store.RoleLeader,
		BindAddr:         "0.0.0.0:8080",
		DataDir:          DefaultDataDir(),
		LogLevel:         "info",
		DefaultVersion:   dap.Draft07,
		NumAggSpanShards: 4,
	}
}

func ValidateConfig(cfg Config) error {
	if cfg.Role != store.RoleLeader && cfg.Role != store.RoleHelper {
		return fmt.Errorf("invalid role %d", cfg.Role)
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return errors.New("data_dir is required")
	}
	if err := validateAddr(cfg.BindAddr); err != nil {
		return fmt.Errorf("invalid bind_addr: %w", err)
	}
	if cfg.PeerBaseURL != "" {
		if err := validateBaseURL(cfg.PeerBaseURL); err != nil {
			return fmt.Errorf("invalid peer_base_url: %w", err)
		}
	}
	if cfg.StorageProxyURL != "" {
		if err := validateBaseURL(cfg.StorageProxyURL); err != nil {
			return fmt.Errorf("invalid storage_proxy_url: %w", err)
		}
		if strings.TrimSpace(cfg.StorageProxyBearerToken) == "" {
			return errors.New("storage_proxy_bearer_token is required when storage_proxy_url is set")
		}
	}
	logLevel := strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if _, ok := allowedLogLevels[logLevel]; !ok {
		return fmt.Errorf("invalid log_level %q", cfg.LogLevel)
	}
	if cfg.DefaultVersion != dap.Draft02 && cfg.DefaultVersion != dap.Draft07 {
		return fmt.Errorf("invalid default_version %d", cfg.DefaultVersion)
	}
	if cfg.NumAggSpanShards == 0 {
		return errors.New("num_agg_span_shards must be > 0")
	}
	return nil
}

// LoadBearerTokenFile reads a bearer token from name within dir. Operators
// use this to keep storage-proxy bearer tokens out of the config JSON and
// process argv; name is rejected if it isn't a plain file directly inside
// dir, so a bearer-token-file flag can never be tricked into walking out
// of the directory an operator pointed it at.
func LoadBearerTokenFile(dir, name string) (string, error) {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name {
		return "", fmt.Errorf("invalid bearer token file name: %q", name)
	}
	b, err := fs.ReadFile(os.DirFS(dir), name)
	if err != nil {
		return "", fmt.Errorf("reading bearer token file: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

func validateAddr(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("empty address")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if strings.TrimSpace(port) == "" {
		return errors.New("missing port")
	}
	if strings.Contains(host, " ") {
		return errors.New("invalid host")
	}
	return nil
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}
