package node

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tailscale/hujson"

	"github.com/calvinalkan/kvwal/pkg/compactor"
	"github.com/calvinalkan/kvwal/pkg/dedup"
	"github.com/calvinalkan/kvwal/pkg/health"
	"github.com/calvinalkan/kvwal/pkg/keyspace"
)

// Role is a node's replication role.
type Role string

const (
	RoleLeader   Role = "leader"
	RoleFollower Role = "follower"
)

// Peer is one entry in a leader's view of its followers.
type Peer struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// seconds marshals as a plain JSON number of seconds but is used internally
// as a time.Duration, matching this config file's unit convention.
type seconds time.Duration

func (s seconds) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(s).Seconds())
}

func (s *seconds) UnmarshalJSON(data []byte) error {
	var f float64

	err := json.Unmarshal(data, &f)
	if err != nil {
		return err
	}

	*s = seconds(time.Duration(f * float64(time.Second)))

	return nil
}

func (s seconds) Duration() time.Duration { return time.Duration(s) }

// Config is a node's complete configuration, loaded from a JSON-with-comments
// file with CLI flag overrides applied on top (see LoadConfig).
type Config struct {
	NodeID   string `json:"node_id"`
	Role     Role   `json:"role"`
	ListenAddr string `json:"listen_addr"`
	DataDir    string `json:"data_dir"`
	LeaderURL  string `json:"leader_url,omitempty"`
	Peers      []Peer `json:"peers,omitempty"`

	MaxSegmentSize int64 `json:"max_segment_size"`

	HeartbeatInterval seconds `json:"heartbeat_interval"`
	HeartbeatTimeout  seconds `json:"heartbeat_timeout"`

	DedupTTL seconds `json:"dedup_ttl"`

	CompactionInterval    seconds `json:"compaction_interval"`
	MinCompactionInterval seconds `json:"min_compaction_interval"`
	CompactionEnabled     bool    `json:"compaction_enabled"`

	HistoryLimit int `json:"history_limit"`
}

// DefaultConfig returns the default configuration for a standalone leader
// with no peers.
func DefaultConfig() Config {
	return Config{
		Role:                  RoleLeader,
		ListenAddr:            ":8080",
		DataDir:               "./data",
		MaxSegmentSize:        1 << 20,
		HeartbeatInterval:     seconds(health.DefaultHeartbeatInterval),
		HeartbeatTimeout:      seconds(health.DefaultHeartbeatTimeout),
		DedupTTL:              seconds(dedup.DefaultTTL),
		CompactionInterval:    seconds(compactor.DefaultInterval),
		MinCompactionInterval: seconds(compactor.DefaultMinInterval),
		CompactionEnabled:     true,
		HistoryLimit:          keyspace.DefaultHistoryLimit,
	}
}

var (
	errConfigFileRead  = errors.New("node: read config file")
	errConfigInvalid   = errors.New("node: invalid config")
	errMissingLeaderURL = errors.New("node: follower requires leader_url")
)

// Overrides holds the subset of Config fields a CLI invocation may override,
// alongside which fields were actually set (so a zero value is not
// mistaken for "not set").
type Overrides struct {
	NodeID         *string
	ListenAddr     *string
	DataDir        *string
	LeaderURL      *string
	CompactionEnabled *bool
}

// LoadConfig loads a node's configuration with the following precedence
// (highest wins): 1. defaults, 2. the JSON-with-comments file at path (if
// non-empty and present), 3. CLI overrides.
func LoadConfig(path string, overrides Overrides) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %w", errConfigFileRead, path, err)
		}

		standardized, err := hujson.Standardize(data)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: invalid JWCC: %w", errConfigInvalid, path, err)
		}

		var fileCfg Config

		err = json.Unmarshal(standardized, &fileCfg)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %w", errConfigInvalid, path, err)
		}

		cfg = mergeConfig(cfg, fileCfg, standardized)
	}

	applyOverrides(&cfg, overrides)

	err := validateConfig(cfg)
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// mergeConfig overlays every field fileCfg's raw JSON explicitly set onto
// base, so an absent field in the file never clobbers a default with its
// Go zero value.
func mergeConfig(base, fileCfg Config, rawFile []byte) Config {
	var present map[string]json.RawMessage

	_ = json.Unmarshal(rawFile, &present)

	if _, ok := present["node_id"]; ok {
		base.NodeID = fileCfg.NodeID
	}

	if _, ok := present["role"]; ok {
		base.Role = fileCfg.Role
	}

	if _, ok := present["listen_addr"]; ok {
		base.ListenAddr = fileCfg.ListenAddr
	}

	if _, ok := present["data_dir"]; ok {
		base.DataDir = fileCfg.DataDir
	}

	if _, ok := present["leader_url"]; ok {
		base.LeaderURL = fileCfg.LeaderURL
	}

	if _, ok := present["peers"]; ok {
		base.Peers = fileCfg.Peers
	}

	if _, ok := present["max_segment_size"]; ok {
		base.MaxSegmentSize = fileCfg.MaxSegmentSize
	}

	if _, ok := present["heartbeat_interval"]; ok {
		base.HeartbeatInterval = fileCfg.HeartbeatInterval
	}

	if _, ok := present["heartbeat_timeout"]; ok {
		base.HeartbeatTimeout = fileCfg.HeartbeatTimeout
	}

	if _, ok := present["dedup_ttl"]; ok {
		base.DedupTTL = fileCfg.DedupTTL
	}

	if _, ok := present["compaction_interval"]; ok {
		base.CompactionInterval = fileCfg.CompactionInterval
	}

	if _, ok := present["min_compaction_interval"]; ok {
		base.MinCompactionInterval = fileCfg.MinCompactionInterval
	}

	if _, ok := present["compaction_enabled"]; ok {
		base.CompactionEnabled = fileCfg.CompactionEnabled
	}

	if _, ok := present["history_limit"]; ok {
		base.HistoryLimit = fileCfg.HistoryLimit
	}

	return base
}

func applyOverrides(cfg *Config, overrides Overrides) {
	if overrides.NodeID != nil {
		cfg.NodeID = *overrides.NodeID
	}

	if overrides.ListenAddr != nil {
		cfg.ListenAddr = *overrides.ListenAddr
	}

	if overrides.DataDir != nil {
		cfg.DataDir = *overrides.DataDir
	}

	if overrides.LeaderURL != nil {
		cfg.LeaderURL = *overrides.LeaderURL
	}

	if overrides.CompactionEnabled != nil {
		cfg.CompactionEnabled = *overrides.CompactionEnabled
	}
}

func validateConfig(cfg Config) error {
	if cfg.NodeID == "" {
		return fmt.Errorf("%w: node_id must be set", errConfigInvalid)
	}

	if cfg.Role == RoleFollower && cfg.LeaderURL == "" {
		return errMissingLeaderURL
	}

	return nil
}

// PeerURLs returns the configured peers as an id->url map.
func (c Config) PeerURLs() map[string]string {
	out := make(map[string]string, len(c.Peers))
	for _, p := range c.Peers {
		out[p.ID] = p.URL
	}

	return out
}
