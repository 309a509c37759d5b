package herd

import (
	"sort"
	"strings"
)

const (
	// DefaultMaxConnections is the per-node connection cap.
	DefaultMaxConnections = uint64(50)

	// DefaultThrottleTime is the initial creation backoff in milliseconds.
	DefaultThrottleTime = uint32(10)

	// DefaultErrorCheckInterval is the minimum milliseconds between health probes.
	DefaultErrorCheckInterval = uint32(30000)

	// DefaultErrorCheckTimeout is the health probe deadline in milliseconds.
	DefaultErrorCheckTimeout = uint32(30000)

	// DefaultRequestTTL is how long a connection request may wait, in milliseconds.
	DefaultRequestTTL = uint32(5000)
)

// DefaultPools are the pool names a node serves when its config names none.
var DefaultPools = []string{"read", "write", "master"}

// ClusterConfig represents settings for creating/configuring a Cluster.
type ClusterConfig struct {
	Driver     string        `json:"Driver" yaml:"Driver"`
	RequestTTL uint32        `json:"RequestTTL" yaml:"RequestTTL"` // milliseconds a request may wait before aborting
	Nodes      []*NodeConfig `json:"Nodes" yaml:"Nodes"`
}

// NodeConfig represents settings for a single database host.
type NodeConfig struct {
	Host     string `json:"Host" yaml:"Host"`
	Port     uint32 `json:"Port" yaml:"Port"`
	User     string `json:"User" yaml:"User"`
	Pass     string `json:"Pass" yaml:"Pass"`
	Database string `json:"Database" yaml:"Database"`
	Schema   string `json:"Schema" yaml:"Schema"`

	Pools              []string `json:"Pools" yaml:"Pools"`
	MaxConnections     uint64   `json:"MaxConnections" yaml:"MaxConnections"`
	ThrottleTime       uint32   `json:"ThrottleTime" yaml:"ThrottleTime"`             // initial backoff in ms
	ErrorCheckInterval uint32   `json:"ErrorCheckInterval" yaml:"ErrorCheckInterval"` // min ms between probes
	ErrorCheckTimeout  uint32   `json:"ErrorCheckTimeout" yaml:"ErrorCheckTimeout"`   // probe deadline in ms
}

// withDefaults returns a copy with every unset tuning field filled in.
func (cfg *NodeConfig) withDefaults() *NodeConfig {
	out := *cfg

	if len(out.Pools) == 0 {
		out.Pools = append([]string{}, DefaultPools...)
	}
	if out.MaxConnections == 0 {
		out.MaxConnections = DefaultMaxConnections
	}
	if out.ThrottleTime == 0 {
		out.ThrottleTime = DefaultThrottleTime
	}
	if out.ErrorCheckInterval == 0 {
		out.ErrorCheckInterval = DefaultErrorCheckInterval
	}
	if out.ErrorCheckTimeout == 0 {
		out.ErrorCheckTimeout = DefaultErrorCheckTimeout
	}

	return &out
}

// compositeName joins the pool names deterministically for observability.
func compositeName(pools []string) string {
	sorted := append([]string{}, pools...)
	sort.Strings(sorted)
	return strings.Join(sorted, ".")
}
