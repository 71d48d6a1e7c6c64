// Package config loads the node's on-disk JSON configuration: the
// keypair file, the committee file (delegated to internal/committee), and
// the parameters file. Per SPEC_FULL.md's AMBIENT STACK section this uses
// encoding/json directly rather than kwil-db's CfgVar registry, since these
// are small fixed-shape files with no env/flag precedence to reconcile.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	ncrypto "github.com/PearTNhat/narwhal/internal/crypto"
)

// Parameters is the node's tunable operating parameters (spec §6). A
// missing parameters file means every field takes its documented default.
type Parameters struct {
	HeaderSize     uint64        `json:"header_size"`
	MaxHeaderDelay time.Duration `json:"max_header_delay"`
	GCDepth        uint64        `json:"gc_depth"`
	SyncRetryDelay time.Duration `json:"sync_retry_delay"`
	SyncRetryNodes int           `json:"sync_retry_nodes"`
	BatchSize      uint64        `json:"batch_size"`
	MaxBatchDelay  time.Duration `json:"max_batch_delay"`
}

// DefaultParameters are applied to any field left at its zero value after
// loading (and to the whole struct when no parameters file is present).
func DefaultParameters() Parameters {
	return Parameters{
		HeaderSize:     1,
		MaxHeaderDelay: 2 * time.Second,
		GCDepth:        50,
		SyncRetryDelay: 5 * time.Second,
		SyncRetryNodes: 3,
		BatchSize:      500_000,
		MaxBatchDelay:  100 * time.Millisecond,
	}
}

// LoadParameters reads and parses a parameters file, or returns the
// documented defaults if path does not exist ("missing file = defaults",
// spec §6).
func LoadParameters(path string) (Parameters, error) {
	p := DefaultParameters()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return Parameters{}, fmt.Errorf("config: read parameters %s: %w", path, err)
	}

	var onDisk Parameters
	if err := json.Unmarshal(data, &onDisk); err != nil {
		return Parameters{}, fmt.Errorf("config: parse parameters %s: %w", path, err)
	}
	p.applyOverrides(onDisk)
	return p, nil
}

func (p *Parameters) applyOverrides(o Parameters) {
	if o.HeaderSize != 0 {
		p.HeaderSize = o.HeaderSize
	}
	if o.MaxHeaderDelay != 0 {
		p.MaxHeaderDelay = o.MaxHeaderDelay
	}
	if o.GCDepth != 0 {
		p.GCDepth = o.GCDepth
	}
	if o.SyncRetryDelay != 0 {
		p.SyncRetryDelay = o.SyncRetryDelay
	}
	if o.SyncRetryNodes != 0 {
		p.SyncRetryNodes = o.SyncRetryNodes
	}
	if o.BatchSize != 0 {
		p.BatchSize = o.BatchSize
	}
	if o.MaxBatchDelay != 0 {
		p.MaxBatchDelay = o.MaxBatchDelay
	}
}

// LoadKeypair reads and parses a keypair JSON file (spec §6).
func LoadKeypair(path string) (ncrypto.Keypair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ncrypto.Keypair{}, fmt.Errorf("config: read keypair %s: %w", path, err)
	}
	var kp ncrypto.Keypair
	if err := json.Unmarshal(data, &kp); err != nil {
		return ncrypto.Keypair{}, fmt.Errorf("config: parse keypair %s: %w", path, err)
	}
	return kp, nil
}
