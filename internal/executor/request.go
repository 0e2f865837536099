package executor

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"time"
)

// NetworkPolicy controls egress from the execution environment.
// The zero value denies all egress; any allowance must be explicit
// and is set only by privileged callers.
type NetworkPolicy struct {
	AllowEgress  bool     `json:"allow_egress"`
	AllowedHosts []string `json:"allowed_hosts,omitempty"`
}

// ExecutionRequest is the immutable unit of work: a command, its input,
// and the limits it runs under. Its content hash is the cache key.
type ExecutionRequest struct {
	TenantID    string         `json:"tenant_id"`
	Command     []string       `json:"command"`
	InputName   string         `json:"input_name,omitempty"` // file name the input is written as inside /workspace
	Input       []byte         `json:"input,omitempty"`
	SnapshotDir string         `json:"snapshot_dir,omitempty"` // host directory seeding the workspace overlay
	Env         []string       `json:"env,omitempty"`
	Limits      ResourceLimits `json:"limits"`
	Timeout     time.Duration  `json:"timeout"`
	Network     NetworkPolicy  `json:"network"`
	BypassCache bool           `json:"bypass_cache,omitempty"`
	GroupID     string         `json:"group_id,omitempty"` // correlates jobs submitted together (e.g. per-command verify runs)
}

// ContentHash returns a deterministic digest of the semantically relevant
// request fields. Identical hashes mean identical execution behavior, so
// the hash is safe to use as a cache key. Tenant, group and cache-bypass
// flags are deliberately excluded.
//
// SnapshotDir is digested as a path, not by content: the path stands as
// a proxy for an immutable snapshot. Callers that mutate a snapshot
// directory in place between submissions must set BypassCache, or use a
// fresh directory per snapshot version.
func (r ExecutionRequest) ContentHash() string {
	h := sha256.New()

	writeField := func(tag string, data []byte) {
		var lenBuf [8]byte
		h.Write([]byte(tag))
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(data)))
		h.Write(lenBuf[:])
		h.Write(data)
	}

	for _, arg := range r.Command {
		writeField("arg", []byte(arg))
	}
	writeField("input_name", []byte(r.InputName))
	writeField("input", r.Input)
	writeField("snapshot", []byte(r.SnapshotDir))

	env := append([]string(nil), r.Env...)
	sort.Strings(env)
	for _, e := range env {
		writeField("env", []byte(e))
	}

	if r.Network.AllowEgress {
		writeField("net", []byte("egress"))
		hosts := append([]string(nil), r.Network.AllowedHosts...)
		sort.Strings(hosts)
		for _, host := range hosts {
			writeField("host", []byte(host))
		}
	}

	writeField("timeout", []byte(r.Timeout.String()))
	writeField("limits", []byte(fmt.Sprintf("%d/%d/%d/%d",
		r.Limits.CPUShares, r.Limits.MemoryMB, r.Limits.PidsLimit, r.Limits.DiskMB)))

	return fmt.Sprintf("%x", h.Sum(nil))
}

// Validate checks the request is executable.
func (r ExecutionRequest) Validate() error {
	if len(r.Command) == 0 {
		return fmt.Errorf("%w: command is empty", ErrInvalidRequest)
	}
	if len(r.Input) > 1<<20 {
		return fmt.Errorf("%w: input exceeds 1MB limit", ErrInvalidRequest)
	}
	if len(r.Input) > 0 && r.InputName == "" {
		return fmt.Errorf("%w: input provided without input_name", ErrInvalidRequest)
	}
	if r.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidRequest)
	}
	if r.Limits != (ResourceLimits{}) {
		if err := r.Limits.Validate(); err != nil {
			return err
		}
	}
	return nil
}
