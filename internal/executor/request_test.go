package executor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func baseRequest() ExecutionRequest {
	return ExecutionRequest{
		TenantID:  "tenant-a",
		Command:   []string{"python3", "repro.py"},
		InputName: "input.txt",
		Input:     []byte("crash me\n"),
		Env:       []string{"A=1", "B=2"},
		Limits:    DefaultLimits(),
		Timeout:   10 * time.Second,
	}
}

func TestContentHashDeterministic(t *testing.T) {
	a := baseRequest()
	b := baseRequest()

	if a.ContentHash() != b.ContentHash() {
		t.Errorf("ContentHash() differs for identical requests")
	}
}

func TestContentHashEnvOrderInsensitive(t *testing.T) {
	a := baseRequest()
	b := baseRequest()
	b.Env = []string{"B=2", "A=1"}

	if a.ContentHash() != b.ContentHash() {
		t.Errorf("ContentHash() sensitive to env ordering")
	}
}

func TestContentHashSensitivity(t *testing.T) {
	base := baseRequest()

	tests := []struct {
		name   string
		modify func(*ExecutionRequest)
	}{
		{"command", func(r *ExecutionRequest) { r.Command = []string{"python3", "other.py"} }},
		{"input", func(r *ExecutionRequest) { r.Input = []byte("different\n") }},
		{"input name", func(r *ExecutionRequest) { r.InputName = "other.txt" }},
		{"env value", func(r *ExecutionRequest) { r.Env = []string{"A=1", "B=3"} }},
		{"timeout", func(r *ExecutionRequest) { r.Timeout = 20 * time.Second }},
		{"limits", func(r *ExecutionRequest) { r.Limits.MemoryMB = 1024 }},
		{"snapshot", func(r *ExecutionRequest) { r.SnapshotDir = "/srv/snap" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := baseRequest()
			tt.modify(&req)
			if req.ContentHash() == base.ContentHash() {
				t.Errorf("ContentHash() unchanged after modifying %s", tt.name)
			}
		})
	}
}

func TestContentHashSnapshotIsPathProxy(t *testing.T) {
	// The snapshot path stands in for its contents; mutating the
	// directory in place does not change the hash. Callers who do that
	// must bypass the cache.
	dir := t.TempDir()
	a := baseRequest()
	a.SnapshotDir = dir

	before := a.ContentHash()
	if err := os.WriteFile(filepath.Join(dir, "mutated.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if a.ContentHash() != before {
		t.Errorf("ContentHash() tracked snapshot contents, want path-only digest")
	}
}

func TestContentHashIgnoresIdentityFields(t *testing.T) {
	a := baseRequest()
	b := baseRequest()
	b.TenantID = "tenant-b"
	b.GroupID = "group-1"
	b.BypassCache = true

	if a.ContentHash() != b.ContentHash() {
		t.Errorf("ContentHash() includes tenant/group/bypass fields")
	}
}

func TestContentHashNoFieldBleed(t *testing.T) {
	// Length-prefixed encoding: shifting bytes between adjacent fields
	// must not collide.
	a := baseRequest()
	a.Command = []string{"ab", "c"}
	b := baseRequest()
	b.Command = []string{"a", "bc"}

	if a.ContentHash() == b.ContentHash() {
		t.Errorf("ContentHash() collides across field boundaries")
	}
}

func TestContentHashNetworkOnlyWhenEgress(t *testing.T) {
	a := baseRequest()
	a.Network = NetworkPolicy{AllowEgress: false, AllowedHosts: []string{"example.com"}}
	b := baseRequest()
	b.Network = NetworkPolicy{AllowEgress: false}

	if a.ContentHash() != b.ContentHash() {
		t.Errorf("ContentHash() includes allowed hosts while egress is denied")
	}

	c := baseRequest()
	c.Network = NetworkPolicy{AllowEgress: true, AllowedHosts: []string{"example.com"}}
	if c.ContentHash() == b.ContentHash() {
		t.Errorf("ContentHash() ignores network policy with egress enabled")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*ExecutionRequest)
		wantErr bool
	}{
		{"valid", func(r *ExecutionRequest) {}, false},
		{"empty command", func(r *ExecutionRequest) { r.Command = nil }, true},
		{"input without name", func(r *ExecutionRequest) { r.InputName = "" }, true},
		{"no input at all", func(r *ExecutionRequest) { r.Input = nil; r.InputName = "" }, false},
		{"empty non-nil input", func(r *ExecutionRequest) { r.Input = []byte{}; r.InputName = "" }, false},
		{"oversized input", func(r *ExecutionRequest) { r.Input = []byte(strings.Repeat("x", 1<<20+1)) }, true},
		{"negative timeout", func(r *ExecutionRequest) { r.Timeout = -time.Second }, true},
		{"bad limits", func(r *ExecutionRequest) { r.Limits.MemoryMB = 1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := baseRequest()
			tt.modify(&req)
			err := req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
