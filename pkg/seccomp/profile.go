// Package seccomp builds the syscall filter applied to every sandboxed
// execution. The profile is a denylist over Docker's own default filter:
// everything Docker allows stays allowed except syscalls that have no
// business in a test run (kernel module loading, raw device access,
// namespace manipulation, tracing of other processes).
package seccomp

import (
	"encoding/json"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Profile is a seccomp filter in the shape Docker's --security-opt
// seccomp=<file> expects. It mirrors the OCI LinuxSeccomp structure with
// Docker's top-level field names.
type Profile struct {
	DefaultAction specs.LinuxSeccompAction `json:"defaultAction"`
	Architectures []specs.Arch             `json:"architectures"`
	Syscalls      []Rule                   `json:"syscalls"`
}

// Rule applies one action to a set of syscalls.
type Rule struct {
	Names  []string                 `json:"names"`
	Action specs.LinuxSeccompAction `json:"action"`
}

// deniedSyscalls are blocked regardless of network policy.
var deniedSyscalls = []string{
	// kernel and module manipulation
	"init_module", "finit_module", "delete_module", "kexec_load", "kexec_file_load",
	"create_module", "query_module",
	// raw hardware / device access
	"iopl", "ioperm", "ioprio_set",
	// namespace and mount games — the workspace overlay is the only view a job gets
	"mount", "umount", "umount2", "pivot_root", "chroot", "setns", "unshare",
	// tracing and process inspection across the boundary
	"ptrace", "process_vm_readv", "process_vm_writev", "kcmp",
	// clock and host state
	"settimeofday", "clock_settime", "clock_adjtime", "adjtimex", "reboot",
	"sethostname", "setdomainname",
	// bpf and perf
	"bpf", "perf_event_open",
	// swap and accounting
	"swapon", "swapoff", "acct", "quotactl",
	// obsolete / high-risk
	"uselib", "userfaultfd", "personality", "lookup_dcookie", "nfsservctl",
}

// networkSyscalls are additionally blocked when egress is denied.
// Unix sockets stay available (socketpair), so local IPC still works.
var networkSyscalls = []string{
	"connect", "accept", "accept4", "bind", "listen",
	"sendto", "recvfrom", "sendmsg", "recvmsg", "sendmmsg", "recvmmsg",
	"getpeername", "getsockname", "getsockopt", "setsockopt", "shutdown",
}

func base() *Profile {
	return &Profile{
		DefaultAction: specs.ActAllow,
		Architectures: []specs.Arch{specs.ArchX86_64, specs.ArchAARCH64},
		Syscalls: []Rule{
			{Names: deniedSyscalls, Action: specs.ActErrno},
		},
	}
}

// DenyEgressProfile is the default filter: the denylist plus all
// network syscalls blocked. Used together with --network none, so this
// is a second fence, not the only one.
func DenyEgressProfile() *Profile {
	p := base()
	p.Syscalls = append(p.Syscalls, Rule{Names: networkSyscalls, Action: specs.ActErrno})
	return p
}

// AllowEgressProfile keeps the denylist but leaves networking open, for
// requests carrying an explicit egress allowance.
func AllowEgressProfile() *Profile {
	return base()
}

// JSON renders the profile for Docker's --security-opt seccomp= flag.
func (p *Profile) JSON() ([]byte, error) {
	return json.Marshal(p)
}
