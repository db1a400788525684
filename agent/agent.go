// Package agent defines the contract the host-side runtime core consumes
// from the in-guest init agent (spec §4.7). The guest-side implementation
// itself is out of scope (spec §1): this package only describes the RPC
// surface and the small set of wire types the core needs to drive it,
// the same way kata-containers' virtcontainers/agent.go defines an
// `agent` interface the hypervisor-specific agents implement.
package agent

import (
	"context"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/sirupsen/logrus"
)

var agentLog = logrus.WithField("source", "agent")

// SetLogger lets the embedding application redirect this package's log
// output.
func SetLogger(logger *logrus.Entry) {
	agentLog = logger
}

// WellKnownPort is the fixed vsock port the in-guest agent listens on
// (spec §6).
const WellKnownPort uint32 = 1024

// CreateProcessRequest mirrors agent.createProcess's parameters (spec
// §4.7).
type CreateProcessRequest struct {
	ID          string
	ContainerID string
	StdinPort   *uint32
	StdoutPort  *uint32
	StderrPort  *uint32
	Spec        *specs.Process
	Options     map[string]string
}

// Mount is the wire form of a filesystem mount request sent to the
// agent, distinct from container.AttachedFilesystem which is the
// host-side planning record it is built from.
type Mount struct {
	Type        string
	Source      string
	Destination string
	Options     []string
}

// DNSConfig is rendered into /etc/resolv.conf (spec §6) and also passed
// to the optional agent-side configureDNS call.
type DNSConfig struct {
	Nameservers []string
	Domain      string
	Search      []string
	Options     []string
}

// RelayConfiguration describes one UnixSocketRelay endpoint from the
// guest side's perspective, passed opaquely to relaySocket/
// stopSocketRelay (spec §4.6/§4.7).
type RelayConfiguration struct {
	ID          string
	GuestPort   uint32
	Destination string
}

// Client is the RPC surface the ContainerStateMachine, StdioPlumbing,
// and UnixSocketRelay drive over a single bidirectional vsock channel.
// Implementations must be safe for concurrent use (spec §5).
type Client interface {
	// Process lifecycle.
	CreateProcess(ctx context.Context, req CreateProcessRequest) error
	StartProcess(ctx context.Context, id string) (pid uint32, err error)
	SignalProcess(ctx context.Context, id string, signal int) error
	ResizeProcess(ctx context.Context, id string, cols, rows uint32) error
	WaitProcess(ctx context.Context, id string, timeout *time.Duration) (exitCode int32, err error)
	DeleteProcess(ctx context.Context, id string) error

	// Filesystem.
	Mount(ctx context.Context, m Mount) error
	Umount(ctx context.Context, path string, flags int) error
	Mkdir(ctx context.Context, path string, recursive bool, perm uint32) error
	WriteFile(ctx context.Context, path string, data []byte, perm uint32) error

	// Network.
	AddressAdd(ctx context.Context, iface, cidr string) error
	Up(ctx context.Context, iface string) error
	Down(ctx context.Context, iface string) error
	RouteAddDefault(ctx context.Context, iface, gateway string) error
	ConfigureDNS(ctx context.Context, cfg DNSConfig, location string) error

	// Time.
	SetTime(ctx context.Context, sec, usec int64) error

	// Environment / misc.
	Getenv(ctx context.Context, key string) (string, error)
	Setenv(ctx context.Context, key, value string) error
	Kill(ctx context.Context, pid int32, signal int) error

	// StandardSetup performs whatever one-time guest-side initialization
	// the agent requires right after boot (spec §4.3 create() step 3).
	StandardSetup(ctx context.Context) error

	Close() error
}

// SocketRelayAgent is the optional sub-protocol (spec §4.7); callers
// type-assert Client against it and treat its absence as Unsupported.
type SocketRelayAgent interface {
	RelaySocket(ctx context.Context, config RelayConfiguration) error
	StopSocketRelay(ctx context.Context, config RelayConfiguration) error
}

// AsSocketRelayAgent returns c's SocketRelayAgent facet, if it
// implements one.
func AsSocketRelayAgent(c Client) (SocketRelayAgent, bool) {
	sr, ok := c.(SocketRelayAgent)
	return sr, ok
}
