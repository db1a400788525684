package container

import (
	"context"
	"net"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/pkg/errors"
	"github.com/vmrun/containerization/agent"
	"github.com/vmrun/containerization/socketrelay"
	"github.com/vmrun/containerization/vsockio"
)

// agentDialAttempts and agentDialInterval bound how long create()
// waits for the agent to answer on its well-known port after boot
// (spec §4.3 create() step 2).
const (
	agentDialAttempts = 150
	agentDialInterval = 20 * time.Millisecond
)

// VirtualMachineInstance is the opaque handle the hypervisor SDK hands
// back; its internals are out of scope (spec §1) and are consumed only
// through this interface.
type VirtualMachineInstance interface {
	CID() uint32
	Boot(ctx context.Context) error
	Stop(ctx context.Context) error
}

// VirtualMachineManager materializes a VirtualMachineInstance from a
// Config (spec §4.3 create() step 1).
type VirtualMachineManager interface {
	CreateVM(ctx context.Context, cfg Config) (VirtualMachineInstance, error)
}

// AgentClientFactory wraps a freshly dialed vsock connection into an
// agent.Client; the wire protocol itself belongs to the guest-side
// agent implementation, which is out of scope (spec §1), so the core
// takes this as a collaborator rather than constructing a client
// directly.
type AgentClientFactory func(conn net.Conn) agent.Client

// Config describes everything needed to materialize and bring up one
// container's VM (spec §3 "Mount", §4.3 create()).
type Config struct {
	ID         string
	CPUs       int
	MemoryMiB  uint64
	Rosetta    bool
	NestedVirt bool
	Hostname   string

	Kernel      Kernel
	Mounts      []Mount
	Interfaces  []NetworkInterface
	DNS         *agent.DNSConfig
	UnixSockets []socketrelay.Config

	Spec *specs.Spec
}

// NetworkInterface is the per-eth<i> configuration applied during
// create() step 6.
type NetworkInterface struct {
	CIDR    string
	Gateway string
}

// connectAgentWithRetry dials the agent's well-known vsock port on cid,
// retrying with a fixed backoff until the guest agent is listening or
// ctx is cancelled (spec §4.3 create() step 2).
func connectAgentWithRetry(ctx context.Context, transport vsockio.Transport, cid uint32) (net.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < agentDialAttempts; attempt++ {
		conn, err := transport.Dial(ctx, cid, agent.WellKnownPort)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(agentDialInterval):
		}
	}
	return nil, errors.Wrap(lastErr, "agent did not answer on well-known vsock port")
}
