// Package container implements the host-side container lifecycle and
// VM I/O plane: ContainerStateMachine, MountPlanner, and KernelCmdline
// (spec §4.3/§4.4).
package container

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/pkg/errors"
	"github.com/vmrun/containerization/agent"
	"github.com/vmrun/containerization/runtimeerrors"
	"github.com/vmrun/containerization/socketrelay"
	"github.com/vmrun/containerization/vsockio"
)

// State is one node of the container lifecycle (spec §4.3).
type State int

const (
	StateInitialized State = iota
	StateCreating
	StateCreated
	StateStarting
	StateStarted
	StateStopping
	StateStopped
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateCreating:
		return "creating"
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Container drives a single container through the lifecycle described
// in spec §4.3. Only the resources valid for the current state are
// populated; enforcement of that invariant is the job of the guarded
// transition methods below rather than of a class hierarchy (spec §9
// "State machines over inheritance").
type Container struct {
	mu    sync.Mutex
	state State
	err   error

	id      string
	cfg     Config
	planner *MountPlanner

	vmManager    VirtualMachineManager
	transport    vsockio.Transport
	agentFactory AgentClientFactory
	ports        *vsockio.PortAllocator
	relays       *socketrelay.Manager

	vm          VirtualMachineInstance
	agentClient agent.Client
	attached    []AttachedFilesystem

	process *LinuxProcess
	execs   map[string]*LinuxProcess
}

// New constructs a Container in the initialized state.
func New(cfg Config, vmManager VirtualMachineManager, transport vsockio.Transport, agentFactory AgentClientFactory) *Container {
	rootIsBlock := false
	for _, m := range cfg.Mounts {
		if m.Destination == "/" && m.Kind != KindVirtiofs {
			rootIsBlock = true
		}
	}
	return &Container{
		id:           cfg.ID,
		cfg:          cfg,
		state:        StateInitialized,
		planner:      NewMountPlanner(rootIsBlock),
		vmManager:    vmManager,
		transport:    transport,
		agentFactory: agentFactory,
		ports:        vsockio.NewPortAllocator(),
		relays:       socketrelay.NewManager(transport),
		execs:        make(map[string]*LinuxProcess),
	}
}

// State returns the container's current lifecycle state.
func (c *Container) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that moved an errored container to its
// terminal state, or nil otherwise.
func (c *Container) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Container) enter(required, next State, op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != required {
		return invalidState(op, required)
	}
	c.state = next
	return nil
}

func (c *Container) fail(err error) error {
	c.mu.Lock()
	c.state = StateErrored
	c.err = err
	agentClient := c.agentClient
	vm := c.vm
	c.mu.Unlock()

	// doCreate may have started socket relays before the step that
	// failed; Stop() never runs once the container lands in
	// StateErrored, so this is the only chance to tear them down.
	if err := c.relays.StopAll(); err != nil {
		containerLog.WithError(err).Warn("stopping relays after create failure")
	}
	if agentClient != nil {
		agentClient.Close()
	}
	if vm != nil {
		vm.Stop(context.Background())
	}
	return err
}

// Create drives initialized → creating → created (spec §4.3 create()).
func (c *Container) Create(ctx context.Context) error {
	if err := c.enter(StateInitialized, StateCreating, "create"); err != nil {
		return err
	}
	if err := c.doCreate(ctx); err != nil {
		return c.fail(err)
	}
	c.mu.Lock()
	c.state = StateCreated
	c.mu.Unlock()
	return nil
}

func (c *Container) doCreate(ctx context.Context) error {
	vm, err := c.vmManager.CreateVM(ctx, c.cfg)
	if err != nil {
		return errors.Wrap(err, "materialize VM instance")
	}
	c.mu.Lock()
	c.vm = vm
	c.mu.Unlock()

	if err := vm.Boot(ctx); err != nil {
		return errors.Wrap(err, "boot VM")
	}

	conn, err := connectAgentWithRetry(ctx, c.transport, vm.CID())
	if err != nil {
		return err
	}
	agentClient := c.agentFactory(conn)
	c.mu.Lock()
	c.agentClient = agentClient
	c.mu.Unlock()

	if err := agentClient.StandardSetup(ctx); err != nil {
		return errors.Wrap(err, "agent standard setup")
	}

	rootfs := fmt.Sprintf("/run/container/%s/rootfs", c.id)
	rootMount := findRootMount(c.cfg.Mounts)
	if rootMount != nil {
		if err := agentClient.Mount(ctx, agent.Mount{
			Type:        rootMount.Type,
			Source:      rootMount.Source,
			Destination: rootfs,
			Options:     rootMount.Options,
		}); err != nil {
			return errors.Wrap(err, "mount rootfs")
		}
	}

	if c.cfg.Hostname != "" && rootMount != nil {
		if err := agentClient.WriteFile(ctx, "/etc/hostname", agent.RenderHostname(c.cfg.Hostname), 0o644); err != nil {
			return errors.Wrap(err, "write hostname")
		}
	}

	for _, sockCfg := range c.cfg.UnixSockets {
		if _, err := c.relays.Start(ctx, sockCfg); err != nil {
			return errors.Wrap(err, "start unix socket relay")
		}
	}

	for i, iface := range c.cfg.Interfaces {
		name := fmt.Sprintf("eth%d", i)
		if err := agentClient.AddressAdd(ctx, name, iface.CIDR); err != nil {
			return errors.Wrapf(err, "configure %s address", name)
		}
		if err := agentClient.Up(ctx, name); err != nil {
			return errors.Wrapf(err, "bring up %s", name)
		}
		if iface.Gateway != "" {
			if err := agentClient.RouteAddDefault(ctx, name, iface.Gateway); err != nil {
				return errors.Wrapf(err, "add default route via %s", name)
			}
		}
	}

	if c.cfg.DNS != nil {
		data := agent.RenderResolvConf(*c.cfg.DNS)
		if err := agentClient.WriteFile(ctx, "/etc/resolv.conf", data, 0o644); err != nil {
			return errors.Wrap(err, "write resolv.conf")
		}
	}

	c.mu.Lock()
	c.attached = c.planner.Plan(nonRootMounts(c.cfg.Mounts))
	c.mu.Unlock()
	return nil
}

func findRootMount(mounts []Mount) *Mount {
	for i := range mounts {
		if mounts[i].Destination == "/" {
			return &mounts[i]
		}
	}
	return nil
}

func nonRootMounts(mounts []Mount) []Mount {
	out := make([]Mount, 0, len(mounts))
	for _, m := range mounts {
		if m.Destination != "/" {
			out = append(out, m)
		}
	}
	return out
}

// Start drives created → starting → started, launching the OCI
// process (spec §4.3 start()).
func (c *Container) Start(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) (*LinuxProcess, error) {
	if err := c.enter(StateCreated, StateStarting, "start"); err != nil {
		return nil, err
	}

	c.mu.Lock()
	procSpec := cloneProcessSpec(c.cfg.Spec.Process)
	attached := c.attached
	agentClient := c.agentClient
	c.mu.Unlock()

	mergeMounts(c.cfg.Spec, attached)

	proc, err := newLinuxProcess(ctx, c.id, agentClient, c.transport, c.ports, procSpec, stdin, stdout, stderr)
	if err != nil {
		return nil, c.fail(errors.Wrap(err, "start init process"))
	}

	c.mu.Lock()
	c.process = proc
	c.state = StateStarted
	c.mu.Unlock()
	return proc, nil
}

func cloneProcessSpec(p *specs.Process) *specs.Process {
	if p == nil {
		return &specs.Process{}
	}
	clone := *p
	clone.Args = append([]string(nil), p.Args...)
	clone.Env = append([]string(nil), p.Env...)
	return &clone
}

func mergeMounts(spec *specs.Spec, attached []AttachedFilesystem) {
	if spec == nil {
		return
	}
	mounts := make([]specs.Mount, 0, len(attached))
	for _, a := range attached {
		source := a.Device
		if source == "" {
			source = a.Tag
		}
		mounts = append(mounts, specs.Mount{
			Type:        a.Type,
			Source:      source,
			Destination: a.Destination,
			Options:     a.Options,
		})
	}
	spec.Mounts = mounts
}

// Exec launches an additional process inside the already-started
// container, tracked independently of the init process (spec §4.3
// "kill / resize / wait / exec require started").
func (c *Container) Exec(ctx context.Context, execID string, spec *specs.Process, stdin io.Reader, stdout, stderr io.Writer) (*LinuxProcess, error) {
	c.mu.Lock()
	if c.state != StateStarted {
		c.mu.Unlock()
		return nil, invalidState("exec", StateStarted)
	}
	agentClient := c.agentClient
	c.mu.Unlock()

	proc, err := newLinuxProcess(ctx, execID, agentClient, c.transport, c.ports, spec, stdin, stdout, stderr)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.execs[execID] = proc
	c.mu.Unlock()
	return proc, nil
}

func (c *Container) lookupProcess(processID string) (*LinuxProcess, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateStarted {
		return nil, invalidState("process operation", StateStarted)
	}
	if processID == "" || processID == c.id {
		if c.process == nil {
			return nil, runtimeerrors.New(runtimeerrors.NotFound, "no init process")
		}
		return c.process, nil
	}
	proc, ok := c.execs[processID]
	if !ok {
		return nil, runtimeerrors.New(runtimeerrors.NotFound, "no such process: "+processID)
	}
	return proc, nil
}

// Kill signals a running process (spec §4.3 "kill ... require
// started").
func (c *Container) Kill(ctx context.Context, processID string, signal int) error {
	proc, err := c.lookupProcess(processID)
	if err != nil {
		return err
	}
	return proc.Kill(ctx, signal)
}

// Resize adjusts a running process's terminal dimensions.
func (c *Container) Resize(ctx context.Context, processID string, cols, rows uint32) error {
	proc, err := c.lookupProcess(processID)
	if err != nil {
		return err
	}
	return proc.Resize(ctx, cols, rows)
}

// Wait blocks for a process's exit code.
func (c *Container) Wait(ctx context.Context, processID string, timeout *time.Duration) (int32, error) {
	proc, err := c.lookupProcess(processID)
	if err != nil {
		return 0, err
	}
	return proc.Wait(ctx, timeout)
}

// stopWaitTimeout bounds the init process's wait during stop() (spec
// §4.3 stop() step 3).
const stopWaitTimeout = 5 * time.Second

// Stop drives started → stopping → stopped (spec §4.3 stop()).
func (c *Container) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return nil
	}
	if c.state != StateStarted {
		c.mu.Unlock()
		return invalidState("stop", StateStarted)
	}
	c.state = StateStopping
	agentClient := c.agentClient
	vm := c.vm
	process := c.process
	execs := make([]*LinuxProcess, 0, len(c.execs))
	for _, p := range c.execs {
		execs = append(execs, p)
	}
	c.mu.Unlock()

	// Relay peers must be stopped before rootfs umount to avoid EBUSY
	// (spec §4.3 stop() step 1).
	if err := c.relays.StopAll(); err != nil {
		containerLog.WithError(err).Warn("stopping unix socket relays")
	}

	if vm != nil {
		timeout := stopWaitTimeout
		if err := agentClient.Kill(ctx, -1, 9); err != nil {
			containerLog.WithError(err).Warn("kill(-1, SIGKILL) during stop")
		}
		if _, err := agentClient.WaitProcess(ctx, c.id, &timeout); err != nil {
			containerLog.WithError(err).Warn("waitProcess during stop")
		}

		// Tear down each process's host-side stdio plumbing now that the
		// guest side has exited (spec §4.5 delete()).
		if process != nil {
			if err := process.Delete(ctx); err != nil {
				containerLog.WithError(err).Warn("deleting init process during stop")
			}
		}
		for _, p := range execs {
			if err := p.Delete(ctx); err != nil {
				containerLog.WithError(err).Warn("deleting exec process during stop")
			}
		}

		rootfs := fmt.Sprintf("/run/container/%s/rootfs", c.id)
		if err := agentClient.Umount(ctx, rootfs, 0); err != nil {
			containerLog.WithError(err).Warn("umount rootfs during stop")
		}
		if err := vm.Stop(ctx); err != nil {
			containerLog.WithError(err).Warn("VM stop")
		}
	}

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()
	return nil
}
