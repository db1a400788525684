package container

import (
	"context"
	"io"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/pkg/errors"
	"github.com/vmrun/containerization/agent"
	"github.com/vmrun/containerization/vsockio"
)

// stdioAcceptTimeout bounds how long start() waits for the agent to
// connect in on the allocated stdio ports (spec §4.3 start(), §5
// "Cancellation & timeouts").
const stdioAcceptTimeout = 3 * time.Second

// LinuxProcess is the guest process started by Container.Start: its
// spec, pid, and stdio plumbing are owned here under the same
// short-critical-section discipline as the container's state record
// (spec §5 "Mutable shared state").
type LinuxProcess struct {
	id     string
	client agent.Client
	spec   *specs.Process
	stdio  *vsockio.StdioPlumbing
	pid    uint32
}

// newLinuxProcess allocates stdio plumbing, calls createProcess,
// awaits stream acceptance, then startProcess to obtain the guest pid
// (spec §4.3 start()).
func newLinuxProcess(ctx context.Context, id string, client agent.Client, transport vsockio.Transport, allocator *vsockio.PortAllocator, spec *specs.Process, stdin io.Reader, stdout, stderr io.Writer) (*LinuxProcess, error) {
	plumbing := vsockio.NewStdioPlumbing(transport)
	handles, err := plumbing.Setup(allocator, stdin != nil, stdout != nil, stderr != nil, spec.Terminal)
	if err != nil {
		return nil, err
	}

	if err := client.CreateProcess(ctx, agent.CreateProcessRequest{
		ID:          id,
		ContainerID: id,
		StdinPort:   handles.StdinPort,
		StdoutPort:  handles.StdoutPort,
		StderrPort:  handles.StderrPort,
		Spec:        spec,
	}); err != nil {
		plumbing.Close()
		return nil, errors.Wrap(err, "createProcess")
	}

	acceptCtx, cancel := context.WithTimeout(ctx, stdioAcceptTimeout)
	defer cancel()
	if err := plumbing.Accept(acceptCtx); err != nil {
		plumbing.Close()
		return nil, errors.Wrap(err, "stdio streams were not accepted by the agent in time")
	}
	plumbing.Attach(stdin, stdout, stderr)

	pid, err := client.StartProcess(ctx, id)
	if err != nil {
		plumbing.Close()
		return nil, errors.Wrap(err, "startProcess")
	}

	return &LinuxProcess{id: id, client: client, spec: spec, stdio: plumbing, pid: pid}, nil
}

// PID returns the guest process id obtained from startProcess.
func (p *LinuxProcess) PID() uint32 { return p.pid }

// Kill signals the process (spec §4.3 "kill / resize / wait / exec").
func (p *LinuxProcess) Kill(ctx context.Context, signal int) error {
	return p.client.SignalProcess(ctx, p.id, signal)
}

// Resize adjusts the process's terminal dimensions.
func (p *LinuxProcess) Resize(ctx context.Context, cols, rows uint32) error {
	return p.client.ResizeProcess(ctx, p.id, cols, rows)
}

// Wait blocks for the process to exit, or for timeout to elapse if
// non-nil (spec §5 "waitProcess accepts an optional timeout").
func (p *LinuxProcess) Wait(ctx context.Context, timeout *time.Duration) (int32, error) {
	return p.client.WaitProcess(ctx, p.id, timeout)
}

// Delete cancels the stdin pump, drains stdout/stderr, and tells the
// agent to release the process record (spec §4.5 "delete() cancels the
// stdin task and closes the three handles"). Container.Stop calls this
// for the init process and every outstanding exec once the agent has
// reported the process exited.
func (p *LinuxProcess) Delete(ctx context.Context) error {
	closeErr := p.stdio.Close()
	if err := p.client.DeleteProcess(ctx, p.id); err != nil {
		if closeErr != nil {
			containerLog.WithError(closeErr).Warn("stdio close failed during process delete")
		}
		return err
	}
	return closeErr
}
