package container

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmrun/containerization/agent"
	"github.com/vmrun/containerization/runtimeerrors"
	"github.com/vmrun/containerization/socketrelay"
)

// fakeListener hands back a single pre-connected net.Conn on its first
// Accept call, modeling the guest agent having already dialed in by the
// time the host calls Accept (spec §4.5's accept step).
type fakeListener struct {
	conns  chan net.Conn
	closed chan struct{}
	once   sync.Once
}

func (l *fakeListener) Accept() (net.Conn, error) {
	select {
	case c, ok := <-l.conns:
		if !ok {
			return nil, net.ErrClosed
		}
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}
func (l *fakeListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}
func (l *fakeListener) Addr() net.Addr { return fakeAddr{} }

func (l *fakeListener) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

type fakeAddr struct{}

func (fakeAddr) Network() string { return "fake" }
func (fakeAddr) String() string  { return "fake" }

type fakeTransport struct {
	mu        sync.Mutex
	listeners map[uint32]*fakeListener
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{listeners: make(map[uint32]*fakeListener)}
}

func (t *fakeTransport) Listen(port uint32) (net.Listener, error) {
	_, server := net.Pipe()
	l := &fakeListener{conns: make(chan net.Conn, 1), closed: make(chan struct{})}
	l.conns <- server
	t.mu.Lock()
	t.listeners[port] = l
	t.mu.Unlock()
	return l, nil
}

func (t *fakeTransport) Dial(ctx context.Context, cid, port uint32) (net.Conn, error) {
	client, _ := net.Pipe()
	return client, nil
}

// allClosed reports whether every listener this transport ever handed
// out has since been closed.
func (t *fakeTransport) allClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, l := range t.listeners {
		if !l.isClosed() {
			return false
		}
	}
	return len(t.listeners) > 0
}

// fakeAgentClient implements agent.Client, recording every call made to
// it and letting tests inject a failure for any named method.
type fakeAgentClient struct {
	mu         sync.Mutex
	calls      []string
	errs       map[string]error
	startPID   uint32
	writeFiles map[string][]byte
}

func newFakeAgentClient() *fakeAgentClient {
	return &fakeAgentClient{errs: map[string]error{}, startPID: 42, writeFiles: map[string][]byte{}}
}

func (c *fakeAgentClient) record(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, name)
	return c.errs[name]
}

func (c *fakeAgentClient) calledWith(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.calls {
		if n == name {
			return true
		}
	}
	return false
}

func (c *fakeAgentClient) CreateProcess(ctx context.Context, req agent.CreateProcessRequest) error {
	return c.record("CreateProcess")
}
func (c *fakeAgentClient) StartProcess(ctx context.Context, id string) (uint32, error) {
	return c.startPID, c.record("StartProcess")
}
func (c *fakeAgentClient) SignalProcess(ctx context.Context, id string, signal int) error {
	return c.record("SignalProcess")
}
func (c *fakeAgentClient) ResizeProcess(ctx context.Context, id string, cols, rows uint32) error {
	return c.record("ResizeProcess")
}
func (c *fakeAgentClient) WaitProcess(ctx context.Context, id string, timeout *time.Duration) (int32, error) {
	return 0, c.record("WaitProcess")
}
func (c *fakeAgentClient) DeleteProcess(ctx context.Context, id string) error {
	return c.record("DeleteProcess")
}
func (c *fakeAgentClient) Mount(ctx context.Context, m agent.Mount) error { return c.record("Mount") }
func (c *fakeAgentClient) Umount(ctx context.Context, path string, flags int) error {
	return c.record("Umount")
}
func (c *fakeAgentClient) Mkdir(ctx context.Context, path string, recursive bool, perm uint32) error {
	return c.record("Mkdir")
}
func (c *fakeAgentClient) WriteFile(ctx context.Context, path string, data []byte, perm uint32) error {
	c.mu.Lock()
	c.writeFiles[path] = data
	c.mu.Unlock()
	return c.record("WriteFile")
}

func (c *fakeAgentClient) wroteFile(path string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.writeFiles[path]
	return data, ok
}
func (c *fakeAgentClient) AddressAdd(ctx context.Context, iface, cidr string) error {
	return c.record("AddressAdd")
}
func (c *fakeAgentClient) Up(ctx context.Context, iface string) error   { return c.record("Up") }
func (c *fakeAgentClient) Down(ctx context.Context, iface string) error { return c.record("Down") }
func (c *fakeAgentClient) RouteAddDefault(ctx context.Context, iface, gateway string) error {
	return c.record("RouteAddDefault")
}
func (c *fakeAgentClient) ConfigureDNS(ctx context.Context, cfg agent.DNSConfig, location string) error {
	return c.record("ConfigureDNS")
}
func (c *fakeAgentClient) SetTime(ctx context.Context, sec, usec int64) error {
	return c.record("SetTime")
}
func (c *fakeAgentClient) Getenv(ctx context.Context, key string) (string, error) {
	return "", c.record("Getenv")
}
func (c *fakeAgentClient) Setenv(ctx context.Context, key, value string) error {
	return c.record("Setenv")
}
func (c *fakeAgentClient) Kill(ctx context.Context, pid int32, signal int) error {
	return c.record("Kill")
}
func (c *fakeAgentClient) StandardSetup(ctx context.Context) error { return c.record("StandardSetup") }
func (c *fakeAgentClient) Close() error                            { return c.record("Close") }

type fakeVM struct {
	cid     uint32
	bootErr error
	stopErr error
}

func (v *fakeVM) CID() uint32                     { return v.cid }
func (v *fakeVM) Boot(ctx context.Context) error  { return v.bootErr }
func (v *fakeVM) Stop(ctx context.Context) error  { return v.stopErr }

type fakeVMManager struct {
	vm  VirtualMachineInstance
	err error
}

func (m *fakeVMManager) CreateVM(ctx context.Context, cfg Config) (VirtualMachineInstance, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.vm, nil
}

func newTestContainer(client *fakeAgentClient, vm *fakeVM, vmErr error) *Container {
	cfg := Config{
		ID:   "c1",
		Spec: &specs.Spec{Process: &specs.Process{Args: []string{"/bin/sh"}}},
	}
	manager := &fakeVMManager{vm: vm, err: vmErr}
	factory := func(conn net.Conn) agent.Client { return client }
	return New(cfg, manager, newFakeTransport(), factory)
}

func TestContainerCreateTransitionsToCreated(t *testing.T) {
	client := newFakeAgentClient()
	c := newTestContainer(client, &fakeVM{cid: 3}, nil)

	require.NoError(t, c.Create(context.Background()))
	assert.Equal(t, StateCreated, c.State())
	assert.True(t, client.calledWith("StandardSetup"))
}

func TestContainerCreateFailureMovesToErrored(t *testing.T) {
	client := newFakeAgentClient()
	c := newTestContainer(client, nil, assert.AnError)

	err := c.Create(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateErrored, c.State())
	assert.Equal(t, err, c.Err())
}

func TestContainerCreateWritesHostnameWhenRootPresent(t *testing.T) {
	client := newFakeAgentClient()
	cfg := Config{
		ID:       "c1",
		Hostname: "my-container",
		Mounts:   []Mount{{Type: "ext4", Source: "/tmp/rootfs.img", Destination: "/", Kind: KindBlockDevice}},
		Spec:     &specs.Spec{Process: &specs.Process{Args: []string{"/bin/sh"}}},
	}
	manager := &fakeVMManager{vm: &fakeVM{cid: 3}}
	c := New(cfg, manager, newFakeTransport(), func(conn net.Conn) agent.Client { return client })

	require.NoError(t, c.Create(context.Background()))

	data, ok := client.wroteFile("/etc/hostname")
	require.True(t, ok)
	assert.Equal(t, "my-container\n", string(data))
}

func TestContainerCreateSkipsHostnameWhenUnset(t *testing.T) {
	client := newFakeAgentClient()
	c := newTestContainer(client, &fakeVM{cid: 3}, nil)

	require.NoError(t, c.Create(context.Background()))

	_, ok := client.wroteFile("/etc/hostname")
	assert.False(t, ok)
}

func TestContainerCreateFailureStopsRelaysStartedEarlier(t *testing.T) {
	client := newFakeAgentClient()
	client.errs["AddressAdd"] = assert.AnError
	transport := newFakeTransport()
	cfg := Config{
		ID:          "c1",
		UnixSockets: []socketrelay.Config{{Destination: 9999, Direction: socketrelay.Into}},
		Interfaces:  []NetworkInterface{{CIDR: "10.0.0.2/24"}},
		Spec:        &specs.Spec{Process: &specs.Process{Args: []string{"/bin/sh"}}},
	}
	manager := &fakeVMManager{vm: &fakeVM{cid: 3}}
	c := New(cfg, manager, transport, func(conn net.Conn) agent.Client { return client })

	err := c.Create(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateErrored, c.State())
	assert.True(t, transport.allClosed())
}

func TestContainerDoubleCreateRejected(t *testing.T) {
	client := newFakeAgentClient()
	c := newTestContainer(client, &fakeVM{cid: 3}, nil)

	require.NoError(t, c.Create(context.Background()))
	err := c.Create(context.Background())
	require.Error(t, err)
	assert.Equal(t, runtimeerrors.InvalidState, runtimeerrors.CodeOf(err))
}

func TestContainerStartRequiresCreated(t *testing.T) {
	client := newFakeAgentClient()
	c := newTestContainer(client, &fakeVM{cid: 3}, nil)

	_, err := c.Start(context.Background(), nil, nil, nil)
	require.Error(t, err)
	assert.Equal(t, runtimeerrors.InvalidState, runtimeerrors.CodeOf(err))
}

func TestContainerFullLifecycleCreateStartStop(t *testing.T) {
	client := newFakeAgentClient()
	c := newTestContainer(client, &fakeVM{cid: 3}, nil)

	require.NoError(t, c.Create(context.Background()))

	var stdout, stderr bytes.Buffer
	proc, err := c.Start(context.Background(), bytes.NewBufferString(""), &stdout, &stderr)
	require.NoError(t, err)
	require.NotNil(t, proc)
	assert.Equal(t, uint32(42), proc.PID())
	assert.Equal(t, StateStarted, c.State())

	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, StateStopped, c.State())
	assert.True(t, client.calledWith("Umount"))
	assert.True(t, client.calledWith("DeleteProcess"))

	// Stopping an already-stopped container is a no-op.
	require.NoError(t, c.Stop(context.Background()))
}

func TestContainerStopRequiresStarted(t *testing.T) {
	client := newFakeAgentClient()
	c := newTestContainer(client, &fakeVM{cid: 3}, nil)
	require.NoError(t, c.Create(context.Background()))

	err := c.Stop(context.Background())
	require.Error(t, err)
	assert.Equal(t, runtimeerrors.InvalidState, runtimeerrors.CodeOf(err))
}

func TestContainerKillRequiresStarted(t *testing.T) {
	client := newFakeAgentClient()
	c := newTestContainer(client, &fakeVM{cid: 3}, nil)

	err := c.Kill(context.Background(), "", 9)
	require.Error(t, err)
	assert.Equal(t, runtimeerrors.InvalidState, runtimeerrors.CodeOf(err))
}

func TestContainerExecTracksSeparateProcess(t *testing.T) {
	client := newFakeAgentClient()
	c := newTestContainer(client, &fakeVM{cid: 3}, nil)
	require.NoError(t, c.Create(context.Background()))

	var stdout, stderr bytes.Buffer
	_, err := c.Start(context.Background(), bytes.NewBufferString(""), &stdout, &stderr)
	require.NoError(t, err)

	var execOut bytes.Buffer
	execProc, err := c.Exec(context.Background(), "exec-1", &specs.Process{Args: []string{"/bin/ls"}}, nil, &execOut, nil)
	require.NoError(t, err)
	require.NotNil(t, execProc)

	require.NoError(t, c.Kill(context.Background(), "exec-1", 9))
	require.NoError(t, c.Kill(context.Background(), "", 9)) // init process still reachable
}
