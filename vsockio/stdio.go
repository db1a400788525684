package vsockio

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/vmrun/containerization/runtimeerrors"
)

const ioBufferSize = 32 * 1024

// drainPollInterval and drainTimeout bound how long Close waits for
// buffered stdout/stderr output to finish flushing to the host side
// before tearing the streams down (spec §4.5).
const (
	drainPollInterval = 50 * time.Millisecond
	drainTimeout      = 2 * time.Second
)

// Handles is the set of guest-side vsock ports a process should be told
// to connect its standard streams to, returned by StdioPlumbing.Setup.
type Handles struct {
	StdinPort  *uint32
	StdoutPort *uint32
	StderrPort *uint32
}

// StdioPlumbing owns the host-side vsock listeners for one process's
// standard streams and the goroutines that pump bytes between them and
// the caller's io.Reader/io.Writer (spec §4.5).
type StdioPlumbing struct {
	transport Transport

	mu        sync.Mutex
	listeners struct{ stdin, stdout, stderr net.Listener }
	conns     struct{ stdin, stdout, stderr net.Conn }

	stdinCancel context.CancelFunc
	stdoutDone  chan struct{}
	stderrDone  chan struct{}
}

// NewStdioPlumbing constructs plumbing that listens via transport.
func NewStdioPlumbing(transport Transport) *StdioPlumbing {
	return &StdioPlumbing{transport: transport}
}

// Setup allocates a listener, and a port to hand the agent, for each
// requested stream. Attaching a separate stderr stream to a terminal
// process is rejected: a pty already multiplexes stdout and stderr onto
// one stream (spec §4.5).
func (p *StdioPlumbing) Setup(allocator *PortAllocator, wantStdin, wantStdout, wantStderr, terminal bool) (Handles, error) {
	if terminal && wantStderr {
		return Handles{}, runtimeerrors.New(runtimeerrors.InvalidArgument, "cannot attach a separate stderr stream to a terminal process")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var h Handles
	if wantStdin {
		l, port, err := p.listen(allocator)
		if err != nil {
			return Handles{}, err
		}
		p.listeners.stdin = l
		h.StdinPort = &port
	}
	if wantStdout {
		l, port, err := p.listen(allocator)
		if err != nil {
			return Handles{}, err
		}
		p.listeners.stdout = l
		h.StdoutPort = &port
	}
	if wantStderr {
		l, port, err := p.listen(allocator)
		if err != nil {
			return Handles{}, err
		}
		p.listeners.stderr = l
		h.StderrPort = &port
	}
	return h, nil
}

func (p *StdioPlumbing) listen(allocator *PortAllocator) (net.Listener, uint32, error) {
	port := allocator.Next()
	l, err := p.transport.Listen(port)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "listen on vsock port %d", port)
	}
	return l, port, nil
}

// Accept blocks until the agent has connected to every listener created
// by Setup, or ctx is cancelled.
func (p *StdioPlumbing) Accept(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.listeners.stdin != nil {
		c, err := acceptWithContext(ctx, p.listeners.stdin)
		if err != nil {
			return errors.Wrap(err, "accept stdin stream")
		}
		p.conns.stdin = c
	}
	if p.listeners.stdout != nil {
		c, err := acceptWithContext(ctx, p.listeners.stdout)
		if err != nil {
			return errors.Wrap(err, "accept stdout stream")
		}
		p.conns.stdout = c
	}
	if p.listeners.stderr != nil {
		c, err := acceptWithContext(ctx, p.listeners.stderr)
		if err != nil {
			return errors.Wrap(err, "accept stderr stream")
		}
		p.conns.stderr = c
	}
	return nil
}

// Attach starts the byte pumps between the accepted vsock streams and
// the caller's handles. stdin, stdout, and stderr may be nil when the
// corresponding stream was not requested in Setup.
func (p *StdioPlumbing) Attach(stdin io.Reader, stdout, stderr io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conns.stdin != nil && stdin != nil {
		ctx, cancel := context.WithCancel(context.Background())
		p.stdinCancel = cancel
		go pumpIn(ctx, p.conns.stdin, stdin)
	}
	if p.conns.stdout != nil && stdout != nil {
		p.stdoutDone = make(chan struct{})
		go pumpOut(p.conns.stdout, stdout, p.stdoutDone)
	}
	if p.conns.stderr != nil && stderr != nil {
		p.stderrDone = make(chan struct{})
		go pumpOut(p.conns.stderr, stderr, p.stderrDone)
	}
}

func pumpIn(ctx context.Context, conn net.Conn, r io.Reader) {
	buf := make([]byte, ioBufferSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := conn.Write(buf[:n]); werr != nil {
				vsockLog.WithError(werr).Debug("stdin stream closed")
				return
			}
		}
		if rerr != nil {
			return
		}
	}
}

func pumpOut(conn net.Conn, w io.Writer, done chan struct{}) {
	defer close(done)
	buf := make([]byte, ioBufferSize)
	for {
		n, rerr := conn.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				vsockLog.WithError(werr).Debug("stdio sink closed")
				return
			}
		}
		if rerr != nil {
			return
		}
	}
}

// Close stops the stdin pump, waits up to drainTimeout for the stdout
// and stderr pumps to drain whatever the guest already wrote, then
// closes every connection and listener (spec §4.5 "on delete, drain
// outstanding output for up to 2s before tearing the streams down").
func (p *StdioPlumbing) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stdinCancel != nil {
		p.stdinCancel()
	}

	deadline := time.Now().Add(drainTimeout)
	for p.stdoutDone != nil || p.stderrDone != nil {
		if p.stdoutDone != nil {
			select {
			case <-p.stdoutDone:
				p.stdoutDone = nil
			default:
			}
		}
		if p.stderrDone != nil {
			select {
			case <-p.stderrDone:
				p.stderrDone = nil
			default:
			}
		}
		if (p.stdoutDone == nil && p.stderrDone == nil) || time.Now().After(deadline) {
			break
		}
		time.Sleep(drainPollInterval)
	}

	var result *multierror.Error
	closeAll := func(closers ...io.Closer) {
		for _, c := range closers {
			if c == nil {
				continue
			}
			if err := c.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	closeAll(p.conns.stdin, p.conns.stdout, p.conns.stderr)
	closeAll(p.listeners.stdin, p.listeners.stdout, p.listeners.stderr)
	return result.ErrorOrNil()
}
