// Package socketrelay implements UnixSocketRelay, the bidirectional
// proxy between a host AF_UNIX endpoint and a guest vsock port (spec
// §4.6).
package socketrelay

import (
	"context"
	"io"
	"net"
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vmrun/containerization/vsockio"
)

var relayLog = logrus.WithField("source", "socketrelay")

// SetLogger lets the embedding application redirect this package's log
// output.
func SetLogger(logger *logrus.Entry) {
	relayLog = logger
}

// Direction selects which side initiates the proxied connection.
type Direction int

const (
	// Into relays host to guest: the host listens on the vsock port and
	// dials the AF_UNIX path once the guest connects in.
	Into Direction = iota
	// OutOf relays guest to host: the host listens on the AF_UNIX path
	// and dials the guest vsock port once a peer connects in.
	OutOf
)

func (d Direction) String() string {
	if d == Into {
		return "into"
	}
	return "out-of"
}

// Config identifies one relay endpoint pairing.
type Config struct {
	// Source is the host AF_UNIX socket path.
	Source string
	// Destination is the guest vsock port.
	Destination uint32
	// Perm is applied to the AF_UNIX socket file when this relay binds
	// it (OutOf only); nil leaves the umask default.
	Perm *os.FileMode
	// GuestCID is the vsock context id of the guest this relay dials
	// into (Into direction: dialing the AF_UNIX peer needs no CID, but
	// OutOf dials the guest and needs one).
	GuestCID  uint32
	Direction Direction
}

// Relay owns the accept task and the two listening/dialing sockets for
// one started configuration (spec §3 "UnixSocketRelay" lifecycle).
type Relay struct {
	id        string
	cfg       Config
	transport vsockio.Transport

	cancel   context.CancelFunc
	listener net.Listener

	mu    sync.Mutex
	conns map[io.Closer]struct{}
	wg    sync.WaitGroup
}

func newRelay(id string, cfg Config, transport vsockio.Transport) *Relay {
	return &Relay{
		id:        id,
		cfg:       cfg,
		transport: transport,
		conns:     make(map[io.Closer]struct{}),
	}
}

// ID returns the relay's deduplication id (spec §4.6).
func (r *Relay) ID() string { return r.id }

func (r *Relay) start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	switch r.cfg.Direction {
	case OutOf:
		_ = os.Remove(r.cfg.Source)
		l, err := net.Listen("unix", r.cfg.Source)
		if err != nil {
			cancel()
			return errors.Wrapf(err, "listen on %s", r.cfg.Source)
		}
		if r.cfg.Perm != nil {
			if err := os.Chmod(r.cfg.Source, *r.cfg.Perm); err != nil {
				l.Close()
				cancel()
				return errors.Wrap(err, "chmod relay socket")
			}
		}
		r.listener = l
	case Into:
		l, err := r.transport.Listen(r.cfg.Destination)
		if err != nil {
			cancel()
			return errors.Wrapf(err, "listen on vsock port %d", r.cfg.Destination)
		}
		r.listener = l
	}

	go r.acceptLoop(ctx)
	return nil
}

func (r *Relay) acceptLoop(ctx context.Context) {
	for {
		conn, err := vsockio.Accept(ctx, r.listener)
		if err != nil {
			return
		}
		peer, err := r.dialPeer(ctx)
		if err != nil {
			relayLog.WithError(err).WithField("relay", r.id).Warn("dial relay peer failed")
			conn.Close()
			continue
		}
		r.mu.Lock()
		r.conns[conn] = struct{}{}
		r.conns[peer] = struct{}{}
		r.mu.Unlock()
		r.wg.Add(1)
		go r.pipe(conn, peer)
	}
}

func (r *Relay) dialPeer(ctx context.Context) (net.Conn, error) {
	switch r.cfg.Direction {
	case OutOf:
		return r.transport.Dial(ctx, r.cfg.GuestCID, r.cfg.Destination)
	default: // Into
		var d net.Dialer
		return d.DialContext(ctx, "unix", r.cfg.Source)
	}
}

// pipe runs both half-duplex copies for one accepted connection. Either
// side reporting EOF or an error is treated as a hangup: both
// descriptors are closed, accepting that the other direction's
// in-flight bytes may be lost, matching a direct Unix socket peer
// disconnect (spec §4.6).
func (r *Relay) pipe(a, b net.Conn) {
	defer r.wg.Done()
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(b, a)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(a, b)
		done <- struct{}{}
	}()
	<-done

	a.Close()
	b.Close()
	r.mu.Lock()
	delete(r.conns, a)
	delete(r.conns, b)
	r.mu.Unlock()
}

// stop cancels the accept task and closes the listener and every
// in-flight connection. For OutOf the host socket file is removed; for
// Into the guest-side port is simply released by closing the listener.
func (r *Relay) stop() error {
	if r.cancel != nil {
		r.cancel()
	}

	var result *multierror.Error
	if r.listener != nil {
		if err := r.listener.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	r.mu.Lock()
	for c := range r.conns {
		c.Close()
	}
	r.mu.Unlock()
	r.wg.Wait()

	if r.cfg.Direction == OutOf {
		if err := os.Remove(r.cfg.Source); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
