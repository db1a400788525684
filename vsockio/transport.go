// Package vsockio provides the host-side vsock port allocator and the
// per-process stdio plumbing described in spec §4.5/§5. It consumes a
// small dial/listen abstraction rather than a concrete transport, the
// same separation the hypervisor SDK itself gets (spec §1): the only
// concrete implementation wired in here is backed by
// github.com/mdlayher/vsock.
package vsockio

import (
	"context"
	"net"

	"github.com/mdlayher/vsock"
	"github.com/sirupsen/logrus"
)

var vsockLog = logrus.WithField("source", "vsockio")

// SetLogger lets the embedding application redirect this package's log
// output.
func SetLogger(logger *logrus.Entry) {
	vsockLog = logger
}

// Transport is the dial/listen abstraction the core consumes instead of
// calling into a vsock library directly.
type Transport interface {
	Listen(port uint32) (net.Listener, error)
	Dial(ctx context.Context, cid, port uint32) (net.Conn, error)
}

type vsockTransport struct{}

// NewVsockTransport returns a Transport backed by mdlayher/vsock.
func NewVsockTransport() Transport {
	return vsockTransport{}
}

func (vsockTransport) Listen(port uint32) (net.Listener, error) {
	return vsock.Listen(port, nil)
}

func (vsockTransport) Dial(ctx context.Context, cid, port uint32) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := vsock.Dial(cid, port, nil)
		ch <- result{c, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.conn, r.err
	}
}

// Accept adapts net.Listener.Accept, which has no context parameter,
// to one that can be cancelled. Exported so socketrelay can share it.
func Accept(ctx context.Context, l net.Listener) (net.Conn, error) {
	return acceptWithContext(ctx, l)
}

func acceptWithContext(ctx context.Context, l net.Listener) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := l.Accept()
		ch <- result{c, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.conn, r.err
	}
}
