package vsockio

import "sync/atomic"

// basePort is the first port handed out by PortAllocator (spec §5);
// ports below it are reserved for the agent's well-known port and
// future control channels.
const basePort uint32 = 0x10000000

// PortAllocator hands out host vsock ports for stdio streams from one
// monotonic counter, so a port is never reused for the lifetime of the
// allocator (spec §5). Socket relays do not draw from it: each relay
// uses the port given in its socketrelay.Config.
type PortAllocator struct {
	next uint32
}

// NewPortAllocator returns an allocator seeded at basePort.
func NewPortAllocator() *PortAllocator {
	return &PortAllocator{next: basePort}
}

// Next returns the next unused port.
func (p *PortAllocator) Next() uint32 {
	return atomic.AddUint32(&p.next, 1) - 1
}
