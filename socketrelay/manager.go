package socketrelay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/vmrun/containerization/runtimeerrors"
	"github.com/vmrun/containerization/vsockio"
)

// idLength is the number of hex characters kept from the SHA-256
// digest identifying a relay configuration (spec §4.6 "a stable
// 36-character id").
const idLength = 36

// ComputeID derives the stable dedup id for cfg (spec §4.6).
func ComputeID(cfg Config) string {
	var perm uint32
	if cfg.Perm != nil {
		perm = uint32(*cfg.Perm)
	}
	material := fmt.Sprintf("src:%s|dst:%d|perm:%d|dir:%d", cfg.Source, cfg.Destination, perm, int(cfg.Direction))
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])[:idLength]
}

// Manager tracks the set of running relays and rejects concurrent
// starts of an identical configuration (spec §4.6).
type Manager struct {
	transport vsockio.Transport

	mu     sync.Mutex
	active map[string]*Relay
}

// NewManager constructs a Manager whose relays dial/listen via
// transport.
func NewManager(transport vsockio.Transport) *Manager {
	return &Manager{transport: transport, active: make(map[string]*Relay)}
}

// Start begins relaying cfg and returns its handle. Starting an
// already-active configuration is rejected with InvalidState.
func (m *Manager) Start(ctx context.Context, cfg Config) (*Relay, error) {
	id := ComputeID(cfg)

	m.mu.Lock()
	if _, exists := m.active[id]; exists {
		m.mu.Unlock()
		return nil, runtimeerrors.New(runtimeerrors.InvalidState, "relay "+id+" is already running")
	}
	r := newRelay(id, cfg, m.transport)
	m.active[id] = r
	m.mu.Unlock()

	if err := r.start(ctx); err != nil {
		m.mu.Lock()
		delete(m.active, id)
		m.mu.Unlock()
		return nil, err
	}
	return r, nil
}

// Stop stops the relay identified by id, if running.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	r, ok := m.active[id]
	if ok {
		delete(m.active, id)
	}
	m.mu.Unlock()
	if !ok {
		return runtimeerrors.New(runtimeerrors.NotFound, "relay "+id+" is not running")
	}
	return r.stop()
}

// StopAll stops every currently running relay; used by
// ContainerStateMachine.stop() before tearing the VM down (spec §4.3
// stop() step 1).
func (m *Manager) StopAll() error {
	m.mu.Lock()
	relays := make([]*Relay, 0, len(m.active))
	for id, r := range m.active {
		relays = append(relays, r)
		delete(m.active, id)
	}
	m.mu.Unlock()

	var result *multierror.Error
	for _, r := range relays {
		if err := r.stop(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
