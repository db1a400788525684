package container

import (
	"crypto/sha256"
	"encoding/hex"
)

// MountKind distinguishes how a Mount should be attached to the guest
// (spec §3 "Mount").
type MountKind int

const (
	// KindBlockDevice attaches the mount as a virtio block device.
	KindBlockDevice MountKind = iota
	// KindVirtiofs attaches the mount as a virtiofs share.
	KindVirtiofs
	// KindAny lets MountPlanner pick either transport.
	KindAny
)

// Mount is a user-declared filesystem attachment (spec §3).
type Mount struct {
	Type           string
	Source         string
	Destination    string
	Options        []string
	Kind           MountKind
	RuntimeOptions []string
}

// AttachedFilesystem is the materialized form of a Mount after
// device-letter/tag assignment (spec §3).
type AttachedFilesystem struct {
	Type        string
	Source      string // host path for virtiofs, "" for a block device
	Device      string // "/dev/vdX" for a block device, "" for virtiofs
	Tag         string // virtiofs share tag, "" for a block device
	Destination string
	Options     []string
}

// deviceLetters is the monotonic `a`, `b`, ... allocator MountPlanner
// draws block-device letters from (spec §4.4). Past `z` it rolls over
// to the kernel's own two-letter scheme (`aa`, `ab`, ...), the same
// convention /dev/vdaa uses once a guest has more than 26 virtio-blk
// devices.
type deviceLetters struct {
	next uint64
}

func newDeviceLetters() *deviceLetters {
	return &deviceLetters{}
}

func (d *deviceLetters) allocate() string {
	n := d.next
	d.next++

	// Bijective base-26: n=0 -> "a", n=25 -> "z", n=26 -> "aa", ...
	var suffix []byte
	for {
		suffix = append([]byte{byte('a' + n%26)}, suffix...)
		if n < 26 {
			break
		}
		n = n/26 - 1
	}
	return "vd" + string(suffix)
}

// MountPlanner deterministically assigns device letters to block mounts
// and derives virtiofs tags from a hash of the host path (spec §4.4).
type MountPlanner struct {
	letters *deviceLetters
}

// NewMountPlanner constructs a planner whose device-letter allocator is
// preloaded with `vda` when rootIsBlock is true, matching root
// preallocation (spec §3 "AttachedFilesystem").
func NewMountPlanner(rootIsBlock bool) *MountPlanner {
	p := &MountPlanner{letters: newDeviceLetters()}
	if rootIsBlock {
		p.letters.allocate() // vda reserved for root
	}
	return p
}

// Plan attaches every mount in order. Block mounts take device letters
// in that order, starting after the preallocated `vda` when the planner
// was built with rootIsBlock; Destination plays no part in the choice.
func (p *MountPlanner) Plan(mounts []Mount) []AttachedFilesystem {
	attached := make([]AttachedFilesystem, 0, len(mounts))
	for _, m := range mounts {
		switch resolveKind(m) {
		case KindVirtiofs:
			attached = append(attached, AttachedFilesystem{
				Type:        m.Type,
				Source:      m.Source,
				Tag:         virtiofsTag(m.Source),
				Destination: m.Destination,
				Options:     m.Options,
			})
		default:
			attached = append(attached, AttachedFilesystem{
				Type:        m.Type,
				Device:      "/dev/" + p.letters.allocate(),
				Destination: m.Destination,
				Options:     m.Options,
			})
		}
	}
	return attached
}

func resolveKind(m Mount) MountKind {
	if m.Kind == KindAny {
		return KindBlockDevice
	}
	return m.Kind
}

// virtiofsTag derives the deterministic short tag virtiofsd and the
// kernel mount both reference for a given host path (spec §3 "a
// deterministic short tag derived from a hash of the host path").
func virtiofsTag(hostPath string) string {
	sum := sha256.Sum256([]byte(hostPath))
	return hex.EncodeToString(sum[:])[:12]
}
