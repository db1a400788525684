package container

import (
	"strings"

	"github.com/vmrun/containerization/runtimeerrors"
)

// InitfsType selects how the guest locates its root filesystem (spec
// §4.4).
type InitfsType int

const (
	InitfsVirtiofs InitfsType = iota
	InitfsExt4
)

// Kernel is the guest kernel path and the command line fragments it
// should be booted with (spec §3 "Kernel").
type Kernel struct {
	Path       string
	KernelArgs []string
	InitArgs   []string
}

// KernelCmdline composes the full kernel command line: user args, the
// init binary, and a root= stanza selecting either a virtiofs share or
// a block device, followed by init args after a literal `--` (spec
// §4.4).
func KernelCmdline(k Kernel, initfs InitfsType, rootIsBlock bool) (string, error) {
	tokens := append([]string{}, k.KernelArgs...)
	tokens = append(tokens, "init=/sbin/vminitd", "ro")

	switch initfs {
	case InitfsVirtiofs:
		tokens = append(tokens, "rootfstype=virtiofs")
	case InitfsExt4:
		tokens = append(tokens, "rootfstype=ext4")
	default:
		return "", runtimeerrors.New(runtimeerrors.InvalidArgument, "unsupported initfs type")
	}

	if rootIsBlock {
		tokens = append(tokens, "root=/dev/vda")
	} else {
		tokens = append(tokens, "root=rootfs")
	}

	if len(k.InitArgs) > 0 {
		tokens = append(tokens, "--")
		tokens = append(tokens, k.InitArgs...)
	}
	return strings.Join(tokens, " "), nil
}
