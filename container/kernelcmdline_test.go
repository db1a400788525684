package container

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmrun/containerization/runtimeerrors"
)

func TestKernelCmdlineVirtiofsRoot(t *testing.T) {
	k := Kernel{KernelArgs: []string{"console=ttyS0"}}
	line, err := KernelCmdline(k, InitfsVirtiofs, false)
	require.NoError(t, err)
	assert.Equal(t, "console=ttyS0 init=/sbin/vminitd ro rootfstype=virtiofs root=rootfs", line)
}

func TestKernelCmdlineExt4BlockRoot(t *testing.T) {
	k := Kernel{KernelArgs: []string{"console=ttyS0"}}
	line, err := KernelCmdline(k, InitfsExt4, true)
	require.NoError(t, err)
	assert.Equal(t, "console=ttyS0 init=/sbin/vminitd ro rootfstype=ext4 root=/dev/vda", line)
}

func TestKernelCmdlineAppendsInitArgsAfterDoubleDash(t *testing.T) {
	k := Kernel{InitArgs: []string{"--verbose", "--foo"}}
	line, err := KernelCmdline(k, InitfsExt4, true)
	require.NoError(t, err)
	assert.Equal(t, "init=/sbin/vminitd ro rootfstype=ext4 root=/dev/vda -- --verbose --foo", line)
}

func TestKernelCmdlineRejectsUnsupportedInitfs(t *testing.T) {
	_, err := KernelCmdline(Kernel{}, InitfsType(99), false)
	require.Error(t, err)
	assert.Equal(t, runtimeerrors.InvalidArgument, runtimeerrors.CodeOf(err))
}
