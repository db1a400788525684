package container

import (
	"bytes"
	"context"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmrun/containerization/vsockio"
)

func TestNewLinuxProcessClosesListenersWhenCreateProcessFails(t *testing.T) {
	client := newFakeAgentClient()
	client.errs["CreateProcess"] = assert.AnError
	transport := newFakeTransport()

	_, err := newLinuxProcess(context.Background(), "p1", client, transport, vsockio.NewPortAllocator(),
		&specs.Process{Args: []string{"/bin/sh"}}, bytes.NewBufferString(""), &bytes.Buffer{}, &bytes.Buffer{})

	require.Error(t, err)
	assert.True(t, transport.allClosed())
}

func TestNewLinuxProcessClosesListenersWhenStartProcessFails(t *testing.T) {
	client := newFakeAgentClient()
	client.errs["StartProcess"] = assert.AnError
	transport := newFakeTransport()

	_, err := newLinuxProcess(context.Background(), "p1", client, transport, vsockio.NewPortAllocator(),
		&specs.Process{Args: []string{"/bin/sh"}}, bytes.NewBufferString(""), &bytes.Buffer{}, &bytes.Buffer{})

	require.Error(t, err)
	assert.True(t, transport.allClosed())
}
