package ext4

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressNameStripsRecognizedPrefix(t *testing.T) {
	idx, stripped := compressName("user.foo")
	assert.Equal(t, uint8(1), idx)
	assert.Equal(t, "foo", stripped)

	idx, stripped = compressName("security.selinux")
	assert.Equal(t, uint8(6), idx)
	assert.Equal(t, "selinux", stripped)
}

func TestCompressNameLongestPrefixWins(t *testing.T) {
	idx, stripped := compressName("system.posix_acl_access")
	assert.Equal(t, uint8(2), idx)
	assert.Equal(t, "", stripped)
}

func TestCompressNameUnrecognizedKeepsFullName(t *testing.T) {
	idx, stripped := compressName("bogus.thing")
	assert.Equal(t, uint8(0), idx)
	assert.Equal(t, "bogus.thing", stripped)
}

func TestKernelXattrHashIsDeterministic(t *testing.T) {
	h1 := kernelXattrHash("foo", []byte{1, 2, 3, 4})
	h2 := kernelXattrHash("foo", []byte{1, 2, 3, 4})
	assert.Equal(t, h1, h2)

	h3 := kernelXattrHash("foo", []byte{1, 2, 3, 5})
	assert.NotEqual(t, h1, h3)
}

func TestNewXattrEncoderPrependsSyntheticDataAttrAndSortsKeys(t *testing.T) {
	e := newXattrEncoder(map[string][]byte{
		"user.zeta":  []byte("z"),
		"user.alpha": []byte("a"),
	})
	require.Len(t, e.attrs, 3)
	assert.Equal(t, "data", e.attrs[0].name)
	assert.Equal(t, uint8(7), e.attrs[0].index)
	assert.Equal(t, "alpha", e.attrs[1].name)
	assert.Equal(t, "zeta", e.attrs[2].name)
}

func TestXattrEncodeSmallAttrsStayInline(t *testing.T) {
	e := newXattrEncoder(map[string][]byte{"user.a": []byte("v")})
	inline, block, err := e.encode()
	require.NoError(t, err)
	assert.Nil(t, block)
	require.Len(t, inline, inlineAreaSize)
	assert.Equal(t, uint32(xattrInlineMagic), binary.LittleEndian.Uint32(inline[0:]))
}

func TestXattrEncodeOverflowsToBlockWhenValuesExceedInlineArea(t *testing.T) {
	e := newXattrEncoder(map[string][]byte{"user.a": make([]byte, 200)})
	inline, block, err := e.encode()
	require.NoError(t, err)
	require.NotNil(t, block)
	require.Len(t, block, BlockSize)
	assert.Equal(t, uint32(xattrBlockMagic), binary.LittleEndian.Uint32(block[0:]))
	assert.Equal(t, uint32(xattrInlineMagic), binary.LittleEndian.Uint32(inline[0:]))
}

func TestXattrEncodeFailsWhenNeitherRegionFits(t *testing.T) {
	e := newXattrEncoder(map[string][]byte{"user.a": make([]byte, BlockSize)})
	_, _, err := e.encode()
	require.Error(t, err)
}
