package ext4

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmrun/containerization/runtimeerrors"
)

func newTestFormatter(t *testing.T) (*Formatter, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.ext4")
	f, err := NewFormatter(path, Options{MinDiskSize: 16 * BlockSize})
	require.NoError(t, err)
	return f, path
}

func TestNewFormatterRejectsBadOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.ext4")
	_, err := NewFormatter(path, Options{MinDiskSize: 0})
	require.Error(t, err)
	assert.Equal(t, runtimeerrors.InvalidArgument, runtimeerrors.CodeOf(err))

	_, err = NewFormatter(path, Options{MinDiskSize: BlockSize, BlockSize: 1024})
	require.Error(t, err)
	assert.Equal(t, runtimeerrors.InvalidArgument, runtimeerrors.CodeOf(err))
}

func TestCloseProducesValidSuperblockAndGroupAlignedSize(t *testing.T) {
	f, path := newTestFormatter(t)
	require.NoError(t, f.Create("/hello.txt", CreateOptions{
		Mode:   ModeIFREG | 0o644,
		Reader: bytes.NewReader([]byte("hello world")),
	}))
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	magic := binary.LittleEndian.Uint16(data[SuperblockOffset+56 : SuperblockOffset+58])
	assert.Equal(t, uint16(SuperblockMagic), magic)

	blocksPerGroup := uint32(BlockSize * 8)
	groupBytes := int64(blocksPerGroup) * BlockSize
	assert.Zero(t, int64(len(data))%groupBytes)
}

func TestCloseIsIdempotent(t *testing.T) {
	f, _ := newTestFormatter(t)
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
}

func TestOperationsAfterCloseFail(t *testing.T) {
	f, _ := newTestFormatter(t)
	require.NoError(t, f.Close())

	err := f.Create("/x", CreateOptions{Mode: ModeIFREG | 0o644})
	require.Error(t, err)
	assert.Equal(t, runtimeerrors.InvalidState, runtimeerrors.CodeOf(err))
}

func TestSymlinkInlineBoundaryAt59Bytes(t *testing.T) {
	f, _ := newTestFormatter(t)
	target := strings.Repeat("a", 59)
	require.NoError(t, f.Create("/link59", CreateOptions{Mode: ModeIFLNK | 0o777, Link: target}))

	n := f.tree.lookup("/link59")
	require.NotNil(t, n)
	meta := f.tree.meta[n.inode]
	assert.Nil(t, meta.primary)
	assert.Equal(t, []byte(target), meta.inlineData)
	assert.Equal(t, uint64(59), meta.size)
}

func TestSymlinkExtentBoundaryAt60Bytes(t *testing.T) {
	f, _ := newTestFormatter(t)
	target := strings.Repeat("a", 60)
	require.NoError(t, f.Create("/link60", CreateOptions{Mode: ModeIFLNK | 0o777, Link: target}))

	n := f.tree.lookup("/link60")
	require.NotNil(t, n)
	meta := f.tree.meta[n.inode]
	require.NotNil(t, meta.primary)
	assert.Equal(t, uint32(1), meta.primary.count)
	assert.Nil(t, meta.inlineData)
	assert.Equal(t, uint64(60), meta.size)
}

func TestMaxLinksBoundary(t *testing.T) {
	f, _ := newTestFormatter(t)
	require.NoError(t, f.Create("/d", CreateOptions{Mode: ModeIFDIR | 0o755}))
	dirNode := f.tree.lookup("/d")
	require.NotNil(t, dirNode)
	meta := f.tree.meta[dirNode.inode]

	meta.linksCount = MaxLinks - 1
	require.NoError(t, f.Create("/d/one", CreateOptions{Mode: ModeIFDIR | 0o755}))
	assert.Equal(t, uint16(MaxLinks), meta.linksCount)

	err := f.Create("/d/two", CreateOptions{Mode: ModeIFDIR | 0o755})
	require.Error(t, err)
	assert.Equal(t, CodeMaximumLinksExceeded, runtimeerrors.CodeOf(err))
}

func TestHardlinkChainSharesInodeAndBumpsLinksCount(t *testing.T) {
	f, _ := newTestFormatter(t)
	require.NoError(t, f.Create("/a", CreateOptions{Mode: ModeIFREG | 0o644, Reader: bytes.NewReader([]byte("data"))}))
	require.NoError(t, f.Link("/b", "/a"))

	aNode := f.tree.lookup("/a")
	bNode := f.tree.lookup("/b")
	require.NotNil(t, aNode)
	require.NotNil(t, bNode)
	assert.Equal(t, aNode.inode, bNode.inode)
	assert.Equal(t, uint16(2), f.tree.meta[aNode.inode].linksCount)
}

func TestLinkRejectsMissingTargetAndDirectories(t *testing.T) {
	f, _ := newTestFormatter(t)
	err := f.Link("/b", "/missing")
	require.Error(t, err)
	assert.Equal(t, runtimeerrors.NotFound, runtimeerrors.CodeOf(err))

	require.NoError(t, f.Create("/d", CreateOptions{Mode: ModeIFDIR | 0o755}))
	err = f.Link("/d2", "/d")
	require.Error(t, err)
	assert.Equal(t, runtimeerrors.InvalidArgument, runtimeerrors.CodeOf(err))
}

func TestCreateSameDirTwiceIsIdempotentNotDuplicated(t *testing.T) {
	f, _ := newTestFormatter(t)
	require.NoError(t, f.Create("/d", CreateOptions{Mode: ModeIFDIR | 0o755}))
	newUID := uint32(42)
	require.NoError(t, f.Create("/d", CreateOptions{Mode: ModeIFDIR | 0o700, UID: &newUID}))

	require.Len(t, f.tree.root.children, 2) // lost+found and d
	n := f.tree.lookup("/d")
	require.NotNil(t, n)
	meta := f.tree.meta[n.inode]
	assert.Equal(t, uint32(42), meta.uid)
	assert.Equal(t, ModeIFDIR|uint16(0o700), meta.mode)
}

func TestUnlinkThenCreateProducesFreshInode(t *testing.T) {
	f, _ := newTestFormatter(t)
	require.NoError(t, f.Create("/f", CreateOptions{Mode: ModeIFREG | 0o644, Reader: bytes.NewReader([]byte("v1"))}))
	firstNode := f.tree.lookup("/f")
	require.NotNil(t, firstNode)
	firstInode := firstNode.inode

	require.NoError(t, f.Unlink("/f", false))
	assert.Nil(t, f.tree.lookup("/f"))

	require.NoError(t, f.Create("/f", CreateOptions{Mode: ModeIFREG | 0o644, Reader: bytes.NewReader([]byte("v2"))}))
	secondNode := f.tree.lookup("/f")
	require.NotNil(t, secondNode)
	assert.NotEqual(t, firstInode, secondNode.inode)
	assert.Equal(t, uint16(1), f.tree.meta[secondNode.inode].linksCount)
}

func TestCloseEncodesXattrsIntoInodeInlineArea(t *testing.T) {
	f, _ := newTestFormatter(t)
	require.NoError(t, f.Create("/x", CreateOptions{
		Mode:   ModeIFREG | 0o644,
		Reader: bytes.NewReader([]byte("hi")),
		Xattrs: map[string][]byte{"user.foo": []byte("bar")},
	}))
	n := f.tree.lookup("/x")
	require.NotNil(t, n)
	meta := f.tree.meta[n.inode]

	require.NoError(t, f.writeDirectoryBlocks())
	plans, err := f.buildExtentPlans()
	require.NoError(t, err)
	xplans, err := f.buildXattrPlans()
	require.NoError(t, err)

	xp := xplans[n.inode]
	require.NotNil(t, xp)
	assert.Zero(t, xp.blockNum)

	rec := f.buildInode(meta, plans[n.inode], xp)
	require.Len(t, rec, InodeSize)
	assert.Equal(t, uint32(xattrInlineMagic), binary.LittleEndian.Uint32(rec[160:164]))
	assert.Zero(t, binary.LittleEndian.Uint32(rec[104:108])) // fileAclLo unset when no overflow block
	assert.True(t, bytes.Contains(rec[160:256], []byte("foo")))
	assert.True(t, bytes.Contains(rec[160:256], []byte("bar")))
}

func TestCloseOverflowingXattrsSpillToBlockAndSetFileAcl(t *testing.T) {
	f, _ := newTestFormatter(t)
	bigValue := bytes.Repeat([]byte("v"), 200)
	require.NoError(t, f.Create("/x", CreateOptions{
		Mode:   ModeIFREG | 0o644,
		Reader: bytes.NewReader([]byte("hi")),
		Xattrs: map[string][]byte{"user.big": bigValue},
	}))
	n := f.tree.lookup("/x")
	require.NotNil(t, n)
	meta := f.tree.meta[n.inode]

	require.NoError(t, f.writeDirectoryBlocks())
	plans, err := f.buildExtentPlans()
	require.NoError(t, err)
	xplans, err := f.buildXattrPlans()
	require.NoError(t, err)

	xp := xplans[n.inode]
	require.NotNil(t, xp)
	require.NotZero(t, xp.blockNum)

	rec := f.buildInode(meta, plans[n.inode], xp)
	assert.Equal(t, xp.blockNum, binary.LittleEndian.Uint32(rec[104:108]))

	blockBuf := make([]byte, BlockSize)
	_, err = f.bw.f.ReadAt(blockBuf, int64(xp.blockNum)*BlockSize)
	require.NoError(t, err)
	assert.Equal(t, uint32(xattrBlockMagic), binary.LittleEndian.Uint32(blockBuf[0:4]))
	assert.True(t, bytes.Contains(blockBuf, []byte("big")))
	assert.True(t, bytes.Contains(blockBuf, bigValue))
}

func TestCreateWithoutXattrsLeavesInodeInlineAreaUntouched(t *testing.T) {
	f, _ := newTestFormatter(t)
	require.NoError(t, f.Create("/plain", CreateOptions{Mode: ModeIFREG | 0o644}))
	n := f.tree.lookup("/plain")
	require.NotNil(t, n)
	meta := f.tree.meta[n.inode]

	require.NoError(t, f.writeDirectoryBlocks())
	plans, err := f.buildExtentPlans()
	require.NoError(t, err)
	xplans, err := f.buildXattrPlans()
	require.NoError(t, err)
	assert.Nil(t, xplans[n.inode])

	rec := f.buildInode(meta, plans[n.inode], xplans[n.inode])
	assert.Zero(t, binary.LittleEndian.Uint32(rec[160:164]))
	assert.Zero(t, binary.LittleEndian.Uint32(rec[104:108]))
}

func TestCloseHolePunchesDeletedFileBlocksWithoutCorruptingImage(t *testing.T) {
	f, path := newTestFormatter(t)
	big := bytes.Repeat([]byte("x"), 4*BlockSize)
	require.NoError(t, f.Create("/big", CreateOptions{Mode: ModeIFREG | 0o644, Reader: bytes.NewReader(big)}))
	require.NoError(t, f.Unlink("/big", false))

	require.NotEmpty(t, f.deletedBlocks)
	f.punchDeletedBlocks() // best-effort; must not error out or resize the file

	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	magic := binary.LittleEndian.Uint16(data[SuperblockOffset+56 : SuperblockOffset+58])
	assert.Equal(t, uint16(SuperblockMagic), magic)
}

func TestUnlinkDirectoryWhiteoutRemovesChildrenKeepsDir(t *testing.T) {
	f, _ := newTestFormatter(t)
	require.NoError(t, f.Create("/d", CreateOptions{Mode: ModeIFDIR | 0o755}))
	require.NoError(t, f.Create("/d/child", CreateOptions{Mode: ModeIFREG | 0o644}))

	require.NoError(t, f.Unlink("/d", true))
	assert.NotNil(t, f.tree.lookup("/d"))
	assert.Nil(t, f.tree.lookup("/d/child"))
}
