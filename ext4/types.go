// Package ext4 writes OCI image layers into a from-scratch ext4 disk image
// suitable for direct boot as a container root filesystem. It is a
// write-only formatter: there is no journal, no read path, and no
// write-after-format mutation — once Formatter.Close returns the image is
// final.
package ext4

import "encoding/binary"

const (
	// BlockSize is the only block size this writer supports.
	BlockSize = 4096

	// InodeSize is fixed at 256 bytes (revision 1, extra_isize enabled).
	InodeSize = 256

	// SuperblockOffset is the byte offset of the primary superblock.
	SuperblockOffset = 1024

	// SuperblockMagic is ext4's on-disk magic, found at offset 56 of the
	// superblock struct.
	SuperblockMagic = 0xEF53

	// RootInode is inode 2, the filesystem root.
	RootInode = 2

	// LostAndFoundInode is the first inode past the 1..10 reserved range
	// and is e2fsck's mandatory /lost+found.
	LostAndFoundInode = 11

	// FirstNonReservedInode is the first inode number past the reserved
	// range; NewFormatter assigns it to /lost+found, so ordinary files
	// start at the next one.
	FirstNonReservedInode = LostAndFoundInode

	// MaxLinks bounds a directory's link count (spec §4.1).
	MaxLinks = 65000

	// MaxFileSize is the 128 GiB cap Create enforces on regular files;
	// it lies within what the two-depth extent tree this writer supports
	// can map.
	MaxFileSize = 128 * 1024 * 1024 * 1024

	extentMagic        = 0xF30A
	xattrInlineMagic    = 0xEA020000
	xattrBlockMagic     = 0xEA020000
	groupDescriptorSize = 32
)

// Feature flags written into the superblock (spec §4.1.3 step 7).
const (
	featureCompatSparseSuper2 = 0x200
	featureCompatExtAttr      = 0x8

	featureIncompatFiletype = 0x2
	featureIncompatExtents  = 0x40
	featureIncompatFlexBg   = 0x200
	featureIncompatInline   = 0x8000

	featureRoCompatLargeFile = 0x2
	featureRoCompatHugeFile  = 0x8
	featureRoCompatExtraIsize = 0x40
)

// File-type tags used in directory entries and inline create().
const (
	FileTypeUnknown byte = 0
	FileTypeRegular byte = 1
	FileTypeDir     byte = 2
	FileTypeSymlink byte = 7
)

// inode mode bits, the subset this writer emits.
const (
	ModeIFDIR  uint16 = 0o040000
	ModeIFREG  uint16 = 0o100000
	ModeIFLNK  uint16 = 0o120000
	modeTypeMask uint16 = 0o170000
)

// superblock is the packed, little-endian on-disk primary superblock. Only
// the fields this writer populates are named; the rest of the 1024-byte
// struct is implicitly zero.
type superblock struct {
	inodesCount        uint32
	blocksCountLo       uint32
	rBlocksCountLo      uint32
	freeBlocksCountLo   uint32
	freeInodesCount     uint32
	firstDataBlock      uint32
	logBlockSize        uint32
	logClusterSize      uint32
	blocksPerGroup      uint32
	clustersPerGroup    uint32
	inodesPerGroup      uint32
	mtime               uint32
	wtime               uint32
	mntCount            uint16
	maxMntCount         uint16
	magic               uint16
	state               uint16
	errors              uint16
	minorRevLevel       uint16
	lastCheck           uint32
	checkInterval       uint32
	creatorOS           uint32
	revLevel            uint32
	defResuid           uint16
	defResgid           uint16
	firstIno            uint32
	inodeSize           uint16
	blockGroupNr        uint16
	featureCompat       uint32
	featureIncompat     uint32
	featureRoCompat     uint32
	uuid                [16]byte
	volumeName          [16]byte
	lastMounted         [64]byte
	algorithmUsageBitmap uint32
	preallocBlocks      uint8
	preallocDirBlocks   uint8
	reservedGdtBlocks   uint16
	journalUUID         [16]byte
	journalInum         uint32
	journalDev          uint32
	lastOrphan          uint32
	hashSeed            [4]uint32
	defHashVersion      uint8
	jnlBackupType       uint8
	descSize            uint16
	defaultMountOpts    uint32
	firstMetaBg         uint32
	mkfsTime            uint32
	logGroupsPerFlex    uint8
	checksumType        uint8
}

func (s *superblock) marshal() []byte {
	b := make([]byte, 1024)
	binary.LittleEndian.PutUint32(b[0:], s.inodesCount)
	binary.LittleEndian.PutUint32(b[4:], s.blocksCountLo)
	binary.LittleEndian.PutUint32(b[8:], s.rBlocksCountLo)
	binary.LittleEndian.PutUint32(b[12:], s.freeBlocksCountLo)
	binary.LittleEndian.PutUint32(b[16:], s.freeInodesCount)
	binary.LittleEndian.PutUint32(b[20:], s.firstDataBlock)
	binary.LittleEndian.PutUint32(b[24:], s.logBlockSize)
	binary.LittleEndian.PutUint32(b[28:], s.logClusterSize)
	binary.LittleEndian.PutUint32(b[32:], s.blocksPerGroup)
	binary.LittleEndian.PutUint32(b[36:], s.clustersPerGroup)
	binary.LittleEndian.PutUint32(b[40:], s.inodesPerGroup)
	binary.LittleEndian.PutUint32(b[44:], s.mtime)
	binary.LittleEndian.PutUint32(b[48:], s.wtime)
	binary.LittleEndian.PutUint16(b[52:], s.mntCount)
	binary.LittleEndian.PutUint16(b[54:], s.maxMntCount)
	binary.LittleEndian.PutUint16(b[56:], s.magic) // offsetof(magic) == 56, per spec §6
	binary.LittleEndian.PutUint16(b[58:], s.state)
	binary.LittleEndian.PutUint16(b[60:], s.errors)
	binary.LittleEndian.PutUint16(b[62:], s.minorRevLevel)
	binary.LittleEndian.PutUint32(b[64:], s.lastCheck)
	binary.LittleEndian.PutUint32(b[68:], s.checkInterval)
	binary.LittleEndian.PutUint32(b[72:], s.creatorOS)
	binary.LittleEndian.PutUint32(b[76:], s.revLevel)
	binary.LittleEndian.PutUint16(b[80:], s.defResuid)
	binary.LittleEndian.PutUint16(b[82:], s.defResgid)
	binary.LittleEndian.PutUint32(b[84:], s.firstIno)
	binary.LittleEndian.PutUint16(b[88:], s.inodeSize)
	binary.LittleEndian.PutUint16(b[90:], s.blockGroupNr)
	binary.LittleEndian.PutUint32(b[92:], s.featureCompat)
	binary.LittleEndian.PutUint32(b[96:], s.featureIncompat)
	binary.LittleEndian.PutUint32(b[100:], s.featureRoCompat)
	copy(b[104:120], s.uuid[:])
	copy(b[120:136], s.volumeName[:])
	copy(b[136:200], s.lastMounted[:])
	binary.LittleEndian.PutUint32(b[200:], s.algorithmUsageBitmap)
	b[204] = s.preallocBlocks
	b[205] = s.preallocDirBlocks
	binary.LittleEndian.PutUint16(b[206:], s.reservedGdtBlocks)
	copy(b[208:224], s.journalUUID[:])
	binary.LittleEndian.PutUint32(b[224:], s.journalInum)
	binary.LittleEndian.PutUint32(b[228:], s.journalDev)
	binary.LittleEndian.PutUint32(b[232:], s.lastOrphan)
	for i, h := range s.hashSeed {
		binary.LittleEndian.PutUint32(b[236+4*i:], h)
	}
	b[252] = s.defHashVersion
	b[253] = s.jnlBackupType
	binary.LittleEndian.PutUint16(b[254:], s.descSize)
	binary.LittleEndian.PutUint32(b[256:], s.defaultMountOpts)
	binary.LittleEndian.PutUint32(b[260:], s.firstMetaBg)
	binary.LittleEndian.PutUint32(b[264:], s.mkfsTime)
	b[372] = s.logGroupsPerFlex
	b[373] = s.checksumType
	return b
}

// groupDescriptor is the packed 32-byte (non-64-bit) group descriptor.
type groupDescriptor struct {
	blockBitmapLo     uint32
	inodeBitmapLo     uint32
	inodeTableLo      uint32
	freeBlocksCountLo uint16
	freeInodesCountLo uint16
	usedDirsCountLo   uint16
	flags             uint16
	_                 [12]byte // itable_unused_lo, checksum, reserved — unused
}

func (g *groupDescriptor) marshal() []byte {
	b := make([]byte, groupDescriptorSize)
	binary.LittleEndian.PutUint32(b[0:], g.blockBitmapLo)
	binary.LittleEndian.PutUint32(b[4:], g.inodeBitmapLo)
	binary.LittleEndian.PutUint32(b[8:], g.inodeTableLo)
	binary.LittleEndian.PutUint16(b[12:], g.freeBlocksCountLo)
	binary.LittleEndian.PutUint16(b[14:], g.freeInodesCountLo)
	binary.LittleEndian.PutUint16(b[16:], g.usedDirsCountLo)
	binary.LittleEndian.PutUint16(b[18:], g.flags)
	return b
}

// onDiskInode is the packed 256-byte inode record.
type onDiskInode struct {
	mode          uint16
	uidLo         uint16
	sizeLo        uint32
	atime         uint32
	ctime         uint32
	mtime         uint32
	dtime         uint32
	gidLo         uint16
	linksCount    uint16
	blocksLo      uint32
	flags         uint32
	block         [60]byte
	generation    uint32
	fileAclLo     uint32
	sizeHi        uint32
	uidHi         uint16
	gidHi         uint16
	checksumLo    uint16
	extraIsize    uint16
	checksumHi    uint16
	ctimeExtra    uint32
	mtimeExtra    uint32
	atimeExtra    uint32
	crtime        uint32
	crtimeExtra   uint32
}

func (n *onDiskInode) marshal() []byte {
	b := make([]byte, InodeSize)
	binary.LittleEndian.PutUint16(b[0:], n.mode)
	binary.LittleEndian.PutUint16(b[2:], n.uidLo)
	binary.LittleEndian.PutUint32(b[4:], n.sizeLo)
	binary.LittleEndian.PutUint32(b[8:], n.atime)
	binary.LittleEndian.PutUint32(b[12:], n.ctime)
	binary.LittleEndian.PutUint32(b[16:], n.mtime)
	binary.LittleEndian.PutUint32(b[20:], n.dtime)
	binary.LittleEndian.PutUint16(b[24:], n.gidLo)
	binary.LittleEndian.PutUint16(b[26:], n.linksCount)
	binary.LittleEndian.PutUint32(b[28:], n.blocksLo)
	binary.LittleEndian.PutUint32(b[32:], n.flags)
	copy(b[40:100], n.block[:])
	binary.LittleEndian.PutUint32(b[100:], n.generation)
	binary.LittleEndian.PutUint32(b[104:], n.fileAclLo)
	binary.LittleEndian.PutUint32(b[108:], n.sizeHi)
	binary.LittleEndian.PutUint16(b[120:], n.uidHi)
	binary.LittleEndian.PutUint16(b[122:], n.gidHi)
	binary.LittleEndian.PutUint16(b[124:], n.checksumLo)
	binary.LittleEndian.PutUint16(b[128:], n.extraIsize)
	binary.LittleEndian.PutUint16(b[130:], n.checksumHi)
	binary.LittleEndian.PutUint32(b[132:], n.ctimeExtra)
	binary.LittleEndian.PutUint32(b[136:], n.mtimeExtra)
	binary.LittleEndian.PutUint32(b[140:], n.atimeExtra)
	binary.LittleEndian.PutUint32(b[144:], n.crtime)
	binary.LittleEndian.PutUint32(b[148:], n.crtimeExtra)
	return b
}

// splitTimestamp packs a (seconds, nanoseconds) pair into ext4's extended
// 64-bit timestamp scheme: the low 2 bits of the 32-bit extra field hold
// the upper bits of a now-34-bit second count, and the top 30 bits hold
// nanoseconds (spec §6: "sec | (nanos << 34)" split across lo32/hi32).
func splitTimestamp(sec int64, nsec int32) (lo uint32, extra uint32) {
	lo = uint32(sec)
	extra = uint32(nsec) << 2
	extra |= uint32((sec >> 32) & 0x3)
	return lo, extra
}

// extentHeader is the 12-byte header at the start of an inode's block
// area or of an extent leaf/index block.
type extentHeader struct {
	magic      uint16
	entries    uint16
	max        uint16
	depth      uint16
	generation uint32
}

func (h *extentHeader) marshal() []byte {
	b := make([]byte, 12)
	binary.LittleEndian.PutUint16(b[0:], h.magic)
	binary.LittleEndian.PutUint16(b[2:], h.entries)
	binary.LittleEndian.PutUint16(b[4:], h.max)
	binary.LittleEndian.PutUint16(b[6:], h.depth)
	binary.LittleEndian.PutUint32(b[8:], h.generation)
	return b
}

// extentLeaf maps a logical block range directly to physical blocks.
type extentLeaf struct {
	block   uint32 // logical block
	len     uint16 // block count
	startHi uint16
	startLo uint32 // physical block
}

func (e *extentLeaf) marshal() []byte {
	b := make([]byte, 12)
	binary.LittleEndian.PutUint32(b[0:], e.block)
	binary.LittleEndian.PutUint16(b[4:], e.len)
	binary.LittleEndian.PutUint16(b[6:], e.startHi)
	binary.LittleEndian.PutUint32(b[8:], e.startLo)
	return b
}

// extentIndex references a leaf block from the depth-1 root.
type extentIndex struct {
	block  uint32 // logical block covered
	leafLo uint32
	leafHi uint16
}

func (e *extentIndex) marshal() []byte {
	b := make([]byte, 12)
	binary.LittleEndian.PutUint32(b[0:], e.block)
	binary.LittleEndian.PutUint32(b[4:], e.leafLo)
	binary.LittleEndian.PutUint16(b[8:], e.leafHi)
	return b
}

// extentTail follows each written leaf block. The real format stores a
// crc32c checksum; per spec §6 this writer instead stores the leaf
// block's own block number, so readers that validate the checksum will
// reject the block — an accepted, documented limitation (see DESIGN.md).
type extentTail struct {
	checksum uint32
}

func (t *extentTail) marshal() []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, t.checksum)
	return b
}

// dirEntry is one ext4 directory entry: inode, record length, name.
type dirEntry struct {
	inode    uint32
	recLen   uint16
	fileType byte
	name     string
}

// marshal packs the entry, padding recLen to a 4-byte boundary as spec §6
// requires ("name[0..rec_len-8]", rec_len 4-byte aligned).
func (d *dirEntry) marshal() []byte {
	b := make([]byte, d.recLen)
	binary.LittleEndian.PutUint32(b[0:], d.inode)
	binary.LittleEndian.PutUint16(b[4:], d.recLen)
	b[6] = byte(len(d.name))
	b[7] = d.fileType
	copy(b[8:], d.name)
	return b
}

// direntRecLen returns the 4-byte-aligned record length for a name of the
// given length (8-byte fixed header + name bytes).
func direntRecLen(nameLen int) uint16 {
	n := 8 + nameLen
	if rem := n % 4; rem != 0 {
		n += 4 - rem
	}
	return uint16(n)
}

// xattrInlineHeader is the 4-byte marker at the start of the inode's
// inline xattr area (spec §6: magic 0xEA020000).
type xattrInlineHeader struct {
	magic uint32
}

func (h *xattrInlineHeader) marshal() []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, h.magic)
	return b
}

// xattrBlockHeader is the 32-byte header of a standalone xattr block.
type xattrBlockHeader struct {
	magic      uint32
	refcount   uint32
	blocks     uint32
	hash       uint32
	checksum   uint32
}

func (h *xattrBlockHeader) marshal() []byte {
	b := make([]byte, 32)
	binary.LittleEndian.PutUint32(b[0:], h.magic)
	binary.LittleEndian.PutUint32(b[4:], h.refcount)
	binary.LittleEndian.PutUint32(b[8:], h.blocks)
	binary.LittleEndian.PutUint32(b[12:], h.hash)
	binary.LittleEndian.PutUint32(b[16:], h.checksum)
	return b
}

// xattrEntryHeader precedes each attribute's name/value in either the
// inline area or a block.
type xattrEntryHeader struct {
	nameLen    uint8
	nameIndex  uint8
	valueOffs  uint16
	valueBlock uint32
	valueSize  uint32
	hash       uint32
}

func (h *xattrEntryHeader) marshal() []byte {
	b := make([]byte, 16)
	b[0] = h.nameLen
	b[1] = h.nameIndex
	binary.LittleEndian.PutUint16(b[2:], h.valueOffs)
	binary.LittleEndian.PutUint32(b[4:], h.valueBlock)
	binary.LittleEndian.PutUint32(b[8:], h.valueSize)
	binary.LittleEndian.PutUint32(b[12:], h.hash)
	return b
}
