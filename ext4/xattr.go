package ext4

import (
	"encoding/binary"
	"sort"
)

// recognized xattr name-prefixes and their ext4 on-disk index, longest
// prefix first so "system.posix_acl_access" doesn't get shadowed by
// "system." (spec §4.1.2).
var xattrPrefixes = []struct {
	prefix string
	index  uint8
}{
	{"system.posix_acl_access", 2},
	{"system.posix_acl_default", 3},
	{"system.richacl", 8},
	{"user.", 1},
	{"trusted.", 4},
	{"security.", 6},
	{"system.", 7},
}

// compressName strips a recognized prefix from name and returns its
// ext4 index (0 if unrecognized, in which case the full name is kept).
func compressName(name string) (index uint8, stripped string) {
	for _, p := range xattrPrefixes {
		if len(name) >= len(p.prefix) && name[:len(p.prefix)] == p.prefix {
			rest := name[len(p.prefix):]
			return p.index, rest
		}
	}
	return 0, name
}

// kernelXattrHash mirrors ext4_xattr_hash_entry: a rolling hash over the
// stripped name followed by the value interpreted as little-endian
// 32-bit words.
func kernelXattrHash(name string, value []byte) uint32 {
	var hash uint32
	for i := 0; i < len(name); i++ {
		hash = (hash << 5) ^ (hash >> 27) ^ uint32(name[i])
	}
	for i := 0; i < len(value); i += 4 {
		var word [4]byte // a trailing partial word is zero-padded
		copy(word[:], value[i:])
		hash = (hash << 16) ^ (hash >> 16) ^ binary.LittleEndian.Uint32(word[:])
	}
	return hash
}

type xattrAttr struct {
	index  uint8
	name   string // already prefix-stripped
	value  []byte
}

func round4(n int) int {
	if rem := n % 4; rem != 0 {
		return n + 4 - rem
	}
	return n
}

// entrySize is the on-disk size of one entry's header+name, not
// including its value bytes.
func (a xattrAttr) entrySize() int {
	return 16 + round4(len(a.name))
}

// xattrEncoder packs a set of extended attributes into the inode's
// 96-byte inline area and, if that overflows, a single fresh xattr
// block (spec §4.1.2).
type xattrEncoder struct {
	attrs []xattrAttr
}

func newXattrEncoder(xattrs map[string][]byte) *xattrEncoder {
	e := &xattrEncoder{}
	// synthetic system.data is always prepended, ahead of caller-supplied
	// attributes, per spec §4.1.2.
	e.attrs = append(e.attrs, xattrAttr{index: 7, name: "data", value: nil})
	// stable order: iterate a sorted key list so output is deterministic.
	keys := make([]string, 0, len(xattrs))
	for k := range xattrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		idx, stripped := compressName(k)
		e.attrs = append(e.attrs, xattrAttr{index: idx, name: stripped, value: xattrs[k]})
	}
	return e
}

const (
	inlineAreaSize  = 96
	inlineHeaderLen = 4
	blockHeaderLen  = 32
)

// encode returns the inline-area bytes (len inlineAreaSize) and,
// if present, a single xattr block's bytes (len BlockSize). err carries
// CodeInsufficientSpace if neither region can hold everything.
func (e *xattrEncoder) encode() (inline []byte, block []byte, err error) {
	inline = make([]byte, inlineAreaSize)
	binary.LittleEndian.PutUint32(inline[0:], xattrInlineMagic)

	budget := inlineAreaSize - inlineHeaderLen - 4 // reserve the trailing null terminator
	var inlined []xattrAttr
	var overflow []xattrAttr
	for _, a := range e.attrs {
		sz := a.entrySize()
		if sz <= budget {
			inlined = append(inlined, a)
			budget -= sz
			continue
		}
		overflow = append(overflow, a)
	}

	// lay out entries, then the terminator, then values, matching spec
	// §4.1.2's "header + entries + terminator + values" ordering.
	cursor := inlineHeaderLen
	var valueBuf []byte
	valueBase := inlineAreaSize // values are appended after entries+terminator; offset fixed up below
	entryOffsets := make([]int, len(inlined))
	for i, a := range inlined {
		entryOffsets[i] = cursor
		cursor += a.entrySize()
		valueBuf = append(valueBuf, a.value...)
	}
	termOffset := cursor
	cursor += 4
	valuesStart := cursor
	if valuesStart+len(valueBuf) > inlineAreaSize {
		// doesn't fit after all even though headers did; spill every
		// attribute into the block.
		overflow = append(append([]xattrAttr{}, inlined...), overflow...)
		inlined = nil
	} else {
		_ = valueBase
		voff := valuesStart
		for i, a := range inlined {
			h := xattrEntryHeader{
				nameLen:   uint8(len(a.name)),
				nameIndex: a.index,
				valueOffs: uint16(voff),
				valueSize: uint32(len(a.value)),
				hash:      kernelXattrHash(a.name, a.value),
			}
			copy(inline[entryOffsets[i]:], h.marshal())
			copy(inline[entryOffsets[i]+16:], a.name)
			voff += len(a.value)
		}
		binary.LittleEndian.PutUint32(inline[termOffset:], 0)
		copy(inline[valuesStart:], valueBuf)
	}

	if len(overflow) == 0 {
		return inline, nil, nil
	}

	// single xattr block, entries sorted by (index, name length, name).
	sort.Slice(overflow, func(i, j int) bool {
		if overflow[i].index != overflow[j].index {
			return overflow[i].index < overflow[j].index
		}
		if len(overflow[i].name) != len(overflow[j].name) {
			return len(overflow[i].name) < len(overflow[j].name)
		}
		return overflow[i].name < overflow[j].name
	})

	block = make([]byte, BlockSize)
	bh := xattrBlockHeader{magic: xattrBlockMagic, refcount: 1, blocks: 1}
	copy(block, bh.marshal())

	cursor = blockHeaderLen
	var blkValues []byte
	offsets := make([]int, len(overflow))
	for i, a := range overflow {
		offsets[i] = cursor
		cursor += a.entrySize()
		blkValues = append(blkValues, a.value...)
	}
	blkTerm := cursor
	cursor += 4
	blkValuesStart := cursor
	if blkValuesStart+len(blkValues) > BlockSize {
		return nil, nil, newErr(CodeInsufficientSpace, "xattrs do not fit in inline area or one xattr block")
	}
	voff := blkValuesStart
	for i, a := range overflow {
		h := xattrEntryHeader{
			nameLen:   uint8(len(a.name)),
			nameIndex: a.index,
			valueOffs: uint16(voff),
			valueSize: uint32(len(a.value)),
			hash:      kernelXattrHash(a.name, a.value),
		}
		copy(block[offsets[i]:], h.marshal())
		copy(block[offsets[i]+16:], a.name)
		voff += len(a.value)
	}
	binary.LittleEndian.PutUint32(block[blkTerm:], 0)
	copy(block[blkValuesStart:], blkValues)

	return inline, block, nil
}
