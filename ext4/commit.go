package ext4

import (
	"sort"
	"time"
)

// commit drives the seven-step close() sequence from spec §4.1.3.
func (f *Formatter) commit() error {
	if err := f.writeDirectoryBlocks(); err != nil {
		return err
	}

	plans, err := f.buildExtentPlans()
	if err != nil {
		return err
	}

	xplans, err := f.buildXattrPlans()
	if err != nil {
		return err
	}

	totalInodesAllocated := f.tree.nextInode - 1
	dataSize := uint32(f.bw.cursor / BlockSize)

	groups, inodesPerGroup := computeLayout(dataSize, totalInodesAllocated)

	inodeTableStart := f.bw.currentBlock()
	if err := f.writeInodeTable(groups, inodesPerGroup, plans, xplans); err != nil {
		return err
	}
	afterInodeTable := uint32(f.bw.cursor / BlockSize)
	// each group's block bitmap and inode bitmap are written right after
	// the inode table, so they are in use as well.
	metadataEnd := afterInodeTable + 2*groups

	blockBitmapBlocks, inodeBitmapBlocks, err := f.writeBitmaps(groups, inodesPerGroup, metadataEnd, inodeTableStart)
	if err != nil {
		return err
	}

	f.punchDeletedBlocks()

	blocksPerGroup := uint32(BlockSize * 8)
	finalBlocks := groups * blocksPerGroup
	if err := f.bw.resize(int64(finalBlocks) * BlockSize); err != nil {
		return err
	}

	if err := f.writeGroupDescriptors(groups, inodesPerGroup, blockBitmapBlocks, inodeBitmapBlocks, inodeTableStart, metadataEnd); err != nil {
		return err
	}

	return f.writeSuperblock(groups, inodesPerGroup, finalBlocks, metadataEnd)
}

// writeDirectoryBlocks performs the breadth-first walk of spec §4.1.3
// step 1: every directory gets "." and ".." plus its children sorted by
// inode number, packed into one or more blocks each terminated by a
// zero-inode entry covering the remainder.
func (f *Formatter) writeDirectoryBlocks() error {
	queue := []*node{f.tree.root}
	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]
		meta := f.tree.meta[dir.inode]

		parentInode := dir.inode
		if dir.parent != nil {
			parentInode = dir.parent.inode
		}

		entries := []dirEntry{
			{inode: dir.inode, fileType: FileTypeDir, name: "."},
			{inode: parentInode, fileType: FileTypeDir, name: ".."},
		}
		for _, c := range dir.sortedChildren() {
			cm := f.tree.meta[c.inode]
			entries = append(entries, dirEntry{inode: c.inode, fileType: cm.fileType(), name: c.name})
			if cm.isDir() {
				queue = append(queue, c)
			}
		}

		ranges, err := f.packDirectoryEntries(entries)
		if err != nil {
			return err
		}
		if len(ranges) > 0 {
			meta.primary = &ranges[0]
			meta.additional = ranges[1:]
		}
		var total uint64
		for _, r := range ranges {
			total += uint64(r.count) * BlockSize
		}
		meta.size = total
	}
	return nil
}

// packDirectoryEntries writes entries into consecutive, block-aligned
// directory blocks, reserving room in each for a trailing inode=0 entry
// that covers the unused tail (spec §6).
func (f *Formatter) packDirectoryEntries(entries []dirEntry) ([]blockRange, error) {
	f.bw.alignToBlock()
	var ranges []blockRange
	block := make([]byte, BlockSize)
	cursor := 0
	startBlock := f.bw.currentBlock()
	blockCount := uint32(0)

	flush := func() error {
		remaining := BlockSize - cursor
		if remaining < 8 {
			return newErr(CodeNoSpaceForTrailingDEntry, "no room for trailing directory entry")
		}
		term := dirEntry{inode: 0, recLen: uint16(remaining), fileType: FileTypeUnknown, name: ""}
		copy(block[cursor:], term.marshal())
		if _, err := f.bw.append(block); err != nil {
			return err
		}
		blockCount++
		block = make([]byte, BlockSize)
		cursor = 0
		return nil
	}

	for _, e := range entries {
		e.recLen = direntRecLen(len(e.name))
		if cursor+int(e.recLen) > BlockSize-8 {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		copy(block[cursor:], e.marshal())
		cursor += int(e.recLen)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	ranges = append(ranges, blockRange{start: startBlock, count: blockCount})
	return ranges, nil
}

// buildExtentPlans computes, for every live inode with data blocks, how
// its extent tree will be laid out, writing any extra index/leaf blocks
// those trees require (spec §3 extent tree, two depths only).
func (f *Formatter) buildExtentPlans() (map[uint32]*extentPlan, error) {
	plans := make(map[uint32]*extentPlan)
	ids := make([]uint32, 0, len(f.tree.meta))
	for id := range f.tree.meta {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		meta := f.tree.meta[id]
		if meta.deleted || meta.primary == nil {
			continue
		}
		ranges := append([]blockRange{*meta.primary}, meta.additional...)
		plan, err := planExtents(ranges)
		if err != nil {
			return nil, err
		}
		if !plan.inline {
			for gi, group := range plan.leavesPerIdx {
				f.bw.alignToBlock()
				leafBlockNum := f.bw.currentBlock()
				leafBuf := make([]byte, BlockSize)
				h := extentHeader{magic: extentMagic, entries: uint16(len(group)), max: uint16(maxLeafEntriesPerBlock), depth: 0}
				copy(leafBuf, h.marshal())
				off := 12
				for _, leaf := range group {
					copy(leafBuf[off:], leaf.marshal())
					off += 12
				}
				tail := extentTail{checksum: leafBlockNum}
				copy(leafBuf[BlockSize-4:], tail.marshal())
				if _, err := f.bw.append(leafBuf); err != nil {
					return nil, err
				}
				plan.leavesPerIdx[gi] = group // unchanged, stored for physical block lookup below
				plan.indexBlocks = append(plan.indexBlocks, leafBlockNum)
			}
		}
		plans[id] = plan
	}
	return plans, nil
}

// xattrPlan is a per-inode extended-attribute layout: the inline-area
// bytes that get copied over the inode's 160-256 inline xattr region,
// and the block number of the overflow xattr block, if one was needed
// (spec §4.1.2).
type xattrPlan struct {
	inline   []byte
	blockNum uint32
}

// buildXattrPlans encodes every live inode's extended attributes,
// writing a fresh xattr block for any inode whose attributes overflow
// the inline area (spec §4.1.2). Inodes created without an Xattrs map
// are skipped entirely and keep fileAclLo == 0.
func (f *Formatter) buildXattrPlans() (map[uint32]*xattrPlan, error) {
	plans := make(map[uint32]*xattrPlan)
	ids := make([]uint32, 0, len(f.tree.meta))
	for id := range f.tree.meta {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		meta := f.tree.meta[id]
		if meta.deleted || meta.xattrs == nil {
			continue
		}
		inline, block, err := newXattrEncoder(meta.xattrs).encode()
		if err != nil {
			return nil, err
		}
		xp := &xattrPlan{inline: inline}
		if block != nil {
			f.bw.alignToBlock()
			xp.blockNum = f.bw.currentBlock()
			if _, err := f.bw.append(block); err != nil {
				return nil, err
			}
		}
		plans[id] = xp
	}
	return plans, nil
}

// layoutInc returns the inodesPerGroup step size from spec §4.1.3 step 2.
func layoutInc() uint32 {
	return uint32(BlockSize) * 512 / InodeSize
}

// computeLayout picks (blockGroups, inodesPerGroup) by minimizing group
// count over candidate inodesPerGroup values, subject to the floor
// imposed by the amount of data already written (spec §4.1.3 step 2).
func computeLayout(dataBlocks, totalInodes uint32) (groups, inodesPerGroup uint32) {
	blocksPerGroup := uint32(BlockSize * 8)
	groupsFromData := ceilDiv(dataBlocks, blocksPerGroup)
	if groupsFromData < 1 {
		groupsFromData = 1
	}
	inc := layoutInc()
	maxInodesPerGroup := blocksPerGroup

	best := uint32(0)
	bestGroups := ^uint32(0)
	for candidate := inc; candidate <= maxInodesPerGroup; candidate += inc {
		g := groupsFromData
		need := ceilDiv(totalInodes, candidate)
		if need > g {
			g = need
		}
		if g < bestGroups {
			bestGroups = g
			best = candidate
		}
	}
	if best == 0 {
		best = maxInodesPerGroup
		bestGroups = groupsFromData
		if need := ceilDiv(totalInodes, best); need > bestGroups {
			bestGroups = need
		}
	}
	return bestGroups, best
}

// writeInodeTable writes the full inode table, padded to
// blockGroups*inodesPerGroup*InodeSize, serializing each allocated
// inode's on-disk record (spec §4.1.3 step 3).
func (f *Formatter) writeInodeTable(groups, inodesPerGroup uint32, plans map[uint32]*extentPlan, xplans map[uint32]*xattrPlan) error {
	f.bw.alignToBlock()
	total := groups * inodesPerGroup
	buf := make([]byte, InodeSize)
	for i := uint32(1); i <= total; i++ {
		for b := range buf {
			buf[b] = 0
		}
		if meta, ok := f.tree.meta[i]; ok {
			rec := f.buildInode(meta, plans[i], xplans[i])
			copy(buf, rec)
		} else if i <= 10 {
			// reserved inodes 1..10 (other than root, already in
			// f.tree.meta) are left zeroed; they are never mounted.
		}
		if _, err := f.bw.append(buf); err != nil {
			return err
		}
	}
	return nil
}

// buildInode serializes one inodeMeta (plus its extent plan and xattr
// plan, if any) into a 256-byte on-disk record. The xattr plan, when
// present, supplies fileAclLo and the 96 bytes copied over the inode's
// 160-256 inline xattr region (spec §4.1.2/§4.1.3).
func (f *Formatter) buildInode(meta *inodeMeta, plan *extentPlan, xplan *xattrPlan) []byte {
	n := &onDiskInode{
		mode:       meta.mode,
		uidLo:      uint16(meta.uid),
		uidHi:      uint16(meta.uid >> 16),
		gidLo:      uint16(meta.gid),
		gidHi:      uint16(meta.gid >> 16),
		linksCount: meta.linksCount,
		extraIsize: 32,
	}
	if meta.deleted {
		n.dtime = meta.dtime
		return n.marshal()
	}

	n.sizeLo = uint32(meta.size)
	n.sizeHi = uint32(meta.size >> 32)

	alo, aextra := splitTimestamp(meta.atime.Unix(), int32(meta.atime.Nanosecond()))
	mlo, mextra := splitTimestamp(meta.mtime.Unix(), int32(meta.mtime.Nanosecond()))
	clo, cextra := splitTimestamp(meta.ctime.Unix(), int32(meta.ctime.Nanosecond()))
	n.atime, n.atimeExtra = alo, aextra
	n.mtime, n.mtimeExtra = mlo, mextra
	n.ctime, n.ctimeExtra = clo, cextra

	if len(meta.inlineData) > 0 {
		copy(n.block[:], meta.inlineData)
		return f.finishInode(n, xplan)
	}

	n.flags |= 0x80000 // EXT4_EXTENTS_FL
	if plan == nil || (meta.primary == nil && len(meta.additional) == 0) {
		h := extentHeader{magic: extentMagic, entries: 0, max: maxInlineLeaves, depth: 0}
		copy(n.block[:], h.marshal())
		return f.finishInode(n, xplan)
	}

	blocksUsed := blockCountOf(meta)
	n.blocksLo = blocksUsed * (BlockSize / 512)

	if plan.inline {
		h := extentHeader{magic: extentMagic, entries: uint16(len(plan.leaves)), max: maxInlineLeaves, depth: 0}
		buf := h.marshal()
		for _, leaf := range plan.leaves {
			buf = append(buf, leaf.marshal()...)
		}
		copy(n.block[:], buf)
		return f.finishInode(n, xplan)
	}

	h := extentHeader{magic: extentMagic, entries: uint16(len(plan.indexBlocks)), max: leavesPerIndexBlock, depth: 1}
	buf := h.marshal()
	for gi, group := range plan.leavesPerIdx {
		idx := extentIndex{block: group[0].block, leafLo: plan.indexBlocks[gi]}
		buf = append(buf, idx.marshal()...)
	}
	copy(n.block[:], buf)
	return f.finishInode(n, xplan)
}

// finishInode sets fileAclLo from the xattr plan's overflow block (if
// any) and copies the plan's inline-area bytes over the inode's
// 160-256 region after marshaling; inodes with no xattr plan are
// marshaled unchanged.
func (f *Formatter) finishInode(n *onDiskInode, xplan *xattrPlan) []byte {
	if xplan == nil {
		return n.marshal()
	}
	n.fileAclLo = xplan.blockNum
	rec := n.marshal()
	copy(rec[160:256], xplan.inline)
	return rec
}

func blockCountOf(meta *inodeMeta) uint32 {
	var total uint32
	if meta.primary != nil {
		total += meta.primary.count
	}
	for _, r := range meta.additional {
		total += r.count
	}
	return total
}

// writeBitmaps writes each group's block and inode bitmaps (spec
// §4.1.3 step 4). dataSize is the number of blocks considered in use,
// counted from block 0 through the inode table and the bitmap blocks
// that follow it; see DESIGN.md for the layout.
func (f *Formatter) writeBitmaps(groups, inodesPerGroup, dataSize, inodeTableStart uint32) ([]uint32, []uint32, error) {
	blocksPerGroup := uint32(BlockSize * 8)
	blockBitmapBlocks := make([]uint32, groups)
	inodeBitmapBlocks := make([]uint32, groups)

	deletedBits := make(map[uint32]bool)
	for _, r := range f.deletedBlocks {
		for b := r.start; b < r.start+r.count; b++ {
			deletedBits[b] = true
		}
	}

	actualGdBlocks := ceilDiv(groups, uint32(BlockSize/groupDescriptorSize))
	if actualGdBlocks == 0 {
		actualGdBlocks = 1
	}

	for g := uint32(0); g < groups; g++ {
		f.bw.alignToBlock()
		groupStart := g * blocksPerGroup
		bitmap := make([]byte, BlockSize)
		var used uint32
		switch {
		case (g+1)*blocksPerGroup <= dataSize:
			used = blocksPerGroup
		case groupStart < dataSize:
			used = dataSize - groupStart
		default:
			used = 0
		}
		for i := uint32(0); i < used; i++ {
			setBit(bitmap, i)
		}
		if g == 0 && f.reservedGdBlocks > actualGdBlocks {
			for b := 1 + actualGdBlocks; b < 1+f.reservedGdBlocks; b++ {
				clearBit(bitmap, b)
			}
		}
		for b := range deletedBits {
			if b >= groupStart && b < groupStart+blocksPerGroup {
				clearBit(bitmap, b-groupStart)
			}
		}
		blockBitmapBlocks[g] = f.bw.currentBlock()
		if _, err := f.bw.append(bitmap); err != nil {
			return nil, nil, err
		}

		f.bw.alignToBlock()
		ibitmap := make([]byte, BlockSize)
		base := g*inodesPerGroup + 1
		for i := uint32(0); i < inodesPerGroup; i++ {
			inodeNum := base + i
			if inodeNum <= 10 {
				setBit(ibitmap, i)
				continue
			}
			meta, ok := f.tree.meta[inodeNum]
			if ok && !meta.deleted {
				setBit(ibitmap, i)
			}
		}
		inodeBitmapBlocks[g] = f.bw.currentBlock()
		if _, err := f.bw.append(ibitmap); err != nil {
			return nil, nil, err
		}
	}

	_ = inodeTableStart
	return blockBitmapBlocks, inodeBitmapBlocks, nil
}

func setBit(b []byte, i uint32)   { b[i/8] |= 1 << (i % 8) }
func clearBit(b []byte, i uint32) { b[i/8] &^= 1 << (i % 8) }

// writeGroupDescriptors writes the 32-byte descriptors starting at
// block 1 (spec §4.1.3 step 6).
func (f *Formatter) writeGroupDescriptors(groups, inodesPerGroup uint32, blockBitmaps, inodeBitmaps []uint32, inodeTableStart, dataSize uint32) error {
	blocksPerGroup := uint32(BlockSize * 8)
	offset := int64(1) * BlockSize
	for g := uint32(0); g < groups; g++ {
		groupStart := g * blocksPerGroup
		var used uint32
		switch {
		case (g+1)*blocksPerGroup <= dataSize:
			used = blocksPerGroup
		case groupStart < dataSize:
			used = dataSize - groupStart
		default:
			used = 0
		}
		free := blocksPerGroup - used
		for _, r := range f.deletedBlocks {
			for b := r.start; b < r.start+r.count; b++ {
				if b >= groupStart && b < groupStart+blocksPerGroup {
					free++
				}
			}
		}

		freeInodes := inodesPerGroup
		usedDirs := uint16(0)
		base := g*inodesPerGroup + 1
		for i := uint32(0); i < inodesPerGroup; i++ {
			inodeNum := base + i
			if inodeNum <= 10 {
				freeInodes--
				continue
			}
			meta, ok := f.tree.meta[inodeNum]
			if ok && !meta.deleted {
				freeInodes--
				if meta.isDir() {
					usedDirs++
				}
			}
		}

		gd := groupDescriptor{
			blockBitmapLo:     blockBitmaps[g],
			inodeBitmapLo:     inodeBitmaps[g],
			inodeTableLo:      inodeTableStart + g*(inodesPerGroup*InodeSize/BlockSize),
			freeBlocksCountLo: uint16(free),
			freeInodesCountLo: uint16(freeInodes),
			usedDirsCountLo:   usedDirs,
		}
		if err := f.bw.writeAt(offset, gd.marshal()); err != nil {
			return err
		}
		offset += groupDescriptorSize
	}
	return nil
}

// punchDeletedBlocks releases the physical bytes backing every range
// Unlink freed, keeping the sparse image sparse instead of leaving
// deleted file data resident in the backing file (spec §4.1
// "BlockWriter"). Best-effort: blockWriter.punchHole already swallows
// filesystems that don't support FALLOC_FL_PUNCH_HOLE.
func (f *Formatter) punchDeletedBlocks() {
	for _, r := range f.deletedBlocks {
		f.bw.punchHole(int64(r.start)*BlockSize, int64(r.count)*BlockSize)
	}
}

// writeSuperblock writes the primary superblock (spec §4.1.3 step 7 /
// §6).
func (f *Formatter) writeSuperblock(groups, inodesPerGroup, finalBlocks, dataSize uint32) error {
	blocksPerGroup := uint32(BlockSize * 8)

	var freeBlocks uint32
	for g := uint32(0); g < groups; g++ {
		groupStart := g * blocksPerGroup
		var used uint32
		switch {
		case (g+1)*blocksPerGroup <= dataSize:
			used = blocksPerGroup
		case groupStart < dataSize:
			used = dataSize - groupStart
		default:
			used = 0
		}
		freeBlocks += blocksPerGroup - used
	}
	// deleted ranges fall within dataSize and were counted "used" above;
	// add them back since they are free space by the time of commit.
	for _, r := range f.deletedBlocks {
		freeBlocks += r.count
	}

	totalInodes := groups * inodesPerGroup
	var freeInodes uint32
	for i := uint32(1); i <= totalInodes; i++ {
		if i <= 10 {
			continue
		}
		meta, ok := f.tree.meta[i]
		if !ok || meta.deleted {
			freeInodes++
		}
	}

	now := uint32(time.Now().Unix())
	sb := &superblock{
		inodesCount:       totalInodes,
		blocksCountLo:     finalBlocks,
		freeBlocksCountLo: freeBlocks,
		freeInodesCount:   freeInodes,
		firstDataBlock:    0,
		logBlockSize:      2, // 1024 << 2 == 4096
		logClusterSize:    2,
		blocksPerGroup:    blocksPerGroup,
		clustersPerGroup:  blocksPerGroup,
		inodesPerGroup:    inodesPerGroup,
		mtime:             now,
		wtime:             now,
		magic:             SuperblockMagic,
		state:             1, // clean
		errors:            1, // continue
		creatorOS:         3, // Linux
		revLevel:          1,
		firstIno:          FirstNonReservedInode,
		inodeSize:         InodeSize,
		featureCompat:     featureCompatSparseSuper2 | featureCompatExtAttr,
		featureIncompat:   featureIncompatFiletype | featureIncompatExtents | featureIncompatFlexBg | featureIncompatInline,
		featureRoCompat:   featureRoCompatLargeFile | featureRoCompatHugeFile | featureRoCompatExtraIsize,
		uuid:              f.uuid,
		descSize:          groupDescriptorSize,
		logGroupsPerFlex:  31,
		mkfsTime:          now,
	}
	return f.bw.writeAt(SuperblockOffset, sb.marshal())
}
