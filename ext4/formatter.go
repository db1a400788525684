package ext4

import (
	"io"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vmrun/containerization/runtimeerrors"
)

// Timestamps carries the three inode timestamps an entry is created or
// updated with.
type Timestamps struct {
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

// CreateOptions mirrors Formatter.create's parameter list in spec §4.1.
type CreateOptions struct {
	// Link is the symlink target; only meaningful when Mode's type bits
	// are ModeIFLNK.
	Link string
	Mode uint16
	Timestamps
	// Reader supplies a regular file's content; nil is treated as empty.
	Reader io.Reader
	// UID/GID default to the parent directory's owner when nil.
	UID *uint32
	GID *uint32
	Xattrs map[string][]byte
}

// Options configures a new Formatter.
type Options struct {
	// BlockSize must currently be 4096 (the only size this writer's
	// on-disk structs support) if set; zero selects the default.
	BlockSize int64
	// MinDiskSize is the sparse file's initial length.
	MinDiskSize int64
}

// Formatter orchestrates the creation of one ext4 image: it accepts a
// stream of create/link/unlink operations and, on Close, commits a
// complete on-disk filesystem.
type Formatter struct {
	bw   *blockWriter
	tree *fileTree
	uuid [16]byte

	deletedBlocks []blockRange
	closed        bool

	reservedGdBlocks uint32 // GDT blocks reserved at construction time
}

func ceilDiv(n, d uint32) uint32 {
	if d == 0 {
		return 0
	}
	return (n + d - 1) / d
}

func ceilDiv64(n uint64, d uint64) uint64 {
	if d == 0 {
		return 0
	}
	return (n + d - 1) / d
}

// NewFormatter truncates path to zero, reopens it sparse at
// opts.MinDiskSize bytes, and reserves the boot sector / superblock
// block plus the group-descriptor table (spec §3 Formatter lifecycle).
func NewFormatter(path string, opts Options) (*Formatter, error) {
	if opts.BlockSize != 0 && opts.BlockSize != BlockSize {
		return nil, newErr(runtimeerrors.InvalidArgument, "unsupported block size %d (only %d is implemented)", opts.BlockSize, BlockSize)
	}
	if opts.MinDiskSize <= 0 {
		return nil, newErr(runtimeerrors.InvalidArgument, "minDiskSize must be positive")
	}

	bw, err := newBlockWriter(path, opts.MinDiskSize)
	if err != nil {
		return nil, err
	}

	blocksPerGroup := uint32(BlockSize * 8)
	totalBlocks := uint32(opts.MinDiskSize / BlockSize)
	estGroups := ceilDiv(totalBlocks, blocksPerGroup)
	if estGroups == 0 {
		estGroups = 1
	}
	descriptorsPerBlock := uint32(BlockSize / groupDescriptorSize)
	gdBlocks := ceilDiv(estGroups, descriptorsPerBlock)
	if gdBlocks == 0 {
		gdBlocks = 1
	}

	f := &Formatter{
		bw:               bw,
		tree:             newFileTree(),
		uuid:             uuidBytes(),
		reservedGdBlocks: gdBlocks,
	}

	// block 0 (boot sector + superblock) + reserved GDT blocks.
	f.bw.cursor = int64(1+gdBlocks) * BlockSize

	// Inode 11 is the mandatory /lost+found (spec §3 invariants).
	lf := f.tree.allocInode()
	if lf != LostAndFoundInode {
		f.bw.close()
		return nil, newErr(runtimeerrors.InternalError, "lost+found did not receive inode %d", LostAndFoundInode)
	}
	now := time.Now()
	f.tree.meta[lf] = &inodeMeta{
		mode:       ModeIFDIR | 0o700,
		linksCount: 2,
		atime:      now,
		mtime:      now,
		ctime:      now,
	}
	f.tree.root.children = append(f.tree.root.children, &node{inode: lf, name: "lost+found", parent: f.tree.root})
	rootMeta := f.tree.meta[RootInode]
	rootMeta.linksCount++ // lost+found's ".." contributes to root's link count

	extLog.WithField("path", path).Debugf("formatting %s ext4 image", units.BytesSize(float64(opts.MinDiskSize)))
	return f, nil
}

func uuidBytes() [16]byte {
	var out [16]byte
	id := uuid.New()
	copy(out[:], id[:])
	return out
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return newErr(CodeInvalidName, "invalid path component %q", name)
	}
	for i := 0; i < len(name); i++ {
		if name[i] == '/' || name[i] == 0 {
			return newErr(CodeInvalidName, "invalid path component %q", name)
		}
	}
	return nil
}

// ensureParents walks path's directory components, creating any that are
// missing with mode IFDIR|0755 and the immediate parent's owner, exactly
// as spec §4.1 "create" describes. It returns the final parent dentry and
// the leaf component name.
func (f *Formatter) ensureParents(path string, ts Timestamps) (*node, string, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, "", newErr(CodeInvalidName, "cannot create the root")
	}
	cur := f.tree.root
	for _, p := range parts[:len(parts)-1] {
		if err := validateName(p); err != nil {
			return nil, "", err
		}
		child := cur.childByName(p)
		if child == nil {
			curMeta := f.tree.meta[cur.inode]
			if curMeta.linksCount >= MaxLinks {
				return nil, "", newErr(CodeMaximumLinksExceeded, "parent %s has reached the maximum link count", cur.path())
			}
			inode := f.tree.allocInode()
			f.tree.meta[inode] = &inodeMeta{
				mode:       ModeIFDIR | 0o755,
				uid:        curMeta.uid,
				gid:        curMeta.gid,
				linksCount: 2,
				atime:      ts.Atime,
				mtime:      ts.Mtime,
				ctime:      ts.Ctime,
			}
			child = &node{inode: inode, name: p, parent: cur}
			cur.children = append(cur.children, child)
			curMeta.linksCount++
		} else if !f.tree.meta[child.inode].isDir() {
			return nil, "", newErr(CodeNotDirectory, "%s is not a directory", child.path())
		}
		cur = child
	}
	return cur, parts[len(parts)-1], nil
}

func resolveOwner(uidPtr, gidPtr *uint32, parent *inodeMeta) (uid, gid uint32) {
	uid, gid = parent.uid, parent.gid
	if uidPtr != nil {
		uid = *uidPtr
	}
	if gidPtr != nil {
		gid = *gidPtr
	}
	return uid, gid
}

// Create implements Formatter.create (spec §4.1).
func (f *Formatter) Create(path string, opts CreateOptions) error {
	if f.closed {
		return newErr(runtimeerrors.InvalidState, "formatter is closed")
	}
	parentDentry, name, err := f.ensureParents(path, opts.Timestamps)
	if err != nil {
		return err
	}
	if err := validateName(name); err != nil {
		return err
	}
	parentMeta := f.tree.meta[parentDentry.inode]
	isNewDir := opts.Mode&modeTypeMask == ModeIFDIR

	if existing := parentDentry.childByName(name); existing != nil {
		existingMeta := f.tree.meta[existing.inode]
		switch {
		case existingMeta.isDir() && isNewDir:
			if opts.UID != nil {
				existingMeta.uid = *opts.UID
			}
			if opts.GID != nil {
				existingMeta.gid = *opts.GID
			}
			existingMeta.mode = opts.Mode
			return nil
		case existingMeta.isDir() && !isNewDir:
			return newErr(CodeNotFile, "%s is a directory", path)
		case !existingMeta.isDir() && isNewDir:
			return newErr(CodeNotDirectory, "%s exists and is not a directory", path)
		default:
			if err := f.unlinkDentry(parentDentry, existing); err != nil {
				return err
			}
		}
	}

	if isNewDir && parentMeta.linksCount >= MaxLinks {
		return newErr(CodeMaximumLinksExceeded, "parent %s has reached the maximum link count", parentDentry.path())
	}

	uid, gid := resolveOwner(opts.UID, opts.GID, parentMeta)
	meta := &inodeMeta{
		mode:   opts.Mode,
		uid:    uid,
		gid:    gid,
		atime:  opts.Timestamps.Atime,
		mtime:  opts.Timestamps.Mtime,
		ctime:  opts.Timestamps.Ctime,
		xattrs: opts.Xattrs,
	}

	switch {
	case isNewDir:
		meta.linksCount = 2
	case opts.Mode&modeTypeMask == ModeIFLNK:
		if err := f.writeSymlinkData(meta, opts.Link); err != nil {
			return err
		}
		meta.linksCount = 1
	default:
		if err := f.writeRegularData(meta, opts.Reader); err != nil {
			return err
		}
		meta.linksCount = 1
	}

	inode := f.tree.allocInode()
	f.tree.meta[inode] = meta
	parentDentry.children = append(parentDentry.children, &node{inode: inode, name: name, parent: parentDentry})
	if isNewDir {
		parentMeta.linksCount++
	}
	return nil
}

func (f *Formatter) writeRegularData(meta *inodeMeta, reader io.Reader) error {
	if reader == nil {
		reader = io.LimitReader(nil, 0)
	}
	f.bw.alignToBlock()
	start := f.bw.currentBlock()
	var total uint64
	buf := make([]byte, BlockSize)
	for {
		n, rerr := io.ReadFull(reader, buf)
		if n > 0 {
			total += uint64(n)
			if total > MaxFileSize {
				return newErr(CodeFileTooBig, "file exceeds the %s cap", units.BytesSize(float64(MaxFileSize)))
			}
			chunk := buf
			if n < BlockSize {
				chunk = make([]byte, BlockSize)
				copy(chunk, buf[:n])
			}
			if _, werr := f.bw.append(chunk); werr != nil {
				return werr
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return errors.Wrap(rerr, "reading file content")
		}
	}
	blocks := uint32(ceilDiv64(total, BlockSize))
	if blocks > 0 {
		meta.primary = &blockRange{start: start, count: blocks}
	}
	meta.size = total
	return nil
}

func (f *Formatter) writeSymlinkData(meta *inodeMeta, target string) error {
	data := []byte(target)
	if len(data) <= 59 {
		meta.inlineData = data
		meta.size = uint64(len(data))
		return nil
	}
	f.bw.alignToBlock()
	start := f.bw.currentBlock()
	block := make([]byte, BlockSize)
	copy(block, data)
	if _, err := f.bw.append(block); err != nil {
		return err
	}
	meta.primary = &blockRange{start: start, count: 1}
	meta.size = uint64(len(data))
	return nil
}

// Link implements Formatter.link (spec §4.1): link_path gets a new
// directory entry referring to target_path's inode.
func (f *Formatter) Link(linkPath, targetPath string) error {
	if f.closed {
		return newErr(runtimeerrors.InvalidState, "formatter is closed")
	}
	target := f.tree.lookup(targetPath)
	if target == nil {
		return newErr(runtimeerrors.NotFound, "link target %s does not exist", targetPath)
	}
	targetMeta := f.tree.meta[target.inode]
	if targetMeta.isDir() {
		return newErr(runtimeerrors.InvalidArgument, "cannot hardlink directory %s", targetPath)
	}
	parentDentry, name, ok := f.tree.lookupParent(linkPath)
	if !ok {
		return newErr(runtimeerrors.NotFound, "parent of %s does not exist", linkPath)
	}
	if err := validateName(name); err != nil {
		return err
	}
	if parentDentry.childByName(name) != nil {
		return newErr(runtimeerrors.Exists, "%s already exists", linkPath)
	}
	parentDentry.children = append(parentDentry.children, &node{inode: target.inode, name: name, parent: parentDentry})
	targetMeta.linksCount++
	return nil
}

// Unlink implements Formatter.unlink (spec §4.1).
func (f *Formatter) Unlink(path string, directoryWhiteout bool) error {
	if f.closed {
		return newErr(runtimeerrors.InvalidState, "formatter is closed")
	}
	dentry := f.tree.lookup(path)
	if dentry == nil {
		return newErr(runtimeerrors.NotFound, "%s does not exist", path)
	}
	meta := f.tree.meta[dentry.inode]
	if directoryWhiteout {
		if !meta.isDir() {
			return newErr(CodeNotDirectory, "%s is not a directory", path)
		}
		for _, c := range append([]*node{}, dentry.children...) {
			if err := f.unlinkDentry(dentry, c); err != nil {
				return err
			}
		}
		return nil
	}
	if dentry.parent == nil {
		return newErr(runtimeerrors.InvalidArgument, "cannot unlink the root")
	}
	return f.unlinkDentry(dentry.parent, dentry)
}

// unlinkDentry recursively removes child (and, if it is a directory,
// everything beneath it) from parent, freeing data blocks into the
// deleted list once an inode's link count reaches zero.
func (f *Formatter) unlinkDentry(parent, child *node) error {
	meta := f.tree.meta[child.inode]
	if meta.isDir() {
		for _, gc := range append([]*node{}, child.children...) {
			if err := f.unlinkDentry(child, gc); err != nil {
				return err
			}
		}
	}
	parent.removeChild(child.name)

	if meta.linksCount > 0 {
		meta.linksCount--
	}
	if meta.isDir() {
		pm := f.tree.meta[parent.inode]
		if pm.linksCount > 0 {
			pm.linksCount--
		}
	}
	if meta.linksCount == 0 {
		f.freeBlocks(meta)
		meta.deleted = true
		meta.dtime = uint32(time.Now().Unix())
	}
	return nil
}

func (f *Formatter) freeBlocks(meta *inodeMeta) {
	if meta.primary != nil {
		f.deletedBlocks = append(f.deletedBlocks, *meta.primary)
		meta.primary = nil
	}
	if len(meta.additional) > 0 {
		f.deletedBlocks = append(f.deletedBlocks, meta.additional...)
		meta.additional = nil
	}
}

// SetOwner implements Formatter.setOwner (spec §4.1).
func (f *Formatter) SetOwner(path string, uid, gid *uint32, recursive bool) error {
	if f.closed {
		return newErr(runtimeerrors.InvalidState, "formatter is closed")
	}
	n := f.tree.lookup(path)
	if n == nil {
		return newErr(runtimeerrors.NotFound, "%s does not exist", path)
	}
	var apply func(*node)
	apply = func(nd *node) {
		m := f.tree.meta[nd.inode]
		if uid != nil {
			m.uid = *uid
		}
		if gid != nil {
			m.gid = *gid
		}
		if recursive && m.isDir() {
			for _, c := range nd.children {
				apply(c)
			}
		}
	}
	apply(n)
	return nil
}

// Close commits the filesystem (spec §4.1.3) and finalizes the sparse
// file's size. It is not valid to call any other method afterwards.
func (f *Formatter) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	if err := f.commit(); err != nil {
		return err
	}
	return f.bw.close()
}
