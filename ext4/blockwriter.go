package ext4

import (
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

func blockWriterLogger() *logrus.Entry {
	return extLog.WithField("subsystem", "blockwriter")
}

// blockWriter is a seekable sparse-file sink with a block-aligned cursor.
// It is the only thing in this package that touches the filesystem
// directly; everything else works in terms of block numbers and byte
// slices.
type blockWriter struct {
	f      *os.File
	cursor int64 // next byte offset that will be written
}

// newBlockWriter truncates path to zero length, then grows it to size
// bytes as a sparse file (spec §3 "Formatter" lifecycle).
func newBlockWriter(path string, size int64) (*blockWriter, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "cannot create sparse file")
	}
	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "cannot truncate file")
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "cannot resize fs")
	}
	return &blockWriter{f: f}, nil
}

// writeAt writes b at the given byte offset without moving the logical
// cursor; used for the metadata commit pass which revisits block 0/1.
func (w *blockWriter) writeAt(offset int64, b []byte) error {
	_, err := w.f.WriteAt(b, offset)
	return errors.Wrap(err, "block write failed")
}

// append writes b at the current cursor and advances it.
func (w *blockWriter) append(b []byte) (offset int64, err error) {
	offset = w.cursor
	if err := w.writeAt(offset, b); err != nil {
		return 0, err
	}
	w.cursor += int64(len(b))
	return offset, nil
}

// alignToBlock advances the cursor to the next block boundary if it is
// not already on one (spec §4.1.1: "when a new create starts mid-block,
// the writer advances to the next block boundary").
func (w *blockWriter) alignToBlock() {
	if rem := w.cursor % BlockSize; rem != 0 {
		w.cursor += BlockSize - rem
	}
}

// currentBlock returns the block number the cursor currently occupies;
// valid only when called immediately after alignToBlock.
func (w *blockWriter) currentBlock() uint32 {
	return uint32(w.cursor / BlockSize)
}

// resize grows the underlying file to a whole number of bytes, used by
// commit to pad the image to a block-group-aligned size (spec §4.1.3
// step 5).
func (w *blockWriter) resize(size int64) error {
	if err := w.f.Truncate(size); err != nil {
		return errors.Wrap(err, "cannot resize fs")
	}
	return nil
}

// punchHole deallocates the byte range, keeping the file sparse for
// blocks this writer never touches (freed/deleted ranges). Best-effort:
// not all filesystems support FALLOC_FL_PUNCH_HOLE, and failure here
// does not invalidate the image.
func (w *blockWriter) punchHole(offset, length int64) {
	_ = unix.Fallocate(int(w.f.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, offset, length)
}

func (w *blockWriter) close() error {
	return w.f.Close()
}
