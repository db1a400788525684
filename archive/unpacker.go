// Package archive walks an OCI image tar layer and drives an ext4
// Formatter, applying whiteouts, opaque directories, and hardlinks along
// the way (spec §4.2).
package archive

import (
	"archive/tar"
	"io"
	stdpath "path"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vmrun/containerization/ext4"
	"github.com/vmrun/containerization/runtimeerrors"
)

var archiveLog = logrus.WithField("source", "archive")

// Domain error codes specific to archive unpacking.
const (
	CodeCircularLinks runtimeerrors.Code = "circular-links"
)

// ProgressEvent is reported once per tar entry processed (an
// "add-items" event) and once per regular-file byte count ("add-size"),
// matching spec §4.2. Entries of unsupported types are skipped and
// report nothing.
type ProgressEvent struct {
	Event string
	Value int64
}

// ProgressFunc receives progress events; nil is a valid no-op sink.
type ProgressFunc func(ProgressEvent)

// Unpacker drives a single ext4.Formatter from a sequence of tar
// layers.
type Unpacker struct {
	formatter *ext4.Formatter
	progress  ProgressFunc
	hardlinks map[string]string
}

// NewUnpacker builds an Unpacker targeting formatter. progress may be
// nil.
func NewUnpacker(formatter *ext4.Formatter, progress ProgressFunc) *Unpacker {
	if progress == nil {
		progress = func(ProgressEvent) {}
	}
	return &Unpacker{formatter: formatter, progress: progress, hardlinks: map[string]string{}}
}

func normalizePath(p string) string {
	p = strings.TrimPrefix(p, "./")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return stdpath.Clean(p)
}

const whiteoutPrefix = ".wh."
const opaqueWhiteoutName = ".wh..wh..opq"

func xattrsFromHeader(hdr *tar.Header) map[string][]byte {
	if len(hdr.PAXRecords) == 0 {
		return nil
	}
	const prefix = "SCHILY.xattr."
	out := map[string][]byte{}
	for k, v := range hdr.PAXRecords {
		if strings.HasPrefix(k, prefix) {
			out[strings.TrimPrefix(k, prefix)] = []byte(v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func timestampsFromHeader(hdr *tar.Header) ext4.Timestamps {
	mt := hdr.ModTime
	if mt.IsZero() {
		mt = time.Unix(0, 0)
	}
	at := hdr.AccessTime
	if at.IsZero() {
		at = mt
	}
	ct := hdr.ChangeTime
	if ct.IsZero() {
		ct = mt
	}
	return ext4.Timestamps{Atime: at, Mtime: mt, Ctime: ct}
}

// Unpack walks r, one tar layer, applying each entry to the formatter.
// Hardlink entries are deferred until the whole layer has been read so
// chains can be resolved regardless of entry order.
func (u *Unpacker) Unpack(r *tar.Reader) error {
	for {
		hdr, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "reading tar entry")
		}

		path := normalizePath(hdr.Name)
		dir := stdpath.Dir(path)
		base := stdpath.Base(path)

		switch {
		case base == opaqueWhiteoutName:
			if err := u.formatter.Unlink(dir, true); err != nil {
				return err
			}
			u.progress(ProgressEvent{Event: "add-items", Value: 1})
		case strings.HasPrefix(base, whiteoutPrefix):
			victim := stdpath.Join(dir, strings.TrimPrefix(base, whiteoutPrefix))
			if err := u.formatter.Unlink(victim, false); err != nil {
				return err
			}
			u.progress(ProgressEvent{Event: "add-items", Value: 1})
		case hdr.Typeflag == tar.TypeLink:
			u.hardlinks[path] = normalizePath(hdr.Linkname)
			u.progress(ProgressEvent{Event: "add-items", Value: 1})
		case hdr.Typeflag == tar.TypeDir:
			if err := u.formatter.Create(path, ext4.CreateOptions{
				Mode:       ext4.ModeIFDIR | uint16(hdr.Mode&0o7777),
				Timestamps: timestampsFromHeader(hdr),
				UID:        uintPtr(uint32(hdr.Uid)),
				GID:        uintPtr(uint32(hdr.Gid)),
				Xattrs:     xattrsFromHeader(hdr),
			}); err != nil {
				return err
			}
			u.progress(ProgressEvent{Event: "add-items", Value: 1})
		case hdr.Typeflag == tar.TypeReg || hdr.Typeflag == tar.TypeRegA:
			if err := u.formatter.Create(path, ext4.CreateOptions{
				Mode:       ext4.ModeIFREG | uint16(hdr.Mode&0o7777),
				Timestamps: timestampsFromHeader(hdr),
				Reader:     r,
				UID:        uintPtr(uint32(hdr.Uid)),
				GID:        uintPtr(uint32(hdr.Gid)),
				Xattrs:     xattrsFromHeader(hdr),
			}); err != nil {
				return err
			}
			u.progress(ProgressEvent{Event: "add-items", Value: 1})
			u.progress(ProgressEvent{Event: "add-size", Value: hdr.Size})
		case hdr.Typeflag == tar.TypeSymlink:
			if err := u.formatter.Create(path, ext4.CreateOptions{
				Mode:       ext4.ModeIFLNK | uint16(hdr.Mode&0o7777),
				Link:       hdr.Linkname,
				Timestamps: timestampsFromHeader(hdr),
				UID:        uintPtr(uint32(hdr.Uid)),
				GID:        uintPtr(uint32(hdr.Gid)),
				Xattrs:     xattrsFromHeader(hdr),
			}); err != nil {
				return err
			}
			u.progress(ProgressEvent{Event: "add-items", Value: 1})
		default:
			archiveLog.WithField("name", hdr.Name).WithField("typeflag", hdr.Typeflag).Debug("skipping unsupported tar entry type")
		}
	}
	return nil
}

// Finish resolves every hardlink deferred during Unpack, failing with
// CodeCircularLinks if the chain map contains a cycle (spec §4.2 and
// §8). Call this once after every layer has been fed to Unpack.
func (u *Unpacker) Finish() error {
	resolved := make(map[string]string, len(u.hardlinks))
	for path := range u.hardlinks {
		target, err := resolveChain(u.hardlinks, path)
		if err != nil {
			return err
		}
		resolved[path] = target
	}
	for path, target := range resolved {
		if err := u.formatter.Link(path, target); err != nil {
			return err
		}
	}
	u.hardlinks = map[string]string{}
	return nil
}

func resolveChain(m map[string]string, start string) (string, error) {
	visited := map[string]bool{start: true}
	cur := start
	for {
		next, ok := m[cur]
		if !ok {
			return cur, nil
		}
		if visited[next] {
			return "", runtimeerrors.New(CodeCircularLinks, "hardlink chain starting at %s is circular", start)
		}
		visited[next] = true
		cur = next
	}
}

func uintPtr(v uint32) *uint32 { return &v }
