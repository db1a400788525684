package ext4

import (
	"github.com/sirupsen/logrus"
	"github.com/vmrun/containerization/runtimeerrors"
)

// extLog is the package-wide logger, mirroring kata's virtLog pattern:
// one base entry, subsystem loggers derived from it via WithField.
var extLog = logrus.WithField("source", "ext4")

// SetLogger lets the embedding application redirect ext4's log output,
// the way kata's SetLogger hooks let the CLI install its own logrus
// instance.
func SetLogger(logger *logrus.Entry) {
	extLog = logger
}

// Domain-specific error codes layered on top of runtimeerrors.Code
// (spec §7).
const (
	CodeNotDirectory                          runtimeerrors.Code = "not-directory"
	CodeNotFile                               runtimeerrors.Code = "not-file"
	CodeFileTooBig                            runtimeerrors.Code = "file-too-big"
	CodeCircularLinks                         runtimeerrors.Code = "circular-links"
	CodeMaximumLinksExceeded                  runtimeerrors.Code = "maximum-links-exceeded"
	CodeInsufficientSpaceForGroupDescriptors  runtimeerrors.Code = "insufficient-space-for-group-descriptor-blocks"
	CodeCannotTruncateFile                    runtimeerrors.Code = "cannot-truncate-file"
	CodeCannotCreateSparseFile                runtimeerrors.Code = "cannot-create-sparse-file"
	CodeCannotResizeFS                        runtimeerrors.Code = "cannot-resize-fs"
	CodeNoSpaceForTrailingDEntry              runtimeerrors.Code = "no-space-for-trailing-dentry"
	CodeUnsupportedFiletype                   runtimeerrors.Code = "unsupported-filetype"
	CodeInvalidName                           runtimeerrors.Code = "invalid-name"
	CodeInsufficientSpace                     runtimeerrors.Code = "insufficient-space"
)

func newErr(code runtimeerrors.Code, format string, args ...interface{}) *runtimeerrors.Error {
	return runtimeerrors.New(code, format, args...)
}
