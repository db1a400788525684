package container

import (
	"github.com/sirupsen/logrus"
	"github.com/vmrun/containerization/runtimeerrors"
)

var containerLog = logrus.WithField("source", "container")

// SetLogger lets the embedding application redirect this package's log
// output.
func SetLogger(logger *logrus.Entry) {
	containerLog = logger
}

// invalidState builds the "must be in state X" error a rejected
// transition returns (spec §4.3 "Transition rules").
func invalidState(op string, required State) error {
	return runtimeerrors.New(runtimeerrors.InvalidState, op+" requires state "+required.String())
}
