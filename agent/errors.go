package agent

import "github.com/vmrun/containerization/runtimeerrors"

// RPCError is returned by a Client implementation for a failed agent
// call; Code lets callers distinguish Unsupported (an optional feature
// the agent doesn't implement) from other failures without string
// matching (spec §4.7 "each returning ... a typed error whose code the
// client inspects").
type RPCError struct {
	Code    runtimeerrors.Code
	Op      string
	Message string
}

func (e *RPCError) Error() string {
	if e.Message == "" {
		return e.Op + ": " + string(e.Code)
	}
	return e.Op + ": " + string(e.Code) + ": " + e.Message
}

func (e *RPCError) Is(target error) bool {
	t, ok := target.(*RPCError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Unsupported builds the distinguished error the agent returns for an
// operation it does not implement (spec §4.7 last paragraph).
func Unsupported(op string) error {
	return &RPCError{Code: runtimeerrors.Unsupported, Op: op}
}
