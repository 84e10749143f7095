package coord

import (
	"errors"
	"fmt"

	"github.com/peervault/peervault/pkg/proto"
)

// Errors returned by coordinator operations. Clients receive them as proto
// failure codes and map them back with ErrorFromFailure.
var (
	ErrInsufficientReplicas = errors.New("not enough live peers to satisfy min replicas")
	ErrReplicationFailed    = errors.New("replication failed")
	ErrNotFound             = errors.New("file not found")
	ErrUnavailable          = errors.New("no replica could serve the file")
	ErrChecksumMismatch     = errors.New("checksum mismatch")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrShuttingDown         = errors.New("coordinator is shutting down")
)

var codes = []struct {
	err  error
	code proto.ErrorCode
}{
	{ErrInsufficientReplicas, proto.CodeInsufficientReplicas},
	{ErrReplicationFailed, proto.CodeReplicationFailed},
	{ErrNotFound, proto.CodeNotFound},
	{ErrUnavailable, proto.CodeUnavailable},
	{ErrChecksumMismatch, proto.CodeChecksumMismatch},
	{ErrInvalidRequest, proto.CodeInvalidRequest},
	{ErrShuttingDown, proto.CodeShuttingDown},
}

// codeFor returns the wire code for err. Unknown errors map to CodeInternal.
func codeFor(err error) proto.ErrorCode {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return proto.CodeInternal
}

// FailureFor converts err into a wire failure. It returns nil for a nil error.
func FailureFor(err error) *proto.Failure {
	if err == nil {
		return nil
	}
	return &proto.Failure{Code: codeFor(err), Message: err.Error()}
}

// ErrorFromFailure converts a wire failure back into an error that matches
// the corresponding sentinel with errors.Is.
func ErrorFromFailure(f *proto.Failure) error {
	if f == nil {
		return nil
	}
	for _, c := range codes {
		if c.code == f.Code {
			return fmt.Errorf("%w: %s", c.err, f.Message)
		}
	}
	return f
}
