// Package transport exposes a master or mirror over HTTP and provides the
// matching client, so mirrors can push and pull across processes.
//
// Endpoints:
//
//	GET  /health    liveness, no auth
//	GET  /v1/info   repo identity, role and protocol version
//	GET  /v1/page   ?start=&order=asc|desc&limit= → sync.Page
//	POST /v1/push   []schema.Item (master only)
//
// Bodies are MessagePack. When the server has a secret, every /v1 request
// carries an HS256 bearer token whose subject is the caller's repo id.
package transport

import (
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/mod/semver"

	"github.com/mschirtzinger/deltarepo/internal/delta/schema"
	"github.com/mschirtzinger/deltarepo/internal/delta/sync"
)

// ProtocolVersion is the wire protocol spoken by this build. Peers must
// share the major version.
const ProtocolVersion = "v1.0.0"

const (
	headerProtocol = "X-Delta-Protocol"
	contentType    = "application/msgpack"
)

// Info describes the repo behind a server.
type Info struct {
	Repo     schema.RepoPk `msgpack:"repo"`
	Role     sync.Role     `msgpack:"role"`
	Protocol string        `msgpack:"protocol"`
	Push     bool          `msgpack:"push"`
}

type pushRequest struct {
	Items []schema.Item `msgpack:"items"`
}

type errorResponse struct {
	Error string `msgpack:"error"`
	Code  string `msgpack:"code"`
}

// Error codes carried in error responses.
const (
	codeResyncing   = "resyncing"
	codeContract    = "contract_violation"
	codeBadRequest  = "bad_request"
	codeUnsupported = "unsupported"
	codeInternal    = "internal"
	codeAuth        = "unauthorized"
)

// RemoteError is a failure reported by the server.
type RemoteError struct {
	Status int
	Code   string
	Msg    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d (%s): %s", e.Status, e.Code, e.Msg)
}

// Unwrap maps well-known codes back to sync errors.
func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case codeResyncing:
		return sync.ErrResyncInProgress
	case codeAuth:
		return ErrUnauthorized
	}
	return nil
}

var (
	// ErrUnauthorized means the bearer token was missing or invalid.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrIncompatibleProtocol means the peers speak different major versions.
	ErrIncompatibleProtocol = errors.New("incompatible protocol version")
)

// compatible reports whether a peer's protocol version can talk to ours.
func compatible(version string) bool {
	return semver.IsValid(version) && semver.Major(version) == semver.Major(ProtocolVersion)
}

func statusFor(code string) int {
	switch code {
	case codeResyncing:
		return http.StatusServiceUnavailable
	case codeBadRequest:
		return http.StatusBadRequest
	case codeUnsupported:
		return http.StatusMethodNotAllowed
	case codeAuth:
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}
