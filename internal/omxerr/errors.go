// Package omxerr enumerates the library-surface error taxonomy and wraps
// it in a Go error.
package omxerr

// Code is one member of the library error taxonomy.
type Code int

const (
	Success Code = iota
	BadEndpoint
	EndpointClosed
	BadSession
	BadMagic
	BadMatchMask
	BadMatchingForCtxid
	NoSystemResources
	NoResources
	InternalMiscEinval
	InternalMiscEnodev
	InternalUnexpectedErrno
	AlreadyInitialized
	NotInitialized
	BadLibABI
	BadKernelABI
	NoDriver
	CancelNotSupported
	NotSupportedWithCtxid
	NotSupportedInHandler
	BadError
	Truncated
	NackRemoteBadEndpoint
	NackRemoteEndpointClosed
	NackRemoteBadSession
	NackRemoteBadRdmaID
	NackRemoteBadRdmaSeqnum
	NackRemoteBadRdmaOffset
)

var names = map[Code]string{
	Success:                  "success",
	BadEndpoint:              "bad-endpoint",
	EndpointClosed:           "endpoint-closed",
	BadSession:               "bad-session",
	BadMagic:                 "bad-magic",
	BadMatchMask:             "bad-match-mask",
	BadMatchingForCtxid:      "bad-matching-for-ctxid",
	NoSystemResources:        "no-system-resources",
	NoResources:              "no-resources",
	InternalMiscEinval:       "internal-misc-einval",
	InternalMiscEnodev:       "internal-misc-enodev",
	InternalUnexpectedErrno:  "internal-unexpected-errno",
	AlreadyInitialized:       "already-initialized",
	NotInitialized:           "not-initialized",
	BadLibABI:                "bad-lib-abi",
	BadKernelABI:             "bad-kernel-abi",
	NoDriver:                 "no-driver",
	CancelNotSupported:       "cancel-not-supported",
	NotSupportedWithCtxid:    "not-supported-with-ctxid",
	NotSupportedInHandler:    "not-supported-in-handler",
	BadError:                 "bad-error",
	Truncated:                "truncated",
	NackRemoteBadEndpoint:    "nack-remote-bad-endpoint",
	NackRemoteEndpointClosed: "nack-remote-endpoint-closed",
	NackRemoteBadSession:     "nack-remote-bad-session",
	NackRemoteBadRdmaID:      "nack-remote-bad-rdma-id",
	NackRemoteBadRdmaSeqnum:  "nack-remote-bad-rdma-seqnum",
	NackRemoteBadRdmaOffset:  "nack-remote-bad-rdma-offset",
}

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return "unknown-error"
}

// Error wraps a Code with optional context (partner/request identifiers)
// for surfacing at a request's completion or at synchronous call sites.
type Error struct {
	Code    Code
	Context string
	Cause   error
}

func New(code Code) *Error {
	return &Error{Code: code}
}

func Wrap(code Code, context string, cause error) *Error {
	return &Error{Code: code, Context: context, Cause: cause}
}

func (e *Error) Error() string {
	if e.Context == "" && e.Cause == nil {
		return e.Code.String()
	}
	if e.Cause == nil {
		return e.Code.String() + ": " + e.Context
	}
	if e.Context == "" {
		return e.Code.String() + ": " + e.Cause.Error()
	}
	return e.Code.String() + ": " + e.Context + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, SomeCode) work by comparing the wrapped Code
// through a sentinel wrapper, since Code itself isn't an error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}
