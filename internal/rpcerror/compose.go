// ABOUTME: Maps internal job service failures to typed wire errors per operation category
// ABOUTME: Tables are ordered and the first matching failure kind wins

package rpcerror

import (
	"errors"
	"fmt"

	pb "github.com/2389/stream-gateway/proto/fleet"
)

// Failure kinds raised by the job service.
var (
	ErrConversion            = errors.New("request could not be converted")
	ErrIDAlreadyExists       = errors.New("job id already exists")
	ErrJobNotFound           = errors.New("job not found")
	ErrClusterNotFound       = errors.New("no cluster matched the criteria")
	ErrCommandNotFound       = errors.New("no command matched the criteria")
	ErrApplicationNotFound   = errors.New("application not found")
	ErrSpecificationNotFound = errors.New("job specification not found")
	ErrConstraintViolation   = errors.New("request violates constraints")
	ErrAlreadyClaimed        = errors.New("job already claimed")
	ErrInvalidStatus         = errors.New("job is in an invalid status")
	ErrPrecondition          = errors.New("precondition failed")
	ErrAgentVersionRejected  = errors.New("agent version rejected")
	ErrAgentPlatformRejected = errors.New("agent platform rejected")
)

// ResolutionError wraps a failure that happened while resolving a job
// specification. Composition looks at its cause.
type ResolutionError struct {
	Cause error
}

func (e *ResolutionError) Error() string {
	if e.Cause == nil {
		return "job specification resolution failed"
	}
	return "job specification resolution failed: " + e.Cause.Error()
}

func (e *ResolutionError) Unwrap() error { return e.Cause }

// Category is the job service operation an error came from.
type Category int

const (
	CategoryReserve Category = iota
	CategoryResolveSpecification
	CategoryClaim
	CategoryChangeStatus
	CategoryHandshake
)

func (c Category) String() string {
	switch c {
	case CategoryReserve:
		return "reserve"
	case CategoryResolveSpecification:
		return "resolve_specification"
	case CategoryClaim:
		return "claim"
	case CategoryChangeStatus:
		return "change_status"
	case CategoryHandshake:
		return "handshake"
	default:
		return "unknown"
	}
}

// Wire error types.
const (
	TypeUnknown                = "UNKNOWN"
	TypeInvalidRequest         = "INVALID_REQUEST"
	TypeIDNotAvailable         = "ID_NOT_AVAILABLE"
	TypeNoJobFound             = "NO_JOB_FOUND"
	TypeNoClusterFound         = "NO_CLUSTER_FOUND"
	TypeNoCommandFound         = "NO_COMMAND_FOUND"
	TypeNoApplicationFound     = "NO_APPLICATION_FOUND"
	TypeNoSpecificationFound   = "NO_SPECIFICATION_FOUND"
	TypeAlreadyClaimed         = "ALREADY_CLAIMED"
	TypeNoSuchJob              = "NO_SUCH_JOB"
	TypeInvalidStatus          = "INVALID_STATUS"
	TypeIncorrectCurrentStatus = "INCORRECT_CURRENT_STATUS"
	TypeRejected               = "REJECTED"
	TypeServerError            = "SERVER_ERROR"
)

const noMessage = "no message provided"

type mapping struct {
	kind error
	typ  string
}

var tables = map[Category][]mapping{
	CategoryReserve: {
		{ErrConversion, TypeInvalidRequest},
		{ErrIDAlreadyExists, TypeIDNotAvailable},
	},
	CategoryResolveSpecification: {
		{ErrJobNotFound, TypeNoJobFound},
		{ErrClusterNotFound, TypeNoClusterFound},
		{ErrCommandNotFound, TypeNoCommandFound},
		{ErrApplicationNotFound, TypeNoApplicationFound},
		{ErrSpecificationNotFound, TypeNoSpecificationFound},
		{ErrConstraintViolation, TypeInvalidRequest},
	},
	CategoryClaim: {
		{ErrAlreadyClaimed, TypeAlreadyClaimed},
		{ErrJobNotFound, TypeNoSuchJob},
		{ErrInvalidStatus, TypeInvalidStatus},
		{ErrConstraintViolation, TypeInvalidRequest},
	},
	CategoryChangeStatus: {
		{ErrJobNotFound, TypeNoSuchJob},
		{ErrInvalidStatus, TypeIncorrectCurrentStatus},
		{ErrPrecondition, TypeInvalidRequest},
		{ErrConstraintViolation, TypeInvalidRequest},
	},
	CategoryHandshake: {
		{ErrConstraintViolation, TypeInvalidRequest},
		{ErrAgentVersionRejected, TypeRejected},
		{ErrAgentPlatformRejected, TypeRejected},
	},
}

var defaults = map[Category]string{
	CategoryHandshake: TypeServerError,
}

// kindNames labels the known failure kinds in composed messages.
var kindNames = []struct {
	kind error
	name string
}{
	{ErrConversion, "Conversion"},
	{ErrIDAlreadyExists, "IDAlreadyExists"},
	{ErrJobNotFound, "JobNotFound"},
	{ErrClusterNotFound, "ClusterNotFound"},
	{ErrCommandNotFound, "CommandNotFound"},
	{ErrApplicationNotFound, "ApplicationNotFound"},
	{ErrSpecificationNotFound, "SpecificationNotFound"},
	{ErrConstraintViolation, "ConstraintViolation"},
	{ErrAlreadyClaimed, "AlreadyClaimed"},
	{ErrInvalidStatus, "InvalidStatus"},
	{ErrPrecondition, "Precondition"},
	{ErrAgentVersionRejected, "AgentVersionRejected"},
	{ErrAgentPlatformRejected, "AgentPlatformRejected"},
}

// Compose builds the wire error for err raised by an operation of category c.
func Compose(err error, c Category) *pb.JobServiceError {
	if c == CategoryResolveSpecification {
		var resErr *ResolutionError
		if errors.As(err, &resErr) && resErr.Cause != nil {
			err = resErr.Cause
		}
	}
	return &pb.JobServiceError{
		Type:    errorType(err, c),
		Message: message(err),
	}
}

func errorType(err error, c Category) string {
	if err != nil {
		for _, m := range tables[c] {
			if errors.Is(err, m.kind) {
				return m.typ
			}
		}
	}
	if typ, ok := defaults[c]; ok {
		return typ
	}
	return TypeUnknown
}

func message(err error) string {
	if err == nil {
		return "Unknown:" + noMessage
	}
	text := err.Error()
	if text == "" {
		text = noMessage
	}
	return kindOf(err) + ":" + text
}

func kindOf(err error) string {
	for _, k := range kindNames {
		if errors.Is(err, k.kind) {
			return k.name
		}
	}
	return fmt.Sprintf("%T", err)
}
