// Package errors provides structured error handling with machine-readable codes.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Room/resolution errors
	CodeMissingEvent        Code = "ROOM_MISSING_EVENT"
	CodeRoomNotFound        Code = "ROOM_NOT_FOUND"
	CodeRoomAlreadyFull     Code = "ROOM_ALREADY_FULLY_STATED"
	CodeTooManyStartEvents  Code = "ROOM_TOO_MANY_START_EVENTS"
	CodeInvalidEvent        Code = "ROOM_INVALID_EVENT"
	CodeResolutionCancelled Code = "ROOM_RESOLUTION_CANCELLED"

	// Federation errors
	CodeFederationFetchFailed Code = "FEDERATION_FETCH_FAILED"
	CodeFederationBadResponse Code = "FEDERATION_BAD_RESPONSE"

	// Replication stream errors
	CodeStreamGap      Code = "STREAM_GAP"
	CodeStreamBadToken Code = "STREAM_BAD_TOKEN"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeMissingEvent, CodeRoomNotFound, CodeNotFound:
		return codes.NotFound
	case CodeRoomAlreadyFull:
		return codes.FailedPrecondition
	case CodeTooManyStartEvents, CodeInvalidEvent, CodeStreamBadToken:
		return codes.InvalidArgument
	case CodeResolutionCancelled:
		return codes.Canceled
	case CodeFederationFetchFailed, CodeFederationBadResponse:
		return codes.Unavailable
	case CodeStreamGap:
		return codes.DataLoss
	default:
		return codes.Internal
	}
}
