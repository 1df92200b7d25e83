package errors

import (
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestErrorMessageFormat(t *testing.T) {
	err := New(CodeMissingEvent, "auth chain references unknown event $x")
	want := "ROOM_MISSING_EVENT: auth chain references unknown event $x"
	if err.Error() != want {
		t.Fatalf("error = %q, want %q", err.Error(), want)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(CodeFederationFetchFailed, "fetch room state", cause)

	if !errors.Is(err, cause) {
		t.Fatal("expected wrapped cause to satisfy errors.Is")
	}
	if got := err.Error(); got != "FEDERATION_FETCH_FAILED: fetch room state: connection refused" {
		t.Fatalf("error = %q", got)
	}
}

func TestGetCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"domain error", New(CodeStreamGap, "gap"), CodeStreamGap},
		{"wrapped via fmt", fmt.Errorf("outer: %w", New(CodeRoomNotFound, "no room")), CodeRoomNotFound},
		{"plain error", errors.New("boom"), CodeUnknown},
		{"nil", nil, CodeUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := GetCode(tc.err); got != tc.want {
				t.Fatalf("code = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestIsCode(t *testing.T) {
	err := Newf(CodeMissingEvent, "unknown event %s", "$x")
	if !IsCode(err, CodeMissingEvent) {
		t.Fatal("expected IsCode to match")
	}
	if IsCode(err, CodeStreamGap) {
		t.Fatal("expected IsCode to reject other codes")
	}
}

func TestWithMetadata(t *testing.T) {
	err := New(CodeStreamGap, "gap detected").WithMetadata(map[string]string{
		"expected": "5",
		"got":      "7",
	})
	meta := GetMetadata(err)
	if meta["expected"] != "5" || meta["got"] != "7" {
		t.Fatalf("metadata = %v", meta)
	}
	if GetMetadata(errors.New("plain")) != nil {
		t.Fatal("expected nil metadata for plain error")
	}
}

func TestHandleErrorMapsCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"nil passes through", nil, codes.OK},
		{"missing event", New(CodeMissingEvent, "missing"), codes.NotFound},
		{"room not found", New(CodeRoomNotFound, "no room"), codes.NotFound},
		{"already full", New(CodeRoomAlreadyFull, "full"), codes.FailedPrecondition},
		{"too many starts", New(CodeTooManyStartEvents, "overflow"), codes.InvalidArgument},
		{"invalid event", New(CodeInvalidEvent, "bad"), codes.InvalidArgument},
		{"fetch failed", New(CodeFederationFetchFailed, "down"), codes.Unavailable},
		{"stream gap", New(CodeStreamGap, "gap"), codes.DataLoss},
		{"plain error", errors.New("boom"), codes.Internal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := HandleError(tc.err)
			if tc.want == codes.OK {
				if got != nil {
					t.Fatalf("expected nil, got %v", got)
				}
				return
			}
			st, ok := status.FromError(got)
			if !ok {
				t.Fatalf("expected grpc status, got %v", got)
			}
			if st.Code() != tc.want {
				t.Fatalf("grpc code = %v, want %v", st.Code(), tc.want)
			}
		})
	}
}
