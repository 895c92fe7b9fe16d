package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"testing"
)

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{401, AuthenticationExpired},
		{419, AuthenticationExpired},
		{400, ValidationFailed},
		{409, ValidationFailed},
		{422, ValidationFailed},
		{404, NotFound},
		{429, RateLimited},
		{500, ServerFault},
		{503, ServerFault},
		{403, Unknown},
		{302, Unknown},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			if got := FromStatus(tt.status, "").Kind; got != tt.want {
				t.Errorf("FromStatus(%d) = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestFromRefreshStatus(t *testing.T) {
	for _, status := range []int{401, 403, 444, 500} {
		if got := FromRefreshStatus(status, "").Kind; got != AuthenticationInvalid {
			t.Errorf("FromRefreshStatus(%d) = %v, want AuthenticationInvalid", status, got)
		}
	}
}

func TestError_PreservesServerMessage(t *testing.T) {
	err := FromStatus(400, "필수값을 채워주세요")
	if err.Error() != "필수값을 채워주세요" {
		t.Errorf("Error() = %q", err.Error())
	}
	if FromStatus(404, "").Error() != "not_found: Not Found" {
		t.Errorf("Error() without message = %q", FromStatus(404, "").Error())
	}
}

func TestKindOf(t *testing.T) {
	dialErr := &url.Error{Op: "Get", URL: "http://x", Err: &net.OpError{Op: "dial", Err: errors.New("connection refused")}}
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Unknown},
		{"wrapped app error", fmt.Errorf("load: %w", FromStatus(404, "")), NotFound},
		{"dial failure", dialErr, NetworkUnreachable},
		{"canceled", context.Canceled, Unknown},
		{"canceled inside url error", &url.Error{Op: "Get", URL: "http://x", Err: context.Canceled}, Unknown},
		{"plain error", errors.New("boom"), Unknown},
		{"decoding", DecodingError(errors.New("bad json")), Decoding},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIs(t *testing.T) {
	err := Network(errors.New("offline"))
	if !Is(err, NetworkUnreachable) {
		t.Error("Is(NetworkUnreachable) = false")
	}
	if Is(err, AuthenticationExpired) {
		t.Error("Is(AuthenticationExpired) = true for network error")
	}
	if !errors.Is(err, err.Err) {
		t.Error("Unwrap should expose the transport error")
	}
}
