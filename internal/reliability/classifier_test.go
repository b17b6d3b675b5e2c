package reliability

import (
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestIsRetryableRealtimeMessageType(t *testing.T) {
	cases := []struct {
		messageType string
		want        bool
	}{
		{"rate_limit_exceeded", true},
		{"too_many_concurrent_requests", true},
		{"capacity_exceeded", true},
		{"internal_server_error", true},
		{"timeout", true},
		{"auth_error", false},
		{"invalid_api_key", false},
		{"quota_exceeded", false},
		{"invalid_request", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsRetryableRealtimeMessageType(tc.messageType); got != tc.want {
			t.Fatalf("IsRetryableRealtimeMessageType(%q) = %v, want %v", tc.messageType, got, tc.want)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}
