package reliability

import "time"

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableRealtimeMessageType classifies error message types seen on the
// realtime speech websockets. Capacity conditions clear on their own; auth,
// quota and malformed-input failures do not.
func IsRetryableRealtimeMessageType(messageType string) bool {
	switch messageType {
	case "rate_limit_exceeded", "too_many_concurrent_requests", "capacity_exceeded", "internal_server_error", "timeout":
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
