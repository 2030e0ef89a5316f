package model

import "fmt"

// RetryPolicy decides what happens to a query whose upstream write failed.
type RetryPolicy string

const (
	// RetryDrop evicts the query at once; the client retries on its own.
	RetryDrop RetryPolicy = "drop"

	// RetryResend keeps the query and writes it again after reconnecting,
	// until its deadline elapses.
	RetryResend RetryPolicy = "retry"
)

// TimeoutPolicy decides what the client sees when its query expires.
type TimeoutPolicy string

const (
	// TimeoutDrop sends nothing.
	TimeoutDrop TimeoutPolicy = "drop"

	// TimeoutServfail answers with a synthesized SERVFAIL.
	TimeoutServfail TimeoutPolicy = "servfail"
)

func ParseRetryPolicy(s string) (RetryPolicy, error) {
	switch p := RetryPolicy(s); p {
	case RetryDrop, RetryResend:
		return p, nil
	case "":
		return RetryDrop, nil
	default:
		return "", fmt.Errorf("invalid retry policy %q", s)
	}
}

func ParseTimeoutPolicy(s string) (TimeoutPolicy, error) {
	switch p := TimeoutPolicy(s); p {
	case TimeoutDrop, TimeoutServfail:
		return p, nil
	case "":
		return TimeoutDrop, nil
	default:
		return "", fmt.Errorf("invalid timeout policy %q", s)
	}
}
