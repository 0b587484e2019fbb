package utils

import (
	"errors"

	"github.com/sony/gobreaker"
)

// ExecuteWithBreaker runs fn through cb and keeps fn's result type.
func ExecuteWithBreaker[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	res, err := cb.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}

	return res.(T), nil
}

// BreakerRejected reports whether err came from the breaker refusing the call
// rather than from the call itself.
func BreakerRejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
