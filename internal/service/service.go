// Package service implements the reservation engine: table lifecycle, seat
// booking, feedback aggregation and the flag policy. Services receive their
// store, event publisher, logger and clock at construction.
package service

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// Clock returns the current time. Tests inject a fixed or stepped clock.
type Clock func() time.Time

// SystemClock is the production clock.
func SystemClock() time.Time { return time.Now() }

func orDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return logger
}

func requireID(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidInput, name)
	}
	return value, nil
}
