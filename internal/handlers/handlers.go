// Package handlers holds the built-in job handlers shipped with jobpoold.
package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/jobpool/pkg/api"
)

// Built-in tube names.
const (
	TubeExample = "example"
	TubeNoop    = "noop"
)

// ExampleTimeout caps a single example job.
const ExampleTimeout = 120 * time.Second

// Example sleeps for the number of seconds given in the payload.
type Example struct {
	Logger  *slog.Logger
	Timeout time.Duration
}

var _ api.Handler = (*Example)(nil)

func (e *Example) Handle(ctx context.Context, id string, payload []byte) error {
	secs, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
	if err != nil || secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return fmt.Errorf("example job %s: payload %q is not a number of seconds", id, payload)
	}

	timeout := e.Timeout
	if timeout <= 0 {
		timeout = ExampleTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger := e.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger.Info("processing example job", slog.String("job_id", id), slog.Float64("seconds", secs))

	// A job longer than the timeout can only end in the timeout, and its
	// duration may not fit in a time.Duration.
	var fired <-chan time.Time
	if secs <= timeout.Seconds() {
		tmr := time.NewTimer(time.Duration(secs * float64(time.Second)))
		defer tmr.Stop()
		fired = tmr.C
	}
	select {
	case <-fired:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("example job %s: %w", id, ctx.Err())
	}
}

// Noop accepts every job.
func Noop(context.Context, string, []byte) error { return nil }

// Register adds the built-in handlers to reg. The pool and its process
// worker children both call it so they resolve the same tubes.
func Register(reg *api.Registry, logger *slog.Logger) {
	reg.Register(TubeExample, &Example{Logger: logger})
	reg.Register(TubeNoop, api.HandlerFunc(Noop))
}
