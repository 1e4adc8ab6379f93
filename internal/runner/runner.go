// Package runner executes an agent to completion for one group, either
// as a plain subprocess or inside a Docker container, and streams its
// sentinel-delimited output frames back to the caller as they arrive.
package runner

import (
	"context"
	"time"

	"github.com/nevindra/conduit/internal/model"
)

// Runner executes one agent invocation. Implementations: SubprocessRunner
// (plain exec.Command) and ContainerRunner (Docker). Which one is used is
// a daemon-wide choice made by internal/dispatch, the same for every group.
type Runner interface {
	// Run starts the agent with in as its stdin frame, passing plain-text
	// output, each parsed frame's embedded event, and an overflow warning
	// to onEvent as they arrive, and returns the last parsed frame once the
	// agent exits or ctx is cancelled. idleTimeout resets
	// on every byte of output; hardTimeout is an absolute wall-clock bound
	// independent of activity.
	Run(ctx context.Context, in model.ContainerInput, idleTimeout, hardTimeout time.Duration, onEvent func(model.StreamEvent)) (model.ContainerOutput, error)
}
