package plugin

import (
	"context"

	"firestige.xyz/tracevia/internal/core"
)

// Reporter is a render surface: it receives every frame the emitter
// delivers. Report must not retain a reference that it mutates; frames are
// shared between reporters.
type Reporter interface {
	Plugin
	Report(ctx context.Context, frame *core.Frame) error
	Flush(ctx context.Context) error
}
