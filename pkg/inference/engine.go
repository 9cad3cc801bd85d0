// Package inference defines the neural-network inference engine consumed by
// the analysis core, together with the error taxonomy the scheduler uses to
// decide between retrying, skipping and aborting.
package inference

import (
	"context"
	"errors"
	"fmt"

	"github.com/BSMU-ITLab/vision-biocell/internal/models"
)

// ErrorKind classifies an engine failure for the retry policy.
type ErrorKind int

const (
	// Transient marks recoverable failures: temporary resource
	// exhaustion, a busy engine, a batch deadline. Retried up to the
	// configured budget.
	Transient ErrorKind = iota + 1

	// InvalidInput marks a tile the engine cannot process (corrupt or
	// malformed pixels). Never retried; the tile is marked failed.
	InvalidInput

	// Fatal marks an unusable engine (model not loaded, device gone).
	// Aborts the whole session.
	Fatal
)

func (k ErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case InvalidInput:
		return "invalid input"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is an engine failure tagged with its classification.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("inference %s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the classification from an engine error. Context
// cancellation and deadlines are transient (the batch may be resubmitted);
// anything unclassified is fatal, since an engine failing in an unknown way
// cannot be trusted with further batches.
func KindOf(err error) ErrorKind {
	var infErr *Error
	if errors.As(err, &infErr) {
		return infErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient
	}
	return Fatal
}

// Engine is the external neural-network collaborator. Infer runs the forward
// pass on a batch of tile pixel buffers and returns one per-pixel score array
// per tile, each aligned to its tile's extracted region (len = W*H).
//
// Implementations decide their own internal concurrency; the worker pool
// serializes nothing beyond what the engine requires.
type Engine interface {
	Infer(ctx context.Context, batch []*models.Tile) ([][]float32, error)
	Close() error
}
