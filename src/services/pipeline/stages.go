package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Stage names a state of the writer or reader state machine.
type Stage string

// Writer stages, in order
const (
	StageStart               Stage = "START"
	StageNameObfuscated      Stage = "NAME_OBFUSCATED"
	StageContentEncrypted    Stage = "CONTENT_ENCRYPTED"
	StageKeyWrapped          Stage = "KEY_WRAPPED"
	StageSplit               Stage = "SPLIT"
	StageIdentifiedAndMapped Stage = "IDENTIFIED_AND_MAPPED"
	StageChunksStored        Stage = "CHUNKS_STORED"
	StageMappingPersisted    Stage = "MAPPING_PERSISTED"
	StageDone                Stage = "DONE"
)

// Reader stages, in order
const (
	StageChunksAcquired   Stage = "CHUNKS_ACQUIRED"
	StageReordered        Stage = "REORDERED"
	StageJoined           Stage = "JOINED"
	StageKeyUnwrapped     Stage = "KEY_UNWRAPPED"
	StageContentDecrypted Stage = "CONTENT_DECRYPTED"
	StageNameRestored     Stage = "NAME_RESTORED"
	StageVerified         Stage = "VERIFIED"
)

var (
	ErrInvalidInput = errors.New("invalid pipeline input")
	ErrNameMismatch = errors.New("restored name does not match requested name")
)

// StageError reports the stage a run was trying to reach when it failed.
// Artifacts of the run have already been rolled back when it is returned.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func fail(stage Stage, err error) error {
	return &StageError{Stage: stage, Err: err}
}

// rollbackTimeout bounds cleanup after the run context is gone
const rollbackTimeout = 30 * time.Second

// rollback is a LIFO stack of undo steps for one run.
type rollback struct {
	mu     sync.Mutex
	steps  []undoStep
	logger *logrus.Entry
}

type undoStep struct {
	name string
	fn   func(ctx context.Context) error
}

func newRollback(logger *logrus.Entry) *rollback {
	return &rollback{logger: logger}
}

func (r *rollback) push(name string, fn func(ctx context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, undoStep{name: name, fn: fn})
}

// run executes every step, newest first. Failures are logged, never returned,
// so the caller always sees the causal error.
func (r *rollback) run(ctx context.Context) {
	r.mu.Lock()
	steps := r.steps
	r.steps = nil
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	for i := len(steps) - 1; i >= 0; i-- {
		if err := steps[i].fn(ctx); err != nil {
			r.logger.WithError(err).WithField("step", steps[i].name).Warn("Rollback step failed")
			continue
		}
		r.logger.WithField("step", steps[i].name).Debug("Rollback step completed")
	}
}

// commit drops all pending undo steps
func (r *rollback) commit() {
	r.mu.Lock()
	r.steps = nil
	r.mu.Unlock()
}

func wipe(b []byte) {
	clear(b)
}
