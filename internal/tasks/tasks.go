// Package tasks implements the Task Runner (§4.4): a durable FIFO broker
// backed by the Metadata Store's task queue, a worker pool that claims and
// executes tasks, and a cron scheduler that enqueues the periodic
// maintenance tasks.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"distfs/internal/chunkmodel"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind names a task type. The four kinds below are exactly spec.md §4.4's
// task catalog.
type Kind string

const (
	KindReplicate    Kind = "replicate"
	KindVerifyFile   Kind = "verify_file"
	KindProbeNodes   Kind = "probe_nodes"
	KindExpireShares Kind = "expire_shares"
)

// ReplicatePayload asks the runner to write a chunk's bytes to a set of
// candidate storage nodes and report which ones acknowledged.
type ReplicatePayload struct {
	ChunkID    string   `msgpack:"chunk_id"`
	FileID     string   `msgpack:"file_id"`
	Candidates []string `msgpack:"candidates"`
	Quorum     int      `msgpack:"quorum"`
}

// VerifyFilePayload asks the runner to recompute each of a file's chunk
// digests from a stored replica and compare it against the recorded one.
// An empty FileID asks for the sweep over every completed or verified file.
type VerifyFilePayload struct {
	FileID string `msgpack:"file_id"`
}

// ProbeNodesPayload carries no arguments; the runner probes every
// configured storage node's health endpoint.
type ProbeNodesPayload struct{}

// ExpireSharesPayload carries no arguments; the runner deletes shares past
// their expiry.
type ExpireSharesPayload struct{}

// EncodePayload msgpack-encodes a task's arguments for storage alongside
// its kind, per spec.md §6's "self-describing payload with the task name
// and its arguments".
func EncodePayload(v any) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode task payload: %w", err)
	}
	return b, nil
}

// DecodePayload decodes a task's stored payload into v, a pointer to one
// of the *Payload types above.
func DecodePayload(b []byte, v any) error {
	if err := msgpack.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode task payload: %w", err)
	}
	return nil
}

// Handler executes one claimed task. A non-nil error is treated as
// retryable by the worker pool unless it wraps a *chunkmodel.Error of kind
// KindFatal or KindIntegrityMismatch (see retryable).
type Handler func(ctx context.Context, payload []byte) error

// classify recovers a task error's Kind, defaulting to Transient (retry)
// for errors that carry no explicit classification.
func classify(err error) chunkmodel.Kind {
	if err == nil {
		return chunkmodel.KindUnknown
	}
	var ce *chunkmodel.Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return chunkmodel.KindTransient
}

// retryable reports whether a task failure should be rescheduled rather
// than marked terminally failed. Fatal and IntegrityMismatch classify as
// non-retryable: a corrupt chunk or a programmer error will not resolve
// itself on a retry.
func retryable(err error) bool {
	switch classify(err) {
	case chunkmodel.KindFatal, chunkmodel.KindIntegrityMismatch:
		return false
	default:
		return true
	}
}

// Policy bounds the retry and timeout behavior the worker pool applies to
// one task kind. Only Replicate has spec-mandated numbers (spec.md §4.4);
// every other kind uses defaultPolicy.
type Policy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
	HardTimeout time.Duration // zero means the task runs without a deadline
	SoftTimeout time.Duration // zero means no soft-timeout warning is logged
}

// defaultPolicy is the runner's generic policy: a short fixed backoff, a
// modest attempt ceiling, and no per-task deadline. VerifyFile, ProbeNodes,
// and ExpireShares carry no spec-mandated retry numbers, so they use this.
var defaultPolicy = Policy{
	MaxAttempts: 8,
	Backoff:     func(attempt int) time.Duration { return 5 * time.Second },
}

// replicatePolicy implements spec.md §4.4's Replicate-specific numbers,
// traced to the original implementation's
// self.retry(countdown=60, max_retries=3) plus its Celery
// task_time_limit=30*60 / task_soft_time_limit=25*60: 3 retries, 60s linear
// backoff, a 30 minute hard timeout, and a 25 minute soft-timeout warning.
// MaxAttempts counts the first run too, so 3 retries means 4 attempts.
var replicatePolicy = Policy{
	MaxAttempts: 4,
	Backoff:     func(attempt int) time.Duration { return 60 * time.Second },
	HardTimeout: 30 * time.Minute,
	SoftTimeout: 25 * time.Minute,
}

// policyFor returns the retry/timeout policy for kind.
func policyFor(kind Kind) Policy {
	if kind == KindReplicate {
		return replicatePolicy
	}
	return defaultPolicy
}
