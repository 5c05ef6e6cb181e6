package archive

import (
	"context"
	"encoding/hex"
	"fmt"
	"hash"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// progressInterval is the received-byte cadence for progress log lines.
const progressInterval = 5 * 1024 * 1024

// Status is the lifecycle state of one transfer.
type Status string

const (
	StatusReceiving Status = "receiving"
	StatusCompleted Status = "completed"
	StatusCommitted Status = "committed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCommitted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Snapshot is a point-in-time copy of a receiver's bookkeeping.
type Snapshot struct {
	ID            string
	Key           string
	Parent        string
	FinalPath     string
	TempPath      string
	HashMethod    string
	DeclaredSize  int64
	ReceivedBytes int64
	Status        Status
	Finalizing    bool
	Checksum      string
	Err           error
	StartedAt     time.Time
	LastActivity  time.Time
	FinishedAt    time.Time
}

type receiverConfig struct {
	id         string
	key        string
	parent     string
	root       string
	finalPath  string
	tempPath   string
	size       int64
	hashMethod string
	pool       *workerPool
	logger     zerolog.Logger
	now        func() time.Time
}

// Receiver accumulates the chunks of one transfer into a private staging file
// while hashing them, then verifies and commits the result.
type Receiver struct {
	id         string
	key        string
	parent     string
	root       string
	finalPath  string
	tempPath   string
	size       int64
	hashMethod string
	pool       *workerPool
	logger     zerolog.Logger
	now        func() time.Time
	startedAt  time.Time

	mu           sync.Mutex
	file         *os.File
	digest       hash.Hash
	received     int64
	status       Status
	checksum     string
	failure      error
	lastActivity time.Time
	finishedAt   time.Time
	finalizing   bool
	// commitDone is set while the verified file is being moved into place
	// without the lock held, and closed once the outcome is recorded.
	commitDone chan struct{}

	// completed is closed once when received reaches size; aborted is closed
	// once if the transfer fails or is cancelled before that.
	completed chan struct{}
	aborted   chan struct{}
}

func newReceiver(cfg receiverConfig, file *os.File) (*Receiver, error) {
	digest, err := NewHash(cfg.hashMethod)
	if err != nil {
		return nil, err
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}

	started := cfg.now()
	r := &Receiver{
		id:           cfg.id,
		key:          cfg.key,
		parent:       cfg.parent,
		root:         cfg.root,
		finalPath:    cfg.finalPath,
		tempPath:     cfg.tempPath,
		size:         cfg.size,
		hashMethod:   cfg.hashMethod,
		pool:         cfg.pool,
		logger:       cfg.logger.With().Str("key", cfg.key).Str("transfer_id", cfg.id).Logger(),
		now:          cfg.now,
		startedAt:    started,
		file:         file,
		digest:       digest,
		status:       StatusReceiving,
		lastActivity: started,
		completed:    make(chan struct{}),
		aborted:      make(chan struct{}),
	}

	r.logger.Info().Msg("initializing transfer")
	r.logger.Debug().
		Str("temp_path", r.tempPath).
		Str("size", humanize.IBytes(uint64(r.size))).
		Str("final_path", r.finalPath).
		Str("hash_method", r.hashMethod).
		Msg("transfer parameters")

	if r.size == 0 {
		r.status = StatusCompleted
		close(r.completed)
	}
	return r, nil
}

// Key returns the transfer key.
func (r *Receiver) Key() string { return r.key }

// ID returns the unique identifier of this admission of the key.
func (r *Receiver) ID() string { return r.id }

// Status returns the current lifecycle state.
func (r *Receiver) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Completed is closed once every declared byte has been ingested.
func (r *Receiver) Completed() <-chan struct{} {
	return r.completed
}

// Snapshot returns a copy of the receiver's current bookkeeping.
func (r *Receiver) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		ID:            r.id,
		Key:           r.key,
		Parent:        r.parent,
		FinalPath:     r.finalPath,
		TempPath:      r.tempPath,
		HashMethod:    r.hashMethod,
		DeclaredSize:  r.size,
		ReceivedBytes: r.received,
		Status:        r.status,
		Finalizing:    r.finalizing,
		Checksum:      r.checksum,
		Err:           r.failure,
		StartedAt:     r.startedAt,
		LastActivity:  r.lastActivity,
		FinishedAt:    r.finishedAt,
	}
}

// Ingest appends one chunk to the staging file and folds it into the digest.
// Chunks must arrive in sender order; a chunk that would exceed the declared
// size fails the transfer without writing anything.
func (r *Receiver) Ingest(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.status {
	case StatusReceiving:
	case StatusCompleted:
		if len(data) == 0 {
			return nil
		}
		err := fmt.Errorf("%w: %d bytes after all %d declared bytes", ErrSizeOverrun, len(data), r.size)
		if r.commitDone == nil {
			r.failLocked(err)
		}
		return err
	default:
		return fmt.Errorf("%w (status %s)", ErrNotReceiving, r.status)
	}

	n := int64(len(data))
	if n == 0 {
		return nil
	}
	if r.received+n > r.size {
		err := fmt.Errorf("%w: %d+%d bytes exceeds declared %d", ErrSizeOverrun, r.received, n, r.size)
		r.failLocked(err)
		return err
	}

	if _, err := r.file.Write(data); err != nil {
		wrapped := stagingError("write staging file", err)
		r.failLocked(wrapped)
		return wrapped
	}
	_, _ = r.digest.Write(data)

	previous := r.received
	r.received += n
	r.lastActivity = r.now()

	if previous/progressInterval != r.received/progressInterval {
		r.logger.Info().
			Str("path", r.finalPath).
			Str("received", humanize.IBytes(uint64(r.received))).
			Str("remaining", humanize.IBytes(uint64(r.size-r.received))).
			Msg("receiving")
	}

	if r.received == r.size {
		r.status = StatusCompleted
		close(r.completed)
		r.logger.Debug().Msg("all declared bytes received")
	}
	return nil
}

// Finalize waits until every declared byte has arrived, verifies the digest
// against expected, and only then moves the staged file to its final path. A
// mismatch removes the staged bytes and leaves nothing at the final path.
func (r *Receiver) Finalize(ctx context.Context, expected string) error {
	select {
	case <-r.completed:
	case <-r.aborted:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.status {
	case StatusCompleted:
	case StatusFailed, StatusCancelled:
		return r.failure
	default:
		return fmt.Errorf("%w (status %s)", ErrNotReceiving, r.status)
	}

	file := r.file
	r.file = nil
	if err := file.Sync(); err != nil {
		_ = file.Close()
		wrapped := stagingError("sync staging file", err)
		r.failLocked(wrapped)
		return wrapped
	}
	if err := file.Close(); err != nil {
		wrapped := stagingError("close staging file", err)
		r.failLocked(wrapped)
		return wrapped
	}

	r.checksum = hex.EncodeToString(r.digest.Sum(nil))
	duration := r.now().Sub(r.startedAt)

	if !checksumsEqual(r.checksum, expected) {
		r.failLocked(fmt.Errorf("%w: checksum mismatch", ErrIntegrityFailure))
		r.logger.Debug().
			Str("source_checksum", expected).
			Str("received_checksum", r.checksum).
			Dur("duration", duration).
			Msg("checksums")
		return r.failure
	}

	// The move can be slow across devices, so snapshots are not held up
	// behind it. Cancel and abort leave the staging file alone meanwhile.
	done := make(chan struct{})
	r.commitDone = done
	defer close(done)
	r.mu.Unlock()
	commitErr := r.pool.run(ctx, func() error {
		return commitFile(r.root, r.tempPath, r.finalPath)
	})
	r.mu.Lock()
	r.commitDone = nil
	if commitErr != nil {
		r.failLocked(commitErr)
		return commitErr
	}

	r.status = StatusCommitted
	r.finishedAt = r.now()
	if err := removeIfExists(r.tempPath); err != nil {
		r.logger.Warn().Err(err).Str("temp_path", r.tempPath).Msg("remove staging file after commit")
	}
	r.logger.Info().Str("final_path", r.finalPath).Msg("transfer successfully completed")
	r.logger.Debug().
		Str("checksum", r.checksum).
		Dur("duration", duration).
		Str("average_speed", averageSpeed(r.size, duration)).
		Msg("transfer statistics")
	return nil
}

// Cancel releases the staging file and deletes it. It never touches the final
// path and is a no-op once the transfer has reached a terminal state.
//
// A commit already under way is allowed to finish; Cancel waits for it.
func (r *Receiver) Cancel() error {
	r.mu.Lock()
	if done := r.commitDone; done != nil {
		r.mu.Unlock()
		<-done
		return nil
	}
	defer r.mu.Unlock()

	if r.status.Terminal() {
		return nil
	}
	err := r.releaseLocked()
	r.transitionLocked(StatusCancelled, ErrCancelled)
	r.logger.Info().Int64("received", r.received).Msg("transfer cancelled")
	return err
}

// abort fails a transfer that has not reached a terminal state.
func (r *Receiver) abort(cause error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() || r.commitDone != nil {
		return false
	}
	r.failLocked(cause)
	return true
}

// claimFinalize lets exactly one caller drive Finalize.
func (r *Receiver) claimFinalize() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalizing || r.status.Terminal() {
		return false
	}
	r.finalizing = true
	return true
}

func (r *Receiver) stalledSince(now time.Time, timeout time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status == StatusReceiving && now.Sub(r.lastActivity) >= timeout
}

func (r *Receiver) failLocked(cause error) {
	if r.status.Terminal() {
		return
	}
	if err := r.releaseLocked(); err != nil {
		r.logger.Warn().Err(err).Msg("cleanup after failure")
	}
	r.transitionLocked(StatusFailed, cause)
	r.logger.Error().Err(cause).Msg("transfer failed")
}

func (r *Receiver) transitionLocked(status Status, cause error) {
	previous := r.status
	r.status = status
	r.failure = cause
	r.finishedAt = r.now()
	if previous == StatusReceiving {
		close(r.aborted)
	}
}

func (r *Receiver) releaseLocked() error {
	var closeErr error
	if r.file != nil {
		closeErr = r.file.Close()
		r.file = nil
	}
	if err := removeIfExists(r.tempPath); err != nil {
		return stagingError("remove staging file", err)
	}
	if closeErr != nil {
		return stagingError("close staging file", closeErr)
	}
	return nil
}

func averageSpeed(size int64, duration time.Duration) string {
	seconds := duration.Seconds()
	if seconds <= 0 {
		return "n/a"
	}
	return humanize.IBytes(uint64(float64(size)/seconds)) + "/s"
}
