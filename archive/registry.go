package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultStallCheckInterval is used when StallTimeout is set without an explicit check interval.
	DefaultStallCheckInterval = 5 * time.Second
	stagingSuffix             = ".part"
)

// Archiver is the set of operations transports use to drive transfers.
type Archiver interface {
	StartUpload(ctx context.Context, key, path string, size int64, parent string) (Handle, error)
	SendChunk(key string, data []byte) error
	FinalizeUpload(ctx context.Context, key, checksum string) error
	Cancel(key string) error
	Stop()
}

var _ Archiver = (*Registry)(nil)

// History journals transfer lifecycle events. Implementations must be safe for
// concurrent use; their errors are logged and never fail a transfer.
type History interface {
	RecordStarted(Snapshot) error
	RecordFinished(Snapshot) error
}

// Handle identifies an admitted transfer to the transport that feeds it.
type Handle struct {
	ID        string
	Key       string
	FinalPath string
}

// Options configures a Registry.
type Options struct {
	// Root is the base directory every final path must resolve under.
	Root string
	// ScratchDir holds staging files. Placing it on the same filesystem as Root
	// keeps commits to a single rename.
	ScratchDir string
	HashMethod string
	// CommitWorkers bounds concurrent staging-file creation and commit moves.
	CommitWorkers int
	// StallTimeout abandons transfers that ingest nothing for this long. Zero disables it.
	StallTimeout       time.Duration
	StallCheckInterval time.Duration

	History History
	Logger  *zerolog.Logger
	Now     func() time.Time
}

// Registry owns every in-flight transfer and admits at most one per key.
type Registry struct {
	root       string
	rootAlias  string
	scratchDir string
	hashMethod string
	pool       *workerPool
	history    History
	logger     zerolog.Logger
	now        func() time.Time

	mu        sync.Mutex
	transfers map[string]*Receiver
	reserved  map[string]struct{}
	closed    bool

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewRegistry validates options, prepares the root and scratch directories, and
// starts the stall reaper when configured.
func NewRegistry(options Options) (*Registry, error) {
	if strings.TrimSpace(options.Root) == "" {
		return nil, errors.New("archive root is required")
	}
	hashMethod, err := ParseHashMethod(options.HashMethod)
	if err != nil {
		return nil, err
	}

	rootAlias, err := filepath.Abs(options.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve archive root: %w", err)
	}
	root, err := prepareDir(rootAlias, 0o755)
	if err != nil {
		return nil, fmt.Errorf("prepare archive root: %w", err)
	}
	scratch := options.ScratchDir
	if scratch == "" {
		scratch = filepath.Join(os.TempDir(), "archiver-staging")
	}
	scratch, err = prepareDir(scratch, 0o700)
	if err != nil {
		return nil, fmt.Errorf("prepare scratch directory: %w", err)
	}

	logger := zerolog.Nop()
	if options.Logger != nil {
		logger = *options.Logger
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}

	r := &Registry{
		root:       root,
		rootAlias:  rootAlias,
		scratchDir: scratch,
		hashMethod: hashMethod,
		pool:       newWorkerPool(options.CommitWorkers),
		history:    options.History,
		logger:     logger.With().Str("component", "archive").Logger(),
		now:        now,
		transfers:  make(map[string]*Receiver),
		reserved:   make(map[string]struct{}),
		stopCh:     make(chan struct{}),
	}
	r.logger.Info().Str("root", r.root).Str("scratch", r.scratchDir).Msg("serving files")

	if options.StallTimeout > 0 {
		interval := options.StallCheckInterval
		if interval <= 0 {
			interval = DefaultStallCheckInterval
		}
		r.wg.Add(1)
		go r.reapStalled(options.StallTimeout, interval)
	}
	return r, nil
}

// Root returns the resolved archive root.
func (r *Registry) Root() string { return r.root }

// ScratchDir returns the resolved staging directory.
func (r *Registry) ScratchDir() string { return r.scratchDir }

// HashMethod returns the digest used for every transfer.
func (r *Registry) HashMethod() string { return r.hashMethod }

// StartUpload admits a new transfer for key. An empty path places the file at
// Root/key; relative paths resolve under Root and absolute paths must already
// be inside it.
func (r *Registry) StartUpload(ctx context.Context, key, path string, size int64, parent string) (Handle, error) {
	const op = "start_upload"

	if err := validateKey(key); err != nil {
		return Handle{}, transferError(op, key, err)
	}
	if size < 0 {
		return Handle{}, transferError(op, key, fmt.Errorf("%w: %d", ErrInvalidSize, size))
	}
	finalPath, err := r.resolveFinalPath(key, path)
	if err != nil {
		return Handle{}, transferError(op, key, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Handle{}, transferError(op, key, ErrRegistryClosed)
	}
	_, active := r.transfers[key]
	_, pending := r.reserved[key]
	if active || pending {
		r.mu.Unlock()
		r.logger.Warn().Str("key", key).Msg("can't start another upload: already uploading")
		return Handle{}, transferError(op, key, ErrAlreadyUploading)
	}
	r.reserved[key] = struct{}{}
	r.mu.Unlock()

	id := uuid.NewString()
	tempPath := filepath.Join(r.scratchDir, id+stagingSuffix)

	var file *os.File
	err = r.pool.run(ctx, func() error {
		f, openErr := openStagingFile(tempPath)
		file = f
		return openErr
	})

	var receiver *Receiver
	if err == nil {
		receiver, err = newReceiver(receiverConfig{
			id:         id,
			key:        key,
			parent:     parent,
			root:       r.root,
			finalPath:  finalPath,
			tempPath:   tempPath,
			size:       size,
			hashMethod: r.hashMethod,
			pool:       r.pool,
			logger:     r.logger,
			now:        r.now,
		}, file)
	}

	r.mu.Lock()
	delete(r.reserved, key)
	if err == nil && r.closed {
		err = ErrRegistryClosed
	}
	if err != nil {
		r.mu.Unlock()
		if file != nil {
			_ = file.Close()
		}
		_ = removeIfExists(tempPath)
		return Handle{}, transferError(op, key, err)
	}
	r.transfers[key] = receiver
	r.mu.Unlock()

	r.recordStarted(receiver)
	return Handle{ID: id, Key: key, FinalPath: finalPath}, nil
}

// SendChunk routes one chunk to the active transfer for key. A chunk that
// overruns the declared size or cannot be staged aborts that transfer and
// removes it from the registry.
func (r *Registry) SendChunk(key string, data []byte) error {
	const op = "send_chunk"

	receiver := r.lookup(key)
	if receiver == nil {
		r.logger.Warn().Str("key", key).Int("bytes", len(data)).Msg("chunk for unknown transfer")
		return transferError(op, key, ErrUnknownTransfer)
	}
	if err := receiver.Ingest(data); err != nil {
		if receiver.Status().Terminal() {
			r.retire(key, receiver)
		}
		return transferError(op, key, err)
	}
	return nil
}

// FinalizeUpload waits for the transfer to receive every declared byte,
// verifies it against checksum, and commits it. The key is removed whatever
// the outcome, so a failed transfer must be restarted from scratch.
func (r *Registry) FinalizeUpload(ctx context.Context, key, checksum string) error {
	const op = "finalize_upload"

	receiver := r.lookup(key)
	if receiver == nil {
		r.logger.Warn().Str("key", key).Msg("upload not found, can't finalize")
		return transferError(op, key, ErrUnknownTransfer)
	}
	if !receiver.claimFinalize() {
		return transferError(op, key, fmt.Errorf("%w: finalize already requested", ErrUnknownTransfer))
	}

	err := receiver.Finalize(ctx, checksum)
	if !receiver.Status().Terminal() {
		if cancelErr := receiver.Cancel(); cancelErr != nil {
			r.logger.Warn().Err(cancelErr).Str("key", key).Msg("cleanup after interrupted finalize")
		}
	}
	r.retire(key, receiver)
	return transferError(op, key, err)
}

// Cancel aborts one active transfer without committing it.
func (r *Registry) Cancel(key string) error {
	const op = "cancel"

	receiver := r.lookup(key)
	if receiver == nil {
		return transferError(op, key, ErrUnknownTransfer)
	}
	err := receiver.Cancel()
	r.retire(key, receiver)
	return transferError(op, key, err)
}

// Stop cancels every in-flight transfer, deleting its staging file, and
// refuses new ones. Cleanup errors are logged, never returned.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		transfers := r.transfers
		r.transfers = make(map[string]*Receiver)
		r.mu.Unlock()

		close(r.stopCh)
		r.wg.Wait()

		for key, receiver := range transfers {
			if err := receiver.Cancel(); err != nil {
				r.logger.Warn().Err(err).Str("key", key).Msg("cleanup on stop")
			}
			r.recordFinished(receiver)
		}
		r.logger.Info().Int("cancelled", len(transfers)).Msg("registry stopped")
	})
}

// Lookup returns a snapshot of the active transfer for key.
func (r *Registry) Lookup(key string) (Snapshot, bool) {
	receiver := r.lookup(key)
	if receiver == nil {
		return Snapshot{}, false
	}
	return receiver.Snapshot(), true
}

// Transfers returns snapshots of every active transfer ordered by key.
func (r *Registry) Transfers() []Snapshot {
	r.mu.Lock()
	receivers := make([]*Receiver, 0, len(r.transfers))
	for _, receiver := range r.transfers {
		receivers = append(receivers, receiver)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(receivers))
	for _, receiver := range receivers {
		out = append(out, receiver.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key < out[j].Key
	})
	return out
}

func (r *Registry) lookup(key string) *Receiver {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transfers[key]
}

// retire removes key only if it still maps to receiver, so a fresh admission
// of the same key is never evicted by a late cleanup.
func (r *Registry) retire(key string, receiver *Receiver) {
	r.mu.Lock()
	removed := false
	if current := r.transfers[key]; current == receiver {
		delete(r.transfers, key)
		removed = true
	}
	r.mu.Unlock()

	if removed {
		r.recordFinished(receiver)
	}
}

func (r *Registry) reapStalled(timeout, interval time.Duration) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
		}

		now := r.now()
		r.mu.Lock()
		candidates := make(map[string]*Receiver)
		for key, receiver := range r.transfers {
			candidates[key] = receiver
		}
		r.mu.Unlock()

		for key, receiver := range candidates {
			if !receiver.stalledSince(now, timeout) {
				continue
			}
			if receiver.abort(fmt.Errorf("%w: no data for %s", ErrStalled, timeout)) {
				r.logger.Warn().Str("key", key).Dur("timeout", timeout).Msg("abandoned stalled transfer")
				r.retire(key, receiver)
			}
		}
	}
}

func (r *Registry) recordStarted(receiver *Receiver) {
	if r.history == nil {
		return
	}
	if err := r.history.RecordStarted(receiver.Snapshot()); err != nil {
		r.logger.Warn().Err(err).Str("key", receiver.Key()).Msg("journal transfer start")
	}
}

func (r *Registry) recordFinished(receiver *Receiver) {
	if r.history == nil {
		return
	}
	if err := r.history.RecordFinished(receiver.Snapshot()); err != nil {
		r.logger.Warn().Err(err).Str("key", receiver.Key()).Msg("journal transfer outcome")
	}
}

func (r *Registry) resolveFinalPath(key, path string) (string, error) {
	candidate := strings.TrimSpace(path)
	switch {
	case candidate == "":
		candidate = filepath.Join(r.root, key)
	case !filepath.IsAbs(candidate):
		candidate = filepath.Join(r.root, candidate)
	default:
		candidate = filepath.Clean(candidate)
		// Absolute paths may name the root through the unresolved form it was
		// configured with (e.g. a symlinked temp directory).
		if rel, ok := localTo(r.rootAlias, candidate); ok {
			candidate = filepath.Join(r.root, rel)
		}
	}

	if _, ok := localTo(r.root, candidate); !ok {
		return "", fmt.Errorf("%w: %q", ErrPathOutsideRoot, path)
	}
	if err := confineToRoot(r.root, filepath.Dir(candidate)); err != nil {
		return "", err
	}
	return candidate, nil
}

func localTo(base, target string) (string, bool) {
	rel, err := filepath.Rel(base, target)
	if err != nil || rel == "." || !filepath.IsLocal(rel) {
		return "", false
	}
	return rel, true
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if strings.ContainsRune(key, 0) {
		return fmt.Errorf("%w: contains NUL", ErrInvalidKey)
	}
	return nil
}

func prepareDir(dir string, perm os.FileMode) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, perm); err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	return resolved, nil
}
