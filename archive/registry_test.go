package archive

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T, options Options) *Registry {
	t.Helper()

	if options.Root == "" {
		options.Root = filepath.Join(t.TempDir(), "archive")
	}
	if options.ScratchDir == "" {
		options.ScratchDir = filepath.Join(t.TempDir(), "staging")
	}
	registry, err := NewRegistry(options)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	t.Cleanup(registry.Stop)
	return registry
}

func mustDigest(t *testing.T, data string) string {
	t.Helper()

	sum, err := HexDigest(HashSHA512, []byte(data))
	if err != nil {
		t.Fatalf("HexDigest failed: %v", err)
	}
	return sum
}

func stagingEntries(t *testing.T, dir string) []string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read scratch dir: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names
}

func assertNotExist(t *testing.T, path string) {
	t.Helper()

	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected %q to not exist, stat err=%v", path, err)
	}
}

func waitFinalizing(t *testing.T, receiver *Receiver) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if receiver.Snapshot().Finalizing {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("finalize was never claimed")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestFinalizeCommitsConcatenatedChunks(t *testing.T) {
	registry := newTestRegistry(t, Options{})
	finalPath := filepath.Join(registry.Root(), "k1")

	handle, err := registry.StartUpload(context.Background(), "k1", finalPath, 10, "task-1")
	if err != nil {
		t.Fatalf("StartUpload failed: %v", err)
	}
	if handle.Key != "k1" || handle.ID == "" || handle.FinalPath != finalPath {
		t.Fatalf("unexpected handle: %+v", handle)
	}

	if err := registry.SendChunk("k1", []byte("hello")); err != nil {
		t.Fatalf("SendChunk hello failed: %v", err)
	}
	if err := registry.SendChunk("k1", []byte("world")); err != nil {
		t.Fatalf("SendChunk world failed: %v", err)
	}
	if err := registry.FinalizeUpload(context.Background(), "k1", mustDigest(t, "helloworld")); err != nil {
		t.Fatalf("FinalizeUpload failed: %v", err)
	}

	got, err := os.ReadFile(finalPath)
	if err != nil {
		t.Fatalf("read committed file: %v", err)
	}
	if string(got) != "helloworld" {
		t.Fatalf("unexpected committed content %q", got)
	}
	if _, ok := registry.Lookup("k1"); ok {
		t.Fatalf("expected k1 to be removed after finalize")
	}
	if leftover := stagingEntries(t, registry.ScratchDir()); len(leftover) != 0 {
		t.Fatalf("expected no staging files, got %v", leftover)
	}
}

func TestFinalizeChecksumMismatchReportsIntegrityFailure(t *testing.T) {
	registry := newTestRegistry(t, Options{})
	finalPath := filepath.Join(registry.Root(), "k1")

	if _, err := registry.StartUpload(context.Background(), "k1", finalPath, 10, ""); err != nil {
		t.Fatalf("StartUpload failed: %v", err)
	}
	for _, chunk := range []string{"hello", "world"} {
		if err := registry.SendChunk("k1", []byte(chunk)); err != nil {
			t.Fatalf("SendChunk failed: %v", err)
		}
	}

	err := registry.FinalizeUpload(context.Background(), "k1", mustDigest(t, "WRONG"))
	if !errors.Is(err, ErrIntegrityFailure) {
		t.Fatalf("expected ErrIntegrityFailure, got %v", err)
	}
	var transferErr *TransferError
	if !errors.As(err, &transferErr) || transferErr.Key != "k1" {
		t.Fatalf("expected TransferError for k1, got %#v", err)
	}
	if _, ok := registry.Lookup("k1"); ok {
		t.Fatalf("expected k1 to be removed after failed finalize")
	}
	assertNotExist(t, finalPath)
	if leftover := stagingEntries(t, registry.ScratchDir()); len(leftover) != 0 {
		t.Fatalf("expected staging file removed, got %v", leftover)
	}
}

func TestStartUploadRejectsActiveKey(t *testing.T) {
	registry := newTestRegistry(t, Options{})

	first, err := registry.StartUpload(context.Background(), "k2", "", 100, "")
	if err != nil {
		t.Fatalf("first StartUpload failed: %v", err)
	}
	if err := registry.SendChunk("k2", []byte("abc")); err != nil {
		t.Fatalf("SendChunk failed: %v", err)
	}

	_, err = registry.StartUpload(context.Background(), "k2", "", 100, "")
	if !errors.Is(err, ErrAlreadyUploading) {
		t.Fatalf("expected ErrAlreadyUploading, got %v", err)
	}

	snapshot, ok := registry.Lookup("k2")
	if !ok {
		t.Fatalf("expected k2 to remain active")
	}
	if snapshot.ID != first.ID || snapshot.ReceivedBytes != 3 || snapshot.Status != StatusReceiving {
		t.Fatalf("existing transfer was disturbed: %+v", snapshot)
	}
	if n := len(stagingEntries(t, registry.ScratchDir())); n != 1 {
		t.Fatalf("expected exactly one staging file, got %d", n)
	}
}

func TestConcurrentStartUploadAdmitsExactlyOne(t *testing.T) {
	registry := newTestRegistry(t, Options{})

	const racers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := registry.StartUpload(context.Background(), "race", "", 1, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrAlreadyUploading):
				conflicts++
			default:
				t.Errorf("unexpected StartUpload error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes != 1 || conflicts != racers-1 {
		t.Fatalf("expected 1 success and %d conflicts, got %d and %d", racers-1, successes, conflicts)
	}
}

func TestStopRemovesStagingFilesWithoutCommitting(t *testing.T) {
	root := filepath.Join(t.TempDir(), "archive")
	scratch := filepath.Join(t.TempDir(), "staging")
	registry, err := NewRegistry(Options{Root: root, ScratchDir: scratch})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	receivingPath := filepath.Join(registry.Root(), "k3")
	if _, err := registry.StartUpload(context.Background(), "k3", receivingPath, 5, ""); err != nil {
		t.Fatalf("StartUpload k3 failed: %v", err)
	}
	if err := registry.SendChunk("k3", []byte("hi")); err != nil {
		t.Fatalf("SendChunk k3 failed: %v", err)
	}

	completedPath := filepath.Join(registry.Root(), "k4")
	if _, err := registry.StartUpload(context.Background(), "k4", completedPath, 2, ""); err != nil {
		t.Fatalf("StartUpload k4 failed: %v", err)
	}
	if err := registry.SendChunk("k4", []byte("ok")); err != nil {
		t.Fatalf("SendChunk k4 failed: %v", err)
	}
	if snapshot, _ := registry.Lookup("k4"); snapshot.Status != StatusCompleted {
		t.Fatalf("expected k4 completed before stop, got %s", snapshot.Status)
	}

	registry.Stop()
	registry.Stop()

	assertNotExist(t, receivingPath)
	assertNotExist(t, completedPath)
	if leftover := stagingEntries(t, registry.ScratchDir()); len(leftover) != 0 {
		t.Fatalf("expected no staging files after stop, got %v", leftover)
	}
	if transfers := registry.Transfers(); len(transfers) != 0 {
		t.Fatalf("expected empty registry after stop, got %+v", transfers)
	}
	if _, err := registry.StartUpload(context.Background(), "k5", "", 1, ""); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("expected ErrRegistryClosed after stop, got %v", err)
	}
}

func TestStartUploadAfterFinalizeIsFreshTransfer(t *testing.T) {
	registry := newTestRegistry(t, Options{})

	first, err := registry.StartUpload(context.Background(), "again", "", 3, "")
	if err != nil {
		t.Fatalf("first StartUpload failed: %v", err)
	}
	if err := registry.SendChunk("again", []byte("abc")); err != nil {
		t.Fatalf("SendChunk failed: %v", err)
	}
	if err := registry.FinalizeUpload(context.Background(), "again", mustDigest(t, "nope")); !errors.Is(err, ErrIntegrityFailure) {
		t.Fatalf("expected ErrIntegrityFailure, got %v", err)
	}

	second, err := registry.StartUpload(context.Background(), "again", "", 3, "")
	if err != nil {
		t.Fatalf("second StartUpload failed: %v", err)
	}
	if second.ID == first.ID {
		t.Fatalf("expected a new transfer id, got %q twice", first.ID)
	}
	if err := registry.SendChunk("again", []byte("xyz")); err != nil {
		t.Fatalf("SendChunk on fresh transfer failed: %v", err)
	}
	if err := registry.FinalizeUpload(context.Background(), "again", mustDigest(t, "xyz")); err != nil {
		t.Fatalf("FinalizeUpload on fresh transfer failed: %v", err)
	}
	got, err := os.ReadFile(second.FinalPath)
	if err != nil {
		t.Fatalf("read committed file: %v", err)
	}
	if string(got) != "xyz" {
		t.Fatalf("unexpected committed content %q", got)
	}
}

func TestUnknownTransferIsReported(t *testing.T) {
	registry := newTestRegistry(t, Options{})

	if err := registry.SendChunk("missing", []byte("x")); !errors.Is(err, ErrUnknownTransfer) {
		t.Fatalf("expected ErrUnknownTransfer from SendChunk, got %v", err)
	}
	if err := registry.FinalizeUpload(context.Background(), "missing", "abc"); !errors.Is(err, ErrUnknownTransfer) {
		t.Fatalf("expected ErrUnknownTransfer from FinalizeUpload, got %v", err)
	}
}

func TestSendChunkOverrunAbortsTransfer(t *testing.T) {
	registry := newTestRegistry(t, Options{})
	handle, err := registry.StartUpload(context.Background(), "over", "", 4, "")
	if err != nil {
		t.Fatalf("StartUpload failed: %v", err)
	}

	if err := registry.SendChunk("over", []byte("abc")); err != nil {
		t.Fatalf("SendChunk failed: %v", err)
	}
	if err := registry.SendChunk("over", []byte("de")); !errors.Is(err, ErrSizeOverrun) {
		t.Fatalf("expected ErrSizeOverrun, got %v", err)
	}
	if _, ok := registry.Lookup("over"); ok {
		t.Fatalf("expected overrun transfer to be removed")
	}
	if leftover := stagingEntries(t, registry.ScratchDir()); len(leftover) != 0 {
		t.Fatalf("expected staging file removed, got %v", leftover)
	}
	assertNotExist(t, handle.FinalPath)
	if err := registry.SendChunk("over", []byte("d")); !errors.Is(err, ErrUnknownTransfer) {
		t.Fatalf("expected ErrUnknownTransfer after abort, got %v", err)
	}
}

func TestSendChunkAfterCompletionIsOverrun(t *testing.T) {
	registry := newTestRegistry(t, Options{})
	if _, err := registry.StartUpload(context.Background(), "full", "", 2, ""); err != nil {
		t.Fatalf("StartUpload failed: %v", err)
	}
	if err := registry.SendChunk("full", []byte("ab")); err != nil {
		t.Fatalf("SendChunk failed: %v", err)
	}
	if err := registry.SendChunk("full", []byte("c")); !errors.Is(err, ErrSizeOverrun) {
		t.Fatalf("expected ErrSizeOverrun, got %v", err)
	}
	if _, ok := registry.Lookup("full"); ok {
		t.Fatalf("expected transfer to be removed")
	}
}

func TestFinalizeWaitsForCompletion(t *testing.T) {
	registry := newTestRegistry(t, Options{})
	handle, err := registry.StartUpload(context.Background(), "wait", "", 6, "")
	if err != nil {
		t.Fatalf("StartUpload failed: %v", err)
	}

	checksum := mustDigest(t, "abcdef")
	result := make(chan error, 1)
	go func() {
		result <- registry.FinalizeUpload(context.Background(), "wait", checksum)
	}()

	if err := registry.SendChunk("wait", []byte("abc")); err != nil {
		t.Fatalf("SendChunk failed: %v", err)
	}
	select {
	case err := <-result:
		t.Fatalf("finalize returned before completion: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if err := registry.SendChunk("wait", []byte("def")); err != nil {
		t.Fatalf("SendChunk failed: %v", err)
	}
	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("FinalizeUpload failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for finalize")
	}

	got, err := os.ReadFile(handle.FinalPath)
	if err != nil {
		t.Fatalf("read committed file: %v", err)
	}
	if string(got) != "abcdef" {
		t.Fatalf("unexpected committed content %q", got)
	}
}

func TestFinalizeContextCancelDiscardsTransfer(t *testing.T) {
	registry := newTestRegistry(t, Options{})
	handle, err := registry.StartUpload(context.Background(), "slow", "", 10, "")
	if err != nil {
		t.Fatalf("StartUpload failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := registry.FinalizeUpload(ctx, "slow", "abc"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
	if _, ok := registry.Lookup("slow"); ok {
		t.Fatalf("expected transfer removed after interrupted finalize")
	}
	if leftover := stagingEntries(t, registry.ScratchDir()); len(leftover) != 0 {
		t.Fatalf("expected staging file removed, got %v", leftover)
	}
	assertNotExist(t, handle.FinalPath)
}

func TestStopWakesPendingFinalize(t *testing.T) {
	registry := newTestRegistry(t, Options{})
	if _, err := registry.StartUpload(context.Background(), "pending", "", 10, ""); err != nil {
		t.Fatalf("StartUpload failed: %v", err)
	}

	result := make(chan error, 1)
	go func() {
		result <- registry.FinalizeUpload(context.Background(), "pending", "abc")
	}()
	waitFinalizing(t, registry.lookup("pending"))
	registry.Stop()

	select {
	case err := <-result:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("finalize did not return after stop")
	}
}

func TestFinalizeRejectsSecondConcurrentCaller(t *testing.T) {
	registry := newTestRegistry(t, Options{})
	if _, err := registry.StartUpload(context.Background(), "dup", "", 1, ""); err != nil {
		t.Fatalf("StartUpload failed: %v", err)
	}

	checksum := mustDigest(t, "x")
	result := make(chan error, 1)
	go func() {
		result <- registry.FinalizeUpload(context.Background(), "dup", checksum)
	}()
	waitFinalizing(t, registry.lookup("dup"))

	if err := registry.FinalizeUpload(context.Background(), "dup", checksum); !errors.Is(err, ErrUnknownTransfer) {
		t.Fatalf("expected second finalize to be rejected, got %v", err)
	}
	if err := registry.SendChunk("dup", []byte("x")); err != nil {
		t.Fatalf("SendChunk failed: %v", err)
	}
	if err := <-result; err != nil {
		t.Fatalf("first FinalizeUpload failed: %v", err)
	}
}

func TestStartUploadResolvesPathsUnderRoot(t *testing.T) {
	registry := newTestRegistry(t, Options{})

	handle, err := registry.StartUpload(context.Background(), "nested", "sessions/1/stream.bin", 0, "")
	if err != nil {
		t.Fatalf("StartUpload relative path failed: %v", err)
	}
	want := filepath.Join(registry.Root(), "sessions", "1", "stream.bin")
	if handle.FinalPath != want {
		t.Fatalf("expected final path %q, got %q", want, handle.FinalPath)
	}
	if err := registry.FinalizeUpload(context.Background(), "nested", mustDigest(t, "")); err != nil {
		t.Fatalf("FinalizeUpload of empty transfer failed: %v", err)
	}
	info, err := os.Stat(want)
	if err != nil {
		t.Fatalf("stat committed empty file: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("expected empty committed file, got %d bytes", info.Size())
	}

	cases := []struct {
		name string
		key  string
		path string
	}{
		{name: "escaping key", key: "../evil", path: ""},
		{name: "escaping relative path", key: "k", path: "../../etc/passwd"},
		{name: "absolute outside root", key: "k", path: filepath.Join(t.TempDir(), "elsewhere")},
		{name: "root itself", key: "k", path: registry.Root()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := registry.StartUpload(context.Background(), tc.key, tc.path, 1, ""); !errors.Is(err, ErrPathOutsideRoot) {
				t.Fatalf("expected ErrPathOutsideRoot, got %v", err)
			}
		})
	}
}

func TestStartUploadValidatesInput(t *testing.T) {
	registry := newTestRegistry(t, Options{})

	if _, err := registry.StartUpload(context.Background(), " ", "", 1, ""); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if _, err := registry.StartUpload(context.Background(), "neg", "", -1, ""); !errors.Is(err, ErrInvalidSize) {
		t.Fatalf("expected ErrInvalidSize, got %v", err)
	}
}

func TestCommittedBytesMatchRandomChunking(t *testing.T) {
	registry := newTestRegistry(t, Options{HashMethod: HashBLAKE3})
	rng := rand.New(rand.NewSource(7))

	payload := make([]byte, 256*1024+17)
	rng.Read(payload)
	want, err := HexDigest(HashBLAKE3, payload)
	if err != nil {
		t.Fatalf("HexDigest failed: %v", err)
	}

	handle, err := registry.StartUpload(context.Background(), "random", "", int64(len(payload)), "")
	if err != nil {
		t.Fatalf("StartUpload failed: %v", err)
	}
	for offset := 0; offset < len(payload); {
		size := 1 + rng.Intn(8192)
		if offset+size > len(payload) {
			size = len(payload) - offset
		}
		if err := registry.SendChunk("random", payload[offset:offset+size]); err != nil {
			t.Fatalf("SendChunk at %d failed: %v", offset, err)
		}
		offset += size
	}
	if err := registry.FinalizeUpload(context.Background(), "random", want); err != nil {
		t.Fatalf("FinalizeUpload failed: %v", err)
	}

	got, err := os.ReadFile(handle.FinalPath)
	if err != nil {
		t.Fatalf("read committed file: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("committed bytes differ from sent bytes")
	}
}

func TestStallTimeoutAbandonsIdleTransfer(t *testing.T) {
	registry := newTestRegistry(t, Options{
		StallTimeout:       30 * time.Millisecond,
		StallCheckInterval: 5 * time.Millisecond,
	})
	if _, err := registry.StartUpload(context.Background(), "idle", "", 10, ""); err != nil {
		t.Fatalf("StartUpload failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := registry.Lookup("idle"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("stalled transfer was not abandoned")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if leftover := stagingEntries(t, registry.ScratchDir()); len(leftover) != 0 {
		t.Fatalf("expected staging file removed, got %v", leftover)
	}
}

type recordingHistory struct {
	mu       sync.Mutex
	started  []Snapshot
	finished []Snapshot
}

func (h *recordingHistory) RecordStarted(s Snapshot) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = append(h.started, s)
	return nil
}

func (h *recordingHistory) RecordFinished(s Snapshot) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished = append(h.finished, s)
	return errors.New("journal unavailable")
}

func TestHistoryRecordsLifecycleAndIgnoresErrors(t *testing.T) {
	history := &recordingHistory{}
	registry := newTestRegistry(t, Options{History: history})

	if _, err := registry.StartUpload(context.Background(), "ok", "", 2, "parent-task"); err != nil {
		t.Fatalf("StartUpload ok failed: %v", err)
	}
	if _, err := registry.StartUpload(context.Background(), "bad", "", 2, ""); err != nil {
		t.Fatalf("StartUpload bad failed: %v", err)
	}
	if err := registry.SendChunk("ok", []byte("ok")); err != nil {
		t.Fatalf("SendChunk failed: %v", err)
	}
	if err := registry.FinalizeUpload(context.Background(), "ok", mustDigest(t, "ok")); err != nil {
		t.Fatalf("FinalizeUpload should not fail on journal errors: %v", err)
	}
	registry.Stop()

	history.mu.Lock()
	defer history.mu.Unlock()
	if len(history.started) != 2 {
		t.Fatalf("expected 2 started records, got %d", len(history.started))
	}
	if len(history.finished) != 2 {
		t.Fatalf("expected 2 finished records, got %d", len(history.finished))
	}
	statuses := map[string]Status{}
	for _, s := range history.finished {
		statuses[s.Key] = s.Status
	}
	if statuses["ok"] != StatusCommitted || statuses["bad"] != StatusCancelled {
		t.Fatalf("unexpected finished statuses: %+v", statuses)
	}
	for _, s := range history.started {
		if s.Key == "ok" && s.Parent != "parent-task" {
			t.Fatalf("expected parent to be journaled, got %q", s.Parent)
		}
	}
}

func TestCancelDiscardsActiveTransfer(t *testing.T) {
	registry := newTestRegistry(t, Options{})
	handle, err := registry.StartUpload(context.Background(), "drop", "", 4, "")
	if err != nil {
		t.Fatalf("StartUpload failed: %v", err)
	}
	if err := registry.SendChunk("drop", []byte("ab")); err != nil {
		t.Fatalf("SendChunk failed: %v", err)
	}

	if err := registry.Cancel("drop"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if _, ok := registry.Lookup("drop"); ok {
		t.Fatalf("expected cancelled transfer to be removed")
	}
	if leftover := stagingEntries(t, registry.ScratchDir()); len(leftover) != 0 {
		t.Fatalf("expected staging file removed, got %v", leftover)
	}
	assertNotExist(t, handle.FinalPath)
	if err := registry.Cancel("drop"); !errors.Is(err, ErrUnknownTransfer) {
		t.Fatalf("expected ErrUnknownTransfer, got %v", err)
	}
}

func TestTransfersListsActiveByKey(t *testing.T) {
	registry := newTestRegistry(t, Options{})
	for _, key := range []string{"b", "a", "c"} {
		if _, err := registry.StartUpload(context.Background(), key, "", 1, "owner"); err != nil {
			t.Fatalf("StartUpload %s failed: %v", key, err)
		}
	}

	transfers := registry.Transfers()
	if len(transfers) != 3 {
		t.Fatalf("expected 3 transfers, got %d", len(transfers))
	}
	for i, want := range []string{"a", "b", "c"} {
		if transfers[i].Key != want || transfers[i].Parent != "owner" || transfers[i].Status != StatusReceiving {
			t.Fatalf("unexpected transfer at %d: %+v", i, transfers[i])
		}
	}
}

func TestSymlinkCannotRedirectOutsideRoot(t *testing.T) {
	registry := newTestRegistry(t, Options{})
	ctx := context.Background()
	outside := t.TempDir()

	if err := os.Symlink(outside, filepath.Join(registry.Root(), "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if _, err := registry.StartUpload(ctx, "k", "link/escaped", 2, ""); !errors.Is(err, ErrPathOutsideRoot) {
		t.Fatalf("expected ErrPathOutsideRoot at admission, got %v", err)
	}
	if _, ok := registry.Lookup("k"); ok {
		t.Fatalf("rejected transfer must not be registered")
	}

	// A link planted after admission is caught at commit.
	if _, err := registry.StartUpload(ctx, "late", "later/escaped", 2, ""); err != nil {
		t.Fatalf("StartUpload failed: %v", err)
	}
	if err := os.Symlink(outside, filepath.Join(registry.Root(), "later")); err != nil {
		t.Fatalf("plant symlink: %v", err)
	}
	if err := registry.SendChunk("late", []byte("hi")); err != nil {
		t.Fatalf("SendChunk failed: %v", err)
	}
	if err := registry.FinalizeUpload(ctx, "late", mustDigest(t, "hi")); !errors.Is(err, ErrPathOutsideRoot) {
		t.Fatalf("expected ErrPathOutsideRoot at commit, got %v", err)
	}
	assertNotExist(t, filepath.Join(outside, "escaped"))
	if _, ok := registry.Lookup("late"); ok {
		t.Fatalf("expected failed transfer to be removed")
	}
	if leftover := stagingEntries(t, registry.ScratchDir()); len(leftover) != 0 {
		t.Fatalf("expected staging file removed, got %v", leftover)
	}
}

func TestSymlinkInsideRootIsAllowed(t *testing.T) {
	registry := newTestRegistry(t, Options{})
	ctx := context.Background()

	target := filepath.Join(registry.Root(), "real")
	if err := os.MkdirAll(target, 0o755); err != nil {
		t.Fatalf("create dir: %v", err)
	}
	if err := os.Symlink(target, filepath.Join(registry.Root(), "alias")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if _, err := registry.StartUpload(ctx, "k", "alias/out.bin", 2, ""); err != nil {
		t.Fatalf("StartUpload failed: %v", err)
	}
	if err := registry.SendChunk("k", []byte("ok")); err != nil {
		t.Fatalf("SendChunk failed: %v", err)
	}
	if err := registry.FinalizeUpload(ctx, "k", mustDigest(t, "ok")); err != nil {
		t.Fatalf("FinalizeUpload failed: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(target, "out.bin"))
	if err != nil {
		t.Fatalf("read committed file: %v", err)
	}
	if string(got) != "ok" {
		t.Fatalf("unexpected committed content %q", got)
	}
}

func TestStagingFailureIsIsolatedToOneTransfer(t *testing.T) {
	registry := newTestRegistry(t, Options{})
	ctx := context.Background()

	// A regular file where the destination directory should be.
	if err := os.WriteFile(filepath.Join(registry.Root(), "blocker"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	if _, err := registry.StartUpload(ctx, "bad", "blocker/out", 2, ""); err != nil {
		t.Fatalf("StartUpload bad failed: %v", err)
	}
	good, err := registry.StartUpload(ctx, "good", "", 4, "")
	if err != nil {
		t.Fatalf("StartUpload good failed: %v", err)
	}
	if err := registry.SendChunk("bad", []byte("hi")); err != nil {
		t.Fatalf("SendChunk bad failed: %v", err)
	}
	if err := registry.SendChunk("good", []byte("go")); err != nil {
		t.Fatalf("SendChunk good failed: %v", err)
	}

	badChecksum := mustDigest(t, "hi")
	goodChecksum := mustDigest(t, "good")
	var wg sync.WaitGroup
	var badErr, goodErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		badErr = registry.FinalizeUpload(ctx, "bad", badChecksum)
	}()
	go func() {
		defer wg.Done()
		goodErr = registry.FinalizeUpload(ctx, "good", goodChecksum)
	}()
	if err := registry.SendChunk("good", []byte("od")); err != nil {
		t.Fatalf("SendChunk good failed: %v", err)
	}
	wg.Wait()

	if !errors.Is(badErr, ErrStagingIO) {
		t.Fatalf("expected ErrStagingIO, got %v", badErr)
	}
	if goodErr != nil {
		t.Fatalf("sibling FinalizeUpload failed: %v", goodErr)
	}
	for _, key := range []string{"bad", "good"} {
		if _, ok := registry.Lookup(key); ok {
			t.Fatalf("expected %q to be removed", key)
		}
	}
	if leftover := stagingEntries(t, registry.ScratchDir()); len(leftover) != 0 {
		t.Fatalf("expected no staging files, got %v", leftover)
	}
	got, err := os.ReadFile(good.FinalPath)
	if err != nil {
		t.Fatalf("read sibling file: %v", err)
	}
	if string(got) != "good" {
		t.Fatalf("unexpected sibling content %q", got)
	}
}
