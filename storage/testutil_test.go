package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustInsertTransfer(t *testing.T, store *Store, transferID, key string, startedAt int64) {
	t.Helper()

	err := store.InsertTransfer(Transfer{
		TransferID:   transferID,
		Key:          key,
		FinalPath:    "/archive/" + key,
		HashMethod:   "sha512",
		DeclaredSize: 10,
		StartedAt:    startedAt,
	})
	if err != nil {
		t.Fatalf("insert transfer %q: %v", transferID, err)
	}
}
