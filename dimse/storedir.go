package dimse

import (
	"fmt"
	"sync"
)

// The current-store-directory slot names the landing directory of the
// C-MOVE in flight. It is set once per move and released when the move's
// datasets have been collected; stores arriving while no move holds the
// slot land in the fallback directory.

var (
	storeDirMu sync.Mutex
	storeDir   string
)

// ClaimStoreDir sets the per-move landing directory. It fails when a
// move already holds the slot.
func ClaimStoreDir(dir string) error {
	storeDirMu.Lock()
	defer storeDirMu.Unlock()
	if storeDir != "" {
		return fmt.Errorf("store directory already claimed by %s", storeDir)
	}
	storeDir = dir
	return nil
}

// ReleaseStoreDir clears the slot.
func ReleaseStoreDir() {
	storeDirMu.Lock()
	defer storeDirMu.Unlock()
	storeDir = ""
}

// CurrentStoreDir returns the claimed directory, or the fallback when no
// move holds the slot.
func CurrentStoreDir() string {
	storeDirMu.Lock()
	defer storeDirMu.Unlock()
	if storeDir == "" {
		return FallbackStorageDir
	}
	return storeDir
}
