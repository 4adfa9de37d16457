package dimse

import (
	"fmt"
	"sync"
)

// The process-wide SCP registry prevents two listeners from being
// started for the same endpoint. Registration is test-and-set under a
// single mutex.

var (
	startedMu  sync.Mutex
	startedSCP = make(map[string]bool)
)

// SCPKey builds the registry key for one SCP endpoint.
func SCPKey(localAET, bind string, port int, endpoint string) string {
	return fmt.Sprintf("%s@%s:%d#%s", localAET, bind, port, endpoint)
}

// RegisterSCP records a started SCP. It returns true exactly once per
// distinct key until UnregisterSCP is called for it.
func RegisterSCP(key string) bool {
	startedMu.Lock()
	defer startedMu.Unlock()
	if startedSCP[key] {
		return false
	}
	startedSCP[key] = true
	return true
}

// UnregisterSCP releases a registration.
func UnregisterSCP(key string) {
	startedMu.Lock()
	defer startedMu.Unlock()
	delete(startedSCP, key)
}

// SCPRegistered reports whether a key is currently registered.
func SCPRegistered(key string) bool {
	startedMu.Lock()
	defer startedMu.Unlock()
	return startedSCP[key]
}
