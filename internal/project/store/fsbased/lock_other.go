//go:build !unix

package fsbased

import "sync"

// Without flock, locks are per path within this process only; a deployment
// on such a platform must run a single writer process per root directory.
var pathLocks sync.Map

func lockFile(path string, exclusive bool) (func() error, error) {
	v, _ := pathLocks.LoadOrStore(path, &sync.RWMutex{})
	mu := v.(*sync.RWMutex)
	if exclusive {
		mu.Lock()
		return func() error { mu.Unlock(); return nil }, nil
	}
	mu.RLock()
	return func() error { mu.RUnlock(); return nil }, nil
}
