package api

import (
	"sync"

	"code.cryptopower.dev/group/brokerage"
)

// Process-wide client handle. The backend SDK is expensive to set up, so one
// client is shared and only rebuilt when the environment changes; it is never
// re-created per call.
var (
	instanceMu sync.Mutex
	instance   *Client
)

// Instance returns the shared client for cfg's environment, creating it on
// first use. Calling again with the same environment returns the existing
// handle; a different environment replaces it.
func Instance(cfg brokerage.Config) *Client {
	instanceMu.Lock()
	defer instanceMu.Unlock()

	if instance != nil && instance.network == cfg.Network {
		return instance
	}

	if instance != nil {
		log.Infof("Rebuilding provider client for %s", cfg.Network)
	}
	instance = NewClient(cfg)
	return instance
}

// ResetInstance drops the shared client. Tests use this to force a rebuild.
func ResetInstance() {
	instanceMu.Lock()
	instance = nil
	instanceMu.Unlock()
}
