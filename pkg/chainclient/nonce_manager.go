package chainclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/dca-executor/pkg/logger"
)

// nonceSyncInterval bounds how long a locally tracked nonce is trusted
const nonceSyncInterval = 5 * time.Minute

// NonceSource reports the next nonce the chain expects from an account
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager hands out nonces for the executor account. It resyncs with the
// chain periodically and after failures so a dropped transaction does not
// leave a gap.
type NonceManager struct {
	mu       sync.Mutex
	current  uint64
	pending  map[uint64]common.Hash
	lastSync time.Time
	logger   logger.Logger
}

// NewNonceManager creates a new nonce manager
func NewNonceManager(log logger.Logger) *NonceManager {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &NonceManager{
		pending: make(map[uint64]common.Hash),
		logger:  log,
	}
}

// GetNonce reserves and returns the next available nonce
func (nm *NonceManager) GetNonce(ctx context.Context, src NonceSource, address common.Address) (uint64, error) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	if nm.lastSync.IsZero() || time.Since(nm.lastSync) > nonceSyncInterval {
		if err := nm.syncLocked(ctx, src, address); err != nil {
			return 0, err
		}
	}

	nonce := nm.current
	nm.current++
	return nonce, nil
}

// TrackTransaction records a sent transaction under its nonce
func (nm *NonceManager) TrackTransaction(txHash common.Hash, nonce uint64) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	nm.pending[nonce] = txHash
	nm.logger.Debug("Tracking transaction with nonce %d: %s", nonce, txHash.Hex())
}

// MarkConfirmed forgets a mined transaction
func (nm *NonceManager) MarkConfirmed(nonce uint64) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	delete(nm.pending, nonce)
}

// Release gives back a nonce whose transaction never reached the chain. The
// nonce is reused when nothing above it is in flight, otherwise the next
// GetNonce resyncs with the chain.
func (nm *NonceManager) Release(nonce uint64) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	delete(nm.pending, nonce)
	if nonce+1 == nm.current {
		nm.current = nonce
		nm.logger.Debug("Reusing nonce %d", nonce)
		return
	}
	nm.lastSync = time.Time{}
}

// Invalidate forces a resync on the next GetNonce
func (nm *NonceManager) Invalidate() {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nm.lastSync = time.Time{}
}

// Pending returns the number of transactions sent but not yet confirmed
func (nm *NonceManager) Pending() int {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	return len(nm.pending)
}

func (nm *NonceManager) syncLocked(ctx context.Context, src NonceSource, address common.Address) error {
	nonce, err := src.PendingNonceAt(ctx, address)
	if err != nil {
		return fmt.Errorf("failed to get pending nonce: %w", err)
	}

	// a chain nonce below ours means our pending transactions were dropped
	if nonce != nm.current {
		nm.logger.Info("Updating nonce: %d -> %d", nm.current, nonce)
		nm.current = nonce
		for n := range nm.pending {
			if n < nonce {
				delete(nm.pending, n)
			}
		}
	}
	nm.lastSync = time.Now()
	return nil
}
