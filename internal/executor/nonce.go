package executor

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/snipebot/snipebot/internal/connection"
	"github.com/snipebot/snipebot/internal/evm"
)

// NonceManager hands out nonces for one wallet. It syncs from the node's
// pending nonce on first use and after Reset, then counts locally. Nonces
// rolled back below the counter are handed out again, lowest first, so a
// failed send between two in-flight ones does not leave a gap.
type NonceManager struct {
	conns   connection.Doer
	chainID uint64
	account common.Address

	mu       sync.Mutex
	next     uint64
	synced   bool
	released []uint64 // sorted ascending, all < next
}

func NewNonceManager(conns connection.Doer, chainID uint64, account common.Address) *NonceManager {
	return &NonceManager{conns: conns, chainID: chainID, account: account}
}

// Next reserves the next nonce.
func (n *NonceManager) Next(ctx context.Context) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.synced {
		var pending uint64
		_, err := n.conns.Do(ctx, n.chainID, func(ctx context.Context, c evm.Client) error {
			var err error
			pending, err = c.PendingNonceAt(ctx, n.account)
			return err
		})
		if err != nil {
			return 0, err
		}
		n.next = pending
		n.synced = true
		log.Debug().Str("account", n.account.Hex()).Uint64("nonce", pending).Msg("executor: nonce synced")
	}
	if len(n.released) > 0 {
		nonce := n.released[0]
		n.released = n.released[1:]
		return nonce, nil
	}
	nonce := n.next
	n.next++
	return nonce, nil
}

// Rollback returns nonce, whose transaction never reached the node, to the
// pool.
func (n *NonceManager) Rollback(nonce uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.synced || nonce >= n.next {
		return
	}
	i := sort.Search(len(n.released), func(i int) bool { return n.released[i] >= nonce })
	if i < len(n.released) && n.released[i] == nonce {
		return
	}
	n.released = append(n.released, 0)
	copy(n.released[i+1:], n.released[i:])
	n.released[i] = nonce

	// give the tail back to the counter
	for len(n.released) > 0 && n.released[len(n.released)-1] == n.next-1 {
		n.released = n.released[:len(n.released)-1]
		n.next--
	}
}

// Reset forces a resync from the node on the next call.
func (n *NonceManager) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.synced = false
	n.released = nil
}

// Peek returns the next nonce without reserving it; ok=false before sync.
func (n *NonceManager) Peek() (uint64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.next, n.synced
}

func isNonceTooLow(err error) bool {
	if err == nil {
		return false
	}
	m := strings.ToLower(err.Error())
	return strings.Contains(m, "nonce too low") || strings.Contains(m, "nonce has already been used")
}

func isAlreadyKnown(err error) bool {
	if err == nil {
		return false
	}
	m := strings.ToLower(err.Error())
	return strings.Contains(m, "already known") || strings.Contains(m, "known transaction")
}
