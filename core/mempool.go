// core/mempool.go
package core

// Mempool (C4) — multi-class transaction admission, replacement by fee,
// and FIFO+priority retrieval (§4.3). Grounded on the teacher's
// txpool_addtx.go/txpool_snapshot.go/txpool_stub.go (lock + lookup-map
// shape, nil-guard style) and transaction_fee_distribution_management.go
// (fee-ordering helper, reused here for priority sort).

import (
	"sort"
	"sync"
	"time"
)

// MempoolClass — mempool-level prioritisation class (§4.3: "classification
// affects prioritisation but not acceptance"). Named distinctly from
// TxClass (dispatch classification, §4.5.1) since the two axes are
// independent per spec.
type MempoolClass uint8

const (
	MempoolClassStandard MempoolClass = iota
	MempoolClassPriority
)

// MempoolConfig configures admission and retrieval policy (§4.3).
type MempoolConfig struct {
	MinGasPrice           uint64
	MaxPerSender          int
	AllowReplacement      bool
	ChainID               uint64
	MaxSize               int
	ReplacementFactor     uint64 // percent, e.g. 125
	RequireValidSignature bool
	TxExpirySecs          int64
}

type pooledTx struct {
	tx       *Transaction
	class    MempoolClass
	arrived  time.Time
}

type senderNonceKey struct {
	sender Address
	nonce  uint64
}

// Mempool implements C4. Serialises internally behind a single mutex,
// matching the teacher's txpool lock-per-call convention.
type Mempool struct {
	mu     sync.Mutex
	cfg    MempoolConfig
	lookup map[Hash]*pooledTx
	bySend map[senderNonceKey]Hash
	perSender map[Address]int
	totalBytes int
}

// NewMempool constructs an empty mempool with the given policy.
func NewMempool(cfg MempoolConfig) *Mempool {
	return &Mempool{
		cfg:       cfg,
		lookup:    make(map[Hash]*pooledTx),
		bySend:    make(map[senderNonceKey]Hash),
		perSender: make(map[Address]int),
	}
}

// Submit runs the §4.3 admission pipeline in order; the first failure is
// returned. class is the mempool-level priority bucket chosen by the
// caller (e.g. RPC shell policy) — classification never affects
// acceptance, only retrieval order.
func (mp *Mempool) Submit(tx *Transaction, class MempoolClass, chainID uint64) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	// 1. gas price floor.
	if tx.GasPrice < mp.cfg.MinGasPrice {
		return ErrGasPriceTooLow
	}
	// 2. chain id.
	if chainID != mp.cfg.ChainID {
		return ErrChainIDMismatch
	}
	// 3. signature.
	if mp.cfg.RequireValidSignature && !tx.VerifySignature() {
		return ErrInvalidSignature
	}
	// 4. expiry is lazily checked on retrieval, not on admission.

	sender := tx.FromAddress()
	key := senderNonceKey{sender: sender, nonce: tx.Nonce}
	existingHash, replacing := mp.bySend[key]

	// 5. per-sender cap, unless replacing same (sender, nonce).
	if !replacing && mp.perSender[sender] >= mp.cfg.MaxPerSender {
		return ErrSenderCapExceeded
	}

	// 6. replacement rule.
	if replacing {
		if !mp.cfg.AllowReplacement {
			return ErrDuplicate
		}
		old := mp.lookup[existingHash]
		threshold := old.tx.GasPrice * mp.cfg.ReplacementFactor / 100
		if tx.GasPrice < threshold {
			return ErrReplacementUnderpriced
		}
		mp.removeLocked(existingHash)
	}

	// 7. global size bound; evict lowest-gas-price pending tx if full.
	if len(mp.lookup) >= mp.cfg.MaxSize {
		mp.evictLowestGasPriceLocked()
	}

	pt := &pooledTx{tx: tx, class: class, arrived: time.Now()}
	tx.arrivalUnixNano = pt.arrived.UnixNano()
	mp.lookup[tx.Hash] = pt
	mp.bySend[key] = tx.Hash
	mp.perSender[sender]++
	mp.totalBytes += len(tx.CanonicalBytes())
	return nil
}

// removeLocked removes a tx by hash. Caller holds mp.mu.
func (mp *Mempool) removeLocked(h Hash) {
	pt, ok := mp.lookup[h]
	if !ok {
		return
	}
	delete(mp.lookup, h)
	delete(mp.bySend, senderNonceKey{sender: pt.tx.FromAddress(), nonce: pt.tx.Nonce})
	mp.perSender[pt.tx.FromAddress()]--
	mp.totalBytes -= len(pt.tx.CanonicalBytes())
}

// evictLowestGasPriceLocked drops the pending tx with the lowest gas
// price to make room for an incoming admission (§4.3 rule 7).
func (mp *Mempool) evictLowestGasPriceLocked() {
	var worstHash Hash
	var worstPrice uint64
	first := true
	for h, pt := range mp.lookup {
		if first || pt.tx.GasPrice < worstPrice {
			worstHash = h
			worstPrice = pt.tx.GasPrice
			first = false
		}
	}
	if !first {
		mp.removeLocked(worstHash)
	}
}

// isExpired checks arrival-time + tx_expiry_secs > now (§4.3 rule 4).
func (mp *Mempool) isExpired(pt *pooledTx, now time.Time) bool {
	if mp.cfg.TxExpirySecs <= 0 {
		return false
	}
	return !pt.arrived.Add(time.Duration(mp.cfg.TxExpirySecs) * time.Second).After(now)
}

// GetTransactions returns up to limit transactions ordered by
// (class priority desc, gas_price desc, arrival time asc) (§4.3).
// Expired entries are dropped lazily as part of this scan.
func (mp *Mempool) GetTransactions(limit int) []*Transaction {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if limit <= 0 {
		return nil
	}
	now := time.Now()
	live := make([]*pooledTx, 0, len(mp.lookup))
	for h, pt := range mp.lookup {
		if mp.isExpired(pt, now) {
			mp.removeLocked(h)
			continue
		}
		live = append(live, pt)
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].class != live[j].class {
			return live[i].class > live[j].class
		}
		if live[i].tx.GasPrice != live[j].tx.GasPrice {
			return live[i].tx.GasPrice > live[j].tx.GasPrice
		}
		return live[i].arrived.Before(live[j].arrived)
	})
	if len(live) > limit {
		live = live[:limit]
	}
	out := make([]*Transaction, len(live))
	for i, pt := range live {
		out[i] = pt.tx
	}
	return out
}

// Stats returns (total_transactions, total_size_bytes) (§4.3).
func (mp *Mempool) Stats() (int, int) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return len(mp.lookup), mp.totalBytes
}

// GetTransaction returns a copy of a pooled tx.
func (mp *Mempool) GetTransaction(h Hash) (*Transaction, bool) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	pt, ok := mp.lookup[h]
	if !ok {
		return nil, false
	}
	cp := *pt.tx
	return &cp, true
}

// RemoveTransaction removes a tx by hash (used by the producer after
// inclusion, §4.6 step 9).
func (mp *Mempool) RemoveTransaction(h Hash) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.removeLocked(h)
}

// Contains reports whether h is currently pooled.
func (mp *Mempool) Contains(h Hash) bool {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	_, ok := mp.lookup[h]
	return ok
}
