// core/filters.go
package core

// Filter registry (C9, §4.8): server-side log/block/pending-tx filter
// state for polling RPC consumers. Grounded on storage.go's
// mutex-guarded map pattern, plus a monotonically increasing filter ID
// counter, generalised to the three filter kinds and poll semantics
// this spec names.

import "sync"

// FilterKind distinguishes the three filter shapes (§4.8).
type FilterKind int

const (
	FilterKindLog FilterKind = iota
	FilterKindBlock
	FilterKindPendingTransaction
)

// maxPollRange caps a single poll's block range (§4.8: "A single call
// caps the block range to 1000").
const maxPollRange = 1000

// LogFilterCriteria is a log filter's match spec (§4.8).
type LogFilterCriteria struct {
	FromBlock *uint64
	ToBlock   *uint64
	Addresses []Address
	// Topics: position i, nil = wildcard, non-nil = any-of match against
	// log.Topics[i].
	Topics [][]Hash
}

// Filter is one registered filter's full state; Kind selects which
// fields are meaningful.
type Filter struct {
	ID            uint64
	Kind          FilterKind
	Criteria      LogFilterCriteria
	LastPollBlock uint64
}

// FilterRegistry implements C9.
type FilterRegistry struct {
	storage *Storage

	mu      sync.Mutex
	nextID  uint64
	filters map[uint64]*Filter
}

// NewFilterRegistry constructs an empty registry bound to storage for
// polling.
func NewFilterRegistry(storage *Storage) *FilterRegistry {
	return &FilterRegistry{
		storage: storage,
		filters: make(map[uint64]*Filter),
		nextID:  1,
	}
}

// NewLogFilter registers a log filter (§4.8) and returns its ID.
func (r *FilterRegistry) NewLogFilter(criteria LogFilterCriteria) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	last := r.storage.GetLatestHeight()
	if criteria.FromBlock != nil && *criteria.FromBlock > 0 {
		last = *criteria.FromBlock - 1
	}
	r.filters[id] = &Filter{ID: id, Kind: FilterKindLog, Criteria: criteria, LastPollBlock: last}
	return id
}

// NewBlockFilter registers a block filter, starting from the current tip.
func (r *FilterRegistry) NewBlockFilter() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.filters[id] = &Filter{ID: id, Kind: FilterKindBlock, LastPollBlock: r.storage.GetLatestHeight()}
	return id
}

// NewPendingTransactionFilter registers a stateless pending-tx filter
// (§4.8: "returns empty on each poll").
func (r *FilterRegistry) NewPendingTransactionFilter() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.filters[id] = &Filter{ID: id, Kind: FilterKindPendingTransaction}
	return id
}

// UninstallFilter removes a filter; returns false if it did not exist.
func (r *FilterRegistry) UninstallFilter(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.filters[id]; !ok {
		return false
	}
	delete(r.filters, id)
	return true
}

// GetFilter returns a copy of a filter's current state (§4.8: "get_filter
// (copy)").
func (r *FilterRegistry) GetFilter(id uint64) (Filter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.filters[id]
	if !ok {
		return Filter{}, false
	}
	return *f, true
}

// UpdateLastPollBlock advances a filter's bookmark, clamped to the
// current chain height.
func (r *FilterRegistry) UpdateLastPollBlock(id uint64, height uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.filters[id]
	if !ok {
		return false
	}
	tip := r.storage.GetLatestHeight()
	if height > tip {
		height = tip
	}
	f.LastPollBlock = height
	return true
}

// LogEntry pairs a matched log with the receipt it came from, for callers
// that need the originating tx/block.
type LogEntry struct {
	Log         Log
	TxHash      Hash
	BlockHash   Hash
	BlockNumber uint64
}

// PollLogs implements §4.8's log filter poll semantics: scan heights
// (last_poll_block+1 .. min(current_height, to_block)), capped to
// maxPollRange, matching each receipt's logs against the filter's
// criteria, and advance last_poll_block to the last height scanned.
func (r *FilterRegistry) PollLogs(id uint64) ([]LogEntry, error) {
	r.mu.Lock()
	f, ok := r.filters[id]
	if !ok || f.Kind != FilterKindLog {
		r.mu.Unlock()
		return nil, ErrFilterNotFound
	}
	criteria := f.Criteria
	start := f.LastPollBlock + 1
	r.mu.Unlock()

	tip := r.storage.GetLatestHeight()
	end := tip
	if criteria.ToBlock != nil && *criteria.ToBlock < end {
		end = *criteria.ToBlock
	}
	if start > end {
		return nil, nil
	}
	if end-start+1 > maxPollRange {
		end = start + maxPollRange - 1
	}

	var matches []LogEntry
	lastScanned := start - 1
	for h := start; h <= end; h++ {
		block, ok, err := r.storage.GetBlockByHeight(h)
		if err != nil {
			return nil, err
		}
		lastScanned = h
		if !ok {
			continue
		}
		for _, tx := range block.Transactions {
			receipt, ok, err := r.storage.GetReceipt(tx.Hash)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			for _, l := range receipt.Logs {
				if matchLog(criteria, l) {
					matches = append(matches, LogEntry{
						Log: l, TxHash: tx.Hash,
						BlockHash: block.Header.BlockHash, BlockNumber: h,
					})
				}
			}
		}
	}

	r.mu.Lock()
	if f2, ok := r.filters[id]; ok {
		f2.LastPollBlock = lastScanned
	}
	r.mu.Unlock()
	return matches, nil
}

// PollBlocks returns block hashes produced since a block filter's last
// poll, advancing its bookmark to the chain tip.
func (r *FilterRegistry) PollBlocks(id uint64) ([]Hash, error) {
	r.mu.Lock()
	f, ok := r.filters[id]
	if !ok || f.Kind != FilterKindBlock {
		r.mu.Unlock()
		return nil, ErrFilterNotFound
	}
	start := f.LastPollBlock + 1
	r.mu.Unlock()

	tip := r.storage.GetLatestHeight()
	if start > tip {
		return nil, nil
	}
	end := tip
	if end-start+1 > maxPollRange {
		end = start + maxPollRange - 1
	}

	var hashes []Hash
	for h := start; h <= end; h++ {
		block, ok, err := r.storage.GetBlockByHeight(h)
		if err != nil {
			return nil, err
		}
		if ok {
			hashes = append(hashes, block.Header.BlockHash)
		}
	}

	r.mu.Lock()
	if f2, ok := r.filters[id]; ok {
		f2.LastPollBlock = end
	}
	r.mu.Unlock()
	return hashes, nil
}

// PollPendingTransactions always returns empty (§4.8: stateless
// placeholder).
func (r *FilterRegistry) PollPendingTransactions(id uint64) ([]Hash, error) {
	r.mu.Lock()
	f, ok := r.filters[id]
	r.mu.Unlock()
	if !ok || f.Kind != FilterKindPendingTransaction {
		return nil, ErrFilterNotFound
	}
	return nil, nil
}

// matchLog implements the conjunction of address and per-position topic
// constraints described in §4.8.
func matchLog(c LogFilterCriteria, l Log) bool {
	if len(c.Addresses) > 0 {
		found := false
		for _, a := range c.Addresses {
			if a == l.Address {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for i, constraint := range c.Topics {
		if constraint == nil {
			continue // wildcard position
		}
		if i >= len(l.Topics) {
			return false
		}
		matched := false
		for _, want := range constraint {
			if want == l.Topics[i] {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}
