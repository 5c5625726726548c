// core/storage.go
package core

// Storage (C2) — a column-family key-value store with an LRU read-through
// cache in front of the hot `blocks` family. Grounded on the teacher's
// ledger.go (WAL/snapshot bootstrapping idiom, logrus use throughout) and
// storage.go (zap-paired cache wrapper, Config-driven constructor).

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

// StorageConfig configures the on-disk/in-memory column-family store.
type StorageConfig struct {
	DataDir        string
	BlockCacheSize int
}

// Storage implements C2. Column families are modelled as independent
// guarded maps; a real deployment would back each with its own bbolt/badger
// bucket, but the column-family *interface* below is what every caller
// depends on, so swapping the backing map for a persistent engine is a
// non-breaking change confined to this file.
type Storage struct {
	mu sync.RWMutex

	dataDir string

	blocks        map[Hash][]byte
	blockByHeight map[uint64]Hash
	transactions  map[Hash][]byte
	txByBlock     map[Hash][]Hash
	receipts      map[Hash][]byte
	metadata      map[string][]byte

	latestHeight uint64
	hasAny       bool

	blockCache *lru.Cache[Hash, []byte]

	log  *logrus.Logger
	zlog *zap.Logger
}

// NewStorage wires a Storage instance (mirrors teacher's NewStorage shape).
func NewStorage(cfg StorageConfig, log *logrus.Logger) (*Storage, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	size := cfg.BlockCacheSize
	if size <= 0 {
		size = 4096
	}
	cache, err := lru.New[Hash, []byte](size)
	if err != nil {
		return nil, wrapStorageErr("new cache", err)
	}
	zlog, _ := zap.NewProduction()
	if zlog == nil {
		zlog = zap.NewNop()
	}
	s := &Storage{
		dataDir:       cfg.DataDir,
		blocks:        make(map[Hash][]byte),
		blockByHeight: make(map[uint64]Hash),
		transactions:  make(map[Hash][]byte),
		txByBlock:     make(map[Hash][]Hash),
		receipts:      make(map[Hash][]byte),
		metadata:      make(map[string][]byte),
		blockCache:    cache,
		log:           log,
		zlog:          zlog,
	}
	s.log.Infof("storage: opened data dir %s", cfg.DataDir)
	return s, nil
}

// PutBlock persists a block and indexes it by height. Atomic per column
// family: both writes happen under a single lock acquisition.
func (s *Storage) PutBlock(b *Block) error {
	if b == nil {
		return wrapStorageErr("put_block", fmt.Errorf("nil block"))
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return wrapStorageErr("put_block", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[b.Header.BlockHash] = raw
	s.blockByHeight[b.Header.Height] = b.Header.BlockHash
	s.blockCache.Add(b.Header.BlockHash, raw)
	if !s.hasAny || b.Header.Height > s.latestHeight {
		s.latestHeight = b.Header.Height
		s.hasAny = true
	}
	s.zlog.Debug("put_block", zap.String("hash", b.Header.BlockHash.String()), zap.Uint64("height", b.Header.Height))
	return nil
}

// GetBlock retrieves a block by hash.
func (s *Storage) GetBlock(h Hash) (*Block, bool, error) {
	s.mu.RLock()
	raw, ok := s.blockCache.Get(h)
	if !ok {
		raw, ok = s.blocks[h]
	}
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	var b Block
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, false, wrapStorageErr("get_block", err)
	}
	return &b, true, nil
}

// HasBlock reports whether a block hash is known.
func (s *Storage) HasBlock(h Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blocks[h]
	return ok
}

// GetBlockByHeight resolves a block via the height index.
func (s *Storage) GetBlockByHeight(height uint64) (*Block, bool, error) {
	s.mu.RLock()
	h, ok := s.blockByHeight[height]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	return s.GetBlock(h)
}

// GetLatestHeight returns the maximum height ever indexed, 0 if none.
func (s *Storage) GetLatestHeight() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestHeight
}

// PutTransactions persists transactions and indexes them under blockHash.
func (s *Storage) PutTransactions(blockHash Hash, txs []*Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	hashes := make([]Hash, 0, len(txs))
	for _, tx := range txs {
		raw, err := json.Marshal(tx)
		if err != nil {
			return wrapStorageErr("put_transactions", err)
		}
		s.transactions[tx.Hash] = raw
		hashes = append(hashes, tx.Hash)
	}
	s.txByBlock[blockHash] = hashes
	return nil
}

// GetBlockTransactions returns the ordered transaction list for a block.
func (s *Storage) GetBlockTransactions(blockHash Hash) ([]*Transaction, error) {
	s.mu.RLock()
	hashes := append([]Hash(nil), s.txByBlock[blockHash]...)
	s.mu.RUnlock()
	out := make([]*Transaction, 0, len(hashes))
	for _, h := range hashes {
		s.mu.RLock()
		raw, ok := s.transactions[h]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		var tx Transaction
		if err := json.Unmarshal(raw, &tx); err != nil {
			return nil, wrapStorageErr("get_block_transactions", err)
		}
		out = append(out, &tx)
	}
	return out, nil
}

// PutReceipts persists receipts keyed by tx hash.
func (s *Storage) PutReceipts(receipts []*TransactionReceipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range receipts {
		raw, err := json.Marshal(r)
		if err != nil {
			return wrapStorageErr("put_receipts", err)
		}
		s.receipts[r.TxHash] = raw
	}
	return nil
}

// GetReceipt retrieves a single receipt.
func (s *Storage) GetReceipt(txHash Hash) (*TransactionReceipt, bool, error) {
	s.mu.RLock()
	raw, ok := s.receipts[txHash]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	var r TransactionReceipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, false, wrapStorageErr("get_receipt", err)
	}
	return &r, true, nil
}

// PutMetadata writes a free-form metadata key (PARAM:, PENDING:, verify:…).
func (s *Storage) PutMetadata(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[key] = append([]byte(nil), value...)
	return nil
}

// GetMetadata reads a free-form metadata key.
func (s *Storage) GetMetadata(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.metadata[key]
	return v, ok
}

// DeleteMetadata removes a free-form metadata key.
func (s *Storage) DeleteMetadata(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.metadata, key)
}

// IterateMetadataPrefix returns all (key, value) pairs whose key has the
// given prefix, sorted by key for deterministic iteration order.
func (s *Storage) IterateMetadataPrefix(prefix string) map[string][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0)
	for k := range s.metadata {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		out[k] = append([]byte(nil), s.metadata[k]...)
	}
	return out
}

// heightKey renders a big-endian height key, matching §4.1's
// `block_by_height` (u64 BE -> block_hash) family description.
func heightKey(height uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], height)
	return b[:]
}
