package core

import "testing"

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := NewStorage(StorageConfig{DataDir: t.TempDir(), BlockCacheSize: 16}, nil)
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	return s
}

func TestStoragePutGetBlockRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	hash := KeccakHash([]byte("block-1"))
	block := &Block{Header: BlockHeader{Height: 5, BlockHash: hash}}

	if err := s.PutBlock(block); err != nil {
		t.Fatalf("put_block: %v", err)
	}
	got, ok, err := s.GetBlock(hash)
	if err != nil || !ok {
		t.Fatalf("expected block retrievable: ok=%v err=%v", ok, err)
	}
	if got.Header.Height != 5 {
		t.Fatalf("height = %d, want 5", got.Header.Height)
	}
	if !s.HasBlock(hash) {
		t.Fatalf("expected has_block true")
	}
	if s.GetLatestHeight() != 5 {
		t.Fatalf("latest height = %d, want 5", s.GetLatestHeight())
	}
}

func TestStorageGetBlockByHeight(t *testing.T) {
	s := newTestStorage(t)
	hash := KeccakHash([]byte("block-by-height"))
	block := &Block{Header: BlockHeader{Height: 3, BlockHash: hash}}
	if err := s.PutBlock(block); err != nil {
		t.Fatalf("put_block: %v", err)
	}
	got, ok, err := s.GetBlockByHeight(3)
	if err != nil || !ok {
		t.Fatalf("expected block at height 3: ok=%v err=%v", ok, err)
	}
	if got.Header.BlockHash != hash {
		t.Fatalf("hash mismatch")
	}
	if _, ok, _ := s.GetBlockByHeight(99); ok {
		t.Fatalf("expected no block at unindexed height")
	}
}

func TestStorageLatestHeightOnlyAdvancesForward(t *testing.T) {
	s := newTestStorage(t)
	high := &Block{Header: BlockHeader{Height: 10, BlockHash: KeccakHash([]byte("h"))}}
	low := &Block{Header: BlockHeader{Height: 2, BlockHash: KeccakHash([]byte("l"))}}
	if err := s.PutBlock(high); err != nil {
		t.Fatalf("put high: %v", err)
	}
	if err := s.PutBlock(low); err != nil {
		t.Fatalf("put low: %v", err)
	}
	if s.GetLatestHeight() != 10 {
		t.Fatalf("latest height must not regress, got %d", s.GetLatestHeight())
	}
}

func TestStorageTransactionsAndReceipts(t *testing.T) {
	s := newTestStorage(t)
	blockHash := KeccakHash([]byte("b"))
	tx := &Transaction{Nonce: 1}
	tx.ComputeHash()

	if err := s.PutTransactions(blockHash, []*Transaction{tx}); err != nil {
		t.Fatalf("put_transactions: %v", err)
	}
	txs, err := s.GetBlockTransactions(blockHash)
	if err != nil {
		t.Fatalf("get_block_transactions: %v", err)
	}
	if len(txs) != 1 || txs[0].Hash != tx.Hash {
		t.Fatalf("expected tx round trip, got %+v", txs)
	}

	receipt := &TransactionReceipt{TxHash: tx.Hash, Status: true}
	if err := s.PutReceipts([]*TransactionReceipt{receipt}); err != nil {
		t.Fatalf("put_receipts: %v", err)
	}
	got, ok, err := s.GetReceipt(tx.Hash)
	if err != nil || !ok {
		t.Fatalf("expected receipt: ok=%v err=%v", ok, err)
	}
	if !got.Status {
		t.Fatalf("expected status true")
	}
}

func TestStorageMetadataPrefixIteration(t *testing.T) {
	s := newTestStorage(t)
	if err := s.PutMetadata("PARAM:a", []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.PutMetadata("PARAM:b", []byte("2")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.PutMetadata("OTHER:c", []byte("3")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got := s.IterateMetadataPrefix("PARAM:")
	if len(got) != 2 {
		t.Fatalf("expected 2 matching keys, got %d", len(got))
	}
	s.DeleteMetadata("PARAM:a")
	if _, ok := s.GetMetadata("PARAM:a"); ok {
		t.Fatalf("expected key deleted")
	}
}
