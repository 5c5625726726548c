package core

import "testing"

func newTestStorageForFilters(t *testing.T) *Storage {
	t.Helper()
	s, err := NewStorage(StorageConfig{DataDir: t.TempDir(), BlockCacheSize: 16}, nil)
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	return s
}

func putTestBlockWithLog(t *testing.T, s *Storage, height uint64, addr Address, topic Hash) Hash {
	t.Helper()
	hash := KeccakHash([]byte{byte(height)})
	tx := &Transaction{Nonce: height}
	tx.ComputeHash()
	header := BlockHeader{Height: height, BlockHash: hash}
	block := &Block{Header: header, Transactions: []*Transaction{tx}}
	if err := s.PutBlock(block); err != nil {
		t.Fatalf("put_block: %v", err)
	}
	receipt := &TransactionReceipt{
		TxHash: tx.Hash, BlockHash: hash, BlockNumber: height, Status: true,
		Logs: []Log{{Address: addr, Topics: []Hash{topic}}},
	}
	if err := s.PutReceipts([]*TransactionReceipt{receipt}); err != nil {
		t.Fatalf("put_receipts: %v", err)
	}
	return hash
}

func TestFilterRegistryLogFilterMatchesAddressAndTopic(t *testing.T) {
	s := newTestStorageForFilters(t)
	addr := Address{0x01}
	other := Address{0x02}
	topic := KeccakHash([]byte("Transfer"))

	putTestBlockWithLog(t, s, 1, addr, topic)
	putTestBlockWithLog(t, s, 2, other, topic)
	putTestBlockWithLog(t, s, 3, addr, KeccakHash([]byte("Other")))

	reg := NewFilterRegistry(s)
	fromBlock := uint64(1)
	id := reg.NewLogFilter(LogFilterCriteria{
		FromBlock: &fromBlock,
		Addresses: []Address{addr},
		Topics:    [][]Hash{{topic}},
	})

	matches, err := reg.PollLogs(id)
	if err != nil {
		t.Fatalf("poll logs: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected exactly 1 match, got %d", len(matches))
	}
	if matches[0].BlockNumber != 1 {
		t.Fatalf("expected match at height 1, got %d", matches[0].BlockNumber)
	}

	// A second poll with nothing new must return no matches.
	matches2, err := reg.PollLogs(id)
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if len(matches2) != 0 {
		t.Fatalf("expected no new matches on second poll, got %d", len(matches2))
	}
}

func TestFilterRegistryBlockFilter(t *testing.T) {
	s := newTestStorageForFilters(t)
	putTestBlockWithLog(t, s, 1, Address{0x01}, Hash{})
	putTestBlockWithLog(t, s, 2, Address{0x01}, Hash{})

	reg := NewFilterRegistry(s)
	// Registering before any blocks exist would start at height 0; here we
	// register after height 2 is already present, so the first poll must
	// be empty until a new block lands.
	id := reg.NewBlockFilter()
	hashes, err := reg.PollBlocks(id)
	if err != nil {
		t.Fatalf("poll blocks: %v", err)
	}
	if len(hashes) != 0 {
		t.Fatalf("expected no new blocks since filter started at the tip, got %d", len(hashes))
	}

	putTestBlockWithLog(t, s, 3, Address{0x01}, Hash{})
	hashes, err = reg.PollBlocks(id)
	if err != nil {
		t.Fatalf("poll blocks after new block: %v", err)
	}
	if len(hashes) != 1 {
		t.Fatalf("expected exactly 1 new block, got %d", len(hashes))
	}
}

func TestFilterRegistryPendingTransactionFilterAlwaysEmpty(t *testing.T) {
	s := newTestStorageForFilters(t)
	reg := NewFilterRegistry(s)
	id := reg.NewPendingTransactionFilter()
	hashes, err := reg.PollPendingTransactions(id)
	if err != nil {
		t.Fatalf("poll pending: %v", err)
	}
	if len(hashes) != 0 {
		t.Fatalf("pending-tx filter must always return empty, got %d", len(hashes))
	}
}

func TestFilterRegistryUninstall(t *testing.T) {
	s := newTestStorageForFilters(t)
	reg := NewFilterRegistry(s)
	id := reg.NewBlockFilter()
	if !reg.UninstallFilter(id) {
		t.Fatalf("expected uninstall to succeed")
	}
	if reg.UninstallFilter(id) {
		t.Fatalf("expected second uninstall of the same id to fail")
	}
	if _, ok := reg.GetFilter(id); ok {
		t.Fatalf("uninstalled filter must not be retrievable")
	}
}

func TestMatchLogWildcardTopicPosition(t *testing.T) {
	addr := Address{0x03}
	l := Log{Address: addr, Topics: []Hash{{0x01}, {0x02}}}
	criteria := LogFilterCriteria{
		Addresses: []Address{addr},
		Topics:    [][]Hash{nil, {{0x02}}},
	}
	if !matchLog(criteria, l) {
		t.Fatalf("expected match with wildcard first position and any-of second position")
	}
	criteria.Topics[1] = []Hash{{0x99}}
	if matchLog(criteria, l) {
		t.Fatalf("expected no match when second topic constraint excludes the actual topic")
	}
}
