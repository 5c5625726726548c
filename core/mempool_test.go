package core

import "testing"

func TestMempoolSubmitRejectsLowGasPrice(t *testing.T) {
	mp := NewMempool(MempoolConfig{MinGasPrice: 10, MaxPerSender: 5, MaxSize: 10, ReplacementFactor: 125})
	from := testPubKey(0x30)
	tx := newTestTx(0, from, testPubKey(0x31), true, 0, 21000, 5, nil)
	if err := mp.Submit(tx, MempoolClassStandard, 0); err != ErrGasPriceTooLow {
		t.Fatalf("expected ErrGasPriceTooLow, got %v", err)
	}
}

func TestMempoolSubmitRejectsChainIDMismatch(t *testing.T) {
	mp := NewMempool(MempoolConfig{ChainID: 7, MaxPerSender: 5, MaxSize: 10, ReplacementFactor: 125})
	from := testPubKey(0x32)
	tx := newTestTx(0, from, testPubKey(0x33), true, 0, 21000, 1, nil)
	if err := mp.Submit(tx, MempoolClassStandard, 1); err != ErrChainIDMismatch {
		t.Fatalf("expected ErrChainIDMismatch, got %v", err)
	}
}

func TestMempoolSubmitEnforcesPerSenderCap(t *testing.T) {
	mp := NewMempool(MempoolConfig{MaxPerSender: 1, MaxSize: 10, ReplacementFactor: 125})
	from := testPubKey(0x34)
	to := testPubKey(0x35)

	tx1 := newTestTx(0, from, to, true, 0, 21000, 1, nil)
	if err := mp.Submit(tx1, MempoolClassStandard, 0); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	tx2 := newTestTx(1, from, to, true, 0, 21000, 1, nil)
	if err := mp.Submit(tx2, MempoolClassStandard, 0); err != ErrSenderCapExceeded {
		t.Fatalf("expected ErrSenderCapExceeded, got %v", err)
	}
}

func TestMempoolSubmitReplacementRequiresHigherFee(t *testing.T) {
	mp := NewMempool(MempoolConfig{MaxPerSender: 5, MaxSize: 10, AllowReplacement: true, ReplacementFactor: 125})
	from := testPubKey(0x36)
	to := testPubKey(0x37)

	original := newTestTx(0, from, to, true, 0, 21000, 100, nil)
	if err := mp.Submit(original, MempoolClassStandard, 0); err != nil {
		t.Fatalf("submit original: %v", err)
	}

	underpriced := newTestTx(0, from, to, true, 0, 21000, 110, nil)
	if err := mp.Submit(underpriced, MempoolClassStandard, 0); err != ErrReplacementUnderpriced {
		t.Fatalf("expected ErrReplacementUnderpriced, got %v", err)
	}

	replacement := newTestTx(0, from, to, true, 0, 21000, 130, nil)
	if err := mp.Submit(replacement, MempoolClassStandard, 0); err != nil {
		t.Fatalf("submit replacement: %v", err)
	}
	if mp.Contains(original.Hash) {
		t.Fatalf("original transaction must be evicted by replacement")
	}
	if !mp.Contains(replacement.Hash) {
		t.Fatalf("replacement transaction must be pooled")
	}
}

func TestMempoolSubmitRejectsDuplicateWithoutReplacement(t *testing.T) {
	mp := NewMempool(MempoolConfig{MaxPerSender: 5, MaxSize: 10, AllowReplacement: false, ReplacementFactor: 125})
	from := testPubKey(0x38)
	to := testPubKey(0x39)

	tx1 := newTestTx(0, from, to, true, 0, 21000, 100, nil)
	if err := mp.Submit(tx1, MempoolClassStandard, 0); err != nil {
		t.Fatalf("submit: %v", err)
	}
	tx2 := newTestTx(0, from, to, true, 0, 21000, 200, nil)
	if err := mp.Submit(tx2, MempoolClassStandard, 0); err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestMempoolGetTransactionsOrdersByClassThenGasPriceThenArrival(t *testing.T) {
	mp := NewMempool(MempoolConfig{MaxPerSender: 10, MaxSize: 10, ReplacementFactor: 125})
	to := testPubKey(0x40)

	low := newTestTx(0, testPubKey(0x41), to, true, 0, 21000, 5, nil)
	high := newTestTx(0, testPubKey(0x42), to, true, 0, 21000, 50, nil)
	priority := newTestTx(0, testPubKey(0x43), to, true, 0, 21000, 1, nil)

	if err := mp.Submit(low, MempoolClassStandard, 0); err != nil {
		t.Fatalf("submit low: %v", err)
	}
	if err := mp.Submit(high, MempoolClassStandard, 0); err != nil {
		t.Fatalf("submit high: %v", err)
	}
	if err := mp.Submit(priority, MempoolClassPriority, 0); err != nil {
		t.Fatalf("submit priority: %v", err)
	}

	ordered := mp.GetTransactions(10)
	if len(ordered) != 3 {
		t.Fatalf("expected 3 transactions, got %d", len(ordered))
	}
	if ordered[0].Hash != priority.Hash {
		t.Fatalf("expected priority-class tx first regardless of gas price")
	}
	if ordered[1].Hash != high.Hash || ordered[2].Hash != low.Hash {
		t.Fatalf("expected standard-class txs ordered by descending gas price")
	}
}

func TestMempoolEvictsLowestGasPriceWhenFull(t *testing.T) {
	mp := NewMempool(MempoolConfig{MaxPerSender: 10, MaxSize: 2, ReplacementFactor: 125})
	to := testPubKey(0x50)

	cheap := newTestTx(0, testPubKey(0x51), to, true, 0, 21000, 1, nil)
	mid := newTestTx(0, testPubKey(0x52), to, true, 0, 21000, 10, nil)
	rich := newTestTx(0, testPubKey(0x53), to, true, 0, 21000, 100, nil)

	if err := mp.Submit(cheap, MempoolClassStandard, 0); err != nil {
		t.Fatalf("submit cheap: %v", err)
	}
	if err := mp.Submit(mid, MempoolClassStandard, 0); err != nil {
		t.Fatalf("submit mid: %v", err)
	}
	if err := mp.Submit(rich, MempoolClassStandard, 0); err != nil {
		t.Fatalf("submit rich: %v", err)
	}

	count, _ := mp.Stats()
	if count != 2 {
		t.Fatalf("expected pool capped at 2, got %d", count)
	}
	if mp.Contains(cheap.Hash) {
		t.Fatalf("expected lowest gas-price tx to be evicted")
	}
}

func TestMempoolRemoveTransaction(t *testing.T) {
	mp := NewMempool(MempoolConfig{MaxPerSender: 5, MaxSize: 10, ReplacementFactor: 125})
	tx := newTestTx(0, testPubKey(0x60), testPubKey(0x61), true, 0, 21000, 1, nil)
	if err := mp.Submit(tx, MempoolClassStandard, 0); err != nil {
		t.Fatalf("submit: %v", err)
	}
	mp.RemoveTransaction(tx.Hash)
	if mp.Contains(tx.Hash) {
		t.Fatalf("expected transaction removed")
	}
	if _, ok := mp.GetTransaction(tx.Hash); ok {
		t.Fatalf("expected lookup to miss after removal")
	}
}
