package core

import "testing"

func testPubKey(b byte) PublicKey {
	var pk PublicKey
	pk[0] = b
	return pk
}

func newTestTx(nonce uint64, from, to PublicKey, hasTo bool, value, gasLimit, gasPrice uint64, data []byte) *Transaction {
	tx := &Transaction{
		Nonce:    nonce,
		From:     from,
		GasLimit: gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	}
	if hasTo {
		tx.To = &to
	}
	tx.SetValue(0, value)
	tx.ComputeHash()
	return tx
}

func TestExecuteTransactionTransfer(t *testing.T) {
	state := NewStateDB()
	ex := NewExecutor(state)

	from := testPubKey(1)
	to := testPubKey(2)
	sender := AddressFromPublicKey(from)
	recipient := AddressFromPublicKey(to)
	state.SetBalance(sender, 1_000_000)

	tx := newTestTx(0, from, to, true, 1000, 21000, 1, nil)
	ectx := &ExecutionContext{BlockNumber: 1, ChainID: 1}

	receipt, err := ex.ExecuteTransaction(Hash{}, 1, tx, ectx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !receipt.Status {
		t.Fatalf("expected success receipt")
	}
	if got := state.GetBalance(recipient); got != 1000 {
		t.Fatalf("recipient balance = %d, want 1000", got)
	}
	if got := state.GetNonce(sender); got != 1 {
		t.Fatalf("sender nonce = %d, want 1", got)
	}
}

func TestExecuteTransactionInsufficientBalance(t *testing.T) {
	state := NewStateDB()
	ex := NewExecutor(state)

	from := testPubKey(3)
	to := testPubKey(4)
	sender := AddressFromPublicKey(from)
	state.SetBalance(sender, 100)

	tx := newTestTx(0, from, to, true, 1000, 21000, 1, nil)
	ectx := &ExecutionContext{BlockNumber: 1, ChainID: 1}

	_, err := ex.ExecuteTransaction(Hash{}, 1, tx, ectx)
	if err == nil {
		t.Fatalf("expected insufficient balance error")
	}
	if got := state.GetNonce(sender); got != 0 {
		t.Fatalf("nonce must not advance on rejected tx, got %d", got)
	}
}

func TestExecuteTransactionBadNonce(t *testing.T) {
	state := NewStateDB()
	ex := NewExecutor(state)

	from := testPubKey(5)
	to := testPubKey(6)
	sender := AddressFromPublicKey(from)
	state.SetBalance(sender, 1_000_000)

	tx := newTestTx(5, from, to, true, 0, 21000, 1, nil)
	ectx := &ExecutionContext{BlockNumber: 1, ChainID: 1}

	receipt, err := ex.ExecuteTransaction(Hash{}, 1, tx, ectx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt.Status {
		t.Fatalf("expected failed receipt for bad nonce")
	}
}

func TestDeriveContractAddressDeterministic(t *testing.T) {
	sender := AddressFromPublicKey(testPubKey(7))
	a1 := DeriveContractAddress(sender, 0)
	a2 := DeriveContractAddress(sender, 0)
	a3 := DeriveContractAddress(sender, 1)
	if a1 != a2 {
		t.Fatalf("derivation must be deterministic")
	}
	if a1 == a3 {
		t.Fatalf("different nonces must derive different addresses")
	}
}

func TestDeriveCreate2AddressDeterministic(t *testing.T) {
	sender := AddressFromPublicKey(testPubKey(8))
	salt := [32]byte{1, 2, 3}
	initCode := []byte{0x60, 0x00}
	a1 := DeriveCreate2Address(sender, salt, initCode)
	a2 := DeriveCreate2Address(sender, salt, initCode)
	if a1 != a2 {
		t.Fatalf("create2 derivation must be deterministic")
	}
	salt2 := [32]byte{9, 9, 9}
	a3 := DeriveCreate2Address(sender, salt2, initCode)
	if a1 == a3 {
		t.Fatalf("different salts must derive different addresses")
	}
}

func TestExecuteTransactionDeploy(t *testing.T) {
	state := NewStateDB()
	ex := NewExecutor(state)

	from := testPubKey(9)
	sender := AddressFromPublicKey(from)
	state.SetBalance(sender, 1_000_000)

	code := []byte{byte(STOP)}
	tx := newTestTx(0, from, PublicKey{}, false, 0, 100000, 1, code)
	ectx := &ExecutionContext{BlockNumber: 1, ChainID: 1}

	receipt, err := ex.ExecuteTransaction(Hash{}, 1, tx, ectx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !receipt.Status {
		t.Fatalf("expected successful deploy")
	}
	if receipt.To == nil {
		t.Fatalf("deploy receipt must carry the new contract address")
	}
	wantAddr := DeriveContractAddress(sender, 0)
	if *receipt.To != wantAddr {
		t.Fatalf("deployed address = %x, want %x", *receipt.To, wantAddr)
	}
	if got := state.GetCode(state.GetCodeHash(wantAddr)); len(got) != len(code) {
		t.Fatalf("deployed code not stored")
	}
}
