package core

import (
	"crypto/rand"
	"testing"

	"golang.org/x/crypto/ed25519"
)

func generateTestEd25519Key() (ed25519.PrivateKey, PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, PublicKey{}, err
	}
	var pk PublicKey
	copy(pk[:], pub)
	return priv, pk, nil
}

func TestAddressFromPublicKeyDeterministic(t *testing.T) {
	pk := testPubKey(0x01)
	a1 := AddressFromPublicKey(pk)
	a2 := AddressFromPublicKey(pk)
	if a1 != a2 {
		t.Fatalf("address derivation must be deterministic")
	}
	if a1.IsZero() {
		t.Fatalf("derived address should not be zero")
	}
}

func TestAddressFromFieldDetectsAlreadyAddress(t *testing.T) {
	var field [32]byte
	addr := Address{0xaa, 0xbb, 0xcc}
	copy(field[:20], addr[:])
	got := AddressFromField(field)
	if got != addr {
		t.Fatalf("expected pass-through address, got %x want %x", got, addr)
	}
}

func TestAddressFromFieldHashesPublicKeyShapedField(t *testing.T) {
	var field [32]byte
	field[30] = 0x01 // non-zero tail forces the public-key interpretation
	got := AddressFromField(field)
	want := AddressFromPublicKey(PublicKey(field))
	if got != want {
		t.Fatalf("expected public-key derivation path")
	}
}

func TestTransactionCanonicalBytesRoundTripsHash(t *testing.T) {
	from := testPubKey(0x10)
	to := testPubKey(0x11)
	tx := newTestTx(3, from, to, true, 42, 21000, 7, []byte("hello"))
	want := KeccakHash(tx.CanonicalBytes())
	if tx.Hash != want {
		t.Fatalf("hash mismatch after ComputeHash")
	}
}

func TestTransactionCanonicalBytesDeployHasZeroToMarker(t *testing.T) {
	from := testPubKey(0x12)
	tx := newTestTx(0, from, PublicKey{}, false, 0, 100000, 1, []byte{0x60})
	buf := tx.CanonicalBytes()
	toMarkerOffset := 8 + 32
	if buf[toMarkerOffset] != 0x00 {
		t.Fatalf("expected deploy marker byte 0x00, got %x", buf[toMarkerOffset])
	}
}

func TestTransactionSignAndVerify(t *testing.T) {
	priv, pub, err := generateTestEd25519Key()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	to := testPubKey(0x20)
	tx := &Transaction{Nonce: 1, GasLimit: 21000, GasPrice: 1}
	tx.To = &to
	tx.Sign(priv)
	if tx.From != pub {
		t.Fatalf("signing must set From to the signer's public key")
	}
	if !tx.VerifySignature() {
		t.Fatalf("expected valid signature to verify")
	}
	tx.Data = []byte("tampered")
	if tx.VerifySignature() {
		t.Fatalf("expected tampered transaction to fail verification")
	}
}

func TestTransactionClassify(t *testing.T) {
	from := testPubKey(0x30)
	to := testPubKey(0x31)

	transfer := newTestTx(0, from, to, true, 1, 21000, 1, nil)
	if got := transfer.Classify(); got != TxClassTransfer {
		t.Fatalf("expected TxClassTransfer, got %v", got)
	}

	deploy := newTestTx(0, from, PublicKey{}, false, 0, 100000, 1, []byte{0x60})
	if got := deploy.Classify(); got != TxClassDeploy {
		t.Fatalf("expected TxClassDeploy, got %v", got)
	}

	registerModel := newTestTx(0, from, to, true, 0, 21000, 1, []byte{0x01, 0, 0, 0})
	if got := registerModel.Classify(); got != TxClassRegisterModel {
		t.Fatalf("expected TxClassRegisterModel, got %v", got)
	}
}

func TestComputeBlockHashIndependentOfMergeParentOrder(t *testing.T) {
	selected := KeccakHash([]byte("selected"))
	p1 := KeccakHash([]byte("p1"))
	p2 := KeccakHash([]byte("p2"))

	h1 := ComputeBlockHash(selected, []Hash{p1, p2}, 5, 10)
	h2 := ComputeBlockHash(selected, []Hash{p2, p1}, 5, 10)
	if h1 != h2 {
		t.Fatalf("block hash must be independent of merge-parent input order")
	}
}

func TestComputeTxRootAndReceiptRootDeterministic(t *testing.T) {
	tx1 := &Transaction{Nonce: 1}
	tx1.ComputeHash()
	tx2 := &Transaction{Nonce: 2}
	tx2.ComputeHash()

	root1 := ComputeTxRoot([]*Transaction{tx1, tx2})
	root2 := ComputeTxRoot([]*Transaction{tx1, tx2})
	if root1 != root2 {
		t.Fatalf("tx root must be deterministic for the same input")
	}

	receipt := &TransactionReceipt{TxHash: tx1.Hash, Status: true, GasUsed: 21000}
	rr1 := ComputeReceiptRoot([]*TransactionReceipt{receipt})
	rr2 := ComputeReceiptRoot([]*TransactionReceipt{receipt})
	if rr1 != rr2 {
		t.Fatalf("receipt root must be deterministic for the same input")
	}
}
