// core/types.go
package core

// Core wire types shared by every subsystem: hashes, keys, addresses,
// transactions and blocks. Kept dependency-light so the rest of the
// package can import it without cycles (mirrors the teacher's
// common_structs.go convention of centralising struct definitions).

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/ed25519"
)

// HashSize is the width in bytes of a canonical hash.
const HashSize = 32

// Hash is an opaque 32-byte digest. The all-zero value is the sentinel
// used for "no parent / genesis / unknown" throughout the DAG and
// storage layers.
type Hash [HashSize]byte

// ZeroHash is the genesis/unknown sentinel.
var ZeroHash = Hash{}

// IsZero reports whether h is the all-zero sentinel.
func (h Hash) IsZero() bool { return h == ZeroHash }

// Less gives the lexicographic byte ordering used for every tie-break
// in the DAG engine (§4.4) and total ordering (§3).
func (h Hash) Less(o Hash) bool { return bytes.Compare(h[:], o[:]) < 0 }

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Bytes returns a copy of the underlying bytes.
func (h Hash) Bytes() []byte { return append([]byte(nil), h[:]...) }

// BytesToHash copies b into a Hash, keeping its first 32 bytes and
// right-padding shorter input with zeros.
func BytesToHash(b []byte) Hash {
	var h Hash
	copy(h[:], b)
	return h
}

// KeccakHash returns the keccak256 digest of the concatenated inputs.
func KeccakHash(parts ...[]byte) Hash {
	return BytesToHash(crypto.Keccak256(parts...))
}

// PublicKeySize is the width of an Ed25519 public key.
const PublicKeySize = 32

// PublicKey is a raw Ed25519 public key.
type PublicKey [PublicKeySize]byte

func (k PublicKey) Bytes() []byte { return append([]byte(nil), k[:]...) }
func (k PublicKey) String() string { return hex.EncodeToString(k[:]) }

// AddressSize is the width of a derived account address.
const AddressSize = 20

// Address is a 20-byte account identifier.
//
// §3 documents a dual convention: an address may be derived as
// keccak256(pubkey)[12:32], or a 20-byte address may be stored
// left-aligned in a 32-byte field with a zero-padded tail. AddressFromField
// implements the detection rule so every consumer normalises the same way.
type Address [AddressSize]byte

func (a Address) Bytes() []byte   { return append([]byte(nil), a[:]...) }
func (a Address) String() string  { return hex.EncodeToString(a[:]) }
func (a Address) IsZero() bool    { return a == Address{} }

// AddressFromPublicKey derives an address the canonical way (§3, §6):
// keccak256(pubkey)[12:32].
func AddressFromPublicKey(pk PublicKey) Address {
	digest := crypto.Keccak256(pk[:])
	var a Address
	copy(a[:], digest[12:32])
	return a
}

// AddressFromField normalises the dual 32-byte-field encoding described in
// §3 and §9: if the last 12 bytes of a 32-byte public-key-shaped field are
// zero, the first 20 bytes are already an address; otherwise the field is
// treated as a public key and hashed.
func AddressFromField(field [32]byte) Address {
	if bytesAllZero(field[20:32]) {
		var a Address
		copy(a[:], field[:20])
		return a
	}
	return AddressFromPublicKey(PublicKey(field))
}

func bytesAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// PrecompileAddress builds one of the fixed 20-byte precompile addresses
// (§4.5.4, §6): all-zero except the last two bytes.
func PrecompileAddress(lastTwo uint16) Address {
	var a Address
	binary.BigEndian.PutUint16(a[18:20], lastTwo)
	return a
}

var (
	// ModelPrecompileAddr is the AI model-registry/inference precompile.
	ModelPrecompileAddr = PrecompileAddress(0x1000)
	// ArtifactPrecompileAddr is the artifact/proof index precompile.
	ArtifactPrecompileAddr = PrecompileAddress(0x1002)
	// GovernancePrecompileAddr is the timelocked-parameter precompile.
	GovernancePrecompileAddr = PrecompileAddress(0x1003)
)

// DefaultAdmin is the governance admin address used until a setAdmin call
// overrides it (§4.5.4: "Admin defaults to address 0x11...11").
var DefaultAdmin = Address{0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11,
	0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11}

// TreasuryAddress receives the treasury share of PayPerUse inference fees
// (§4.5.5, S5). It reuses the governance default-admin address.
var TreasuryAddress = DefaultAdmin

// SignatureSize is the width of an Ed25519 signature.
const SignatureSize = 64

// Signature is a raw Ed25519 signature (§3).
type Signature [SignatureSize]byte

// TxClass is a cached, non-authoritative classification of a transaction
// (§9 Open Question: `determine_type` is a cache, never load-bearing).
type TxClass uint8

const (
	TxClassUnknown TxClass = iota
	TxClassTransfer
	TxClassDeploy
	TxClassCall
	TxClassRegisterModel
	TxClassInferenceRequest
	TxClassUpdateModel
)

// Transaction is the canonical transaction record (§3).
type Transaction struct {
	Hash      Hash
	Nonce     uint64
	From      PublicKey
	To        *PublicKey // nil => contract deploy
	Value     [16]byte   // u128 big-endian
	GasLimit  uint64
	GasPrice  uint64
	Data      []byte
	Signature Signature

	// txType is a lazily computed cache; never read by the executor for
	// dispatch decisions (§9 Open Question resolution in SPEC_FULL.md §5.3).
	txType *TxClass

	// arrival is set by the mempool on admission; not part of the
	// canonical/signed byte form.
	arrivalUnixNano int64
}

// ValueHiLo returns the u128 value as a big-endian uint128 split into two
// uint64 halves (hi, lo) to avoid pulling in a bignum dependency for a
// field that is never more than 128 bits wide.
func (t *Transaction) ValueHiLo() (hi, lo uint64) {
	hi = binary.BigEndian.Uint64(t.Value[0:8])
	lo = binary.BigEndian.Uint64(t.Value[8:16])
	return
}

// SetValue packs a (hi, lo) pair into the u128 value field.
func (t *Transaction) SetValue(hi, lo uint64) {
	binary.BigEndian.PutUint64(t.Value[0:8], hi)
	binary.BigEndian.PutUint64(t.Value[8:16], lo)
}

// CanonicalBytes returns the exact byte layout defined in §6 used both for
// signing and for hashing. It is not the wire format: gossip and the sync
// protocol carry transactions as JSON (see p2p.go).
func (t *Transaction) CanonicalBytes() []byte {
	buf := make([]byte, 0, 8+32+33+16+8+8+4+len(t.Data))
	var tmp8 [8]byte

	binary.LittleEndian.PutUint64(tmp8[:], t.Nonce)
	buf = append(buf, tmp8[:]...)
	buf = append(buf, t.From[:]...)

	if t.To == nil {
		buf = append(buf, 0x00)
		buf = append(buf, make([]byte, 32)...)
	} else {
		buf = append(buf, 0x01)
		buf = append(buf, t.To[:]...)
	}

	buf = append(buf, t.Value[:]...)

	binary.LittleEndian.PutUint64(tmp8[:], t.GasLimit)
	buf = append(buf, tmp8[:]...)
	binary.LittleEndian.PutUint64(tmp8[:], t.GasPrice)
	buf = append(buf, tmp8[:]...)

	var tmp4 [4]byte
	binary.LittleEndian.PutUint32(tmp4[:], uint32(len(t.Data)))
	buf = append(buf, tmp4[:]...)
	buf = append(buf, t.Data...)
	return buf
}

// ComputeHash recomputes and assigns t.Hash = keccak256(CanonicalBytes()).
func (t *Transaction) ComputeHash() Hash {
	t.Hash = KeccakHash(t.CanonicalBytes())
	return t.Hash
}

// Sign signs the canonical bytes with priv and assigns From/Signature.
func (t *Transaction) Sign(priv ed25519.PrivateKey) {
	var pk PublicKey
	copy(pk[:], priv.Public().(ed25519.PublicKey))
	t.From = pk
	sig := ed25519.Sign(priv, t.CanonicalBytes())
	copy(t.Signature[:], sig)
	t.ComputeHash()
}

// VerifySignature checks the Ed25519 signature over the canonical bytes.
func (t *Transaction) VerifySignature() bool {
	return ed25519.Verify(ed25519.PublicKey(t.From[:]), t.CanonicalBytes(), t.Signature[:])
}

// FromAddress derives the sender address from t.From.
func (t *Transaction) FromAddress() Address { return AddressFromPublicKey(t.From) }

// ToAddress derives the recipient address, ok=false for contract deploys.
func (t *Transaction) ToAddress() (addr Address, ok bool) {
	if t.To == nil {
		return Address{}, false
	}
	return AddressFromPublicKey(*t.To), true
}

// Classify computes (and caches) the dispatch class described in §4.5.1
// step 5. The cache is advisory only; Classify always recomputes to honor
// the Open Question decision that callers must never trust a stale cache.
func (t *Transaction) Classify() TxClass {
	var c TxClass
	switch {
	case t.To == nil:
		c = TxClassDeploy
	case len(t.Data) == 0:
		c = TxClassTransfer
	case len(t.Data) >= 4 && t.Data[0] == 0x01 && t.Data[1] == 0 && t.Data[2] == 0 && t.Data[3] == 0:
		c = TxClassRegisterModel
	case len(t.Data) >= 4 && t.Data[0] == 0x02 && t.Data[1] == 0 && t.Data[2] == 0 && t.Data[3] == 0:
		c = TxClassInferenceRequest
	case len(t.Data) >= 4 && t.Data[0] == 0x03 && t.Data[1] == 0 && t.Data[2] == 0 && t.Data[3] == 0:
		c = TxClassUpdateModel
	default:
		c = TxClassCall
	}
	t.txType = &c
	return c
}

// Log is a single EVM-style event log entry (§3 TransactionReceipt).
type Log struct {
	Address Address  `json:"address"`
	Topics  []Hash   `json:"topics"`
	Data    []byte   `json:"data"`
}

// TransactionReceipt records the outcome of executing a transaction (§3).
type TransactionReceipt struct {
	TxHash      Hash    `json:"tx_hash"`
	BlockHash   Hash    `json:"block_hash"`
	BlockNumber uint64  `json:"block_number"`
	From        Address `json:"from"`
	To          *Address `json:"to,omitempty"`
	GasUsed     uint64  `json:"gas_used"`
	Status      bool    `json:"status"`
	Logs        []Log   `json:"logs"`
	Output      []byte  `json:"output,omitempty"`
}

// ReceiptEncoding returns the bytes hashed into receipt_root (§3):
// tx_hash || status_byte || gas_used_le.
func (r *TransactionReceipt) ReceiptEncoding() []byte {
	buf := make([]byte, 0, 32+1+8)
	buf = append(buf, r.TxHash[:]...)
	if r.Status {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	var tmp8 [8]byte
	binary.LittleEndian.PutUint64(tmp8[:], r.GasUsed)
	buf = append(buf, tmp8[:]...)
	return buf
}

// MaxParentsDefault bounds merge_parent_hashes + selected parent (§3).
const MaxParentsDefault = 10

// BlockHeader is the fixed-size (modulo merge parent count) block header
// (§3).
type BlockHeader struct {
	Version            uint32
	BlockHash          Hash
	SelectedParentHash Hash
	MergeParentHashes  []Hash
	Timestamp          int64
	Height             uint64
	BlueScore          uint64
	BlueWork           [16]byte // u128 big-endian
	PruningPoint       Hash
	ProposerPubkey     PublicKey
	VRFProof           []byte
	BaseFeePerGas      uint64
	GasUsed            uint64
	GasLimit           uint64
}

// Block is a header plus body (§3).
type Block struct {
	Header              BlockHeader
	StateRoot           Hash
	TxRoot              Hash
	ReceiptRoot         Hash
	ArtifactRoot        Hash
	GhostDAGK           uint64
	Transactions        []*Transaction
	Signature           Signature
	EmbeddedModels      []Hash
	RequiredPins        []string
}

// sortedMergeParents returns a lexicographically sorted copy of parents
// (duplicates are kept), per SPEC_FULL.md Open Question resolution 2.
func sortedMergeParents(parents []Hash) []Hash {
	out := append([]Hash(nil), parents...)
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// ComputeBlockHash implements the §6 definition:
// keccak256(selected_parent || merge_parents_concat || height_le || blue_score_le).
func ComputeBlockHash(selectedParent Hash, mergeParents []Hash, height, blueScore uint64) Hash {
	sorted := sortedMergeParents(mergeParents)
	buf := make([]byte, 0, 32+32*len(sorted)+16)
	buf = append(buf, selectedParent[:]...)
	for _, p := range sorted {
		buf = append(buf, p[:]...)
	}
	var tmp8 [8]byte
	binary.LittleEndian.PutUint64(tmp8[:], height)
	buf = append(buf, tmp8[:]...)
	binary.LittleEndian.PutUint64(tmp8[:], blueScore)
	buf = append(buf, tmp8[:]...)
	return KeccakHash(buf)
}

// ComputeTxRoot implements keccak256(concat(tx.hash for tx in txs)) (§3).
func ComputeTxRoot(txs []*Transaction) Hash {
	buf := make([]byte, 0, 32*len(txs))
	for _, tx := range txs {
		buf = append(buf, tx.Hash[:]...)
	}
	return KeccakHash(buf)
}

// ComputeReceiptRoot implements the §3 receipt root definition.
func ComputeReceiptRoot(receipts []*TransactionReceipt) Hash {
	buf := make([]byte, 0, 41*len(receipts))
	for _, r := range receipts {
		buf = append(buf, r.ReceiptEncoding()...)
	}
	return KeccakHash(buf)
}

func fmtHash(h Hash) string { return fmt.Sprintf("%x", h[:]) }
