// core/statedb.go
package core

// State DB (C3) — in-memory account table, contract code store, per-contract
// storage, model registry and training-job table, with snapshot/restore and
// a deterministic commit() state root. Grounded on the teacher's
// account_and_balance_operations.go (balance/nonce accessor shapes) and
// common_structs.go's AIEngine/ModelMeta (model registry shape).

import (
	"encoding/binary"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AccountState is the per-address account record (§3).
type AccountState struct {
	Balance  uint64 // simplified U256 -> uint64 wei-style counter, sufficient for this node's arithmetic surface
	Nonce    uint64
	CodeHash Hash
}

// AccessPolicyKind enumerates model access policies (§3).
type AccessPolicyKind uint8

const (
	AccessPublic AccessPolicyKind = iota
	AccessPrivate
	AccessRestricted
	AccessPayPerUse
)

// AccessPolicy is the authorization regime attached to a model (§3).
type AccessPolicy struct {
	Kind      AccessPolicyKind
	AllowList []Address // Restricted
	Fee       uint64    // PayPerUse
}

// ModelMetadata describes a registered AI model (§3).
type ModelMetadata struct {
	Name        string
	Version     string
	Description string
	Framework   string
	InputShape  string
	OutputShape string
	SizeBytes   uint64
	CreatedAt   time.Time
}

// ModelUsageStats tracks on-chain usage of a model (§3).
type ModelUsageStats struct {
	TotalInferences uint64
	TotalGasUsed    uint64
	TotalFeesEarned uint64
	LastUsed        time.Time
}

// ModelState is the registered state of an AI model (§3).
type ModelState struct {
	Owner        Address
	ModelHash    Hash
	Version      uint32
	Metadata     ModelMetadata
	AccessPolicy AccessPolicy
	UsageStats   ModelUsageStats
}

// TrainingJob tracks an off-chain training job submitted on-chain (§3, C3).
type TrainingJob struct {
	ID         string
	Owner      Address
	DatasetCID string
	ModelCID   string
	Status     string
	CreatedAt  time.Time
}

type storageKey struct {
	addr Address
	key  string
}

// snapshotToken is the opaque token returned by StateDB.Snapshot.
type snapshotToken int

// journalEntry is a single undo record; restore replays the journal in
// reverse from the snapshot index.
type journalEntry struct {
	undo func(s *StateDB)
}

// StateDB implements C3. All public methods appear atomic under a single
// internal lock (§4.2 Concurrency), matching the teacher's single-lock
// AIEngine/ledger convention rather than fine-grained per-field locking.
type StateDB struct {
	mu sync.Mutex

	accounts map[Address]*AccountState
	code     map[Hash][]byte
	storage  map[storageKey][]byte
	models   map[Hash]*ModelState
	jobs     map[string]*TrainingJob

	journal []journalEntry
}

// NewStateDB constructs an empty state database.
func NewStateDB() *StateDB {
	return &StateDB{
		accounts: make(map[Address]*AccountState),
		code:     make(map[Hash][]byte),
		storage:  make(map[storageKey][]byte),
		models:   make(map[Hash]*ModelState),
		jobs:     make(map[string]*TrainingJob),
	}
}

func (s *StateDB) account(addr Address) *AccountState {
	a, ok := s.accounts[addr]
	if !ok {
		a = &AccountState{}
		s.accounts[addr] = a
	}
	return a
}

func (s *StateDB) record(undo func(s *StateDB)) {
	s.journal = append(s.journal, journalEntry{undo: undo})
}

// GetBalance returns the balance of addr (0 if the account never existed).
func (s *StateDB) GetBalance(addr Address) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[addr]; ok {
		return a.Balance
	}
	return 0
}

// SetBalance sets the balance of addr, creating the account if necessary
// (§3 Lifecycle: "Accounts are created on first credit/transfer").
func (s *StateDB) SetBalance(addr Address, bal uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.account(addr)
	old := a.Balance
	a.Balance = bal
	s.record(func(s *StateDB) { s.accounts[addr].Balance = old })
}

// GetNonce returns the nonce of addr.
func (s *StateDB) GetNonce(addr Address) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[addr]; ok {
		return a.Nonce
	}
	return 0
}

// CheckAndIncrementNonce enforces nonce == expected and increments on
// success (§4.5.1 step 2). Nonces never decrease on rollback (§3 Lifecycle)
// — restore() intentionally never undoes a nonce bump once the tx's own
// failure path has already re-incremented it; see ExecuteTransaction.
func (s *StateDB) CheckAndIncrementNonce(addr Address, expected uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.account(addr)
	if a.Nonce != expected {
		return ErrInvalidNonce
	}
	a.Nonce++
	s.record(func(s *StateDB) { s.accounts[addr].Nonce-- })
	return nil
}

// IncrementNonce bumps the nonce unconditionally (used on execution
// failure paths that must still consume the nonce, §4.5.1 step 6).
func (s *StateDB) IncrementNonce(addr Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.account(addr)
	a.Nonce++
	s.record(func(s *StateDB) { s.accounts[addr].Nonce-- })
}

// Transfer moves v from `from` to `to`, failing with InsufficientBalance.
func (s *StateDB) Transfer(from, to Address, v uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fa := s.account(from)
	if fa.Balance < v {
		return &InsufficientBalanceError{Need: v, Have: fa.Balance}
	}
	fa.Balance -= v
	ta := s.account(to)
	ta.Balance += v
	s.record(func(s *StateDB) {
		s.accounts[from].Balance += v
		s.accounts[to].Balance -= v
	})
	return nil
}

// Credit adds v to addr's balance unconditionally (block rewards, §4.6).
func (s *StateDB) Credit(addr Address, v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.account(addr)
	a.Balance += v
	s.record(func(s *StateDB) { s.accounts[addr].Balance -= v })
}

// Debit subtracts v from addr's balance (gas charges), failing with
// InsufficientBalance and leaving the balance unchanged when it is short.
func (s *StateDB) Debit(addr Address, v uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.account(addr)
	if a.Balance < v {
		return &InsufficientBalanceError{Need: v, Have: a.Balance}
	}
	a.Balance -= v
	s.record(func(s *StateDB) { s.accounts[addr].Balance += v })
	return nil
}

// GetCodeHash returns the code hash stored for addr.
func (s *StateDB) GetCodeHash(addr Address) Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[addr]; ok {
		return a.CodeHash
	}
	return ZeroHash
}

// SetCode stores code keyed by its keccak256 and attaches it to addr.
func (s *StateDB) SetCode(addr Address, code []byte) Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := KeccakHash(code)
	s.code[h] = append([]byte(nil), code...)
	a := s.account(addr)
	old := a.CodeHash
	a.CodeHash = h
	s.record(func(s *StateDB) { s.accounts[addr].CodeHash = old })
	return h
}

// GetCode returns the code for a given code hash.
func (s *StateDB) GetCode(h Hash) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.code[h]...)
}

func (s *StateDB) storageKey(addr Address, key []byte) storageKey {
	return storageKey{addr: addr, key: string(key)}
}

// GetStorage reads a contract storage slot.
func (s *StateDB) GetStorage(addr Address, key []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.storage[s.storageKey(addr, key)]...)
}

// SetStorage writes a contract storage slot.
func (s *StateDB) SetStorage(addr Address, key, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.storageKey(addr, key)
	old, had := s.storage[k]
	s.storage[k] = append([]byte(nil), value...)
	s.record(func(s *StateDB) {
		if had {
			s.storage[k] = old
		} else {
			delete(s.storage, k)
		}
	})
}

// DeleteStorage clears a contract storage slot.
func (s *StateDB) DeleteStorage(addr Address, key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.storageKey(addr, key)
	old, had := s.storage[k]
	delete(s.storage, k)
	if had {
		s.record(func(s *StateDB) { s.storage[k] = old })
	}
}

// RegisterModel installs state under hash. It does not fail when a model
// already exists there: the existing entry is replaced (UpdateModel is the
// path that keeps it and bumps its version).
func (s *StateDB) RegisterModel(hash Hash, state *ModelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, had := s.models[hash]
	s.models[hash] = state
	s.record(func(s *StateDB) {
		if had {
			s.models[hash] = old
		} else {
			delete(s.models, hash)
		}
	})
}

// GetModel returns the model registered under hash.
func (s *StateDB) GetModel(hash Hash) (*ModelState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[hash]
	return m, ok
}

// UpdateModel mutates a model in place via fn and increments its version
// (§3 Lifecycle: "updates increment version").
func (s *StateDB) UpdateModel(hash Hash, fn func(*ModelState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[hash]
	if !ok {
		return ErrModelNotFound
	}
	prev := *m
	fn(m)
	m.Version++
	s.record(func(s *StateDB) { *s.models[hash] = prev })
	return nil
}

// AllModels returns every registered model, sorted by hash for determinism.
func (s *StateDB) AllModels() []*ModelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	hashes := make([]Hash, 0, len(s.models))
	for h := range s.models {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i].Less(hashes[j]) })
	out := make([]*ModelState, 0, len(hashes))
	for _, h := range hashes {
		out = append(out, s.models[h])
	}
	return out
}

// SubmitTrainingJob creates a new training job record with a fresh UUID.
func (s *StateDB) SubmitTrainingJob(owner Address, datasetCID, modelCID string) *TrainingJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := &TrainingJob{
		ID:         uuid.NewString(),
		Owner:      owner,
		DatasetCID: datasetCID,
		ModelCID:   modelCID,
		Status:     "pending",
		CreatedAt:  time.Now(),
	}
	s.jobs[job.ID] = job
	s.record(func(s *StateDB) { delete(s.jobs, job.ID) })
	return job
}

// GetTrainingJob looks up a job by ID.
func (s *StateDB) GetTrainingJob(id string) (*TrainingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j, nil
}

// Snapshot returns an opaque token that Restore can roll back to (§4.2,
// §4.5.1 step 1).
func (s *StateDB) Snapshot() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.journal)
}

// Restore reverts all account, storage, code, model and job changes made
// since the given snapshot token (§4.2, §8 round-trip law).
func (s *StateDB) Restore(token int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.journal) - 1; i >= token; i-- {
		s.journal[i].undo(s)
	}
	s.journal = s.journal[:token]
}

// Commit clears the undo journal (the snapshot boundary moves to "now")
// and returns the deterministic state_root defined in §4.2: keccak256 of
// the concatenated, address-sorted (addr, balance_be, nonce_le, code_hash,
// storage_hash) tuples.
func (s *StateDB) Commit() Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = s.journal[:0]

	addrs := make([]Address, 0, len(s.accounts))
	for a := range s.accounts {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool {
		for k := 0; k < AddressSize; k++ {
			if addrs[i][k] != addrs[j][k] {
				return addrs[i][k] < addrs[j][k]
			}
		}
		return false
	})

	buf := make([]byte, 0, len(addrs)*(20+8+8+32+32))
	for _, addr := range addrs {
		a := s.accounts[addr]
		buf = append(buf, addr[:]...)
		var b8 [8]byte
		binary.BigEndian.PutUint64(b8[:], a.Balance)
		buf = append(buf, b8[:]...)
		binary.LittleEndian.PutUint64(b8[:], a.Nonce)
		buf = append(buf, b8[:]...)
		buf = append(buf, a.CodeHash[:]...)
		buf = append(buf, s.storageHashFor(addr)[:]...)
	}
	return KeccakHash(buf)
}

// storageHashFor computes a deterministic digest of every storage slot
// belonging to addr. Caller holds s.mu.
func (s *StateDB) storageHashFor(addr Address) Hash {
	keys := make([]string, 0)
	for k := range s.storage {
		if k.addr == addr {
			keys = append(keys, k.key)
		}
	}
	sort.Strings(keys)
	buf := make([]byte, 0)
	for _, k := range keys {
		buf = append(buf, []byte(k)...)
		buf = append(buf, s.storage[storageKey{addr: addr, key: k}]...)
	}
	return KeccakHash(buf)
}
