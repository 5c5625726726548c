package core

import (
	"encoding/binary"
	"errors"
	"testing"
)

func newTestPrecompileEnv(state *StateDB, caller Address) *PrecompileEnv {
	return &PrecompileEnv{
		State:     state,
		Caller:    caller,
		BlockTime: 1000,
		EmitLog:   func(Log) {},
	}
}

func paramKeyHash(name string) [32]byte {
	return BytesToHash([]byte(name))
}

// wordUint64 right-aligns v's big-endian bytes in a 32-byte ABI word, the
// same layout decodeUint256Word/decodeAddressWord read back out of.
func wordUint64(v uint64) [32]byte {
	var w [32]byte
	binary.BigEndian.PutUint64(w[24:32], v)
	return w
}

// leUint64 encodes v as the 8-byte little-endian value governanceParamUint
// expects to read back out of a PARAM: entry.
func leUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// queueSetParamArgs builds queueSetParam(bytes32 key, bytes value, uint64
// eta) calldata: a 3-word static head (key, offset-to-value, eta) followed
// by value's length-prefixed dynamic region.
func queueSetParamArgs(key [32]byte, value []byte, eta uint64) []byte {
	offset := wordUint64(96) // 3 static words precede the dynamic region
	etaWord := wordUint64(eta)
	lenWord := wordUint64(uint64(len(value)))

	padded := append([]byte(nil), value...)
	if rem := len(padded) % 32; rem != 0 {
		padded = append(padded, make([]byte, 32-rem)...)
	}

	args := make([]byte, 0, 96+32+len(padded))
	args = append(args, key[:]...)
	args = append(args, offset[:]...)
	args = append(args, etaWord[:]...)
	args = append(args, lenWord[:]...)
	args = append(args, padded...)
	return args
}

func TestGovernanceExecuteSetParamRevertsBeforeEta(t *testing.T) {
	state := NewStateDB()
	env := newTestPrecompileEnv(state, DefaultAdmin)

	key := paramKeyHash("treasury_split")
	calldata := append(append([]byte{}, selQueueSetParam[:]...), queueSetParamArgs(key, leUint64(50), 5000)...)
	if _, _, err := runGovernancePrecompile(env, calldata); err != nil {
		t.Fatalf("queueSetParam failed: %v", err)
	}

	env.BlockTime = 1000 // well before eta=5000
	execCalldata := append(append([]byte{}, selExecuteSetParam[:]...), key[:]...)
	_, _, err := runGovernancePrecompile(env, execCalldata)
	if err == nil {
		t.Fatalf("expected revert before eta")
	}
	var reverted *RevertedError
	if !errors.As(err, &reverted) {
		t.Fatalf("expected *RevertedError, got %T: %v", err, err)
	}
	if reverted.Msg != "Timelock not expired" {
		t.Fatalf("unexpected revert message: %q", reverted.Msg)
	}
}

func TestGovernanceExecuteSetParamSucceedsAfterEta(t *testing.T) {
	state := NewStateDB()
	env := newTestPrecompileEnv(state, DefaultAdmin)

	key := paramKeyHash("treasury_split")
	calldata := append(append([]byte{}, selQueueSetParam[:]...), queueSetParamArgs(key, leUint64(50), 100)...)
	if _, _, err := runGovernancePrecompile(env, calldata); err != nil {
		t.Fatalf("queueSetParam failed: %v", err)
	}

	env.BlockTime = 200 // past eta=100
	execCalldata := append(append([]byte{}, selExecuteSetParam[:]...), key[:]...)
	if _, _, err := runGovernancePrecompile(env, execCalldata); err != nil {
		t.Fatalf("expected executeSetParam to succeed after eta, got %v", err)
	}

	if got := governanceParamUint(state, "treasury_split", 999); got != 50 {
		t.Fatalf("expected governed param 50, got %d", got)
	}
}

func TestExecuteInferenceUsesDefaultTreasurySplit(t *testing.T) {
	state := NewStateDB()
	owner := Address{0x02}
	caller := Address{0x03}
	state.Credit(caller, 1000)

	modelHash := Hash{0x01}
	state.RegisterModel(modelHash, &ModelState{
		Owner:        owner,
		ModelHash:    modelHash,
		AccessPolicy: AccessPolicy{Kind: AccessPayPerUse, Fee: 100},
	})

	env := newTestPrecompileEnv(state, caller)
	if _, _, err := ExecuteInference(env, modelHash, []byte("in")); err != nil {
		t.Fatalf("ExecuteInference failed: %v", err)
	}

	// Default treasury_split is 100 bps-of-1000 (10%): 10 to treasury, 90 to owner.
	if got := state.GetBalance(owner); got != 90 {
		t.Fatalf("owner share: got %d, want 90", got)
	}
	if got := state.GetBalance(TreasuryAddress); got != 10 {
		t.Fatalf("treasury share: got %d, want 10", got)
	}
}

func TestExecuteInferenceHonorsGovernedTreasurySplit(t *testing.T) {
	state := NewStateDB()
	owner := Address{0x02}
	caller := Address{0x03}
	state.Credit(caller, 1000)

	// Govern treasury_split to 500 (50%) before the inference call.
	key := paramKeyHash("treasury_split")
	adminEnv := newTestPrecompileEnv(state, DefaultAdmin)
	queueArgs := append(append([]byte{}, selQueueSetParam[:]...), queueSetParamArgs(key, leUint64(500), 0)...)
	if _, _, err := runGovernancePrecompile(adminEnv, queueArgs); err != nil {
		t.Fatalf("queueSetParam failed: %v", err)
	}
	execArgs := append(append([]byte{}, selExecuteSetParam[:]...), key[:]...)
	if _, _, err := runGovernancePrecompile(adminEnv, execArgs); err != nil {
		t.Fatalf("executeSetParam failed: %v", err)
	}

	modelHash := Hash{0x02}
	state.RegisterModel(modelHash, &ModelState{
		Owner:        owner,
		ModelHash:    modelHash,
		AccessPolicy: AccessPolicy{Kind: AccessPayPerUse, Fee: 100},
	})

	env := newTestPrecompileEnv(state, caller)
	if _, _, err := ExecuteInference(env, modelHash, []byte("in")); err != nil {
		t.Fatalf("ExecuteInference failed: %v", err)
	}

	if got := state.GetBalance(owner); got != 50 {
		t.Fatalf("owner share: got %d, want 50", got)
	}
	if got := state.GetBalance(TreasuryAddress); got != 50 {
		t.Fatalf("treasury share: got %d, want 50", got)
	}
}
