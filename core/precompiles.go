// core/precompiles.go
package core

// Precompiled contract addresses (§4.5.4, §4.5.5): model registry /
// inference, artifact index, and timelocked governance parameters.
// Grounded on the teacher's ai_model_management.go (ModelState shape,
// owner/policy checks) and governance_timelock.go (queue/execute-by-eta
// pattern, reused here for PENDING:/PARAM: storage keys instead of a
// separate in-memory timelock map).

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/crypto"
	cid "github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// selector returns the first 4 bytes of keccak256(signature), the
// standard ABI function selector (§4.5.4: "first 4 bytes of keccak256 of
// signature").
func selector(signature string) [4]byte {
	digest := crypto.Keccak256([]byte(signature))
	var s [4]byte
	copy(s[:], digest[:4])
	return s
}

var (
	selRegisterModelBasic  = selector("registerModel(bytes32,string)")
	selRegisterModelPolicy = selector("registerModel(bytes32,string,uint8,uint256)")
	selExecuteInference    = selector("executeInference(bytes32,bytes)")
	selPin                 = selector("pin(string,uint256)")
	selStatus              = selector("status(string)")

	selSetAdmin       = selector("setAdmin(address)")
	selQueueSetParam  = selector("queueSetParam(bytes32,bytes,uint64)")
	selExecuteSetParam = selector("executeSetParam(bytes32)")
	selGetParam       = selector("getParam(bytes32)")
)

// ArtifactService models the external pinning/proof service referenced by
// §4.5.4/§4.5.5. A nil service is valid: pin returns the CID without
// pinning and status returns "unknown". Neither call indexes anything;
// registerModel indexes the model's CID locally whether or not a service
// is set.
type ArtifactService interface {
	Pin(cid string, replication uint64) error
	Status(cid string) (string, error)
}

// InferenceResult is what an external inference service returns for one
// call (§4.5.5).
type InferenceResult struct {
	Output      []byte
	GasUsed     uint64
	Provider    Address
	ProviderFee uint64
	Proof       []byte // optional
}

// InferenceService models the external inference backend. A nil service
// falls back to the fixed sentinel output per §4.5.5.
type InferenceService interface {
	Infer(modelHash Hash, input []byte) (*InferenceResult, error)
}

// PrecompileEnv bundles everything a precompile call needs beyond calldata
// (§4.5.4, §4.5.5): state access, the calling address, governance-tunable
// parameters, and the optional external services.
type PrecompileEnv struct {
	State        *StateDB
	Caller       Address
	CallValue    uint64
	BlockTime    int64
	Artifact     ArtifactService
	Inference    InferenceService
	EmitLog      func(Log)
}

// RunPrecompile dispatches a call to one of the three fixed precompile
// addresses (§4.5.4). It returns the call's output bytes, the gas consumed
// by the precompile's own logic (on top of the EVM base CALL cost already
// charged by the interpreter/executor), and an error using the §7
// enumerated kinds.
func RunPrecompile(env *PrecompileEnv, addr Address, calldata []byte) ([]byte, uint64, error) {
	switch addr {
	case ModelPrecompileAddr:
		return runModelPrecompile(env, calldata)
	case ArtifactPrecompileAddr:
		// No-op opcode handler (§4.5.4): purely a storage address for
		// artifact/proof indices, never executed directly.
		return nil, 0, nil
	case GovernancePrecompileAddr:
		return runGovernancePrecompile(env, calldata)
	default:
		return nil, 0, ErrInvalidInput
	}
}

func runModelPrecompile(env *PrecompileEnv, calldata []byte) ([]byte, uint64, error) {
	if len(calldata) < 4 {
		return nil, 0, ErrInvalidInput
	}
	var sel [4]byte
	copy(sel[:], calldata[:4])
	args := calldata[4:]

	switch sel {
	case selRegisterModelBasic, selRegisterModelPolicy:
		return registerModel(env, args, sel == selRegisterModelPolicy)
	case selExecuteInference:
		return executeInferenceSelector(env, args)
	case selPin:
		return pinArtifact(env, args)
	case selStatus:
		return artifactStatus(env, args)
	default:
		return nil, 0, ErrInvalidInput
	}
}

// registerModel implements §4.5.4's registerModel(...): stores a
// ModelState owned by the caller, records the CID and appends to the
// artifact index, and pins the artifact with the governance-configured
// replication factor.
func registerModel(env *PrecompileEnv, args []byte, withPolicy bool) ([]byte, uint64, error) {
	modelHash, rest, err := decodeBytes32(args, 0)
	if err != nil {
		return nil, 0, err
	}
	cid, err := decodeDynamicString(args, 1)
	if err != nil {
		return nil, 0, err
	}
	_ = rest

	policy := AccessPolicy{Kind: AccessPublic}
	if withPolicy {
		kind, err := decodeUint256Word(args, 2)
		if err != nil {
			return nil, 0, err
		}
		fee, err := decodeUint256Word(args, 3)
		if err != nil {
			return nil, 0, err
		}
		switch kind {
		case 0:
			policy = AccessPolicy{Kind: AccessPublic}
		case 1:
			policy = AccessPolicy{Kind: AccessPrivate}
		case 2:
			policy = AccessPolicy{Kind: AccessRestricted}
		case 3:
			policy = AccessPolicy{Kind: AccessPayPerUse, Fee: fee}
		default:
			return nil, 0, ErrInvalidInput
		}
	}

	model := &ModelState{
		Owner:        env.Caller,
		ModelHash:    BytesToHash(modelHash[:]),
		Version:      1,
		Metadata:     ModelMetadata{},
		AccessPolicy: policy,
	}
	mh := BytesToHash(modelHash[:])
	env.State.RegisterModel(mh, model)

	env.State.SetStorage(ModelPrecompileAddr, []byte("MODEL_CID:"+mh.String()), []byte(cid))
	appendArtifactIndex(env.State, "MODEL_ARTS:"+mh.String(), cid)

	replication := governanceParamUint(env.State, "artifact_replication", 1)
	if env.Artifact != nil {
		_ = env.Artifact.Pin(cid, replication)
	}

	return modelHash[:], GasModelRegister, nil
}

// executeInferenceSelector decodes executeInference(bytes32,bytes) and
// runs the §4.5.5 inference pipeline.
func executeInferenceSelector(env *PrecompileEnv, args []byte) ([]byte, uint64, error) {
	modelHashBytes, _, err := decodeBytes32(args, 0)
	if err != nil {
		return nil, 0, err
	}
	input, err := decodeDynamicBytes(args, 1)
	if err != nil {
		return nil, 0, err
	}
	modelHash := BytesToHash(modelHashBytes[:])
	return ExecuteInference(env, modelHash, input)
}

// ExecuteInference implements §4.5.5 in full: access enforcement, the
// PayPerUse fee split, the optional external service hook, and usage-stats
// bookkeeping. Exported so the executor can invoke it directly for the
// InferenceRequest tx class without round-tripping through ABI decoding.
func ExecuteInference(env *PrecompileEnv, modelHash Hash, input []byte) ([]byte, uint64, error) {
	model, ok := env.State.GetModel(modelHash)
	if !ok {
		return nil, 0, ErrModelNotFound
	}

	if err := enforceAccess(env, model); err != nil {
		return nil, 0, err
	}

	gas := uint64(GasInferenceBase) + uint64(GasInferencePerMB)*ceilDiv(uint64(len(input)), 1<<20)

	if model.AccessPolicy.Kind == AccessPayPerUse && env.Caller != model.Owner {
		fee := model.AccessPolicy.Fee
		if fee > 0 {
			// PARAM:treasury_split is bps-of-1000 (§5.4); default 100 (10%),
			// governed via queueSetParam/executeSetParam like any other param.
			splitBpsOf1000 := governanceParamUint(env.State, "treasury_split", 100)
			treasuryShare := fee * splitBpsOf1000 / 1000
			ownerShare := fee - treasuryShare
			if err := env.State.Debit(env.Caller, fee); err != nil {
				return nil, 0, err
			}
			env.State.Credit(TreasuryAddress, treasuryShare)
			env.State.Credit(model.Owner, ownerShare)
		}
	}

	var output []byte
	if env.Inference != nil {
		result, err := env.Inference.Infer(modelHash, input)
		if err != nil {
			return nil, gas, err
		}
		output = result.Output
		gas += result.GasUsed
		if result.ProviderFee > 0 {
			if err := env.State.Debit(env.Caller, result.ProviderFee); err != nil {
				return nil, gas, err
			}
			env.State.Credit(result.Provider, result.ProviderFee)
		}
		if len(result.Proof) > 0 && env.Artifact != nil {
			proofCID, err := artifactCIDFromBytes(result.Proof)
			if err != nil {
				proofCID = modelHash.String()
			}
			appendArtifactIndex(env.State, "MODEL_PROOFS:"+modelHash.String(), proofCID)
		}
	} else {
		output = []byte{0x01, 0x02, 0x03, 0x04}
	}

	_ = env.State.UpdateModel(modelHash, func(m *ModelState) {
		m.UsageStats.TotalInferences++
		m.UsageStats.TotalGasUsed += gas
		m.UsageStats.TotalFeesEarned += model.AccessPolicy.Fee
	})

	if env.EmitLog != nil {
		env.EmitLog(Log{Address: ModelPrecompileAddr, Topics: []Hash{modelHash}, Data: output})
	}
	return output, gas, nil
}

func enforceAccess(env *PrecompileEnv, model *ModelState) error {
	switch model.AccessPolicy.Kind {
	case AccessPublic:
		return nil
	case AccessPrivate:
		if env.Caller != model.Owner {
			return ErrAccessDenied
		}
		return nil
	case AccessRestricted:
		if env.Caller == model.Owner {
			return nil
		}
		for _, a := range model.AccessPolicy.AllowList {
			if a == env.Caller {
				return nil
			}
		}
		return ErrAccessDenied
	case AccessPayPerUse:
		return nil // fee enforcement happens in ExecuteInference, owner bypasses it there
	default:
		return ErrModelPolicyViolation
	}
}

func pinArtifact(env *PrecompileEnv, args []byte) ([]byte, uint64, error) {
	cid, err := decodeDynamicString(args, 0)
	if err != nil {
		return nil, 0, err
	}
	replication, err := decodeUint256Word(args, 1)
	if err != nil {
		return nil, 0, err
	}
	if env.Artifact != nil {
		if err := env.Artifact.Pin(cid, replication); err != nil {
			return nil, 0, err
		}
	}
	return []byte(cid), 0, nil
}

func artifactStatus(env *PrecompileEnv, args []byte) ([]byte, uint64, error) {
	cid, err := decodeDynamicString(args, 0)
	if err != nil {
		return nil, 0, err
	}
	if env.Artifact == nil {
		return []byte("unknown"), 0, nil
	}
	status, err := env.Artifact.Status(cid)
	if err != nil {
		return nil, 0, err
	}
	return []byte(status), 0, nil
}

// appendArtifactIndex maintains a comma-joined, append-only list of CIDs
// under key (§3 Lifecycle: "artifacts are append-only indexed").
func appendArtifactIndex(s *StateDB, key, cid string) {
	existing := s.GetStorage(ArtifactPrecompileAddr, []byte(key))
	if len(existing) == 0 {
		s.SetStorage(ArtifactPrecompileAddr, []byte(key), []byte(cid))
		return
	}
	joined := append(append(existing, ','), []byte(cid)...)
	s.SetStorage(ArtifactPrecompileAddr, []byte(key), joined)
}

// artifactCIDFromBytes mints a CIDv1 (raw codec, sha2-256 multihash) over
// proof bytes so proof artifacts get a real content identifier instead of a
// bespoke string, matching how the rest of the artifact index expects to
// receive CIDs from the pinning service.
func artifactCIDFromBytes(data []byte) (string, error) {
	sum, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}

func governanceParamUint(s *StateDB, name string, fallback uint64) uint64 {
	// Same key form executeSetParam writes: the name as a bytes32 key.
	raw := s.GetStorage(GovernancePrecompileAddr, []byte("PARAM:"+BytesToHash([]byte(name)).String()))
	if len(raw) == 0 {
		return fallback
	}
	if len(raw) == 8 {
		return binary.LittleEndian.Uint64(raw)
	}
	return fallback
}

func ceilDiv(n, d uint64) uint64 {
	if d == 0 {
		return 0
	}
	return (n + d - 1) / d
}

// ── Governance precompile (§4.5.4) ──────────────────────────────────────

func runGovernancePrecompile(env *PrecompileEnv, calldata []byte) ([]byte, uint64, error) {
	if len(calldata) < 4 {
		return nil, 0, ErrInvalidInput
	}
	var sel [4]byte
	copy(sel[:], calldata[:4])
	args := calldata[4:]

	switch sel {
	case selSetAdmin:
		return governanceSetAdmin(env, args)
	case selQueueSetParam:
		return governanceQueueSetParam(env, args)
	case selExecuteSetParam:
		return governanceExecuteSetParam(env, args)
	case selGetParam:
		return governanceGetParam(env, args)
	default:
		return nil, 0, ErrInvalidInput
	}
}

func governanceAdmin(s *StateDB) Address {
	raw := s.GetStorage(GovernancePrecompileAddr, []byte("ADMIN"))
	if len(raw) == AddressSize {
		var a Address
		copy(a[:], raw)
		return a
	}
	return DefaultAdmin
}

func requireAdmin(env *PrecompileEnv) error {
	if env.Caller != governanceAdmin(env.State) {
		return ErrAccessDenied
	}
	return nil
}

func governanceSetAdmin(env *PrecompileEnv, args []byte) ([]byte, uint64, error) {
	if err := requireAdmin(env); err != nil {
		return nil, 0, err
	}
	newAdmin, err := decodeAddressWord(args, 0)
	if err != nil {
		return nil, 0, err
	}
	env.State.SetStorage(GovernancePrecompileAddr, []byte("ADMIN"), newAdmin[:])
	return nil, 0, nil
}

func governanceQueueSetParam(env *PrecompileEnv, args []byte) ([]byte, uint64, error) {
	if err := requireAdmin(env); err != nil {
		return nil, 0, err
	}
	key, _, err := decodeBytes32(args, 0)
	if err != nil {
		return nil, 0, err
	}
	value, err := decodeDynamicBytes(args, 1)
	if err != nil {
		return nil, 0, err
	}
	eta, err := decodeUint256Word(args, 2)
	if err != nil {
		return nil, 0, err
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], eta)
	payload := append(append([]byte(nil), buf[:]...), value...)
	env.State.SetStorage(GovernancePrecompileAddr, []byte("PENDING:"+BytesToHash(key[:]).String()), payload)
	return nil, 0, nil
}

func governanceExecuteSetParam(env *PrecompileEnv, args []byte) ([]byte, uint64, error) {
	key, _, err := decodeBytes32(args, 0)
	if err != nil {
		return nil, 0, err
	}
	keyStr := BytesToHash(key[:]).String()
	pending := env.State.GetStorage(GovernancePrecompileAddr, []byte("PENDING:"+keyStr))
	if len(pending) < 8 {
		return nil, 0, ErrInvalidInput
	}
	eta := binary.LittleEndian.Uint64(pending[:8])
	if uint64(env.BlockTime) < eta {
		return nil, 0, &RevertedError{Msg: "Timelock not expired"}
	}
	value := pending[8:]
	env.State.SetStorage(GovernancePrecompileAddr, []byte("PARAM:"+keyStr), value)
	env.State.DeleteStorage(GovernancePrecompileAddr, []byte("PENDING:"+keyStr))
	return nil, 0, nil
}

func governanceGetParam(env *PrecompileEnv, args []byte) ([]byte, uint64, error) {
	key, _, err := decodeBytes32(args, 0)
	if err != nil {
		return nil, 0, err
	}
	value := env.State.GetStorage(GovernancePrecompileAddr, []byte("PARAM:"+BytesToHash(key[:]).String()))
	return value, 0, nil
}

// ── Minimal ABI decoding helpers ────────────────────────────────────────
//
// Standard ABI layout: a sequence of 32-byte words; "dynamic" arguments
// (string, bytes) are a word holding an offset (relative to the start of
// the argument region), at which offset lives a length word followed by
// the right-padded data.

func wordAt(data []byte, idx int) ([32]byte, error) {
	start := idx * 32
	var w [32]byte
	if start+32 > len(data) {
		return w, ErrInvalidInput
	}
	copy(w[:], data[start:start+32])
	return w, nil
}

func decodeBytes32(data []byte, idx int) ([32]byte, []byte, error) {
	w, err := wordAt(data, idx)
	return w, data, err
}

func decodeUint256Word(data []byte, idx int) (uint64, error) {
	w, err := wordAt(data, idx)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(w[24:32]), nil
}

func decodeAddressWord(data []byte, idx int) (Address, error) {
	w, err := wordAt(data, idx)
	if err != nil {
		return Address{}, err
	}
	var a Address
	copy(a[:], w[12:32])
	return a, nil
}

func decodeDynamicBytes(data []byte, idx int) ([]byte, error) {
	offsetWord, err := wordAt(data, idx)
	if err != nil {
		return nil, err
	}
	offset := binary.BigEndian.Uint64(offsetWord[24:32])
	if offset+32 > uint64(len(data)) {
		return nil, ErrInvalidInput
	}
	var lenWord [32]byte
	copy(lenWord[:], data[offset:offset+32])
	length := binary.BigEndian.Uint64(lenWord[24:32])
	start := offset + 32
	if start+length > uint64(len(data)) {
		return nil, ErrInvalidInput
	}
	return append([]byte(nil), data[start:start+length]...), nil
}

func decodeDynamicString(data []byte, idx int) (string, error) {
	b, err := decodeDynamicBytes(data, idx)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
