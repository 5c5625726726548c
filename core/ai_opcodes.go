// core/ai_opcodes.go
package core

// AI opcode fast-path (§4.5.3). Grounded on the teacher's ai.go (AIEngine
// singleton, PredictAnomaly stub pattern) generalised from a single
// anomaly-detection call into the five fast-path operations the spec
// names, and on opcode_dispatcher.go's "scan before dispatch" idea.

import "encoding/binary"

// tryAIOpcodeFastPath scans ctx.Code for any AI fast-path opcode byte and,
// if found, diverts execution to the matching handler using ctx.CallData
// as input. Per §4.5.3 the scan happens "during Call into a contract that
// has code" — callers outside an ordinary Call (e.g. CREATE's init code)
// never reach this path, which ExecuteTransaction enforces.
func tryAIOpcodeFastPath(ctx *CallContext) (*ExecResult, bool) {
	op, found := scanForAIOpcode(ctx.Code)
	if !found {
		return nil, false
	}

	var (
		output []byte
		gas    uint64
		err    error
	)
	switch op {
	case TENSOR_OP:
		output, gas, err = execTensorOp(ctx.CallData)
	case MODEL_LOAD:
		output, gas, err = execModelLoad(ctx.CallData)
	case MODEL_EXEC:
		output, gas, err = execModelExec(ctx)
	case ZK_PROVE:
		output, gas, err = execZKProve(ctx.CallData)
	case ZK_VERIFY:
		output, gas, err = execZKVerify(ctx.CallData)
	}

	if chargeErr := ctx.Gas.Charge(gas); chargeErr != nil {
		return &ExecResult{Success: false, Err: chargeErr, GasUsed: ctx.Gas.Used()}, true
	}
	if err != nil {
		return &ExecResult{Success: false, Err: err, GasUsed: ctx.Gas.Used()}, true
	}

	log := Log{Address: ctx.Address, Topics: []Hash{contractExecutedTopic}, Data: output}
	return &ExecResult{Success: true, ReturnData: output, GasUsed: ctx.Gas.Used(), Logs: []Log{log}}, true
}

// contractExecutedTopic is the fixed log topic for the "ContractExecuted"
// event emitted by every AI fast-path call (§4.5.3).
var contractExecutedTopic = KeccakHash([]byte("ContractExecuted"))

func scanForAIOpcode(code []byte) (Opcode, bool) {
	for _, b := range code {
		switch Opcode(b) {
		case TENSOR_OP, MODEL_LOAD, MODEL_EXEC, ZK_PROVE, ZK_VERIFY:
			return Opcode(b), true
		}
	}
	return 0, false
}

// execTensorOp charges 100 gas per dimension (§4.5.3/§4.5.6), where the
// dimension count is the first 4 bytes of calldata (big-endian uint32);
// it echoes the remaining calldata back as output.
func execTensorOp(calldata []byte) ([]byte, uint64, error) {
	if len(calldata) < 4 {
		return nil, GasCost(TENSOR_OP), ErrInvalidInput
	}
	dims := binary.BigEndian.Uint32(calldata[:4])
	gas := GasCost(TENSOR_OP) + 100*uint64(dims)
	return calldata[4:], gas, nil
}

// execModelLoad charges size_bytes/1024 on top of the base model_load
// cost (§4.5.6); calldata is treated as the model payload.
func execModelLoad(calldata []byte) ([]byte, uint64, error) {
	gas := GasCost(MODEL_LOAD) + uint64(len(calldata))/1024
	hash := KeccakHash(calldata)
	return hash[:], gas, nil
}

// execModelExec runs §4.5.5 inference against the model hash encoded in
// the first 32 bytes of calldata, with the remainder as input.
func execModelExec(ctx *CallContext) ([]byte, uint64, error) {
	if len(ctx.CallData) < 32 {
		return nil, GasCost(MODEL_EXEC), ErrInvalidInput
	}
	modelHash := BytesToHash(ctx.CallData[:32])
	input := ctx.CallData[32:]
	env := &PrecompileEnv{State: ctx.State, Caller: ctx.Caller, BlockTime: ctx.BlockTime}
	output, infGas, err := ExecuteInference(env, modelHash, input)
	return output, GasCost(MODEL_EXEC) + infGas, err
}

// execZKProve charges 1000 * min(input_len, 1024) (§4.5.3/§4.5.6). Without
// a real proving backend wired in, it returns a deterministic digest of
// the input as a placeholder proof — callers only need a stable,
// input-dependent value to exercise ZK_VERIFY against.
func execZKProve(calldata []byte) ([]byte, uint64, error) {
	n := len(calldata)
	if n > 1024 {
		n = 1024
	}
	gas := GasCost(ZK_PROVE) + 1000*uint64(n)
	proof := KeccakHash(calldata)
	return proof[:], gas, nil
}

// execZKVerify charges 5000 + 10*public_input_len (§4.5.3/§4.5.6).
// Calldata layout: 32-byte proof || remaining public inputs. Verification
// is a stand-in equality check against execZKProve's digest convention,
// since no external proving system is wired into this node.
func execZKVerify(calldata []byte) ([]byte, uint64, error) {
	if len(calldata) < 32 {
		return nil, GasCost(ZK_VERIFY), ErrInvalidInput
	}
	proof := calldata[:32]
	publicInputs := calldata[32:]
	gas := GasCost(ZK_VERIFY) + 10*uint64(len(publicInputs))
	expected := KeccakHash(publicInputs)
	ok := BytesToHash(proof) == expected
	if ok {
		return []byte{1}, gas, nil
	}
	return []byte{0}, gas, nil
}
