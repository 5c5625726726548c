// core/contracts.go
package core

// Transaction dispatch (§4.5.1): snapshot, nonce/balance checks, gas
// debit, classification, execution, refund/charge, receipt. Grounded on
// the teacher's account_and_balance_operations.go (balance/nonce check
// ordering) and virtual_machine.go's Execute/Receipt shape, generalised
// from the teacher's single VM tier into the dispatch table this spec
// names: transfer, deploy, EVM call, and the three model-precompile tx
// classes.

import "github.com/ethereum/go-ethereum/crypto"

// ExecutionContext bundles the block-level values every tx execution
// needs (§4.5.1, §4.5.2 environmental opcodes).
type ExecutionContext struct {
	BlockHash     Hash
	BlockNumber   uint64
	BlockTime     int64
	Coinbase      Address
	PrevRandao    Hash
	ChainID       uint64
	BaseFee       uint64
	BlockGasLimit uint64

	Artifact  ArtifactService
	Inference InferenceService
}

// Executor implements C6: transaction dispatch, gas accounting, the EVM
// interpreter, AI precompiles and AI opcodes.
type Executor struct {
	State *StateDB
}

func NewExecutor(state *StateDB) *Executor { return &Executor{State: state} }

// ExecuteTransaction runs the full §4.5.1 dispatch pipeline for one tx and
// returns its receipt. It never returns a Go error for ordinary execution
// failure — failures are represented as status=false receipts, per §4.5.1
// step 6/7; a non-nil error return means the tx must not be included at
// all (the InsufficientBalance case, step 3).
func (ex *Executor) ExecuteTransaction(blockHash Hash, blockNumber uint64, tx *Transaction, ectx *ExecutionContext) (*TransactionReceipt, error) {
	sender := tx.FromAddress()
	snapshot := ex.State.Snapshot()

	// Step 2: nonce check.
	if err := ex.State.CheckAndIncrementNonce(sender, tx.Nonce); err != nil {
		ex.State.Restore(snapshot)
		return &TransactionReceipt{
			TxHash: tx.Hash, BlockHash: blockHash, BlockNumber: blockNumber,
			From: sender, GasUsed: 0, Status: false,
		}, nil
	}

	// Step 3: balance check (value + gas_limit*gas_price). Insufficient
	// balance means the tx is not included at all (caller policy).
	valueHi, valueLo := tx.ValueHiLo()
	if valueHi != 0 {
		ex.State.Restore(snapshot)
		return nil, &InsufficientBalanceError{Need: ^uint64(0), Have: ex.State.GetBalance(sender)}
	}
	value := valueLo
	cost := tx.GasLimit * tx.GasPrice
	need := cost + value
	have := ex.State.GetBalance(sender)
	if have < need {
		ex.State.Restore(snapshot)
		return nil, &InsufficientBalanceError{Need: need, Have: have}
	}

	// Step 4: debit gas_limit*gas_price.
	if err := ex.State.Debit(sender, cost); err != nil {
		ex.State.Restore(snapshot)
		return nil, err
	}

	// Step 5: classify.
	class := tx.Classify()

	gasMeter := NewGasMeter(tx.GasLimit)
	var (
		toAddr  *Address
		output  []byte
		logs    []Log
		success bool
	)

	switch class {
	case TxClassTransfer:
		to, _ := tx.ToAddress()
		toAddr = &to
		if err := ex.State.Transfer(sender, to, value); err != nil {
			success = false
		} else {
			success = true
		}
		_ = gasMeter.Charge(GasTransfer)

	case TxClassDeploy:
		addr := DeriveContractAddress(sender, tx.Nonce)
		toAddr = &addr
		_ = gasMeter.Charge(GasCreate)

		if isWasmCode(tx.Data) {
			if _, err := CompileWasmContract(tx.Data); err != nil {
				success = false
				break
			}
			ex.State.SetCode(addr, tx.Data)
			if value > 0 {
				success = ex.State.Transfer(sender, addr, value) == nil
			} else {
				success = true
			}
			break
		}

		codeHash := ex.State.SetCode(addr, tx.Data)
		_ = codeHash
		if value > 0 {
			if err := ex.State.Transfer(sender, addr, value); err != nil {
				success = false
			} else {
				success = true
			}
		} else {
			success = true
		}
		callCtx := ex.newCallContext(addr, sender, sender, value, tx.GasPrice, tx.Data, gasMeter, ectx)
		res := runInterpreter(callCtx)
		output = res.ReturnData
		logs = res.Logs
		success = success && res.Success
		if !res.Success && res.Err != nil {
			success = false
		}

	case TxClassCall:
		to, _ := tx.ToAddress()
		toAddr = &to
		if value > 0 {
			if err := ex.State.Transfer(sender, to, value); err != nil {
				ex.finalizeFailure(sender, snapshot, tx, gasMeter)
				return ex.failureReceipt(tx, blockHash, blockNumber, sender, toAddr, gasMeter), nil
			}
		}
		code := ex.State.GetCode(ex.State.GetCodeHash(to))
		if addr, _ := tx.ToAddress(); isPrecompile(addr) {
			env := &PrecompileEnv{State: ex.State, Caller: sender, CallValue: value, BlockTime: ectx.BlockTime,
				Artifact: ectx.Artifact, Inference: ectx.Inference,
				EmitLog: func(l Log) { logs = append(logs, l) }}
			out, precompileGas, err := RunPrecompile(env, addr, tx.Data)
			if chargeErr := gasMeter.Charge(GasCallBase + precompileGas); chargeErr != nil {
				success = false
			} else if err != nil {
				success = false
			} else {
				output = out
				success = true
			}
		} else if isWasmCode(code) {
			mod, err := CompileWasmContract(code)
			if err != nil {
				success = false
			} else if out, err := ExecuteWasmCall(mod, tx.Data); err != nil {
				success = false
			} else {
				output = out
				success = true
			}
			_ = gasMeter.Charge(GasCallBase)
		} else {
			callCtx := ex.newCallContext(to, sender, sender, value, tx.GasPrice, tx.Data, gasMeter, ectx)
			callCtx.Code = code
			res := Execute(callCtx)
			output = res.ReturnData
			logs = res.Logs
			success = res.Success
		}

	case TxClassRegisterModel, TxClassInferenceRequest, TxClassUpdateModel:
		toAddr = &ModelPrecompileAddr
		env := &PrecompileEnv{State: ex.State, Caller: sender, CallValue: value, BlockTime: ectx.BlockTime,
			Artifact: ectx.Artifact, Inference: ectx.Inference,
			EmitLog: func(l Log) { logs = append(logs, l) }}
		out, precompileGas, err := RunPrecompile(env, ModelPrecompileAddr, tx.Data)
		if chargeErr := gasMeter.Charge(precompileGas); chargeErr != nil {
			success = false
		} else if err != nil {
			success = false
		} else {
			output = out
			success = true
		}

	default:
		success = false
	}

	gasUsed := gasMeter.Used()
	if gasUsed < GasFloor {
		gasUsed = GasFloor
	}
	if gasUsed > tx.GasLimit {
		gasUsed = tx.GasLimit
	}

	if success {
		refund := (tx.GasLimit - gasUsed) * tx.GasPrice
		if refund > 0 {
			ex.State.Credit(sender, refund)
		}
	} else {
		// Step 6 failure path: restore state, re-increment nonce (the
		// restore above undid the nonce bump too), charge gas_used only.
		ex.State.Restore(snapshot)
		ex.State.IncrementNonce(sender)
		_ = ex.State.Debit(sender, gasUsed*tx.GasPrice)
		logs = nil
		output = nil
	}

	return &TransactionReceipt{
		TxHash:      tx.Hash,
		BlockHash:   blockHash,
		BlockNumber: blockNumber,
		From:        sender,
		To:          toAddr,
		GasUsed:     gasUsed,
		Status:      success,
		Logs:        logs,
		Output:      output,
	}, nil
}

func (ex *Executor) finalizeFailure(sender Address, snapshot int, tx *Transaction, meter *GasMeter) {
	ex.State.Restore(snapshot)
	ex.State.IncrementNonce(sender)
	_ = ex.State.Debit(sender, meter.Used()*tx.GasPrice)
}

func (ex *Executor) failureReceipt(tx *Transaction, blockHash Hash, blockNumber uint64, sender Address, to *Address, meter *GasMeter) *TransactionReceipt {
	return &TransactionReceipt{
		TxHash: tx.Hash, BlockHash: blockHash, BlockNumber: blockNumber,
		From: sender, To: to, GasUsed: meter.Used(), Status: false,
	}
}

func (ex *Executor) newCallContext(addr, caller, origin Address, value, gasPrice uint64, calldata []byte, gas *GasMeter, ectx *ExecutionContext) *CallContext {
	return &CallContext{
		Address:       addr,
		Caller:        caller,
		Origin:        origin,
		CallValue:     value,
		CallData:      calldata,
		Code:          ex.State.GetCode(ex.State.GetCodeHash(addr)),
		BlockNumber:   ectx.BlockNumber,
		BlockTime:     ectx.BlockTime,
		ChainID:       ectx.ChainID,
		GasPrice:      gasPrice,
		BaseFee:       ectx.BaseFee,
		BlockGasLimit: ectx.BlockGasLimit,
		PrevRandao:    ectx.PrevRandao,
		Coinbase:      ectx.Coinbase,
		State:         ex.State,
		Gas:           gas,
		Memory:        NewMemory(),
		Access:        NewAccessList(),
	}
}

// DeriveContractAddress implements §9's preserved-verbatim rule:
// keccak256(sender || nonce_be)[12:].
func DeriveContractAddress(sender Address, nonce uint64) Address {
	var nb [8]byte
	beUint64(nb[:], nonce)
	digest := crypto.Keccak256(sender[:], nb[:])
	var a Address
	copy(a[:], digest[12:32])
	return a
}

// DeriveCreate2Address implements §4.5.2's CREATE2 rule:
// keccak256(0xff || sender || salt || keccak256(init_code))[12:].
func DeriveCreate2Address(sender Address, salt [32]byte, initCode []byte) Address {
	initHash := crypto.Keccak256(initCode)
	digest := crypto.Keccak256([]byte{0xff}, sender[:], salt[:], initHash)
	var a Address
	copy(a[:], digest[12:32])
	return a
}

func beUint64(dst []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		dst[i] = byte(v)
		v >>= 8
	}
}

func isPrecompile(addr Address) bool {
	return addr == ModelPrecompileAddr || addr == ArtifactPrecompileAddr || addr == GovernancePrecompileAddr
}
