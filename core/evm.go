// core/evm.go
package core

// EVM-compatible interpreter (§4.5.2) plus the AI opcode fast-path
// (§4.5.3). Grounded on the teacher's virtual_machine.go: GasMeter,
// Memory, VMContext, Receipt, Log and the VM interface are the direct
// descendants of that file's types; the teacher's six-opcode LightVM
// byte-loop is generalised here into the full normative opcode set.
// holiman/uint256 replaces the teacher's raw-byte-slice "AddBigInts"
// helper for 256-bit stack arithmetic.

import (
	"math/big"

	"github.com/holiman/uint256"
)

// Memory is the linear byte-array opcodes read from and write to (kept
// from virtual_machine.go's Memory interface, with a concrete byte-slice
// implementation instead of the teacher's unexported struct).
type Memory struct {
	store []byte
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Len() int { return len(m.store) }

func (m *Memory) ensure(offset, size uint64) {
	end := offset + size
	if uint64(len(m.store)) < end {
		grown := make([]byte, end)
		copy(grown, m.store)
		m.store = grown
	}
}

func (m *Memory) Read(offset, size uint64) []byte {
	m.ensure(offset, size)
	out := make([]byte, size)
	copy(out, m.store[offset:offset+size])
	return out
}

func (m *Memory) Write(offset uint64, data []byte) {
	m.ensure(offset, uint64(len(data)))
	copy(m.store[offset:], data)
}

// memWords returns ceil(size/32), used for the memory-expansion gas
// formula 3*w + w^2/512 (§4.5.2).
func memWords(size uint64) uint64 { return (size + 31) / 32 }

func memExpansionGas(words uint64) uint64 {
	return 3*words + (words*words)/512
}

// GasMeter tracks gas usage and enforces the execution gas limit (kept
// from virtual_machine.go's GasMeter).
type GasMeter struct {
	used  uint64
	limit uint64
}

func NewGasMeter(limit uint64) *GasMeter { return &GasMeter{limit: limit} }

func (g *GasMeter) Remaining() uint64 {
	if g.used >= g.limit {
		return 0
	}
	return g.limit - g.used
}

func (g *GasMeter) Used() uint64 { return g.used }

// Charge deducts amount, returning ErrOutOfGas if it would exceed the
// limit.
func (g *GasMeter) Charge(amount uint64) error {
	if g.used+amount > g.limit {
		g.used = g.limit
		return ErrOutOfGas
	}
	g.used += amount
	return nil
}

// AccessList implements EIP-2929 warm/cold tracking for accounts and
// storage slots (§4.5.2).
type AccessList struct {
	accounts map[Address]bool
	storage  map[storageKey]bool
}

func NewAccessList() *AccessList {
	return &AccessList{accounts: make(map[Address]bool), storage: make(map[storageKey]bool)}
}

// ChargeAccount returns the gas to charge for accessing addr, marking it
// warm thereafter.
func (al *AccessList) ChargeAccount(addr Address) uint64 {
	if al.accounts[addr] {
		return GasWarmAccess
	}
	al.accounts[addr] = true
	return GasColdAccount
}

// ChargeStorage returns the gas to charge for accessing addr's slot key.
func (al *AccessList) ChargeStorage(addr Address, key []byte) uint64 {
	k := storageKey{addr: addr, key: string(key)}
	if al.storage[k] {
		return GasWarmAccess
	}
	al.storage[k] = true
	return GasColdStorageSlot
}

// CallContext is everything an opcode needs about the current call and
// the enclosing block/chain (kept from virtual_machine.go's VMContext and
// ChainContext, merged into one struct since this node has a single
// execution engine rather than three VM tiers).
type CallContext struct {
	Address     Address // executing contract
	Caller      Address
	Origin      Address
	CallValue   uint64
	CallData    []byte
	Code        []byte

	BlockNumber uint64
	BlockTime   int64
	ChainID     uint64
	GasPrice    uint64
	BaseFee     uint64
	BlockGasLimit uint64
	PrevRandao  Hash
	Coinbase    Address

	State      *StateDB
	Gas        *GasMeter
	Memory     *Memory
	Access     *AccessList
	Transient  map[storageKey][]byte

	ReturnData []byte
	Depth      int
}

// ExecResult is the outcome of running one call frame (kept from
// virtual_machine.go's Receipt, narrowed to what the interpreter itself
// produces; the executor assembles the final TransactionReceipt).
type ExecResult struct {
	Success    bool
	ReturnData []byte
	GasUsed    uint64
	Logs       []Log
	Err        error
}

type evmState struct {
	stack []*uint256.Int
	pc    uint64
}

func (s *evmState) push(v *uint256.Int) error {
	if len(s.stack) >= 1024 {
		return ErrStackOverflow
	}
	s.stack = append(s.stack, v)
	return nil
}

func (s *evmState) pop() (*uint256.Int, error) {
	if len(s.stack) == 0 {
		return nil, ErrStackUnderflow
	}
	v := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	return v, nil
}

func (s *evmState) peek(n int) (*uint256.Int, error) {
	if len(s.stack) <= n {
		return nil, ErrStackUnderflow
	}
	return s.stack[len(s.stack)-1-n], nil
}

// Execute interprets ctx.Code against ctx.CallData, per §4.5.2. The AI
// opcode fast-path (§4.5.3) is checked first: if any of TENSOR_OP,
// MODEL_LOAD, MODEL_EXEC, ZK_PROVE, ZK_VERIFY appear anywhere in the code,
// execution diverts to the AI opcode handler entirely and the normal
// interpreter never runs.
func Execute(ctx *CallContext) *ExecResult {
	if ai, handled := tryAIOpcodeFastPath(ctx); handled {
		return ai
	}
	return runInterpreter(ctx)
}

func runInterpreter(ctx *CallContext) *ExecResult {
	st := &evmState{}
	jumpdests := collectJumpdests(ctx.Code)
	var logs []Log

	for st.pc < uint64(len(ctx.Code)) {
		op := Opcode(ctx.Code[st.pc])

		if err := ctx.Gas.Charge(GasCost(op)); err != nil {
			return &ExecResult{Success: false, Err: err, GasUsed: ctx.Gas.Used()}
		}

		switch {
		case op == STOP:
			return &ExecResult{Success: true, GasUsed: ctx.Gas.Used(), Logs: logs}

		case op == ADD, op == MUL, op == SUB, op == DIV, op == SDIV,
			op == MOD, op == SMOD, op == EXP, op == SIGNEXTEND:
			if err := execBinaryArith(st, op); err != nil {
				return failResult(ctx, logs, err)
			}
			st.pc++

		case op == ADDMOD || op == MULMOD:
			if err := execTernaryArith(st, op); err != nil {
				return failResult(ctx, logs, err)
			}
			st.pc++

		case op == LT, op == GT, op == SLT, op == SGT, op == EQ:
			if err := execCompare(st, op); err != nil {
				return failResult(ctx, logs, err)
			}
			st.pc++

		case op == ISZERO:
			a, err := st.pop()
			if err != nil {
				return failResult(ctx, logs, err)
			}
			if a.IsZero() {
				_ = st.push(uint256.NewInt(1))
			} else {
				_ = st.push(uint256.NewInt(0))
			}
			st.pc++

		case op == AND, op == OR, op == XOR, op == NOT, op == BYTE,
			op == SHL, op == SHR, op == SAR:
			if err := execBitwise(st, op); err != nil {
				return failResult(ctx, logs, err)
			}
			st.pc++

		case op == KECCAK256:
			if err := execKeccak(ctx, st); err != nil {
				return failResult(ctx, logs, err)
			}
			st.pc++

		case op == ADDRESS:
			_ = st.push(addrToUint256(ctx.Address))
			st.pc++
		case op == BALANCE:
			a, err := st.pop()
			if err != nil {
				return failResult(ctx, logs, err)
			}
			addr := uint256ToAddr(a)
			if err := ctx.Gas.Charge(ctx.Access.ChargeAccount(addr)); err != nil {
				return failResult(ctx, logs, err)
			}
			_ = st.push(uint256.NewInt(ctx.State.GetBalance(addr)))
			st.pc++
		case op == ORIGIN:
			_ = st.push(addrToUint256(ctx.Origin))
			st.pc++
		case op == CALLER:
			_ = st.push(addrToUint256(ctx.Caller))
			st.pc++
		case op == CALLVALUE:
			_ = st.push(uint256.NewInt(ctx.CallValue))
			st.pc++
		case op == CALLDATALOAD:
			if err := execCalldataLoad(ctx, st); err != nil {
				return failResult(ctx, logs, err)
			}
			st.pc++
		case op == CALLDATASIZE:
			_ = st.push(uint256.NewInt(uint64(len(ctx.CallData))))
			st.pc++
		case op == CALLDATACOPY:
			if err := execCopy(st, ctx.Memory, ctx.CallData); err != nil {
				return failResult(ctx, logs, err)
			}
			st.pc++
		case op == CODESIZE:
			_ = st.push(uint256.NewInt(uint64(len(ctx.Code))))
			st.pc++
		case op == CODECOPY:
			if err := execCopy(st, ctx.Memory, ctx.Code); err != nil {
				return failResult(ctx, logs, err)
			}
			st.pc++
		case op == GASPRICE:
			_ = st.push(uint256.NewInt(ctx.GasPrice))
			st.pc++
		case op == EXTCODESIZE:
			a, err := st.pop()
			if err != nil {
				return failResult(ctx, logs, err)
			}
			addr := uint256ToAddr(a)
			if err := ctx.Gas.Charge(ctx.Access.ChargeAccount(addr)); err != nil {
				return failResult(ctx, logs, err)
			}
			code := ctx.State.GetCode(ctx.State.GetCodeHash(addr))
			_ = st.push(uint256.NewInt(uint64(len(code))))
			st.pc++
		case op == EXTCODECOPY:
			a, err := st.pop()
			if err != nil {
				return failResult(ctx, logs, err)
			}
			addr := uint256ToAddr(a)
			if err := ctx.Gas.Charge(ctx.Access.ChargeAccount(addr)); err != nil {
				return failResult(ctx, logs, err)
			}
			code := ctx.State.GetCode(ctx.State.GetCodeHash(addr))
			if err := execCopy(st, ctx.Memory, code); err != nil {
				return failResult(ctx, logs, err)
			}
			st.pc++
		case op == RETURNDATASIZE:
			_ = st.push(uint256.NewInt(uint64(len(ctx.ReturnData))))
			st.pc++
		case op == RETURNDATACOPY:
			if err := execCopy(st, ctx.Memory, ctx.ReturnData); err != nil {
				return failResult(ctx, logs, err)
			}
			st.pc++
		case op == EXTCODEHASH:
			a, err := st.pop()
			if err != nil {
				return failResult(ctx, logs, err)
			}
			addr := uint256ToAddr(a)
			_ = st.push(new(uint256.Int).SetBytes(ctx.State.GetCodeHash(addr).Bytes()))
			st.pc++

		case op == BLOCKHASH:
			_, err := st.pop()
			if err != nil {
				return failResult(ctx, logs, err)
			}
			_ = st.push(uint256.NewInt(0)) // always 0: the interpreter has no access to historical block hashes
			st.pc++
		case op == COINBASE:
			_ = st.push(addrToUint256(ctx.Coinbase))
			st.pc++
		case op == TIMESTAMP:
			_ = st.push(uint256.NewInt(uint64(ctx.BlockTime)))
			st.pc++
		case op == NUMBER:
			_ = st.push(uint256.NewInt(ctx.BlockNumber))
			st.pc++
		case op == PREVRANDAO:
			_ = st.push(new(uint256.Int).SetBytes(ctx.PrevRandao.Bytes()))
			st.pc++
		case op == GASLIMIT:
			_ = st.push(uint256.NewInt(ctx.BlockGasLimit))
			st.pc++
		case op == CHAINID:
			_ = st.push(uint256.NewInt(ctx.ChainID))
			st.pc++
		case op == SELFBALANCE:
			_ = st.push(uint256.NewInt(ctx.State.GetBalance(ctx.Address)))
			st.pc++
		case op == BASEFEE:
			_ = st.push(uint256.NewInt(ctx.BaseFee))
			st.pc++

		case op == POP:
			if _, err := st.pop(); err != nil {
				return failResult(ctx, logs, err)
			}
			st.pc++
		case op == MLOAD:
			if err := execMload(ctx, st); err != nil {
				return failResult(ctx, logs, err)
			}
			st.pc++
		case op == MSTORE:
			if err := execMstore(ctx, st, 32); err != nil {
				return failResult(ctx, logs, err)
			}
			st.pc++
		case op == MSTORE8:
			if err := execMstore(ctx, st, 1); err != nil {
				return failResult(ctx, logs, err)
			}
			st.pc++
		case op == SLOAD:
			if err := execSload(ctx, st); err != nil {
				return failResult(ctx, logs, err)
			}
			st.pc++
		case op == SSTORE:
			if err := execSstore(ctx, st); err != nil {
				return failResult(ctx, logs, err)
			}
			st.pc++
		case op == JUMP:
			dest, err := st.pop()
			if err != nil {
				return failResult(ctx, logs, err)
			}
			d := dest.Uint64()
			if !jumpdests[d] {
				return failResult(ctx, logs, ErrInvalidJumpDest)
			}
			st.pc = d
		case op == JUMPI:
			dest, err := st.pop()
			if err != nil {
				return failResult(ctx, logs, err)
			}
			cond, err := st.pop()
			if err != nil {
				return failResult(ctx, logs, err)
			}
			if !cond.IsZero() {
				d := dest.Uint64()
				if !jumpdests[d] {
					return failResult(ctx, logs, ErrInvalidJumpDest)
				}
				st.pc = d
			} else {
				st.pc++
			}
		case op == PC:
			_ = st.push(uint256.NewInt(st.pc))
			st.pc++
		case op == MSIZE:
			_ = st.push(uint256.NewInt(uint64(ctx.Memory.Len())))
			st.pc++
		case op == GAS:
			_ = st.push(uint256.NewInt(ctx.Gas.Remaining()))
			st.pc++
		case op == JUMPDEST:
			st.pc++
		case op == TLOAD:
			if err := execTload(ctx, st); err != nil {
				return failResult(ctx, logs, err)
			}
			st.pc++
		case op == TSTORE:
			if err := execTstore(ctx, st); err != nil {
				return failResult(ctx, logs, err)
			}
			st.pc++
		case op == MCOPY:
			if err := execMcopy(ctx, st); err != nil {
				return failResult(ctx, logs, err)
			}
			st.pc++
		case op == PUSH0:
			_ = st.push(uint256.NewInt(0))
			st.pc++

		case isPush(op):
			n := pushSize(op)
			start := st.pc + 1
			end := start + uint64(n)
			var raw []byte
			if end > uint64(len(ctx.Code)) {
				raw = append(append([]byte(nil), ctx.Code[start:]...), make([]byte, end-uint64(len(ctx.Code)))...)
			} else {
				raw = ctx.Code[start:end]
			}
			_ = st.push(new(uint256.Int).SetBytes(raw))
			st.pc = end

		case isDup(op):
			n := dupN(op)
			v, err := st.peek(n - 1)
			if err != nil {
				return failResult(ctx, logs, err)
			}
			_ = st.push(new(uint256.Int).Set(v))
			st.pc++

		case isSwap(op):
			n := swapN(op)
			if len(st.stack) <= n {
				return failResult(ctx, logs, ErrStackUnderflow)
			}
			i := len(st.stack) - 1
			j := i - n
			st.stack[i], st.stack[j] = st.stack[j], st.stack[i]
			st.pc++

		case isLog(op):
			if err := execLog(ctx, st, &logs, logN(op)); err != nil {
				return failResult(ctx, logs, err)
			}
			st.pc++

		case op == RETURN:
			off, sz, err := popOffsetSize(st)
			if err != nil {
				return failResult(ctx, logs, err)
			}
			chargeMemExpansion(ctx, off+sz)
			data := ctx.Memory.Read(off, sz)
			return &ExecResult{Success: true, ReturnData: data, GasUsed: ctx.Gas.Used(), Logs: logs}

		case op == REVERT:
			off, sz, err := popOffsetSize(st)
			if err != nil {
				return failResult(ctx, logs, err)
			}
			chargeMemExpansion(ctx, off+sz)
			data := ctx.Memory.Read(off, sz)
			return &ExecResult{Success: false, ReturnData: data, GasUsed: ctx.Gas.Used(),
				Err: &RevertedError{Msg: string(data)}, Logs: logs}

		case op == INVALID:
			return failResult(ctx, logs, &InvalidOpcodeError{Op: byte(op)})

		case op == SELFDESTRUCT:
			a, err := st.pop()
			if err != nil {
				return failResult(ctx, logs, err)
			}
			beneficiary := uint256ToAddr(a)
			bal := ctx.State.GetBalance(ctx.Address)
			ctx.State.SetBalance(ctx.Address, 0)
			ctx.State.Credit(beneficiary, bal)
			return &ExecResult{Success: true, GasUsed: ctx.Gas.Used(), Logs: logs}

		case op == CREATE, op == CALL, op == CALLCODE, op == DELEGATECALL,
			op == CREATE2, op == STATICCALL:
			// Nested external calls are out of this node's single-process
			// execution surface: execSystemStub pops the operands and
			// pushes 0 (a failed call, or a zero address for CREATE and
			// CREATE2) without running any callee code.
			if err := execSystemStub(st, op); err != nil {
				return failResult(ctx, logs, err)
			}
			st.pc++

		default:
			return failResult(ctx, logs, &InvalidOpcodeError{Op: byte(op)})
		}
	}
	return &ExecResult{Success: true, GasUsed: ctx.Gas.Used(), Logs: logs}
}

func failResult(ctx *CallContext, logs []Log, err error) *ExecResult {
	return &ExecResult{Success: false, Err: err, GasUsed: ctx.Gas.Used(), Logs: logs}
}

func collectJumpdests(code []byte) map[uint64]bool {
	dests := make(map[uint64]bool)
	i := 0
	for i < len(code) {
		op := Opcode(code[i])
		if op == JUMPDEST {
			dests[uint64(i)] = true
			i++
			continue
		}
		if isPush(op) {
			i += 1 + pushSize(op)
			continue
		}
		i++
	}
	return dests
}

func addrToUint256(a Address) *uint256.Int {
	var b [32]byte
	copy(b[12:], a[:])
	return new(uint256.Int).SetBytes(b[:])
}

func uint256ToAddr(v *uint256.Int) Address {
	b := v.Bytes32()
	var a Address
	copy(a[:], b[12:32])
	return a
}

func chargeMemExpansion(ctx *CallContext, upTo uint64) {
	words := memWords(upTo)
	_ = ctx.Gas.Charge(memExpansionGas(words))
}

func popOffsetSize(st *evmState) (off, size uint64, err error) {
	o, err := st.pop()
	if err != nil {
		return 0, 0, err
	}
	s, err := st.pop()
	if err != nil {
		return 0, 0, err
	}
	return o.Uint64(), s.Uint64(), nil
}

func execBinaryArith(st *evmState, op Opcode) error {
	b, err := st.pop()
	if err != nil {
		return err
	}
	a, err := st.pop()
	if err != nil {
		return err
	}
	// b is the stack top (s[0]), a is s[1]; the Yellow Paper defines each of
	// these as f(s[0], s[1]), so b comes first in every non-commutative op.
	res := new(uint256.Int)
	switch op {
	case ADD:
		res.Add(a, b)
	case MUL:
		res.Mul(a, b)
	case SUB:
		res.Sub(b, a)
	case DIV:
		if a.IsZero() {
			res.Clear()
		} else {
			res.Div(b, a)
		}
	case SDIV:
		if a.IsZero() {
			res.Clear()
		} else {
			res.SDiv(b, a)
		}
	case MOD:
		if a.IsZero() {
			res.Clear()
		} else {
			res.Mod(b, a)
		}
	case SMOD:
		// SMOD with divisor 0 yields 0; result takes the sign of the
		// dividend (§4.5.2) — uint256.SMod already implements this.
		if a.IsZero() {
			res.Clear()
		} else {
			res.SMod(b, a)
		}
	case EXP:
		res.Exp(b, a)
	case SIGNEXTEND:
		res.ExtendSign(a, b)
	}
	return st.push(res)
}

func execTernaryArith(st *evmState, op Opcode) error {
	a, err := st.pop()
	if err != nil {
		return err
	}
	b, err := st.pop()
	if err != nil {
		return err
	}
	n, err := st.pop()
	if err != nil {
		return err
	}
	res := new(uint256.Int)
	if n.IsZero() {
		res.Clear()
	} else if op == ADDMOD {
		res.AddMod(a, b, n)
	} else {
		res.MulMod(a, b, n)
	}
	return st.push(res)
}

func execCompare(st *evmState, op Opcode) error {
	b, err := st.pop()
	if err != nil {
		return err
	}
	a, err := st.pop()
	if err != nil {
		return err
	}
	// b is the stack top (s[0]), a is s[1]; EVM comparisons are s[0] OP s[1].
	var result bool
	switch op {
	case LT:
		result = b.Lt(a)
	case GT:
		result = b.Gt(a)
	case SLT:
		result = b.Slt(a)
	case SGT:
		result = b.Sgt(a)
	case EQ:
		result = a.Eq(b)
	}
	if result {
		return st.push(uint256.NewInt(1))
	}
	return st.push(uint256.NewInt(0))
}

func execBitwise(st *evmState, op Opcode) error {
	if op == NOT {
		a, err := st.pop()
		if err != nil {
			return err
		}
		return st.push(new(uint256.Int).Not(a))
	}
	b, err := st.pop()
	if err != nil {
		return err
	}
	a, err := st.pop()
	if err != nil {
		return err
	}
	res := new(uint256.Int)
	switch op {
	case AND:
		res.And(a, b)
	case OR:
		res.Or(a, b)
	case XOR:
		res.Xor(a, b)
	case BYTE:
		// Stack order is (i, x) with i on top (b) and x underneath (a);
		// uint256's Byte(n) mutates its receiver in place to the n-th byte.
		a.Byte(b)
		res = a
	case SHL:
		// Stack order is (shift, value) with shift on top (b).
		if b.Uint64() >= 256 {
			res.Clear()
		} else {
			res.Lsh(a, uint(b.Uint64()))
		}
	case SHR:
		if b.Uint64() >= 256 {
			res.Clear()
		} else {
			res.Rsh(a, uint(b.Uint64()))
		}
	case SAR:
		if b.Uint64() >= 256 {
			if a.Sign() < 0 {
				res.SetAllOne()
			} else {
				res.Clear()
			}
		} else {
			res.SRsh(a, uint(b.Uint64()))
		}
	}
	return st.push(res)
}

func execKeccak(ctx *CallContext, st *evmState) error {
	off, size, err := popOffsetSize(st)
	if err != nil {
		return err
	}
	chargeMemExpansion(ctx, off+size)
	if err := ctx.Gas.Charge(6 * memWords(size)); err != nil {
		return err
	}
	data := ctx.Memory.Read(off, size)
	h := KeccakHash(data)
	return st.push(new(uint256.Int).SetBytes(h[:]))
}

func execCalldataLoad(ctx *CallContext, st *evmState) error {
	off, err := st.pop()
	if err != nil {
		return err
	}
	o := off.Uint64()
	buf := make([]byte, 32)
	for i := 0; i < 32; i++ {
		idx := o + uint64(i)
		if idx < uint64(len(ctx.CallData)) {
			buf[i] = ctx.CallData[idx]
		}
	}
	return st.push(new(uint256.Int).SetBytes(buf))
}

func execCopy(st *evmState, mem *Memory, src []byte) error {
	destOff, err := st.pop()
	if err != nil {
		return err
	}
	srcOff, err := st.pop()
	if err != nil {
		return err
	}
	size, err := st.pop()
	if err != nil {
		return err
	}
	sz := size.Uint64()
	so := srcOff.Uint64()
	buf := make([]byte, sz)
	for i := uint64(0); i < sz; i++ {
		idx := so + i
		if idx < uint64(len(src)) {
			buf[i] = src[idx]
		}
	}
	mem.Write(destOff.Uint64(), buf)
	return nil
}

func execMload(ctx *CallContext, st *evmState) error {
	off, err := st.pop()
	if err != nil {
		return err
	}
	o := off.Uint64()
	chargeMemExpansion(ctx, o+32)
	data := ctx.Memory.Read(o, 32)
	return st.push(new(uint256.Int).SetBytes(data))
}

func execMstore(ctx *CallContext, st *evmState, width int) error {
	off, err := st.pop()
	if err != nil {
		return err
	}
	val, err := st.pop()
	if err != nil {
		return err
	}
	o := off.Uint64()
	chargeMemExpansion(ctx, o+uint64(width))
	if width == 32 {
		b := val.Bytes32()
		ctx.Memory.Write(o, b[:])
	} else {
		b := val.Bytes32()
		ctx.Memory.Write(o, b[31:32])
	}
	return nil
}

func execSload(ctx *CallContext, st *evmState) error {
	key, err := st.pop()
	if err != nil {
		return err
	}
	kb := key.Bytes32()
	if err := ctx.Gas.Charge(ctx.Access.ChargeStorage(ctx.Address, kb[:])); err != nil {
		return err
	}
	v := ctx.State.GetStorage(ctx.Address, kb[:])
	return st.push(new(uint256.Int).SetBytes(v))
}

func execSstore(ctx *CallContext, st *evmState) error {
	key, err := st.pop()
	if err != nil {
		return err
	}
	val, err := st.pop()
	if err != nil {
		return err
	}
	kb := key.Bytes32()
	current := ctx.State.GetStorage(ctx.Address, kb[:])
	vb := val.Bytes32()

	// EIP-2200 accounting (§4.5.2): no-op 100, set 20000, clear 2300,
	// modify 2900. "no-op" = value unchanged; "clear" = new value zero
	// and old value non-zero; "set" = old value zero and new non-zero;
	// otherwise "modify".
	var gas uint64
	oldZero := isAllZero(current)
	newZero := val.IsZero()
	switch {
	case bytesEqual(current, vb[:]):
		gas = GasSStoreNoop
	case oldZero && !newZero:
		gas = GasSStoreSet
	case !oldZero && newZero:
		gas = GasSStoreClear
	default:
		gas = GasSStoreModify
	}
	if err := ctx.Gas.Charge(gas); err != nil {
		return err
	}
	if newZero {
		ctx.State.DeleteStorage(ctx.Address, kb[:])
	} else {
		ctx.State.SetStorage(ctx.Address, kb[:], vb[:])
	}
	return nil
}

func isAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func bytesEqual(a, b []byte) bool {
	if len(a) == 0 {
		a = make([]byte, 32)
	}
	if len(b) == 0 {
		b = make([]byte, 32)
	}
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// execTload/execTstore implement EIP-1153 transient storage. It lives on
// the CallContext, which ExecuteTransaction builds anew (with no transient
// map) for each transaction, so it starts empty per transaction; nothing
// clears it explicitly.
func execTload(ctx *CallContext, st *evmState) error {
	key, err := st.pop()
	if err != nil {
		return err
	}
	kb := key.Bytes32()
	if ctx.Transient == nil {
		return st.push(uint256.NewInt(0))
	}
	v := ctx.Transient[storageKey{addr: ctx.Address, key: string(kb[:])}]
	return st.push(new(uint256.Int).SetBytes(v))
}

func execTstore(ctx *CallContext, st *evmState) error {
	key, err := st.pop()
	if err != nil {
		return err
	}
	val, err := st.pop()
	if err != nil {
		return err
	}
	if ctx.Transient == nil {
		ctx.Transient = make(map[storageKey][]byte)
	}
	kb := key.Bytes32()
	vb := val.Bytes32()
	ctx.Transient[storageKey{addr: ctx.Address, key: string(kb[:])}] = append([]byte(nil), vb[:]...)
	return nil
}

func execMcopy(ctx *CallContext, st *evmState) error {
	dest, err := st.pop()
	if err != nil {
		return err
	}
	src, err := st.pop()
	if err != nil {
		return err
	}
	size, err := st.pop()
	if err != nil {
		return err
	}
	sz := size.Uint64()
	if sz == 0 {
		// MCOPY of size 0 is a no-op, charges only the already-applied base
		// cost (§8 boundary behaviour).
		return nil
	}
	chargeMemExpansion(ctx, maxU64(dest.Uint64()+sz, src.Uint64()+sz))
	if err := ctx.Gas.Charge(3 * memWords(sz)); err != nil {
		return err
	}
	data := ctx.Memory.Read(src.Uint64(), sz)
	ctx.Memory.Write(dest.Uint64(), data)
	return nil
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func execLog(ctx *CallContext, st *evmState, logs *[]Log, n int) error {
	off, size, err := popOffsetSize(st)
	if err != nil {
		return err
	}
	topics := make([]Hash, 0, n)
	for i := 0; i < n; i++ {
		t, err := st.pop()
		if err != nil {
			return err
		}
		topics = append(topics, BytesToHash(t.Bytes32()[:]))
	}
	chargeMemExpansion(ctx, off+size)
	if err := ctx.Gas.Charge(uint64(n) * 375); err != nil {
		return err
	}
	data := ctx.Memory.Read(off, size)
	*logs = append(*logs, Log{Address: ctx.Address, Topics: topics, Data: data})
	return nil
}

// execSystemStub handles CREATE/CALL/CALLCODE/DELEGATECALL/CREATE2/
// STATICCALL when reached via ordinary dispatch (i.e. the AI fast-path did
// not intercept them). This single-process interpreter has no nested
// external-call machinery; it pushes a zero "failure" word for CALL-family
// opcodes (conservative: callers must check the return value, matching
// real EVM semantics for calls to non-existent targets) and a zero address
// for CREATE-family opcodes.
func execSystemStub(st *evmState, op Opcode) error {
	switch op {
	case CREATE, CREATE2:
		_, err := st.pop() // value
		if err != nil {
			return err
		}
		_, _, err = popOffsetSize(st) // offset, size
		if err != nil {
			return err
		}
		if op == CREATE2 {
			if _, err := st.pop(); err != nil { // salt
				return err
			}
		}
		return st.push(uint256.NewInt(0))
	default: // CALL, CALLCODE, DELEGATECALL, STATICCALL
		nPop := 6
		if op == DELEGATECALL || op == STATICCALL {
			nPop = 5
		}
		for i := 0; i < nPop; i++ {
			if _, err := st.pop(); err != nil {
				return err
			}
		}
		return st.push(uint256.NewInt(0))
	}
}

// bigFromUint256 is a small interop helper kept for callers (precompiles)
// that still reason in math/big terms.
func bigFromUint256(v *uint256.Int) *big.Int { return v.ToBig() }
