package core

import "testing"

func TestIsWasmCodeDetectsMagicNumber(t *testing.T) {
	wasm := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	if !isWasmCode(wasm) {
		t.Fatalf("expected wasm magic number to be detected")
	}
}

func TestIsWasmCodeRejectsEvmBytecode(t *testing.T) {
	evm := []byte{byte(PUSH1), 0x00, byte(STOP)}
	if isWasmCode(evm) {
		t.Fatalf("expected ordinary EVM bytecode to not match wasm magic")
	}
}

func TestIsWasmCodeRejectsShortInput(t *testing.T) {
	if isWasmCode([]byte{0x00, 0x61}) {
		t.Fatalf("expected short input to not match")
	}
}
