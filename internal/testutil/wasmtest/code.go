// SPDX-License-Identifier: MPL-2.0

package wasmtest

const (
	opUnreachable = 0x00
	opBlock       = 0x02
	opLoop        = 0x03
	opIf          = 0x04
	opElse        = 0x05
	opEnd         = 0x0b
	opBr          = 0x0c
	opBrIf        = 0x0d
	opReturn      = 0x0f
	opCall        = 0x10
	opDrop        = 0x1a
	opLocalGet    = 0x20
	opLocalSet    = 0x21
	opLocalTee    = 0x22
	opI32Load     = 0x28
	opI32Store    = 0x36
	opMemorySize  = 0x3f
	opMemoryGrow  = 0x40
	opI32Const    = 0x41
	opI64Const    = 0x42
	opI32Eqz      = 0x45
	opI32Eq       = 0x46
	opI32Ne       = 0x47
	opI32LtS      = 0x48
	opI32Add      = 0x6a
	opI32Sub      = 0x6b

	blockTypeEmpty = 0x40
)

// Code concatenates instruction sequences.
func Code(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func Unreachable() []byte { return []byte{opUnreachable} }
func Block() []byte       { return []byte{opBlock, blockTypeEmpty} }
func Loop() []byte        { return []byte{opLoop, blockTypeEmpty} }
func If() []byte          { return []byte{opIf, blockTypeEmpty} }
func Else() []byte        { return []byte{opElse} }
func End() []byte         { return []byte{opEnd} }
func Return() []byte      { return []byte{opReturn} }
func Drop() []byte        { return []byte{opDrop} }

func Br(depth uint32) []byte   { return uleb([]byte{opBr}, uint64(depth)) }
func BrIf(depth uint32) []byte { return uleb([]byte{opBrIf}, uint64(depth)) }
func Call(idx uint32) []byte   { return uleb([]byte{opCall}, uint64(idx)) }

func LocalGet(idx uint32) []byte { return uleb([]byte{opLocalGet}, uint64(idx)) }
func LocalSet(idx uint32) []byte { return uleb([]byte{opLocalSet}, uint64(idx)) }
func LocalTee(idx uint32) []byte { return uleb([]byte{opLocalTee}, uint64(idx)) }

func I32Const(v int32) []byte { return sleb([]byte{opI32Const}, int64(v)) }
func I64Const(v int64) []byte { return sleb([]byte{opI64Const}, v) }

// I32Load and I32Store use natural 4-byte alignment.
func I32Load(offset uint32) []byte  { return uleb([]byte{opI32Load, 0x02}, uint64(offset)) }
func I32Store(offset uint32) []byte { return uleb([]byte{opI32Store, 0x02}, uint64(offset)) }

func MemorySize() []byte { return []byte{opMemorySize, 0x00} }
func MemoryGrow() []byte { return []byte{opMemoryGrow, 0x00} }

func I32Eqz() []byte { return []byte{opI32Eqz} }
func I32Eq() []byte  { return []byte{opI32Eq} }
func I32Ne() []byte  { return []byte{opI32Ne} }
func I32LtS() []byte { return []byte{opI32LtS} }
func I32Add() []byte { return []byte{opI32Add} }
func I32Sub() []byte { return []byte{opI32Sub} }
