// SPDX-License-Identifier: MPL-2.0

package wasmtest

import (
	"bytes"
	"fmt"
)

const (
	I32 ValType = 0x7f
	I64 ValType = 0x7e
)

const (
	sectionType     = 1
	sectionImport   = 2
	sectionFunction = 3
	sectionMemory   = 5
	sectionExport   = 7
	sectionCode     = 10
	sectionData     = 11

	kindFunc   = 0x00
	kindMemory = 0x02
)

type (
	// ValType is a wasm value type.
	ValType byte

	// Builder assembles a module with function imports, one memory, function
	// bodies, exports and active data segments. All imports must be declared
	// before the first Func.
	Builder struct {
		types   [][]byte
		imports []importEntry
		funcs   []function
		memMin  uint32
		memMax  *uint32
		exports []exportEntry
		data    []dataSegment
	}

	importEntry struct {
		module, name string
		typeIdx      uint32
	}

	function struct {
		typeIdx uint32
		locals  []ValType
		body    []byte
	}

	exportEntry struct {
		name string
		kind byte
		idx  uint32
	}

	dataSegment struct {
		offset uint32
		bytes  []byte
	}
)

// New returns a builder for a module with one page of memory and no maximum.
func New() *Builder {
	return &Builder{memMin: 1}
}

// Memory sets the memory limits in 64KiB pages. A zero max means unbounded.
func (b *Builder) Memory(minPages, maxPages uint32) *Builder {
	b.memMin = minPages
	b.memMax = nil
	if maxPages > 0 {
		b.memMax = &maxPages
	}
	return b
}

// Import declares a function import and returns its function index.
func (b *Builder) Import(module, name string, params, results []ValType) uint32 {
	if len(b.funcs) > 0 {
		panic("wasmtest: Import after Func")
	}
	b.imports = append(b.imports, importEntry{module: module, name: name, typeIdx: b.typeIndex(params, results)})
	return uint32(len(b.imports) - 1)
}

// Func adds a function and returns its index. The body is the
// concatenation of code; the trailing end opcode is added.
func (b *Builder) Func(params, results, locals []ValType, code ...[]byte) uint32 {
	b.funcs = append(b.funcs, function{
		typeIdx: b.typeIndex(params, results),
		locals:  locals,
		body:    Code(code...),
	})
	return uint32(len(b.imports) + len(b.funcs) - 1)
}

// Export exports a function by index.
func (b *Builder) Export(name string, funcIdx uint32) *Builder {
	b.exports = append(b.exports, exportEntry{name: name, kind: kindFunc, idx: funcIdx})
	return b
}

// ExportMemory exports memory 0.
func (b *Builder) ExportMemory(name string) *Builder {
	b.exports = append(b.exports, exportEntry{name: name, kind: kindMemory})
	return b
}

// Data adds an active data segment at offset in memory 0.
func (b *Builder) Data(offset uint32, data []byte) *Builder {
	b.data = append(b.data, dataSegment{offset: offset, bytes: data})
	return b
}

func (b *Builder) typeIndex(params, results []ValType) uint32 {
	var sig []byte
	sig = append(sig, 0x60)
	sig = appendValTypes(sig, params)
	sig = appendValTypes(sig, results)
	for i, t := range b.types {
		if bytes.Equal(t, sig) {
			return uint32(i)
		}
	}
	b.types = append(b.types, sig)
	return uint32(len(b.types) - 1)
}

// Bytes encodes the module.
func (b *Builder) Bytes() []byte {
	out := []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00}

	if len(b.types) > 0 {
		sec := uleb(nil, uint64(len(b.types)))
		for _, t := range b.types {
			sec = append(sec, t...)
		}
		out = appendSection(out, sectionType, sec)
	}

	if len(b.imports) > 0 {
		sec := uleb(nil, uint64(len(b.imports)))
		for _, imp := range b.imports {
			sec = appendName(sec, imp.module)
			sec = appendName(sec, imp.name)
			sec = append(sec, kindFunc)
			sec = uleb(sec, uint64(imp.typeIdx))
		}
		out = appendSection(out, sectionImport, sec)
	}

	if len(b.funcs) > 0 {
		sec := uleb(nil, uint64(len(b.funcs)))
		for _, f := range b.funcs {
			sec = uleb(sec, uint64(f.typeIdx))
		}
		out = appendSection(out, sectionFunction, sec)
	}

	mem := uleb(nil, 1)
	if b.memMax != nil {
		mem = append(mem, 0x01)
		mem = uleb(mem, uint64(b.memMin))
		mem = uleb(mem, uint64(*b.memMax))
	} else {
		mem = append(mem, 0x00)
		mem = uleb(mem, uint64(b.memMin))
	}
	out = appendSection(out, sectionMemory, mem)

	if len(b.exports) > 0 {
		sec := uleb(nil, uint64(len(b.exports)))
		for _, e := range b.exports {
			sec = appendName(sec, e.name)
			sec = append(sec, e.kind)
			sec = uleb(sec, uint64(e.idx))
		}
		out = appendSection(out, sectionExport, sec)
	}

	if len(b.funcs) > 0 {
		sec := uleb(nil, uint64(len(b.funcs)))
		for _, f := range b.funcs {
			var body []byte
			body = uleb(body, uint64(len(f.locals)))
			for _, l := range f.locals {
				body = uleb(body, 1)
				body = append(body, byte(l))
			}
			body = append(body, f.body...)
			body = append(body, opEnd)
			sec = uleb(sec, uint64(len(body)))
			sec = append(sec, body...)
		}
		out = appendSection(out, sectionCode, sec)
	}

	if len(b.data) > 0 {
		sec := uleb(nil, uint64(len(b.data)))
		for _, d := range b.data {
			sec = append(sec, 0x00)
			sec = append(sec, I32Const(int32(d.offset))...)
			sec = append(sec, opEnd)
			sec = uleb(sec, uint64(len(d.bytes)))
			sec = append(sec, d.bytes...)
		}
		out = appendSection(out, sectionData, sec)
	}

	return out
}

func appendSection(out []byte, id byte, content []byte) []byte {
	out = append(out, id)
	out = uleb(out, uint64(len(content)))
	return append(out, content...)
}

func appendName(out []byte, s string) []byte {
	out = uleb(out, uint64(len(s)))
	return append(out, s...)
}

func appendValTypes(out []byte, types []ValType) []byte {
	out = uleb(out, uint64(len(types)))
	for _, t := range types {
		out = append(out, byte(t))
	}
	return out
}

func uleb(out []byte, v uint64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(out, c)
		}
		out = append(out, c|0x80)
	}
}

func sleb(out []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(out, c)
		}
		out = append(out, c|0x80)
	}
}

func (t ValType) String() string {
	switch t {
	case I32:
		return "i32"
	case I64:
		return "i64"
	default:
		return fmt.Sprintf("ValType(%#x)", byte(t))
	}
}
