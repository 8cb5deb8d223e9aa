package plugin_test

// Minimal WebAssembly binary assembler used to build guest modules for
// the host tests without a guest toolchain. Only what the tests need:
// i32/i64 function types, one memory, exports, flat code bodies, and one
// active data segment.

// wasm value types and opcodes.
const (
	valI32 = 0x7F
	valI64 = 0x7E

	opUnreachable  = 0x00
	opLoop         = 0x03
	opBr           = 0x0C
	opEnd          = 0x0B
	opLocalGet     = 0x20
	opI32Const     = 0x41
	opI64Const     = 0x42
	opI64Or        = 0x84
	opI64Shl       = 0x86
	opI64ExtendU32 = 0xAD

	blockTypeEmpty = 0x40

	kindFunc   = 0x00
	kindMemory = 0x02
)

func uleb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

// sleb encodes a signed LEB128 for const immediates. Inputs in tests are
// non-negative.
func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7F)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if !done {
			b |= 0x80
		}
		out = append(out, b)
		if done {
			return out
		}
	}
}

func section(id byte, contents []byte) []byte {
	out := []byte{id}
	out = append(out, uleb(uint32(len(contents)))...)
	return append(out, contents...)
}

func vec(items [][]byte) []byte {
	out := uleb(uint32(len(items)))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func funcType(params, results []byte) []byte {
	out := []byte{0x60}
	out = append(out, uleb(uint32(len(params)))...)
	out = append(out, params...)
	out = append(out, uleb(uint32(len(results)))...)
	return append(out, results...)
}

func export(name string, kind byte, idx uint32) []byte {
	out := uleb(uint32(len(name)))
	out = append(out, name...)
	out = append(out, kind)
	return append(out, uleb(idx)...)
}

// body wraps an expression (without trailing end) into a code entry with
// no locals.
func body(expr []byte) []byte {
	inner := []byte{0x00} // no locals
	inner = append(inner, expr...)
	inner = append(inner, opEnd)
	out := uleb(uint32(len(inner)))
	return append(out, inner...)
}

type guestModule struct {
	types    [][]byte
	funcs    []uint32 // type index per function
	exports  [][]byte
	bodies   [][]byte
	dataSegs [][]byte
}

func (g *guestModule) build() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}
	out = append(out, section(1, vec(g.types))...)

	fns := make([][]byte, len(g.funcs))
	for i, ti := range g.funcs {
		fns[i] = uleb(ti)
	}
	out = append(out, section(3, vec(fns))...)
	out = append(out, section(5, vec([][]byte{{0x00, 0x01}}))...) // 1 memory, min 1 page
	out = append(out, section(7, vec(g.exports))...)
	out = append(out, section(10, vec(g.bodies))...)
	if len(g.dataSegs) > 0 {
		out = append(out, section(11, vec(g.dataSegs))...)
	}
	return out
}

// allocBody returns a fixed guest offset for every allocation request.
func allocBody(offset int64) []byte {
	return append([]byte{opI32Const}, sleb(offset)...)
}

// packResult builds the expression tail that packs (ptr<<32 | len) from
// two i64 operands already materialized by preceding instructions.
var packTail = []byte{opI64ExtendU32, opI64Const, 0x20, opI64Shl}

// echoProcessBody returns the input ptr/len packed: accept unchanged.
func echoProcessBody() []byte {
	expr := []byte{opLocalGet, 0x00}
	expr = append(expr, packTail...)
	expr = append(expr, opLocalGet, 0x01, opI64ExtendU32, opI64Or)
	return expr
}

// constProcessBody returns packed(ptr,len) for fixed values.
func constProcessBody(ptr, n int64) []byte {
	expr := append([]byte{opI32Const}, sleb(ptr)...)
	expr = append(expr, packTail...)
	expr = append(expr, opI64Const)
	expr = append(expr, sleb(n)...)
	expr = append(expr, opI64Or)
	return expr
}

// standardGuest assembles a module with the required ABI exports and the
// given zenith_process body.
func standardGuest(processExpr []byte, extra func(*guestModule)) []byte {
	g := &guestModule{
		types: [][]byte{
			funcType([]byte{valI32}, []byte{valI32}),         // alloc
			funcType([]byte{valI32, valI32}, []byte{valI64}), // process
		},
		funcs: []uint32{0, 1},
		exports: [][]byte{
			export("memory", kindMemory, 0),
			export("zenith_alloc", kindFunc, 0),
			export("zenith_process", kindFunc, 1),
		},
		bodies: [][]byte{
			body(allocBody(1024)),
			body(processExpr),
		},
	}
	if extra != nil {
		extra(g)
	}
	return g.build()
}

// Guest binaries used across the host tests.

func acceptGuest() []byte { return standardGuest(echoProcessBody(), nil) }

// rejectGuest answers the all-ones reject sentinel (i64 -1).
func rejectGuest() []byte {
	return standardGuest([]byte{opI64Const, 0x7F}, nil)
}

// replaceGuest answers with a one-byte payload {99} stored in a data
// segment at offset 2048.
func replaceGuest() []byte {
	return standardGuest(constProcessBody(2048, 1), func(g *guestModule) {
		seg := []byte{0x00} // active segment, memory 0
		seg = append(seg, opI32Const)
		seg = append(seg, sleb(2048)...)
		seg = append(seg, opEnd)
		seg = append(seg, uleb(1)...)
		seg = append(seg, 99)
		g.dataSegs = append(g.dataSegs, seg)
	})
}

// hangGuest loops forever; the host's deadline must cut it off.
func hangGuest() []byte {
	expr := []byte{opLoop, blockTypeEmpty, opBr, 0x00, opEnd, opI64Const, 0x00}
	return standardGuest(expr, nil)
}

// trapGuest faults immediately.
func trapGuest() []byte {
	return standardGuest([]byte{opUnreachable}, nil)
}

// versionedGuest additionally exports zenith_abi_version() -> 3.
func versionedGuest() []byte {
	return standardGuest(echoProcessBody(), func(g *guestModule) {
		g.types = append(g.types, funcType(nil, []byte{valI32}))
		g.funcs = append(g.funcs, 2)
		g.exports = append(g.exports, export("zenith_abi_version", kindFunc, 2))
		g.bodies = append(g.bodies, body([]byte{opI32Const, 0x03}))
	})
}

// wrongSignatureGuest exports zenith_process with an i32 result.
func wrongSignatureGuest() []byte {
	g := &guestModule{
		types: [][]byte{
			funcType([]byte{valI32}, []byte{valI32}),
			funcType([]byte{valI32, valI32}, []byte{valI32}), // wrong result type
		},
		funcs: []uint32{0, 1},
		exports: [][]byte{
			export("memory", kindMemory, 0),
			export("zenith_alloc", kindFunc, 0),
			export("zenith_process", kindFunc, 1),
		},
		bodies: [][]byte{
			body(allocBody(1024)),
			body([]byte{opI32Const, 0x00}),
		},
	}
	return g.build()
}

// emptyGuest is a valid module with no exports at all.
func emptyGuest() []byte {
	return []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}
}
