package sandbox

// Minimal WebAssembly binary encoder for test guests.

const (
	valI32 byte = 0x7f
	valI64 byte = 0x7e
)

type wasmImport struct {
	module, name string
	typeIdx      uint32
}

type wasmFunc struct {
	typeIdx uint32
	body    []byte // instructions without the trailing end
}

type wasmExport struct {
	name string
	kind byte // 0 func, 2 memory
	idx  uint32
}

type wasmModule struct {
	types   [][]byte
	imports []wasmImport
	funcs   []wasmFunc
	memMin  uint32
	exports []wasmExport
}

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func wname(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func vec(items [][]byte) []byte {
	out := uleb(uint64(len(items)))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func section(id byte, content []byte) []byte {
	out := []byte{id}
	out = append(out, uleb(uint64(len(content)))...)
	return append(out, content...)
}

func funcType(params, results []byte) []byte {
	out := []byte{0x60}
	out = append(out, uleb(uint64(len(params)))...)
	out = append(out, params...)
	out = append(out, uleb(uint64(len(results)))...)
	return append(out, results...)
}

func (m wasmModule) encode() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	out = append(out, section(1, vec(m.types))...)

	if len(m.imports) > 0 {
		var items [][]byte
		for _, im := range m.imports {
			b := wname(im.module)
			b = append(b, wname(im.name)...)
			b = append(b, 0x00)
			b = append(b, uleb(uint64(im.typeIdx))...)
			items = append(items, b)
		}
		out = append(out, section(2, vec(items))...)
	}

	var fidx [][]byte
	for _, f := range m.funcs {
		fidx = append(fidx, uleb(uint64(f.typeIdx)))
	}
	out = append(out, section(3, vec(fidx))...)

	out = append(out, section(5, vec([][]byte{append([]byte{0x00}, uleb(uint64(m.memMin))...)}))...)

	var exps [][]byte
	for _, e := range m.exports {
		b := wname(e.name)
		b = append(b, e.kind)
		b = append(b, uleb(uint64(e.idx))...)
		exps = append(exps, b)
	}
	out = append(out, section(7, vec(exps))...)

	var codes [][]byte
	for _, f := range m.funcs {
		body := append([]byte{0x00}, f.body...) // no locals
		body = append(body, 0x0b)
		codes = append(codes, append(uleb(uint64(len(body))), body...))
	}
	return append(out, section(10, vec(codes))...)
}

// testGuest exports:
//
//	alloc   -> always returns offset 1024
//	echo    -> returns its input
//	spin    -> loops forever without calls
//	burn    -> loops forever calling an internal function
//	publish -> calls forge.event_publish with its input as the event type
func testGuest(memPages uint32) []byte {
	const (
		tAlloc   = 0 // (i32) -> i32
		tEntry   = 1 // (i32, i32) -> i64
		tNoop    = 2 // () -> ()
		tPublish = 3 // (i32, i32, i32, i32) -> i32
	)
	// Function indices: 0 is the import, then 1 alloc, 2 echo, 3 spin, 4 burn, 5 noop, 6 publish.
	allocBody := append([]byte{0x41}, sleb(1024)...)
	echoBody := []byte{
		0x20, 0x00, // local.get 0
		0xad,       // i64.extend_i32_u
		0x42, 0x20, // i64.const 32
		0x86,       // i64.shl
		0x20, 0x01, // local.get 1
		0xad, // i64.extend_i32_u
		0x84, // i64.or
	}
	spinBody := []byte{
		0x03, 0x40, // loop
		0x0c, 0x00, // br 0
		0x0b,       // end
		0x42, 0x00, // i64.const 0
	}
	burnBody := []byte{
		0x03, 0x40, // loop
		0x10, 0x05, // call noop
		0x0c, 0x00, // br 0
		0x0b,       // end
		0x42, 0x00, // i64.const 0
	}
	publishBody := []byte{
		0x20, 0x00, // local.get 0
		0x20, 0x01, // local.get 1
		0x41, 0x00, // i32.const 0
		0x41, 0x00, // i32.const 0
		0x10, 0x00, // call forge.event_publish
		0x1a,       // drop
		0x42, 0x00, // i64.const 0
	}

	return wasmModule{
		types: [][]byte{
			tAlloc:   funcType([]byte{valI32}, []byte{valI32}),
			tEntry:   funcType([]byte{valI32, valI32}, []byte{valI64}),
			tNoop:    funcType(nil, nil),
			tPublish: funcType([]byte{valI32, valI32, valI32, valI32}, []byte{valI32}),
		},
		imports: []wasmImport{{module: HostModule, name: "event_publish", typeIdx: tPublish}},
		funcs: []wasmFunc{
			{typeIdx: tAlloc, body: allocBody},
			{typeIdx: tEntry, body: echoBody},
			{typeIdx: tEntry, body: spinBody},
			{typeIdx: tEntry, body: burnBody},
			{typeIdx: tNoop, body: nil},
			{typeIdx: tEntry, body: publishBody},
		},
		memMin: memPages,
		exports: []wasmExport{
			{name: "memory", kind: 2, idx: 0},
			{name: "alloc", kind: 0, idx: 1},
			{name: "echo", kind: 0, idx: 2},
			{name: "spin", kind: 0, idx: 3},
			{name: "burn", kind: 0, idx: 4},
			{name: "publish", kind: 0, idx: 6},
		},
	}.encode()
}
