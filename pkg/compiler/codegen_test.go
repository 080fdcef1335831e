package compiler

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/idlhub/holyc-bpf-compiler/pkg/bpf"
)

// compileSource runs the full pipeline and fails the test on error.
func compileSource(t *testing.T, src string) *Artifact {
	t.Helper()
	art, err := Compile(src)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	return art
}

// compileErrKind asserts compilation fails with the given kind.
func compileErrKind(t *testing.T, src string, kind ErrorKind) {
	t.Helper()
	_, err := Compile(src)
	if err == nil {
		t.Fatal("expected compile error, got none")
	}
	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("error %v is not a compiler.Error", err)
	}
	if cerr.Kind != kind {
		t.Errorf("error kind = %s, want %s (%v)", cerr.Kind, kind, err)
	}
}

func TestGenerateParamSave(t *testing.T) {
	art := compileSource(t, "U64 id(U64 x) { return x; }")
	ins := art.Instructions

	// Prologue saves R1 into the first slot, the return loads it back.
	want := []bpf.Instruction{
		bpf.StXDW(bpf.R10, bpf.R1, -8),
		bpf.LdXDW(bpf.R6, bpf.R10, -8),
		bpf.MovReg(bpf.R0, bpf.R6),
		bpf.Exit(),
	}
	if len(ins) != len(want) {
		t.Fatalf("got %d instructions, want %d:\n%s", len(ins), len(want), art.Listing())
	}
	for i := range want {
		if ins[i] != want[i] {
			t.Errorf("instruction %d = %s, want %s", i, ins[i], want[i])
		}
	}
}

func TestGenerateParamSlots(t *testing.T) {
	art := compileSource(t, "U64 f(U64 a, U64 b, U64 c, U64 d, U64 e) { return e; }")
	// Parameter i saves to -8*(i+1).
	for i := 0; i < 5; i++ {
		want := bpf.StXDW(bpf.R10, bpf.R1+bpf.Reg(i), int16(-8*(i+1)))
		if art.Instructions[i] != want {
			t.Errorf("prologue %d = %s, want %s", i, art.Instructions[i], want)
		}
	}
}

func TestGenerateBigImmediate(t *testing.T) {
	art := compileSource(t, "U64 c() { return 0x6e9de2b30b19f9ea; }")
	want := []bpf.Instruction{
		bpf.MovImm(bpf.R6, 0x6e9de2b3),
		bpf.LshImm(bpf.R6, 32),
		bpf.OrImm(bpf.R6, 0x0b19f9ea),
		bpf.MovReg(bpf.R0, bpf.R6),
		bpf.Exit(),
	}
	for i, w := range want {
		if art.Instructions[i] != w {
			t.Errorf("instruction %d = %s, want %s", i, art.Instructions[i], w)
		}
	}
}

func TestGenerateSmallImmediate(t *testing.T) {
	art := compileSource(t, "U64 c() { return 42; }")
	if art.Instructions[0] != bpf.MovImm(bpf.R6, 42) {
		t.Errorf("small constant = %s, want a single mov", art.Instructions[0])
	}
}

func TestGenerateImplicitReturn(t *testing.T) {
	art := compileSource(t, "Void f(U64 x) { x + 1; }")
	n := len(art.Instructions)
	if art.Instructions[n-1] != bpf.Exit() || art.Instructions[n-2] != bpf.MovImm(bpf.R0, 0) {
		t.Errorf("missing mov r0, 0; exit epilogue:\n%s", art.Listing())
	}
}

func TestGenerateSignedComparison(t *testing.T) {
	signed := compileSource(t, "U64 f(I64 a, I64 b) { return a < b; }")
	if !containsOpcode(signed, bpf.OpJsltReg) {
		t.Errorf("I64 comparison did not use jslt:\n%s", signed.Listing())
	}
	unsigned := compileSource(t, "U64 f(U64 a, U64 b) { return a < b; }")
	if !containsOpcode(unsigned, bpf.OpJltReg) || containsOpcode(unsigned, bpf.OpJsltReg) {
		t.Errorf("U64 comparison did not use jlt:\n%s", unsigned.Listing())
	}
	// Either operand signed selects the signed jump.
	mixed := compileSource(t, "U64 f(I64 a, U64 b) { return a > b; }")
	if !containsOpcode(mixed, bpf.OpJsgtReg) {
		t.Errorf("mixed comparison did not use jsgt:\n%s", mixed.Listing())
	}
}

func TestGenerateSignedShift(t *testing.T) {
	art := compileSource(t, "I64 f(I64 a, U64 n) { return a >> n; }")
	if !containsOpcode(art, bpf.OpArsh64Reg) {
		t.Errorf("signed >> did not use arsh:\n%s", art.Listing())
	}
	art = compileSource(t, "U64 f(U64 a, U64 n) { return a >> n; }")
	if !containsOpcode(art, bpf.OpRsh64Reg) {
		t.Errorf("unsigned >> did not use rsh:\n%s", art.Listing())
	}
}

func TestGenerateNarrowAccess(t *testing.T) {
	art := compileSource(t, `
		U64 f() {
			U8 b = 255;
			U16 h = 9;
			U32 w = 7;
			return b + h + w;
		}`)
	for _, op := range []uint8{bpf.OpStXB, bpf.OpStXH, bpf.OpStXW, bpf.OpLdXB, bpf.OpLdXH, bpf.OpLdXW} {
		if !containsOpcode(art, op) {
			t.Errorf("missing opcode 0x%02x for narrow access:\n%s", op, art.Listing())
		}
	}
}

func containsOpcode(a *Artifact, op uint8) bool {
	for _, ins := range a.Instructions {
		if ins.Opcode == op {
			return true
		}
	}
	return false
}

// Every branch must land inside its function and satisfy
// target = branch + 1 + off.
func TestGenerateJumpResolution(t *testing.T) {
	art := compileSource(t, `
		U64 m(U64 a, U64 b) { if (a < b) return b; else return a; }
		U64 s(U64 n) {
			U64 i = 0;
			U64 sum = 0;
			while (i < n) {
				if (i % 2 == 0) { sum += i; } else { sum += 1; }
				i++;
			}
			for (i = 0; i < n; i++) {
				if (i == 3) { continue; }
				if (i == 7) { break; }
				sum += i;
			}
			return sum;
		}`)
	for _, fn := range art.Functions {
		for i := fn.Entry; i < fn.End; i++ {
			ins := art.Instructions[i]
			if !bpf.IsJump(ins.Opcode) || ins.Opcode == bpf.OpCall || ins.Opcode == bpf.OpExit {
				continue
			}
			target := i + 1 + int(ins.Off)
			if target < fn.Entry || target >= fn.End {
				t.Errorf("%s: branch at %d targets %d, outside [%d, %d)",
					fn.Name, i, target, fn.Entry, fn.End)
			}
		}
	}
}

// Property: decode(encode(i)) == i for every emitted instruction.
func TestGenerateEncodeRoundTrip(t *testing.T) {
	art := compileSource(t, `
		class Point { U64 x; U64 y; };
		#define SCALE 3
		U64 norm(Point* p, U64 k) {
			U64 dx = p->x * SCALE;
			U64 dy = p->y ^ 0xdeadbeefcafebabe;
			if (dx < dy) { return dy - dx; }
			return dx - dy;
		}`)
	code := art.Bytes()
	decoded, err := bpf.DecodeProgram(code)
	if err != nil {
		t.Fatalf("DecodeProgram: %v", err)
	}
	for i, ins := range art.Instructions {
		if decoded[i] != ins {
			t.Errorf("instruction %d: decode(encode(%+v)) = %+v", i, ins, decoded[i])
		}
	}
}

func TestGenerateFunctionTable(t *testing.T) {
	art := compileSource(t, `
		U64 one() { return 1; }
		U64 two() { return 2; }
		U64 three() { return one() + two(); }`)
	if len(art.Functions) != 3 {
		t.Fatalf("got %d functions, want 3", len(art.Functions))
	}
	for i, name := range []string{"one", "two", "three"} {
		fn := art.Functions[i]
		if fn.Name != name || fn.ID != int32(i) {
			t.Errorf("function %d = %+v, want %s with id %d", i, fn, name, i)
		}
		if fn.End <= fn.Entry {
			t.Errorf("function %s has empty range [%d, %d)", fn.Name, fn.Entry, fn.End)
		}
	}
	// Bodies are concatenated in source order.
	if art.Functions[0].Entry != 0 {
		t.Errorf("first function entry = %d, want 0", art.Functions[0].Entry)
	}
	for i := 1; i < 3; i++ {
		if art.Functions[i].Entry != art.Functions[i-1].End {
			t.Errorf("function %d entry = %d, want %d", i, art.Functions[i].Entry, art.Functions[i-1].End)
		}
	}
}

func TestGenerateListing(t *testing.T) {
	art := compileSource(t, "U64 id(U64 x) { return x; }")
	listing := art.Listing()
	for _, want := range []string{"id: ; id 0", "0000: stxdw [r10-8], r1", "mov r0, r6", "exit"} {
		if !strings.Contains(listing, want) {
			t.Errorf("listing missing %q:\n%s", want, listing)
		}
	}
}

func TestGenerateGlobalsIgnored(t *testing.T) {
	art := compileSource(t, "U64 counter = 0;\nU64 f() { return 1; }")
	// The global contributes no code.
	if len(art.Functions) != 1 {
		t.Fatalf("got %d functions, want 1", len(art.Functions))
	}
}

func TestGenerateJumpOutOfRange(t *testing.T) {
	// A loop body long enough that the exit branch cannot reach its target
	// in a signed 16-bit offset.
	var sb strings.Builder
	sb.WriteString("U64 f(U64 n) { U64 x = 0; while (n) { ")
	for i := 0; i < 9000; i++ {
		sb.WriteString("x += 1; ")
	}
	sb.WriteString("} return x; }")
	compileErrKind(t, sb.String(), ErrJumpOutOfRange)
}

func TestGenerateErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		kind ErrorKind
	}{
		{
			"unknown identifier",
			"U64 f() { return nope; }",
			ErrUnknownIdent,
		},
		{
			"unknown function",
			"U64 f() { return missing(1); }",
			ErrUnknownIdent,
		},
		{
			"unknown field",
			"class P { U64 x; }; U64 f(P* p) { return p->y; }",
			ErrUnknownIdent,
		},
		{
			"recursion",
			"U64 fact(U64 n) { if (n < 2) { return 1; } return n * fact(n - 1); }",
			ErrUnsupported,
		},
		{
			"F64 variable",
			"U64 f() { F64 x; return 0; }",
			ErrUnsupported,
		},
		{
			"string literal",
			`U64 f() { U8* s = "hi"; return 0; }`,
			ErrUnsupported,
		},
		{
			"break outside loop",
			"U64 f() { break; return 0; }",
			ErrUnsupported,
		},
		{
			"register pressure",
			"U64 f(U64 a, U64 b, U64 c, U64 d, U64 e) { return a + (b + (c + (d + e))); }",
			ErrTooComplex,
		},
		{
			"frame overflow",
			"U64 f() { U64 big[600]; return 0; }",
			ErrTooComplex,
		},
		{
			"arity mismatch",
			"U64 g(U64 a) { return a; } U64 f() { return g(1, 2); }",
			ErrTypeMismatch,
		},
		{
			"void returns value",
			"Void f() { return 5; }",
			ErrTypeMismatch,
		},
		{
			"value return missing",
			"U64 f() { return; }",
			ErrTypeMismatch,
		},
		{
			"assign to constant",
			"#define K 5\nU64 f() { K = 6; return 0; }",
			ErrTypeMismatch,
		},
		{
			"member of scalar",
			"U64 f(U64 x) { return x.field; }",
			ErrTypeMismatch,
		},
		{
			"deref scalar",
			"U64 f(U64 x) { return *x; }",
			ErrTypeMismatch,
		},
		{
			"index scalar",
			"U64 f(U64 x) { return x[0]; }",
			ErrTypeMismatch,
		},
		{
			"redeclaration",
			"U64 f() { U64 x; U64 x; return 0; }",
			ErrTypeMismatch,
		},
		{
			"redefined function",
			"U64 f() { return 0; } U64 f() { return 1; }",
			ErrTypeMismatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			compileErrKind(t, tt.src, tt.kind)
		})
	}
}

func TestGenerateDefineConstant(t *testing.T) {
	art := compileSource(t, "#define LIMIT 64\nU64 f() { return LIMIT; }")
	if art.Instructions[0] != bpf.MovImm(bpf.R6, 64) {
		t.Errorf("constant not inlined: %s", art.Instructions[0])
	}
}

func TestGenerateSizeof(t *testing.T) {
	tests := []struct {
		typ  string
		size int32
	}{
		{"U8", 1}, {"U16", 2}, {"U32", 4}, {"U64", 8},
		{"I64", 8}, {"Bool", 1}, {"U64*", 8}, {"CAccountInfo", 90},
	}
	for _, tt := range tests {
		art := compileSource(t, fmt.Sprintf("U64 f() { return sizeof(%s); }", tt.typ))
		if art.Instructions[0] != bpf.MovImm(bpf.R6, tt.size) {
			t.Errorf("sizeof(%s) emitted %s, want mov r6, %d", tt.typ, art.Instructions[0], tt.size)
		}
	}
}

func TestGenerateMemberOffsets(t *testing.T) {
	// Field offsets are the running sum of field sizes, no padding.
	art := compileSource(t, `
		class Mixed { U8 a; U16 b; U64 c; };
		U64 f(Mixed* m) { return m->c; }`)
	found := false
	for _, ins := range art.Instructions {
		if ins.Opcode == bpf.OpAdd64Imm && ins.Imm == 3 {
			found = true
		}
	}
	if !found {
		t.Errorf("offset of c should be 1+2=3:\n%s", art.Listing())
	}
}
