package vm

import (
	"bytes"
	"strings"
	"testing"

	"github.com/idlhub/holyc-bpf-compiler/pkg/bpf"
)

func run(t *testing.T, prog []bpf.Instruction, args ...uint64) uint64 {
	t.Helper()
	m := New(prog, nil)
	ret, err := m.Run(0, args...)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return ret
}

func TestALU(t *testing.T) {
	// r0 = ((r1 + 10) * 3 - r2) ^ 0xFF
	prog := []bpf.Instruction{
		bpf.MovReg(bpf.R0, bpf.R1),
		bpf.AddImm(bpf.R0, 10),
		bpf.MulImm(bpf.R0, 3),
		bpf.SubReg(bpf.R0, bpf.R2),
		bpf.XorImm(bpf.R0, 0xFF),
		bpf.Exit(),
	}
	if got := run(t, prog, 4, 2); got != ((4+10)*3-2)^0xFF {
		t.Errorf("ALU chain = %d", got)
	}
}

func TestShifts(t *testing.T) {
	prog := []bpf.Instruction{
		bpf.MovReg(bpf.R0, bpf.R1),
		bpf.LshImm(bpf.R0, 62),
		bpf.New(bpf.OpArsh64Imm, bpf.R0, bpf.R0, 0, 32),
		bpf.Exit(),
	}
	// 1 << 62 then arithmetic >> 32 keeps the sign bit clear.
	if got := run(t, prog, 1); got != 1<<30 {
		t.Errorf("shift chain = 0x%x, want 0x%x", got, uint64(1)<<30)
	}
	// 3 << 62 sets the sign bit; arsh drags ones in.
	if got := run(t, prog, 3); got != 0xFFFFFFFFC0000000 {
		t.Errorf("arsh = 0x%x, want 0xFFFFFFFFC0000000", got)
	}
}

func TestLoadStoreWidths(t *testing.T) {
	prog := []bpf.Instruction{
		bpf.StXDW(bpf.R10, bpf.R1, -8),
		bpf.New(bpf.OpLdXB, bpf.R0, bpf.R10, -8, 0),
		bpf.New(bpf.OpLdXH, bpf.R6, bpf.R10, -8, 0),
		bpf.AddReg(bpf.R0, bpf.R6),
		bpf.New(bpf.OpLdXW, bpf.R6, bpf.R10, -8, 0),
		bpf.AddReg(bpf.R0, bpf.R6),
		bpf.Exit(),
	}
	v := uint64(0x1122334455667788)
	want := uint64(0x88) + 0x7788 + 0x55667788
	if got := run(t, prog, v); got != want {
		t.Errorf("widths = 0x%x, want 0x%x", got, want)
	}
}

func TestJumps(t *testing.T) {
	// r0 = max(r1, r2)
	prog := []bpf.Instruction{
		bpf.MovReg(bpf.R0, bpf.R1),
		bpf.New(bpf.OpJgeReg, bpf.R1, bpf.R2, 1, 0),
		bpf.MovReg(bpf.R0, bpf.R2),
		bpf.Exit(),
	}
	if got := run(t, prog, 3, 9); got != 9 {
		t.Errorf("max(3, 9) = %d", got)
	}
	if got := run(t, prog, 9, 3); got != 9 {
		t.Errorf("max(9, 3) = %d", got)
	}
}

func TestSignedJumps(t *testing.T) {
	// r0 = (r1 <s 0)
	prog := []bpf.Instruction{
		bpf.New(bpf.OpJsltImm, bpf.R1, bpf.R0, 2, 0),
		bpf.MovImm(bpf.R0, 0),
		bpf.Ja(1),
		bpf.MovImm(bpf.R0, 1),
		bpf.Exit(),
	}
	if got := run(t, prog, 0xFFFFFFFFFFFFFFFF); got != 1 {
		t.Error("-1 <s 0 should hold")
	}
	if got := run(t, prog, 5); got != 0 {
		t.Error("5 <s 0 should not hold")
	}
}

func TestBackwardJumpLoop(t *testing.T) {
	// r0 = sum of 1..r1 via a backward ja
	prog := []bpf.Instruction{
		bpf.MovImm(bpf.R0, 0),
		bpf.JeqImm(bpf.R1, 0, 3), // while r1 != 0
		bpf.AddReg(bpf.R0, bpf.R1),
		bpf.AddImm(bpf.R1, -1),
		bpf.Ja(-4),
		bpf.Exit(),
	}
	if got := run(t, prog, 10); got != 55 {
		t.Errorf("loop sum = %d, want 55", got)
	}
}

func TestCallAndExit(t *testing.T) {
	// Function 1 doubles r1; main calls it twice.
	prog := []bpf.Instruction{
		// main (entry 0)
		bpf.Call(1),
		bpf.MovReg(bpf.R1, bpf.R0),
		bpf.Call(1),
		bpf.Exit(),
		// double (entry 4)
		bpf.MovReg(bpf.R0, bpf.R1),
		bpf.AddReg(bpf.R0, bpf.R1),
		bpf.Exit(),
	}
	m := New(prog, map[int32]int{1: 4})
	ret, err := m.Run(0, 5)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ret != 20 {
		t.Errorf("double(double(5)) = %d, want 20", ret)
	}
}

func TestCallPreservesCalleeSaved(t *testing.T) {
	prog := []bpf.Instruction{
		// main: r6 = 42, call, return r6
		bpf.MovImm(bpf.R6, 42),
		bpf.Call(1),
		bpf.MovReg(bpf.R0, bpf.R6),
		bpf.Exit(),
		// clobber (entry 4)
		bpf.MovImm(bpf.R6, 0),
		bpf.MovImm(bpf.R0, 0),
		bpf.Exit(),
	}
	m := New(prog, map[int32]int{1: 4})
	ret, err := m.Run(0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ret != 42 {
		t.Errorf("r6 after call = %d, want 42", ret)
	}
}

func TestCallFramesAreDisjoint(t *testing.T) {
	prog := []bpf.Instruction{
		// main: [r10-8] = 7, call, return [r10-8]
		bpf.MovImm(bpf.R6, 7),
		bpf.StXDW(bpf.R10, bpf.R6, -8),
		bpf.Call(1),
		bpf.LdXDW(bpf.R0, bpf.R10, -8),
		bpf.Exit(),
		// callee scribbles over its own slot (entry 5)
		bpf.MovImm(bpf.R7, 999),
		bpf.StXDW(bpf.R10, bpf.R7, -8),
		bpf.MovImm(bpf.R0, 0),
		bpf.Exit(),
	}
	m := New(prog, map[int32]int{1: 5})
	ret, err := m.Run(0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ret != 7 {
		t.Errorf("caller slot after call = %d, want 7", ret)
	}
}

func TestFaults(t *testing.T) {
	tests := []struct {
		name string
		prog []bpf.Instruction
		want string
	}{
		{
			"division by zero",
			[]bpf.Instruction{bpf.MovImm(bpf.R0, 1), bpf.DivReg(bpf.R0, bpf.R1), bpf.Exit()},
			"division by zero",
		},
		{
			"modulo by zero",
			[]bpf.Instruction{bpf.MovImm(bpf.R0, 1), bpf.ModReg(bpf.R0, bpf.R1), bpf.Exit()},
			"modulo by zero",
		},
		{
			"out of bounds store",
			[]bpf.Instruction{bpf.MovImm(bpf.R6, 0), bpf.StXDW(bpf.R6, bpf.R6, -16), bpf.Exit()},
			"out of bounds",
		},
		{
			"unknown call id",
			[]bpf.Instruction{bpf.Call(99), bpf.Exit()},
			"unknown function",
		},
		{
			"runs off the stream",
			[]bpf.Instruction{bpf.MovImm(bpf.R0, 1)},
			"ran off",
		},
		{
			"unknown opcode",
			[]bpf.Instruction{{Opcode: 0xfe}},
			"unknown opcode",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(tt.prog, nil)
			_, err := m.Run(0)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want substring %q", err, tt.want)
			}
		})
	}
}

func TestStepLimit(t *testing.T) {
	prog := []bpf.Instruction{bpf.Ja(-1)}
	m := New(prog, nil)
	m.StepLimit = 100
	if _, err := m.Run(0); err == nil || !strings.Contains(err.Error(), "step limit") {
		t.Errorf("error = %v, want step limit", err)
	}
}

func TestHelperLog(t *testing.T) {
	prog := []bpf.Instruction{
		// Write "ok" at [r10-8], then log 2 bytes.
		bpf.MovImm(bpf.R6, 'o'|'k'<<8),
		bpf.StXDW(bpf.R10, bpf.R6, -8),
		bpf.MovReg(bpf.R1, bpf.R10),
		bpf.AddImm(bpf.R1, -8),
		bpf.MovImm(bpf.R2, 2),
		bpf.Call(0x10000),
		bpf.Exit(),
	}
	m := New(prog, nil)
	RegisterSolanaHelpers(m, 0x10000)
	var out bytes.Buffer
	m.Output = &out
	if _, err := m.Run(0); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.String() != "ok\n" {
		t.Errorf("log = %q, want %q", out.String(), "ok\n")
	}
}
