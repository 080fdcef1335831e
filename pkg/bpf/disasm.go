package bpf

import (
	"fmt"
	"strings"
)

var alu64ImmOps = map[uint8]string{
	OpAdd64Imm:  "add",
	OpSub64Imm:  "sub",
	OpMul64Imm:  "mul",
	OpDiv64Imm:  "div",
	OpOr64Imm:   "or",
	OpAnd64Imm:  "and",
	OpLsh64Imm:  "lsh",
	OpRsh64Imm:  "rsh",
	OpMod64Imm:  "mod",
	OpXor64Imm:  "xor",
	OpMov64Imm:  "mov",
	OpArsh64Imm: "arsh",
}

var alu64RegOps = map[uint8]string{
	OpAdd64Reg:  "add",
	OpSub64Reg:  "sub",
	OpMul64Reg:  "mul",
	OpDiv64Reg:  "div",
	OpOr64Reg:   "or",
	OpAnd64Reg:  "and",
	OpLsh64Reg:  "lsh",
	OpRsh64Reg:  "rsh",
	OpMod64Reg:  "mod",
	OpXor64Reg:  "xor",
	OpMov64Reg:  "mov",
	OpArsh64Reg: "arsh",
}

var jumpImmOps = map[uint8]string{
	OpJeqImm:  "jeq",
	OpJgtImm:  "jgt",
	OpJgeImm:  "jge",
	OpJneImm:  "jne",
	OpJsgtImm: "jsgt",
	OpJsgeImm: "jsge",
	OpJltImm:  "jlt",
	OpJleImm:  "jle",
	OpJsltImm: "jslt",
	OpJsleImm: "jsle",
}

var jumpRegOps = map[uint8]string{
	OpJeqReg:  "jeq",
	OpJgtReg:  "jgt",
	OpJgeReg:  "jge",
	OpJneReg:  "jne",
	OpJsgtReg: "jsgt",
	OpJsgeReg: "jsge",
	OpJltReg:  "jlt",
	OpJleReg:  "jle",
	OpJsltReg: "jslt",
	OpJsleReg: "jsle",
}

var loadOps = map[uint8]string{
	OpLdXB:  "ldxb",
	OpLdXH:  "ldxh",
	OpLdXW:  "ldxw",
	OpLdXDW: "ldxdw",
}

var storeOps = map[uint8]string{
	OpStXB:  "stxb",
	OpStXH:  "stxh",
	OpStXW:  "stxw",
	OpStXDW: "stxdw",
}

// String renders the instruction as assembly text, without its byte offset.
// Unknown opcodes render as a raw .byte dump so a malformed stream is still
// inspectable.
func (ins Instruction) String() string {
	if name, ok := alu64ImmOps[ins.Opcode]; ok {
		return fmt.Sprintf("%s %s, %d", name, ins.Dst, ins.Imm)
	}
	if name, ok := alu64RegOps[ins.Opcode]; ok {
		return fmt.Sprintf("%s %s, %s", name, ins.Dst, ins.Src)
	}
	if name, ok := jumpImmOps[ins.Opcode]; ok {
		return fmt.Sprintf("%s %s, %d, %+d", name, ins.Dst, ins.Imm, ins.Off)
	}
	if name, ok := jumpRegOps[ins.Opcode]; ok {
		return fmt.Sprintf("%s %s, %s, %+d", name, ins.Dst, ins.Src, ins.Off)
	}
	if name, ok := loadOps[ins.Opcode]; ok {
		return fmt.Sprintf("%s %s, [%s%+d]", name, ins.Dst, ins.Src, ins.Off)
	}
	if name, ok := storeOps[ins.Opcode]; ok {
		return fmt.Sprintf("%s [%s%+d], %s", name, ins.Dst, ins.Off, ins.Src)
	}
	switch ins.Opcode {
	case OpNeg64:
		return fmt.Sprintf("neg %s", ins.Dst)
	case OpJa:
		return fmt.Sprintf("ja %+d", ins.Off)
	case OpCall:
		return fmt.Sprintf("call %d", ins.Imm)
	case OpExit:
		return "exit"
	}
	b := ins.Encode()
	parts := make([]string, len(b))
	for i, x := range b {
		parts[i] = fmt.Sprintf("0x%02x", x)
	}
	return ".byte " + strings.Join(parts, ", ")
}

// Disassemble renders a flat instruction stream as a listing, one line per
// instruction prefixed with its byte offset.
func Disassemble(code []byte) string {
	var sb strings.Builder
	for off := 0; off+InstructionSize <= len(code); off += InstructionSize {
		ins, _ := Decode(code[off : off+InstructionSize])
		fmt.Fprintf(&sb, "%04x: %s\n", off, ins)
	}
	if rem := len(code) % InstructionSize; rem != 0 {
		tail := code[len(code)-rem:]
		parts := make([]string, len(tail))
		for i, x := range tail {
			parts[i] = fmt.Sprintf("0x%02x", x)
		}
		fmt.Fprintf(&sb, "%04x: .byte %s\n", len(code)-rem, strings.Join(parts, ", "))
	}
	return sb.String()
}
