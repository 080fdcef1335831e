package bpf

import (
	"encoding/binary"
	"fmt"
)

// InstructionSize is the fixed wire size of one instruction.
const InstructionSize = 8

// Encode serializes the instruction into its 8-byte little-endian wire form:
// opcode, packed (src<<4|dst), signed 16-bit offset, signed 32-bit immediate.
func (ins Instruction) Encode() [InstructionSize]byte {
	var b [InstructionSize]byte
	b[0] = ins.Opcode
	b[1] = uint8(ins.Src)<<4 | uint8(ins.Dst)
	binary.LittleEndian.PutUint16(b[2:4], uint16(ins.Off))
	binary.LittleEndian.PutUint32(b[4:8], uint32(ins.Imm))
	return b
}

// Decode inverts Encode. b must hold at least 8 bytes.
func Decode(b []byte) (Instruction, error) {
	if len(b) < InstructionSize {
		return Instruction{}, fmt.Errorf("bpf: short instruction: %d bytes", len(b))
	}
	return Instruction{
		Opcode: b[0],
		Dst:    Reg(b[1] & 0x0f),
		Src:    Reg(b[1] >> 4),
		Off:    int16(binary.LittleEndian.Uint16(b[2:4])),
		Imm:    int32(binary.LittleEndian.Uint32(b[4:8])),
	}, nil
}

// EncodeProgram concatenates the wire form of every instruction.
func EncodeProgram(ins []Instruction) []byte {
	out := make([]byte, 0, len(ins)*InstructionSize)
	for _, i := range ins {
		b := i.Encode()
		out = append(out, b[:]...)
	}
	return out
}

// DecodeProgram splits a flat byte stream back into instructions. The
// stream length must be a multiple of the instruction size.
func DecodeProgram(b []byte) ([]Instruction, error) {
	if len(b)%InstructionSize != 0 {
		return nil, fmt.Errorf("bpf: stream length %d is not a multiple of %d", len(b), InstructionSize)
	}
	ins := make([]Instruction, 0, len(b)/InstructionSize)
	for off := 0; off < len(b); off += InstructionSize {
		i, err := Decode(b[off : off+InstructionSize])
		if err != nil {
			return nil, err
		}
		ins = append(ins, i)
	}
	return ins, nil
}
