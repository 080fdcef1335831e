// Package vm is a minimal Solana BPF interpreter. It exists so compiled
// programs can be executed in tests without a loader: eleven registers, a
// byte-addressed stack with R10 at the top of a per-call 4 KiB frame, and
// host-side helper functions.
package vm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/idlhub/holyc-bpf-compiler/pkg/bpf"
)

const (
	// FrameSize is the stack budget of one call frame.
	FrameSize = 4096
	// MaxCallDepth bounds bpf-to-bpf call nesting.
	MaxCallDepth = 16
	// StackSize is the total addressable stack memory.
	StackSize = FrameSize * MaxCallDepth

	// DefaultStepLimit bounds runaway programs.
	DefaultStepLimit = 1_000_000
)

// Helper is a host function reachable through a call id.
type Helper func(m *VM, args [5]uint64) (uint64, error)

type frame struct {
	retPC int
	r10   uint64
	saved [4]uint64 // R6-R9
}

// VM interprets a decoded BPF instruction stream.
type VM struct {
	Regs [11]uint64
	Mem  [StackSize]byte

	prog    []bpf.Instruction
	entries map[int32]int // function call id -> instruction index
	helpers map[int32]Helper

	pc     int
	frames []frame
	Halted bool

	// Output receives helper log writes. If nil, os.Stdout is used.
	Output io.Writer

	// StepLimit aborts execution after this many instructions.
	StepLimit int
}

// New builds a VM over a program and its function entry table.
func New(prog []bpf.Instruction, entries map[int32]int) *VM {
	m := &VM{
		prog:      prog,
		entries:   entries,
		helpers:   make(map[int32]Helper),
		StepLimit: DefaultStepLimit,
	}
	return m
}

// RegisterHelper installs a host function under a call id.
func (m *VM) RegisterHelper(id int32, fn Helper) {
	m.helpers[id] = fn
}

func (m *VM) out() io.Writer {
	if m.Output != nil {
		return m.Output
	}
	return os.Stdout
}

// Run executes the function at entry with the given arguments in R1-R5 and
// returns R0 after the outermost exit.
func (m *VM) Run(entry int, args ...uint64) (uint64, error) {
	if len(args) > 5 {
		return 0, errors.New("vm: more than 5 arguments")
	}
	m.Regs = [11]uint64{}
	for i, a := range args {
		m.Regs[1+i] = a
	}
	m.Regs[10] = StackSize
	m.pc = entry
	m.frames = m.frames[:0]
	m.Halted = false

	for steps := 0; steps < m.StepLimit; steps++ {
		if m.Halted {
			return m.Regs[0], nil
		}
		if err := m.Step(); err != nil {
			return 0, err
		}
	}
	return 0, fmt.Errorf("vm: step limit of %d exceeded", m.StepLimit)
}

func (m *VM) fault(format string, args ...any) error {
	return fmt.Errorf("vm: pc %d: %s", m.pc, fmt.Sprintf(format, args...))
}

// checkAccess validates a [addr, addr+width) stack access.
func (m *VM) checkAccess(addr uint64, width int) error {
	if width < 0 || addr > StackSize || uint64(width) > StackSize-addr {
		return m.fault("memory access out of bounds: addr 0x%x width %d", addr, width)
	}
	return nil
}

func (m *VM) load(addr uint64, width int) (uint64, error) {
	if err := m.checkAccess(addr, width); err != nil {
		return 0, err
	}
	switch width {
	case 1:
		return uint64(m.Mem[addr]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(m.Mem[addr:])), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(m.Mem[addr:])), nil
	default:
		return binary.LittleEndian.Uint64(m.Mem[addr:]), nil
	}
}

func (m *VM) store(addr uint64, width int, val uint64) error {
	if err := m.checkAccess(addr, width); err != nil {
		return err
	}
	switch width {
	case 1:
		m.Mem[addr] = byte(val)
	case 2:
		binary.LittleEndian.PutUint16(m.Mem[addr:], uint16(val))
	case 4:
		binary.LittleEndian.PutUint32(m.Mem[addr:], uint32(val))
	default:
		binary.LittleEndian.PutUint64(m.Mem[addr:], val)
	}
	return nil
}

// Step executes a single instruction.
func (m *VM) Step() error {
	if m.pc < 0 || m.pc >= len(m.prog) {
		return m.fault("execution ran off the instruction stream")
	}
	ins := m.prog[m.pc]
	dst, src := ins.Dst, ins.Src
	imm := uint64(int64(ins.Imm)) // immediates sign-extend to 64 bits
	next := m.pc + 1

	switch ins.Opcode {

	// ALU64, immediate operand
	case bpf.OpMov64Imm:
		m.Regs[dst] = imm
	case bpf.OpAdd64Imm:
		m.Regs[dst] += imm
	case bpf.OpSub64Imm:
		m.Regs[dst] -= imm
	case bpf.OpMul64Imm:
		m.Regs[dst] *= imm
	case bpf.OpDiv64Imm:
		if imm == 0 {
			return m.fault("division by zero")
		}
		m.Regs[dst] /= imm
	case bpf.OpMod64Imm:
		if imm == 0 {
			return m.fault("modulo by zero")
		}
		m.Regs[dst] %= imm
	case bpf.OpAnd64Imm:
		m.Regs[dst] &= imm
	case bpf.OpOr64Imm:
		m.Regs[dst] |= imm
	case bpf.OpXor64Imm:
		m.Regs[dst] ^= imm
	case bpf.OpLsh64Imm:
		m.Regs[dst] <<= imm & 63
	case bpf.OpRsh64Imm:
		m.Regs[dst] >>= imm & 63
	case bpf.OpArsh64Imm:
		m.Regs[dst] = uint64(int64(m.Regs[dst]) >> (imm & 63))
	case bpf.OpNeg64:
		m.Regs[dst] = -m.Regs[dst]

	// ALU64, register operand
	case bpf.OpMov64Reg:
		m.Regs[dst] = m.Regs[src]
	case bpf.OpAdd64Reg:
		m.Regs[dst] += m.Regs[src]
	case bpf.OpSub64Reg:
		m.Regs[dst] -= m.Regs[src]
	case bpf.OpMul64Reg:
		m.Regs[dst] *= m.Regs[src]
	case bpf.OpDiv64Reg:
		if m.Regs[src] == 0 {
			return m.fault("division by zero")
		}
		m.Regs[dst] /= m.Regs[src]
	case bpf.OpMod64Reg:
		if m.Regs[src] == 0 {
			return m.fault("modulo by zero")
		}
		m.Regs[dst] %= m.Regs[src]
	case bpf.OpAnd64Reg:
		m.Regs[dst] &= m.Regs[src]
	case bpf.OpOr64Reg:
		m.Regs[dst] |= m.Regs[src]
	case bpf.OpXor64Reg:
		m.Regs[dst] ^= m.Regs[src]
	case bpf.OpLsh64Reg:
		m.Regs[dst] <<= m.Regs[src] & 63
	case bpf.OpRsh64Reg:
		m.Regs[dst] >>= m.Regs[src] & 63
	case bpf.OpArsh64Reg:
		m.Regs[dst] = uint64(int64(m.Regs[dst]) >> (m.Regs[src] & 63))

	// Loads and stores
	case bpf.OpLdXB, bpf.OpLdXH, bpf.OpLdXW, bpf.OpLdXDW:
		val, err := m.load(m.Regs[src]+uint64(int64(ins.Off)), bpf.LoadWidth(ins.Opcode))
		if err != nil {
			return err
		}
		m.Regs[dst] = val
	case bpf.OpStXB, bpf.OpStXH, bpf.OpStXW, bpf.OpStXDW:
		addr := m.Regs[dst] + uint64(int64(ins.Off))
		if err := m.store(addr, bpf.StoreWidth(ins.Opcode), m.Regs[src]); err != nil {
			return err
		}

	// Jumps
	case bpf.OpJa:
		next = m.pc + 1 + int(ins.Off)
	case bpf.OpJeqImm:
		if m.Regs[dst] == imm {
			next = m.pc + 1 + int(ins.Off)
		}
	case bpf.OpJneImm:
		if m.Regs[dst] != imm {
			next = m.pc + 1 + int(ins.Off)
		}
	case bpf.OpJgtImm:
		if m.Regs[dst] > imm {
			next = m.pc + 1 + int(ins.Off)
		}
	case bpf.OpJgeImm:
		if m.Regs[dst] >= imm {
			next = m.pc + 1 + int(ins.Off)
		}
	case bpf.OpJltImm:
		if m.Regs[dst] < imm {
			next = m.pc + 1 + int(ins.Off)
		}
	case bpf.OpJleImm:
		if m.Regs[dst] <= imm {
			next = m.pc + 1 + int(ins.Off)
		}
	case bpf.OpJsgtImm:
		if int64(m.Regs[dst]) > int64(imm) {
			next = m.pc + 1 + int(ins.Off)
		}
	case bpf.OpJsgeImm:
		if int64(m.Regs[dst]) >= int64(imm) {
			next = m.pc + 1 + int(ins.Off)
		}
	case bpf.OpJsltImm:
		if int64(m.Regs[dst]) < int64(imm) {
			next = m.pc + 1 + int(ins.Off)
		}
	case bpf.OpJsleImm:
		if int64(m.Regs[dst]) <= int64(imm) {
			next = m.pc + 1 + int(ins.Off)
		}
	case bpf.OpJeqReg:
		if m.Regs[dst] == m.Regs[src] {
			next = m.pc + 1 + int(ins.Off)
		}
	case bpf.OpJneReg:
		if m.Regs[dst] != m.Regs[src] {
			next = m.pc + 1 + int(ins.Off)
		}
	case bpf.OpJgtReg:
		if m.Regs[dst] > m.Regs[src] {
			next = m.pc + 1 + int(ins.Off)
		}
	case bpf.OpJgeReg:
		if m.Regs[dst] >= m.Regs[src] {
			next = m.pc + 1 + int(ins.Off)
		}
	case bpf.OpJltReg:
		if m.Regs[dst] < m.Regs[src] {
			next = m.pc + 1 + int(ins.Off)
		}
	case bpf.OpJleReg:
		if m.Regs[dst] <= m.Regs[src] {
			next = m.pc + 1 + int(ins.Off)
		}
	case bpf.OpJsgtReg:
		if int64(m.Regs[dst]) > int64(m.Regs[src]) {
			next = m.pc + 1 + int(ins.Off)
		}
	case bpf.OpJsgeReg:
		if int64(m.Regs[dst]) >= int64(m.Regs[src]) {
			next = m.pc + 1 + int(ins.Off)
		}
	case bpf.OpJsltReg:
		if int64(m.Regs[dst]) < int64(m.Regs[src]) {
			next = m.pc + 1 + int(ins.Off)
		}
	case bpf.OpJsleReg:
		if int64(m.Regs[dst]) <= int64(m.Regs[src]) {
			next = m.pc + 1 + int(ins.Off)
		}

	case bpf.OpCall:
		if helper, ok := m.helpers[ins.Imm]; ok {
			args := [5]uint64{m.Regs[1], m.Regs[2], m.Regs[3], m.Regs[4], m.Regs[5]}
			ret, err := helper(m, args)
			if err != nil {
				return m.fault("helper %d: %v", ins.Imm, err)
			}
			m.Regs[0] = ret
			break
		}
		entry, ok := m.entries[ins.Imm]
		if !ok {
			return m.fault("call to unknown function id %d", ins.Imm)
		}
		if len(m.frames) >= MaxCallDepth-1 {
			return m.fault("call depth exceeds %d", MaxCallDepth)
		}
		// The caller's frame registers and frame pointer survive the call.
		m.frames = append(m.frames, frame{
			retPC: next,
			r10:   m.Regs[10],
			saved: [4]uint64{m.Regs[6], m.Regs[7], m.Regs[8], m.Regs[9]},
		})
		m.Regs[10] -= FrameSize
		next = entry

	case bpf.OpExit:
		if len(m.frames) == 0 {
			m.Halted = true
			return nil
		}
		f := m.frames[len(m.frames)-1]
		m.frames = m.frames[:len(m.frames)-1]
		m.Regs[10] = f.r10
		m.Regs[6], m.Regs[7], m.Regs[8], m.Regs[9] = f.saved[0], f.saved[1], f.saved[2], f.saved[3]
		next = f.retPC

	default:
		return m.fault("unknown opcode 0x%02x", ins.Opcode)
	}

	m.pc = next
	return nil
}
