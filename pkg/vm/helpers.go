package vm

import (
	"encoding/binary"
	"fmt"
)

// Solana runtime helper implementations. Ids must match the compiler's
// helper table; tests wire them up with RegisterSolanaHelpers.

// RegisterSolanaHelpers installs the shim helpers at consecutive ids
// starting at base, lowest first: log, read_u64_le, write_u64_le, memcpy,
// memset.
func RegisterSolanaHelpers(m *VM, base int32) {
	m.RegisterHelper(base+0, helperLog)
	m.RegisterHelper(base+1, helperReadU64LE)
	m.RegisterHelper(base+2, helperWriteU64LE)
	m.RegisterHelper(base+3, helperMemcpy)
	m.RegisterHelper(base+4, helperMemset)
}

// helperLog writes len bytes at ptr to the VM output.
func helperLog(m *VM, args [5]uint64) (uint64, error) {
	ptr, n := args[0], args[1]
	if err := m.checkAccess(ptr, int(n)); err != nil {
		return 0, err
	}
	fmt.Fprintf(m.out(), "%s\n", m.Mem[ptr:ptr+n])
	return 0, nil
}

func helperReadU64LE(m *VM, args [5]uint64) (uint64, error) {
	addr := args[0] + args[1]
	if err := m.checkAccess(addr, 8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(m.Mem[addr:]), nil
}

func helperWriteU64LE(m *VM, args [5]uint64) (uint64, error) {
	addr := args[0] + args[1]
	if err := m.checkAccess(addr, 8); err != nil {
		return 0, err
	}
	binary.LittleEndian.PutUint64(m.Mem[addr:], args[2])
	return 0, nil
}

func helperMemcpy(m *VM, args [5]uint64) (uint64, error) {
	dst, src, n := args[0], args[1], args[2]
	if err := m.checkAccess(dst, int(n)); err != nil {
		return 0, err
	}
	if err := m.checkAccess(src, int(n)); err != nil {
		return 0, err
	}
	copy(m.Mem[dst:dst+n], m.Mem[src:src+n])
	return 0, nil
}

func helperMemset(m *VM, args [5]uint64) (uint64, error) {
	dst, val, n := args[0], args[1], args[2]
	if err := m.checkAccess(dst, int(n)); err != nil {
		return 0, err
	}
	for i := uint64(0); i < n; i++ {
		m.Mem[dst+i] = byte(val)
	}
	return 0, nil
}
