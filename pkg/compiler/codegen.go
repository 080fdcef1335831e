package compiler

import (
	"math"

	"github.com/idlhub/holyc-bpf-compiler/pkg/bpf"
)

// StackFrameSize is the stack budget of one BPF call frame.
const StackFrameSize = 4096

// scratchRegs is the local register pool used for expression evaluation.
// R1-R5 are reserved for call arguments and R0 for results.
var scratchRegs = [4]bpf.Reg{bpf.R6, bpf.R7, bpf.R8, bpf.R9}

// regPool hands out scratch registers. Exhaustion is a hard error rather
// than a spill; the pool bounds expression depth.
type regPool struct {
	inUse [len(scratchRegs)]bool
}

func (p *regPool) alloc(pos Pos) (bpf.Reg, error) {
	for i, used := range p.inUse {
		if !used {
			p.inUse[i] = true
			return scratchRegs[i], nil
		}
	}
	return 0, errorf(ErrTooComplex, pos, "expression needs more than %d scratch registers", len(scratchRegs))
}

func (p *regPool) free(r bpf.Reg) {
	p.inUse[r-bpf.R6] = false
}

// Function is one compiled function in the output artifact.
type Function struct {
	Name  string `json:"name"`
	ID    int32  `json:"id"`
	Entry int    `json:"entry"` // index of the first instruction
	End   int    `json:"end"`   // index one past the last instruction
}

// fixup records a forward branch whose target label is not yet bound.
type fixup struct {
	branch int
	label  int
	pos    Pos
}

type loopLabels struct {
	brk  int // break target
	cont int // continue target
}

// CodeGen walks an AST and emits BPF instructions. Labels, fixups, the
// register pool, and the loop stack are scoped per function.
type CodeGen struct {
	syms   *SymbolTable
	ins    []bpf.Instruction
	funcs  []*Function
	pool   regPool
	labels []int // label id -> instruction index, -1 while unbound
	fixups []fixup
	loops  []loopLabels
	fn     *FunctionDecl
}

func newCodeGen(syms *SymbolTable) *CodeGen {
	return &CodeGen{syms: syms}
}

func (cg *CodeGen) emit(ins bpf.Instruction) {
	cg.ins = append(cg.ins, ins)
}

func (cg *CodeGen) newLabel() int {
	cg.labels = append(cg.labels, -1)
	return len(cg.labels) - 1
}

// branchOffset is the relative instruction count stored in a branch: the
// distance from the instruction after the branch to the target.
func branchOffset(branch, target int, pos Pos) (int16, error) {
	off := target - branch - 1
	if off < math.MinInt16 || off > math.MaxInt16 {
		return 0, errorf(ErrJumpOutOfRange, pos, "branch distance %d exceeds 16 bits", off)
	}
	return int16(off), nil
}

// emitBranch appends a branch targeting label. Backward branches resolve
// immediately; forward branches are recorded for patching at bind time.
func (cg *CodeGen) emitBranch(ins bpf.Instruction, label int, pos Pos) error {
	idx := len(cg.ins)
	if target := cg.labels[label]; target >= 0 {
		off, err := branchOffset(idx, target, pos)
		if err != nil {
			return err
		}
		ins.Off = off
		cg.emit(ins)
		return nil
	}
	cg.fixups = append(cg.fixups, fixup{branch: idx, label: label, pos: pos})
	cg.emit(ins)
	return nil
}

// bind anchors label at the next instruction and patches every branch that
// was waiting for it.
func (cg *CodeGen) bind(label int) error {
	target := len(cg.ins)
	cg.labels[label] = target

	kept := cg.fixups[:0]
	for _, f := range cg.fixups {
		if f.label != label {
			kept = append(kept, f)
			continue
		}
		off, err := branchOffset(f.branch, target, f.pos)
		if err != nil {
			return err
		}
		cg.ins[f.branch].Off = off
	}
	cg.fixups = kept
	return nil
}

// loadImm materializes a 64-bit constant. Values representable as a
// sign-extended 32-bit immediate take a single mov; larger values use the
// hi-shift-or sequence. When the low word would sign-extend through the or,
// it is staged zero-extended in a second register.
func (cg *CodeGen) loadImm(dst bpf.Reg, val uint64, pos Pos) error {
	if int64(val) >= math.MinInt32 && int64(val) <= math.MaxInt32 {
		cg.emit(bpf.MovImm(dst, int32(val)))
		return nil
	}
	hi := int32(val >> 32)
	lo := uint32(val)
	cg.emit(bpf.MovImm(dst, hi))
	cg.emit(bpf.LshImm(dst, 32))
	if lo <= math.MaxInt32 {
		cg.emit(bpf.OrImm(dst, int32(lo)))
		return nil
	}
	tmp, err := cg.pool.alloc(pos)
	if err != nil {
		return err
	}
	cg.emit(bpf.MovImm(tmp, int32(lo)))
	cg.emit(bpf.LshImm(tmp, 32))
	cg.emit(bpf.RshImm(tmp, 32))
	cg.emit(bpf.OrReg(dst, tmp))
	cg.pool.free(tmp)
	return nil
}

// accessWidth picks the load/store width for a scalar type.
func accessWidth(t *Type) int {
	switch size := t.ScalarSize(); size {
	case 1, 2, 4:
		return size
	default:
		return 8
	}
}

var loadOpByWidth = map[int]uint8{1: bpf.OpLdXB, 2: bpf.OpLdXH, 4: bpf.OpLdXW, 8: bpf.OpLdXDW}
var storeOpByWidth = map[int]uint8{1: bpf.OpStXB, 2: bpf.OpStXH, 4: bpf.OpStXW, 8: bpf.OpStXDW}

// loadFrom emits a typed load of [base+off] into dst. Narrow loads
// zero-extend.
func (cg *CodeGen) loadFrom(dst, base bpf.Reg, off int16, t *Type) {
	cg.emit(bpf.New(loadOpByWidth[accessWidth(t)], dst, base, off, 0))
}

// storeTo emits a typed store of src into [base+off]. Narrow destinations
// truncate.
func (cg *CodeGen) storeTo(base bpf.Reg, off int16, src bpf.Reg, t *Type) {
	cg.emit(bpf.New(storeOpByWidth[accessWidth(t)], base, src, off, 0))
}

//  Expression typing

// exprType infers the static type of an expression bottom-up. Mixed-width
// arithmetic widens to 64 bits; the signed flavor wins when either operand
// is signed.
func (cg *CodeGen) exprType(e Expr) (*Type, error) {
	switch n := e.(type) {
	case *IntLit:
		return U64Type, nil

	case *StrLit:
		return PointerTo(U8Type), nil

	case *SizeofExpr:
		return U64Type, nil

	case *Ident:
		if _, ok := cg.syms.LookupConstant(n.Name); ok {
			return U64Type, nil
		}
		sym, ok := cg.syms.Lookup(n.Name)
		if !ok {
			return nil, errorf(ErrUnknownIdent, n.At, "undefined variable %q", n.Name)
		}
		return sym.Type, nil

	case *UnaryExpr:
		switch n.Op {
		case NOT:
			return BoolType, nil
		case AND:
			t, err := cg.exprType(n.Operand)
			if err != nil {
				return nil, err
			}
			return PointerTo(t), nil
		case STAR:
			t, err := cg.exprType(n.Operand)
			if err != nil {
				return nil, err
			}
			if !t.IsPointer() && !t.IsArray() {
				return nil, errorf(ErrTypeMismatch, n.At, "cannot dereference %s", t)
			}
			return t.Elem, nil
		default:
			return cg.exprType(n.Operand)
		}

	case *PostfixExpr:
		return cg.exprType(n.Left)

	case *BinaryExpr:
		switch n.Op {
		case EQUALS, NOT_EQ, LESS, LESS_EQ, GREATER, GREATER_EQ, AND_LOGICAL, OR_LOGICAL:
			return BoolType, nil
		}
		lt, err := cg.exprType(n.Left)
		if err != nil {
			return nil, err
		}
		rt, err := cg.exprType(n.Right)
		if err != nil {
			return nil, err
		}
		if lt.IsPointer() {
			return lt, nil
		}
		if rt.IsPointer() {
			return rt, nil
		}
		if lt.IsSigned() || rt.IsSigned() {
			return I64Type, nil
		}
		return U64Type, nil

	case *AssignExpr:
		return cg.exprType(n.Target)

	case *CallExpr:
		if fn, ok := cg.syms.LookupFunc(n.Name); ok {
			return fn.Return, nil
		}
		return U64Type, nil

	case *IndexExpr:
		t, err := cg.exprType(n.Left)
		if err != nil {
			return nil, err
		}
		if !t.IsPointer() && !t.IsArray() {
			return nil, errorf(ErrTypeMismatch, n.At, "cannot index %s", t)
		}
		return t.Elem, nil

	case *MemberExpr:
		return cg.memberField(n).asType()
	}
	return U64Type, nil
}

// fieldResult carries a member lookup so address and type computation share
// the same resolution path.
type fieldResult struct {
	field   FieldInfo
	pointer bool // base expression is a pointer to the class
	err     error
}

func (r fieldResult) asType() (*Type, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.field.Type, nil
}

// memberField resolves the class and field of a member access. Dot expects a
// class value, arrow a pointer to one; dot on a pointer is accepted the way
// HolyC accepts it.
func (cg *CodeGen) memberField(n *MemberExpr) fieldResult {
	t, err := cg.exprType(n.Left)
	if err != nil {
		return fieldResult{err: err}
	}
	pointer := false
	if t.IsPointer() {
		t = t.Elem
		pointer = true
	}
	if !t.IsClass() {
		return fieldResult{err: errorf(ErrTypeMismatch, n.At, "member access on non-class type %s", t)}
	}
	def, ok := cg.syms.LookupClass(t.Name)
	if !ok {
		return fieldResult{err: errorf(ErrTypeMismatch, n.At, "unknown class %q", t.Name)}
	}
	field, ok := def.Field(n.Member)
	if !ok {
		return fieldResult{err: errorf(ErrUnknownIdent, n.At, "class %s has no field %q", t.Name, n.Member)}
	}
	return fieldResult{field: field, pointer: pointer}
}

//  Address computation

// genAddress computes the address of an lvalue into a fresh scratch
// register.
func (cg *CodeGen) genAddress(e Expr) (bpf.Reg, error) {
	switch n := e.(type) {
	case *Ident:
		if _, ok := cg.syms.LookupConstant(n.Name); ok {
			return 0, errorf(ErrTypeMismatch, n.At, "%q is a constant, not a variable", n.Name)
		}
		sym, ok := cg.syms.Lookup(n.Name)
		if !ok {
			return 0, errorf(ErrUnknownIdent, n.At, "undefined variable %q", n.Name)
		}
		reg, err := cg.pool.alloc(n.At)
		if err != nil {
			return 0, err
		}
		cg.emit(bpf.MovReg(reg, bpf.R10))
		cg.emit(bpf.AddImm(reg, int32(sym.Offset)))
		return reg, nil

	case *UnaryExpr:
		if n.Op != STAR {
			break
		}
		return cg.genExpr(n.Operand)

	case *IndexExpr:
		t, err := cg.exprType(n.Left)
		if err != nil {
			return 0, err
		}
		var base bpf.Reg
		switch {
		case t.IsArray():
			base, err = cg.genAddress(n.Left)
		case t.IsPointer():
			base, err = cg.genExpr(n.Left)
		default:
			return 0, errorf(ErrTypeMismatch, n.At, "cannot index %s", t)
		}
		if err != nil {
			return 0, err
		}
		idx, err := cg.genExpr(n.Index)
		if err != nil {
			return 0, err
		}
		elemSize, err := cg.syms.SizeOf(t.Elem)
		if err != nil {
			return 0, err
		}
		if elemSize > 1 {
			cg.emit(bpf.MulImm(idx, int32(elemSize)))
		}
		cg.emit(bpf.AddReg(base, idx))
		cg.pool.free(idx)
		return base, nil

	case *MemberExpr:
		res := cg.memberField(n)
		if res.err != nil {
			return 0, res.err
		}
		var base bpf.Reg
		var err error
		if res.pointer {
			base, err = cg.genExpr(n.Left)
		} else {
			base, err = cg.genAddress(n.Left)
		}
		if err != nil {
			return 0, err
		}
		if res.field.Offset != 0 {
			cg.emit(bpf.AddImm(base, int32(res.field.Offset)))
		}
		return base, nil
	}
	return 0, errorf(ErrTypeMismatch, e.ExprPos(), "expression %s is not addressable", e)
}

//  Expression evaluation

var cmpOps = map[TokenType]struct{ unsigned, signed uint8 }{
	EQUALS:     {bpf.OpJeqReg, bpf.OpJeqReg},
	NOT_EQ:     {bpf.OpJneReg, bpf.OpJneReg},
	LESS:       {bpf.OpJltReg, bpf.OpJsltReg},
	LESS_EQ:    {bpf.OpJleReg, bpf.OpJsleReg},
	GREATER:    {bpf.OpJgtReg, bpf.OpJsgtReg},
	GREATER_EQ: {bpf.OpJgeReg, bpf.OpJsgeReg},
}

// genExpr emits the instructions that evaluate e and returns the scratch
// register holding the result. The caller releases the register.
func (cg *CodeGen) genExpr(e Expr) (bpf.Reg, error) {
	switch n := e.(type) {

	case *IntLit:
		reg, err := cg.pool.alloc(n.At)
		if err != nil {
			return 0, err
		}
		if err := cg.loadImm(reg, n.Value, n.At); err != nil {
			return 0, err
		}
		return reg, nil

	case *StrLit:
		return 0, errorf(ErrUnsupported, n.At, "string literals have no runtime storage")

	case *SizeofExpr:
		size, err := cg.syms.SizeOf(n.Type)
		if err != nil {
			return 0, errorf(ErrBadType, n.At, "sizeof: %v", err)
		}
		reg, err := cg.pool.alloc(n.At)
		if err != nil {
			return 0, err
		}
		cg.emit(bpf.MovImm(reg, int32(size)))
		return reg, nil

	case *Ident:
		if val, ok := cg.syms.LookupConstant(n.Name); ok {
			reg, err := cg.pool.alloc(n.At)
			if err != nil {
				return 0, err
			}
			if err := cg.loadImm(reg, val, n.At); err != nil {
				return 0, err
			}
			return reg, nil
		}
		sym, ok := cg.syms.Lookup(n.Name)
		if !ok {
			return 0, errorf(ErrUnknownIdent, n.At, "undefined variable %q", n.Name)
		}
		reg, err := cg.pool.alloc(n.At)
		if err != nil {
			return 0, err
		}
		if sym.Type.IsArray() || sym.Type.IsClass() {
			// Aggregates evaluate to their address.
			cg.emit(bpf.MovReg(reg, bpf.R10))
			cg.emit(bpf.AddImm(reg, int32(sym.Offset)))
			return reg, nil
		}
		cg.loadFrom(reg, bpf.R10, sym.Offset, sym.Type)
		return reg, nil

	case *UnaryExpr:
		return cg.genUnary(n)

	case *PostfixExpr:
		t, err := cg.exprType(n.Left)
		if err != nil {
			return 0, err
		}
		addr, err := cg.genAddress(n.Left)
		if err != nil {
			return 0, err
		}
		old, err := cg.pool.alloc(n.At)
		if err != nil {
			return 0, err
		}
		cg.loadFrom(old, addr, 0, t)
		tmp, err := cg.pool.alloc(n.At)
		if err != nil {
			return 0, err
		}
		cg.emit(bpf.MovReg(tmp, old))
		if n.Op == PLUS_PLUS {
			cg.emit(bpf.AddImm(tmp, 1))
		} else {
			cg.emit(bpf.AddImm(tmp, -1))
		}
		cg.storeTo(addr, 0, tmp, t)
		cg.pool.free(tmp)
		cg.pool.free(addr)
		return old, nil

	case *BinaryExpr:
		return cg.genBinary(n)

	case *AssignExpr:
		return cg.genAssign(n)

	case *CallExpr:
		return cg.genCall(n)

	case *IndexExpr, *MemberExpr:
		t, err := cg.exprType(e)
		if err != nil {
			return 0, err
		}
		addr, err := cg.genAddress(e)
		if err != nil {
			return 0, err
		}
		if t.IsArray() || t.IsClass() {
			return addr, nil
		}
		cg.loadFrom(addr, addr, 0, t)
		return addr, nil
	}
	return 0, errorf(ErrUnsupported, e.ExprPos(), "cannot compile expression %s", e)
}

func (cg *CodeGen) genUnary(n *UnaryExpr) (bpf.Reg, error) {
	switch n.Op {
	case MINUS:
		reg, err := cg.genExpr(n.Operand)
		if err != nil {
			return 0, err
		}
		cg.emit(bpf.Neg(reg))
		return reg, nil

	case TILDE:
		reg, err := cg.genExpr(n.Operand)
		if err != nil {
			return 0, err
		}
		cg.emit(bpf.XorImm(reg, -1))
		return reg, nil

	case NOT:
		reg, err := cg.genExpr(n.Operand)
		if err != nil {
			return 0, err
		}
		// reg = (reg == 0)
		isZero := cg.newLabel()
		end := cg.newLabel()
		if err := cg.emitBranch(bpf.JeqImm(reg, 0, 0), isZero, n.At); err != nil {
			return 0, err
		}
		cg.emit(bpf.MovImm(reg, 0))
		if err := cg.emitBranch(bpf.Ja(0), end, n.At); err != nil {
			return 0, err
		}
		if err := cg.bind(isZero); err != nil {
			return 0, err
		}
		cg.emit(bpf.MovImm(reg, 1))
		return reg, cg.bind(end)

	case STAR:
		t, err := cg.exprType(n)
		if err != nil {
			return 0, err
		}
		addr, err := cg.genExpr(n.Operand)
		if err != nil {
			return 0, err
		}
		cg.loadFrom(addr, addr, 0, t)
		return addr, nil

	case AND:
		return cg.genAddress(n.Operand)

	case PLUS_PLUS, MINUS_MINUS:
		t, err := cg.exprType(n.Operand)
		if err != nil {
			return 0, err
		}
		addr, err := cg.genAddress(n.Operand)
		if err != nil {
			return 0, err
		}
		val, err := cg.pool.alloc(n.At)
		if err != nil {
			return 0, err
		}
		cg.loadFrom(val, addr, 0, t)
		if n.Op == PLUS_PLUS {
			cg.emit(bpf.AddImm(val, 1))
		} else {
			cg.emit(bpf.AddImm(val, -1))
		}
		cg.storeTo(addr, 0, val, t)
		cg.pool.free(addr)
		return val, nil
	}
	return 0, errorf(ErrUnsupported, n.At, "unknown unary operator %s", n.Op)
}

func (cg *CodeGen) genBinary(n *BinaryExpr) (bpf.Reg, error) {
	switch n.Op {
	case AND_LOGICAL:
		left, err := cg.genExpr(n.Left)
		if err != nil {
			return 0, err
		}
		isFalse := cg.newLabel()
		end := cg.newLabel()
		if err := cg.emitBranch(bpf.JeqImm(left, 0, 0), isFalse, n.At); err != nil {
			return 0, err
		}
		right, err := cg.genExpr(n.Right)
		if err != nil {
			return 0, err
		}
		if err := cg.emitBranch(bpf.JeqImm(right, 0, 0), isFalse, n.At); err != nil {
			return 0, err
		}
		cg.pool.free(right)
		cg.emit(bpf.MovImm(left, 1))
		if err := cg.emitBranch(bpf.Ja(0), end, n.At); err != nil {
			return 0, err
		}
		if err := cg.bind(isFalse); err != nil {
			return 0, err
		}
		cg.emit(bpf.MovImm(left, 0))
		return left, cg.bind(end)

	case OR_LOGICAL:
		left, err := cg.genExpr(n.Left)
		if err != nil {
			return 0, err
		}
		isTrue := cg.newLabel()
		end := cg.newLabel()
		if err := cg.emitBranch(bpf.JneImm(left, 0, 0), isTrue, n.At); err != nil {
			return 0, err
		}
		right, err := cg.genExpr(n.Right)
		if err != nil {
			return 0, err
		}
		if err := cg.emitBranch(bpf.JneImm(right, 0, 0), isTrue, n.At); err != nil {
			return 0, err
		}
		cg.pool.free(right)
		cg.emit(bpf.MovImm(left, 0))
		if err := cg.emitBranch(bpf.Ja(0), end, n.At); err != nil {
			return 0, err
		}
		if err := cg.bind(isTrue); err != nil {
			return 0, err
		}
		cg.emit(bpf.MovImm(left, 1))
		return left, cg.bind(end)
	}

	if err := cg.rejectF64(n.Left); err != nil {
		return 0, err
	}
	if err := cg.rejectF64(n.Right); err != nil {
		return 0, err
	}

	left, err := cg.genExpr(n.Left)
	if err != nil {
		return 0, err
	}
	right, err := cg.genExpr(n.Right)
	if err != nil {
		return 0, err
	}

	if ops, ok := cmpOps[n.Op]; ok {
		signed, err := cg.signedOperands(n)
		if err != nil {
			return 0, err
		}
		op := ops.unsigned
		if signed {
			op = ops.signed
		}
		isTrue := cg.newLabel()
		end := cg.newLabel()
		if err := cg.emitBranch(bpf.New(op, left, right, 0, 0), isTrue, n.At); err != nil {
			return 0, err
		}
		cg.emit(bpf.MovImm(left, 0))
		if err := cg.emitBranch(bpf.Ja(0), end, n.At); err != nil {
			return 0, err
		}
		if err := cg.bind(isTrue); err != nil {
			return 0, err
		}
		cg.emit(bpf.MovImm(left, 1))
		if err := cg.bind(end); err != nil {
			return 0, err
		}
		cg.pool.free(right)
		return left, nil
	}

	switch n.Op {
	case PLUS:
		cg.emit(bpf.AddReg(left, right))
	case MINUS:
		cg.emit(bpf.SubReg(left, right))
	case STAR:
		cg.emit(bpf.MulReg(left, right))
	case SLASH:
		cg.emit(bpf.DivReg(left, right))
	case PERCENT:
		cg.emit(bpf.ModReg(left, right))
	case AND:
		cg.emit(bpf.AndReg(left, right))
	case PIPE:
		cg.emit(bpf.OrReg(left, right))
	case CARET:
		cg.emit(bpf.XorReg(left, right))
	case SHL_OP:
		cg.emit(bpf.LshReg(left, right))
	case SHR_OP:
		signed, err := cg.signedOperands(n)
		if err != nil {
			return 0, err
		}
		if signed {
			cg.emit(bpf.ArshReg(left, right))
		} else {
			cg.emit(bpf.RshReg(left, right))
		}
	default:
		return 0, errorf(ErrUnsupported, n.At, "unknown binary operator %s", n.Op)
	}
	cg.pool.free(right)
	return left, nil
}

// signedOperands reports whether a binary operation uses signed semantics:
// it does when either operand's type is signed.
func (cg *CodeGen) signedOperands(n *BinaryExpr) (bool, error) {
	lt, err := cg.exprType(n.Left)
	if err != nil {
		return false, err
	}
	rt, err := cg.exprType(n.Right)
	if err != nil {
		return false, err
	}
	return lt.IsSigned() || rt.IsSigned(), nil
}

func (cg *CodeGen) rejectF64(e Expr) error {
	t, err := cg.exprType(e)
	if err != nil {
		return err
	}
	if t.Kind == KindF64 {
		return errorf(ErrUnsupported, e.ExprPos(), "F64 arithmetic is not supported")
	}
	return nil
}

var compoundOps = map[TokenType]TokenType{
	PLUS_ASSIGN:    PLUS,
	MINUS_ASSIGN:   MINUS,
	STAR_ASSIGN:    STAR,
	SLASH_ASSIGN:   SLASH,
	PERCENT_ASSIGN: PERCENT,
	AND_ASSIGN:     AND,
	OR_ASSIGN:      PIPE,
	XOR_ASSIGN:     CARET,
	SHL_ASSIGN:     SHL_OP,
	SHR_ASSIGN:     SHR_OP,
}

// genAssign stores into an lvalue. Compound forms compute the address at
// most once and lower to load/op/store.
func (cg *CodeGen) genAssign(n *AssignExpr) (bpf.Reg, error) {
	t, err := cg.exprType(n.Target)
	if err != nil {
		return 0, err
	}
	if t.Kind == KindF64 {
		return 0, errorf(ErrUnsupported, n.At, "F64 assignment is not supported")
	}

	// Identifiers store straight to their stack slot; every other lvalue
	// materializes an address register.
	var base bpf.Reg
	var off int16
	var addr bpf.Reg // 0 when the target is a plain slot
	if id, ok := n.Target.(*Ident); ok {
		if _, isConst := cg.syms.LookupConstant(id.Name); isConst {
			return 0, errorf(ErrTypeMismatch, id.At, "%q is a constant, not a variable", id.Name)
		}
		sym, found := cg.syms.Lookup(id.Name)
		if !found {
			return 0, errorf(ErrUnknownIdent, id.At, "undefined variable %q", id.Name)
		}
		base, off = bpf.R10, sym.Offset
	} else {
		addr, err = cg.genAddress(n.Target)
		if err != nil {
			return 0, err
		}
		base, off = addr, 0
	}

	var result bpf.Reg
	if n.Op == ASSIGN {
		result, err = cg.genExpr(n.Value)
		if err != nil {
			return 0, err
		}
	} else {
		result, err = cg.pool.alloc(n.At)
		if err != nil {
			return 0, err
		}
		cg.loadFrom(result, base, off, t)
		rhs, err := cg.genExpr(n.Value)
		if err != nil {
			return 0, err
		}
		op := compoundOps[n.Op]
		switch op {
		case PLUS:
			cg.emit(bpf.AddReg(result, rhs))
		case MINUS:
			cg.emit(bpf.SubReg(result, rhs))
		case STAR:
			cg.emit(bpf.MulReg(result, rhs))
		case SLASH:
			cg.emit(bpf.DivReg(result, rhs))
		case PERCENT:
			cg.emit(bpf.ModReg(result, rhs))
		case AND:
			cg.emit(bpf.AndReg(result, rhs))
		case PIPE:
			cg.emit(bpf.OrReg(result, rhs))
		case CARET:
			cg.emit(bpf.XorReg(result, rhs))
		case SHL_OP:
			cg.emit(bpf.LshReg(result, rhs))
		case SHR_OP:
			if t.IsSigned() {
				cg.emit(bpf.ArshReg(result, rhs))
			} else {
				cg.emit(bpf.RshReg(result, rhs))
			}
		}
		cg.pool.free(rhs)
	}

	cg.storeTo(base, off, result, t)
	if addr != 0 {
		cg.pool.free(addr)
	}
	return result, nil
}

// genCall evaluates the arguments left to right, staging each through a
// stack temporary so later argument expressions cannot clobber earlier
// argument registers, then loads R1-R5 and calls.
func (cg *CodeGen) genCall(n *CallExpr) (bpf.Reg, error) {
	var id int32
	if fn, ok := cg.syms.LookupFunc(n.Name); ok {
		if cg.fn != nil && n.Name == cg.fn.Name {
			return 0, errorf(ErrUnsupported, n.At, "recursive call to %q", n.Name)
		}
		if len(n.Args) != len(fn.Params) {
			return 0, errorf(ErrTypeMismatch, n.At,
				"%s takes %d arguments, got %d", n.Name, len(fn.Params), len(n.Args))
		}
		id = fn.ID
	} else if helperID, ok := HelperIDs[n.Name]; ok {
		id = helperID
	} else {
		return 0, errorf(ErrUnknownIdent, n.At, "undefined function %q", n.Name)
	}

	if len(n.Args) > MaxParams {
		return 0, errorf(ErrUnsupported, n.At, "call passes more than %d arguments", MaxParams)
	}

	temps := make([]int16, len(n.Args))
	for i, arg := range n.Args {
		reg, err := cg.genExpr(arg)
		if err != nil {
			return 0, err
		}
		temps[i] = cg.syms.AllocTemp()
		cg.emit(bpf.StXDW(bpf.R10, reg, temps[i]))
		cg.pool.free(reg)
	}
	for i, off := range temps {
		cg.emit(bpf.LdXDW(bpf.R1+bpf.Reg(i), bpf.R10, off))
	}
	cg.emit(bpf.Call(id))

	result, err := cg.pool.alloc(n.At)
	if err != nil {
		return 0, err
	}
	cg.emit(bpf.MovReg(result, bpf.R0))
	return result, nil
}

//  Statements

func (cg *CodeGen) genStmt(s Stmt) error {
	switch n := s.(type) {

	case *DeclStmt:
		if n.Type.Kind == KindF64 {
			return errorf(ErrUnsupported, n.At, "F64 variables are not supported")
		}
		size, err := cg.syms.SizeOf(n.Type)
		if err != nil {
			return errorf(ErrBadType, n.At, "%s %s: %v", n.Type, n.Name, err)
		}
		sym, exists := cg.syms.AllocSlot(n.Name, n.Type, size)
		if exists {
			return errorf(ErrTypeMismatch, n.At, "redeclaration of %q", n.Name)
		}
		if n.Init == nil {
			return nil
		}
		if n.Type.IsArray() || n.Type.IsClass() {
			return errorf(ErrUnsupported, n.At, "initializers on aggregate types are not supported")
		}
		val, err := cg.genExpr(n.Init)
		if err != nil {
			return err
		}
		cg.storeTo(bpf.R10, sym.Offset, val, n.Type)
		cg.pool.free(val)
		return nil

	case *ExprStmt:
		reg, err := cg.genExpr(n.Expr)
		if err != nil {
			return err
		}
		cg.pool.free(reg)
		return nil

	case *BlockStmt:
		cg.syms.EnterScope()
		defer cg.syms.ExitScope()
		for _, stmt := range n.Stmts {
			if err := cg.genStmt(stmt); err != nil {
				return err
			}
		}
		return nil

	case *IfStmt:
		cond, err := cg.genExpr(n.Cond)
		if err != nil {
			return err
		}
		elseLabel := cg.newLabel()
		if err := cg.emitBranch(bpf.JeqImm(cond, 0, 0), elseLabel, n.Cond.ExprPos()); err != nil {
			return err
		}
		cg.pool.free(cond)
		if err := cg.genStmt(n.Then); err != nil {
			return err
		}
		if n.Else == nil {
			return cg.bind(elseLabel)
		}
		endLabel := cg.newLabel()
		if err := cg.emitBranch(bpf.Ja(0), endLabel, n.Cond.ExprPos()); err != nil {
			return err
		}
		if err := cg.bind(elseLabel); err != nil {
			return err
		}
		if err := cg.genStmt(n.Else); err != nil {
			return err
		}
		return cg.bind(endLabel)

	case *WhileStmt:
		top := cg.newLabel()
		end := cg.newLabel()
		if err := cg.bind(top); err != nil {
			return err
		}
		cond, err := cg.genExpr(n.Cond)
		if err != nil {
			return err
		}
		if err := cg.emitBranch(bpf.JeqImm(cond, 0, 0), end, n.Cond.ExprPos()); err != nil {
			return err
		}
		cg.pool.free(cond)

		cg.loops = append(cg.loops, loopLabels{brk: end, cont: top})
		if err := cg.genStmt(n.Body); err != nil {
			return err
		}
		cg.loops = cg.loops[:len(cg.loops)-1]

		if err := cg.emitBranch(bpf.Ja(0), top, n.Cond.ExprPos()); err != nil {
			return err
		}
		return cg.bind(end)

	case *ForStmt:
		cg.syms.EnterScope()
		defer cg.syms.ExitScope()

		if n.Init != nil {
			if err := cg.genStmt(n.Init); err != nil {
				return err
			}
		}
		top := cg.newLabel()
		cont := cg.newLabel()
		end := cg.newLabel()
		if err := cg.bind(top); err != nil {
			return err
		}
		if n.Cond != nil {
			cond, err := cg.genExpr(n.Cond)
			if err != nil {
				return err
			}
			if err := cg.emitBranch(bpf.JeqImm(cond, 0, 0), end, n.Cond.ExprPos()); err != nil {
				return err
			}
			cg.pool.free(cond)
		}

		cg.loops = append(cg.loops, loopLabels{brk: end, cont: cont})
		if err := cg.genStmt(n.Body); err != nil {
			return err
		}
		cg.loops = cg.loops[:len(cg.loops)-1]

		if err := cg.bind(cont); err != nil {
			return err
		}
		if n.Post != nil {
			if err := cg.genStmt(n.Post); err != nil {
				return err
			}
		}
		var at Pos
		if n.Cond != nil {
			at = n.Cond.ExprPos()
		}
		if err := cg.emitBranch(bpf.Ja(0), top, at); err != nil {
			return err
		}
		return cg.bind(end)

	case *ReturnStmt:
		if n.Expr != nil {
			if cg.fn.Return.Kind == KindVoid {
				return errorf(ErrTypeMismatch, n.At, "void function %q returns a value", cg.fn.Name)
			}
			reg, err := cg.genExpr(n.Expr)
			if err != nil {
				return err
			}
			cg.emit(bpf.MovReg(bpf.R0, reg))
			cg.pool.free(reg)
		} else {
			if cg.fn.Return.Kind != KindVoid {
				return errorf(ErrTypeMismatch, n.At, "function %q must return a value", cg.fn.Name)
			}
			cg.emit(bpf.MovImm(bpf.R0, 0))
		}
		cg.emit(bpf.Exit())
		return nil

	case *BreakStmt:
		if len(cg.loops) == 0 {
			return errorf(ErrUnsupported, n.At, "break outside of a loop")
		}
		return cg.emitBranch(bpf.Ja(0), cg.loops[len(cg.loops)-1].brk, n.At)

	case *ContinueStmt:
		if len(cg.loops) == 0 {
			return errorf(ErrUnsupported, n.At, "continue outside of a loop")
		}
		return cg.emitBranch(bpf.Ja(0), cg.loops[len(cg.loops)-1].cont, n.At)
	}
	return errorf(ErrUnsupported, Pos{}, "cannot compile statement %s", s)
}

//  Functions and program

func (cg *CodeGen) genFunction(f *FunctionDecl) error {
	if f.Return.Kind == KindF64 {
		return errorf(ErrUnsupported, f.At, "function %q: F64 return type is not supported", f.Name)
	}

	cg.fn = f
	cg.labels = cg.labels[:0]
	cg.fixups = cg.fixups[:0]
	cg.loops = cg.loops[:0]
	cg.pool = regPool{}
	cg.syms.EnterFunction()
	defer cg.syms.ExitFunction()

	info, _ := cg.syms.LookupFunc(f.Name)
	info.Entry = len(cg.ins)

	// Parameter-save prologue: argument registers into their slots.
	for i, p := range f.Params {
		if p.Type.Kind == KindF64 {
			return errorf(ErrUnsupported, p.At, "parameter %q: F64 is not supported", p.Name)
		}
		if p.Type.IsClass() || p.Type.IsArray() {
			return errorf(ErrUnsupported, p.At, "parameter %q: aggregates pass by pointer", p.Name)
		}
		sym, _ := cg.syms.AllocSlot(p.Name, p.Type, 8)
		cg.emit(bpf.StXDW(bpf.R10, bpf.R1+bpf.Reg(i), sym.Offset))
	}

	for _, stmt := range f.Body.Stmts {
		if err := cg.genStmt(stmt); err != nil {
			return err
		}
	}

	// Control may fall off the end, either past a last instruction that is
	// not an exit or through a branch to a label bound here; make the exit
	// explicit so no branch targets the next function.
	fallsOff := len(cg.ins) == info.Entry || cg.ins[len(cg.ins)-1].Opcode != bpf.OpExit
	for _, target := range cg.labels {
		if target == len(cg.ins) {
			fallsOff = true
		}
	}
	if fallsOff {
		cg.emit(bpf.MovImm(bpf.R0, 0))
		cg.emit(bpf.Exit())
	}

	if len(cg.fixups) != 0 {
		panic("codegen: unbound label at end of function")
	}
	if cg.syms.FrameSize() > StackFrameSize {
		return errorf(ErrTooComplex, f.At,
			"function %q needs %d bytes of stack, frame limit is %d", f.Name, cg.syms.FrameSize(), StackFrameSize)
	}

	cg.funcs = append(cg.funcs, &Function{Name: f.Name, ID: info.ID, Entry: info.Entry, End: len(cg.ins)})
	cg.fn = nil
	return nil
}

// Generate translates a parsed program into a BPF artifact. Class layouts,
// #define constants, and function ids resolve in a first pass so call sites
// may reference functions defined later in the file.
func Generate(prog *Program) (*Artifact, error) {
	syms := NewSymbolTable()
	cg := newCodeGen(syms)

	for _, c := range RuntimeClasses {
		if _, err := syms.DefineClass(c); err != nil {
			return nil, err
		}
	}

	nextID := int32(0)
	for _, item := range prog.Items {
		switch n := item.(type) {
		case *ClassDecl:
			if _, err := syms.DefineClass(n); err != nil {
				return nil, err
			}
		case *DefineDecl:
			syms.DefineConstant(n.Name, n.Value)
		case *FunctionDecl:
			params := make([]*Type, len(n.Params))
			for i, p := range n.Params {
				params[i] = p.Type
			}
			if err := syms.DefineFunc(&FuncInfo{Name: n.Name, ID: nextID, Return: n.Return, Params: params}); err != nil {
				return nil, err
			}
			nextID++
		case *IncludeDecl, *DeclStmt:
			// Includes are not expanded and globals have no storage.
		}
	}

	for _, item := range prog.Items {
		if fn, ok := item.(*FunctionDecl); ok {
			if err := cg.genFunction(fn); err != nil {
				return nil, err
			}
		}
	}

	return &Artifact{Instructions: cg.ins, Functions: cg.funcs}, nil
}
