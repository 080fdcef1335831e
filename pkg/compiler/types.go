package compiler

import "fmt"

// TypeKind discriminates the small type lattice of the language.
type TypeKind int

const (
	KindU8 TypeKind = iota
	KindU16
	KindU32
	KindU64
	KindI8
	KindI16
	KindI32
	KindI64
	KindBool // semantically a U8
	KindVoid
	KindF64 // parses only; code generation rejects it
	KindPointer
	KindArray
	KindClass
)

// Type describes the static type of a declaration or expression.
// Primitive types are shared singletons; pointer, array, and class types are
// built with PointerTo, ArrayOf, and ClassOf.
type Type struct {
	Kind TypeKind
	Elem *Type  // pointer and array element type
	Len  int    // array length
	Name string // class name
}

var (
	U8Type   = &Type{Kind: KindU8}
	U16Type  = &Type{Kind: KindU16}
	U32Type  = &Type{Kind: KindU32}
	U64Type  = &Type{Kind: KindU64}
	I8Type   = &Type{Kind: KindI8}
	I16Type  = &Type{Kind: KindI16}
	I32Type  = &Type{Kind: KindI32}
	I64Type  = &Type{Kind: KindI64}
	BoolType = &Type{Kind: KindBool}
	VoidType = &Type{Kind: KindVoid}
	F64Type  = &Type{Kind: KindF64}
)

func PointerTo(elem *Type) *Type     { return &Type{Kind: KindPointer, Elem: elem} }
func ArrayOf(elem *Type, n int) *Type { return &Type{Kind: KindArray, Elem: elem, Len: n} }
func ClassOf(name string) *Type      { return &Type{Kind: KindClass, Name: name} }

// IsInteger reports whether t is one of the eight primitive integer types or
// Bool.
func (t *Type) IsInteger() bool {
	switch t.Kind {
	case KindU8, KindU16, KindU32, KindU64, KindI8, KindI16, KindI32, KindI64, KindBool:
		return true
	}
	return false
}

// IsSigned reports whether arithmetic on t uses signed comparison semantics.
func (t *Type) IsSigned() bool {
	switch t.Kind {
	case KindI8, KindI16, KindI32, KindI64:
		return true
	}
	return false
}

func (t *Type) IsPointer() bool { return t.Kind == KindPointer }
func (t *Type) IsArray() bool   { return t.Kind == KindArray }
func (t *Type) IsClass() bool   { return t.Kind == KindClass }

// ScalarSize returns the in-memory size of a non-class type in bytes.
// Class sizes depend on field layout and resolve through the symbol table.
func (t *Type) ScalarSize() int {
	switch t.Kind {
	case KindU8, KindI8, KindBool:
		return 1
	case KindU16, KindI16:
		return 2
	case KindU32, KindI32:
		return 4
	case KindU64, KindI64, KindF64, KindPointer:
		return 8
	case KindVoid:
		return 0
	case KindArray:
		return t.Elem.ScalarSize() * t.Len
	}
	return 8
}

func (t *Type) String() string {
	switch t.Kind {
	case KindU8:
		return "U8"
	case KindU16:
		return "U16"
	case KindU32:
		return "U32"
	case KindU64:
		return "U64"
	case KindI8:
		return "I8"
	case KindI16:
		return "I16"
	case KindI32:
		return "I32"
	case KindI64:
		return "I64"
	case KindBool:
		return "Bool"
	case KindVoid:
		return "Void"
	case KindF64:
		return "F64"
	case KindPointer:
		return t.Elem.String() + "*"
	case KindArray:
		if t.Len == 0 {
			return t.Elem.String() + "[]"
		}
		return fmt.Sprintf("%s[%d]", t.Elem, t.Len)
	case KindClass:
		return t.Name
	}
	return fmt.Sprintf("Type(%d)", int(t.Kind))
}

// MarshalJSON renders the type in source notation for AST dumps.
func (t *Type) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", t.String())), nil
}
