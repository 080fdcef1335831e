package compiler

// The Solana runtime shim: the fixed surface a compiled program can rely on.
// Helper functions resolve to fixed call ids outside the user-function id
// space, and the account-info layout is always declared so entrypoints can
// take CAccountInfo pointers without spelling the class themselves.

// Helper call ids. User functions are numbered from zero, so helpers live in
// a disjoint range.
const (
	HelperLog int32 = 0x10000 + iota
	HelperReadU64LE
	HelperWriteU64LE
	HelperMemcpy
	HelperMemset
)

// HelperIDs maps a helper name to its call id.
var HelperIDs = map[string]int32{
	"solana_log":          HelperLog,
	"solana_read_u64_le":  HelperReadU64LE,
	"solana_write_u64_le": HelperWriteU64LE,
	"solana_memcpy":       HelperMemcpy,
	"solana_memset":       HelperMemset,
}

// RuntimeClasses are declared in every compilation unit before user code.
// CAccountInfo mirrors the account layout the loader hands to an entrypoint:
// 32-byte key, lamports, data length and pointer, 32-byte owner, and the
// signer/writable flags.
var RuntimeClasses = []*ClassDecl{
	{
		Name: "CAccountInfo",
		Fields: []Field{
			{Name: "key", Type: ArrayOf(U8Type, 32)},
			{Name: "lamports", Type: U64Type},
			{Name: "data_len", Type: U64Type},
			{Name: "data", Type: PointerTo(U8Type)},
			{Name: "owner", Type: ArrayOf(U8Type, 32)},
			{Name: "is_signer", Type: U8Type},
			{Name: "is_writable", Type: U8Type},
		},
	},
}
