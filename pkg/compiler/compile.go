package compiler

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/idlhub/holyc-bpf-compiler/pkg/bpf"
)

// Artifact is the result of a successful compilation: the linear
// instruction stream plus the function table that locates each function
// inside it.
type Artifact struct {
	Instructions []bpf.Instruction
	Functions    []*Function
}

// Bytes serializes the artifact into the flat 8-byte-per-instruction wire
// stream, function bodies concatenated in source order.
func (a *Artifact) Bytes() []byte {
	return bpf.EncodeProgram(a.Instructions)
}

// EntryByID maps each function's call id to its entry instruction index,
// the form the interpreter consumes.
func (a *Artifact) EntryByID() map[int32]int {
	entries := make(map[int32]int, len(a.Functions))
	for _, f := range a.Functions {
		entries[f.ID] = f.Entry
	}
	return entries
}

// Lookup returns the compiled function with the given name.
func (a *Artifact) Lookup(name string) (*Function, bool) {
	for _, f := range a.Functions {
		if f.Name == name {
			return f, true
		}
	}
	return nil, false
}

// Listing renders a human-readable assembly listing, one labelled section
// per function, each instruction prefixed with its byte offset.
func (a *Artifact) Listing() string {
	var sb strings.Builder
	for _, fn := range a.Functions {
		fmt.Fprintf(&sb, "%s: ; id %d\n", fn.Name, fn.ID)
		for i := fn.Entry; i < fn.End; i++ {
			fmt.Fprintf(&sb, "%04x: %s\n", i*bpf.InstructionSize, a.Instructions[i])
		}
	}
	return sb.String()
}

// Compile runs the full pipeline over a single source buffer: lex, parse,
// generate. Each stage fails fast on its first error.
func Compile(src string) (*Artifact, error) {
	tokens, err := Lex(src)
	if err != nil {
		return nil, err
	}
	prog, err := Parse(tokens, src)
	if err != nil {
		return nil, err
	}
	return Generate(prog)
}

// DumpAST renders a parsed program as indented JSON.
func DumpAST(prog *Program) ([]byte, error) {
	return json.MarshalIndent(prog, "", "  ")
}

// DumpTokens renders a token stream as indented JSON.
func DumpTokens(tokens []Token) ([]byte, error) {
	type tokenDump struct {
		Type   string `json:"type"`
		Lexeme string `json:"lexeme"`
		Value  uint64 `json:"value,omitempty"`
		Text   string `json:"text,omitempty"`
		Pos    Pos    `json:"pos"`
	}
	dump := make([]tokenDump, len(tokens))
	for i, t := range tokens {
		dump[i] = tokenDump{
			Type:   t.Type.String(),
			Lexeme: t.Lexeme,
			Value:  t.Value,
			Text:   t.Text,
			Pos:    t.Pos,
		}
	}
	return json.MarshalIndent(dump, "", "  ")
}
