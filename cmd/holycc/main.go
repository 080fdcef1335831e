// holycc compiles a restricted dialect of HolyC to Solana BPF bytecode.
//
// Usage:
//
//	holycc compile -i program.HC -o program.bin [-S] [-ast] [-v]
//	holycc lex -i program.HC [-json]
//	holycc parse -i program.HC [-json]
//	holycc info
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/idlhub/holyc-bpf-compiler/pkg/compiler"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "compile":
		err = runCompile(os.Args[2:])
	case "lex":
		err = runLex(os.Args[2:])
	case "parse":
		err = runParse(os.Args[2:])
	case "info":
		runInfo()
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "holycc: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "holycc:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  holycc compile -i <input.HC> -o <output.bin> [-S] [-ast] [-v]
  holycc lex -i <input.HC> [-json]
  holycc parse -i <input.HC> [-json]
  holycc info`)
}

func readSource(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("io.read: no input file (use -i)")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("io.read: %v", err)
	}
	return string(data), nil
}

func writeFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("io.write: %v", err)
	}
	return nil
}

// withExt swaps the extension of path for ext.
func withExt(path, ext string) string {
	if i := strings.LastIndex(path, "."); i > strings.LastIndex(path, "/") {
		return path[:i] + ext
	}
	return path + ext
}

func runCompile(args []string) error {
	fs := flag.NewFlagSet("compile", flag.ExitOnError)
	input := fs.String("i", "", "input HolyC source file")
	output := fs.String("o", "", "output BPF bytecode file")
	emitAsm := fs.Bool("S", false, "emit assembly listing next to the output")
	emitAST := fs.Bool("ast", false, "emit AST as JSON next to the output")
	verbose := fs.Bool("v", false, "verbose output")
	fs.Parse(args)

	if *output == "" {
		return fmt.Errorf("io.write: no output file (use -o)")
	}
	src, err := readSource(*input)
	if err != nil {
		return err
	}

	if *verbose {
		fmt.Println("[1/4] lexing")
	}
	tokens, err := compiler.Lex(src)
	if err != nil {
		return fmt.Errorf("lex failed: %w", err)
	}
	if *verbose {
		fmt.Printf("      %d tokens\n", len(tokens))
		fmt.Println("[2/4] parsing")
	}
	prog, err := compiler.Parse(tokens, src)
	if err != nil {
		return fmt.Errorf("parse failed: %w", err)
	}
	if *verbose {
		fmt.Printf("      %d top-level items\n", len(prog.Items))
	}

	if *emitAST {
		astJSON, err := compiler.DumpAST(prog)
		if err != nil {
			return fmt.Errorf("io.write: %v", err)
		}
		astPath := withExt(*output, ".ast.json")
		if err := writeFile(astPath, astJSON); err != nil {
			return err
		}
		if *verbose {
			fmt.Printf("      wrote AST to %s\n", astPath)
		}
	}

	if *verbose {
		fmt.Println("[3/4] generating BPF code")
	}
	artifact, err := compiler.Generate(prog)
	if err != nil {
		return fmt.Errorf("codegen failed: %w", err)
	}
	code := artifact.Bytes()
	if *verbose {
		fmt.Printf("      %d instructions, %d bytes\n", len(artifact.Instructions), len(code))
		fmt.Println("[4/4] writing output")
	}

	if err := writeFile(*output, code); err != nil {
		return err
	}
	if *emitAsm {
		asmPath := withExt(*output, ".asm")
		if err := writeFile(asmPath, []byte(artifact.Listing())); err != nil {
			return err
		}
		if *verbose {
			fmt.Printf("      wrote listing to %s\n", asmPath)
		}
	}

	fmt.Printf("compiled %s -> %s\n", *input, *output)
	return nil
}

func runLex(args []string) error {
	fs := flag.NewFlagSet("lex", flag.ExitOnError)
	input := fs.String("i", "", "input HolyC source file")
	asJSON := fs.Bool("json", false, "output tokens as JSON")
	fs.Parse(args)

	src, err := readSource(*input)
	if err != nil {
		return err
	}
	tokens, err := compiler.Lex(src)
	if err != nil {
		return fmt.Errorf("lex failed: %w", err)
	}

	if *asJSON {
		out, err := compiler.DumpTokens(tokens)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}
	for i, tok := range tokens {
		fmt.Printf("%4d: %s\n", i, tok)
	}
	fmt.Printf("total: %d tokens\n", len(tokens))
	return nil
}

func runParse(args []string) error {
	fs := flag.NewFlagSet("parse", flag.ExitOnError)
	input := fs.String("i", "", "input HolyC source file")
	asJSON := fs.Bool("json", false, "output AST as JSON")
	fs.Parse(args)

	src, err := readSource(*input)
	if err != nil {
		return err
	}
	tokens, err := compiler.Lex(src)
	if err != nil {
		return fmt.Errorf("lex failed: %w", err)
	}
	prog, err := compiler.Parse(tokens, src)
	if err != nil {
		return fmt.Errorf("parse failed: %w", err)
	}

	if *asJSON {
		out, err := compiler.DumpAST(prog)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}
	for _, item := range prog.Items {
		fmt.Println(item)
	}
	fmt.Printf("total: %d top-level items\n", len(prog.Items))
	return nil
}

func runInfo() {
	fmt.Println("holycc - HolyC to Solana BPF compiler")
	fmt.Println()
	fmt.Println("pipeline: lex -> parse -> BPF codegen -> raw instruction stream")
	fmt.Println()
	fmt.Println("supported language surface:")
	fmt.Println("  types:      U8 U16 U32 U64 I8 I16 I32 I64 Bool Void, T*, T[N]")
	fmt.Println("  classes:    class Name { fields }; with . and -> access")
	fmt.Println("  functions:  up to 5 parameters, no recursion")
	fmt.Println("  operators:  full C precedence ladder incl. compound assignment")
	fmt.Println("  control:    if/else, while, for, break, continue, return")
	fmt.Println("  constants:  decimal, 0x hex, 0b binary, chars, TRUE/FALSE/NULL")
	fmt.Println("  directives: #define NAME VALUE (constant), #include (ignored)")
	fmt.Println()
	fmt.Println("output: flat stream of 8-byte little-endian eBPF instructions")
}
