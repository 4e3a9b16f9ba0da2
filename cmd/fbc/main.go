// Command fbc is the FasterBASIC-to-QBE compiler driver's CLI. It resolves
// flags and environment toggles into a driver.Config, reads one compiled
// input, calls driver.Compile, and writes one output (§6.4). Lexing,
// parsing, and the DATA preprocessor all run upstream of this binary; what
// it reads is already a validated *ast.Program plus its *data.Vector,
// gob-encoded by whatever produced them.
package main

import (
	"encoding/gob"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fasterbasic/fbc/internal/ast"
	"github.com/fasterbasic/fbc/internal/data"
	"github.com/fasterbasic/fbc/internal/driver"
)

// envelope is the on-disk shape of one compilation unit: the parsed program
// plus its gathered DATA values. Nothing upstream of this binary is in
// scope (§11), so the envelope's only job is to get a *ast.Program and a
// *data.Vector across a process boundary without hand-rolling a JSON
// discriminated union for every Stmt/Expr variant.
type envelope struct {
	Program *ast.Program
	Data    *data.Vector
}

func init() {
	for _, n := range []any{
		&ast.Print{}, &ast.Input{}, &ast.Let{}, &ast.MidAssign{}, &ast.SliceAssign{},
		&ast.If{}, &ast.For{}, &ast.ForIn{}, &ast.Next{}, &ast.While{}, &ast.Wend{},
		&ast.Do{}, &ast.Loop{}, &ast.Repeat{}, &ast.Until{}, &ast.Goto{}, &ast.Gosub{},
		&ast.OnGoto{}, &ast.OnGosub{}, &ast.Return{}, &ast.Dim{}, &ast.Redim{}, &ast.Erase{},
		&ast.End{}, &ast.Rem{}, &ast.Call{}, &ast.Exit{}, &ast.Local{}, &ast.Shared{},
		&ast.Global{}, &ast.Constant{}, &ast.Read{}, &ast.Restore{}, &ast.Data{},
		&ast.Throw{}, &ast.Label{}, &ast.SelectCase{}, &ast.TypeDecl{}, &ast.TryCatch{},
		&ast.DefStatement{}, &ast.FunctionStatement{}, &ast.SubStatement{}, &ast.SimpleStatement{},
	} {
		gob.Register(n)
	}
	for _, n := range []any{
		ast.Number{}, ast.String{}, ast.Variable{}, ast.Binary{}, ast.Unary{},
		ast.FunctionCall{}, ast.ArrayAccess{}, ast.MemberAccess{},
	} {
		gob.Register(n)
	}
}

// outMode selects what gets written on success. IL text (the default,
// when neither -S nor -c is given) is the only mode this binary
// implements directly; -S/-c shell out to an external qbe binary
// (and a linker, for -c) since the QBE backend itself is out of scope (§1,
// §11) — fbc only ever hands them IL text on stdin.
type outMode int

const (
	modeIL outMode = iota
	modeAsm
	modeObject
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		outputPath  string
		asmMode     bool
		objectMode  bool
		dumpAST     bool
		dumpCFG     bool
		dumpSymbols bool
		legacyDefs  bool
		qbePath     string
		linkerPath  string
	)

	cmd := &cobra.Command{
		Use:  "fbc input [-o output]",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := modeIL
			switch {
			case objectMode:
				mode = modeObject
			case asmMode:
				mode = modeAsm
			}
			return run(args[0], outputPath, mode, qbePath, linkerPath, driver.Config{
				LegacyDefaultType: legacyDefs,
				TraceAST:          dumpAST || envFlag("TRACE_AST"),
				TraceCFG:          dumpCFG || envFlag("TRACE_CFG"),
				TraceSymbols:      dumpSymbols || envFlag("TRACE_SYMBOLS"),
				DebugIL:           envFlag("DEBUG_IL"),
				Logger:            logrus.StandardLogger(),
			})
		},
	}

	cmd.PersistentFlags().StringVarP(&outputPath, "output", "o", "", "output file (defaults to stdout)")
	cmd.PersistentFlags().BoolVarP(&asmMode, "asm", "S", false, "emit target assembly via qbe instead of IL text")
	cmd.PersistentFlags().BoolVarP(&objectMode, "compile", "c", false, "emit a linked executable via qbe and a system linker")
	cmd.PersistentFlags().BoolVar(&dumpAST, "dump-ast", false, "trace the parsed AST before codegen")
	cmd.PersistentFlags().BoolVar(&dumpCFG, "dump-cfg", false, "trace the control-flow graph built for each routine")
	cmd.PersistentFlags().BoolVar(&dumpSymbols, "dump-symbols", false, "trace the symbol table after population")
	cmd.PersistentFlags().BoolVar(&legacyDefs, "legacy-default-type", false, "default a suffixless identifier to Single instead of Double")
	cmd.PersistentFlags().StringVar(&qbePath, "qbe", "qbe", "path to the qbe binary, used by -S/-c")
	cmd.PersistentFlags().StringVar(&linkerPath, "linker", "cc", "linker driver invoked by -c")

	return cmd
}

func envFlag(name string) bool {
	v, ok := os.LookupEnv(name)
	return ok && v != "" && v != "0"
}

func run(inputPath, outputPath string, mode outMode, qbePath, linkerPath string, cfg driver.Config) error {
	env, err := readEnvelope(inputPath)
	if err != nil {
		return errors.Wrap(err, "fbc: reading input")
	}

	il, diags, err := driver.Compile(env.Program, env.Data, cfg)
	for _, d := range diags {
		fmt.Fprintln(os.Stderr, d.Error())
	}
	if err != nil {
		return err
	}

	switch mode {
	case modeIL:
		return writeOutput(outputPath, []byte(il))
	case modeAsm:
		asm, err := runQBE(qbePath, il)
		if err != nil {
			return errors.Wrap(err, "fbc: qbe")
		}
		return writeOutput(outputPath, []byte(asm))
	case modeObject:
		asm, err := runQBE(qbePath, il)
		if err != nil {
			return errors.Wrap(err, "fbc: qbe")
		}
		return link(linkerPath, asm, outputPath)
	}
	return nil
}

func readEnvelope(path string) (*envelope, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var env envelope
	if err := gob.NewDecoder(f).Decode(&env); err != nil {
		return nil, err
	}
	if env.Program == nil {
		return nil, errors.New("input carries no program")
	}
	if env.Data == nil {
		env.Data = data.NewVector()
	}
	return &env, nil
}

func writeOutput(path string, content []byte) error {
	if path == "" || path == "-" {
		_, err := os.Stdout.Write(content)
		return err
	}
	return os.WriteFile(path, content, 0o644)
}

// runQBE pipes il through the qbe binary's stdin and returns the target
// assembly it writes to stdout. The backend itself stays external (§1);
// this is just process plumbing.
func runQBE(qbePath, il string) (string, error) {
	cmd := exec.Command(qbePath)
	cmd.Stdin = strings.NewReader(il)
	cmd.Stderr = os.Stderr
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// link assembles and links asm into an executable at outputPath using an
// external C compiler/linker driver, the same way a QBE frontend typically
// hands off final linking (cc understands .s input directly).
func link(linkerPath, asm, outputPath string) error {
	if outputPath == "" {
		outputPath = "a.out"
	}
	tmp, err := os.CreateTemp("", "fbc-*.s")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(asm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	cmd := exec.Command(linkerPath, tmp.Name(), "-o", outputPath)
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
