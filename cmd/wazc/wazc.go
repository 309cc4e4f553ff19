// Command wazc decodes a WebAssembly binary module and runs it through the
// bytecode compiler, reporting per-function frame sizes or the first
// compile error encountered.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/wazc-project/wazc/internal/compiler"
	"go.uber.org/zap"
)

func main() {
	doMain(os.Stdout, os.Stderr, os.Exit)
}

// doMain is separated out for the purpose of unit testing.
func doMain(stdOut, stdErr io.Writer, exit func(code int)) {
	flag.CommandLine.SetOutput(stdErr)

	var help bool
	flag.BoolVar(&help, "h", false, "print usage")
	var verbose bool
	flag.BoolVar(&verbose, "v", false, "log each function as it compiles")

	flag.Parse()

	if help || flag.NArg() < 1 {
		printUsage(stdErr)
		exit(0)
	}

	wasmPath := flag.Arg(0)
	wasmBytes, err := os.ReadFile(wasmPath)
	if err != nil {
		fmt.Fprintf(stdErr, "error reading wasm binary: %v\n", err)
		exit(1)
	}

	var opts []compiler.Option
	if verbose {
		logger, _ := zap.NewDevelopment()
		opts = append(opts, compiler.WithLogger(logger))
	}

	cm, err := compiler.CompileBinary(wasmBytes, opts...)
	if err != nil {
		fmt.Fprintf(stdErr, "error compiling wasm binary: %v\n", err)
		exit(1)
	}

	for _, fn := range cm.Functions {
		fmt.Fprintf(stdOut, "func[%d]: %d bytecode bytes, %d byte frame\n",
			fn.FuncIndex, len(fn.Bytecode), fn.FrameSize)
	}
	exit(0)
}

func printUsage(stdErr io.Writer) {
	fmt.Fprintln(stdErr, "wazc: decode and compile a WebAssembly binary module")
	fmt.Fprintln(stdErr, "usage: wazc [-v] <path-to-wasm>")
	flag.CommandLine.SetOutput(stdErr)
	flag.PrintDefaults()
}
