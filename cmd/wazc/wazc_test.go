package main

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// minimalWasm is the smallest binary module with one function that does
// something: () -> i32, body `i32.const 42; end`.
var minimalWasm = []byte{
	0x00, 0x61, 0x73, 0x6d,
	0x01, 0x00, 0x00, 0x00,
	0x01, 0x05, 0x01, 0x60, 0x00, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x0a, 0x06, 0x01, 0x04, 0x00, 0x41, 0x2a, 0x0b,
}

func runMain(t *testing.T, args []string) (exitCode int, stdOut, stdErr string) {
	t.Helper()
	oldArgs := os.Args
	t.Cleanup(func() { os.Args = oldArgs })
	os.Args = append([]string{"wazc"}, args...)

	outBuf := &bytes.Buffer{}
	errBuf := &bytes.Buffer{}
	var exited bool
	func() {
		defer func() {
			if r := recover(); r != nil {
				exited = true
			}
		}()
		flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
		doMain(outBuf, errBuf, func(code int) {
			exitCode = code
			panic(code)
		})
	}()

	require.True(t, exited)
	return exitCode, outBuf.String(), errBuf.String()
}

func TestDoMainCompilesAValidBinary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wasm")
	require.NoError(t, os.WriteFile(path, minimalWasm, 0o644))

	exitCode, stdOut, stdErr := runMain(t, []string{path})
	assert.Equal(t, 0, exitCode)
	assert.Empty(t, stdErr)
	assert.Contains(t, stdOut, "func[0]:")
}

func TestDoMainReportsDecodeErrors(t *testing.T) {
	bad := append([]byte{}, minimalWasm...)
	bad[0] = 0x00
	path := filepath.Join(t.TempDir(), "bad.wasm")
	require.NoError(t, os.WriteFile(path, bad, 0o644))

	exitCode, _, stdErr := runMain(t, []string{path})
	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stdErr, "error compiling wasm binary")
}

func TestDoMainReportsMissingFile(t *testing.T) {
	exitCode, _, stdErr := runMain(t, []string{filepath.Join(t.TempDir(), "missing.wasm")})
	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stdErr, "error reading wasm binary")
}

func TestDoMainPrintsUsageWithNoArgs(t *testing.T) {
	exitCode, _, stdErr := runMain(t, nil)
	assert.Equal(t, 0, exitCode)
	assert.Contains(t, stdErr, "usage: wazc")
}
