// Package fileio provides the sequential writer contract the engine needs
// for emitting a packed image, realized over *os.File. Reading a PE file
// goes through pe.Open instead, since debug/pe already owns that parsing;
// fileio's job is only the write side, matching how the teacher's
// internal/pe.Patcher wraps *os.File for output.
package fileio

import (
	"fmt"
	"os"
)

// Output is a sequential writer for the produced PE file.
type Output struct {
	f       *os.File
	name    string
	written int64
}

// CreateOutput creates (or truncates) path for writing.
func CreateOutput(path string) (*Output, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output: %w", err)
	}
	return &Output{f: f, name: path}, nil
}

// Name returns the path the Output was created for.
func (out *Output) Name() string { return out.name }

// Write appends buf to the output, tracking total bytes written.
func (out *Output) Write(buf []byte) (int, error) {
	n, err := out.f.Write(buf)
	out.written += int64(n)
	return n, err
}

// BytesWritten reports the total bytes written so far.
func (out *Output) BytesWritten() int64 { return out.written }

// Close releases the underlying file handle.
func (out *Output) Close() error { return out.f.Close() }
