// Package main provides the pepacker CLI: info, test, and pack commands
// over the packing engine.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/pepacker/pepacker/compressor"
	"github.com/pepacker/pepacker/config"
	"github.com/pepacker/pepacker/fileio"
	"github.com/pepacker/pepacker/filter"
	"github.com/pepacker/pepacker/internal/cli"
	"github.com/pepacker/pepacker/packer"
	"github.com/pepacker/pepacker/pe"
	"github.com/pepacker/pepacker/stublinker"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "info":
		err = runInfo(args)
	case "test":
		err = runTest(args)
	case "pack":
		err = runPack(args)
	default:
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		red := color.New(color.FgRed, color.Bold)
		_, _ = red.Fprintf(os.Stderr, "\nerror: %v\n\n", err)
		os.Exit(1)
	}
}

func runInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: pepacker info <file>")
	}
	f, err := pe.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	cli.NewReporter(f).PrintInfo()
	return nil
}

func runTest(args []string) error {
	fs := flag.NewFlagSet("test", flag.ExitOnError)
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: pepacker test <file>")
	}
	f, err := pe.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	green := color.New(color.FgGreen, color.Bold)
	if err := packer.CanPack(f); err != nil {
		return err
	}
	_, _ = green.Printf("%s: suitable for packing\n", fs.Arg(0))
	return nil
}

func runPack(args []string) error {
	fs := flag.NewFlagSet("pack", flag.ExitOnError)
	out := fs.String("o", "", "packed output path")
	force := fs.Bool("force", false, "relax structural checks")
	stripRelocs := fs.String("strip-relocs", "auto", "auto|on|off")
	compressExports := fs.Bool("compress-exports", false, "compress the export directory (non-DLL images only)")
	_ = fs.Parse(args)
	if fs.NArg() < 1 || *out == "" {
		return fmt.Errorf("usage: pepacker pack -o <output> <file>")
	}

	f, err := pe.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	opts := config.Default()
	opts.Force = *force
	opts.CompressExports = *compressExports
	switch *stripRelocs {
	case "on":
		opts.StripRelocs = config.On
	case "off":
		opts.StripRelocs = config.Off
	}

	filters := make([]filter.Filter, 0, len(opts.FilterCandidates))
	for range opts.FilterCandidates {
		filters = append(filters, &filter.None{})
	}
	if len(filters) == 0 {
		filters = []filter.Filter{&filter.None{}}
	}

	core := packer.New(f, opts, compressor.Flate{}, stublinker.NewNone(), filters)
	result, err := core.Pack()
	if err != nil {
		return err
	}

	outFile, err := fileio.CreateOutput(*out)
	if err != nil {
		return err
	}
	if _, err := outFile.Write(result.Image); err != nil {
		_ = outFile.Close()
		return fmt.Errorf("writing packed output: %w", err)
	}
	if err := outFile.Close(); err != nil {
		return fmt.Errorf("closing packed output: %w", err)
	}
	if err := os.Chmod(*out, 0o755); err != nil {
		return fmt.Errorf("marking packed output executable: %w", err)
	}

	packed, err := pe.Open(*out)
	if err != nil {
		return fmt.Errorf("reopening packed output: %w", err)
	}
	defer func() { _ = packed.Close() }()

	verifyCore := packer.New(packed, opts, compressor.Flate{}, stublinker.NewNone(), filters)
	verify, verifyErr := verifyCore.UnpackFile()
	reporter := cli.NewPackReporter(fs.Arg(0), *out, result, verify, verifyErr)
	reporter.Print()
	return nil
}

func printUsage() {
	cyan := color.New(color.FgCyan, color.Bold)
	_, _ = cyan.Println("\npepacker - PE executable packer")
	fmt.Println("\nusage:")
	fmt.Println("  pepacker info <file>                  print header/section diagnostics")
	fmt.Println("  pepacker test <file>                  check whether a file is packable")
	fmt.Println("  pepacker pack -o <out> <file>          pack a file and self-verify")
	fmt.Println("\npack flags:")
	fmt.Println("  -force                 relax structural checks")
	fmt.Println("  -strip-relocs string   auto|on|off (default auto)")
	fmt.Println("  -compress-exports      compress the export directory (non-DLL images only)")
	fmt.Println()
}
