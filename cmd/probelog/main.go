package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

// GetVersionInfo returns the current version and commit information.
func GetVersionInfo() (string, string) {
	return version, commit
}

const usage = `Usage: probelog <command> [flags]

Commands:
  parse    parse logcat captures and print the result tables
  serve    accept captures over TCP and HTTP and store the results
  runs     list stored runs
  show     print a stored run
  version  print version information

Run 'probelog <command> -h' for command flags.
`

type command func(args []string, stdout io.Writer) error

var commands = map[string]command{
	"parse": runParse,
	"serve": runServe,
	"runs":  runRuns,
	"show":  runShow,
	"version": func(_ []string, stdout io.Writer) error {
		printVersion(stdout)
		return nil
	},
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	name := os.Args[1]
	if name == "-version" || name == "--version" {
		name = "version"
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", name, usage)
		os.Exit(2)
	}

	if err := cmd(os.Args[2:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "probelog - Agent Log Results\n")
	fmt.Fprintf(w, "  Version:    %s\n", version)
	fmt.Fprintf(w, "  Commit:     %s\n", commit)
	fmt.Fprintf(w, "  Built:      %s\n", buildTime)
	fmt.Fprintf(w, "  Go version: %s\n", goVersion)
}

// newFlagSet returns a flag set carrying the shared -config flag.
func newFlagSet(name string, configPath *string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(configPath, "config", "", "config file (default is $HOME/.config/probelog/config.yml)")
	return fs
}
