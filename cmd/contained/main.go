package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"

	"github.com/mikaelstaldal/contained/internal/runner"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Exit codes follow the docker run convention: the command's own status is
// passed through unchanged, signal deaths re-raise the signal, and launcher
// failures use 125 so they are distinguishable from the command failing.
const launcherFailure = 125

func main() {
	runner.SetVersion(version)

	args := os.Args
	if len(args) > 1 && args[1] == "--version" {
		printVersion()
		return
	}

	if err := runner.Main(args); err != nil {
		var exitErr *runner.ExitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.ExitCode())
		}
		var sigErr *runner.SignalError
		if errors.As(err, &sigErr) {
			raise(sigErr.Signal())
		}
		fmt.Fprintf(os.Stderr, "contained: %v\n", err)
		os.Exit(launcherFailure)
	}
}

// raise terminates the launcher with the same signal that killed the
// sandboxed command, so a parent shell observes an identical disposition.
func raise(sig unix.Signal) {
	signal.Reset(sig)
	_ = unix.Kill(os.Getpid(), sig)
	// Reached only if the signal was blocked or otherwise did not kill us.
	os.Exit(128 + int(sig))
}

func printVersion() {
	shortHash := commit
	if len(shortHash) > 7 {
		shortHash = shortHash[:7]
	}
	fmt.Printf("version: %s\n", runner.Version())
	fmt.Printf("git hash: %s\n", shortHash)
	fmt.Printf("build date: %s\n", buildDate)
}
