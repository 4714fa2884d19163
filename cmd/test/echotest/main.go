package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	RunDuration float64 `long:"run-duration" description:"Seconds to run before exiting, 0 exits right after printing"`
	ExitCode    int     `long:"exit-code" description:"Exit code to return"`
	Lines       int     `long:"lines" default:"1" description:"Number of stdout lines to print"`
	Stderr      string  `long:"stderr" description:"Line to print on stderr"`
	NoNewline   bool    `long:"no-newline" description:"Omit the newline after the last stdout line"`
	IgnoreTerm  bool    `long:"ignore-term" description:"Keep running on SIGTERM and interrupt"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	for i := 1; i <= opts.Lines; i++ {
		if i == opts.Lines && opts.NoNewline {
			fmt.Printf("Echotest line %d", i)
		} else {
			fmt.Printf("Echotest line %d\n", i)
		}
	}
	if opts.Stderr != "" {
		fmt.Fprintln(os.Stderr, opts.Stderr)
	}

	if opts.RunDuration > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(opts.RunDuration*float64(time.Second)))
		defer cancel()

		sig := make(chan os.Signal, 1)
		if runtime.GOOS == "windows" {
			signal.Notify(sig) // Unix signals not implemented on Windows
		} else {
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		}

		for waiting := true; waiting; {
			select {
			case receivedSignal := <-sig:
				fmt.Printf("Echotest received signal: %v\n", receivedSignal)
				waiting = opts.IgnoreTerm
			case <-ctx.Done():
				fmt.Printf("Echotest timed out\n")
				waiting = false
			}
		}
	}

	os.Exit(opts.ExitCode)
}
