// Package main provides the CLI entry point for memento, a tool that
// securely remembers and recalls a private memento for a command line.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/memento/internal/app"
	"github.com/postalsys/memento/internal/deliver"
	"github.com/postalsys/memento/internal/dispatch"
	"github.com/postalsys/memento/internal/logging"
	"github.com/postalsys/memento/internal/orchestrator"
)

var (
	// Version is set at build time via ldflags.
	Version = "dev"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == orchestrator.DeliverSubcommand {
		os.Exit(runDeliver(os.Args[2:]))
	}

	os.Exit(run())
}

// runDeliver is the hidden re-exec entrypoint the detached delivery
// process invokes: "memento __deliver__ <mode> <oneline>".
func runDeliver(args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "memento: malformed deliver invocation")
		return 1
	}

	mode, err := dispatch.ParseMode(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	oneLine := args[1] == "1"

	if err := deliver.Run(mode, oneLine); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func run() int {
	var (
		revoke    bool
		filePath  string
		hasFile   bool
		useTTY    bool
		usePipe   bool
		oneLine   bool
		useArg    bool
		saltPath  string
		unsalted  bool
		timeout   int
		logLevel  string
		logFormat string
		exitCode  int
	)

	rootCmd := &cobra.Command{
		Use:     "memento KEY [-- COMMAND...]",
		Short:   "Securely remember and recall a private memento for a command line",
		Version: Version,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewLogger(logLevel, logFormat)

			key := args[0]
			command := args[1:]

			mode := dispatch.ModeFile
			switch {
			case useTTY:
				mode = dispatch.ModeTTY
			case usePipe:
				mode = dispatch.ModePipe
			case useArg:
				mode = dispatch.ModeArg
			}

			placeholder := dispatch.DefaultPlaceholder
			if hasFile {
				placeholder = filePath
			}

			placeholderIndex := -1
			if mode == dispatch.ModeFile || mode == dispatch.ModeArg {
				for i, word := range command {
					if word == placeholder {
						placeholderIndex = i
					}
				}
			}

			d := time.Duration(timeout) * time.Minute
			timeoutDuration := &d

			inv := app.Invocation{
				Revoke:           revoke,
				Mode:             mode,
				Placeholder:      placeholder,
				HasFile:          hasFile,
				Command:          command,
				PlaceholderIndex: placeholderIndex,
				OneLine:          oneLine,
				Arg:              useArg,
				SaltPath:         saltPath,
				HasSalt:          saltPath != "",
				Unsalted:         unsalted,
				Timeout:          timeoutDuration,
				Key:              key,
				ParentPID:        os.Getppid(),
				ProgramName:      cmd.CalledAs(),
			}

			code, err := app.Run(inv, logger)
			if err != nil {
				return err
			}
			exitCode = code
			return nil
		},
		SilenceUsage: true,
	}

	rootCmd.Flags().BoolVarP(&revoke, "revoke", "R", false, "Revoke the stored memento")
	rootCmd.Flags().StringVarP(&filePath, "file", "f", "", "Use a file; its name replaces the placeholder in the command line")
	rootCmd.Flags().BoolVarP(&useTTY, "tty", "t", false, "Use /dev/tty; the command reads the memento from the controlling terminal")
	rootCmd.Flags().BoolVarP(&usePipe, "pipe", "p", false, "Use a pipe; the command reads the memento from stdin")
	rootCmd.Flags().BoolVarP(&oneLine, "oneline", "1", false, "With --pipe, close stdin after sending the memento")
	rootCmd.Flags().BoolVarP(&useArg, "arg", "a", false, "With --file, rewrite the memento directly into the command's argv via a preload shim")
	rootCmd.Flags().StringVarP(&saltPath, "salt", "s", "", "File containing the salt to add to the key")
	rootCmd.Flags().BoolVarP(&unsalted, "unsalted", "u", false, "Do not require or add salt to the key")
	rootCmd.Flags().IntVarP(&timeout, "timeout", "T", 60, "Timeout in minutes to retain the memento after last use; <=0 retains indefinitely")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.Flags().StringVar(&logFormat, "log-format", "text", "Log format: text, json")

	rootCmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		hasFile = cmd.Flags().Changed("file")
		return nil
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "memento:", err)
		return 1
	}
	return exitCode
}
