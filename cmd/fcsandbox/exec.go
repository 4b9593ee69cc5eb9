package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/fcsandbox/internal/wire"
)

var (
	execSandboxFlag string
	execFileFlag    string
	execKeepFlag    bool
)

var execCmd = &cobra.Command{
	Use:   "exec [code]",
	Short: "Run JavaScript in a sandbox",
	Long: `Run one piece of JavaScript in a sandbox and print its output.

Without --sandbox a fresh sandbox is created for the call and destroyed
afterwards unless --keep is given. Code comes from the arguments, from
--file, or from stdin when neither is set.

Examples:
  fcsandbox exec 'print(1 + 1)'
  fcsandbox exec --sandbox vm-1a2b3c4d 'x = 41; print(x + 1)'
  fcsandbox exec --file script.js --keep`,
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringVar(&execSandboxFlag, "sandbox", "", "Existing sandbox to run in")
	execCmd.Flags().StringVarP(&execFileFlag, "file", "f", "", "Read code from this file (- for stdin)")
	execCmd.Flags().BoolVar(&execKeepFlag, "keep", false, "Keep the sandbox created for this call")
	rootCmd.AddCommand(execCmd)
}

func readCode(args []string) (string, error) {
	if len(args) > 0 {
		if execFileFlag != "" {
			return "", fmt.Errorf("pass code as arguments or --file, not both")
		}
		return strings.Join(args, " "), nil
	}

	var (
		data []byte
		err  error
	)
	if execFileFlag == "" || execFileFlag == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(execFileFlag)
	}
	if err != nil {
		return "", fmt.Errorf("reading code: %w", err)
	}
	return string(data), nil
}

func runExec(cmd *cobra.Command, args []string) error {
	code, err := readCode(args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	api := newAPIClient()

	id := execSandboxFlag
	if id == "" {
		id, err = api.Create(ctx)
		if err != nil {
			return err
		}
		if execKeepFlag {
			fmt.Fprintf(os.Stderr, "sandbox: %s\n", id)
		} else {
			defer func() {
				if err := api.Destroy(context.Background(), id); err != nil {
					fmt.Fprintf(os.Stderr, "warning: %v\n", err)
				}
			}()
		}
	}

	resp, err := api.Execute(ctx, id, code)
	if err != nil {
		return err
	}

	fmt.Print(resp.Output)
	if resp.Output != "" && !strings.HasSuffix(resp.Output, "\n") {
		fmt.Println()
	}
	if resp.Status != wire.StatusSuccess {
		return fmt.Errorf("execution finished with status %s", resp.Status)
	}
	return nil
}
