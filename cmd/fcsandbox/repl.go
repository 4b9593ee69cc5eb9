package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/fcsandbox/internal/apiclient"
	"github.com/michaelbrown/fcsandbox/internal/wire"
)

var (
	replSandboxFlag string
	replHistoryFlag string
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Start an interactive JavaScript session in a sandbox",
	Long: `Start an interactive session. Each line is executed in the same sandbox,
so variables and functions defined earlier stay available.

Examples:
  fcsandbox repl
  fcsandbox repl --sandbox vm-1a2b3c4d`,
	Args: cobra.NoArgs,
	RunE: runRepl,
}

func init() {
	replCmd.Flags().StringVar(&replSandboxFlag, "sandbox", "", "Attach to an existing sandbox instead of creating one")
	replCmd.Flags().StringVar(&replHistoryFlag, "history-file", "/tmp/fcsandbox_history", "Readline history file")
	rootCmd.AddCommand(replCmd)
}

// replSession tracks the sandbox the REPL talks to. A sandbox it created is
// destroyed when the REPL exits; an attached one is left running.
type replSession struct {
	api   *apiclient.Client
	id    string
	owned bool
}

func (s *replSession) create(ctx context.Context) error {
	id, err := s.api.Create(ctx)
	if err != nil {
		return err
	}
	s.id, s.owned = id, true
	return nil
}

func (s *replSession) close() {
	if !s.owned || s.id == "" {
		return
	}
	if err := s.api.Destroy(context.Background(), s.id); err != nil {
		fmt.Printf("\033[31mwarning: %s\033[0m\n", err)
		return
	}
	fmt.Printf("Destroyed sandbox %s\n", s.id)
}

func runRepl(cmd *cobra.Command, args []string) error {
	sess := &replSession{api: newAPIClient()}

	if replSandboxFlag != "" {
		if _, err := sess.api.Get(context.Background(), replSandboxFlag); err != nil {
			return fmt.Errorf("attaching to %s: %w", replSandboxFlag, err)
		}
		sess.id = replSandboxFlag
	} else {
		fmt.Println("Starting sandbox...")
		if err := sess.create(context.Background()); err != nil {
			return err
		}
	}
	defer sess.close()

	fmt.Printf("fcsandbox - Interactive JavaScript\n")
	fmt.Printf("Sandbox: %s\n", sess.id)
	fmt.Printf("Type /help for commands, /quit to exit\n\n")

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36mjs>\033[0m ",
		HistoryFile:     replHistoryFlag,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	// Ctrl+C abandons the request in flight, not the session.
	var req inflight
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			req.interrupt()
		}
	}()

	for {
		input, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			if quit := handleReplCommand(input, sess); quit {
				return nil
			}
			continue
		}

		reqCtx, done := req.begin(context.Background())
		resp, err := sess.api.Execute(reqCtx, sess.id, input)
		wasInterrupted := reqCtx.Err() != nil
		done()

		if err != nil {
			if wasInterrupted {
				fmt.Println("(interrupted)")
				continue
			}
			fmt.Printf("\033[31merror: %s\033[0m\n", err)
			continue
		}
		printResult(resp)
	}
}

func printResult(resp wire.ExecuteResponse) {
	out := strings.TrimRight(resp.Output, "\n")
	switch resp.Status {
	case wire.StatusSuccess:
		if out != "" {
			fmt.Println(out)
		}
	default:
		fmt.Printf("\033[31m%s\033[0m\n", out)
	}
}

// handleReplCommand runs a slash command and reports whether to exit.
func handleReplCommand(input string, sess *replSession) bool {
	switch strings.ToLower(strings.Fields(input)[0]) {
	case "/quit", "/exit", "/q":
		fmt.Println("Goodbye!")
		return true
	case "/reset":
		old := sess.id
		sess.close()
		if err := sess.create(context.Background()); err != nil {
			fmt.Printf("\033[31merror: %s\033[0m\n", err)
			sess.id, sess.owned = "", false
			return true
		}
		fmt.Printf("Replaced %s with a fresh sandbox %s.\n\n", old, sess.id)
	case "/info":
		info, err := sess.api.Get(context.Background(), sess.id)
		if err != nil {
			fmt.Printf("\033[31merror: %s\033[0m\n", err)
			break
		}
		fmt.Printf("Sandbox: %s\nState:   %s\nPid:     %d\nStarted: %s\n\n",
			info.ID, info.State, info.Pid, timeAgo(info.StartedAt))
	case "/help":
		fmt.Println("Commands:")
		fmt.Println("  /help     - Show this help")
		fmt.Println("  /reset    - Replace the sandbox with a fresh one")
		fmt.Println("  /info     - Show the sandbox state")
		fmt.Println("  /quit     - Exit")
		fmt.Println()
	default:
		fmt.Printf("Unknown command: %s (try /help)\n\n", input)
	}
	return false
}

// inflight holds the cancel func of the request being executed so the signal
// goroutine can abandon it.
type inflight struct {
	mu     sync.Mutex
	cancel context.CancelFunc
}

func (f *inflight) begin(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	f.mu.Lock()
	f.cancel = cancel
	f.mu.Unlock()
	return ctx, func() {
		f.mu.Lock()
		f.cancel = nil
		f.mu.Unlock()
		cancel()
	}
}

// interrupt cancels the current request, if any.
func (f *inflight) interrupt() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
	}
}
