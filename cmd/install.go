package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/muesli/cancelreader"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/bnema/ardysactl/internal/conflict"
	"github.com/bnema/ardysactl/internal/install"
	"github.com/bnema/ardysactl/internal/merger"
	"github.com/bnema/ardysactl/internal/ui/progress"
	"github.com/bnema/ardysactl/internal/ui/styles"
)

var (
	installAdd   bool
	installForce bool
)

var installCmd = &cobra.Command{
	Use:     "install <sources.toml>",
	Aliases: []string{"i"},
	Short:   "Download, merge and install content sources",
	Long: `Download every source listed in a TOML file, resolve conflicts between
them, build the mod archive and patch the game to load it.

Sources that fail to download are reported and skipped. The previous
archive is kept until the new one is installed and patched.

Examples:
  ardysactl install sources.toml           # Replace the installed content
  ardysactl install --add extra.toml       # Merge into the installed content
  ardysactl install --force sources.toml   # Rebuild even if up to date`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sources, err := install.LoadSources(args[0])
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		p := tea.NewProgram(progress.NewModel("Installing mods", install.InstallStages, cancel))

		opts := appOptions{cloneOutput: progress.NewGitProgressWriter(p)}
		if term.IsTerminal(int(os.Stdin.Fd())) {
			opts.decider = &terminalDecider{program: p, in: os.Stdin, out: os.Stderr}
		}
		a, err := newApp(opts)
		if err != nil {
			return err
		}
		defer a.close()

		mode := merger.Clean
		if installAdd {
			mode = merger.AddToCurrent
		}

		done := make(chan install.OperationResult, 1)
		go func() {
			res := a.svc.Install(ctx, a.target, sources, install.InstallOptions{Mode: mode, Force: installForce}, func(e install.Event) {
				p.Send(progress.EventMsg(e))
			})
			done <- res
			p.Send(progress.DoneMsg{Err: resultErr(res)})
		}()

		if _, err := p.Run(); err != nil {
			cancel()
			<-done
			return fmt.Errorf("error running progress display: %w", err)
		}
		res := <-done

		fmt.Println()
		progress.PrintResult(res)
		if !res.Success {
			return resultErr(res)
		}
		return nil
	},
}

func resultErr(res install.OperationResult) error {
	if res.Success {
		return nil
	}
	if res.Err != nil {
		return res.Err
	}
	return errors.New(res.Message)
}

// terminalDecider asks the user to resolve a conflict, suspending the
// progress display while the question is on screen
type terminalDecider struct {
	program *tea.Program
	in      *os.File
	out     io.Writer
}

func (d *terminalDecider) Decide(ctx context.Context, c conflict.Conflict) (conflict.Option, error) {
	if err := d.program.ReleaseTerminal(); err != nil {
		return conflict.Option{}, err
	}
	defer func() { _ = d.program.RestoreTerminal() }()

	// A cancelable reader so a timed out question does not keep stdin
	// from the progress display
	cr, err := cancelreader.NewReader(d.in)
	if err != nil {
		return conflict.Option{}, err
	}
	lines, stop := readLines(cr)
	defer func() {
		stop()
		_ = cr.Close()
	}()

	var choices []conflict.Option
	for _, o := range c.Options {
		if o.Strategy != conflict.Interactive {
			choices = append(choices, o)
		}
	}
	if len(choices) == 0 {
		for _, o := range conflict.OptionsFor(conflict.Low) {
			if o.Strategy != conflict.Interactive {
				choices = append(choices, o)
			}
		}
	}

	fmt.Fprintf(d.out, "\n  %s %s\n", styles.FormatSeverity(c.Severity.String()), c.Description)
	for _, src := range c.Sources {
		fmt.Fprintf(d.out, "      %s\n", styles.MutedText.Render(src))
	}
	for i, o := range choices {
		fmt.Fprintf(d.out, "    %d) %s\n", i+1, o.Description)
	}

	for {
		fmt.Fprintf(d.out, "  Choice [1-%d]: ", len(choices))
		select {
		case <-ctx.Done():
			fmt.Fprintln(d.out)
			return conflict.Option{}, ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return conflict.Option{}, io.ErrUnexpectedEOF
			}
			n, convErr := strconv.Atoi(strings.TrimSpace(line))
			if convErr == nil && n >= 1 && n <= len(choices) {
				return choices[n-1], nil
			}
			fmt.Fprintln(d.out, styles.FormatWarning("Invalid choice"))
		}
	}
}

// readLines feeds lines of cr to the returned channel until stop is called.
// stop cancels the pending read and waits for the reader to exit.
func readLines(cr cancelreader.CancelReader) (<-chan string, func()) {
	lines := make(chan string)
	done := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		defer close(lines)
		sc := bufio.NewScanner(cr)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-done:
				return
			}
		}
	}()

	return lines, func() {
		close(done)
		cr.Cancel()
		<-exited
	}
}

func init() {
	installCmd.Flags().BoolVarP(&installAdd, "add", "a", false, "Merge into the installed content instead of replacing it")
	installCmd.Flags().BoolVarP(&installForce, "force", "f", false, "Rebuild even when the selection is already installed")
	rootCmd.AddCommand(installCmd)
}
