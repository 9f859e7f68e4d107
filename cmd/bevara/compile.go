package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bevara/compiler/pkg/livelog"
	"github.com/bevara/compiler/pkg/orchestrator"
)

type compileFlags struct {
	debug  bool
	folder string
	quiet  bool
}

func newCompileCommand(g *globalFlags) *cobra.Command {
	flags := &compileFlags{}
	cmd := &cobra.Command{
		Use:   "compile [dir]",
		Short: "Package a project and compile it on the build service",
		Long: `Package the project directory, upload it to the build service and record
the streamed result as a new attempt in the project's build ledger.

Examples:
  bevara compile
  bevara compile ./codec --debug
  bevara compile -o json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				g.project = args[0]
			}
			return withApp(cmd.Context(), g, func(a *app) error {
				return runAttempt(cmd, a, g, flags, func(ctx context.Context, opts orchestrator.Options) (orchestrator.Result, error) {
					return a.compiler.Compile(ctx, a.project, opts)
				})
			})
		},
	}
	addAttemptFlags(cmd, flags)
	return cmd
}

func newRerunCommand(g *globalFlags) *cobra.Command {
	flags := &compileFlags{}
	cmd := &cobra.Command{
		Use:   "rerun <attempt>",
		Short: "Resubmit the sources stored with a previous attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAttempt(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), g, func(a *app) error {
				return runAttempt(cmd, a, g, flags, func(ctx context.Context, opts orchestrator.Options) (orchestrator.Result, error) {
					return a.compiler.Rerun(ctx, a.project, id, opts)
				})
			})
		},
	}
	addAttemptFlags(cmd, flags)
	return cmd
}

func addAttemptFlags(cmd *cobra.Command, flags *compileFlags) {
	cmd.Flags().BoolVar(&flags.debug, "debug", false, "ask the service for a debug build")
	cmd.Flags().StringVar(&flags.folder, "folder", "", "folder name sent to the service (default: project dir name)")
	cmd.Flags().BoolVarP(&flags.quiet, "quiet", "q", false, "do not print terminal output")
}

type attemptFunc func(ctx context.Context, opts orchestrator.Options) (orchestrator.Result, error)

// runAttempt runs one attempt while echoing its terminal output to stderr.
func runAttempt(cmd *cobra.Command, a *app, g *globalFlags, flags *compileFlags, run attemptFunc) error {
	ctx := cmd.Context()
	stderr := cmd.ErrOrStderr()
	echo := !flags.quiet && g.output == outputText

	followed := make(chan struct{})
	opts := orchestrator.Options{
		Debug:  flags.debug || a.cfg.Debug,
		Folder: flags.folder,
		OnState: func(s orchestrator.State) {
			a.logger.Debug("build state", "state", s)
		},
		OnAttempt: func(id int) {
			if !echo {
				close(followed)
				return
			}
			lines, cancel, err := a.hub.Subscribe(livelog.Key{Project: a.project, Attempt: id})
			if err != nil {
				close(followed)
				return
			}
			go func() {
				defer close(followed)
				defer cancel()
				for line := range lines {
					io.WriteString(stderr, line.Text)
				}
			}()
		},
	}

	res, runErr := run(ctx, opts)
	if res.AttemptID != 0 {
		select {
		case <-followed:
		case <-time.After(time.Second):
		}
	}
	if res.AttemptID == 0 && runErr != nil {
		return runErr
	}

	err := render(cmd.OutOrStdout(), g.output, res, func(w io.Writer) error {
		fmt.Fprintf(w, "attempt %d %s (return code %d)\n", res.AttemptID, res.State, res.ReturnCode)
		for _, name := range res.Artifacts {
			fmt.Fprintf(w, "  artifact %s\n", name)
		}
		if res.ProtocolErrors > 0 || res.IntegrityErrors > 0 {
			fmt.Fprintf(w, "  %d protocol errors, %d integrity errors\n", res.ProtocolErrors, res.IntegrityErrors)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	if res.State != orchestrator.StateSucceeded {
		return fmt.Errorf("build failed with return code %d", res.ReturnCode)
	}
	return nil
}

func newCancelCommand(g *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the build running in a bevara server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), g, func(a *app) error {
				if addr == "" {
					addr = a.cfg.ListenAddr
				}
				return cancelRemote(cmd.Context(), addr, a.cfg.APIToken, a.project, cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "address of the bevara server (default: listen_addr)")
	return cmd
}

func cancelRemote(ctx context.Context, addr, token, project string, out io.Writer) error {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	endpoint := fmt.Sprintf("%s/api/builds/cancel?project=%s", strings.TrimSuffix(base, "/"), url.QueryEscape(project))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("cancel request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		fmt.Fprintln(out, "cancel requested")
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("no build running for %s", project)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("cancel failed: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

func parseAttempt(s string) (int, error) {
	id, err := strconv.Atoi(strings.TrimPrefix(s, "#"))
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid attempt id %q", s)
	}
	return id, nil
}
