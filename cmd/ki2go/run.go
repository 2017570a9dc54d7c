package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/ki2go/internal/domain"
	"github.com/jkaninda/ki2go/internal/engine"
)

// Exit codes for the run command.
const (
	ExitSuccess    = 0
	ExitFailure    = 1
	ExitDenied     = 2
	ExitValidation = 3
	ExitUpstream   = 4
)

var (
	runUserID string
	runOrgID  string
	runRole   string
	runVars   []string
	runDocs   []string
	runJSON   bool
)

var runCmd = &cobra.Command{
	Use:   "run TASK_ID",
	Short: "Run a task once against the configured store and provider",
	Long: `Run resolves the template for TASK_ID, binds the variables, reserves a
credit and invokes the language model, exactly like the HTTP API.

Examples:
  ki2go run vertrag-pruefen --user u-1 --org acme --var DOKUMENT=doc-42
  ki2go run zusammenfassung --user u-1 --var SPRACHE=Deutsch --doc doc-7 --json

Exit codes:
  0  success
  1  failure
  2  execution denied (credits or subscription)
  3  unknown task or invalid variables
  4  language model unavailable`,
	Args: cobra.ExactArgs(1),
	RunE: runTask,
}

func init() {
	runCmd.Flags().StringVar(&runUserID, "user", "", "user ID (required)")
	runCmd.Flags().StringVar(&runOrgID, "org", "", "organization ID")
	runCmd.Flags().StringVar(&runRole, "role", string(domain.RoleMember), "platform role: owner, admin or member")
	runCmd.Flags().StringArrayVar(&runVars, "var", nil, "variable as KEY=VALUE (repeatable)")
	runCmd.Flags().StringArrayVar(&runDocs, "doc", nil, "attached document ID (repeatable)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the full result as JSON")
	_ = runCmd.MarkFlagRequired("user")
}

func runTask(_ *cobra.Command, args []string) error {
	vars, err := parseVars(runVars)
	if err != nil {
		return err
	}

	sc, err := setup(slog.LevelWarn)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := sc.Engine.RunTask(ctx, engine.RunRequest{
		TaskID:      args[0],
		UserID:      runUserID,
		OrgID:       runOrgID,
		Role:        domain.Role(runRole),
		Variables:   vars,
		DocumentIDs: runDocs,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, domain.UserMessage(err))
		if res != nil {
			fmt.Fprintf(os.Stderr, "process: %s\n", res.ProcessID)
		}
		sc.Cleanup()
		os.Exit(exitCode(err))
	}

	if runJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	fmt.Fprintf(os.Stderr, "process: %s  cost: %d micros\n", res.ProcessID, res.CostMicros)
	fmt.Println(res.ResultText)
	return nil
}

// parseVars turns KEY=VALUE pairs into a map. Later pairs win.
func parseVars(pairs []string) (map[string]string, error) {
	vars := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --var %q: expected KEY=VALUE", p)
		}
		vars[strings.TrimSpace(k)] = v
	}
	return vars, nil
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, domain.ErrDenied):
		return ExitDenied
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrNotFound):
		return ExitValidation
	case errors.Is(err, domain.ErrUpstream):
		return ExitUpstream
	default:
		return ExitFailure
	}
}
