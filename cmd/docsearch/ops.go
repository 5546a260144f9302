package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/docsearch/internal/config"
	"github.com/basket/docsearch/internal/operations"
	"github.com/basket/docsearch/internal/opsclient"
	"github.com/basket/docsearch/internal/persistence"
	"github.com/basket/docsearch/internal/tui"
)

const opsUsage = "usage: docsearch ops <list|get|cancel|cleanup|retention|watch> ..."

const requestTimeout = 10 * time.Second

func runOpsCommand(ctx context.Context, args []string, out io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, opsUsage)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	client := opsclient.New(cfg.BindAddr, cfg.AuthToken)

	sub := strings.ToLower(strings.TrimSpace(args[0]))
	switch sub {
	case "list", "ls":
		fs := flag.NewFlagSet("docsearch ops list", flag.ContinueOnError)
		fs.SetOutput(os.Stderr)
		status := fs.String("status", "", "filter by status (pending, running, completed, failed, cancelled)")
		limit := fs.Int("limit", 50, "maximum number of operations")
		asJSON := fs.Bool("json", false, "print JSON even on a terminal")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		if fs.NArg() != 0 {
			fmt.Fprintln(os.Stderr, "usage: docsearch ops list [-status s] [-limit n] [-json]")
			return 2
		}
		var filter operations.Status
		if *status != "" {
			parsed, err := persistence.ParseOperationStatus(*status)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return 2
			}
			filter = parsed
		}
		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		ops, err := client.List(reqCtx, filter, *limit)
		if err != nil {
			return reportClientError(err)
		}
		if *asJSON || !isTerminal(out) {
			return writeJSONOut(out, map[string]any{"operations": ops, "count": len(ops)})
		}
		printOperationTable(out, ops, time.Now())
		return 0

	case "get", "show":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: docsearch ops get <operation-id>")
			return 2
		}
		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		op, err := client.Get(reqCtx, args[1])
		if err != nil {
			return reportClientError(err)
		}
		events, err := client.Events(reqCtx, args[1])
		if err != nil {
			return reportClientError(err)
		}
		return writeJSONOut(out, map[string]any{"operation": op, "events": events})

	case "cancel":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: docsearch ops cancel <operation-id>")
			return 2
		}
		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		res, err := client.Cancel(reqCtx, args[1])
		if err != nil {
			return reportClientError(err)
		}
		fmt.Fprintln(out, res.Message)
		return 0

	case "cleanup":
		fs := flag.NewFlagSet("docsearch ops cleanup", flag.ContinueOnError)
		fs.SetOutput(os.Stderr)
		hours := fs.Int("hours", -1, "age threshold in hours (default: the daemon's retention)")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		if fs.NArg() != 0 {
			fmt.Fprintln(os.Stderr, "usage: docsearch ops cleanup [-hours n]")
			return 2
		}
		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		deleted, err := client.Cleanup(reqCtx, *hours)
		if err != nil {
			return reportClientError(err)
		}
		fmt.Fprintf(out, "Deleted %d operations\n", deleted)
		return 0

	case "retention":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: docsearch ops retention <hours>")
			return 2
		}
		hours, err := strconv.Atoi(strings.TrimSpace(args[1]))
		if err != nil || hours < 0 {
			fmt.Fprintf(os.Stderr, "invalid hours %q: must be a non-negative integer\n", args[1])
			return 2
		}
		if err := config.SetCleanupAfterHours(cfg.HomeDir, hours); err != nil {
			fmt.Fprintf(os.Stderr, "update config: %v\n", err)
			return 1
		}
		fmt.Fprintf(out, "cleanup_after_hours set to %d in %s\n", hours, config.ConfigPath(cfg.HomeDir))
		return 0

	case "watch":
		if len(args) != 1 {
			fmt.Fprintln(os.Stderr, "usage: docsearch ops watch")
			return 2
		}
		err := tui.Run(ctx, watchProvider(ctx, client), func(id string) error {
			reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
			defer cancel()
			_, err := client.Cancel(reqCtx, id)
			return err
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "watch: %v\n", err)
			return 1
		}
		return 0

	default:
		fmt.Fprintf(os.Stderr, "unknown ops command %q\n%s\n", sub, opsUsage)
		return 2
	}
}

// watchProvider polls the daemon for one dashboard snapshot per call.
func watchProvider(ctx context.Context, client *opsclient.Client) tui.StatusProvider {
	return func() tui.Snapshot {
		reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		snap := tui.Snapshot{FetchedAt: time.Now()}
		ops, err := client.List(reqCtx, "", 50)
		if err != nil {
			snap.LastError = tui.HumanError(err)
			return snap
		}
		snap.Reachable = true
		snap.Operations = ops
		health, err := client.Health(reqCtx)
		if err != nil && health == nil {
			snap.LastError = tui.HumanError(err)
			return snap
		}
		snap.Counts = healthCounts(health)
		if n, ok := health["live_tasks"].(float64); ok {
			snap.LiveTasks = int(n)
		}
		return snap
	}
}

func healthCounts(health map[string]any) map[string]int {
	raw, _ := health["operations"].(map[string]any)
	counts := make(map[string]int, len(raw))
	for status, v := range raw {
		if n, ok := v.(float64); ok {
			counts[status] = int(n)
		}
	}
	return counts
}

func printOperationTable(out io.Writer, ops []operations.Operation, now time.Time) {
	if len(ops) == 0 {
		fmt.Fprintln(out, "No operations.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tPROGRESS\tCREATED\tERROR")
	for _, op := range ops {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			op.ID, op.Type, op.Status, progressColumn(op), humanAge(now.Sub(op.CreatedAt)), truncate(op.Error, 40))
	}
	_ = tw.Flush()
}

func progressColumn(op operations.Operation) string {
	if op.TotalItems == nil {
		if op.ProcessedItems == 0 {
			return "-"
		}
		return strconv.Itoa(op.ProcessedItems)
	}
	s := fmt.Sprintf("%d/%d", op.ProcessedItems, *op.TotalItems)
	if op.FailedItems > 0 {
		s += fmt.Sprintf(" (%d failed)", op.FailedItems)
	}
	return s
}

func humanAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func reportClientError(err error) int {
	var apiErr *opsclient.APIError
	switch {
	case errors.As(err, &apiErr):
		fmt.Fprintf(os.Stderr, "error: %s\n", apiErr.Message)
	case opsclient.IsUnavailable(err):
		fmt.Fprintf(os.Stderr, "daemon unreachable: %s (is `docsearch -daemon` running?)\n", tui.HumanError(err))
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	return 1
}

func writeJSONOut(out io.Writer, payload any) int {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		fmt.Fprintf(os.Stderr, "encode json: %v\n", err)
		return 1
	}
	return 0
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}
