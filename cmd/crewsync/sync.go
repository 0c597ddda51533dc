package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/steveyegge/crewsync/internal/bootstrap"
	"github.com/steveyegge/crewsync/internal/dashboard"
	"github.com/steveyegge/crewsync/internal/ui"
)

var bootstrapCmd = &cobra.Command{
	Use:     "bootstrap",
	GroupID: "sync",
	Short:   "Populate the cache with everything the user can see",
	Long: `Fetch the user's projects, members, chat rooms, recent messages and
open tasks into the local cache, and push any pending local changes.

Domains run independently: a failure in one does not stop the others, and
the report lists each domain's outcome. Running it again is safe.

Examples:
  crewsync bootstrap
  crewsync bootstrap --since "3 days ago"
  crewsync bootstrap --domain tasks --domain chats`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := notifyContext(cmd.Context())
		defer cancel()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		bc := bootstrapConfig()
		if since, _ := cmd.Flags().GetString("since"); since != "" {
			t, err := parseWhen(since, time.Now())
			if err != nil {
				return err
			}
			bc.Since = t
		}
		domains, _ := cmd.Flags().GetStringSlice("domain")
		for _, d := range domains {
			bc.Domains = append(bc.Domains, bootstrap.Domain(d))
		}

		orc, err := bootstrap.New(a.co, a.remote, bc)
		if err != nil {
			return err
		}
		out.Printf("%s Syncing for %s...\n", out.Title("⟳"), cfg.User.ID)
		rep := orc.Run(ctx)
		printReport(rep)
		if !rep.OK() {
			return fmt.Errorf("bootstrap finished with errors")
		}
		return nil
	},
}

func bootstrapConfig() bootstrap.Config {
	bc := bootstrap.DefaultConfig(cfg.User.ID)
	bc.MessagesPerRoom = cfg.Sync.MessagesPerRoom
	bc.RoomConcurrency = cfg.Sync.RoomConcurrency
	bc.Logger = logger
	return bc
}

// monitorBootstrap runs a full bootstrap and publishes the report.
func monitorBootstrap(ctx context.Context, a *app, h *dashboard.Handler) error {
	orc, err := bootstrap.New(a.co, a.remote, bootstrapConfig())
	if err != nil {
		return err
	}
	rep := orc.Run(ctx)
	h.OnBootstrap(ctx, rep)
	if !rep.OK() {
		logger.Warn().Err(rep.Err()).Msg("bootstrap finished with errors")
	}
	return nil
}

func printReport(rep bootstrap.Report) {
	rows := make([][]string, 0, len(rep.Outcomes))
	for _, o := range rep.Outcomes {
		status := out.Status("OK")
		detail := ""
		if o.Err != nil {
			status = out.Status("FAILED")
			detail = o.Err.Error()
		}
		rows = append(rows, []string{string(o.Domain), status, strconv.Itoa(o.Count), ui.Duration(o.Duration), detail})
	}
	out.Println(out.Table([]string{"DOMAIN", "STATUS", "ROWS", "TIME", "DETAIL"}, rows))
	out.Printf("Finished in %s\n", ui.Duration(rep.Duration))
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show cache statistics and pending changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		st, err := a.store.Stats(ctx)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(st.Rows))
		for t, n := range st.Rows {
			rows = append(rows, []string{string(t), strconv.Itoa(n)})
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i][0] < rows[j][0] })

		out.Printf("%s %s\n", out.Title("Cache"), out.Muted(a.store.Path()))
		out.Println(out.Table([]string{"TYPE", "ROWS"}, rows))
		if st.Pending == 0 {
			out.Printf("%s all changes synced\n", out.Success("✓"))
		} else {
			out.Printf("%s %d pending change(s), %d pending delete(s)\n", out.Warn("!"), st.Pending, st.Tombstones)
			pending, err := a.store.Pending(ctx)
			if err != nil {
				return err
			}
			for _, r := range pending {
				action := "update"
				if r.Tombstone {
					action = "delete"
				}
				out.Printf("   %s %s/%s (rev %d)\n", out.Muted(action), r.Type, r.ID, r.Revision)
			}
		}
		return nil
	},
}

var pushCmd = &cobra.Command{
	Use:     "push",
	GroupID: "sync",
	Short:   "Push pending local changes now",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.co.Flush(ctx)
		out.Printf("pushed %d, failed %d, skipped %d in %s\n", res.Pushed, res.Failed, res.Skipped, ui.Duration(res.Duration))
		return err
	},
}

// parseWhen accepts RFC 3339 timestamps and natural phrases such as
// "yesterday" or "3 days ago", resolved against base.
func parseWhen(text string, base time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", text, base.Location()); err == nil {
		return t, nil
	}
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(text, base)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand time %q", text)
	}
	return r.Time, nil
}

func init() {
	bootstrapCmd.Flags().String("since", "", `Only fetch messages newer than this ("yesterday", "3 days ago", RFC 3339)`)
	bootstrapCmd.Flags().StringSlice("domain", nil, "Limit the run to these domains (projects, chats, tasks, pending)")

	rootCmd.AddCommand(bootstrapCmd, statusCmd, pushCmd)
}

// notifyContext cancels on interrupt.
func notifyContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
