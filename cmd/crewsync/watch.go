package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/crewsync/internal/dashboard"
	"github.com/steveyegge/crewsync/internal/realtime"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "sync",
	Short:   "Follow realtime changes for chat rooms and projects",
	Long: `Enter realtime rooms and print every change applied to the cache until
interrupted. Typing indicators are shown for chat rooms.

Examples:
  crewsync watch --chat demo-general
  crewsync watch --project demo-project --chat demo-general`,
	RunE: func(cmd *cobra.Command, args []string) error {
		chats, _ := cmd.Flags().GetStringSlice("chat")
		projects, _ := cmd.Flags().GetStringSlice("project")
		if len(chats)+len(projects) == 0 {
			return errors.New("pass at least one --chat or --project")
		}

		ctx, cancel := notifyContext(cmd.Context())
		defer cancel()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		if err := a.co.Start(ctx); err != nil {
			return err
		}

		m, err := a.realtime(ctx)
		if err != nil {
			return err
		}
		defer m.Close()

		applied, stop := m.Watch(64)
		defer stop()

		rooms := roomsFrom(chats, projects)
		for _, r := range rooms {
			if err := m.Enter(ctx, r); err != nil {
				errOut.Printf("%s %s: %v\n", errOut.Warn("!"), r, err)
				continue
			}
			out.Printf("%s entered %s\n", out.Success("✓"), r)
		}
		if m.Degraded() {
			out.Println(out.Warn("realtime is degraded; showing cached data only for failed rooms"))
		}

		tick := time.NewTicker(time.Second)
		defer tick.Stop()
		lastTyping := map[realtime.Room]string{}
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-applied:
				if !ok {
					return nil
				}
				out.Printf("%s %s %s %s/%s\n", out.Muted(time.Now().Format(time.Kitchen)), ev.Room, ev.Operation, ev.Type, ev.ID)
			case err := <-a.co.Errors():
				errOut.Printf("%s %v\n", errOut.Warn("!"), err)
			case <-tick.C:
				for _, r := range rooms {
					if r.Kind != realtime.KindChat {
						continue
					}
					names := typingNames(m.TypingUsers(r))
					if names != lastTyping[r] {
						lastTyping[r] = names
						if names != "" {
							out.Printf("%s %s typing...\n", out.Muted(r.String()), names)
						}
					}
				}
			}
		}
	},
}

func roomsFrom(chats, projects []string) []realtime.Room {
	rooms := make([]realtime.Room, 0, len(chats)+len(projects))
	for _, id := range projects {
		rooms = append(rooms, realtime.ProjectRoom(id))
	}
	for _, id := range chats {
		rooms = append(rooms, realtime.ChatRoom(id))
	}
	return rooms
}

func typingNames(users []realtime.TypingUser) string {
	names := make([]string, 0, len(users))
	for _, u := range users {
		name := u.Name
		if name == "" {
			name = u.UserID
		}
		names = append(names, name)
	}
	return strings.Join(names, ", ")
}

var monitorCmd = &cobra.Command{
	Use:     "monitor",
	GroupID: "sync",
	Short:   "Serve a websocket sync monitor",
	Long: `Start a websocket server that streams sync activity to connected
clients:

- record_change: a cache row was written or removed
- sync_complete: a bootstrap run finished (with --bootstrap)
- room_status: realtime room states (with --chat/--project)
- stats: cache statistics, sent on connect and periodically

Connect with a websocket client to ws://localhost:8080/ws.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		interval, _ := cmd.Flags().GetDuration("stats-interval")
		runBootstrap, _ := cmd.Flags().GetBool("bootstrap")
		chats, _ := cmd.Flags().GetStringSlice("chat")
		projects, _ := cmd.Flags().GetStringSlice("project")

		ctx, cancel := notifyContext(cmd.Context())
		defer cancel()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		if err := a.co.Start(ctx); err != nil {
			return err
		}

		var h *dashboard.Handler
		srv := dashboard.NewServer(dashboard.Config{
			Addr:    addr,
			Welcome: func(ctx context.Context) (dashboard.Message, bool) { return h.StatsMessage(ctx) },
			Logger:  logger,
		})
		h = dashboard.NewHandler(srv, a.store, interval, logger)
		if err := srv.Start(); err != nil {
			return err
		}
		done := h.Start(ctx)

		out.Printf("Sync monitor on ws://%s/ws (health: http://%s/health)\n", srv.Addr(), srv.Addr())
		out.Println(out.Muted("Press Ctrl+C to stop..."))

		if rooms := roomsFrom(chats, projects); len(rooms) > 0 {
			m, err := a.realtime(ctx)
			if err != nil {
				return err
			}
			defer m.Close()
			for _, r := range rooms {
				if err := m.Enter(ctx, r); err != nil {
					logger.Warn().Err(err).Str("room", r.String()).Msg("failed to enter room")
				}
			}
			h.OnRooms(m.Rooms())
		}

		if runBootstrap {
			if err := monitorBootstrap(ctx, a, h); err != nil {
				return err
			}
		}

		<-ctx.Done()
		<-done
		if err := srv.Stop(); err != nil {
			return fmt.Errorf("failed to stop monitor: %w", err)
		}
		out.Println("Sync monitor stopped")
		return nil
	},
}

func init() {
	watchCmd.Flags().StringSlice("chat", nil, "Chat room ids to follow")
	watchCmd.Flags().StringSlice("project", nil, "Project ids to follow")

	monitorCmd.Flags().String("addr", "localhost:8080", "Address to listen on")
	monitorCmd.Flags().Duration("stats-interval", 10*time.Second, "How often to broadcast cache statistics (0 disables)")
	monitorCmd.Flags().Bool("bootstrap", false, "Run a bootstrap after starting and broadcast the report")
	monitorCmd.Flags().StringSlice("chat", nil, "Chat room ids to follow")
	monitorCmd.Flags().StringSlice("project", nil, "Project ids to follow")

	rootCmd.AddCommand(watchCmd, monitorCmd)
}
