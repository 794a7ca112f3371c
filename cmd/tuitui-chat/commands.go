package main

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
	"time"

	"tuitui/cmd/internal/app"
	"tuitui/cmd/internal/chat"

	"github.com/spf13/cobra"
)

type configLoader func() (app.ClientConfig, error)

// newRuntime loads config and builds the engine. Callers own Engine.Stop.
func newRuntime(load configLoader) (app.ClientConfig, *app.ClientRuntime, error) {
	cfg, err := load()
	if err != nil {
		return app.ClientConfig{}, nil, err
	}
	log := app.NewLogger(cfg.LogLevel, cfg.LogFormat, nil)
	rt, err := app.NewClient(cfg, log, nil)
	if err != nil {
		return app.ClientConfig{}, nil, err
	}
	return cfg, rt, nil
}

func profileFlag(cmd *cobra.Command, cfg app.ClientConfig, flag int64) (int64, error) {
	if cmd.Flags().Changed("profile") {
		cfg.ProfileID = flag
	}
	if cfg.ProfileID <= 0 {
		return 0, errors.New("profile id required (--profile or TUITUI_PROFILE_ID)")
	}
	return cfg.ProfileID, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func roomsCmd(load configLoader) *cobra.Command {
	var profile int64

	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "List the rooms of a profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, rt, err := newRuntime(load)
			if err != nil {
				return err
			}
			defer rt.Engine.Stop()
			me, err := profileFlag(cmd, cfg, profile)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			rooms, err := rt.Engine.Directory().ListRooms(ctx, me)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(rooms) == 0 {
				fmt.Fprintln(out, "no rooms")
				return nil
			}
			for _, r := range rooms {
				fmt.Fprintf(out, "%6d  with profile %d\n", r.RoomID, r.Peer(me))
			}
			return nil
		},
	}
	cmd.Flags().Int64VarP(&profile, "profile", "p", 0, "profile id (defaults to TUITUI_PROFILE_ID)")
	return cmd
}

func createRoomCmd(load configLoader) *cobra.Command {
	var profile int64

	cmd := &cobra.Command{
		Use:   "create-room <guest-profile-id>",
		Short: "Create a room between you and another profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			guest, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || guest <= 0 {
				return fmt.Errorf("invalid guest profile id %q", args[0])
			}
			cfg, rt, err := newRuntime(load)
			if err != nil {
				return err
			}
			defer rt.Engine.Stop()
			me, err := profileFlag(cmd, cfg, profile)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			room, err := rt.Engine.Directory().CreateRoom(ctx, me, guest)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "room %d created\n", room.RoomID)
			return nil
		},
	}
	cmd.Flags().Int64VarP(&profile, "profile", "p", 0, "profile id (defaults to TUITUI_PROFILE_ID)")
	return cmd
}

func parseRoomArg(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid room id %q", raw)
	}
	return id, nil
}

func historyCmd(load configLoader) *cobra.Command {
	var (
		page int
		size int
	)

	cmd := &cobra.Command{
		Use:   "history <room-id>",
		Short: "Print one page of room history, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			roomID, err := parseRoomArg(args[0])
			if err != nil {
				return err
			}
			cfg, rt, err := newRuntime(load)
			if err != nil {
				return err
			}
			defer rt.Engine.Stop()
			if size <= 0 {
				size = cfg.HistoryPageSize
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			msgs, err := rt.Engine.History().Fetch(ctx, roomID, page, size)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for i := len(msgs) - 1; i >= 0; i-- {
				printMessage(out, msgs[i], cfg.ProfileID)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&page, "page", 0, "page number, 0 is the newest")
	cmd.Flags().IntVar(&size, "size", 0, "page size (defaults to TUITUI_HISTORY_PAGE_SIZE)")
	return cmd
}

func chatCmd(load configLoader) *cobra.Command {
	var profile int64

	cmd := &cobra.Command{
		Use:   "chat <room-id>",
		Short: "Join a room: type a line to send it, /older loads history, /retry resends failures",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			roomID, err := parseRoomArg(args[0])
			if err != nil {
				return err
			}
			cfg, rt, err := newRuntime(load)
			if err != nil {
				return err
			}
			defer rt.Engine.Stop()
			me, err := profileFlag(cmd, cfg, profile)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runChat(ctx, rt.Engine, roomID, me, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().Int64VarP(&profile, "profile", "p", 0, "profile id (defaults to TUITUI_PROFILE_ID)")
	return cmd
}

func runChat(ctx context.Context, eng *chat.Engine, roomID, me int64, in io.Reader, out io.Writer) error {
	rooms, err := eng.Directory().ListRooms(ctx, me)
	if err != nil {
		return err
	}
	var room chat.ChatRoom
	for _, r := range rooms {
		if r.RoomID == roomID {
			room = r
		}
	}
	if room.RoomID == 0 {
		return fmt.Errorf("room %d not found for profile %d", roomID, me)
	}
	peer := room.Peer(me)

	s, err := eng.OpenRoom(ctx, room)
	if err != nil {
		return err
	}
	openCtx, cancelOpen := context.WithTimeout(ctx, 30*time.Second)
	err = s.WaitOpen(openCtx)
	cancelOpen()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "joined room %d with profile %d\n", roomID, peer)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	view := newChatView(out, me)
	view.render(s.Snapshot(), s.Offline())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.Changes():
			if s.State() == chat.RoomClosed {
				return s.Err()
			}
			view.render(s.Snapshot(), s.Offline())
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := handleLine(ctx, eng, s, strings.TrimSpace(line), me, peer, out); err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
		}
	}
}

func handleLine(ctx context.Context, eng *chat.Engine, s *chat.RoomSession, line string, me, peer int64, out io.Writer) error {
	switch {
	case line == "":
		return nil
	case line == "/older":
		n, err := eng.LoadOlder(ctx, s.RoomID())
		if err == nil && n == 0 {
			fmt.Fprintln(out, "-- no older messages")
		}
		return err
	case line == "/retry":
		for _, m := range s.Snapshot() {
			if m.Status != chat.StatusFailed {
				continue
			}
			if _, err := eng.Resend(ctx, s.RoomID(), m.LocalID); err != nil {
				return err
			}
		}
		return nil
	default:
		_, err := eng.Send(ctx, s.RoomID(), line, me, peer)
		return err
	}
}
