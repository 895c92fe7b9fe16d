package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"coolvibeclub/internal/chat"
	"coolvibeclub/internal/models"
	"coolvibeclub/internal/restapi"
)

const usage = `usage: cvc <command> [flags]

commands:
  join    -email -password -nick   create an account
  login   -email -password         sign in and remember the session
  status                           run the startup session check
  logout                           forget the stored session
  rooms                            list your chat rooms
  open    -opponent <user_id>      create or find a direct room
  chat    -room <room_id>          open a room; type to send, /older, /quit`

func run(ctx context.Context, a *app, args []string, in io.Reader, out io.Writer) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "join":
		return cmdJoin(ctx, a, rest, out)
	case "login":
		return cmdLogin(ctx, a, rest, out)
	case "status":
		return cmdStatus(ctx, a, out)
	case "logout":
		return cmdLogout(a, out)
	case "rooms":
		return cmdRooms(ctx, a, out)
	case "open":
		return cmdOpen(ctx, a, rest, out)
	case "chat":
		return cmdChat(ctx, a, rest, in, out)
	case "help", "-h", "--help":
		fmt.Fprintln(out, usage)
		return nil
	}
	return fmt.Errorf("unknown command %q\n%s", cmd, usage)
}

func newFlags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func cmdJoin(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := newFlags("join")
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password")
	nick := fs.String("nick", "", "display name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" || *password == "" || *nick == "" {
		return errors.New("join: -email, -password and -nick are required")
	}
	if err := a.api.ValidateEmail(ctx, *email); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	p, err := a.api.Join(ctx, models.JoinRequest{Email: *email, Password: *password, Nick: *nick})
	if err != nil {
		return fmt.Errorf("join: %w", err)
	}
	fmt.Fprintf(out, "created %s (%s)\n", p.Nick, p.UserID)
	return nil
}

func cmdLogin(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := newFlags("login")
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" || *password == "" {
		return errors.New("login: -email and -password are required")
	}
	resp, err := a.api.Login(ctx, *email, *password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if err := a.mgr.Login(resp.Credential()); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	fmt.Fprintf(out, "logged in as %s (%s)\n", resp.Nick, resp.UserID)
	return nil
}

func cmdStatus(ctx context.Context, a *app, out io.Writer) error {
	st := a.mgr.CheckAutoLogin(ctx)
	if !st.LoggedIn() {
		fmt.Fprintln(out, st.Kind)
		return nil
	}
	fmt.Fprintf(out, "%s as %s\n", st.Kind, st.Credential.UserID)
	return nil
}

func cmdLogout(a *app, out io.Writer) error {
	if err := a.mgr.Logout(); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	fmt.Fprintln(out, "logged out")
	return nil
}

func cmdRooms(ctx context.Context, a *app, out io.Writer) error {
	st, err := a.requireSession(ctx)
	if err != nil {
		return err
	}
	rooms, err := a.api.ListRooms(ctx)
	if err != nil {
		return fmt.Errorf("rooms: %w", err)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROOM\tWITH\tLAST MESSAGE")
	for _, r := range rooms {
		with := "-"
		if opp, ok := r.Opponent(st.Credential.UserID); ok {
			with = opp.Nick
		}
		last := ""
		if r.LastChat != nil {
			last = r.LastChat.Content
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.RoomID, with, last)
	}
	return tw.Flush()
}

func cmdOpen(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := newFlags("open")
	opponent := fs.String("opponent", "", "user id to chat with")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *opponent == "" {
		return errors.New("open: -opponent is required")
	}
	if _, err := a.requireSession(ctx); err != nil {
		return err
	}
	room, err := a.api.CreateOrFindRoom(ctx, *opponent)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	fmt.Fprintln(out, room.RoomID)
	return nil
}

func formatChat(c models.Chat) string {
	who := c.Sender.Nick
	if who == "" {
		who = c.Sender.UserID
	}
	line := fmt.Sprintf("[%s] %s: %s", c.CreatedAt.Local().Format(time.Kitchen), who, c.Content)
	if len(c.Files) > 0 {
		line += " (" + strings.Join(c.Files, ", ") + ")"
	}
	return line
}

// printer 只输出尚未打印过的消息。
type printer struct {
	out  io.Writer
	seen map[string]struct{}
}

// replay 按时间线顺序重新输出全部消息，用于较早的消息插到已输出内容之前的情况。
func (p *printer) replay(chats []models.Chat) {
	for _, c := range chats {
		p.seen[c.ChatID] = struct{}{}
		fmt.Fprintln(p.out, formatChat(c))
	}
}

func (p *printer) print(chats []models.Chat) {
	for _, c := range chats {
		if _, ok := p.seen[c.ChatID]; ok {
			continue
		}
		p.seen[c.ChatID] = struct{}{}
		fmt.Fprintln(p.out, formatChat(c))
	}
}

func cmdChat(ctx context.Context, a *app, args []string, in io.Reader, out io.Writer) error {
	fs := newFlags("chat")
	roomID := fs.String("room", "", "room id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *roomID == "" {
		return errors.New("chat: -room is required")
	}
	if _, err := a.requireSession(ctx); err != nil {
		return err
	}

	ch := a.newChannel()
	defer ch.Close()
	room, err := chat.OpenRoom(ctx, chat.RoomDeps{API: a.api, Channel: ch, PageLimit: a.cfg.HistoryPageLimit}, *roomID)
	if err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	defer room.Close()

	// 所有输出都在本协程完成；stdin 在独立协程读取
	p := &printer{out: out, seen: make(map[string]struct{})}
	snap := room.Snapshot()
	p.print(snap.Messages())
	conn := snap.Conn
	fmt.Fprintf(out, "-- %s (%s) --\n", *roomID, conn)

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

	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-room.Updates():
			p.print(s.Messages())
			if s.Conn != conn {
				conn = s.Conn
				fmt.Fprintf(out, "-- %s --\n", conn)
			}
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := handleLine(ctx, room, strings.TrimSpace(line), p, out); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				fmt.Fprintln(out, "!", err)
			}
		}
	}
}

var errQuit = errors.New("quit")

func handleLine(ctx context.Context, room *chat.Room, line string, p *printer, out io.Writer) error {
	switch line {
	case "":
		return nil
	case "/quit":
		return errQuit
	case "/older":
		n, err := room.LoadOlder(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			fmt.Fprintln(out, "-- no older messages --")
			return nil
		}
		fmt.Fprintf(out, "-- timeline (%d older loaded) --\n", n)
		p.replay(room.Snapshot().Messages())
		return nil
	case "/reconnect":
		return room.Reconnect(ctx)
	}
	c, err := room.Send(ctx, line, nil)
	if err != nil {
		return err
	}
	p.print([]models.Chat{c})
	return nil
}

var _ chat.HistoryAPI = (*restapi.API)(nil)
