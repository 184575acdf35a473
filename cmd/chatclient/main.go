// Command chatclient is a line oriented client for the relay, useful for
// poking at a running server by hand.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/w7109066-del/Migers-sub002/internal/client"
	"github.com/w7109066-del/Migers-sub002/internal/logging"
	"github.com/w7109066-del/Migers-sub002/internal/models"
	"github.com/w7109066-del/Migers-sub002/internal/rooms"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const help = `commands:
  /join <room>        join a room and make it current
  /room <room>        switch the current room
  /leave <room>       leave a room for good
  /dm <user> <text>   send a direct message
  /away, /back        toggle visibility
  /quit
anything else is sent to the current room`

type options struct {
	url      string
	userID   string
	token    string
	roomsDB  string
	logLevel string
}

func main() {
	var opts options
	cmd := &cobra.Command{
		Use:          "chatclient",
		Short:        "Interactive relay client",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "ws://localhost:8080/api/chat", "Relay websocket URL")
	cmd.Flags().StringVar(&opts.userID, "user", "", "User id")
	cmd.Flags().StringVar(&opts.token, "token", "", "Session token")
	cmd.Flags().StringVar(&opts.roomsDB, "rooms-db", "", "File remembering joined rooms across runs")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "warn", "Log level")
	_ = cmd.MarkFlagRequired("user")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, in io.Reader, out io.Writer) error {
	logger, err := logging.NewLogger(opts.logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	var store client.RoomStore = client.NewMemoryRooms()
	if opts.roomsDB != "" {
		boltRooms, err := client.OpenBoltRooms(opts.roomsDB, opts.userID)
		if err != nil {
			return err
		}
		defer func() { _ = boltRooms.Close() }()
		store = boltRooms
	}

	c := client.New(client.Config{
		URL:    opts.url,
		UserID: opts.userID,
		Token:  opts.token,
		Rooms:  store,
		Logger: logger,
	})
	c.Bus().SubscribeAll(func(ev client.Event) {
		if line := describe(ev); line != "" {
			fmt.Fprintln(out, line)
		}
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	fmt.Fprintln(out, help)
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	current := ""
	for {
		select {
		case err := <-runErr:
			return err
		case line, ok := <-lines:
			if !ok {
				cancel()
				return <-runErr
			}
			quit, err := execute(c, &current, strings.TrimSpace(line))
			if err != nil {
				logger.Warn("command failed", zap.Error(err))
				fmt.Fprintln(out, "error:", err)
			}
			if quit {
				cancel()
				return <-runErr
			}
		}
	}
}

func execute(c *client.Client, current *string, line string) (bool, error) {
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		if *current == "" {
			return false, errors.New("no current room, /join one first")
		}
		return false, c.SendMessage(*current, line, models.MessageTypeText)
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "/quit":
		return true, nil
	case "/join":
		if rest == "" {
			return false, errors.New("usage: /join <room>")
		}
		*current = rest
		return false, c.Join(rest)
	case "/room":
		*current = rest
		return false, nil
	case "/leave":
		if rest == *current {
			*current = ""
		}
		return false, c.Leave(rest, rooms.Forced)
	case "/dm":
		user, text, ok := strings.Cut(rest, " ")
		if !ok {
			return false, errors.New("usage: /dm <user> <text>")
		}
		return false, c.SendDirect(user, text)
	case "/away":
		return false, c.SetVisible(false)
	case "/back":
		return false, c.SetVisible(true)
	}
	return false, fmt.Errorf("unknown command %s", cmd)
}

func describe(ev client.Event) string {
	switch ev.Name {
	case client.EventConnected:
		return "* connected"
	case client.EventDisconnected:
		return "* disconnected"
	case models.EventNewMessage, models.EventNewDirectMessage:
		var p models.MessagePayload
		if ev.Decode(&p) != nil {
			return ""
		}
		where := "#" + p.Message.RoomID
		if p.Message.IsDirect() {
			where = "dm"
		}
		return fmt.Sprintf("[%s] %s: %s", where, p.Message.SenderName, p.Message.Content)
	case models.EventUserJoined:
		var p models.UserJoinedPayload
		if ev.Decode(&p) != nil {
			return ""
		}
		return fmt.Sprintf("* %s joined #%s", p.Username, p.RoomID)
	case models.EventUserLeft:
		var p models.UserLeftPayload
		if ev.Decode(&p) != nil {
			return ""
		}
		return fmt.Sprintf("* %s left #%s", p.Username, p.RoomID)
	case models.EventKickedFromRoom, models.EventRoomClosed:
		var p models.RoomNoticePayload
		if ev.Decode(&p) != nil {
			return ""
		}
		return fmt.Sprintf("* #%s: %s", p.RoomID, p.Message)
	case models.EventNewNotification:
		var p models.NotificationPayload
		if ev.Decode(&p) != nil {
			return ""
		}
		return fmt.Sprintf("* notification: %s", p.Notification.Title)
	case models.EventError:
		var p models.ErrorPayload
		if ev.Decode(&p) != nil {
			return ""
		}
		return fmt.Sprintf("! %s (%s)", p.Message, p.Code)
	case models.EventPresenceChanged:
		var p models.Presence
		if ev.Decode(&p) != nil {
			return ""
		}
		return fmt.Sprintf("* %s is %s", p.UserID, p.Status)
	}
	return ""
}
