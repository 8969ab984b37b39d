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
	"time"

	"github.com/spf13/cobra"
	"github.com/weiawesome/wes-io-live/chat-session/internal/auth"
	"github.com/weiawesome/wes-io-live/chat-session/internal/config"
	"github.com/weiawesome/wes-io-live/chat-session/internal/domain"
	"github.com/weiawesome/wes-io-live/chat-session/internal/history"
	"github.com/weiawesome/wes-io-live/chat-session/internal/metrics"
	"github.com/weiawesome/wes-io-live/chat-session/internal/session"
	"github.com/weiawesome/wes-io-live/chat-session/internal/transport"
	"github.com/weiawesome/wes-io-live/chat-session/pkg/jwt"
	"golang.org/x/sync/errgroup"
)

var (
	joinKind        string
	joinToken       string
	joinParticipant string
)

func init() {
	joinCmd.Flags().StringVar(&joinKind, "kind", string(domain.RoomGroup), "room kind: event, private or group")
	joinCmd.Flags().StringVar(&joinToken, "token", os.Getenv("CHAT_TOKEN"), "bearer token for the chat server")
	joinCmd.Flags().StringVar(&joinParticipant, "as", "", "participant id; with relay.jwt_secret set a dev token is issued for it")
	rootCmd.AddCommand(joinCmd)
}

var joinCmd = &cobra.Command{
	Use:   "join <room-id>",
	Short: "Join a room and chat from the terminal",
	Long: `Join a room and chat from the terminal.

Lines typed are sent as messages. Commands:
  /typing          announce typing
  /react ID SYM    add a reaction
  /unreact ID SYM  remove a reaction
  /older           load an older history page
  /retry TEMP_ID   resend a failed message
  /reconnect       reconnect now
  /quit            leave`,
	Args: cobra.ExactArgs(1),
	RunE: runJoin,
}

func credentialProvider(cfg *config.Config) (auth.Provider, auth.TokenSource, error) {
	token := joinToken
	if token == "" && joinParticipant != "" && cfg.Relay.JWTSecret != "" {
		issued, err := jwt.NewManager(cfg.Relay.JWTSecret, time.Hour, "chat-relay").Issue(joinParticipant)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to issue dev token: %w", err)
		}
		token = issued
	}
	source := func(context.Context) (string, error) { return token, nil }

	switch {
	case token != "" && joinParticipant == "":
		return auth.NewJWTProvider(source), source, nil
	case joinParticipant != "":
		return auth.StaticProvider{Token: token, ParticipantID: joinParticipant}, source, nil
	default:
		return nil, nil, errors.New("a --token or --as participant is required")
	}
}

func runJoin(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(true)
	if err != nil {
		return err
	}
	kind, err := domain.ParseRoomKind(joinKind)
	if err != nil {
		return err
	}
	provider, source, err := credentialProvider(cfg)
	if err != nil {
		return err
	}

	store, closeStore, err := history.Open(cfg, source)
	if err != nil {
		return err
	}
	defer closeStore()

	deps := session.Deps{
		Transport: transport.NewWSFactory(cfg.Server.URL, cfg.WebSocket, logger),
		Auth:      provider,
		History:   store,
		Logger:    logger,
		Metrics:   metrics.New(),
	}

	manager := session.NewManager(cfg, deps)
	defer manager.Close()

	s, release, err := manager.Acquire(domain.Room{ID: args[0], Kind: kind})
	if err != nil {
		return err
	}
	defer release()
	if err := s.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return render(ctx, s, cmd.OutOrStdout())
	})
	g.Go(func() error {
		err := readInput(ctx, s, cmd.InOrStdin(), cmd.ErrOrStderr())
		stop()
		return err
	})
	return g.Wait()
}

// render prints status changes and every message whose state changed.
func render(ctx context.Context, s *session.Session, out io.Writer) error {
	seen := make(map[string]domain.MessageState)
	status := domain.Status("")

	for {
		snap := s.Snapshot()
		if snap.Status != status {
			status = snap.Status
			line := fmt.Sprintf("-- %s", status)
			if snap.LastError != nil {
				line += fmt.Sprintf(" (%s)", snap.LastError)
			}
			if status == domain.StatusReconnecting {
				line += fmt.Sprintf(" attempt %d in %s", snap.Attempt, snap.RetryDelay)
			}
			fmt.Fprintln(out, line)
		}
		for _, m := range snap.Messages {
			key := m.ID
			if m.ClientTempID != "" {
				key = m.SenderID + "/" + m.ClientTempID
			}
			if seen[key] == m.State {
				continue
			}
			seen[key] = m.State
			fmt.Fprintf(out, "[%s] %s: %s%s\n", m.CreatedAt.Local().Format("15:04:05"), m.SenderID, m.Content, stateSuffix(m))
		}

		if status.Terminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-s.Updates():
			if !ok {
				return nil
			}
		}
	}
}

func stateSuffix(m domain.Message) string {
	switch m.State {
	case domain.MessagePending:
		return " (sending)"
	case domain.MessageFailed:
		return fmt.Sprintf(" (failed: %s, /retry %s)", m.Error, m.ClientTempID)
	default:
		return ""
	}
}

func readInput(ctx context.Context, s *session.Session, in io.Reader, errOut io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := handleLine(ctx, s, strings.TrimSpace(line))
			if err != nil {
				fmt.Fprintf(errOut, "! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, s *session.Session, line string) (bool, error) {
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := s.Send(line)
		return false, err
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return true, nil
	case "/typing":
		return false, s.SetTyping(true)
	case "/react", "/unreact":
		if len(fields) != 3 {
			return false, fmt.Errorf("usage: %s MESSAGE_ID SYMBOL", fields[0])
		}
		if fields[0] == "/react" {
			return false, s.React(fields[1], fields[2])
		}
		return false, s.Unreact(fields[1], fields[2])
	case "/older":
		n, err := s.LoadOlder(ctx)
		if err == nil && n == 0 {
			err = errors.New("no older messages")
		}
		return false, err
	case "/retry":
		if len(fields) != 2 {
			return false, errors.New("usage: /retry TEMP_ID")
		}
		return false, s.Retry(fields[1])
	case "/reconnect":
		return false, s.Reconnect()
	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
}
