package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/MarcoPoloResearchLab/coderoom/internal/client"
	"github.com/MarcoPoloResearchLab/coderoom/internal/logging"
	"github.com/MarcoPoloResearchLab/coderoom/internal/protocol"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type watchOptions struct {
	serverURL string
	roomID    string
	token     string
	username  string
	userID    string
}

// newWatchCommand joins a room as a read-only participant and logs every
// event it receives.
func newWatchCommand() *cobra.Command {
	options := watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Join a room and log its realtime events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), options)
		},
	}
	cmd.Flags().StringVar(&options.serverURL, "server", "ws://localhost:8080/ws", "Realtime endpoint URL")
	cmd.Flags().StringVar(&options.roomID, "room", "", "Room to join")
	cmd.Flags().StringVar(&options.token, "token", "", "Identity token")
	cmd.Flags().StringVar(&options.username, "username", "watcher", "Display name for advisory identities")
	cmd.Flags().StringVar(&options.userID, "user-id", "", "User id for advisory identities")
	cmd.MarkFlagRequired("room") //nolint:errcheck
	return cmd
}

func runWatch(ctx context.Context, options watchOptions) error {
	logger, err := logging.NewConsoleLogger(viper.GetString("log.level"))
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := client.Dial(signalCtx, client.DialConfig{
		URL:      options.serverURL,
		Token:    options.token,
		Username: options.username,
		UserID:   options.userID,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	session, err := client.NewSession(client.SessionConfig{
		RoomID:  options.roomID,
		UserID:  options.userID,
		Emitter: conn,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.Join(); err != nil {
		return err
	}
	logger.Info("watching room", zap.String("room_id", session.RoomID()))

	err = conn.Run(signalCtx, func(event protocol.ServerEvent) {
		session.Apply(event)
		logEvent(logger, event)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func logEvent(logger *zap.Logger, event protocol.ServerEvent) {
	switch typed := event.(type) {
	case protocol.RoomSnapshot:
		logger.Info("room state",
			zap.String("language", typed.Language),
			zap.Int("code_length", len(typed.Code)),
			zap.Int("chat_messages", len(typed.ChatLog)))
	case protocol.RosterUpdate:
		names := make([]string, 0, len(typed.Users))
		for _, participant := range typed.Users {
			names = append(names, participant.Username)
		}
		logger.Info("roster", zap.Strings("users", names))
	case protocol.CodeUpdate:
		logger.Info("code updated", zap.String("user_id", typed.UserID), zap.Int("code_length", len(typed.Code)))
	case protocol.LanguageUpdate:
		logger.Info("language changed", zap.String("language", typed.Language), zap.String("username", typed.Username))
	case protocol.ChatNew:
		logger.Info("chat", zap.String("username", typed.Username), zap.String("message", typed.Message))
	case protocol.ExecutionOutput:
		logger.Info("execution output",
			zap.String("username", typed.Username),
			zap.Int("exit_code", typed.ExitCode),
			zap.Bool("is_error", typed.IsError),
			zap.String("output", typed.Output))
	case protocol.ErrorEvent:
		logger.Warn("server error", zap.String("code", typed.Code), zap.String("message", typed.Message))
	default:
		logger.Debug("event", zap.String("type", string(event.EventType())))
	}
}
