package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/o-ats-o/ta-support-worker/internal/auth"
	"github.com/o-ats-o/ta-support-worker/internal/board"
	"github.com/o-ats-o/ta-support-worker/internal/config"
	"github.com/o-ats-o/ta-support-worker/internal/database"
	"github.com/o-ats-o/ta-support-worker/internal/logging"
	"github.com/o-ats-o/ta-support-worker/internal/scheduler"
	"github.com/o-ats-o/ta-support-worker/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ta-support-worker",
		Short: "Board mirror and diff synchronization service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newSyncCommand(), newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("board-api-base", defaults.GetString("board.api_base"), "Remote board API base URL")
	cmd.PersistentFlags().String("board-token", "", "Remote board API bearer token (overrides env)")
	cmd.PersistentFlags().String("signing-secret", "", "Operator token signing secret (overrides env)")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("redis.url"), "Redis URL for the per-board sync lock (optional)")
	cmd.PersistentFlags().String("sync-interval", defaults.GetString("sync.interval"), "Scheduled sync interval")
	cmd.PersistentFlags().String("sync-groups", defaults.GetString("sync.groups"), "Scheduled sync targets as a JSON array")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "board.api_base", "board-api-base")
	bindFlag(cmd, "board.token", "board-token")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "sync.interval", "sync-interval")
	bindFlag(cmd, "sync.groups", "sync-groups")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	fetcher, err := board.NewClient(board.ClientConfig{
		BaseURL: appConfig.BoardAPIBase,
		Token:   appConfig.BoardAPIToken,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	var locker board.BoardLocker
	if appConfig.RedisURL != "" {
		redisLocker, err := board.NewRedisLocker(appConfig.RedisURL, appConfig.LockTTL)
		if err != nil {
			return err
		}
		defer redisLocker.Close()
		locker = redisLocker
	}

	boardService, err := board.NewService(board.ServiceConfig{
		Database:   db,
		Fetcher:    fetcher,
		Clock:      time.Now,
		IDProvider: board.NewUUIDProvider(),
		Logger:     logger,
		Locker:     locker,
	})
	if err != nil {
		return err
	}

	mappingService, err := board.NewMappingService(board.MappingServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	tokenManager := auth.NewTokenManager(auth.TokenManagerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		TokenTTL:      appConfig.TokenTTL,
	})

	events := server.NewSyncEventDispatcher()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Boards:   boardService,
		Mappings: mappingService,
		Tokens:   tokenManager,
		Events:   events,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if entries := schedulerEntries(appConfig.SyncGroups); len(entries) > 0 {
		runner, err := scheduler.NewRunner(scheduler.Config{
			Service:  boardService,
			Mappings: mappingService,
			Entries:  entries,
			Interval: appConfig.SyncInterval,
			Logger:   logger,
			Sink:     events,
		})
		if err != nil {
			return err
		}
		go runner.Run(signalCtx)
		logger.Info("sync scheduler started",
			zap.Int("entries", len(entries)),
			zap.Duration("interval", appConfig.SyncInterval))
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// schedulerEntries converts configured groups into runner entries. A missing
// board id falls back to the group id, which deployments that use the board
// id as the group key rely on.
func schedulerEntries(groups []config.GroupEntry) []scheduler.Entry {
	entries := make([]scheduler.Entry, 0, len(groups))
	for _, group := range groups {
		rawBoardID := group.BoardID
		if rawBoardID == "" {
			rawBoardID = group.GroupID
		}
		boardID, err := board.NewBoardID(rawBoardID)
		if err != nil {
			continue
		}
		entries = append(entries, scheduler.Entry{
			GroupID: group.GroupID,
			BoardID: boardID,
			Types:   group.Types,
		})
	}
	return entries
}

func newSyncCommand() *cobra.Command {
	var (
		rawBoardID string
		rawGroupID string
		rawTypes   string
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one synchronization pass for a single board",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}

			logger, err := logging.NewLogger(appConfig.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
			if err != nil {
				return err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			fetcher, err := board.NewClient(board.ClientConfig{
				BaseURL: appConfig.BoardAPIBase,
				Token:   appConfig.BoardAPIToken,
				Logger:  logger,
			})
			if err != nil {
				return err
			}

			boardService, err := board.NewService(board.ServiceConfig{
				Database:   db,
				Fetcher:    fetcher,
				Clock:      time.Now,
				IDProvider: board.NewUUIDProvider(),
				Logger:     logger,
			})
			if err != nil {
				return err
			}

			target := rawBoardID
			if target == "" {
				target = rawGroupID
			}
			boardID, err := board.NewBoardID(target)
			if err != nil {
				return err
			}

			var types []string
			if strings.TrimSpace(rawTypes) != "" {
				types = strings.Split(rawTypes, ",")
			}

			diff, err := boardService.Sync(cmd.Context(), boardID, types)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "board=%s diff_at=%s added=%d updated=%d deleted=%d\n",
				diff.BoardID, diff.DiffAt, len(diff.Added), len(diff.Updated), len(diff.Deleted))
			return nil
		},
	}

	cmd.Flags().StringVar(&rawBoardID, "board-id", "", "Remote board identifier")
	cmd.Flags().StringVar(&rawGroupID, "group-id", "", "Group identifier (used as board id when --board-id is absent)")
	cmd.Flags().StringVar(&rawTypes, "types", "", "Comma-separated item type filter")

	return cmd
}

func newTokenCommand() *cobra.Command {
	var subject string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}

			tokenManager := auth.NewTokenManager(auth.TokenManagerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				TokenTTL:      appConfig.TokenTTL,
			})

			token, expiresIn, err := tokenManager.IssueToken(cmd.Context(), subject)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "operator", "Subject claim embedded in the token")

	return cmd
}
