package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"simcmd/internal/app"
	"simcmd/internal/client"
	"simcmd/internal/config"
	"simcmd/internal/storage"
	"simcmd/internal/storage/sqlite"
	"simcmd/internal/transports/framing"
	"simcmd/pkg/logger"
)

// New создает корневую CLI-команду.
func New(version string) *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "simcmd",
		Short:         "Сервер команд симуляции",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "путь к YAML-конфигу")

	loadConfig := func() (config.Config, error) {
		return config.Load(configPath)
	}

	root.AddCommand(newVersionCmd(version))
	root.AddCommand(newServeCmd(loadConfig, version))
	root.AddCommand(newCommandsCmd(loadConfig))
	root.AddCommand(newExecCmd(loadConfig))
	root.AddCommand(newSendCmd(loadConfig))
	root.AddCommand(newAuditCmd(loadConfig))

	return root
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Показать версию",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", version)
		},
	}
}

func newServeCmd(load func() (config.Config, error), version string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Запустить сервер команд",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			lg, closer := logger.Build(logger.Options{
				Level:      cfg.Agent.LogLevel,
				Format:     cfg.Agent.LogFormat,
				File:       cfg.Agent.LogFile,
				MaxSizeMB:  cfg.Agent.Rotation.MaxSizeMB,
				MaxBackups: cfg.Agent.Rotation.MaxBackups,
				MaxAgeDays: cfg.Agent.Rotation.MaxAgeDays,
				Compress:   cfg.Agent.Rotation.Compress,
			})
			if closer != nil {
				defer closer.Close()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.NewApp(ctx, cfg, app.WithLogger(lg), app.WithVersion(version))
			if err != nil {
				return err
			}
			defer a.Close()

			err = a.Serve(ctx)
			if ctx.Err() != nil {
				lg.Info("command server stopped")
				return nil
			}
			return err
		},
	}
}

// offline строит приложение без транспортов и хранилища для локального выполнения.
func offline(ctx context.Context, load func() (config.Config, error)) (*app.App, error) {
	cfg, err := load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.TCP.Enabled = false
	cfg.Web.Enabled = false
	cfg.Valkey.Enabled = false
	cfg.SQLite.Path = ""
	return app.NewApp(ctx, cfg)
}

func newCommandsCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "commands",
		Short: "Показать зарегистрированные команды",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := offline(cmd.Context(), load)
			if err != nil {
				return err
			}
			defer a.Close()
			for _, h := range a.Registry.Help() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-40s %-8s %s\n", h.Pattern, h.Module, h.Help)
			}
			return nil
		},
	}
}

func newExecCmd(load func() (config.Config, error)) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "exec <command...>",
		Short: "Выполнить команду локально, без сервера",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := offline(cmd.Context(), load)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			st, err := a.Exec(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			return printReply(cmd.OutOrStdout(), st.Reply())
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "таймаут выполнения")
	return cmd
}

func newSendCmd(load func() (config.Config, error)) *cobra.Command {
	var (
		addr    string
		mode    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send <command...>",
		Short: "Отправить команду запущенному серверу по TCP",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" || mode == "" {
				cfg, err := load()
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				if addr == "" {
					addr = cfg.TCP.ListenAddr
				}
				if mode == "" {
					mode = cfg.TCP.Framing
				}
			}
			fm, err := framing.ParseMode(mode)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			c, err := client.Dial(ctx, addr, client.WithFraming(fm))
			if err != nil {
				return err
			}
			defer c.Close()
			reply, err := c.Request(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			return printReply(cmd.OutOrStdout(), reply)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "адрес сервера (по умолчанию из конфига)")
	cmd.Flags().StringVar(&mode, "framing", "", "line или prefixed")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "таймаут ответа")
	return cmd
}

func newAuditCmd(load func() (config.Config, error)) *cobra.Command {
	var q storage.AuditQuery
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Показать журнал обработанных запросов",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			st, err := sqlite.Open(cfg.SQLite.Path)
			if err != nil {
				return err
			}
			defer st.Close()
			if since > 0 {
				q.From = time.Now().Add(-since)
			}
			events, err := st.QueryAudit(cmd.Context(), q)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(events)
		},
	}
	cmd.Flags().StringVar(&q.Source, "source", "", "фильтр по транспорту")
	cmd.Flags().StringVar(&q.Peer, "peer", "", "фильтр по клиенту")
	cmd.Flags().StringVar(&q.Status, "status", "", "ok, error или rejected")
	cmd.Flags().IntVar(&q.Limit, "limit", 50, "максимум записей")
	cmd.Flags().DurationVar(&since, "since", 0, "только за последний период")
	return cmd
}

// printReply печатает ответ; JSON выводится с отступами.
func printReply(w io.Writer, reply string) error {
	if strings.HasPrefix(reply, "{") || strings.HasPrefix(reply, "[") {
		var v any
		if err := json.Unmarshal([]byte(reply), &v); err == nil {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(v)
		}
	}
	_, err := fmt.Fprintln(w, reply)
	return err
}
