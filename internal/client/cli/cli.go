// Package cli реализует команды клиента поверх app.App.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/iudanet/sessionguard/internal/client/app"
	"github.com/iudanet/sessionguard/internal/client/iocli"
	"github.com/iudanet/sessionguard/internal/config"
)

// PasswordEnv - переменная окружения с паролем для неинтерактивного входа
const PasswordEnv = "SESSIONGUARD_PASSWORD"

// Passwords - источники пароля кроме переменной окружения и prompt
type Passwords struct {
	FromFile string
	FromArgs string
}

// Cli держит зависимости команд. App создается в PersistentPreRunE
// после разбора флагов.
type Cli struct {
	io      iocli.IO
	logger  *slog.Logger
	cfg     *config.Client
	app     *app.App
	appOpts []app.Option
	flags   rootFlags
}

type rootFlags struct {
	serverURL string
	dbPath    string
	logLevel  string
}

// New creates the CLI. opts are passed to app.New (tests replace the API and the connectivity source).
func New(io iocli.IO, opts ...app.Option) *Cli {
	return &Cli{io: io, appOpts: opts}
}

// Version information set via ldflags during build
type Version struct {
	Version   string
	BuildDate string
	GitCommit string
}

// RootCommand builds the command tree
func (c *Cli) RootCommand(v Version) *cobra.Command {
	root := &cobra.Command{
		Use:   "sessionguard",
		Short: "Session and offline-resilient form submission client",
		Long: `sessionguard keeps an authenticated session alive, refreshes tokens before
they expire and queues form submissions while the network is unavailable.

Configuration is read from SESSIONGUARD_* environment variables; flags override them.`,
		Version:       fmt.Sprintf("%s (built %s, commit %s)", v.Version, v.BuildDate, v.GitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd.Context())
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.flags.serverURL, "server", "", "server URL (overrides SESSIONGUARD_SERVER_URL)")
	pf.StringVar(&c.flags.dbPath, "db", "", "path to local database (overrides SESSIONGUARD_DB_PATH)")
	pf.StringVar(&c.flags.logLevel, "log-level", "", "log level: DEBUG, INFO, WARN, ERROR")

	root.AddCommand(
		c.registerCommand(),
		c.loginCommand(),
		c.logoutCommand(),
		c.statusCommand(),
		c.submitCommand(),
		c.queueCommand(),
		c.watchCommand(),
	)

	return root
}

// setup загружает конфиг, применяет флаги и собирает App
func (c *Cli) setup(ctx context.Context) error {
	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}

	if c.flags.serverURL != "" {
		cfg.ServerURL = c.flags.serverURL
	}
	if c.flags.dbPath != "" {
		cfg.DBPath = c.flags.dbPath
	}
	if c.flags.logLevel != "" {
		cfg.LogLevel = c.flags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	// Логи в stderr, чтобы не смешивать их с выводом команд
	c.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	c.cfg = cfg

	a, err := app.New(ctx, cfg, c.logger, c.appOpts...)
	if err != nil {
		return err
	}
	c.app = a

	return nil
}

// Close releases the App. Cobra skips post-run hooks after a failed command,
// so the caller closes explicitly.
func (c *Cli) Close() error {
	if c.app == nil {
		return nil
	}
	err := c.app.Close()
	c.app = nil
	return err
}

// start запускает фоновые сервисы; первый замер сети выполняется синхронно
func (c *Cli) start(ctx context.Context) error {
	return c.app.Start(ctx)
}

// getPassword retrieves the password with priority:
// 1. SESSIONGUARD_PASSWORD environment variable
// 2. --password-file
// 3. --password
// 4. Interactive prompt (fallback)
func (c *Cli) getPassword(passwords Passwords, prompt string) (string, error) {
	if envPassword := os.Getenv(PasswordEnv); envPassword != "" {
		return envPassword, nil
	}

	if passwords.FromFile != "" {
		content, err := os.ReadFile(passwords.FromFile)
		if err != nil {
			return "", fmt.Errorf("failed to read password file: %w", err)
		}
		// Убираем trailing newline/whitespace
		password := strings.TrimSpace(string(content))
		if password == "" {
			return "", errors.New("password file is empty")
		}
		return password, nil
	}

	if passwords.FromArgs != "" {
		return passwords.FromArgs, nil
	}

	password, err := c.io.ReadPassword(prompt)
	if err != nil {
		return "", fmt.Errorf("failed to read password from stdin: %w", err)
	}
	if password == "" {
		return "", errors.New("password cannot be empty")
	}

	return password, nil
}

func addPasswordFlags(cmd *cobra.Command, p *Passwords) {
	cmd.Flags().StringVar(&p.FromArgs, "password", "", "password (not recommended, use "+PasswordEnv+" or --password-file)")
	cmd.Flags().StringVar(&p.FromFile, "password-file", "", "path to file containing the password")
}

func formatRemaining(d time.Duration) string {
	if d <= 0 {
		return "expired"
	}
	return d.Round(time.Second).String()
}
