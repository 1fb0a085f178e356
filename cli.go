package dramanotify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"
	"github.com/mashiike/gcreds4aws"
	"github.com/mashiike/slogutils"
)

// CLI is the command-line interface for dramanotify.
//
// Use the Run method to execute the CLI:
//
//	var cli dramanotify.CLI
//	ctx := context.Background()
//	exitCode := cli.Run(ctx)
//
// Available commands:
//   - run: Poll the spreadsheets once and notify new episodes (default)
//   - list: List configured users and their seen state
//   - reset: Delete one user's seen state
//   - serve: Start the manual trigger server
//   - validate: Validate a configuration file
type CLI struct {
	LogLevel     string             `help:"log level" default:"info" env:"DRAMANOTIFY_LOG_LEVEL"`
	LogFormat    string             `help:"log format" default:"text" enum:"text,json" env:"DRAMANOTIFY_LOG_FORMAT"`
	LogColor     bool               `help:"enable color output" default:"true" env:"DRAMANOTIFY_LOG_COLOR" negatable:""`
	Version      kong.VersionFlag   `help:"show version"`
	Config       string             `help:"path or URL of the users configuration file" env:"DRAMANOTIFY_CONFIG"`
	Storage      StorageOption      `embed:"" prefix:"storage-"`
	Notification NotificationOption `embed:"" prefix:"notification-"`
	AppOption    `embed:""`

	RunCmd   RunOption      `cmd:"" name:"run" help:"poll the spreadsheets once and notify new episodes" default:"true"`
	List     ListOption     `cmd:"" help:"list configured users and their seen state"`
	Reset    ResetOption    `cmd:"" help:"delete one user's seen state"`
	Serve    ServeOption    `cmd:"" help:"serve the manual trigger endpoint"`
	Validate ValidateOption `cmd:"" help:"validate a configuration file"`
}

// ValidateOption contains options for the validate command.
type ValidateOption struct {
	Config string `arg:"" name:"config-file" optional:"" help:"path or URL of the users configuration file (overrides --config)"`
}

// Run parses command-line arguments and executes the appropriate command.
// Returns 0 on success, 1 on error.
func (c *CLI) Run(ctx context.Context) int {
	k := kong.Parse(c,
		kong.Name("dramanotify"),
		kong.Description("dramanotify watches Google Sheets for new drama episodes and notifies by email."),
		kong.UsageOnError(),
		kong.Vars{"version": Version},
	)
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(c.LogLevel)); err != nil {
		k.Fatalf("invalid log level: %s", c.LogLevel)
	}
	logger := newLogger(logLevel, c.LogFormat, c.LogColor)
	slog.SetDefault(logger)
	if err := c.run(ctx, k); err != nil {
		slog.Error("runtime error", "details", err)
		return 1
	}
	return 0
}

func (c *CLI) run(ctx context.Context, k *kong.Context) error {
	cmd := k.Command()
	if cmd == "version" {
		fmt.Printf("dramanotify version %s\n", Version)
		return nil
	}
	// validate command doesn't need App initialization
	if cmd == "validate" || cmd == "validate <config-file>" {
		return c.runValidate(ctx)
	}
	app, err := c.newApp(ctx)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			slog.WarnContext(ctx, "app cleanup error", "details", err)
		}
	}()
	switch cmd {
	case "run", "":
		return app.Run(ctx, c.RunCmd)
	case "list":
		return app.List(ctx, c.List)
	case "reset <user-key>":
		return app.Reset(ctx, c.Reset)
	case "serve":
		return app.Serve(ctx, c.Serve)
	default:
		return fmt.Errorf("unknown command: %s", k.Command())
	}
}

func (c *CLI) runValidate(ctx context.Context) error {
	configPath := c.Validate.Config
	if configPath == "" {
		configPath = c.Config
	}
	env, err := NewCELEnv()
	if err != nil {
		return fmt.Errorf("create CEL environment: %w", err)
	}
	slog.InfoContext(ctx, "validating users configuration", "path", configPath)
	users, err := LoadUserConfigs(ctx, configPath, env)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	for i, cfg := range users {
		slog.InfoContext(ctx, "user validated",
			"index", i,
			"user", cfg.StateKey(),
			"sheet", coalesce(cfg.SheetTitle, cfg.SpreadsheetID),
			"email_to", cfg.EmailTo,
			"has_filter", cfg.FilterExpr() != nil,
		)
	}
	fmt.Println("✓ Configuration is valid")
	return nil
}

func (c *CLI) newApp(ctx context.Context) (*App, error) {
	env, err := NewCELEnv()
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	users, err := LoadUserConfigs(ctx, c.Config, env)
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	storage, err := NewStorage(ctx, c.Storage)
	if err != nil {
		return nil, fmt.Errorf("create Storage: %w", err)
	}
	notification, err := NewNotification(ctx, c.Notification)
	if err != nil {
		return nil, fmt.Errorf("create Notification: %w", err)
	}
	app, err := New(c.AppOption, users, storage, notification, gcreds4aws.WithCredentials(ctx))
	if err != nil {
		return nil, err
	}
	app.AddCleanup(gcreds4aws.Close)
	return app, nil
}

func newLogger(level slog.Level, format string, c bool) *slog.Logger {
	var f func(io.Writer, *slog.HandlerOptions) slog.Handler
	switch format {
	case "json":
		f = func(w io.Writer, ho *slog.HandlerOptions) slog.Handler {
			return slog.NewJSONHandler(w, ho)
		}
	default:
		f = func(w io.Writer, ho *slog.HandlerOptions) slog.Handler {
			return slog.NewTextHandler(w, ho)
		}
	}
	var modifierFuncs map[slog.Level]slogutils.ModifierFunc
	if c {
		modifierFuncs = map[slog.Level]slogutils.ModifierFunc{
			slog.LevelDebug: slogutils.Color(color.FgBlack),
			slog.LevelInfo:  nil,
			slog.LevelWarn:  slogutils.Color(color.FgYellow),
			slog.LevelError: slogutils.Color(color.FgRed, color.Bold),
		}
	}
	var addSource bool
	if level == slog.LevelDebug {
		addSource = true
	}
	middleware := slogutils.NewMiddleware(
		f,
		slogutils.MiddlewareOptions{
			Writer:        os.Stderr,
			ModifierFuncs: modifierFuncs,
			HandlerOptions: &slog.HandlerOptions{
				Level:     level,
				AddSource: addSource,
			},
			RecordTransformerFuncs: []slogutils.RecordTransformerFunc{
				slogutils.ConvertLegacyLevel(
					map[string]slog.Level{
						"debug": slog.LevelDebug,
						"info":  slog.LevelInfo,
						"warn":  slog.LevelWarn,
						"error": slog.LevelError,
					},
					true,
				),
			},
		},
	)
	logger := slog.New(middleware)
	return logger
}
