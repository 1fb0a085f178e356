package dramanotify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/fujiwara/ridge"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/olekukonko/tablewriter"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// AppOption contains application-wide options.
type AppOption struct {
	CredentialsFile string `help:"default Google service account credentials file" env:"GSPREAD_SERVICE_ACCOUNT_FILE"`
}

// App coordinates the per-user poll loop: read sheet, diff against seen
// state, notify, persist. Failures are isolated per user.
type App struct {
	users        []*UserConfig
	storage      Storage
	notification Notification
	fetcher      RowsFetcher
	router       *mux.Router
	cleanupFns   []func() error
}

// New creates an App. gcpOpts are passed to the Google API clients; tests
// use option.WithEndpoint and option.WithoutAuthentication to hit a stub.
func New(opt AppOption, users []*UserConfig, storage Storage, notification Notification, gcpOpts ...option.ClientOption) (*App, error) {
	if len(users) == 0 {
		return nil, &ConfigurationError{Err: errors.New("no users configured")}
	}
	gcpOpts = append(gcpOpts, option.WithScopes(
		sheets.SpreadsheetsReadonlyScope,
		drive.DriveMetadataReadonlyScope,
	))
	if opt.CredentialsFile != "" {
		gcpOpts = append(gcpOpts, option.WithCredentialsFile(opt.CredentialsFile))
	}
	app := &App{
		users:        users,
		storage:      storage,
		notification: notification,
		fetcher:      NewSheetsReader(gcpOpts...),
		router:       mux.NewRouter(),
	}
	app.setupRoute()
	return app, nil
}

// AddCleanup registers a function to run on Close.
func (app *App) AddCleanup(fn func() error) {
	app.cleanupFns = append(app.cleanupFns, fn)
}

func (app *App) Close() error {
	eg, ctx := errgroup.WithContext(context.Background())
	for i, cleanup := range app.cleanupFns {
		eg.Go(func() error {
			if err := cleanup(); err != nil {
				slog.DebugContext(ctx, "cleanup error", "index", i, "error", err)
				return err
			}
			return nil
		})
	}
	return eg.Wait()
}

func isLambda() bool {
	if strings.HasPrefix(os.Getenv("AWS_EXECUTION_ENV"), "AWS_Lambda") || os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
		return true
	}
	return false
}

func loadAWSConfig(ctx context.Context) (aws.Config, error) {
	awsOpts := make([]func(*config.LoadOptions) error, 0)
	if region := os.Getenv("AWS_DEFAULT_REGION"); region != "" {
		awsOpts = append(awsOpts, config.WithRegion(region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		return *aws.NewConfig(), err
	}
	return awsCfg, nil
}

// RunOption contains options for the run command.
type RunOption struct {
}

// Run executes one poll over all users. Under AWS Lambda it registers a
// handler instead, so EventBridge Scheduler can drive repeated invocations.
func (app *App) Run(ctx context.Context, _ RunOption) error {
	if isLambda() {
		slog.InfoContext(ctx, "run on lambda")
		lambda.StartWithOptions(func(ctx context.Context) (interface{}, error) {
			if err := app.RunAll(ctx); err != nil {
				slog.ErrorContext(ctx, "failed run", "error", err)
				return nil, err
			}
			return map[string]interface{}{
				"Status": 200,
			}, nil
		}, lambda.WithContext(ctx))
		return nil
	}
	slog.InfoContext(ctx, "run on local")
	return app.RunAll(ctx)
}

// RunAll iterates the configured users in order, isolating failures: a
// failed user is logged and the rest are still processed. It never returns
// a per-user error, so the process exits 0 unless configuration failed.
func (app *App) RunAll(ctx context.Context) error {
	runID := uuid.New().String()
	slog.InfoContext(ctx, "start run", "run_id", runID, "users", len(app.users))
	var failed int
	for _, cfg := range app.users {
		if err := app.runUser(ctx, cfg); err != nil {
			failed++
			slog.ErrorContext(ctx, "user processing failed", "run_id", runID, "user", cfg.StateKey(), "error", err)
		}
	}
	slog.InfoContext(ctx, "finish run", "run_id", runID, "users", len(app.users), "failed", failed)
	return nil
}

// runUser fetches, diffs, notifies, and persists for one user. A delivery
// failure does not prevent the state save: the episodes were observed, and
// re-notifying forever on a broken transport is worse than losing one
// notification.
func (app *App) runUser(ctx context.Context, cfg *UserConfig) error {
	userKey := cfg.StateKey()
	records, err := app.fetcher.FetchRows(ctx, cfg)
	if err != nil {
		return &AccessError{User: userKey, Err: err}
	}
	records = app.filterRecords(ctx, cfg, records)
	state, err := app.storage.Load(ctx, userKey)
	if err != nil {
		return &StorageError{User: userKey, Err: err}
	}
	fresh := Diff(records, state)
	slog.InfoContext(ctx, "diffed worksheet rows",
		"user", userKey,
		"rows", len(records),
		"new", len(fresh),
		"seen", state.Len(),
	)
	var deliveryErr error
	if len(fresh) > 0 || cfg.AlwaysSend {
		if err := app.notification.SendEpisodes(ctx, cfg, ConvertAll(cfg, fresh)); err != nil {
			deliveryErr = &DeliveryError{User: userKey, Err: err}
		}
	} else {
		slog.DebugContext(ctx, "no new episodes, skip notification", "user", userKey)
	}
	state.Union(records)
	if err := app.storage.Save(ctx, state); err != nil {
		saveErr := &StorageError{User: userKey, Err: err}
		slog.WarnContext(ctx, "state save failed, next run may re-notify seen episodes", "user", userKey, "error", err)
		if deliveryErr != nil {
			return errors.Join(deliveryErr, saveErr)
		}
		return saveErr
	}
	return deliveryErr
}

// filterRecords applies the user's CEL filter. A row whose evaluation fails
// is kept: dropping it would silently mark it seen.
func (app *App) filterRecords(ctx context.Context, cfg *UserConfig, records []EpisodeRecord) []EpisodeRecord {
	expr := cfg.FilterExpr()
	if expr == nil {
		return records
	}
	kept := make([]EpisodeRecord, 0, len(records))
	for _, r := range records {
		ok, err := expr.Eval(r)
		if err != nil {
			slog.WarnContext(ctx, "filter evaluation failed, keeping row", "user", cfg.StateKey(), "row", r.Row, "error", err)
			kept = append(kept, r)
			continue
		}
		if ok {
			kept = append(kept, r)
		}
	}
	if len(kept) != len(records) {
		slog.DebugContext(ctx, "filtered rows", "user", cfg.StateKey(), "kept", len(kept), "dropped", len(records)-len(kept))
	}
	return kept
}

// ListOption contains options for the list command.
type ListOption struct {
	Output io.Writer `kong:"-"`
	State  string    `help:"dump seen episode keys for the given user key"`
}

// List prints the configured users with their persisted state, or with
// --state the seen keys of one user.
func (app *App) List(ctx context.Context, opt ListOption) error {
	w := opt.Output
	if w == nil {
		w = os.Stdout
	}
	if opt.State != "" {
		return app.listState(ctx, w, opt.State)
	}
	states, err := app.storage.FindAll(ctx)
	if err != nil {
		return fmt.Errorf("find all states: %w", err)
	}
	statesByKey := make(map[string]*SeenState, len(states))
	for _, state := range states {
		statesByKey[state.UserKey] = state
	}
	table := tablewriter.NewWriter(w)
	table.Header("User Key", "Sheet", "Worksheet", "Email To", "Always Send", "Seen", "Updated At")
	for _, cfg := range app.users {
		seen := "0"
		updatedAt := "-"
		if state, ok := statesByKey[cfg.StateKey()]; ok {
			seen = strconv.Itoa(state.Len())
			updatedAt = state.UpdatedAt.Format(time.RFC3339)
			delete(statesByKey, cfg.StateKey())
		}
		if err := table.Append([]string{
			cfg.StateKey(),
			coalesce(cfg.SheetTitle, cfg.SpreadsheetID),
			coalesce(cfg.WorksheetTitle, "-"),
			cfg.EmailTo,
			strconv.FormatBool(cfg.AlwaysSend),
			seen,
			updatedAt,
		}); err != nil {
			return err
		}
	}
	// stale states without a configured user are still shown
	for _, state := range states {
		if _, ok := statesByKey[state.UserKey]; !ok {
			continue
		}
		if err := table.Append([]string{
			state.UserKey, "-", "-", "-", "-",
			strconv.Itoa(state.Len()),
			state.UpdatedAt.Format(time.RFC3339),
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

func (app *App) listState(ctx context.Context, w io.Writer, userKey string) error {
	state, err := app.storage.Load(ctx, userKey)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	table := tablewriter.NewWriter(w)
	table.Header("Episode Key", "First Seen At")
	for _, key := range state.Keys() {
		if err := table.Append([]string{
			key,
			state.Seen[key].Format(time.RFC3339),
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

// ResetOption contains options for the reset command.
type ResetOption struct {
	User string `arg:"" name:"user-key" help:"user key whose seen state is deleted"`
}

// Reset deletes one user's SeenState, so the next run reports every row as
// new again.
func (app *App) Reset(ctx context.Context, opt ResetOption) error {
	if err := app.storage.Delete(ctx, opt.User); err != nil {
		var notFound *StateNotFound
		if errors.As(err, &notFound) {
			return fmt.Errorf("no seen state for user key `%s`", opt.User)
		}
		return fmt.Errorf("delete state: %w", err)
	}
	slog.InfoContext(ctx, "reset seen state", "user", opt.User)
	return nil
}

// ServeOption contains options for the serve command.
type ServeOption struct {
	Port int `help:"trigger httpd port" default:"25280" env:"DRAMANOTIFY_PORT"`
}

// Serve exposes the manual trigger endpoint, locally or on AWS Lambda
// behind a Function URL (via ridge).
func (app *App) Serve(ctx context.Context, opt ServeOption) error {
	addr := fmt.Sprintf(":%d", opt.Port)
	slog.InfoContext(ctx, "start trigger server", "address", addr)
	ridge.RunWithContext(ctx, addr, "/", app)
	return nil
}
