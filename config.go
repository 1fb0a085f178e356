package dramanotify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-yaml"
)

// UserConfig is one user's spreadsheet and notification settings.
// Immutable once loaded.
type UserConfig struct {
	Name               string `yaml:"name,omitempty" json:"name,omitempty"`
	SheetTitle         string `yaml:"sheet_title" json:"sheet_title"`
	SpreadsheetID      string `yaml:"spreadsheet_id,omitempty" json:"spreadsheet_id,omitempty"`
	WorksheetTitle     string `yaml:"worksheet_title" json:"worksheet_title"`
	EmailTo            string `yaml:"email_to" json:"email_to"`
	ServiceAccountFile string `yaml:"service_account_file,omitempty" json:"service_account_file,omitempty"`
	AlwaysSend         bool   `yaml:"always_send,omitempty" json:"always_send,omitempty"`
	Filter             string `yaml:"filter,omitempty" json:"filter,omitempty"`

	filterExpr *CompiledExpression
}

// Restrict restricts a configuration.
func (cfg *UserConfig) Restrict(env *CELEnv) error {
	if cfg.SheetTitle == "" && cfg.SpreadsheetID == "" {
		return errors.New("sheet_title or spreadsheet_id is required")
	}
	if cfg.EmailTo == "" {
		return errors.New("email_to is required")
	}
	if cfg.Filter != "" {
		expr, err := env.Compile(cfg.Filter)
		if err != nil {
			return fmt.Errorf("filter: %w", err)
		}
		cfg.filterExpr = expr
	}
	return nil
}

// StateKey identifies this user in the SeenState store. Name wins when set;
// otherwise the sheet coordinates and recipient identify the user, so two
// users may watch the same sheet for different recipients.
func (cfg *UserConfig) StateKey() string {
	if cfg.Name != "" {
		return cfg.Name
	}
	sheet := cfg.SheetTitle
	if sheet == "" {
		sheet = cfg.SpreadsheetID
	}
	return strings.Join([]string{sheet, cfg.WorksheetTitle, cfg.EmailTo}, "/")
}

// FilterExpr returns the compiled row filter, or nil when none is configured.
func (cfg *UserConfig) FilterExpr() *CompiledExpression {
	return cfg.filterExpr
}

// LoadUserConfigs loads the ordered user list. With an empty path, exactly
// one UserConfig is built from the scalar environment variables (single-user
// mode). The path may be a local file, an http(s) URL, or an s3:// URI, and
// the content a JSON or YAML array of user objects.
func LoadUserConfigs(ctx context.Context, path string, env *CELEnv) ([]*UserConfig, error) {
	var users []*UserConfig
	if path == "" {
		cfg, err := userConfigFromEnv()
		if err != nil {
			return nil, &ConfigurationError{Err: err}
		}
		users = []*UserConfig{cfg}
	} else {
		content, err := fetchConfig(ctx, path)
		if err != nil {
			return nil, &ConfigurationError{Err: fmt.Errorf("%s fetch failed: %w", path, err)}
		}
		if err := yaml.Unmarshal(content, &users); err != nil {
			return nil, &ConfigurationError{Err: fmt.Errorf("%s parse failed: %w", path, err)}
		}
		if len(users) == 0 {
			return nil, &ConfigurationError{Err: fmt.Errorf("%s contains no users", path)}
		}
	}
	seen := make(map[string]struct{}, len(users))
	for i, cfg := range users {
		if err := cfg.Restrict(env); err != nil {
			return nil, &ConfigurationError{Err: fmt.Errorf("users[%d]: %w", i, err)}
		}
		key := cfg.StateKey()
		if _, ok := seen[key]; ok {
			return nil, &ConfigurationError{Err: fmt.Errorf("users[%d]: duplicate state key `%s`", i, key)}
		}
		seen[key] = struct{}{}
	}
	return users, nil
}

// userConfigFromEnv builds the single-user fallback configuration. The
// variable names match the original cron deployment, not the DRAMANOTIFY_
// prefix convention.
func userConfigFromEnv() (*UserConfig, error) {
	cfg := &UserConfig{
		SheetTitle:         os.Getenv("SHEET_TITLE"),
		WorksheetTitle:     os.Getenv("WORKSHEET_TITLE"),
		EmailTo:            os.Getenv("EMAIL_TO"),
		ServiceAccountFile: os.Getenv("GSPREAD_SERVICE_ACCOUNT_FILE"),
		AlwaysSend:         envBool("ALWAYS_SEND"),
	}
	missing := make([]string, 0, 3)
	if cfg.SheetTitle == "" {
		missing = append(missing, "SHEET_TITLE")
	}
	if cfg.WorksheetTitle == "" {
		missing = append(missing, "WORKSHEET_TITLE")
	}
	if cfg.EmailTo == "" {
		missing = append(missing, "EMAIL_TO")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("no user configuration file and required environment variables missing: %s", strings.Join(missing, ", "))
	}
	return cfg, nil
}

func envBool(name string) bool {
	switch strings.ToLower(os.Getenv(name)) {
	case "1", "true", "yes", "tak":
		return true
	}
	return false
}

func fetchConfig(ctx context.Context, path string) ([]byte, error) {
	u, err := url.Parse(path)
	if err != nil {
		return os.ReadFile(path)
	}
	switch u.Scheme {
	case "http", "https":
		return fetchConfigFromHTTP(ctx, u)
	case "s3":
		return fetchConfigFromS3(ctx, u)
	case "file", "":
		return os.ReadFile(u.Path)
	default:
		return nil, fmt.Errorf("scheme %s is not supported", u.Scheme)
	}
}

func fetchConfigFromHTTP(ctx context.Context, u *url.URL) ([]byte, error) {
	slog.InfoContext(ctx, "fetching user configuration", "url", u.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch failed: HTTP %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func fetchConfigFromS3(ctx context.Context, u *url.URL) ([]byte, error) {
	slog.InfoContext(ctx, "fetching user configuration", "url", u.String())
	awsCfg, err := loadAWSConfig(ctx)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg)
	output, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.Host),
		Key:    aws.String(strings.TrimLeft(u.Path, "/")),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch from S3: %w", err)
	}
	defer output.Body.Close()
	return io.ReadAll(output.Body)
}
