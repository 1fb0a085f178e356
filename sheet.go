package dramanotify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// RowsFetcher fetches all rows of a user's worksheet as ordered records.
// Tests substitute a fake to avoid real network access.
type RowsFetcher interface {
	FetchRows(ctx context.Context, cfg *UserConfig) ([]EpisodeRecord, error)
}

type googleServices struct {
	sheets *sheets.Service
	drive  *drive.Service
}

// SheetsReader reads worksheets through the Google Sheets API, resolving
// spreadsheets by title through the Drive API the way gspread does. Services
// are cached per service account file, since users may override credentials.
type SheetsReader struct {
	baseOpts []option.ClientOption

	mu       sync.Mutex
	services map[string]*googleServices
}

// NewSheetsReader creates a reader. opts apply to every user; a user's
// service_account_file appends option.WithCredentialsFile for that user only.
func NewSheetsReader(opts ...option.ClientOption) *SheetsReader {
	return &SheetsReader{
		baseOpts: opts,
		services: make(map[string]*googleServices),
	}
}

func (r *SheetsReader) servicesFor(ctx context.Context, credentialsFile string) (*googleServices, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if svc, ok := r.services[credentialsFile]; ok {
		return svc, nil
	}
	opts := append([]option.ClientOption{}, r.baseOpts...)
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	sheetsSvc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create Google Sheets Service: %w", err)
	}
	driveSvc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create Google Drive Service: %w", err)
	}
	svc := &googleServices{sheets: sheetsSvc, drive: driveSvc}
	r.services[credentialsFile] = svc
	return svc, nil
}

func (r *SheetsReader) FetchRows(ctx context.Context, cfg *UserConfig) ([]EpisodeRecord, error) {
	svc, err := r.servicesFor(ctx, cfg.ServiceAccountFile)
	if err != nil {
		return nil, err
	}
	spreadsheetID, err := r.resolveSpreadsheetID(ctx, svc, cfg)
	if err != nil {
		return nil, err
	}
	worksheet, err := r.resolveWorksheet(ctx, svc, spreadsheetID, cfg.WorksheetTitle)
	if err != nil {
		return nil, err
	}
	valueRange, err := svc.sheets.Spreadsheets.Values.Get(spreadsheetID, quoteRange(worksheet)).
		ValueRenderOption("FORMATTED_VALUE").
		Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("sheets API values:get `%s`: %w", worksheet, err)
	}
	if len(valueRange.Values) == 0 {
		return nil, fmt.Errorf("worksheet `%s` is empty", worksheet)
	}
	values := Map(valueRange.Values, func(row []interface{}) []string {
		return Map(row, func(cell interface{}) string {
			return fmt.Sprint(cell)
		})
	})
	records := ParseRecords(values)
	slog.InfoContext(ctx, "fetched worksheet",
		"spreadsheet_id", spreadsheetID,
		"worksheet", worksheet,
		"rows", len(records),
	)
	return records, nil
}

// resolveSpreadsheetID prefers an explicit spreadsheet_id and otherwise looks
// the title up in Drive, requiring the sheet to be shared with the service
// account.
func (r *SheetsReader) resolveSpreadsheetID(ctx context.Context, svc *googleServices, cfg *UserConfig) (string, error) {
	if cfg.SpreadsheetID != "" {
		return cfg.SpreadsheetID, nil
	}
	query := fmt.Sprintf(
		"name = '%s' and mimeType = 'application/vnd.google-apps.spreadsheet' and trashed = false",
		strings.ReplaceAll(cfg.SheetTitle, `'`, `\'`),
	)
	list, err := svc.drive.Files.List().
		Q(query).
		Fields("files(id,name)").
		PageSize(2).
		Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("drive API files:list `%s`: %w", cfg.SheetTitle, err)
	}
	if len(list.Files) == 0 {
		return "", fmt.Errorf("spreadsheet `%s` not found: share it with the service account client_email", cfg.SheetTitle)
	}
	if len(list.Files) > 1 {
		slog.WarnContext(ctx, "multiple spreadsheets match title, using first",
			"sheet_title", cfg.SheetTitle, "spreadsheet_id", list.Files[0].Id)
	}
	return list.Files[0].Id, nil
}

// resolveWorksheet falls back to the first worksheet with a warning when the
// configured title does not exist.
func (r *SheetsReader) resolveWorksheet(ctx context.Context, svc *googleServices, spreadsheetID, worksheetTitle string) (string, error) {
	spreadsheet, err := svc.sheets.Spreadsheets.Get(spreadsheetID).
		Fields("sheets(properties(title,index))").
		Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("sheets API spreadsheets:get `%s`: %w", spreadsheetID, err)
	}
	if len(spreadsheet.Sheets) == 0 {
		return "", fmt.Errorf("spreadsheet `%s` has no worksheets", spreadsheetID)
	}
	for _, sheet := range spreadsheet.Sheets {
		if sheet.Properties != nil && sheet.Properties.Title == worksheetTitle {
			return worksheetTitle, nil
		}
	}
	first := spreadsheet.Sheets[0].Properties.Title
	slog.WarnContext(ctx, "worksheet not found, using first worksheet",
		"worksheet_title", worksheetTitle, "fallback", first)
	return first, nil
}

// quoteRange quotes a worksheet title as an A1 range covering the sheet.
func quoteRange(worksheet string) string {
	return "'" + strings.ReplaceAll(worksheet, "'", "''") + "'"
}
