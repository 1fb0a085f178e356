package dramanotify

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Songmu/flextime"
	"github.com/gorilla/mux"
	"github.com/growdelan/dramanotify/pkg/episodeevent"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

type fakeFetcher struct {
	records map[string][]EpisodeRecord
	errs    map[string]error
}

func (f *fakeFetcher) FetchRows(_ context.Context, cfg *UserConfig) ([]EpisodeRecord, error) {
	if err, ok := f.errs[cfg.StateKey()]; ok {
		return nil, err
	}
	return f.records[cfg.StateKey()], nil
}

type fakeNotification struct {
	sent map[string][][]*episodeevent.Detail
	err  error
}

func (f *fakeNotification) SendEpisodes(_ context.Context, cfg *UserConfig, details []*episodeevent.Detail) error {
	if f.err != nil {
		return f.err
	}
	if f.sent == nil {
		f.sent = make(map[string][][]*episodeevent.Detail)
	}
	f.sent[cfg.StateKey()] = append(f.sent[cfg.StateKey()], details)
	return nil
}

func newTestApp(t *testing.T, users []*UserConfig, fetcher RowsFetcher, notification Notification) *App {
	t.Helper()
	tmpDir := t.TempDir()
	storage, err := NewStorage(context.Background(), StorageOption{
		Type:     "file",
		DataFile: filepath.Join(tmpDir, "dramanotify.dat"),
		LockFile: filepath.Join(tmpDir, "dramanotify.lock"),
	})
	require.NoError(t, err)
	app := &App{
		users:        users,
		storage:      storage,
		notification: notification,
		fetcher:      fetcher,
	}
	return app
}

func restrictAll(t *testing.T, users ...*UserConfig) []*UserConfig {
	t.Helper()
	env, err := NewCELEnv()
	require.NoError(t, err)
	for _, cfg := range users {
		require.NoError(t, cfg.Restrict(env))
	}
	return users
}

func TestRunUserFirstAndIncremental(t *testing.T) {
	users := restrictAll(t, &UserConfig{
		Name:           "alice",
		SheetTitle:     "Dramy",
		WorksheetTitle: "Lista",
		EmailTo:        "alice@example.com",
	})
	fetcher := &fakeFetcher{
		records: map[string][]EpisodeRecord{
			"alice": {
				{Row: 2, Title: "Moving", Episode: "1"},
				{Row: 3, Title: "Moving", Episode: "2"},
			},
		},
	}
	notification := &fakeNotification{}
	app := newTestApp(t, users, fetcher, notification)
	ctx := context.Background()

	require.NoError(t, app.runUser(ctx, users[0]))
	require.Len(t, notification.sent["alice"], 1)
	require.Len(t, notification.sent["alice"][0], 2)

	// nothing new, no notification
	require.NoError(t, app.runUser(ctx, users[0]))
	require.Len(t, notification.sent["alice"], 1)

	// one new row
	fetcher.records["alice"] = append(fetcher.records["alice"], EpisodeRecord{Row: 4, Title: "Moving", Episode: "3"})
	require.NoError(t, app.runUser(ctx, users[0]))
	require.Len(t, notification.sent["alice"], 2)
	require.Len(t, notification.sent["alice"][1], 1)
	require.EqualValues(t, "moving#3", notification.sent["alice"][1][0].Episode.Key)

	state, err := app.storage.Load(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, 3, state.Len())
}

func TestRunUserAlwaysSend(t *testing.T) {
	users := restrictAll(t, &UserConfig{
		Name:           "alice",
		SheetTitle:     "Dramy",
		WorksheetTitle: "Lista",
		EmailTo:        "alice@example.com",
		AlwaysSend:     true,
	})
	fetcher := &fakeFetcher{
		records: map[string][]EpisodeRecord{
			"alice": {{Row: 2, Title: "Moving", Episode: "1"}},
		},
	}
	notification := &fakeNotification{}
	app := newTestApp(t, users, fetcher, notification)
	ctx := context.Background()

	require.NoError(t, app.runUser(ctx, users[0]))
	// nothing new, status notification with no episodes
	require.NoError(t, app.runUser(ctx, users[0]))
	require.Len(t, notification.sent["alice"], 2)
	require.Empty(t, notification.sent["alice"][1])
}

func TestRunUserDeliveryFailureAdvancesState(t *testing.T) {
	users := restrictAll(t, &UserConfig{
		Name:           "alice",
		SheetTitle:     "Dramy",
		WorksheetTitle: "Lista",
		EmailTo:        "alice@example.com",
	})
	fetcher := &fakeFetcher{
		records: map[string][]EpisodeRecord{
			"alice": {{Row: 2, Title: "Moving", Episode: "1"}},
		},
	}
	notification := &fakeNotification{err: errors.New("smtp: connection refused")}
	app := newTestApp(t, users, fetcher, notification)
	ctx := context.Background()

	err := app.runUser(ctx, users[0])
	var deliveryErr *DeliveryError
	require.ErrorAs(t, err, &deliveryErr)
	require.EqualValues(t, "alice", deliveryErr.User)

	state, err := app.storage.Load(ctx, "alice")
	require.NoError(t, err)
	require.True(t, state.Has("moving#1"))
}

func TestRunUserAccessFailure(t *testing.T) {
	users := restrictAll(t, &UserConfig{
		Name:           "alice",
		SheetTitle:     "Dramy",
		WorksheetTitle: "Lista",
		EmailTo:        "alice@example.com",
	})
	fetcher := &fakeFetcher{
		errs: map[string]error{
			"alice": errors.New("googleapi: Error 403: The caller does not have permission"),
		},
	}
	notification := &fakeNotification{}
	app := newTestApp(t, users, fetcher, notification)
	ctx := context.Background()

	err := app.runUser(ctx, users[0])
	var accessErr *AccessError
	require.ErrorAs(t, err, &accessErr)
	require.Empty(t, notification.sent)

	state, err := app.storage.Load(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, 0, state.Len(), "state must not advance on access failure")
}

func TestRunUserFilter(t *testing.T) {
	users := restrictAll(t, &UserConfig{
		Name:           "alice",
		SheetTitle:     "Dramy",
		WorksheetTitle: "Lista",
		EmailTo:        "alice@example.com",
		Filter:         `episode.title != "Skip"`,
	})
	fetcher := &fakeFetcher{
		records: map[string][]EpisodeRecord{
			"alice": {
				{Row: 2, Title: "Moving", Episode: "1"},
				{Row: 3, Title: "Skip", Episode: "1"},
			},
		},
	}
	notification := &fakeNotification{}
	app := newTestApp(t, users, fetcher, notification)
	ctx := context.Background()

	require.NoError(t, app.runUser(ctx, users[0]))
	require.Len(t, notification.sent["alice"], 1)
	require.Len(t, notification.sent["alice"][0], 1)
	require.EqualValues(t, "moving#1", notification.sent["alice"][0][0].Episode.Key)

	state, err := app.storage.Load(ctx, "alice")
	require.NoError(t, err)
	require.True(t, state.Has("moving#1"))
	require.False(t, state.Has("skip#1"), "filtered rows must stay unseen")
}

func TestRunAllIsolatesUsers(t *testing.T) {
	users := restrictAll(t,
		&UserConfig{
			Name:           "alice",
			SheetTitle:     "Dramy",
			WorksheetTitle: "Lista",
			EmailTo:        "alice@example.com",
		},
		&UserConfig{
			Name:           "bob",
			SheetTitle:     "Dramy",
			WorksheetTitle: "Lista",
			EmailTo:        "bob@example.com",
		},
	)
	fetcher := &fakeFetcher{
		records: map[string][]EpisodeRecord{
			"bob": {{Row: 2, Title: "Moving", Episode: "1"}},
		},
		errs: map[string]error{
			"alice": errors.New("googleapi: Error 403: The caller does not have permission"),
		},
	}
	notification := &fakeNotification{}
	app := newTestApp(t, users, fetcher, notification)

	require.NoError(t, app.RunAll(context.Background()))
	require.Len(t, notification.sent["bob"], 1)
}

func TestAppRunE2E(t *testing.T) {
	restore := flextime.Set(time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC))
	defer restore()
	stubServer, stub := NewStubGoogle(t)
	defer stubServer.Close()
	stub.SetWorksheet("Dramy", "sheet-1", "Lista", [][]interface{}{
		{"Tytuł", "Odcinek", "Link"},
		{"Queen of Tears", "1", "https://example.com/qt/1"},
		{"Moving", "7", ""},
	})

	tmpDir := t.TempDir()
	ctx := context.Background()
	storage, err := NewStorage(ctx, StorageOption{
		Type:     "file",
		DataFile: filepath.Join(tmpDir, "dramanotify.dat"),
		LockFile: filepath.Join(tmpDir, "dramanotify.lock"),
	})
	require.NoError(t, err)
	eventFile := filepath.Join(tmpDir, "dramanotify.json")
	notification, err := NewNotification(ctx, NotificationOption{
		Type:      "file",
		EventFile: eventFile,
	})
	require.NoError(t, err)
	users := restrictAll(t, &UserConfig{
		Name:           "alice",
		SheetTitle:     "Dramy",
		WorksheetTitle: "Lista",
		EmailTo:        "alice@example.com",
	})
	app, err := New(AppOption{}, users, storage, notification,
		option.WithoutAuthentication(), option.WithEndpoint(stubServer.URL))
	require.NoError(t, err)
	defer app.Close()

	require.NoError(t, app.RunAll(ctx))
	require.EqualValues(t, []string{"queen of tears#1", "moving#7"}, readEventKeys(t, eventFile))

	// a new row arrives, only that row is notified
	stub.AppendRow("sheet-1", "Lista", []interface{}{"Queen of Tears", "2", "https://example.com/qt/2"})
	require.NoError(t, app.RunAll(ctx))
	require.EqualValues(t, []string{"queen of tears#1", "moving#7", "queen of tears#2"}, readEventKeys(t, eventFile))

	state, err := storage.Load(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, 3, state.Len())
}

func readEventKeys(t *testing.T, eventFile string) []string {
	t.Helper()
	fp, err := os.Open(eventFile)
	require.NoError(t, err)
	defer fp.Close()
	var keys []string
	scanner := bufio.NewScanner(fp)
	for scanner.Scan() {
		var d episodeevent.Detail
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &d))
		keys = append(keys, d.Episode.Key)
	}
	require.NoError(t, scanner.Err())
	return keys
}

func TestAppHandler(t *testing.T) {
	users := restrictAll(t, &UserConfig{
		Name:           "alice",
		SheetTitle:     "Dramy",
		WorksheetTitle: "Lista",
		EmailTo:        "alice@example.com",
	})
	fetcher := &fakeFetcher{
		records: map[string][]EpisodeRecord{
			"alice": {{Row: 2, Title: "Moving", Episode: "1"}},
		},
	}
	notification := &fakeNotification{}
	app := newTestApp(t, users, fetcher, notification)
	app.router = mux.NewRouter()
	app.setupRoute()

	rr := httptest.NewRecorder()
	app.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.EqualValues(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	app.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/run", bytes.NewBufferString(`{}`)))
	require.EqualValues(t, http.StatusOK, rr.Code)
	require.Len(t, notification.sent["alice"], 1)

	// run is POST only
	rr = httptest.NewRecorder()
	app.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/run", nil))
	require.EqualValues(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestAppListAndReset(t *testing.T) {
	users := restrictAll(t, &UserConfig{
		Name:           "alice",
		SheetTitle:     "Dramy",
		WorksheetTitle: "Lista",
		EmailTo:        "alice@example.com",
	})
	fetcher := &fakeFetcher{
		records: map[string][]EpisodeRecord{
			"alice": {{Row: 2, Title: "Moving", Episode: "1"}},
		},
	}
	app := newTestApp(t, users, fetcher, &fakeNotification{})
	ctx := context.Background()
	require.NoError(t, app.runUser(ctx, users[0]))

	var buf bytes.Buffer
	require.NoError(t, app.List(ctx, ListOption{Output: &buf}))
	require.Contains(t, buf.String(), "alice")
	require.Contains(t, buf.String(), "alice@example.com")

	buf.Reset()
	require.NoError(t, app.List(ctx, ListOption{Output: &buf, State: "alice"}))
	require.Contains(t, buf.String(), "moving#1")

	require.NoError(t, app.Reset(ctx, ResetOption{User: "alice"}))
	err := app.Reset(ctx, ResetOption{User: "alice"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no seen state")
}
