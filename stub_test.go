package dramanotify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/sheets/v4"
)

// stubGoogle serves the subset of the Drive and Sheets APIs the reader uses:
// files:list for title lookup, spreadsheets:get for worksheet discovery, and
// values:get for row data.
type stubGoogle struct {
	mu         sync.RWMutex
	t          *testing.T
	router     *mux.Router
	ids        map[string]string   // spreadsheet title -> id
	worksheets map[string][]string // spreadsheet id -> worksheet titles
	values     map[string][][]interface{}
	denied     map[string]bool // spreadsheet id -> respond 403
}

func NewStubGoogle(t *testing.T) (*httptest.Server, *stubGoogle) {
	t.Helper()
	stub := &stubGoogle{
		t:          t,
		router:     mux.NewRouter(),
		ids:        make(map[string]string),
		worksheets: make(map[string][]string),
		values:     make(map[string][][]interface{}),
		denied:     make(map[string]bool),
	}
	stub.setupRoute()
	return httptest.NewServer(stub), stub
}

func (h *stubGoogle) setupRoute() {
	h.router.HandleFunc("/files", h.handleFilesList).Methods(http.MethodGet)
	h.router.HandleFunc("/v4/spreadsheets/{spreadsheetId}", h.handleSpreadsheetGet).Methods(http.MethodGet)
	h.router.HandleFunc("/v4/spreadsheets/{spreadsheetId}/values/{range}", h.handleValuesGet).Methods(http.MethodGet)
}

func (h *stubGoogle) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// SetWorksheet registers a spreadsheet title and one worksheet worth of rows,
// header first.
func (h *stubGoogle) SetWorksheet(title, spreadsheetID, worksheet string, values [][]interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ids[title] = spreadsheetID
	found := false
	for _, ws := range h.worksheets[spreadsheetID] {
		if ws == worksheet {
			found = true
			break
		}
	}
	if !found {
		h.worksheets[spreadsheetID] = append(h.worksheets[spreadsheetID], worksheet)
	}
	h.values[spreadsheetID+"/"+worksheet] = values
}

// AppendRow appends one data row to an already registered worksheet.
func (h *stubGoogle) AppendRow(spreadsheetID, worksheet string, row []interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := spreadsheetID + "/" + worksheet
	h.values[key] = append(h.values[key], row)
}

// Deny makes every Sheets API call for the spreadsheet fail with 403.
func (h *stubGoogle) Deny(spreadsheetID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.denied[spreadsheetID] = true
}

var titleQueryPattern = regexp.MustCompile(`name = '(.+?)' and`)

func (h *stubGoogle) handleFilesList(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m := titleQueryPattern.FindStringSubmatch(r.URL.Query().Get("q"))
	if m == nil {
		http.Error(w, "unexpected query", http.StatusBadRequest)
		return
	}
	resp := &drive.FileList{}
	if id, ok := h.ids[m[1]]; ok {
		resp.Files = []*drive.File{
			{Id: id, Name: m[1]},
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	require.NoError(h.t, json.NewEncoder(w).Encode(resp))
}

func (h *stubGoogle) handleSpreadsheetGet(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	id := mux.Vars(r)["spreadsheetId"]
	if h.denied[id] {
		http.Error(w, `{"error":{"code":403,"message":"The caller does not have permission"}}`, http.StatusForbidden)
		return
	}
	worksheets, ok := h.worksheets[id]
	if !ok {
		http.Error(w, `{"error":{"code":404,"message":"Requested entity was not found"}}`, http.StatusNotFound)
		return
	}
	resp := &sheets.Spreadsheet{
		SpreadsheetId: id,
	}
	for i, ws := range worksheets {
		resp.Sheets = append(resp.Sheets, &sheets.Sheet{
			Properties: &sheets.SheetProperties{
				Title: ws,
				Index: int64(i),
			},
		})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	require.NoError(h.t, json.NewEncoder(w).Encode(resp))
}

func (h *stubGoogle) handleValuesGet(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	vars := mux.Vars(r)
	id := vars["spreadsheetId"]
	if h.denied[id] {
		http.Error(w, `{"error":{"code":403,"message":"The caller does not have permission"}}`, http.StatusForbidden)
		return
	}
	worksheet := unquoteRange(vars["range"])
	values, ok := h.values[id+"/"+worksheet]
	if !ok {
		http.Error(w, `{"error":{"code":400,"message":"Unable to parse range"}}`, http.StatusBadRequest)
		return
	}
	resp := &sheets.ValueRange{
		Range:  vars["range"],
		Values: values,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	require.NoError(h.t, json.NewEncoder(w).Encode(resp))
}

func unquoteRange(a1 string) string {
	a1 = strings.TrimPrefix(a1, "'")
	a1 = strings.TrimSuffix(a1, "'")
	return strings.ReplaceAll(a1, "''", "'")
}
