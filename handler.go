package dramanotify

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

func (app *App) setupRoute() {
	app.router.HandleFunc("/health", app.handleHealth).Methods(http.MethodGet)
	app.router.HandleFunc("/run", app.handleRun).Methods(http.MethodPost)
}

func (app *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	app.router.ServeHTTP(w, r)
}

func (app *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
	})
}

func (app *App) handleRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := app.RunAll(ctx); err != nil {
		slog.ErrorContext(ctx, "triggered run failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "triggered",
	})
}
