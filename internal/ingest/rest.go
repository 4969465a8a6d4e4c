package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"admitguard/internal/middleware"
	"admitguard/internal/normalize"
)

const maxBodyBytes = 2 << 20

type RESTServer struct {
	intake *Intake
	logger *slog.Logger
}

// NewRESTHandler serves POST /audit/events and GET /health. admission, when
// non-nil, guards the events route only.
func NewRESTHandler(intake *Intake, admission func(http.Handler) http.Handler, logger *slog.Logger) http.Handler {
	s := &RESTServer{intake: intake, logger: logger}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Group(func(r chi.Router) {
		if admission != nil {
			r.Use(admission)
		}
		r.Post("/audit/events", s.handleEvents)
	})
	return r
}

// StartREST serves h on addr until ctx is done.
func StartREST(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) *http.Server {
	if logger != nil {
		logger.Info("rest ingest enabled", "addr", addr)
	}
	httpServer := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if logger != nil {
				logger.Error("rest ingest server error", "err", err)
			}
		}
	}()
	return httpServer
}

type ingestResult struct {
	Accepted int `json:"accepted"`
	Dropped  int `json:"dropped"`
	Failed   int `json:"failed"`
}

func (s *RESTServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	trim := bytes.TrimSpace(body)
	if len(trim) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var list []map[string]any
	if trim[0] == '[' {
		if err := decodeJSON(trim, &list); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	} else {
		var obj map[string]any
		if err := decodeJSON(trim, &obj); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = append(list, obj)
	}

	var res ingestResult
	for _, obj := range list {
		ev, err := normalize.Normalize(*ParseJSONMap(obj))
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("rest normalize error", "err", err)
			}
			res.Failed++
			continue
		}
		if s.intake.Submit(r.Context(), ev, "rest") {
			res.Accepted++
		} else {
			res.Dropped++
		}
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
