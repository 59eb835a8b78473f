package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/vadiminshakov/execguard/internal/domain"
	"github.com/vadiminshakov/execguard/internal/events"
	"go.uber.org/zap"
)

const (
	journalPollInterval = 2 * time.Second
	heartbeatInterval   = 30 * time.Second
	defaultRecent       = 100
	maxRecent           = 1000
)

type journalReader interface {
	EventsAfter(index uint64) ([]events.Record, error)
	Recent(n int) ([]events.Record, error)
}

type liveFeed interface {
	Subscribe() chan domain.LogEvent
	Unsubscribe(ch chan domain.LogEvent)
}

// StatusFunc builds the status document. probe asks for live connectivity checks.
type StatusFunc func(ctx context.Context, probe bool) any

// Server exposes the status document, metrics and structured log events over HTTP.
type Server struct {
	Addr    string
	Status  StatusFunc
	Journal journalReader
	Live    liveFeed
	Metrics http.Handler
	Logger  *zap.Logger
}

// NewServer creates a new web server instance. Nil dependencies answer 503.
func NewServer(addr string, status StatusFunc, journal journalReader, live liveFeed, metrics http.Handler, l *zap.Logger) *Server {
	if l == nil {
		l = zap.NewNop()
	}
	return &Server{
		Addr:    addr,
		Status:  status,
		Journal: journal,
		Live:    live,
		Metrics: metrics,
		Logger:  l.With(zap.String("component", "web")),
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/events/recent", s.handleRecent)
	mux.HandleFunc("/events/stream", s.handleJournalStream)
	mux.HandleFunc("/events/live", s.handleLiveStream)
	if s.Metrics != nil {
		mux.Handle("/metrics", s.Metrics)
	}
	return mux
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.Logger.Info("http server listening", zap.String("addr", s.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.Status == nil {
		http.Error(w, "status not available", http.StatusServiceUnavailable)
		return
	}
	probe, _ := strconv.ParseBool(r.URL.Query().Get("probe"))
	s.writeJSON(w, s.Status(r.Context(), probe))
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	if s.Journal == nil {
		http.Error(w, "event journal not available", http.StatusServiceUnavailable)
		return
	}
	n := defaultRecent
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			http.Error(w, "n must be a positive integer", http.StatusBadRequest)
			return
		}
		n = min(parsed, maxRecent)
	}

	records, err := s.Journal.Recent(n)
	if err != nil {
		s.Logger.Error("read recent events", zap.Error(err))
		http.Error(w, "failed to load events", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, records)
}

// handleJournalStream replays the journal after ?after= and then polls it.
func (s *Server) handleJournalStream(w http.ResponseWriter, r *http.Request) {
	if s.Journal == nil {
		http.Error(w, "event journal not available", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var lastIndex uint64
	if v := r.URL.Query().Get("after"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "after must be an index", http.StatusBadRequest)
			return
		}
		lastIndex = parsed
	}

	sendEvents := func() error {
		records, err := s.Journal.EventsAfter(lastIndex)
		if err != nil {
			return err
		}
		for _, record := range records {
			if err := writeSSE(w, record.Index, record.Event); err != nil {
				return err
			}
			lastIndex = record.Index
		}
		if len(records) > 0 {
			flusher.Flush()
		}
		return nil
	}

	streamHeaders(w)
	if err := sendEvents(); err != nil {
		s.Logger.Error("event stream initial load", zap.Error(err))
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	pollTicker := time.NewTicker(journalPollInterval)
	defer pollTicker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case <-pollTicker.C:
			if err := sendEvents(); err != nil {
				s.Logger.Warn("event stream poll", zap.Error(err))
			}
		}
	}
}

// handleLiveStream pushes events as they are published. Slow readers lose events.
func (s *Server) handleLiveStream(w http.ResponseWriter, r *http.Request) {
	if s.Live == nil {
		http.Error(w, "live feed not available", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := s.Live.Subscribe()
	defer s.Live.Unsubscribe(ch)

	streamHeaders(w)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := writeSSE(w, 0, event); err != nil {
				s.Logger.Warn("live stream write", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Warn("write response", zap.Error(err))
	}
}

func streamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func writeSSE(w http.ResponseWriter, index uint64, event domain.LogEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if index > 0 {
		fmt.Fprintf(w, "id: %d\n", index)
	}
	fmt.Fprintf(w, "event: %s\n", event.EventType)
	fmt.Fprintf(w, "data: %s\n\n", payload)
	return nil
}
