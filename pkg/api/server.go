package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/swapd/pkg/app/swap"
	"github.com/uhyunpark/swapd/pkg/fanout"
	"github.com/uhyunpark/swapd/pkg/order"
	"github.com/uhyunpark/swapd/pkg/storage"
)

// Server handles REST API and WebSocket connections
type Server struct {
	app      *swap.App
	registry *fanout.Registry
	journal  storage.Journal
	log      *zap.SugaredLogger
	router   *mux.Router
	handler  http.Handler
	venues   []string

	httpSrv *http.Server
}

type Options struct {
	CORSOrigins []string
	Journal     storage.Journal // nil disables the submission journal
	Venues      []string        // reported by /health
	Logger      *zap.SugaredLogger
}

// NewServer creates a new API server
func NewServer(app *swap.App, registry *fanout.Registry, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	journal := opts.Journal
	if journal == nil {
		journal = storage.NewNopJournal()
	}

	s := &Server{
		app:      app,
		registry: registry,
		journal:  journal,
		log:      log,
		router:   mux.NewRouter(),
		venues:   opts.Venues,
	}
	s.setupRoutes()

	// CORS configuration
	c := cors.New(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	s.handler = c.Handler(s.router)
	return s
}

func (s *Server) setupRoutes() {
	orders := s.router.PathPrefix("/orders").Subrouter()

	// Registered before /{id} so "ws" is never taken for an order id.
	orders.HandleFunc("/ws", s.handleWebSocket)
	orders.HandleFunc("/execute", s.handleExecuteOrder).Methods("POST")
	orders.HandleFunc("/{id}", s.handleGetOrder).Methods("GET")

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

func (s *Server) Handler() http.Handler { return s.handler }

// Start serves until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Infow("api_server_starting", "addr", addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleExecuteOrder(w http.ResponseWriter, r *http.Request) {
	var req ExecuteOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	id, err := s.app.SubmitOrder(r.Context(), order.Request{
		Type:        order.Type(req.Type),
		Side:        order.Side(req.Side),
		InputToken:  req.InputToken,
		OutputToken: req.OutputToken,
		Amount:      req.Amount,
	})
	if err != nil {
		if swap.IsValidation(err) {
			respondError(w, http.StatusBadRequest, "validation failed", err.Error())
			return
		}
		s.log.Errorw("order_submit_failed", "order_id", id, "err", err)
		respondError(w, http.StatusInternalServerError, "failed to queue order", err.Error())
		return
	}

	if err := s.journal.Append("ORDER_SUBMIT", map[string]any{
		"order_id":     id,
		"type":         req.Type,
		"side":         req.Side,
		"input_token":  req.InputToken,
		"output_token": req.OutputToken,
		"amount":       req.Amount,
	}); err != nil {
		s.log.Warnw("journal_append_failed", "order_id", id, "err", err)
	}

	respondJSON(w, ExecuteOrderResponse{
		Success: true,
		OrderID: id,
		Message: "Order queued",
	})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	o, err := s.app.GetOrder(r.Context(), id)
	if errors.Is(err, order.ErrNotFound) {
		respondError(w, http.StatusNotFound, "order not found", id)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load order", err.Error())
		return
	}
	respondJSON(w, o)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, HealthResponse{
		Status:         "ok",
		Venues:         s.venues,
		ObservedOrders: len(s.registry.Topics()),
	})
}

// ==============================
// Helper Functions
// ==============================

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
