package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/assign"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/room"
	"github.com/example/ride-dispatch/internal/snapshot"
	"github.com/example/ride-dispatch/internal/storage"
)

// Server exposes the dispatch core to the (external) UI layer. Callers
// arrive pre-authenticated; identity comes from the X-Caller-ID and
// X-Caller-Role headers set by the gateway in front of us.
type Server struct {
	Registry *registry.Registry
	Coord    *assign.Coordinator
	Broker   *room.Broker
	Payments *payments.StripeClient

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(logger *slog.Logger, reg *registry.Registry, coord *assign.Coordinator, broker *room.Broker, stripeClient *payments.StripeClient) *Server {
	s := &Server{
		Registry: reg,
		Coord:    coord,
		Broker:   broker,
		Payments: stripeClient,
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

// NewServerFromEnv wires the whole core from config: postgres or
// memory ride store, optional redis snapshot mirror, optional kafka
// position ingest, stripe settlement when a key is configured.
func NewServerFromEnv(cfg config.ServerConfig, logger *slog.Logger) (*Server, error) {
	var store storage.RideStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
	}

	reg := registry.New(store, fare.Config{BaseFare: cfg.BaseFare, PerKmRate: cfg.PerKmRate}, logger)

	var snapStore *snapshot.Store
	var snap room.SnapshotSource
	if cfg.RedisAddr != "" {
		snapStore = snapshot.New(cfg.RedisAddr, cfg.RedisPassword)
		snap = snapStore
	}
	var producer room.Producer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	broker := room.NewBroker(reg, snap, producer, logger)
	broker.StaleAfter = cfg.RoomStaleAfter
	broker.GracePeriod = cfg.RoomGracePeriod

	coord := assign.NewCoordinator(reg, logger)

	notifier := notify.New(broker, logger)
	if snapStore != nil {
		notifier.Snapshot = snapStore
	}
	reg.Subscribe(notifier.HandleTransition)

	var stripeClient *payments.StripeClient
	if os.Getenv("STRIPE_API_KEY") != "" {
		stripeClient = payments.NewStripeClient()
		settler := payments.NewSettler(stripeClient, reg, logger)
		reg.Subscribe(settler.HandleTransition)
	}

	return NewServer(logger, reg, coord, broker, stripeClient), nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides", s.handleCreateRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/requested", s.handleRequestedRides).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/history", s.handleRideHistory).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}", s.handleGetRide).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/accept", s.handleAcceptRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/reject", s.handleRejectRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/status", s.handleUpdateStatus).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/cancel", s.handleCancelRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/payments/intent", s.handleCreateIntent).Methods("POST")
	s.mux.HandleFunc("/ws/rides/{ride_id}", s.handleRoomWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createRideRequest struct {
	Pickup      models.Coord       `json:"pickup"`
	Destination models.Coord       `json:"destination"`
	Payment     models.PaymentInfo `json:"payment"`
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	callerID, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	var req createRideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ride, err := s.Registry.Create(r.Context(), callerID, req.Pickup, req.Destination, req.Payment)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"ride_id": ride.ID,
		"price":   ride.Price,
		"status":  ride.Status,
	})
}

func (s *Server) handleRequestedRides(w http.ResponseWriter, r *http.Request) {
	callerID, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	rides, err := s.Coord.Feed(r.Context(), callerID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"rides": rides})
}

func (s *Server) handleRideHistory(w http.ResponseWriter, r *http.Request) {
	callerID, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	rides, err := s.Registry.History(r.Context(), callerID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"rides": rides})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireCaller(w, r); !ok {
		return
	}
	ride, err := s.Registry.Get(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ride)
}

type acceptRideRequest struct {
	Position models.Position `json:"position"`
}

func (s *Server) handleAcceptRide(w http.ResponseWriter, r *http.Request) {
	callerID, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	var req acceptRideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Position.Timestamp.IsZero() {
		req.Position.Timestamp = time.Now()
	}
	ride, err := s.Coord.Accept(r.Context(), mux.Vars(r)["ride_id"], callerID, req.Position)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleRejectRide(w http.ResponseWriter, r *http.Request) {
	callerID, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	s.Coord.Reject(mux.Vars(r)["ride_id"], callerID)
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type updateStatusRequest struct {
	Status models.Status `json:"status"`
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	callerID, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ride, err := s.Coord.UpdateStatus(r.Context(), mux.Vars(r)["ride_id"], callerID, req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	callerID, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	if _, err := s.Registry.Cancel(r.Context(), mux.Vars(r)["ride_id"], callerID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type createIntentRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func (s *Server) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireCaller(w, r); !ok {
		return
	}
	if s.Payments == nil {
		http.Error(w, "payments not configured", http.StatusServiceUnavailable)
		return
	}
	var req createIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Amount <= 0 {
		http.Error(w, "amount must be > 0", http.StatusBadRequest)
		return
	}
	if req.Currency == "" {
		req.Currency = "bdt"
	}
	id, secret, err := s.Payments.CreateIntent(r.Context(), req.Amount, req.Currency)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"payment_intent_id": id,
		"client_secret":     secret,
	})
}

// requireCaller enforces the pre-authenticated identity contract.
func (s *Server) requireCaller(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get("X-Caller-ID")
	if id == "" {
		http.Error(w, "missing caller identity", http.StatusUnauthorized)
		return "", false
	}
	return id, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, models.ErrAlreadyAssigned):
		status = http.StatusConflict
	case errors.Is(err, models.ErrInvalidTransition):
		status = http.StatusUnprocessableEntity
	default:
		s.logger.Error("internal error", "path", r.URL.Path, "error", err)
	}
	s.writeJSON(w, status, map[string]any{"error": err.Error()})
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
