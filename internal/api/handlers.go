package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/manpreetbhatti/lattice/relay/internal/db"
	"github.com/manpreetbhatti/lattice/relay/internal/ws"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const statsTimeout = 2 * time.Second

// Catalog lists and manages stored snapshots. Only the SQLite store
// provides one.
type Catalog interface {
	ListDocuments(ctx context.Context, limit, offset int) ([]string, error)
	GetSnapshot(ctx context.Context, documentID string) (*db.Snapshot, error)
	DeleteSnapshot(ctx context.Context, documentID string) error
}

type API struct {
	hub     *ws.Hub
	catalog Catalog
	log     *zap.Logger
}

// New creates the HTTP handlers. catalog may be nil.
func New(hub *ws.Hub, catalog Catalog, log *zap.Logger) *API {
	if log == nil {
		log = zap.NewNop()
	}
	return &API{
		hub:     hub,
		catalog: catalog,
		log:     log,
	}
}

// NewRouter mounts the websocket endpoint, the JSON API and the metrics
// endpoint behind the CORS middleware.
func NewRouter(a *API) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/ws", func(w http.ResponseWriter, req *http.Request) {
		ws.ServeWs(a.hub, w, req)
	}).Methods(http.MethodGet)

	r.HandleFunc("/health", a.HealthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	apiRouter := r.PathPrefix("/api").Subrouter()
	apiRouter.HandleFunc("/stats", a.StatsHandler).Methods(http.MethodGet)
	apiRouter.HandleFunc("/rooms", a.ListRoomsHandler).Methods(http.MethodGet)
	apiRouter.HandleFunc("/rooms/{id}", a.GetRoomHandler).Methods(http.MethodGet)
	apiRouter.HandleFunc("/documents", a.ListDocumentsHandler).Methods(http.MethodGet)
	apiRouter.HandleFunc("/documents/{id}", a.GetDocumentHandler).Methods(http.MethodGet)
	apiRouter.HandleFunc("/documents/{id}", a.DeleteDocumentHandler).Methods(http.MethodDelete)

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		errorResponse(w, http.StatusNotFound, "Not found")
	})

	return corsMiddleware(r)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.log.Warn("Error encoding JSON response", zap.Error(err))
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if a.hub.Draining() {
		status, code = "draining", http.StatusServiceUnavailable
	}
	a.jsonResponse(w, code, map[string]interface{}{
		"status":            status,
		"activeRooms":       a.hub.GetRoomCount(),
		"activeConnections": a.hub.GetClientCount(),
		"timestamp":         timestamp(),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_rooms":   a.hub.GetRoomCount(),
		"active_clients": a.hub.GetClientCount(),
		"timestamp":      timestamp(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), statsTimeout)
	defer cancel()
	storeStats, err := a.hub.Stats(ctx)
	if err != nil {
		a.log.Warn("Failed to read store stats", zap.Error(err))
	} else if storeStats != nil {
		stats["store"] = storeStats
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type RoomResponse struct {
	ID          string `json:"id"`
	ActiveUsers int    `json:"active_users"`
	TextLength  int    `json:"text_length"`
	Dirty       bool   `json:"dirty"`
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	active := a.hub.GetActiveRooms()

	ids := make([]string, 0, len(active))
	for id := range active {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	response := make([]RoomResponse, 0, len(ids))
	for _, id := range ids {
		response = append(response, RoomResponse{ID: id, ActiveUsers: active[id]})
	}

	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"rooms": response,
		"total": len(response),
	})
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]

	room, ok := a.hub.Room(roomID)
	if !ok {
		errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}

	a.jsonResponse(w, http.StatusOK, RoomResponse{
		ID:          room.ID(),
		ActiveUsers: room.MemberCount(),
		TextLength:  len([]rune(room.Text())),
		Dirty:       room.Dirty(),
	})
}

// Document handlers

type DocumentResponse struct {
	ID        string    `json:"id"`
	Bytes     int       `json:"bytes"`
	SaveCount int       `json:"save_count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Active    bool      `json:"active"`
}

func (a *API) requireCatalog(w http.ResponseWriter) bool {
	if a.catalog == nil {
		errorResponse(w, http.StatusNotImplemented, "Snapshot store does not support listing")
		return false
	}
	return true
}

func (a *API) ListDocumentsHandler(w http.ResponseWriter, r *http.Request) {
	if !a.requireCatalog(w) {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	ids, err := a.catalog.ListDocuments(r.Context(), limit, offset)
	if err != nil {
		a.log.Error("Failed to list documents", zap.Error(err))
		errorResponse(w, http.StatusInternalServerError, "Failed to list documents")
		return
	}
	if ids == nil {
		ids = []string{}
	}

	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"documents": ids,
		"limit":     limit,
		"offset":    offset,
	})
}

func (a *API) GetDocumentHandler(w http.ResponseWriter, r *http.Request) {
	if !a.requireCatalog(w) {
		return
	}
	documentID := mux.Vars(r)["id"]

	snap, err := a.catalog.GetSnapshot(r.Context(), documentID)
	if err != nil {
		a.log.Error("Failed to get document", zap.String("room", documentID), zap.Error(err))
		errorResponse(w, http.StatusInternalServerError, "Failed to get document")
		return
	}
	if snap == nil {
		errorResponse(w, http.StatusNotFound, "Document not found")
		return
	}

	_, active := a.hub.Room(documentID)
	a.jsonResponse(w, http.StatusOK, DocumentResponse{
		ID:        snap.DocumentID,
		Bytes:     len(snap.Data),
		SaveCount: snap.SaveCount,
		CreatedAt: snap.CreatedAt,
		UpdatedAt: snap.UpdatedAt,
		Active:    active,
	})
}

// DeleteDocumentHandler removes a stored snapshot. Documents with an open
// room are refused since the room would save itself again on close.
func (a *API) DeleteDocumentHandler(w http.ResponseWriter, r *http.Request) {
	if !a.requireCatalog(w) {
		return
	}
	documentID := mux.Vars(r)["id"]

	if _, active := a.hub.Room(documentID); active {
		errorResponse(w, http.StatusConflict, "Document has active connections")
		return
	}

	if err := a.catalog.DeleteSnapshot(r.Context(), documentID); err != nil {
		a.log.Error("Failed to delete document", zap.String("room", documentID), zap.Error(err))
		errorResponse(w, http.StatusInternalServerError, "Failed to delete document")
		return
	}

	a.log.Info("Deleted document snapshot", zap.String("room", documentID))
	a.jsonResponse(w, http.StatusOK, map[string]string{"message": "Document deleted"})
}
