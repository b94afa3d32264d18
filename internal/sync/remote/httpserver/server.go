// Package httpserver is an in-memory sync server speaking the push
// protocol of the remote package. It backs local development and the
// HTTP client tests.
package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/sync/remote"
)

type ctxKey string

const ctxDeviceID ctxKey = "device"

// Record is the server side state of one entity.
type Record struct {
	ID         string          `json:"id"`
	EntityType string          `json:"entity_type"`
	Data       json.RawMessage `json:"data"`
	DeviceID   string          `json:"device_id"`
	// Version is the client version last accepted from DeviceID.
	Version  int  `json:"version"`
	Revision int  `json:"revision"`
	Deleted  bool `json:"deleted"`
}

// Server stores pushed entities in memory. A push from a device other than
// the last writer is accepted only when it names the current revision as
// its base; otherwise it is answered with 409.
type Server struct {
	secret string

	mu      sync.Mutex
	records map[string]*Record
	pushes  int
}

// New creates a server. An empty secret disables authentication.
func New(secret string) *Server {
	return &Server{secret: secret, records: make(map[string]*Record)}
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Head("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post(remote.PushPath, s.push)
		r.Get("/v1/sync/entities/{id}", s.get)
	})
	return r
}

// authenticate validates the device bearer token.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		device := r.Header.Get("X-Device-ID")

		if s.secret != "" {
			tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || tok == "" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			claims := jwt.MapClaims{}
			t, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(s.secret), nil
			}, jwt.WithAudience(remote.DefaultAudience))
			if err != nil || !t.Valid {
				logging.Warn("device token rejected", map[string]interface{}{"error": errString(err)})
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if sub, _ := claims.GetSubject(); sub != "" {
				device = sub
			}
		}

		if device == "" {
			http.Error(w, "missing device id", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), ctxDeviceID, device)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) push(w http.ResponseWriter, r *http.Request) {
	device, _ := r.Context().Value(ctxDeviceID).(string)

	var req remote.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid push request"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushes++

	rec, ok := s.records[req.ID]
	switch {
	case !ok:
		rec = &Record{ID: req.ID}
		s.records[req.ID] = rec

	case rec.Deleted && req.BaseVersion != strconv.Itoa(rec.Revision):
		writeJSON(w, http.StatusConflict, conflictOf(rec, models.ConflictTypeDeletion))
		return

	case rec.Deleted:
		// the client has seen the deletion and writes the entity back

	case rec.DeviceID == device:
		// replayed or older push from the last writer
		if req.Version <= rec.Version {
			writeJSON(w, http.StatusOK, ackOf(rec))
			return
		}

	case req.BaseVersion != strconv.Itoa(rec.Revision):
		writeJSON(w, http.StatusConflict, conflictOf(rec, models.ConflictTypeConcurrentEdit))
		return
	}

	rec.EntityType = req.EntityType
	rec.Data = req.Data
	rec.DeviceID = device
	rec.Version = req.Version
	rec.Deleted = false
	rec.Revision++

	logging.Debug("entity accepted", map[string]interface{}{
		"entity_id": rec.ID,
		"device_id": device,
		"revision":  rec.Revision,
	})
	writeJSON(w, http.StatusOK, ackOf(rec))
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := s.Record(id)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Record returns a copy of the stored record for id.
func (s *Server) Record(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Put stores a record as written by device, as if another client pushed it.
func (s *Server) Put(id, device string, data json.RawMessage) Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		rec = &Record{ID: id}
		s.records[id] = rec
	}
	rec.Data = data
	rec.DeviceID = device
	rec.Deleted = false
	rec.Revision++
	return *rec
}

// Tombstone marks id as deleted on the server.
func (s *Server) Tombstone(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[id]; ok {
		rec.Deleted = true
		rec.Revision++
	}
}

// Pushes returns the number of push requests served.
func (s *Server) Pushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushes
}

func ackOf(rec *Record) remote.PushResponse {
	return remote.PushResponse{ID: rec.ID, RemoteVersion: strconv.Itoa(rec.Revision)}
}

func conflictOf(rec *Record, t models.ConflictType) remote.ConflictResponse {
	data := rec.Data
	if rec.Deleted {
		data = json.RawMessage("null")
	}
	return remote.ConflictResponse{
		ID:            rec.ID,
		ConflictType:  t,
		Remote:        data,
		RemoteVersion: strconv.Itoa(rec.Revision),
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("failed to encode json response", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
