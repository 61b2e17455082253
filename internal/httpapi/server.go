// Package httpapi is the daemon's HTTP surface: member state ingest, group
// state readout, and group commands.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/fand/internal/eventbus"
	"github.com/dokzlo13/fand/internal/fan"
	"github.com/dokzlo13/fand/internal/group"
	"github.com/dokzlo13/fand/internal/statestore"
)

// Server is an HTTP server exposing members and groups.
type Server struct {
	addr       string
	store      statestore.Store
	bus        *eventbus.Bus
	groups     *group.Registry
	httpServer *http.Server
}

// NewServer creates a new API server.
func NewServer(host string, port int, store statestore.Store, bus *eventbus.Bus, groups *group.Registry) *Server {
	return &Server{
		addr:   fmt.Sprintf("%s:%d", host, port),
		store:  store,
		bus:    bus,
		groups: groups,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /members/{id}", s.handleMemberUpdate)
	mux.HandleFunc("GET /members/{id}", s.handleMemberGet)
	mux.HandleFunc("GET /groups", s.handleGroupList)
	mux.HandleFunc("GET /groups/{name}", s.handleGroupGet)
	mux.HandleFunc("POST /groups/{name}/{service}", s.handleGroupCommand)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// Run starts the server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	log.Info().Str("addr", s.addr).Msg("Starting API server")

	// Handle graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("API server shutdown error")
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

// memberUpdate is the ingest payload for one member state report.
type memberUpdate struct {
	Status     string         `json:"status"`
	Attributes map[string]any `json:"attributes"`
}

// handleMemberUpdate stores a reported member state and publishes the
// change so watching groups refresh.
func (s *Server) handleMemberUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !strings.HasPrefix(id, fan.Domain+".") {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("member id must be in the %s domain", fan.Domain))
		return
	}

	var update memberUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if update.Status == "" {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}

	var old *fan.MemberState
	prev, ok, err := s.store.Get(id)
	switch {
	case err != nil:
		// The update still proceeds; the event just loses its old snapshot.
		log.Error().Err(err).Str("member_id", id).Msg("Failed to read previous member state")
	case ok:
		old = &prev
	}

	state := fan.MemberState{
		ID:         id,
		Status:     fan.Status(update.Status),
		Attributes: update.Attributes,
	}
	if err := s.store.Set(state); err != nil {
		log.Error().Err(err).Str("member_id", id).Msg("Failed to store member state")
		writeError(w, http.StatusInternalServerError, "failed to store state")
		return
	}

	eventID := uuid.NewString()
	log.Debug().
		Str("member_id", id).
		Str("status", update.Status).
		Str("event_id", eventID).
		Msg("Member state reported")

	s.bus.Publish(eventbus.Change{MemberID: id, Old: old, New: &state})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "event_id": eventID})
}

func (s *Server) handleMemberGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	state, ok, err := s.store.Get(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read state")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "unknown member")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// groupView is the JSON shape of a group's exposed properties. Unset
// optional fields are omitted rather than carrying a sentinel.
type groupView struct {
	Name              string   `json:"name"`
	IsOn              bool     `json:"is_on"`
	Available         bool     `json:"available"`
	Speed             *string  `json:"speed,omitempty"`
	SpeedList         []string `json:"speed_list,omitempty"`
	Direction         *string  `json:"direction,omitempty"`
	Oscillating       *bool    `json:"oscillating,omitempty"`
	SupportedFeatures uint32   `json:"supported_features"`
	EntityID          []string `json:"entity_id"`
}

func viewOf(g *group.Group) groupView {
	state := g.State()
	return groupView{
		Name:              g.Name(),
		IsOn:              state.IsOn,
		Available:         state.Available,
		Speed:             state.Speed,
		SpeedList:         state.SpeedList,
		Direction:         state.Direction,
		Oscillating:       state.Oscillating,
		SupportedFeatures: state.SupportedFeatures,
		EntityID:          g.MemberIDs(),
	}
}

func (s *Server) handleGroupList(w http.ResponseWriter, r *http.Request) {
	groups := s.groups.All()
	views := make([]groupView, 0, len(groups))
	for _, g := range groups {
		views = append(views, viewOf(g))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGroupGet(w http.ResponseWriter, r *http.Request) {
	g, ok := s.groups.Get(r.PathValue("name"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown group")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(g))
}

// commandParams is the body of a group command request.
type commandParams struct {
	Speed       string `json:"speed"`
	Direction   string `json:"direction"`
	Oscillating *bool  `json:"oscillating"`
}

// handleGroupCommand invokes a fan service on a group. The dispatch blocks;
// a failed fan-out maps to 502 since the failure comes from the devices.
func (s *Server) handleGroupCommand(w http.ResponseWriter, r *http.Request) {
	g, ok := s.groups.Get(r.PathValue("name"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown group")
		return
	}

	var params commandParams
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	var err error
	switch service := r.PathValue("service"); service {
	case fan.ServiceTurnOn:
		err = g.TurnOn(r.Context(), params.Speed)
	case fan.ServiceTurnOff:
		err = g.TurnOff(r.Context())
	case fan.ServiceSetSpeed:
		if params.Speed == "" {
			writeError(w, http.StatusBadRequest, "speed is required")
			return
		}
		err = g.SetSpeed(r.Context(), params.Speed)
	case fan.ServiceSetDirection:
		if params.Direction == "" {
			writeError(w, http.StatusBadRequest, "direction is required")
			return
		}
		err = g.SetDirection(r.Context(), params.Direction)
	case fan.ServiceOscillate:
		if params.Oscillating == nil {
			writeError(w, http.StatusBadRequest, "oscillating is required")
			return
		}
		err = g.Oscillate(r.Context(), *params.Oscillating)
	default:
		writeError(w, http.StatusNotFound, "unknown service")
		return
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		log.Warn().Err(err).Str("group", g.Name()).Msg("Group command failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
