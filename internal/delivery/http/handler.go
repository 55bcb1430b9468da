// Local JSON surface for the settings UI: GET /status , POST /provision/invite , GET /events
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	httpSwagger "github.com/swaggo/http-swagger"

	"signage-agent/internal/core/status"
)

// Core is the slice of the agent the UI surface drives.
type Core interface {
	MarkHandshake()
}

// Provisioner accepts the manually entered invite code.
type Provisioner interface {
	ProvisionWithInviteCode(ctx context.Context, code string) error
}

type Handler struct {
	core  Core
	prov  Provisioner
	board *status.Board
	hub   *Hub
	lg    zerolog.Logger
}

// inviteRequest defines the shape of the request body for invite provisioning.
type inviteRequest struct {
	Code string `json:"code" example:"A1B2C3"`
}

var upgrader = websocket.Upgrader{
	// the surface binds to loopback; the UI iframe has no fixed origin
	CheckOrigin: func(*http.Request) bool { return true },
}

func New(core Core, prov Provisioner, board *status.Board, hub *Hub, lg zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	h := &Handler{core: core, prov: prov, board: board, hub: hub, lg: lg}

	// --- API Routes ---
	r.Get("/status", h.handleStatus)
	r.Post("/provision/invite", h.handleInvite)
	r.Post("/handshake", h.handleHandshake)
	r.Get("/events", h.handleEvents)

	// --- Swagger Docs Route ---
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/docs/index.html", http.StatusMovedPermanently)
	})
	r.Get("/docs/*", httpSwagger.WrapHandler)

	return r
}

// handleStatus reports the provisioning tracks and connectivity flags.
// @Summary      Agent status
// @Description  Returns the four provisioning tracks plus connectivity booleans.
// @Tags         status
// @Produce      json
// @Success      200  {object}  status.Snapshot
// @Router       /status [get]
func (h *Handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.board.Snapshot())
}

// handleInvite starts invite-code provisioning.
// @Summary      Provision with invite code
// @Description  Starts manual provisioning keyed by the 6-character invite code.
// @Tags         provisioning
// @Accept       json
// @Produce      json
// @Param        invite  body      inviteRequest  true  "Invite code"
// @Success      202     {object}  status.Snapshot
// @Failure      400     {string}  string "Bad Request"
// @Router       /provision/invite [post]
func (h *Handler) handleInvite(w http.ResponseWriter, r *http.Request) {
	var req inviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Code) != 6 {
		http.Error(w, "body must be {\"code\":\"<6 chars>\"}", http.StatusBadRequest)
		return
	}
	go func() {
		if err := h.prov.ProvisionWithInviteCode(context.Background(), req.Code); err != nil {
			h.lg.Error().Err(err).Msg("invite provisioning")
		}
	}()
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, h.board.Snapshot())
}

// handleHandshake records the content surface's boot handshake.
// @Summary      Content-surface handshake
// @Tags         status
// @Success      204  {string}  string "No Content"
// @Router       /handshake [post]
func (h *Handler) handleHandshake(w http.ResponseWriter, _ *http.Request) {
	h.core.MarkHandshake()
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents upgrades to a websocket carrying the broadcast stream.
// @Summary      Event stream
// @Description  WebSocket; every message is {"type": ..., ...payload}.
// @Tags         status
// @Router       /events [get]
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.lg.Error().Err(err).Msg("websocket upgrade")
		return
	}
	h.hub.add(c)
	go func() {
		defer h.hub.remove(c)
		for {
			// inbound frames are only keepalives; drop the conn on error
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
