// Package gateway is the local control surface: a small HTTP API over the
// consensus registry, a PAC file so browsers route .paper hosts here, and a
// control websocket that a connected client serves proxied page requests
// through. No UI is rendered; everything answers JSON or plain text.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/xtoazt/paper-sub000/pkg/bus"
	"github.com/xtoazt/paper-sub000/pkg/consensus"
	"github.com/xtoazt/paper-sub000/pkg/discovery"
	"github.com/xtoazt/paper-sub000/pkg/pkarr"
	"github.com/xtoazt/paper-sub000/pkg/resolve"
	"github.com/xtoazt/paper-sub000/pkg/tunnel"
	"github.com/xtoazt/paper-sub000/pkg/types"
)

const version = "0.1.0"

// Config wires a Server. Registry is required; the rest enrich /api/status
// and the proxy surface when present.
type Config struct {
	Addr     string
	Registry *consensus.Registry
	Tunnels  *tunnel.Pool
	Bridge   *bus.Bridge
	Peers    *discovery.Registry
	Logger   *logrus.Logger
}

type Server struct {
	cfg Config
	log *logrus.Entry
	srv *http.Server

	control *controlChannel
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	s := &Server{
		cfg:     cfg,
		log:     cfg.Logger.WithField("component", "gateway"),
		control: newControlChannel(cfg.Logger),
	}

	router := mux.NewRouter()
	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/resolve", s.handleResolve).Methods(http.MethodGet)
	api.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/update", s.handleUpdate).Methods(http.MethodPost)
	api.HandleFunc("/tunnel/send", s.handleTunnelSend).Methods(http.MethodPost)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	router.HandleFunc("/proxy.pac", s.handlePAC).Methods(http.MethodGet)
	router.HandleFunc("/_paper_control", s.control.handleWS)
	if cfg.Bridge != nil {
		router.Handle("/_paper_bus", cfg.Bridge.Handler())
	}
	router.PathPrefix("/").HandlerFunc(s.handleProxy)

	router.Use(corsMiddleware)

	s.srv = &http.Server{
		Addr:    cfg.Addr,
		Handler: router,
	}
	return s
}

// Start serves until Shutdown; it blocks the way http.ListenAndServe does.
func (s *Server) Start() error {
	s.log.Infof("gateway listening on %s", s.cfg.Addr)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.control.close()
	return s.srv.Shutdown(ctx)
}

// Handler exposes the routes for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

type registerRequest struct {
	Name    string `json:"name"`
	Content string `json:"content"`
	Kind    string `json:"kind"`
}

type updateRequest struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type tunnelSendRequest struct {
	Payload string `json:"payload"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		httpError(w, http.StatusBadRequest, "name parameter required")
		return
	}

	result, err := s.cfg.Registry.ResolveGlobal(r.Context(), name)
	switch {
	case errors.Is(err, consensus.ErrNotFound), errors.Is(err, pkarr.ErrNotFound):
		httpError(w, http.StatusNotFound, "name not found")
		return
	case errors.Is(err, resolve.ErrInvalidName):
		httpError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"record":       result.WinningRecord,
		"agreementPct": result.AgreementPct,
		"candidates":   len(result.CandidateRecords),
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	kind := types.RecordKind(req.Kind)
	if kind == "" {
		kind = types.KindStatic
	}

	rec, err := s.cfg.Registry.RegisterGlobal(r.Context(), req.Name, req.Content, kind)
	switch {
	case errors.Is(err, resolve.ErrInvalidName):
		httpError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"record": rec})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	rec, err := s.cfg.Registry.UpdateGlobal(r.Context(), req.Name, req.Content)
	switch {
	case errors.Is(err, resolve.ErrInvalidName), errors.Is(err, resolve.ErrNotOwner):
		httpError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"record": rec})
}

func (s *Server) handleTunnelSend(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Tunnels == nil {
		httpError(w, http.StatusServiceUnavailable, "tunneling not enabled")
		return
	}

	var req tunnelSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	reply, err := s.cfg.Tunnels.Send(r.Context(), []byte(req.Payload))
	switch {
	case errors.Is(err, tunnel.ErrNoTunnel):
		httpError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		httpError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"reply": string(reply)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"version":          version,
		"records":          s.cfg.Registry.RecordCount(),
		"controlConnected": s.control.connected(),
	}
	if s.cfg.Tunnels != nil {
		status["tunnels"] = s.cfg.Tunnels.ConnectedCount()
	}
	if s.cfg.Bridge != nil {
		status["busPeers"] = s.cfg.Bridge.PeerCount()
	}
	if s.cfg.Peers != nil {
		status["knownPeers"] = s.cfg.Peers.Count()
	}
	writeJSON(w, http.StatusOK, status)
}

// handlePAC serves the proxy auto-config that routes *.paper hosts through
// this gateway and everything else direct.
func (s *Server) handlePAC(w http.ResponseWriter, r *http.Request) {
	pac := fmt.Sprintf(`function FindProxyForURL(url, host) {
    if (dnsDomainIs(host, ".%s") || shExpMatch(host, "*.%s")) {
        return "PROXY %s";
    }
    return "DIRECT";
}
`, pkarr.TLD, pkarr.TLD, s.cfg.Addr)

	w.Header().Set("Content-Type", "application/x-ns-proxy-autoconfig")
	w.Write([]byte(pac))
}

// handleProxy forwards page requests for .paper hosts through the control
// channel. Without a connected control client nothing can serve content, so
// the answer is 503 rather than a hang.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	if !s.control.connected() {
		if r.URL.Path == "/" {
			w.Write([]byte("paper gateway running; no control client connected\n"))
			return
		}
		httpError(w, http.StatusServiceUnavailable, "no control client connected")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	reply, err := s.control.forward(ctx, r)
	if err != nil {
		httpError(w, http.StatusGatewayTimeout, err.Error())
		return
	}

	for k, v := range reply.Headers {
		w.Header().Set(k, v)
	}
	if reply.Status == 0 {
		reply.Status = http.StatusOK
	}
	w.WriteHeader(reply.Status)
	w.Write([]byte(reply.Body))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
