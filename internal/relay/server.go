package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sourcebridge/sourcebridge/internal/config"
)

// maxInboundBody bounds a single POST batch.
const maxInboundBody = 1 << 20

type pollResponse struct {
	Chat          []ChatMessage `json:"chat"`
	RCON          []string      `json:"rcon"`
	InitInfoDirty bool          `json:"init-info-dirty"`
}

var pollSentinel = []byte(`{"status":"none"}` + "\n")

// Server is the HTTP face of the relay. Game-server plugins long-poll it for
// outbound chat and console commands, POST their own event batches, and fetch
// the cached info payload on demand. It implements server.Service.
type Server struct {
	cfg      config.RelayConfig
	exchange *Exchange
	avatars  AvatarResolver
	logger   *zap.Logger

	httpServer *http.Server

	lanOnce sync.Once
	lanAddr string
}

// NewServer creates a relay Server around the given exchange.
//
// Precondition: exchange, avatars and logger are non-nil.
func NewServer(cfg config.RelayConfig, exchange *Exchange, avatars AvatarResolver, logger *zap.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		exchange: exchange,
		avatars:  avatars,
		logger:   logger,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	s.httpServer = &http.Server{
		Addr:    cfg.Addr(),
		Handler: mux,
		// Long-poll responses must be able to outlive the poll timeout.
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.PollTimeout + 30*time.Second,
	}
	return s
}

// Start serves HTTP until Stop is called. Blocks.
func (s *Server) Start() error {
	s.logger.Info("relay listening", zap.String("addr", s.cfg.Addr()))
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("relay server: %w", err)
	}
	return nil
}

// Stop shuts the HTTP server down, releasing any suspended long-polls.
func (s *Server) Stop() {
	if err := s.httpServer.Close(); err != nil {
		s.logger.Warn("relay shutdown", zap.Error(err))
	}
}

// Exchange returns the tenant registry this server fronts.
func (s *Server) Exchange() *Exchange {
	return s.exchange
}

// lanIP returns the host's outward-facing address, used to rewrite loopback
// client addresses so a plugin on the same machine still keys to the constr
// the bridge registered for it.
func (s *Server) lanIP() string {
	s.lanOnce.Do(func() {
		s.lanAddr = "127.0.0.1"
		conn, err := net.Dial("udp", "8.8.8.8:80")
		if err != nil {
			s.logger.Warn("lan address discovery failed", zap.Error(err))
			return
		}
		defer conn.Close()
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			s.lanAddr = addr.IP.String()
		}
	})
	return s.lanAddr
}

// conStrFor derives the tenant key for a request from the client address and
// the declared Source-Port header.
func (s *Server) conStrFor(r *http.Request) (string, error) {
	port := r.Header.Get("Source-Port")
	if port == "" {
		return "", errors.New("missing Source-Port header")
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "", fmt.Errorf("parsing remote address: %w", err)
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		host = s.lanIP()
	}
	return net.JoinHostPort(host, port), nil
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	logger := s.logger.With(
		zap.String("request_id", uuid.NewString()),
		zap.String("method", r.Method),
		zap.String("remote", r.RemoteAddr),
	)

	constr, err := s.conStrFor(r)
	if err != nil {
		logger.Debug("rejecting request", zap.Error(err))
		writeStatus(w, http.StatusBadRequest, "bad request")
		return
	}
	logger = logger.With(zap.String("constr", constr))

	if !s.exchange.IsConStrAdded(constr) {
		logger.Debug("unregistered tenant")
		writeStatus(w, http.StatusForbidden, "forbidden")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handlePoll(w, r, constr, logger)
	case http.MethodPost:
		s.handleIngest(w, r, constr, logger)
	case http.MethodPatch:
		s.handleInfoFetch(w, constr, logger)
	default:
		writeStatus(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handlePoll drains outbound events for the tenant, suspending up to the
// configured poll timeout when nothing is queued.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request, constr string, logger *zap.Logger) {
	batch, dirty, ok, err := s.exchange.WaitOutbound(r.Context(), constr, s.cfg.PollTimeout)
	if err != nil {
		if errors.Is(err, ErrUnknownConStr) {
			logger.Debug("tenant removed during poll")
			writeStatus(w, http.StatusForbidden, "forbidden")
			return
		}
		// Client went away; nothing to write.
		logger.Debug("poll cancelled", zap.Error(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.Write(pollSentinel)
		return
	}

	resp := pollResponse{Chat: batch.Chat, RCON: batch.RCON, InitInfoDirty: dirty}
	if resp.Chat == nil {
		resp.Chat = []ChatMessage{}
	}
	if resp.RCON == nil {
		resp.RCON = []string{}
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Warn("writing poll response", zap.Error(err))
		return
	}
	logger.Debug("delivered outbound batch",
		zap.Int("chat", len(resp.Chat)),
		zap.Int("rcon", len(resp.RCON)),
		zap.Bool("dirty", dirty),
	)
}

// handleIngest validates and applies a batch of tagged inbound records.
// The batch is all-or-nothing: one malformed record rejects the request and
// nothing is enqueued.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request, constr string, logger *zap.Logger) {
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || !strings.Contains(mt, "json") {
		writeStatus(w, http.StatusBadRequest, "content type must be JSON")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboundBody))
	if err != nil {
		writeStatus(w, http.StatusBadRequest, "bad request")
		return
	}

	events, err := DecodeInbound(body)
	if err != nil {
		logger.Debug("rejecting event batch", zap.Error(err))
		writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}

	for i := range events {
		if events[i].Kind == EventMessage && events[i].Message.Icon == "" {
			events[i].Message.Icon = s.avatars.Resolve(events[i].Message.SteamID)
		}
	}

	if err := s.exchange.PushInbound(constr, events); err != nil {
		writeStatus(w, http.StatusForbidden, "forbidden")
		return
	}
	logger.Debug("accepted event batch", zap.Int("records", len(events)))
	writeStatus(w, http.StatusOK, "ok")
}

// handleInfoFetch serves the cached info payload once per dirty period.
func (s *Server) handleInfoFetch(w http.ResponseWriter, constr string, logger *zap.Logger) {
	payload, dirty, err := s.exchange.ConsumeInitPayload(constr)
	if err != nil {
		writeStatus(w, http.StatusForbidden, "forbidden")
		return
	}
	if !dirty {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := io.WriteString(w, payload); err != nil {
		logger.Warn("writing info payload", zap.Error(err))
	}
	logger.Debug("delivered info payload", zap.Int("bytes", len(payload)))
}

func writeStatus(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": message})
}
