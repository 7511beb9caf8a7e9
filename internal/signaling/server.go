package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/tunnelforge/relaycore/internal/auth"
	"github.com/tunnelforge/relaycore/internal/logger"
)

// Server serves the /signal attach endpoint (spec §4.6).
type Server struct {
	Registry  *Registry
	Validator auth.Validator
	Directory auth.Directory
	Log       *slog.Logger
}

// NewServer builds a Server over the given Registry and auth
// collaborators.
func NewServer(registry *Registry, validator auth.Validator, directory auth.Directory, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{Registry: registry, Validator: validator, Directory: directory, Log: log}
}

// ServeHTTP upgrades the request and runs the attach/serve loop for
// one device, per spec §4.6 and §6 (GET /signal?token=...&device_id=...).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := r.URL.Query().Get("token")
	deviceID := r.URL.Query().Get("device_id")
	if token == "" || deviceID == "" {
		http.Error(w, "missing token or device_id", http.StatusBadRequest)
		return
	}

	userID, err := s.Validator.Validate(ctx, token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	owns, err := s.Directory.Owns(ctx, userID, deviceID)
	if err != nil || !owns {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.Log.Warn("signal accept failed", "error", err)
		return
	}
	conn.SetReadLimit(MaxMessageSize + 1024)

	session := s.Registry.Attach(deviceID, userID, conn)
	defer func() {
		s.Registry.Detach(session)
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	log := logger.With(s.Log, "device_id", deviceID, "user_id", userID)
	log.Info("device attached")

	go s.sendLoop(ctx, session, log)

	session.Send <- ConnectedMessage(deviceID)
	s.recvLoop(ctx, session, log)
}

// relayedType maps a request-shaped message to its forwarded
// discriminator, per the signaling message table: connect-request
// forwards as connect-request-received, connect-ack as
// connect-ack-received. Other types (offer/answer/ice-candidate)
// forward unchanged.
func relayedType(typ string) string {
	switch typ {
	case TypeConnectRequest:
		return TypeConnectRequestRecvd
	case TypeConnectAck:
		return TypeConnectAckRecvd
	default:
		return typ
	}
}

func (s *Server) sendLoop(ctx context.Context, session *Session, log *slog.Logger) {
	for {
		select {
		case <-session.done:
			return
		case <-ctx.Done():
			return
		case env, ok := <-session.Send:
			if !ok {
				return
			}
			data, err := json.Marshal(env)
			if err != nil {
				log.Error("marshal signaling envelope", "error", err)
				continue
			}
			if err := session.Conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}

func (s *Server) recvLoop(ctx context.Context, session *Session, log *slog.Logger) {
	for {
		_, raw, err := session.Conn.Read(ctx)
		if err != nil {
			return
		}

		env, err := Validate(raw)
		if err != nil {
			log.Warn("rejected malformed signaling message", "error", err)
			select {
			case session.Send <- ErrorMessage(err.Error()):
			default:
			}
			continue
		}

		env.SenderDeviceID = session.DeviceID
		env.Type = relayedType(env.Type)

		target, ok := s.Registry.Lookup(env.TargetDeviceID)
		if !ok {
			select {
			case session.Send <- ErrorMessage("target not connected"):
			default:
			}
			continue
		}

		select {
		case target.Send <- env:
			select {
			case session.Send <- AckMessage():
			default:
			}
		default:
			select {
			case session.Send <- ErrorMessage("target send buffer full"):
			default:
			}
		}
	}
}
