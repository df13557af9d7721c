package hub

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/smsflow/sms-gateway/internal/device"
	"github.com/smsflow/sms-gateway/pkg/logging"
)

var tracer = otel.Tracer("smsgateway.internal.hub")

// DeviceAuthenticator resolves websocket credentials to a device.
type DeviceAuthenticator interface {
	Authenticate(ctx context.Context, apiKey string) (*device.Device, error)
}

// DeviceUpdater records device metadata and heartbeats.
type DeviceUpdater interface {
	UpdateInfo(ctx context.Context, id uuid.UUID, name, phoneNumber, model, osVersion, appVersion string) error
	TouchLastSeen(ctx context.Context, id uuid.UUID) error
}

// ReportHandler consumes delivery reports and inbound messages arriving
// over the websocket. Implemented by the send pipeline.
type ReportHandler interface {
	HandleReport(ctx context.Context, deviceID, messageID uuid.UUID, status, errorMsg string) error
	HandleIncoming(ctx context.Context, deviceID uuid.UUID, from, body string, receivedAt time.Time) (uuid.UUID, error)
}

// ErrUnknownMessage is returned by report handlers for message ids the
// gateway has never issued. The session answers with an error frame and
// keeps the connection open.
var ErrUnknownMessage = errors.New("hub: unknown message id")

// Hub is the in-process registry of live device sessions.
type Hub struct {
	auth     DeviceAuthenticator
	devices  DeviceUpdater
	presence *Presence
	reports  ReportHandler
	logger   *logging.Logger

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[uuid.UUID]*session
	closed   bool
}

func New(auth DeviceAuthenticator, devices DeviceUpdater, presence *Presence, logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	return &Hub{
		auth:     auth,
		devices:  devices,
		presence: presence,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Device clients are native apps, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[uuid.UUID]*session),
	}
}

// SetReportHandler wires the report consumer after construction. The send
// pipeline depends on the hub for pushes, so this breaks the cycle at init.
func (h *Hub) SetReportHandler(r ReportHandler) {
	h.reports = r
}

// HandleWS upgrades GET /ws?api_key=... into a device session. A bad key
// still upgrades, then closes with code 4001 so the client can tell
// credential failures apart from network errors.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "hub.connect")
	defer span.End()

	apiKey := r.URL.Query().Get("api_key")
	dev, authErr := h.auth.Authenticate(ctx, apiKey)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	if authErr != nil {
		msg := websocket.FormatCloseMessage(CloseBadAPIKey, "invalid api key")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	span.SetAttributes(attribute.String("smsgateway.device_id", dev.ID.String()))

	sess := newSession(dev.ID, conn)
	h.register(sess)
	if err := h.presence.Touch(context.WithoutCancel(ctx), dev.ID); err != nil {
		h.logger.Error("presence touch failed", "error", err, "device_id", dev.ID)
	}
	h.logger.Info("device connected", "device_id", dev.ID)

	go sess.writePump()
	h.readLoop(sess)

	h.unregister(sess)
	if err := h.presence.Remove(context.WithoutCancel(ctx), dev.ID); err != nil {
		h.logger.Error("presence remove failed", "error", err, "device_id", dev.ID)
	}
	h.logger.Info("device disconnected", "device_id", dev.ID)
}

func (h *Hub) register(sess *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.sessions[sess.deviceID]; ok {
		prev.close()
	}
	h.sessions[sess.deviceID] = sess
}

func (h *Hub) unregister(sess *session) {
	h.mu.Lock()
	if h.sessions[sess.deviceID] == sess {
		delete(h.sessions, sess.deviceID)
	}
	h.mu.Unlock()
	sess.close()
}

// readLoop processes client frames until the connection drops. The read
// deadline doubles as the liveness timer: only a ping extends it, so a
// session that stops heartbeating is closed once the window lapses.
func (h *Hub) readLoop(sess *session) {
	ctx := context.Background()
	_ = sess.conn.SetReadDeadline(time.Now().Add(h.presence.TTL()))
	for {
		var frame ClientFrame
		if err := sess.conn.ReadJSON(&frame); err != nil {
			return
		}
		h.handleFrame(ctx, sess, frame)
	}
}

func (h *Hub) handleFrame(ctx context.Context, sess *session, frame ClientFrame) {
	switch frame.Type {
	case FrameRegister:
		err := h.devices.UpdateInfo(ctx, sess.deviceID, frame.DeviceName, frame.PhoneNumber,
			frame.Model, frame.OSVersion, frame.AppVersion)
		if err != nil {
			h.logger.Error("device info update failed", "error", err, "device_id", sess.deviceID)
		}
		sess.send(ServerFrame{Type: FrameRegistered, Status: "ok", DeviceID: sess.deviceID}.encode())

	case FramePing:
		_ = sess.conn.SetReadDeadline(time.Now().Add(h.presence.TTL()))
		if err := h.presence.Touch(ctx, sess.deviceID); err != nil {
			h.logger.Error("presence touch failed", "error", err, "device_id", sess.deviceID)
		}
		if err := h.devices.TouchLastSeen(ctx, sess.deviceID); err != nil {
			h.logger.Error("last seen update failed", "error", err, "device_id", sess.deviceID)
		}
		sess.send(ServerFrame{Type: FramePong}.encode())

	case FrameSMSReport:
		if frame.MessageID == uuid.Nil {
			sess.send(errorFrame("sms_report requires message_id").encode())
			return
		}
		err := h.reports.HandleReport(ctx, sess.deviceID, frame.MessageID, frame.Status, frame.ErrorMsg)
		switch {
		case errors.Is(err, ErrUnknownMessage):
			sess.send(errorFrame("unknown message_id").encode())
		case err != nil:
			h.logger.Error("report handling failed", "error", err,
				"device_id", sess.deviceID, "message_id", frame.MessageID)
			sess.send(errorFrame("failed to process report").encode())
		default:
			sess.send(ServerFrame{Type: FrameAck, MessageID: frame.MessageID}.encode())
		}

	case FrameSMSIncoming:
		if frame.From == "" || frame.Body == "" {
			sess.send(errorFrame("sms_incoming requires from and body").encode())
			return
		}
		id, err := h.reports.HandleIncoming(ctx, sess.deviceID, frame.From, frame.Body, parseReceivedAt(frame.ReceivedAt))
		if err != nil {
			h.logger.Error("incoming handling failed", "error", err, "device_id", sess.deviceID)
			sess.send(errorFrame("failed to store incoming message").encode())
			return
		}
		sess.send(ServerFrame{Type: FrameAck, MessageID: id}.encode())

	default:
		sess.send(errorFrame("unknown frame type").encode())
	}
}

// PushTask delivers a send task to a live session. Returns false when the
// device has no session here or its write buffer is full; callers fall back
// to push notifications.
func (h *Hub) PushTask(deviceID, messageID uuid.UUID, to, body string) bool {
	h.mu.RLock()
	sess, ok := h.sessions[deviceID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return sess.send(ServerFrame{
		Type:      FrameTask,
		MessageID: messageID,
		To:        to,
		Body:      body,
	}.encode())
}

// IsOnline answers from the shared presence store, so a device whose
// heartbeat lapsed reads as offline even while its socket lingers here.
// The local session map only answers when Redis is unreachable.
func (h *Hub) IsOnline(ctx context.Context, deviceID uuid.UUID) bool {
	online, err := h.presence.IsOnline(ctx, deviceID)
	if err == nil {
		return online
	}
	h.logger.Error("presence lookup failed", "error", err, "device_id", deviceID)
	h.mu.RLock()
	_, local := h.sessions[deviceID]
	h.mu.RUnlock()
	return local
}

// ConnectedCount reports local live sessions, exported for metrics.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Shutdown closes every live session.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[uuid.UUID]*session)
	h.mu.Unlock()

	for _, s := range sessions {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		s.close()
		if err := h.presence.Remove(ctx, s.deviceID); err != nil {
			h.logger.Error("presence remove failed", "error", err, "device_id", s.deviceID)
		}
	}
}
