package http

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"quiz-session-service/internal/app"
	"quiz-session-service/internal/domain"
)

type WSHandler struct {
	service     *app.SessionService
	broadcaster *app.Broadcaster
	upgrader    websocket.Upgrader
}

func NewWSHandler(service *app.SessionService, broadcaster *app.Broadcaster) *WSHandler {
	return &WSHandler{
		service:     service,
		broadcaster: broadcaster,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type answerPayload struct {
	QuestionID string    `json:"questionId"`
	OptionID   string    `json:"optionId"`
	ClientTime time.Time `json:"clientTime"`
}

type answerResult struct {
	QuestionID string `json:"questionId"`
	Seq        int64  `json:"seq"`
	Correct    bool   `json:"correct"`
	Awarded    int    `json:"awarded"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// wsChannel adapts one websocket connection to the broadcaster's
// Channel. All writes go through its mutex: the broadcaster's delivery
// goroutine and the read loop's direct replies would otherwise write
// concurrently.
type wsChannel struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsChannel) Send(ev domain.DomainEvent) error {
	return c.write(outboundMessage[domain.DomainEvent]{Type: "event", Payload: ev})
}

func (c *wsChannel) write(msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

// ServeWS upgrades the request, registers the connection for fan-out,
// joins the participant, sends the catch-up snapshot, and then streams
// session events until the client disconnects. Inbound messages carry
// answers and heartbeats.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	participantID := r.URL.Query().Get("participantId")
	displayName := r.URL.Query().Get("name")
	if sessionID == "" || participantID == "" || displayName == "" {
		http.Error(w, "missing sessionId, participantId, or name", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	ch := &wsChannel{conn: conn}

	// Register before taking the snapshot so no event falls between
	// the two: everything emitted from here on reaches the channel,
	// and anything older is covered by the snapshot. Events may land
	// ahead of the snapshot frame; its lastSeq lets the client drop
	// the overlap.
	connID, err := h.broadcaster.Register(r.Context(), sessionID, participantID, ch)
	if err != nil {
		_ = ch.write(outboundMessage[errorPayload]{Type: "error", Payload: errorOf(err)})
		return
	}
	defer h.broadcaster.Deregister(r.Context(), connID)

	snap, err := h.service.Join(r.Context(), sessionID, participantID, displayName)
	if err != nil {
		_ = ch.write(outboundMessage[errorPayload]{Type: "error", Payload: errorOf(err)})
		return
	}
	if err := ch.write(outboundMessage[domain.Snapshot]{Type: "snapshot", Payload: snap}); err != nil {
		return
	}

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			return
		}
		switch inbound.Type {
		case "answer":
			var payload answerPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				_ = ch.write(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Code: "BAD_REQUEST", Message: "invalid answer payload"}})
				continue
			}
			sub, correct, awarded, err := h.service.Submit(r.Context(), sessionID, participantID, payload.QuestionID, payload.OptionID, payload.ClientTime)
			if err != nil {
				_ = ch.write(outboundMessage[errorPayload]{Type: "error", Payload: errorOf(err)})
				continue
			}
			_ = ch.write(outboundMessage[answerResult]{Type: "answerResult", Payload: answerResult{
				QuestionID: sub.QuestionID,
				Seq:        sub.Seq,
				Correct:    correct,
				Awarded:    awarded,
			}})
		case "heartbeat":
			h.broadcaster.Heartbeat(r.Context(), connID)
		default:
			_ = ch.write(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Code: "BAD_REQUEST", Message: "unsupported message type"}})
		}
	}
}

func errorOf(err error) errorPayload {
	return errorPayload{Code: errorCode(err), Message: err.Error()}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidTransition):
		return "INVALID_TRANSITION"
	case errors.Is(err, domain.ErrOwnershipConflict):
		return "OWNERSHIP_CONFLICT"
	case errors.Is(err, domain.ErrSessionNotActive):
		return "SESSION_NOT_ACTIVE"
	case errors.Is(err, domain.ErrDuplicateSubmission):
		return "DUPLICATE_SUBMISSION"
	case errors.Is(err, domain.ErrRateLimited):
		return "RATE_LIMITED"
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrQuizNotFound), errors.Is(err, domain.ErrParticipantNotFound):
		return "NOT_FOUND"
	default:
		return "INTERNAL"
	}
}
