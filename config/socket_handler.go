package config

import (
	"encoding/json"
	"errors"
	"log"
	"time"

	socketio "github.com/doquangtan/socket.io/v4"
	"github.com/gofiber/fiber/v2"

	"proximeet/app/apperr"
	"proximeet/app/models"
	"proximeet/app/services"
)

// SocketIoHandler adapts Socket.IO events onto the socket service.
type SocketIoHandler struct {
	io            *socketio.Io
	socketService *services.SocketService
}

// NewSocketHandler creates a new Socket.IO handler instance
func NewSocketHandler(socketService *services.SocketService) *SocketIoHandler {
	io := socketio.New()

	handler := &SocketIoHandler{
		io:            io,
		socketService: socketService,
	}

	handler.setupSocketHandlers()
	return handler
}

func (h *SocketIoHandler) setupSocketHandlers() {
	h.io.OnConnection(func(socket *socketio.Socket) {
		log.Printf("✅ Socket connected: %s (namespace: %s)", socket.Id, socket.Nps)

		h.socketService.Connect(socket.Id, func(event string, payload interface{}) {
			socket.Emit(event, payload)
		})

		socket.On(models.EventMatchSubscribe, func(event *socketio.EventPayload) {
			var req models.MatchSubscribeRequest
			if !h.decode(socket, event, models.EventMatchSubscribe, &req) {
				return
			}
			if err := h.socketService.SubscribeMatch(socket.Id, req.Token, req.MatchID); err != nil {
				h.emitError(socket, models.EventMatchSubscribe, err)
				return
			}
			h.ack(socket, models.EventMatchSubscribe, req.MatchID)
		})

		socket.On(models.EventMatchUnsubscribe, func(event *socketio.EventPayload) {
			var req models.MatchSubscribeRequest
			if !h.decode(socket, event, models.EventMatchUnsubscribe, &req) {
				return
			}
			h.socketService.UnsubscribeMatch(socket.Id, req.MatchID)
			h.ack(socket, models.EventMatchUnsubscribe, req.MatchID)
		})

		socket.On(models.EventPresenceWatch, func(event *socketio.EventPayload) {
			var req models.TokenRequest
			if !h.decode(socket, event, models.EventPresenceWatch, &req) {
				return
			}
			snapshot, err := h.socketService.WatchPresence(socket.Id, req.Token)
			if err != nil {
				h.emitError(socket, models.EventPresenceWatch, err)
				return
			}
			socket.Emit(models.EventNearbyChanged, snapshot)
		})

		socket.On(models.EventPresenceStart, func(event *socketio.EventPayload) {
			var req models.TokenRequest
			if !h.decode(socket, event, models.EventPresenceStart, &req) {
				return
			}
			if err := h.socketService.StartPresence(socket.Id, req.Token); err != nil {
				h.emitError(socket, models.EventPresenceStart, err)
				return
			}
			h.ack(socket, models.EventPresenceStart, "")
		})

		socket.On(models.EventPresenceStop, func(event *socketio.EventPayload) {
			h.socketService.StopPresence(socket.Id)
			h.ack(socket, models.EventPresenceStop, "")
		})

		socket.On("disconnect", func(event *socketio.EventPayload) {
			log.Printf("🔌 Socket disconnected: %s (namespace: %s)", socket.Id, socket.Nps)
			h.socketService.Disconnect(socket.Id)
		})
	})
}

// decode converts the first event argument into target, emitting a
// connection_error when it is missing or malformed.
func (h *SocketIoHandler) decode(socket *socketio.Socket, event *socketio.EventPayload, request string, target interface{}) bool {
	if len(event.Data) == 0 {
		socket.Emit(models.EventConnectionError, connectionError(socket.Id, request,
			models.ErrorCodeMissingField, models.ErrorTypeField, "No payload provided"))
		return false
	}

	raw, err := json.Marshal(event.Data[0])
	if err == nil {
		err = json.Unmarshal(raw, target)
	}
	if err != nil {
		socket.Emit(models.EventConnectionError, connectionError(socket.Id, request,
			models.ErrorCodeInvalidFormat, models.ErrorTypeFormat, "Invalid payload format"))
		return false
	}
	return true
}

func (h *SocketIoHandler) emitError(socket *socketio.Socket, request string, err error) {
	code := apperr.CodeOf(err)
	errorType := models.ErrorTypeValidation
	switch code {
	case apperr.CodeUnauthenticated:
		errorType = models.ErrorTypeAuthentication
	case apperr.CodeStoreUnavailable, apperr.CodeUnknown:
		errorType = models.ErrorTypeSystem
		log.Printf("❌ Socket %s %s failed: %v", socket.Id, request, err)
	}

	message := err.Error()
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	socket.Emit(models.EventConnectionError, connectionError(socket.Id, request, string(code), errorType, message))
}

func (h *SocketIoHandler) ack(socket *socketio.Socket, request, matchID string) {
	socket.Emit(models.EventAck, models.SocketAck{
		Status:    "success",
		Request:   request,
		MatchID:   matchID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		SocketID:  socket.Id,
		Event:     models.EventAck,
	})
}

func connectionError(socketID, request, code, errorType, message string) models.ConnectionError {
	return models.ConnectionError{
		Status:    "error",
		ErrorCode: code,
		ErrorType: errorType,
		Message:   message,
		Request:   request,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		SocketID:  socketID,
		Event:     models.EventConnectionError,
	}
}

// GetIo returns the Socket.IO instance
func (h *SocketIoHandler) GetIo() *socketio.Io {
	return h.io
}

// SetupSocketRoutes configures Socket.IO routes for the Fiber app
func (h *SocketIoHandler) SetupSocketRoutes(app *fiber.App) {
	app.Use("/", h.io.Middleware)
	app.Route("/socket.io", h.io.FiberRoute)
}
