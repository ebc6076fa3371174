package models

// Socket.IO event names.
const (
	EventMatchSubscribe   = "match:subscribe"
	EventMatchUnsubscribe = "match:unsubscribe"
	EventPresenceWatch    = "presence:watch"
	EventPresenceStart    = "presence:start"
	EventPresenceStop     = "presence:stop"

	EventMessageNew      = "message:new"
	EventNearbyChanged   = "nearby:changed"
	EventAck             = "ack"
	EventConnectionError = "connection_error"
)

// TokenRequest carries the bearer token of a socket event.
type TokenRequest struct {
	Token string `json:"token"`
}

// MatchSubscribeRequest is the payload of match:subscribe and match:unsubscribe.
type MatchSubscribeRequest struct {
	Token   string `json:"token"`
	MatchID string `json:"match_id"`
}

// MessageEvent is emitted as message:new for every unseen message.
type MessageEvent struct {
	MatchID string  `json:"match_id"`
	Message Message `json:"message"`
	Event   string  `json:"event"`
}

// SocketAck confirms a socket request.
type SocketAck struct {
	Status    string `json:"status"`
	Request   string `json:"request"`
	MatchID   string `json:"match_id,omitempty"`
	Timestamp string `json:"timestamp"`
	SocketID  string `json:"socket_id"`
	Event     string `json:"event"`
}

// ConnectionError is emitted as connection_error when a socket request fails.
type ConnectionError struct {
	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	ErrorType string `json:"error_type"`
	Field     string `json:"field,omitempty"`
	Message   string `json:"message"`
	Request   string `json:"request,omitempty"`
	Timestamp string `json:"timestamp"`
	SocketID  string `json:"socket_id"`
	Event     string `json:"event"`
}

// Error codes and types reported in ConnectionError.
const (
	ErrorCodeMissingField  = "MISSING_FIELD"
	ErrorCodeInvalidFormat = "INVALID_FORMAT"

	ErrorTypeField          = "FIELD_ERROR"
	ErrorTypeFormat         = "FORMAT_ERROR"
	ErrorTypeAuthentication = "AUTHENTICATION_ERROR"
	ErrorTypeValidation     = "VALIDATION_ERROR"
	ErrorTypeSystem         = "SYSTEM_ERROR"
)
