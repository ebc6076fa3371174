package models

import "time"

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestDeclined RequestStatus = "declined"
)

// Decision is the recipient's answer to a pending request.
type Decision string

const (
	DecisionAccept  Decision = "accept"
	DecisionDecline Decision = "decline"
)

func (d Decision) Valid() bool {
	return d == DecisionAccept || d == DecisionDecline
}

// Status returns the request status a decision resolves to.
func (d Decision) Status() RequestStatus {
	if d == DecisionAccept {
		return RequestAccepted
	}
	return RequestDeclined
}

// ConnectRequest is a directed edge from FromUser to ToUser.
type ConnectRequest struct {
	ID          string        `json:"id"`
	FromUser    string        `json:"from_user"`
	ToUser      string        `json:"to_user"`
	Status      RequestStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	RespondedAt *time.Time    `json:"responded_at,omitempty"`
}

// PendingRequests partitions a user's pending requests by direction.
type PendingRequests struct {
	Incoming []ConnectRequest `json:"incoming"`
	Outgoing []ConnectRequest `json:"outgoing"`
}

// SendRequestBody is the body of POST /api/requests.
type SendRequestBody struct {
	ToUser string `json:"to_user"`
}

// RespondBody is the body of POST /api/requests/:id/respond.
type RespondBody struct {
	Decision Decision `json:"decision"`
}

// RespondResult reports the outcome of a respond call. AlreadyApplied is
// set when the request was already in the requested state.
type RespondResult struct {
	Request        ConnectRequest `json:"request"`
	Match          *Match         `json:"match,omitempty"`
	AlreadyApplied bool           `json:"already_applied"`
}
