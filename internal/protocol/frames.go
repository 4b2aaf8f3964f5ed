// Package protocol defines the JSON frames exchanged over a relay connection.
//
// Inbound (client to server):
//
//	{"message": {"recipient": "<userId>", "text": "..."}}
//	{"auth": {"token": "..."}}
//
// Outbound (server to client):
//
//	{"online": [{"userId": "...", "username": "..."}]}
//	{"id": "...", "sender": "...", "recipient": "...", "text": "...", "createdAt": "..."}
//	{"error": {"code": "...", "message": "..."}}
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/nfrund/dmrelay/internal/domain"
)

var validate = validator.New()

// Kind identifies what an inbound frame asks for.
type Kind int

const (
	KindMessage Kind = iota + 1
	KindAuth
)

// SendRequest is the body of a "message" frame.
type SendRequest struct {
	Recipient string `json:"recipient" validate:"required"`
	Text      string `json:"text" validate:"required"`
}

// AuthRequest is the body of an "auth" frame, used to authenticate a
// connection that was opened without a credential.
type AuthRequest struct {
	Token string `json:"token" validate:"required"`
}

type inboundFrame struct {
	Message *SendRequest `json:"message,omitempty"`
	Auth    *AuthRequest `json:"auth,omitempty"`
}

// Inbound is a parsed and validated client frame.
type Inbound struct {
	Kind Kind
	Send SendRequest
	Auth AuthRequest
}

// Parse decodes a client frame. Every failure wraps domain.ErrMalformedInput.
func Parse(raw []byte) (Inbound, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Inbound{}, fmt.Errorf("empty frame: %w", domain.ErrMalformedInput)
	}

	var f inboundFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Inbound{}, fmt.Errorf("decode frame: %v: %w", err, domain.ErrMalformedInput)
	}

	switch {
	case f.Message != nil && f.Auth != nil:
		return Inbound{}, fmt.Errorf("frame carries both message and auth: %w", domain.ErrMalformedInput)
	case f.Message != nil:
		if err := validate.Struct(f.Message); err != nil {
			return Inbound{}, fmt.Errorf("invalid message: %v: %w", err, domain.ErrMalformedInput)
		}
		return Inbound{Kind: KindMessage, Send: *f.Message}, nil
	case f.Auth != nil:
		if err := validate.Struct(f.Auth); err != nil {
			return Inbound{}, fmt.Errorf("invalid auth: %v: %w", err, domain.ErrMalformedInput)
		}
		return Inbound{Kind: KindAuth, Auth: *f.Auth}, nil
	default:
		return Inbound{}, fmt.Errorf("frame has no recognized body: %w", domain.ErrMalformedInput)
	}
}

// RosterEntry is one online user in a roster push.
type RosterEntry struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// RosterFrame is pushed to every authenticated connection when presence changes.
type RosterFrame struct {
	Online []RosterEntry `json:"online"`
}

// NewRosterFrame builds a roster frame from identities. The result always
// encodes "online" as an array, never null.
func NewRosterFrame(identities []domain.Identity) RosterFrame {
	entries := make([]RosterEntry, 0, len(identities))
	for _, id := range identities {
		entries = append(entries, RosterEntry{UserID: id.ID, Username: id.DisplayName})
	}
	return RosterFrame{Online: entries}
}

// EncodeRoster serializes a roster push.
func EncodeRoster(identities []domain.Identity) ([]byte, error) {
	return json.Marshal(NewRosterFrame(identities))
}

// EncodeMessage serializes a message delivery.
func EncodeMessage(msg domain.Message) ([]byte, error) {
	return json.Marshal(msg)
}

// CodeStoreUnavailable is the error frame code for a send that could not be
// persisted.
const CodeStoreUnavailable = "store_unavailable"

// ErrorBody is the body of an error frame.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorFrame reports a failed request back to the connection that made it.
type ErrorFrame struct {
	Error ErrorBody `json:"error"`
}

// EncodeError serializes an error frame.
func EncodeError(code, message string) ([]byte, error) {
	return json.Marshal(ErrorFrame{Error: ErrorBody{Code: code, Message: message}})
}
