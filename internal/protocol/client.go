package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/nfrund/dmrelay/internal/domain"
)

// EncodeSend builds the inbound frame a client sends to deliver text.
func EncodeSend(recipient, text string) ([]byte, error) {
	return json.Marshal(inboundFrame{Message: &SendRequest{Recipient: recipient, Text: text}})
}

// EncodeAuth builds a late authentication frame.
func EncodeAuth(token string) ([]byte, error) {
	return json.Marshal(inboundFrame{Auth: &AuthRequest{Token: token}})
}

// Outbound is a decoded server frame. Exactly one field is set.
type Outbound struct {
	Roster  *RosterFrame
	Message *domain.Message
	Error   *ErrorBody
}

type outboundFrame struct {
	Online *[]RosterEntry `json:"online"`
	Error  *ErrorBody     `json:"error"`
	domain.Message
}

// DecodeOutbound classifies a server frame.
func DecodeOutbound(raw []byte) (Outbound, error) {
	var f outboundFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Outbound{}, fmt.Errorf("decode server frame: %v: %w", err, domain.ErrMalformedInput)
	}
	switch {
	case f.Online != nil:
		return Outbound{Roster: &RosterFrame{Online: *f.Online}}, nil
	case f.Error != nil:
		return Outbound{Error: f.Error}, nil
	case f.ID != "":
		msg := f.Message
		return Outbound{Message: &msg}, nil
	default:
		return Outbound{}, fmt.Errorf("unrecognized server frame: %w", domain.ErrMalformedInput)
	}
}
