package twilio

import (
	"fmt"
	"net/http"
	"strconv"
)

// InboundMessage is one parsed Twilio webhook delivery.
type InboundMessage struct {
	MessageSID  string
	AccountSID  string
	From        string
	To          string
	Body        string
	ProfileName string
	NumMedia    int
	MediaURL    string
	MediaType   string
}

// ParseWebhook decodes a Twilio form-encoded webhook request. Numbers are
// returned without the whatsapp: prefix; the session layer re-applies it.
func ParseWebhook(r *http.Request) (*InboundMessage, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("twilio: parse webhook form: %w", err)
	}

	msg := &InboundMessage{
		MessageSID:  r.PostFormValue("MessageSid"),
		AccountSID:  r.PostFormValue("AccountSid"),
		From:        StripPrefix(r.PostFormValue("From")),
		To:          StripPrefix(r.PostFormValue("To")),
		Body:        r.PostFormValue("Body"),
		ProfileName: r.PostFormValue("ProfileName"),
	}
	if msg.MessageSID == "" {
		return nil, fmt.Errorf("twilio: webhook missing MessageSid")
	}
	if msg.From == "" || msg.To == "" {
		return nil, fmt.Errorf("twilio: webhook missing From/To")
	}

	if raw := r.PostFormValue("NumMedia"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("twilio: invalid NumMedia %q", raw)
		}
		msg.NumMedia = n
	}
	if msg.NumMedia > 0 {
		msg.MediaURL = r.PostFormValue("MediaUrl0")
		msg.MediaType = r.PostFormValue("MediaContentType0")
	}

	return msg, nil
}
