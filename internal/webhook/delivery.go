// Package webhook implements the inbound ingestion pipeline: owner
// resolution, access validation, idempotent persistence and dispatch of
// asynchronous reply tasks.
package webhook

import (
	"strings"

	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/channels/twilio"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/conversation"
)

// Delivery is one channel-agnostic inbound message as handed to the
// orchestrator. ExternalID is the channel provider's message id and drives
// deduplication.
type Delivery struct {
	ExternalID  string
	AccountID   string
	From        string
	To          string
	Body        string
	ProfileName string
	NumMedia    int
	MediaURL    string
	MediaType   string
	Channel     conversation.Channel
}

// DeliveryFromTwilio maps a parsed Twilio webhook onto a Delivery.
func DeliveryFromTwilio(msg *twilio.InboundMessage) Delivery {
	return Delivery{
		ExternalID:  msg.MessageSID,
		AccountID:   msg.AccountSID,
		From:        msg.From,
		To:          msg.To,
		Body:        msg.Body,
		ProfileName: msg.ProfileName,
		NumMedia:    msg.NumMedia,
		MediaURL:    msg.MediaURL,
		MediaType:   msg.MediaType,
		Channel:     conversation.ChannelWhatsApp,
	}
}

// ClassifyMessageType derives the message type from the media count and
// content type. Anything carrying media that is not image, audio or video is
// treated as a document.
func ClassifyMessageType(numMedia int, contentType string) conversation.MessageType {
	if numMedia <= 0 {
		return conversation.TypeText
	}
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return conversation.TypeImage
	case strings.HasPrefix(contentType, "audio/"):
		return conversation.TypeAudio
	case strings.HasPrefix(contentType, "video/"):
		return conversation.TypeVideo
	default:
		return conversation.TypeDocument
	}
}
