package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/channels/twilio"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/conversation"
)

func TestDeliveryFromTwilio(t *testing.T) {
	msg := &twilio.InboundMessage{
		MessageSID:  "SM900",
		AccountSID:  "AC123",
		From:        "+5511999990000",
		To:          "+5511888880000",
		Body:        "oi, tudo bem?",
		ProfileName: "Lennon",
		NumMedia:    1,
		MediaURL:    "https://api.twilio.com/media/ME1",
		MediaType:   "audio/ogg",
	}

	delivery := DeliveryFromTwilio(msg)

	require.Equal(t, conversation.ChannelWhatsApp, delivery.Channel)
	assert.Equal(t, "SM900", delivery.ExternalID)
	assert.Equal(t, "AC123", delivery.AccountID)
	assert.Equal(t, "+5511999990000", delivery.From)
	assert.Equal(t, "+5511888880000", delivery.To)
	assert.Equal(t, "oi, tudo bem?", delivery.Body)
	assert.Equal(t, "Lennon", delivery.ProfileName)
	assert.Equal(t, 1, delivery.NumMedia)
	assert.Equal(t, "audio/ogg", delivery.MediaType)
}
