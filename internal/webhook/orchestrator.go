package webhook

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/channels/twilio"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/conversation"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/identity"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/observability/metrics"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/taskqueue"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/tenancy"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/pkg/logging"
)

// Sender dispatches an outbound message through the channel provider.
type Sender interface {
	Send(ctx context.Context, ownerID, from, to, body string, mediaURLs []string) (*twilio.SendResult, error)
}

// Inbound result statuses.
const (
	ResultAccepted         = "accepted"
	ResultAlreadyProcessed = "already_processed"
	ResultDropped          = "dropped"
)

// InboundResult is what the HTTP layer reports back to the channel provider.
type InboundResult struct {
	Status         string `json:"status"`
	MessageID      string `json:"message_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Orchestrator drives the ingestion pipeline: owner resolution, access
// validation, duplicate check, persistence and task dispatch.
type Orchestrator struct {
	service   *conversation.Service
	store     conversation.Store
	resolver  *OwnerResolver
	access    identity.AccessValidator
	dedup     *DuplicateChecker
	publisher *taskqueue.Publisher
	sender    Sender
	metrics   *metrics.RoutingMetrics
	logger    *logging.Logger
}

func NewOrchestrator(
	service *conversation.Service,
	store conversation.Store,
	resolver *OwnerResolver,
	access identity.AccessValidator,
	dedup *DuplicateChecker,
	publisher *taskqueue.Publisher,
	sender Sender,
	routingMetrics *metrics.RoutingMetrics,
	logger *logging.Logger,
) *Orchestrator {
	if service == nil || store == nil || resolver == nil || access == nil || dedup == nil || publisher == nil {
		panic("webhook: orchestrator dependencies cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Orchestrator{
		service:   service,
		store:     store,
		resolver:  resolver,
		access:    access,
		dedup:     dedup,
		publisher: publisher,
		sender:    sender,
		metrics:   routingMetrics,
		logger:    logger,
	}
}

// ProcessInbound runs one delivery through the pipeline. Duplicate
// deliveries resolve to the same message id with an already-processed
// status; a tenant without access is acknowledged and dropped so the
// provider stops retrying.
func (o *Orchestrator) ProcessInbound(ctx context.Context, delivery Delivery) (*InboundResult, error) {
	channel := string(delivery.Channel)

	ownerID, err := o.resolver.Resolve(ctx, delivery)
	if err != nil {
		o.metrics.ObserveInbound(channel, "owner_rejected")
		return nil, fmt.Errorf("webhook: owner resolution: %w", err)
	}
	ctx = tenancy.WithOwnerID(ctx, ownerID)

	allowed, err := o.access.HasAccess(ctx, ownerID)
	if err != nil {
		o.metrics.ObserveInbound(channel, "access_error")
		return nil, fmt.Errorf("webhook: access validation: %w", err)
	}
	if !allowed {
		o.logger.Info("dropping delivery for inactive tenant", "owner_id", ownerID, "external_id", delivery.ExternalID)
		o.metrics.ObserveInbound(channel, ResultDropped)
		return &InboundResult{Status: ResultDropped}, nil
	}

	if existingID, err := o.dedup.Existing(ctx, ownerID, delivery.ExternalID); err != nil {
		return nil, err
	} else if existingID != "" {
		o.metrics.ObserveInbound(channel, ResultAlreadyProcessed)
		return &InboundResult{Status: ResultAlreadyProcessed, MessageID: existingID}, nil
	}

	conv, err := o.service.GetOrCreateConversation(ctx, ownerID, delivery.From, delivery.To, delivery.Channel, "", nil)
	if err != nil {
		o.metrics.ObserveInbound(channel, "error")
		return nil, err
	}

	msg := o.buildMessage(conv, delivery)
	result, err := o.service.AddMessage(ctx, conv, msg)
	if err != nil {
		if conversation.IsDuplicateMessage(err) {
			// Lost the insert race with a concurrent duplicate delivery.
			existingID, lookupErr := o.dedup.Existing(ctx, ownerID, delivery.ExternalID)
			if lookupErr == nil && existingID != "" {
				o.metrics.ObserveInbound(channel, ResultAlreadyProcessed)
				return &InboundResult{Status: ResultAlreadyProcessed, MessageID: existingID}, nil
			}
		}
		o.metrics.ObserveInbound(channel, "error")
		return nil, err
	}
	o.dedup.Remember(ctx, ownerID, delivery.ExternalID, msg.ID)

	if result.Closed || result.Cancelled {
		// The message itself closed the conversation; no reply is owed.
		o.metrics.ObserveInbound(channel, ResultAccepted)
		return &InboundResult{
			Status:         ResultAccepted,
			MessageID:      msg.ID,
			ConversationID: result.Conversation.ID,
		}, nil
	}

	if err := o.dispatch(ctx, result.Conversation, msg, delivery); err != nil {
		return nil, err
	}

	o.metrics.ObserveInbound(channel, ResultAccepted)
	return &InboundResult{
		Status:         ResultAccepted,
		MessageID:      msg.ID,
		ConversationID: result.Conversation.ID,
	}, nil
}

func (o *Orchestrator) buildMessage(conv *conversation.Conversation, delivery Delivery) *conversation.Message {
	metadata := map[string]any{
		"external_message_id": delivery.ExternalID,
	}
	if delivery.ProfileName != "" {
		metadata["profile_name"] = delivery.ProfileName
	}
	if delivery.NumMedia > 0 {
		metadata["media_url"] = delivery.MediaURL
		metadata["media_type"] = delivery.MediaType
	}
	return &conversation.Message{
		ID:            conversation.NewID(),
		CorrelationID: uuid.NewString(),
		FromNumber:    delivery.From,
		ToNumber:      delivery.To,
		Body:          delivery.Body,
		Direction:     conversation.DirectionInbound,
		MessageOwner:  conversation.OwnerUser,
		MessageType:   ClassifyMessageType(delivery.NumMedia, delivery.MediaType),
		Content:       delivery.Body,
		Metadata:      metadata,
	}
}

// dispatch routes the persisted message to its processing stage: audio with
// a media URL goes through transcription first, everything else straight to
// the reply stage.
func (o *Orchestrator) dispatch(ctx context.Context, conv *conversation.Conversation, msg *conversation.Message, delivery Delivery) error {
	if msg.MessageType == conversation.TypeAudio && delivery.MediaURL != "" {
		payload := TranscriptionPayload{
			MessageID:      msg.ID,
			ConversationID: conv.ID,
			OwnerID:        conv.OwnerID,
			MediaURL:       delivery.MediaURL,
			MediaType:      delivery.MediaType,
			Delivery:       delivery,
		}
		if _, err := o.publisher.Enqueue(ctx, TaskTranscription, conv.OwnerID, msg.CorrelationID, payload); err != nil {
			return err
		}
		o.metrics.ObserveTaskDispatched(TaskTranscription)
		return nil
	}

	payload := AIResponsePayload{
		MessageID:      msg.ID,
		ConversationID: conv.ID,
		OwnerID:        conv.OwnerID,
		UserID:         conv.UserID,
		Body:           msg.Body,
		From:           delivery.From,
		To:             delivery.To,
		ProfileName:    delivery.ProfileName,
	}
	if _, err := o.publisher.Enqueue(ctx, TaskAIResponse, conv.OwnerID, msg.CorrelationID, payload); err != nil {
		return err
	}
	o.metrics.ObserveTaskDispatched(TaskAIResponse)
	return nil
}

// SendSystem handles first-party outbound and loopback sends: resolve the
// conversation, send immediately, persist, return synchronously.
func (o *Orchestrator) SendSystem(ctx context.Context, ownerID, from, to, body string) (*conversation.Message, error) {
	if o.sender == nil {
		return nil, fmt.Errorf("webhook: no sender configured")
	}
	ctx = tenancy.WithOwnerID(ctx, ownerID)

	conv, err := o.service.GetOrCreateConversation(ctx, ownerID, from, to, conversation.ChannelWhatsApp, "", nil)
	if err != nil {
		return nil, err
	}

	sent, err := o.sender.Send(ctx, ownerID, from, to, body, nil)
	if err != nil {
		o.metrics.ObserveOutbound(string(conv.Channel), "error")
		return nil, fmt.Errorf("webhook: system send: %w", err)
	}
	o.metrics.ObserveOutbound(string(conv.Channel), "sent")

	msg := &conversation.Message{
		ID:            conversation.NewID(),
		CorrelationID: uuid.NewString(),
		FromNumber:    from,
		ToNumber:      to,
		Body:          body,
		Direction:     conversation.DirectionOutbound,
		MessageOwner:  conversation.OwnerSystem,
		MessageType:   conversation.TypeText,
		Content:       body,
		Metadata: map[string]any{
			"external_message_id": sent.ID,
			"provider_status":     sent.Status,
		},
	}
	if _, err := o.service.AddMessage(ctx, conv, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
