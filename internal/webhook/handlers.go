package webhook

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/agent"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/conversation"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/identity"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/media"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/taskqueue"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/tenancy"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/pkg/logging"
)

// Handlers owns the asynchronous stages behind the queue: transcription and
// reply generation. Register binds them onto a worker.
type Handlers struct {
	service     *conversation.Service
	store       conversation.Store
	fetcher     *media.Fetcher
	transcriber media.Transcriber
	users       identity.UserResolver
	agents      identity.AgentConfigResolver
	runner      agent.Runner
	sender      Sender
	publisher   *taskqueue.Publisher
	logger      *logging.Logger
}

func NewHandlers(
	service *conversation.Service,
	store conversation.Store,
	fetcher *media.Fetcher,
	transcriber media.Transcriber,
	users identity.UserResolver,
	agents identity.AgentConfigResolver,
	runner agent.Runner,
	sender Sender,
	publisher *taskqueue.Publisher,
	logger *logging.Logger,
) *Handlers {
	if service == nil || store == nil || publisher == nil {
		panic("webhook: handler dependencies cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handlers{
		service:     service,
		store:       store,
		fetcher:     fetcher,
		transcriber: transcriber,
		users:       users,
		agents:      agents,
		runner:      runner,
		sender:      sender,
		publisher:   publisher,
		logger:      logger,
	}
}

// Register binds the task handlers onto the worker.
func (h *Handlers) Register(w *taskqueue.Worker) {
	w.RegisterHandler(TaskTranscription, h.HandleTranscription)
	w.RegisterHandler(TaskAIResponse, h.HandleAIResponse)
}

// HandleTranscription downloads the audio, transcribes it, rewrites the
// stored message body and chains into the reply stage with the transcribed
// text. Any failure aborts the chain and leaves the task for redelivery;
// the downloaded file is removed regardless of outcome.
func (h *Handlers) HandleTranscription(ctx context.Context, task taskqueue.Task) error {
	var payload TranscriptionPayload
	if err := task.Decode(&payload); err != nil {
		return err
	}
	ctx = tenancy.WithOwnerID(ctx, payload.OwnerID)

	if h.fetcher == nil || h.transcriber == nil {
		return fmt.Errorf("webhook: transcription stage not configured")
	}

	path, cleanup, err := h.fetcher.DownloadToTemp(ctx, payload.MediaURL)
	if err != nil {
		return fmt.Errorf("webhook: download media for %s: %w", payload.MessageID, err)
	}
	defer cleanup()

	text, err := h.transcriber.Transcribe(ctx, path)
	if err != nil {
		return fmt.Errorf("webhook: transcribe %s: %w", payload.MessageID, err)
	}
	if strings.TrimSpace(text) == "" {
		h.logger.Info("audio carried no recognizable speech", "message_id", payload.MessageID)
		apology := AIResponsePayload{
			MessageID:      payload.MessageID,
			ConversationID: payload.ConversationID,
			OwnerID:        payload.OwnerID,
			From:           payload.Delivery.From,
			To:             payload.Delivery.To,
			ProfileName:    payload.Delivery.ProfileName,
		}
		h.deliverReply(ctx, apology, agent.FallbackUnintelligibleAudio, false, task.CorrelationID)
		return nil
	}

	if err := h.store.UpdateMessageBody(ctx, payload.MessageID, text, text); err != nil {
		return fmt.Errorf("webhook: rewrite transcribed body: %w", err)
	}

	next := AIResponsePayload{
		MessageID:      payload.MessageID,
		ConversationID: payload.ConversationID,
		OwnerID:        payload.OwnerID,
		Body:           text,
		From:           payload.Delivery.From,
		To:             payload.Delivery.To,
		ProfileName:    payload.Delivery.ProfileName,
	}
	if _, err := h.publisher.Enqueue(ctx, TaskAIResponse, payload.OwnerID, task.CorrelationID, next); err != nil {
		return err
	}
	return nil
}

// HandleAIResponse generates and sends the reply for a persisted inbound
// message. The channel-facing side always degrades to a human apology: a
// blank engine reply gets a fixed fallback, an engine failure gets the
// technical-difficulty message, and send failures are logged and swallowed.
func (h *Handlers) HandleAIResponse(ctx context.Context, task taskqueue.Task) error {
	var payload AIResponsePayload
	if err := task.Decode(&payload); err != nil {
		return err
	}
	ctx = tenancy.WithOwnerID(ctx, payload.OwnerID)

	reply, sentByIA := h.generateReply(ctx, payload)

	// Replies run outbound from the number the user wrote to.
	h.deliverReply(ctx, payload, reply, sentByIA, task.CorrelationID)
	return nil
}

// generateReply invokes the engine and maps every failure mode onto a
// non-empty reply string.
func (h *Handlers) generateReply(ctx context.Context, payload AIResponsePayload) (string, bool) {
	if h.runner == nil {
		return agent.FallbackTechnicalDifficulty, false
	}

	contextBag := map[string]any{
		"conversation_id": payload.ConversationID,
		"owner_id":        payload.OwnerID,
	}
	if payload.ProfileName != "" {
		contextBag["profile_name"] = payload.ProfileName
	}
	if h.users != nil {
		if user, err := h.users.ResolveByPhone(ctx, payload.OwnerID, payload.From); err == nil && user != nil {
			contextBag["user_id"] = user.ID
			if user.Name != "" {
				contextBag["user_name"] = user.Name
			}
		} else if err != nil {
			h.logger.Warn("user resolution failed", "error", err, "owner_id", payload.OwnerID)
		}
	}
	if h.agents != nil {
		cfg, err := h.agents.ActiveConfig(ctx, payload.OwnerID)
		if err != nil {
			h.logger.Error("agent config resolution failed", "error", err, "owner_id", payload.OwnerID)
			return agent.FallbackTechnicalDifficulty, false
		}
		if cfg != nil {
			contextBag["agent_id"] = cfg.AgentID
			if cfg.SystemPrompt != "" {
				contextBag["system_prompt"] = cfg.SystemPrompt
			}
		}
	}

	reply, err := h.runner.Run(ctx, payload.Body, contextBag)
	if err != nil {
		h.logger.Error("reply generation failed", "error", err,
			"conversation_id", payload.ConversationID, "message_id", payload.MessageID)
		return agent.FallbackTechnicalDifficulty, false
	}
	if strings.TrimSpace(reply) == "" {
		return agent.FallbackEmptyReply, true
	}
	return reply, true
}

// deliverReply sends the reply outbound and persists it. Send failures are
// logged, never propagated; the inbound message was already handled.
func (h *Handlers) deliverReply(ctx context.Context, payload AIResponsePayload, reply string, sentByIA bool, correlationID string) {
	externalID := ""
	providerStatus := ""
	if h.sender != nil {
		sent, err := h.sender.Send(ctx, payload.OwnerID, payload.To, payload.From, reply, nil)
		if err != nil {
			h.logger.Error("outbound send failed", "error", err,
				"conversation_id", payload.ConversationID, "owner_id", payload.OwnerID)
		} else {
			externalID = sent.ID
			providerStatus = sent.Status
		}
	}

	conv, err := h.store.GetConversation(ctx, payload.ConversationID)
	if err != nil {
		h.logger.Error("failed to load conversation for reply persistence", "error", err,
			"conversation_id", payload.ConversationID)
		return
	}

	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	owner := conversation.OwnerAgent
	if !sentByIA {
		owner = conversation.OwnerSystem
	}
	metadata := map[string]any{}
	if externalID != "" {
		metadata["external_message_id"] = externalID
		metadata["provider_status"] = providerStatus
	}
	msg := &conversation.Message{
		ID:            conversation.NewID(),
		CorrelationID: correlationID,
		FromNumber:    payload.To,
		ToNumber:      payload.From,
		Body:          reply,
		Direction:     conversation.DirectionOutbound,
		SentByIA:      sentByIA,
		MessageOwner:  owner,
		MessageType:   conversation.TypeText,
		Content:       reply,
		Metadata:      metadata,
	}
	if _, err := h.service.AddMessage(ctx, conv, msg); err != nil {
		h.logger.Error("failed to persist outbound reply", "error", err,
			"conversation_id", payload.ConversationID)
	}
}
