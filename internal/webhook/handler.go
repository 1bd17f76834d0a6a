package webhook

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/channels/twilio"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/identity"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/observability/metrics"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/pkg/logging"
)

var ingressTracer = otel.Tracer("chatrouter.internal.webhook")

// Handler is the HTTP ingress for channel webhooks, mounted by cmd/api.
type Handler struct {
	orchestrator *Orchestrator
	metrics      *metrics.RoutingMetrics
	logger       *logging.Logger
}

func NewHandler(orchestrator *Orchestrator, routingMetrics *metrics.RoutingMetrics, logger *logging.Logger) *Handler {
	if orchestrator == nil {
		panic("webhook: orchestrator cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		orchestrator: orchestrator,
		metrics:      routingMetrics,
		logger:       logger,
	}
}

// HandleTwilio accepts a Twilio webhook POST. Responses stay 2xx wherever
// possible so the provider does not hammer retries for conditions we already
// handled.
func (h *Handler) HandleTwilio(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := ingressTracer.Start(r.Context(), "webhook.twilio.inbound")
	defer span.End()

	msg, err := twilio.ParseWebhook(r)
	if err != nil {
		h.logger.Warn("rejecting malformed webhook", "error", err)
		http.Error(w, "malformed webhook payload", http.StatusBadRequest)
		return
	}

	delivery := DeliveryFromTwilio(msg)
	span.SetAttributes(
		attribute.String("chatrouter.external_id", delivery.ExternalID),
		attribute.String("chatrouter.channel", string(delivery.Channel)),
	)

	result, err := h.orchestrator.ProcessInbound(ctx, delivery)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, identity.ErrOwnerNotFound) {
			h.logger.Warn("no tenant for delivery", "external_id", delivery.ExternalID, "to", delivery.To)
			http.Error(w, "unknown destination", http.StatusNotFound)
			return
		}
		h.logger.Error("webhook processing failed", "error", err, "external_id", delivery.ExternalID)
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	}

	h.metrics.ObserveWebhookLatency(string(delivery.Channel), time.Since(start).Seconds())

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		h.logger.Warn("failed to write webhook response", "error", err)
	}
}

type sendMessageRequest struct {
	OwnerID string `json:"owner_id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Body    string `json:"body"`
}

type sendMessageResponse struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	ExternalID     string `json:"external_id,omitempty"`
}

// HandleSendMessage accepts a first-party outbound send: the message goes
// out synchronously and is persisted on the resolved conversation before
// the response is written.
func (h *Handler) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	ctx, span := ingressTracer.Start(r.Context(), "webhook.system.send")
	defer span.End()

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed send payload", http.StatusBadRequest)
		return
	}
	if req.OwnerID == "" || req.From == "" || req.To == "" || req.Body == "" {
		http.Error(w, "owner_id, from, to and body are required", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("chatrouter.owner_id", req.OwnerID))

	msg, err := h.orchestrator.SendSystem(ctx, req.OwnerID, req.From, req.To, req.Body)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("system send failed", "error", err, "owner_id", req.OwnerID)
		http.Error(w, "send failed", http.StatusBadGateway)
		return
	}

	externalID, _ := msg.Metadata["external_message_id"].(string)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(sendMessageResponse{
		MessageID:      msg.ID,
		ConversationID: msg.ConvID,
		ExternalID:     externalID,
	}); err != nil {
		h.logger.Warn("failed to write send response", "error", err)
	}
}
