package webhook

// Task names routed through the queue. Handlers are registered under these
// names in cmd/worker.
const (
	TaskTranscription = "conversation.transcribe"
	TaskAIResponse    = "conversation.ai_response"
	TaskExpireSweep   = "conversation.expire"
	TaskIdleSweep     = "conversation.idle"
)

// TranscriptionPayload carries an audio message into the transcription
// stage. Delivery re-embeds the original inbound payload so the AI stage can
// run against the rewritten body without refetching anything.
type TranscriptionPayload struct {
	MessageID      string   `json:"message_id"`
	ConversationID string   `json:"conversation_id"`
	OwnerID        string   `json:"owner_id"`
	MediaURL       string   `json:"media_url"`
	MediaType      string   `json:"media_type"`
	Delivery       Delivery `json:"delivery"`
}

// AIResponsePayload carries a persisted inbound message into the reply
// stage.
type AIResponsePayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	OwnerID        string `json:"owner_id"`
	UserID         string `json:"user_id,omitempty"`
	Body           string `json:"body"`
	From           string `json:"from"`
	To             string `json:"to"`
	ProfileName    string `json:"profile_name,omitempty"`
}

// SweepPayload parameterizes the maintenance sweeps.
type SweepPayload struct {
	Limit int `json:"limit"`
}
