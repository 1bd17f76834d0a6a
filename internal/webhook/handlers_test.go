package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/agent"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/conversation"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/identity"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/media"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/taskqueue"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/pkg/logging"
)

type fixedTranscriber struct {
	text string
	err  error
}

func (f fixedTranscriber) Transcribe(context.Context, string) (string, error) {
	return f.text, f.err
}

type handlerEnv struct {
	store   *conversation.MemoryStore
	service *conversation.Service
	queue   *taskqueue.MemoryQueue
	sender  *fakeSender
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()
	logger := logging.New("error")
	store := conversation.NewMemoryStore()
	finder := conversation.NewFinder(store, 30*time.Minute, logger)
	lifecycle := conversation.NewLifecycle(store, 24*time.Hour, logger)
	detector := conversation.NewClosureDetector([]string{"tchau"}, time.Minute, logger)
	service := conversation.NewService(store, finder, lifecycle, detector, logger)
	return &handlerEnv{
		store:   store,
		service: service,
		queue:   taskqueue.NewMemoryQueue(16),
		sender:  &fakeSender{},
	}
}

func (e *handlerEnv) handlers(t *testing.T, runner agent.Runner, fetcher *media.Fetcher, transcriber media.Transcriber) *Handlers {
	t.Helper()
	logger := logging.New("error")
	publisher := taskqueue.NewPublisher(e.queue, logger)
	return NewHandlers(e.service, e.store, fetcher, transcriber,
		identity.StaticUserResolver{}, identity.StaticAgentConfigResolver{Config: identity.AgentConfig{AgentID: "agent-1"}},
		runner, e.sender, publisher, logger)
}

func (e *handlerEnv) seedConversation(t *testing.T, body string) (*conversation.Conversation, *conversation.Message) {
	t.Helper()
	ctx := context.Background()
	conv, err := e.service.GetOrCreateConversation(ctx, "owner-1", "+5511999990000", "+5511888880000", conversation.ChannelWhatsApp, "", nil)
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	msg := &conversation.Message{
		FromNumber: "+5511999990000", ToNumber: "+5511888880000",
		Body: body, Direction: conversation.DirectionInbound,
		MessageOwner: conversation.OwnerUser, MessageType: conversation.TypeText,
	}
	result, err := e.service.AddMessage(ctx, conv, msg)
	if err != nil {
		t.Fatalf("seed message: %v", err)
	}
	return result.Conversation, msg
}

func aiTask(t *testing.T, payload AIResponsePayload) taskqueue.Task {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return taskqueue.Task{ID: "t1", Name: TaskAIResponse, OwnerID: payload.OwnerID, CorrelationID: "corr-1", Payload: raw}
}

func TestHandleAIResponseSendsAndPersists(t *testing.T) {
	env := newHandlerEnv(t)
	conv, msg := env.seedConversation(t, "quanto custa o plano?")

	h := env.handlers(t, agent.StaticRunner{Reply: "O plano custa R$49."}, nil, nil)
	task := aiTask(t, AIResponsePayload{
		MessageID: msg.ID, ConversationID: conv.ID, OwnerID: "owner-1",
		Body: msg.Body, From: "+5511999990000", To: "+5511888880000",
	})

	if err := h.HandleAIResponse(context.Background(), task); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(env.sender.sent) != 1 || env.sender.sent[0] != "O plano custa R$49." {
		t.Fatalf("reply not sent: %+v", env.sender.sent)
	}

	msgs, _ := env.store.RecentMessages(context.Background(), conv.ID, 10)
	last := msgs[len(msgs)-1]
	if last.Direction != conversation.DirectionOutbound || !last.SentByIA {
		t.Fatalf("outbound reply not persisted as agent message: %+v", last)
	}
	if last.MessageOwner != conversation.OwnerAgent {
		t.Fatalf("expected agent owner, got %s", last.MessageOwner)
	}
	if last.Metadata["external_message_id"] != "SM-out" {
		t.Fatalf("provider id not recorded: %v", last.Metadata)
	}
}

func TestHandleAIResponseBlankReplyFallback(t *testing.T) {
	env := newHandlerEnv(t)
	conv, msg := env.seedConversation(t, "oi")

	h := env.handlers(t, agent.StaticRunner{Reply: "   "}, nil, nil)
	task := aiTask(t, AIResponsePayload{
		MessageID: msg.ID, ConversationID: conv.ID, OwnerID: "owner-1",
		Body: msg.Body, From: "+5511999990000", To: "+5511888880000",
	})

	if err := h.HandleAIResponse(context.Background(), task); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(env.sender.sent) != 1 || env.sender.sent[0] != agent.FallbackEmptyReply {
		t.Fatalf("expected blank fallback, sent: %+v", env.sender.sent)
	}
}

func TestHandleAIResponseEngineFailure(t *testing.T) {
	env := newHandlerEnv(t)
	conv, msg := env.seedConversation(t, "oi")

	failing := agent.RunnerFunc(func(context.Context, string, map[string]any) (string, error) {
		return "", context.DeadlineExceeded
	})
	h := env.handlers(t, failing, nil, nil)
	task := aiTask(t, AIResponsePayload{
		MessageID: msg.ID, ConversationID: conv.ID, OwnerID: "owner-1",
		Body: msg.Body, From: "+5511999990000", To: "+5511888880000",
	})

	if err := h.HandleAIResponse(context.Background(), task); err != nil {
		t.Fatalf("engine failure must not fail the task: %v", err)
	}
	if len(env.sender.sent) != 1 || env.sender.sent[0] != agent.FallbackTechnicalDifficulty {
		t.Fatalf("expected technical-difficulty apology, sent: %+v", env.sender.sent)
	}

	msgs, _ := env.store.RecentMessages(context.Background(), conv.ID, 10)
	last := msgs[len(msgs)-1]
	if last.MessageOwner != conversation.OwnerSystem || last.SentByIA {
		t.Fatalf("apology should persist as system message: %+v", last)
	}
}

func TestHandleAIResponseSendFailureSwallowed(t *testing.T) {
	env := newHandlerEnv(t)
	conv, msg := env.seedConversation(t, "oi")
	env.sender.fail = true

	h := env.handlers(t, agent.StaticRunner{Reply: "olá!"}, nil, nil)
	task := aiTask(t, AIResponsePayload{
		MessageID: msg.ID, ConversationID: conv.ID, OwnerID: "owner-1",
		Body: msg.Body, From: "+5511999990000", To: "+5511888880000",
	})

	if err := h.HandleAIResponse(context.Background(), task); err != nil {
		t.Fatalf("send failures must be swallowed: %v", err)
	}

	// The reply is still persisted without a provider id.
	msgs, _ := env.store.RecentMessages(context.Background(), conv.ID, 10)
	last := msgs[len(msgs)-1]
	if last.Direction != conversation.DirectionOutbound {
		t.Fatalf("reply not persisted: %+v", last)
	}
	if _, ok := last.Metadata["external_message_id"]; ok {
		t.Fatal("failed send must not record a provider id")
	}
}

func TestHandleTranscriptionRewritesAndChains(t *testing.T) {
	env := newHandlerEnv(t)
	conv, msg := env.seedConversation(t, "")

	mediaSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ogg-bytes"))
	}))
	defer mediaSrv.Close()

	h := env.handlers(t, nil, media.NewFetcher(mediaSrv.Client()), fixedTranscriber{text: "bom dia, quero ajuda"})

	payload := TranscriptionPayload{
		MessageID: msg.ID, ConversationID: conv.ID, OwnerID: "owner-1",
		MediaURL: mediaSrv.URL + "/media/abc", MediaType: "audio/ogg",
		Delivery: Delivery{
			ExternalID: "SM-audio", From: "+5511999990000", To: "+5511888880000",
			Channel: conversation.ChannelWhatsApp,
		},
	}
	raw, _ := json.Marshal(payload)
	task := taskqueue.Task{ID: "t2", Name: TaskTranscription, OwnerID: "owner-1", CorrelationID: "corr-2", Payload: raw}

	if err := h.HandleTranscription(context.Background(), task); err != nil {
		t.Fatalf("handle: %v", err)
	}

	// Body rewritten in place.
	msgs, _ := env.store.RecentMessages(context.Background(), conv.ID, 10)
	if msgs[len(msgs)-1].Body != "bom dia, quero ajuda" {
		t.Fatalf("body not rewritten: %q", msgs[len(msgs)-1].Body)
	}

	// Chained into the reply stage with the transcribed text.
	queued, err := env.queue.Receive(context.Background(), 1, 0)
	if err != nil || len(queued) != 1 {
		t.Fatalf("expected chained task, got %d err=%v", len(queued), err)
	}
	var chained taskqueue.Task
	json.Unmarshal([]byte(queued[0].Body), &chained)
	if chained.Name != TaskAIResponse || chained.CorrelationID != "corr-2" {
		t.Fatalf("unexpected chained task: %+v", chained)
	}
	var next AIResponsePayload
	if err := chained.Decode(&next); err != nil {
		t.Fatalf("decode chained payload: %v", err)
	}
	if next.Body != "bom dia, quero ajuda" || next.MessageID != msg.ID {
		t.Fatalf("chained payload mismatch: %+v", next)
	}
}

func TestHandleTranscriptionBlankResultSendsApology(t *testing.T) {
	env := newHandlerEnv(t)
	conv, msg := env.seedConversation(t, "")

	mediaSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ogg-bytes"))
	}))
	defer mediaSrv.Close()

	h := env.handlers(t, nil, media.NewFetcher(mediaSrv.Client()), fixedTranscriber{text: "   "})

	payload := TranscriptionPayload{
		MessageID: msg.ID, ConversationID: conv.ID, OwnerID: "owner-1",
		MediaURL: mediaSrv.URL + "/media/abc", MediaType: "audio/ogg",
		Delivery: Delivery{
			ExternalID: "SM-audio", From: "+5511999990000", To: "+5511888880000",
			Channel: conversation.ChannelWhatsApp,
		},
	}
	raw, _ := json.Marshal(payload)
	task := taskqueue.Task{ID: "t4", Name: TaskTranscription, OwnerID: "owner-1", CorrelationID: "corr-4", Payload: raw}

	if err := h.HandleTranscription(context.Background(), task); err != nil {
		t.Fatalf("blank transcription must not redeliver: %v", err)
	}

	// The user still hears back.
	if len(env.sender.sent) != 1 || env.sender.sent[0] != agent.FallbackUnintelligibleAudio {
		t.Fatalf("expected the audio apology, got %v", env.sender.sent)
	}

	// Apology persisted as a system message, no reply task chained.
	msgs, _ := env.store.RecentMessages(context.Background(), conv.ID, 10)
	last := msgs[len(msgs)-1]
	if last.Body != agent.FallbackUnintelligibleAudio || last.MessageOwner != conversation.OwnerSystem {
		t.Fatalf("apology not persisted as system message: %+v", last)
	}
	if queued, _ := env.queue.Receive(context.Background(), 1, 0); len(queued) != 0 {
		t.Fatalf("blank transcription must not chain a reply task, got %d", len(queued))
	}
}

func TestHandleTranscriptionFailureAbortsChain(t *testing.T) {
	env := newHandlerEnv(t)
	conv, msg := env.seedConversation(t, "")

	mediaSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ogg-bytes"))
	}))
	defer mediaSrv.Close()

	h := env.handlers(t, nil, media.NewFetcher(mediaSrv.Client()), fixedTranscriber{err: context.DeadlineExceeded})

	payload := TranscriptionPayload{
		MessageID: msg.ID, ConversationID: conv.ID, OwnerID: "owner-1",
		MediaURL: mediaSrv.URL + "/media/abc", MediaType: "audio/ogg",
	}
	raw, _ := json.Marshal(payload)
	task := taskqueue.Task{ID: "t3", Name: TaskTranscription, OwnerID: "owner-1", Payload: raw}

	if err := h.HandleTranscription(context.Background(), task); err == nil {
		t.Fatal("transcription failure must surface for redelivery")
	}
	if queued, _ := env.queue.Receive(context.Background(), 1, 0); len(queued) != 0 {
		t.Fatal("failed transcription must not chain")
	}
}
