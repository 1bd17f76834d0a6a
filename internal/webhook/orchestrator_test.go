package webhook

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/channels/twilio"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/conversation"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/identity"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/taskqueue"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/pkg/logging"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	fail  bool
	sids  int
	calls int
}

func (f *fakeSender) Send(ctx context.Context, ownerID, from, to, body string, mediaURLs []string) (*twilio.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return nil, context.DeadlineExceeded
	}
	f.sent = append(f.sent, body)
	f.sids++
	return &twilio.SendResult{ID: "SM-out", Status: "queued", EchoedBody: body}, nil
}

type testEnv struct {
	store     *conversation.MemoryStore
	queue     *taskqueue.MemoryQueue
	orch      *Orchestrator
	sender    *fakeSender
	publisher *taskqueue.Publisher
}

func newTestEnv(t *testing.T, access identity.AccessValidator) *testEnv {
	t.Helper()
	logger := logging.New("error")

	store := conversation.NewMemoryStore()
	finder := conversation.NewFinder(store, 30*time.Minute, logger)
	lifecycle := conversation.NewLifecycle(store, 24*time.Hour, logger)
	detector := conversation.NewClosureDetector([]string{"tchau", "obrigado"}, time.Minute, logger)
	service := conversation.NewService(store, finder, lifecycle, detector, logger)

	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	dir := identity.NewStaticDirectory()
	dir.RegisterAccount("AC123", "owner-1")
	dir.RegisterNumber("+5511888880000", "owner-1")
	resolver := NewOwnerResolver(dir, "owner-default", false, logger)

	if access == nil {
		access = identity.AllowAllValidator{}
	}

	queue := taskqueue.NewMemoryQueue(16)
	publisher := taskqueue.NewPublisher(queue, logger)
	dedup := NewDuplicateChecker(cache, store, logger)
	sender := &fakeSender{}

	orch := NewOrchestrator(service, store, resolver, access, dedup, publisher, sender, nil, logger)
	return &testEnv{store: store, queue: queue, orch: orch, sender: sender, publisher: publisher}
}

func (e *testEnv) drainTask(t *testing.T) taskqueue.Task {
	t.Helper()
	msgs, err := e.queue.Receive(context.Background(), 1, 0)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expected 1 queued task, got %d err=%v", len(msgs), err)
	}
	var task taskqueue.Task
	if err := json.Unmarshal([]byte(msgs[0].Body), &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	return task
}

func textDelivery(externalID, body string) Delivery {
	return Delivery{
		ExternalID: externalID,
		AccountID:  "AC123",
		From:       "+5511999990000",
		To:         "+5511888880000",
		Body:       body,
		Channel:    conversation.ChannelWhatsApp,
	}
}

func TestProcessInboundAcceptsAndDispatches(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	result, err := env.orch.ProcessInbound(ctx, textDelivery("SM1", "oi, preciso de ajuda"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Status != ResultAccepted {
		t.Fatalf("expected accepted, got %s", result.Status)
	}
	if result.MessageID == "" || result.ConversationID == "" {
		t.Fatalf("missing ids: %+v", result)
	}

	task := env.drainTask(t)
	if task.Name != TaskAIResponse {
		t.Fatalf("expected AI task, got %s", task.Name)
	}
	if task.OwnerID != "owner-1" {
		t.Fatalf("task not tenant-scoped: %s", task.OwnerID)
	}
	var payload AIResponsePayload
	if err := task.Decode(&payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.MessageID != result.MessageID || payload.Body != "oi, preciso de ajuda" {
		t.Fatalf("payload mismatch: %+v", payload)
	}
}

func TestProcessInboundDuplicateDelivery(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	first, err := env.orch.ProcessInbound(ctx, textDelivery("SM-dup", "primeira"))
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	second, err := env.orch.ProcessInbound(ctx, textDelivery("SM-dup", "primeira"))
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if second.Status != ResultAlreadyProcessed {
		t.Fatalf("expected already_processed, got %s", second.Status)
	}
	if second.MessageID != first.MessageID {
		t.Fatalf("duplicate must return the original id: %s vs %s", second.MessageID, first.MessageID)
	}

	// Exactly one persisted message, exactly one dispatched task.
	msgs, _ := env.store.RecentMessages(ctx, first.ConversationID, 10)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 persisted message, got %d", len(msgs))
	}
	env.drainTask(t)
	if extra, _ := env.queue.Receive(ctx, 1, 0); len(extra) != 0 {
		t.Fatal("duplicate delivery must not dispatch a second task")
	}
}

func TestProcessInboundAudioChainsTranscription(t *testing.T) {
	env := newTestEnv(t, nil)

	delivery := textDelivery("SM-audio", "")
	delivery.NumMedia = 1
	delivery.MediaURL = "https://api.twilio.com/media/abc"
	delivery.MediaType = "audio/ogg"

	result, err := env.orch.ProcessInbound(context.Background(), delivery)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Status != ResultAccepted {
		t.Fatalf("expected accepted, got %s", result.Status)
	}

	task := env.drainTask(t)
	if task.Name != TaskTranscription {
		t.Fatalf("audio should dispatch transcription, got %s", task.Name)
	}
	var payload TranscriptionPayload
	if err := task.Decode(&payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.MediaURL != delivery.MediaURL || payload.Delivery.ExternalID != "SM-audio" {
		t.Fatalf("payload lost delivery context: %+v", payload)
	}
}

func TestProcessInboundInactiveTenantDropped(t *testing.T) {
	env := newTestEnv(t, identity.DenyListValidator{Blocked: map[string]bool{"owner-1": true}})

	result, err := env.orch.ProcessInbound(context.Background(), textDelivery("SM2", "oi"))
	if err != nil {
		t.Fatalf("inactive tenant must not error: %v", err)
	}
	if result.Status != ResultDropped {
		t.Fatalf("expected dropped, got %s", result.Status)
	}
	if extra, _ := env.queue.Receive(context.Background(), 1, 0); len(extra) != 0 {
		t.Fatal("dropped delivery must not dispatch tasks")
	}
}

func TestProcessInboundClosureSkipsDispatch(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := env.orch.ProcessInbound(ctx, textDelivery("SM3", "oi")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	env.drainTask(t)

	// Cancellation in PENDING closes the conversation; no reply is owed.
	result, err := env.orch.ProcessInbound(ctx, textDelivery("SM4", "quero cancelar"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Status != ResultAccepted {
		t.Fatalf("expected accepted, got %s", result.Status)
	}
	if extra, _ := env.queue.Receive(ctx, 1, 0); len(extra) != 0 {
		t.Fatal("closing message must not dispatch a reply task")
	}

	conv, _ := env.store.GetConversation(ctx, result.ConversationID)
	if conv.Status != conversation.StatusUserClosed {
		t.Fatalf("expected user_closed, got %s", conv.Status)
	}
}

func TestSendSystemCreatesSendsAndPersists(t *testing.T) {
	env := newTestEnv(t, nil)

	msg, err := env.orch.SendSystem(context.Background(), "owner-1", "+5511888880000", "+5511999990000", "sua consulta foi confirmada")
	if err != nil {
		t.Fatalf("system send failed: %v", err)
	}
	if len(env.sender.sent) != 1 || env.sender.sent[0] != "sua consulta foi confirmada" {
		t.Fatalf("expected the body to go out, got %v", env.sender.sent)
	}

	conv, err := env.store.GetConversation(context.Background(), msg.ConvID)
	if err != nil {
		t.Fatalf("conversation was not created: %v", err)
	}
	// A system-originated first message accepts the conversation.
	if conv.Status != conversation.StatusProgress {
		t.Fatalf("expected progress, got %s", conv.Status)
	}

	stored, err := env.store.FindMessageByExternalID(context.Background(), "owner-1", "SM-out")
	if err != nil {
		t.Fatalf("outbound message was not persisted: %v", err)
	}
	if stored.ID != msg.ID {
		t.Fatalf("persisted id %s does not match returned %s", stored.ID, msg.ID)
	}
	if stored.Direction != conversation.DirectionOutbound || stored.MessageOwner != conversation.OwnerSystem {
		t.Fatalf("unexpected message shape: %+v", stored)
	}
}

func TestSendSystemSenderFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.sender.fail = true

	if _, err := env.orch.SendSystem(context.Background(), "owner-1", "+5511888880000", "+5511999990000", "ola"); err == nil {
		t.Fatal("expected send failure to surface")
	}
	if _, err := env.store.FindMessageByExternalID(context.Background(), "owner-1", "SM-out"); err == nil {
		t.Fatal("failed send must not persist an outbound message")
	}
}

func TestOwnerResolverChain(t *testing.T) {
	logger := logging.New("error")
	dir := identity.NewStaticDirectory()
	dir.RegisterAccount("AC-acc", "owner-by-account")
	dir.RegisterNumber("+5511777770000", "owner-by-number")

	t.Run("account id wins", func(t *testing.T) {
		r := NewOwnerResolver(dir, "owner-default", false, logger)
		owner, err := r.Resolve(context.Background(), Delivery{AccountID: "AC-acc", To: "+5511777770000"})
		if err != nil || owner != "owner-by-account" {
			t.Fatalf("owner=%q err=%v", owner, err)
		}
	})

	t.Run("falls through to number", func(t *testing.T) {
		r := NewOwnerResolver(dir, "owner-default", false, logger)
		owner, err := r.Resolve(context.Background(), Delivery{AccountID: "AC-unknown", To: "+5511777770000"})
		if err != nil || owner != "owner-by-number" {
			t.Fatalf("owner=%q err=%v", owner, err)
		}
	})

	t.Run("default outside production", func(t *testing.T) {
		r := NewOwnerResolver(dir, "owner-default", false, logger)
		owner, err := r.Resolve(context.Background(), Delivery{To: "+0000"})
		if err != nil || owner != "owner-default" {
			t.Fatalf("owner=%q err=%v", owner, err)
		}
	})

	t.Run("hard rejection in production", func(t *testing.T) {
		r := NewOwnerResolver(dir, "owner-default", true, logger)
		if _, err := r.Resolve(context.Background(), Delivery{To: "+0000"}); err != identity.ErrOwnerNotFound {
			t.Fatalf("expected ErrOwnerNotFound, got %v", err)
		}
	})
}

func TestClassifyMessageType(t *testing.T) {
	cases := []struct {
		numMedia    int
		contentType string
		want        conversation.MessageType
	}{
		{0, "", conversation.TypeText},
		{1, "image/jpeg", conversation.TypeImage},
		{1, "audio/ogg", conversation.TypeAudio},
		{1, "video/mp4", conversation.TypeVideo},
		{1, "application/pdf", conversation.TypeDocument},
		{2, "", conversation.TypeDocument},
	}
	for _, tc := range cases {
		if got := ClassifyMessageType(tc.numMedia, tc.contentType); got != tc.want {
			t.Errorf("classify(%d, %q) = %s, want %s", tc.numMedia, tc.contentType, got, tc.want)
		}
	}
}

func TestDuplicateCheckerFastPath(t *testing.T) {
	logger := logging.New("error")
	store := conversation.NewMemoryStore()
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	checker := NewDuplicateChecker(cache, store, logger)
	ctx := context.Background()

	if id, err := checker.Existing(ctx, "owner-1", "SM-x"); err != nil || id != "" {
		t.Fatalf("fresh id should be unknown: id=%q err=%v", id, err)
	}

	checker.Remember(ctx, "owner-1", "SM-x", "msg-1")
	if id, err := checker.Existing(ctx, "owner-1", "SM-x"); err != nil || id != "msg-1" {
		t.Fatalf("cache miss after remember: id=%q err=%v", id, err)
	}

	// Cold cache falls back to the store.
	mr.FlushAll()
	msg := &conversation.Message{
		ID: "msg-2", ConvID: "conv-1", OwnerID: "owner-1",
		FromNumber: "+1", ToNumber: "+2", Body: "oi",
		Direction: conversation.DirectionInbound, MessageOwner: conversation.OwnerUser,
		MessageType: conversation.TypeText, Timestamp: time.Now().UTC(),
		Metadata: map[string]any{"external_message_id": "SM-y"},
	}
	if err := store.InsertMessage(ctx, msg); err != nil {
		t.Fatalf("seed message: %v", err)
	}
	if id, err := checker.Existing(ctx, "owner-1", "SM-y"); err != nil || id != "msg-2" {
		t.Fatalf("store fallback failed: id=%q err=%v", id, err)
	}
}
