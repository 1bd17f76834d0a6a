package conversation

import (
	"strings"
	"time"

	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/pkg/logging"
)

// ClosureResult is the detector's judgment on whether a message signals
// intent to end the conversation.
type ClosureResult struct {
	ShouldClose     bool
	Confidence      float64
	Reasons         []string
	SuggestedStatus Status
}

// closureThreshold is the confidence at which ShouldClose flips on.
const closureThreshold = 0.6

// ForceCloseConfidence is the confidence at which the service closes
// immediately instead of deferring to the owner policy map.
const ForceCloseConfidence = 0.8

// Component weights for the final combination.
const (
	keywordWeight = 0.5
	patternWeight = 0.3
	contextWeight = 0.2
)

// affirmativeTokens are short acknowledgements that often wrap up an
// exchange when the agent has already answered.
var affirmativeTokens = map[string]struct{}{
	"sim": {}, "ok": {}, "certo": {}, "perfeito": {},
	"ótimo": {}, "otimo": {}, "beleza": {}, "yes": {},
}

// cancellationVocabulary matches a user abandoning a conversation that was
// never accepted.
var cancellationVocabulary = []string{
	"cancelar", "desistir", "deixa pra lá", "deixa pra la", "esquece", "cancel",
}

// ClosureDetector estimates closure intent from keywords, recent
// conversation rhythm and context signals.
type ClosureDetector struct {
	keywords    []string
	minDuration time.Duration
	logger      *logging.Logger
	now         func() time.Time
}

// NewClosureDetector builds a detector over the configured keyword list.
// minDuration is the floor below which confidence is halved, protecting
// conversations that have barely started.
func NewClosureDetector(keywords []string, minDuration time.Duration, logger *logging.Logger) *ClosureDetector {
	if logger == nil {
		logger = logging.Default()
	}
	normalized := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			normalized = append(normalized, kw)
		}
	}
	return &ClosureDetector{
		keywords:    normalized,
		minDuration: minDuration,
		logger:      logger,
		now:         time.Now,
	}
}

// DetectIntent classifies msg against the conversation and its recent
// history. Machine-readable metadata signals short-circuit to full
// confidence; only user-authored messages are evaluated heuristically.
func (d *ClosureDetector) DetectIntent(msg *Message, conv *Conversation, recent []*Message) ClosureResult {
	if matched, reason := explicitCloseSignal(msg); matched {
		return ClosureResult{
			ShouldClose:     true,
			Confidence:      1.0,
			Reasons:         []string{reason},
			SuggestedStatus: StatusUserClosed,
		}
	}

	if msg.MessageOwner != OwnerUser {
		return ClosureResult{SuggestedStatus: StatusUserClosed}
	}

	var reasons []string
	tokens := tokenize(msg.Body)

	keywordScore, keywordReasons := d.scoreKeywords(msg.Body, tokens)
	reasons = append(reasons, keywordReasons...)

	patternScore, patternReasons := scorePatterns(tokens, recent)
	reasons = append(reasons, patternReasons...)

	contextScore, contextReasons := scoreContext(conv)
	reasons = append(reasons, contextReasons...)

	confidence := keywordScore*keywordWeight + patternScore*patternWeight + contextScore*contextWeight
	if confidence > 1.0 {
		confidence = 1.0
	}

	if d.minDuration > 0 && d.now().UTC().Sub(conv.StartedAt) < d.minDuration {
		confidence /= 2
		reasons = append(reasons, "below_minimum_duration")
	}

	return ClosureResult{
		ShouldClose:     confidence >= closureThreshold,
		Confidence:      confidence,
		Reasons:         reasons,
		SuggestedStatus: StatusUserClosed,
	}
}

// DetectCancellationInPending reports whether a user message abandons a
// conversation that was never accepted. Active only while PENDING.
func (d *ClosureDetector) DetectCancellationInPending(msg *Message, conv *Conversation) bool {
	if conv.Status != StatusPending {
		return false
	}
	if msg.MessageOwner != OwnerUser {
		return false
	}
	body := strings.ToLower(msg.Body)
	for _, phrase := range cancellationVocabulary {
		if containsPhrase(body, phrase) {
			return true
		}
	}
	return false
}

func explicitCloseSignal(msg *Message) (bool, string) {
	if msg.Metadata == nil {
		return false, ""
	}
	if action, _ := msg.Metadata["action"].(string); action == "close_conversation" {
		return true, "explicit_action"
	}
	if eventType, _ := msg.Metadata["event_type"].(string); eventType == "conversation_ended" || eventType == "user_left" {
		return true, "explicit_event:" + eventType
	}
	if closeIntent, _ := msg.Metadata["close_intent"].(bool); closeIntent {
		return true, "explicit_close_intent"
	}
	return false, ""
}

// scoreKeywords scales with match count (capped), with boosts for short
// messages and for a keyword sitting at either end of the message. The raw
// score can exceed 1.0 so a strong keyword hit can cross the threshold on
// the keyword channel alone.
func (d *ClosureDetector) scoreKeywords(body string, tokens []string) (float64, []string) {
	normalized := strings.ToLower(body)
	matches := 0
	firstOrLast := false
	var reasons []string

	for _, kw := range d.keywords {
		if !containsPhrase(normalized, kw) {
			continue
		}
		matches++
		reasons = append(reasons, "keyword:"+kw)
		if len(tokens) > 0 {
			kwTokens := tokenize(kw)
			if len(kwTokens) > 0 && (tokens[0] == kwTokens[0] || tokens[len(tokens)-1] == kwTokens[len(kwTokens)-1]) {
				firstOrLast = true
			}
		}
	}
	if matches == 0 {
		return 0, nil
	}

	score := float64(matches) * 0.5
	if score > 1.0 {
		score = 1.0
	}
	if len(tokens) <= 5 {
		score += 0.25
		reasons = append(reasons, "short_message")
	}
	if firstOrLast {
		score += 0.25
		reasons = append(reasons, "keyword_at_edge")
	}
	if score > 1.5 {
		score = 1.5
	}
	return score, reasons
}

// scorePatterns reads the rhythm of the recent exchange: a terse user turn
// right after an agent/system turn, affirmative acknowledgements, and a
// history dominated by AI-authored replies.
func scorePatterns(tokens []string, recent []*Message) (float64, []string) {
	score := 0.0
	var reasons []string

	if len(tokens) <= 3 && len(recent) > 0 {
		last := recent[len(recent)-1]
		if last.MessageOwner == OwnerAgent || last.MessageOwner == OwnerSystem || last.SentByIA {
			score += 0.5
			reasons = append(reasons, "short_reply_after_agent")
		}
	}

	for _, tok := range tokens {
		if _, ok := affirmativeTokens[tok]; ok {
			score += 0.3
			reasons = append(reasons, "affirmative:"+tok)
			break
		}
	}

	window := recent
	if len(window) > 5 {
		window = window[len(window)-5:]
	}
	aiTurns := 0
	for _, m := range window {
		if m.SentByIA {
			aiTurns++
		}
	}
	if aiTurns >= 2 {
		score += 0.2
		reasons = append(reasons, "ai_dominated_history")
	}

	if score > 1.0 {
		score = 1.0
	}
	return score, reasons
}

// scoreContext reads machine-written completion hints off the conversation
// context bag. Each signal contributes independently.
func scoreContext(conv *Conversation) (float64, []string) {
	if conv.Context == nil {
		return 0, nil
	}
	score := 0.0
	var reasons []string

	if achieved, _ := conv.Context["goal_achieved"].(bool); achieved {
		score += 0.4
		reasons = append(reasons, "goal_achieved")
	}
	if pending, ok := conv.Context["pending_actions"].([]any); ok && len(pending) == 0 {
		score += 0.3
		reasons = append(reasons, "no_pending_actions")
	}
	if canClose, _ := conv.Context["can_close"].(bool); canClose {
		score += 0.3
		reasons = append(reasons, "can_close")
	}
	if score > 1.0 {
		score = 1.0
	}
	return score, reasons
}

// tokenize lowercases and splits on anything that is not a letter or digit.
func tokenize(body string) []string {
	return strings.FieldsFunc(strings.ToLower(body), func(r rune) bool {
		return !isWordRune(r)
	})
}

func isWordRune(r rune) bool {
	return r == '\'' ||
		(r >= '0' && r <= '9') ||
		(r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		r > 127
}

// containsPhrase reports a word-boundary match of phrase inside text.
func containsPhrase(text, phrase string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], phrase)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(phrase)
		beforeOK := start == 0 || !isWordRune(rune(text[start-1]))
		afterOK := end >= len(text) || !isWordRune(rune(text[end]))
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}
