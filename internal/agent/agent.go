// Package agent defines the boundary to the AI reply engine. The engine
// itself lives in a separate service; this package only carries the calling
// contract and the canned replies used when the engine misbehaves.
package agent

import "context"

// Fallback replies sent when the engine returns nothing usable. Channel
// providers reject empty message bodies, so a blank reply is never forwarded.
const (
	FallbackEmptyReply = "Desculpe, não consegui processar sua mensagem. Pode reformular?"

	// FallbackTechnicalDifficulty is the catch-all apology when reply
	// generation fails outright.
	FallbackTechnicalDifficulty = "Estamos com uma dificuldade técnica no momento. Tente novamente em instantes."

	// FallbackUnintelligibleAudio is sent when a voice note transcribes to
	// nothing.
	FallbackUnintelligibleAudio = "Desculpe, não consegui entender o áudio. Pode escrever sua mensagem?"
)

// Runner produces a reply for a user input. Implementations may be slow;
// callers pass a context and must tolerate empty output.
type Runner interface {
	Run(ctx context.Context, input string, contextBag map[string]any) (string, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, input string, contextBag map[string]any) (string, error)

func (f RunnerFunc) Run(ctx context.Context, input string, contextBag map[string]any) (string, error) {
	return f(ctx, input, contextBag)
}

// StaticRunner always returns the same reply. Used in wiring smoke tests and
// local setups without the engine.
type StaticRunner struct {
	Reply string
}

func (r StaticRunner) Run(_ context.Context, _ string, _ map[string]any) (string, error) {
	return r.Reply, nil
}
