package fallback

import (
	"math/rand"
	"sync"
	"time"
)

// DefaultClarifications are conversational nudges spoken on a retry.
var DefaultClarifications = []string{
	"Sorry, could you say that one more time?",
	"I want to make sure I get this right. Could you repeat that for me?",
	"I didn't quite catch that. What can I help you with?",
	"Could you tell me a little more about what you need?",
	"Apologies, the line cut out for a second. Could you say that again?",
}

// PromptPool supplies clarification lines.
type PromptPool interface {
	Next() string
}

// RandomPool picks uniformly from its prompts.
type RandomPool struct {
	mu      sync.Mutex
	rnd     *rand.Rand
	prompts []string
}

// NewRandomPool seeds from the clock when seed is zero.
func NewRandomPool(prompts []string, seed int64) *RandomPool {
	if len(prompts) == 0 {
		prompts = DefaultClarifications
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RandomPool{
		rnd:     rand.New(rand.NewSource(seed)),
		prompts: append([]string(nil), prompts...),
	}
}

func (p *RandomPool) Next() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prompts[p.rnd.Intn(len(p.prompts))]
}

// FixedPool cycles through its prompts in order.
type FixedPool struct {
	mu      sync.Mutex
	next    int
	prompts []string
}

func NewFixedPool(prompts ...string) *FixedPool {
	if len(prompts) == 0 {
		prompts = DefaultClarifications
	}
	return &FixedPool{prompts: append([]string(nil), prompts...)}
}

func (p *FixedPool) Next() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.prompts[p.next%len(p.prompts)]
	p.next++
	return s
}
