package fallback

import "strings"

// Decision is the escalation policy's verdict on one utterance. A
// Deflection without Escalate is spoken in place of reasoning.
type Decision struct {
	Escalate   bool
	Reason     Reason
	Deflection string
}

// EscalationPolicy decides when a caller should be handed to a human.
type EscalationPolicy interface {
	Evaluate(state *EscalationState, utterance string) Decision
	MarkTaskCompleted(state *EscalationState)
	ShouldEscalateOnFailures(state *EscalationState, consecutive int) bool
}

type PolicyConfig struct {
	HumanPhrases       []string
	FrustrationPhrases []string
	OffTopicPhrases    []string

	FrustrationThreshold int
	OffTopicThreshold    int
	// AIFailureThreshold sits above the retry ceiling so that plain
	// failures exhaust retries first.
	AIFailureThreshold int

	HumanHandoffLine       string
	FrustrationHandoffLine string
	OffTopicDeflection     string
	OffTopicHandoffLine    string
}

var (
	defaultHumanPhrases = []string{
		"speak to a human", "talk to a human", "speak to a person", "talk to a person",
		"real person", "speak to someone", "talk to someone", "representative",
		"operator", "a manager",
	}
	defaultFrustrationPhrases = []string{
		"this is ridiculous", "not helpful", "you're not listening", "you are not listening",
		"frustrat", "useless", "waste of time", "i already told you",
	}
	defaultOffTopicPhrases = []string{
		"tell me a joke", "what's the weather", "what is the weather", "who won the game",
		"stock price", "write me a poem", "what's the news",
	}
)

// DefaultPolicy escalates on explicit human requests, repeated frustration,
// repeated off-topic requests before the task is done, and long AI-failure
// streaks. Matching is case-insensitive substring matching.
type DefaultPolicy struct {
	cfg PolicyConfig
}

func NewDefaultPolicy(cfg PolicyConfig) *DefaultPolicy {
	if len(cfg.HumanPhrases) == 0 {
		cfg.HumanPhrases = defaultHumanPhrases
	}
	if len(cfg.FrustrationPhrases) == 0 {
		cfg.FrustrationPhrases = defaultFrustrationPhrases
	}
	if len(cfg.OffTopicPhrases) == 0 {
		cfg.OffTopicPhrases = defaultOffTopicPhrases
	}
	if cfg.FrustrationThreshold <= 0 {
		cfg.FrustrationThreshold = 2
	}
	if cfg.OffTopicThreshold <= 0 {
		cfg.OffTopicThreshold = 3
	}
	if cfg.AIFailureThreshold <= 0 {
		cfg.AIFailureThreshold = 4
	}
	if cfg.HumanHandoffLine == "" {
		cfg.HumanHandoffLine = "Of course. Let me get someone from our team on the line for you."
	}
	if cfg.FrustrationHandoffLine == "" {
		cfg.FrustrationHandoffLine = "I'm sorry for the trouble. Let me connect you with a member of our team."
	}
	if cfg.OffTopicDeflection == "" {
		cfg.OffTopicDeflection = "I'm only able to help with questions about our services. Is there something I can help you book or answer today?"
	}
	if cfg.OffTopicHandoffLine == "" {
		cfg.OffTopicHandoffLine = "Let me connect you with someone from our team who can help further."
	}
	return &DefaultPolicy{cfg: cfg}
}

func (p *DefaultPolicy) Evaluate(state *EscalationState, utterance string) Decision {
	text := strings.ToLower(utterance)
	if containsAny(text, p.cfg.HumanPhrases) {
		state.HumanRequested = true
		return Decision{Escalate: true, Reason: ReasonUserRequestedHuman, Deflection: p.cfg.HumanHandoffLine}
	}
	if containsAny(text, p.cfg.FrustrationPhrases) {
		state.FrustrationSignals++
		if state.FrustrationSignals >= p.cfg.FrustrationThreshold {
			return Decision{Escalate: true, Reason: ReasonCallerFrustrated, Deflection: p.cfg.FrustrationHandoffLine}
		}
	}
	if containsAny(text, p.cfg.OffTopicPhrases) {
		state.OffTopicCount++
		if state.OffTopicCount >= p.cfg.OffTopicThreshold && !state.TaskCompleted {
			return Decision{Escalate: true, Reason: ReasonRepeatedOffTopic, Deflection: p.cfg.OffTopicHandoffLine}
		}
		return Decision{Deflection: p.cfg.OffTopicDeflection}
	}
	return Decision{}
}

func (p *DefaultPolicy) MarkTaskCompleted(state *EscalationState) {
	state.TaskCompleted = true
}

func (p *DefaultPolicy) ShouldEscalateOnFailures(state *EscalationState, consecutive int) bool {
	return consecutive >= p.cfg.AIFailureThreshold
}

func containsAny(text string, phrases []string) bool {
	for _, phrase := range phrases {
		if phrase != "" && strings.Contains(text, phrase) {
			return true
		}
	}
	return false
}

var _ EscalationPolicy = (*DefaultPolicy)(nil)
