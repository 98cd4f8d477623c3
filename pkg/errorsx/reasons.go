package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonInvalidTransition ReasonCode = "invalid_transition"

	ReasonSTTConnect ReasonCode = "stt_connect"
	ReasonSTTSend    ReasonCode = "stt_send"

	ReasonTTSConnect   ReasonCode = "tts_connect"
	ReasonTTSSend      ReasonCode = "tts_send"
	ReasonTTSRateLimit ReasonCode = "tts_rate_limit"

	ReasonReasoningFailed ReasonCode = "reasoning_failed"
	ReasonLLMGenerate     ReasonCode = "llm_generate"
	ReasonLLMRateLimit    ReasonCode = "llm_rate_limit"
	ReasonToolExecution   ReasonCode = "tool_execution"

	ReasonTenantNotFound ReasonCode = "tenant_not_found"
	ReasonTenantStore    ReasonCode = "tenant_store"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonMediaSend                 ReasonCode = "media_send"
	ReasonTransfer                  ReasonCode = "transfer"
)
