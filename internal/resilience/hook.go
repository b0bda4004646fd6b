package resilience

// Event names passed to a Hook.
const (
	EventBreakerOpen     = "breaker_open"
	EventBreakerHalfOpen = "breaker_half_open"
	EventBreakerClose    = "breaker_close"
	EventRetryAttempt    = "retry_attempt"
	EventStageComplete   = "stage_complete"
)

// Hook receives coordination events (breaker transitions, retry
// attempts, stage completions) for metrics or logging. Implementations
// must be safe for concurrent use and must not block.
type Hook func(event, name string, attrs map[string]string)

// NopHook discards all events.
func NopHook(string, string, map[string]string) {}

func (h Hook) Emit(event, name string, attrs map[string]string) {
	if h != nil {
		h(event, name, attrs)
	}
}
