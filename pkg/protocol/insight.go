package protocol

// InsightEvent is delivered to a session's emit callback when the
// insight trigger produces a summary for an accumulating transcript.
type InsightEvent struct {
	Event     string `json:"event"`
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
}

// EventInsight is the event name carried by InsightEvent.
const EventInsight = "insight"
