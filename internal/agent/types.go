// Package agent connects the engine to an external conversational agent
// over gRPC and keeps per-room conversation transcripts.
package agent

// HistoryEntry is one prior message sent to the conversational agent.
type HistoryEntry struct {
	Source string `json:"source"`
	Text   string `json:"text"`
}

// ReplyRequest asks the conversational agent for a free-form reply to a turn
// that matched no intent.
type ReplyRequest struct {
	RoomID  string         `json:"room_id"`
	AgentID string         `json:"agent_id"`
	UserID  string         `json:"user_id"`
	Text    string         `json:"text"`
	History []HistoryEntry `json:"history,omitempty"`
}

// ReplyResponse is the conversational agent's answer.
type ReplyResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}
