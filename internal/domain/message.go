package domain

import (
	"time"
)

// Message sources. Execution reports use the ActionType string as source.
const (
	SourceUser     = "user"
	SourceTelegram = "telegram"
	SourceAgent    = "agent"
)

// Decisions an inbound turn may carry when the user presses a button.
const (
	DecisionConfirm = "confirm"
	DecisionCancel  = "cancel"
)

// Message is one immutable entry of a room's append-only log.
type Message struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	RoomID    string    `json:"roomId"`
	UserID    string    `json:"userId"`
	AgentID   string    `json:"agentId"`
	CreatedAt time.Time `json:"createdAt"`
	Text      string    `json:"text"`
	Source    string    `json:"source"`
	Metadata  Metadata  `json:"metadata"`
}

// IsEngineAuthored reports whether the message was written by the engine.
// Only these messages can create or end a pending action.
func (m *Message) IsEngineAuthored() bool {
	return m.Source == SourceAgent
}

// Metadata is the machine-readable envelope attached to a message. The field
// set is closed: presentation layers render purely from it.
type Metadata struct {
	Action             ActionType    `json:"action,omitempty"`
	PromptConfirmation bool          `json:"promptConfirmation,omitempty"`
	PromptPin          bool          `json:"promptPin,omitempty"`
	Dispatch           bool          `json:"dispatch,omitempty"`
	PendingReply       *PendingReply `json:"pendingReply,omitempty"`
	Wallets            []WalletView  `json:"wallets,omitempty"`
	TxHash             string        `json:"txHash,omitempty"`
	PublicKey          string        `json:"publicKey,omitempty"`
	Amount             string        `json:"amount,omitempty"`
	ContractAddress    string        `json:"contractAddress,omitempty"`
	Spender            string        `json:"spender,omitempty"`
	MessageID          string        `json:"messageId,omitempty"`
	Error              string        `json:"error,omitempty"`
	ExpiresAt          *time.Time    `json:"expiresAt,omitempty"`

	// Decision is only ever set on inbound turns (button presses).
	Decision string `json:"decision,omitempty"`
}

// IsPrompt reports whether the metadata marks a live-able prompt.
func (m Metadata) IsPrompt() bool {
	return m.PromptConfirmation || m.PromptPin || m.Dispatch
}

// IsZero reports whether no field is set.
func (m Metadata) IsZero() bool {
	return m.Action == "" && !m.IsPrompt() && m.PendingReply == nil &&
		len(m.Wallets) == 0 && m.TxHash == "" && m.PublicKey == "" &&
		m.Amount == "" && m.ContractAddress == "" && m.Spender == "" &&
		m.MessageID == "" && m.Error == "" && m.ExpiresAt == nil && m.Decision == ""
}

// Expired reports whether the metadata carries an expiry at or before now.
func (m Metadata) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}

// PendingReply is an email reply draft.
type PendingReply struct {
	EmailID string `json:"emailId"`
	To      string `json:"to,omitempty"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body,omitempty"`
}

// WalletView is the list-UI projection of a wallet record.
type WalletView struct {
	Kind      WalletKind `json:"kind"`
	PublicKey string     `json:"publicKey"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Turn is one inbound chat turn.
type Turn struct {
	RoomID   string   `json:"roomId"`
	AgentID  string   `json:"agentId"`
	UserID   string   `json:"userId"`
	Text     string   `json:"text"`
	Source   string   `json:"source,omitempty"`
	Metadata Metadata `json:"metadata"`
}

// Report is the execution boundary's terminal outcome for a prompt.
type Report struct {
	RoomID   string     `json:"roomId"`
	AgentID  string     `json:"agentId"`
	Source   ActionType `json:"source"`
	Metadata Metadata   `json:"metadata"`
}
