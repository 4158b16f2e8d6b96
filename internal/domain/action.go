package domain

import (
	"time"
)

// ActionType names a confirmable side-effecting action.
type ActionType string

// Confirmable action types.
const (
	ActionCreateWallet  ActionType = "CREATE_WALLET"
	ActionApproveToken  ActionType = "APPROVE_TOKEN"
	ActionStake         ActionType = "STAKE"
	ActionConnectWallet ActionType = "CONNECT_WALLET"
	ActionReplyEmail    ActionType = "REPLY_EMAIL"
)

// ActionCheckEmail is an informational marker; it is never confirmable.
const ActionCheckEmail ActionType = "CHECK_EMAIL"

// ActionTypes lists every confirmable action type.
var ActionTypes = []ActionType{
	ActionCreateWallet,
	ActionApproveToken,
	ActionStake,
	ActionConnectWallet,
	ActionReplyEmail,
}

// Valid reports whether t is one of the confirmable action types.
func (t ActionType) Valid() bool {
	for _, known := range ActionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Stage is a state of the confirmation machine.
type Stage string

// Machine stages.
const (
	StageIdle                 Stage = "idle"
	StageAwaitingConfirmation Stage = "awaiting_confirmation"
	StageAwaitingExecution    Stage = "awaiting_execution"
	StageCompleted            Stage = "completed"
	StageFailed               Stage = "failed"
	StageCancelled            Stage = "cancelled"
	StageExpired              Stage = "expired"
)

// Live reports whether the stage holds a pending action.
func (s Stage) Live() bool {
	return s == StageAwaitingConfirmation || s == StageAwaitingExecution
}

// PendingAction is the live confirmation state derived from the log.
type PendingAction struct {
	ActionType ActionType `json:"actionType"`
	RoomID     string     `json:"roomId"`
	UserID     string     `json:"userId"`
	AgentID    string     `json:"agentId"`
	Parameters Metadata   `json:"parameters"`
	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	Stage      Stage      `json:"stage"`
	MessageID  string     `json:"messageId"`
}

// StageOf derives the stage a prompt marker represents.
func StageOf(m Metadata) Stage {
	switch {
	case m.PromptPin || m.Dispatch:
		return StageAwaitingExecution
	case m.PromptConfirmation:
		return StageAwaitingConfirmation
	case m.Error != "":
		return StageFailed
	case m.TxHash != "" || m.PublicKey != "" || m.MessageID != "":
		return StageCompleted
	default:
		return StageCancelled
	}
}
