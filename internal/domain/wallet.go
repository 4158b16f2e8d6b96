package domain

import (
	"time"
)

// WalletKind distinguishes the custodial wallet from a connected one.
type WalletKind string

// Wallet kinds.
const (
	WalletCustodial WalletKind = "custodial"
	WalletExternal  WalletKind = "external"
)

// Wallet is the durable at-most-one-per-(agent, kind) record.
type Wallet struct {
	AgentID   string     `json:"agent_id"`
	Kind      WalletKind `json:"kind"`
	PublicKey string     `json:"public_key"`
	TxHash    string     `json:"tx_hash,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// View projects the wallet for list rendering.
func (w *Wallet) View() WalletView {
	return WalletView{Kind: w.Kind, PublicKey: w.PublicKey, CreatedAt: w.CreatedAt}
}
