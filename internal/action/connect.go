package action

import (
	"context"
	"fmt"

	"github.com/ashureev/chatpact/internal/domain"
)

// ConnectWallet links an externally held wallet to the agent.
type ConnectWallet struct{}

func (ConnectWallet) Type() domain.ActionType { return domain.ActionConnectWallet }
func (ConnectWallet) RequiresSecret() bool    { return true }

func (ConnectWallet) Precondition(ctx context.Context, wallets WalletStore, agentID string) (string, error) {
	w, err := wallets.GetWallet(ctx, agentID, domain.WalletExternal)
	if err != nil {
		return "", fmt.Errorf("get external wallet: %w", err)
	}
	if w != nil {
		return fmt.Sprintf("An external wallet is already connected: %s.", w.PublicKey), nil
	}
	return "", nil
}

func (h ConnectWallet) Params(turn domain.Turn) (domain.Metadata, error) {
	var p domain.Metadata
	p.PublicKey = turn.Metadata.PublicKey
	if p.PublicKey == "" {
		if addrs := extractAddresses(turn.Text); len(addrs) > 0 {
			p.PublicKey = addrs[0]
		}
	}
	return p, h.Validate(p)
}

func (ConnectWallet) Validate(p domain.Metadata) error {
	return ValidateAddress("publicKey", p.PublicKey)
}

func (ConnectWallet) PromptText(p domain.Metadata) string {
	return fmt.Sprintf("Connect external wallet %s to this agent?", shortAddress(p.PublicKey))
}

func (ConnectWallet) ExecuteText(domain.Metadata) string {
	return "Enter your PIN in the secure prompt to sign the ownership proof."
}

func (ConnectWallet) CancelText() string { return "Okay, wallet connection cancelled." }

func (ConnectWallet) ReportSchema() string {
	return `{
  "type": "object",
  "required": ["publicKey"],
  "properties": {"publicKey": {"$ref": "#/$defs/hex"}},
  "$defs": {` + hexDef + `}
}`
}

func (ConnectWallet) Complete(ctx context.Context, wallets WalletStore, pending *domain.PendingAction, report domain.Metadata) (domain.Metadata, string, error) {
	key := pending.Parameters.PublicKey
	if !sameAddress(key, report.PublicKey) {
		return domain.Metadata{}, "", &ReportRejectedError{Reason: MismatchReason, Field: "publicKey"}
	}

	existing, err := wallets.GetWallet(ctx, pending.AgentID, domain.WalletExternal)
	if err != nil {
		return domain.Metadata{}, "", fmt.Errorf("re-check external wallet: %w", err)
	}
	if existing == nil {
		created, err := wallets.CreateWalletIfNotExists(ctx, &domain.Wallet{
			AgentID:   pending.AgentID,
			Kind:      domain.WalletExternal,
			PublicKey: key,
			TxHash:    report.TxHash,
		})
		if err != nil {
			return domain.Metadata{}, "", fmt.Errorf("record external wallet: %w", err)
		}
		if !created {
			if existing, err = wallets.GetWallet(ctx, pending.AgentID, domain.WalletExternal); err != nil {
				return domain.Metadata{}, "", fmt.Errorf("re-check external wallet: %w", err)
			}
		}
	}
	if existing != nil && !sameAddress(existing.PublicKey, key) {
		return domain.Metadata{}, "", &ReportRejectedError{Reason: ConflictReason, Field: "publicKey"}
	}

	outcome := domain.Metadata{PublicKey: key, TxHash: report.TxHash}
	return outcome, fmt.Sprintf("Connected external wallet %s.", key), nil
}
