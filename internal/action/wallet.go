package action

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/chatpact/internal/domain"
)

const hexDef = `"hex": {"type": "string", "pattern": "^0x[0-9a-fA-F]{1,64}$"}`

func requireCustodial(ctx context.Context, wallets WalletStore, agentID string) (string, error) {
	w, err := wallets.GetWallet(ctx, agentID, domain.WalletCustodial)
	if err != nil {
		return "", fmt.Errorf("get custodial wallet: %w", err)
	}
	if w == nil {
		return "You don't have a wallet yet. Say \"create a wallet\" first.", nil
	}
	return "", nil
}

// CreateWallet provisions the agent's custodial wallet.
type CreateWallet struct{}

func (CreateWallet) Type() domain.ActionType { return domain.ActionCreateWallet }
func (CreateWallet) RequiresSecret() bool    { return true }

func (CreateWallet) Precondition(ctx context.Context, wallets WalletStore, agentID string) (string, error) {
	w, err := wallets.GetWallet(ctx, agentID, domain.WalletCustodial)
	if err != nil {
		return "", fmt.Errorf("get custodial wallet: %w", err)
	}
	if w != nil {
		return fmt.Sprintf("A wallet already exists for this agent: %s.", w.PublicKey), nil
	}
	return "", nil
}

func (CreateWallet) Params(domain.Turn) (domain.Metadata, error) { return domain.Metadata{}, nil }
func (CreateWallet) Validate(domain.Metadata) error              { return nil }

func (CreateWallet) PromptText(domain.Metadata) string {
	return "I can create a Chipi wallet for you. Do you want to continue?"
}

func (CreateWallet) ExecuteText(domain.Metadata) string {
	return "Great. Enter a 4-digit PIN in the secure prompt to encrypt your new wallet."
}

func (CreateWallet) CancelText() string { return "Okay, wallet creation cancelled." }

func (CreateWallet) ReportSchema() string {
	return `{
  "type": "object",
  "required": ["txHash", "publicKey"],
  "properties": {
    "txHash": {"$ref": "#/$defs/hex"},
    "publicKey": {"$ref": "#/$defs/hex"}
  },
  "$defs": {` + hexDef + `}
}`
}

func (CreateWallet) Complete(ctx context.Context, wallets WalletStore, pending *domain.PendingAction, report domain.Metadata) (domain.Metadata, string, error) {
	existing, err := wallets.GetWallet(ctx, pending.AgentID, domain.WalletCustodial)
	if err != nil {
		return domain.Metadata{}, "", fmt.Errorf("re-check custodial wallet: %w", err)
	}
	if existing != nil {
		slog.Warn("custodial wallet already recorded", "agent_id", pending.AgentID, "public_key", existing.PublicKey)
	} else {
		created, err := wallets.CreateWalletIfNotExists(ctx, &domain.Wallet{
			AgentID:   pending.AgentID,
			Kind:      domain.WalletCustodial,
			PublicKey: report.PublicKey,
			TxHash:    report.TxHash,
		})
		if err != nil {
			return domain.Metadata{}, "", fmt.Errorf("record custodial wallet: %w", err)
		}
		if !created {
			slog.Warn("custodial wallet recorded concurrently", "agent_id", pending.AgentID)
		}
	}

	outcome := domain.Metadata{TxHash: report.TxHash, PublicKey: report.PublicKey}
	text := fmt.Sprintf("Your wallet is ready.\nPublic key: %s\nTransaction: %s", report.PublicKey, report.TxHash)
	return outcome, text, nil
}

// ApproveToken grants a spender an ERC-20 allowance from the custodial
// wallet.
type ApproveToken struct{}

func (ApproveToken) Type() domain.ActionType { return domain.ActionApproveToken }
func (ApproveToken) RequiresSecret() bool    { return true }

func (ApproveToken) Precondition(ctx context.Context, wallets WalletStore, agentID string) (string, error) {
	return requireCustodial(ctx, wallets, agentID)
}

func (h ApproveToken) Params(turn domain.Turn) (domain.Metadata, error) {
	var p domain.Metadata
	fill(&p, turn.Metadata)
	if p.Amount == "" {
		p.Amount = extractAmount(turn.Text)
	}
	addrs := extractAddresses(turn.Text)
	if p.ContractAddress == "" {
		if _, addr := extractToken(turn.Text); addr != "" {
			p.ContractAddress = addr
		} else if len(addrs) > 0 {
			p.ContractAddress = addrs[0]
			addrs = addrs[1:]
		}
	}
	if p.Spender == "" && len(addrs) > 0 {
		p.Spender = addrs[0]
	}
	return p, h.Validate(p)
}

func (ApproveToken) Validate(p domain.Metadata) error {
	if err := ValidateAmount(p.Amount); err != nil {
		return err
	}
	if err := ValidateAddress("contractAddress", p.ContractAddress); err != nil {
		return err
	}
	return ValidateAddress("spender", p.Spender)
}

func (ApproveToken) PromptText(p domain.Metadata) string {
	return fmt.Sprintf("Approve %s of token %s for spender %s?", p.Amount, shortAddress(p.ContractAddress), shortAddress(p.Spender))
}

func (ApproveToken) ExecuteText(domain.Metadata) string {
	return "Enter your wallet PIN in the secure prompt to sign the approval."
}

func (ApproveToken) CancelText() string { return "Okay, token approval cancelled." }

func (ApproveToken) ReportSchema() string {
	return `{
  "type": "object",
  "required": ["txHash"],
  "properties": {"txHash": {"$ref": "#/$defs/hex"}},
  "$defs": {` + hexDef + `}
}`
}

func (ApproveToken) Complete(_ context.Context, _ WalletStore, pending *domain.PendingAction, report domain.Metadata) (domain.Metadata, string, error) {
	p := pending.Parameters
	for _, err := range []error{
		matchReported("amount", p.Amount, report.Amount, sameAmount),
		matchReported("contractAddress", p.ContractAddress, report.ContractAddress, sameAddress),
		matchReported("spender", p.Spender, report.Spender, sameAddress),
	} {
		if err != nil {
			return domain.Metadata{}, "", err
		}
	}
	outcome := domain.Metadata{
		TxHash:          report.TxHash,
		Amount:          p.Amount,
		ContractAddress: p.ContractAddress,
		Spender:         p.Spender,
	}
	text := fmt.Sprintf("Approved %s for spender %s.\nTransaction: %s", p.Amount, p.Spender, report.TxHash)
	return outcome, text, nil
}

// Stake deposits funds into a staking contract from the custodial wallet.
type Stake struct{}

func (Stake) Type() domain.ActionType { return domain.ActionStake }
func (Stake) RequiresSecret() bool    { return true }

func (Stake) Precondition(ctx context.Context, wallets WalletStore, agentID string) (string, error) {
	return requireCustodial(ctx, wallets, agentID)
}

func (h Stake) Params(turn domain.Turn) (domain.Metadata, error) {
	var p domain.Metadata
	fill(&p, turn.Metadata)
	if p.Amount == "" {
		p.Amount = extractAmount(turn.Text)
	}
	if p.ContractAddress == "" {
		if addrs := extractAddresses(turn.Text); len(addrs) > 0 {
			p.ContractAddress = addrs[0]
		}
	}
	return p, h.Validate(p)
}

func (Stake) Validate(p domain.Metadata) error {
	if err := ValidateAmount(p.Amount); err != nil {
		return err
	}
	return ValidateAddress("contractAddress", p.ContractAddress)
}

func (Stake) PromptText(p domain.Metadata) string {
	return fmt.Sprintf("Stake %s into pool %s?", p.Amount, shortAddress(p.ContractAddress))
}

func (Stake) ExecuteText(domain.Metadata) string {
	return "Enter your wallet PIN in the secure prompt to sign the stake."
}

func (Stake) CancelText() string { return "Okay, staking cancelled." }

func (Stake) ReportSchema() string {
	return `{
  "type": "object",
  "required": ["txHash", "amount"],
  "properties": {
    "txHash": {"$ref": "#/$defs/hex"},
    "amount": {"type": "string", "pattern": "^\\d+(\\.\\d+)?$"}
  },
  "$defs": {` + hexDef + `}
}`
}

func (Stake) Complete(_ context.Context, _ WalletStore, pending *domain.PendingAction, report domain.Metadata) (domain.Metadata, string, error) {
	p := pending.Parameters
	if !sameAmount(p.Amount, report.Amount) {
		return domain.Metadata{}, "", &ReportRejectedError{Reason: MismatchReason, Field: "amount"}
	}
	if err := matchReported("contractAddress", p.ContractAddress, report.ContractAddress, sameAddress); err != nil {
		return domain.Metadata{}, "", err
	}
	outcome := domain.Metadata{
		TxHash:          report.TxHash,
		Amount:          p.Amount,
		ContractAddress: p.ContractAddress,
	}
	text := fmt.Sprintf("Staked %s.\nTransaction: %s", p.Amount, report.TxHash)
	return outcome, text, nil
}
