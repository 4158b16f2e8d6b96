package action

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/chatpact/internal/domain"
	"github.com/ashureev/chatpact/internal/response"
)

// Informational answers read-only intents. Nothing here creates or ends a
// pending action.
type Informational struct {
	wallets WalletStore
	compose *response.Composer
}

// NewInformational creates the read-only intent responder.
func NewInformational(wallets WalletStore, compose *response.Composer) *Informational {
	return &Informational{wallets: wallets, compose: compose}
}

// ViewWallets lists the agent's wallets in the wallets metadata field.
func (i *Informational) ViewWallets(ctx context.Context, turn domain.Turn) (*domain.Message, error) {
	wallets, err := i.wallets.ListWallets(ctx, turn.AgentID)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	scope := response.ScopeOf(turn)
	if len(wallets) == 0 {
		return i.compose.Text(scope, "You don't have any wallets yet. Say \"create a wallet\" to get one."), nil
	}

	views := make([]domain.WalletView, 0, len(wallets))
	lines := make([]string, 0, len(wallets))
	for idx := range wallets {
		views = append(views, wallets[idx].View())
		lines = append(lines, fmt.Sprintf("%s: %s", wallets[idx].Kind, wallets[idx].PublicKey))
	}
	return i.compose.Info(scope, "Your wallets:\n"+strings.Join(lines, "\n"), domain.Metadata{Wallets: views}), nil
}

// CheckEmail emits the informational inbox marker.
func (i *Informational) CheckEmail(turn domain.Turn) *domain.Message {
	return i.compose.Info(response.ScopeOf(turn), "Here's your inbox.", domain.Metadata{Action: domain.ActionCheckEmail})
}
