package action

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/chatpact/internal/domain"
)

// ReplyEmail sends a reply to an email the user opened. It needs no secret:
// confirmation dispatches it straight to the execution boundary.
type ReplyEmail struct{}

func (ReplyEmail) Type() domain.ActionType { return domain.ActionReplyEmail }
func (ReplyEmail) RequiresSecret() bool    { return false }

func (ReplyEmail) Precondition(context.Context, WalletStore, string) (string, error) {
	return "", nil
}

func (h ReplyEmail) Params(turn domain.Turn) (domain.Metadata, error) {
	var reply domain.PendingReply
	if turn.Metadata.PendingReply != nil {
		reply = *turn.Metadata.PendingReply
	}
	if strings.TrimSpace(reply.Body) == "" {
		reply.Body = extractReplyBody(turn.Text)
	}
	p := domain.Metadata{PendingReply: &reply}
	return p, h.Validate(p)
}

func (ReplyEmail) Validate(p domain.Metadata) error {
	if p.PendingReply == nil || strings.TrimSpace(p.PendingReply.EmailID) == "" {
		return &ValidationError{Field: "emailId", Reason: "open the email you want to answer first"}
	}
	if strings.TrimSpace(p.PendingReply.Body) == "" {
		return &ValidationError{Field: "body", Reason: "missing"}
	}
	return nil
}

func (ReplyEmail) PromptText(p domain.Metadata) string {
	r := p.PendingReply
	to := r.To
	if to == "" {
		to = "the sender"
	}
	return fmt.Sprintf("Send this reply to %s?\n\n%s", to, r.Body)
}

func (ReplyEmail) ExecuteText(domain.Metadata) string { return "Sending your reply." }

func (ReplyEmail) CancelText() string { return "Okay, I won't send that reply." }

func (ReplyEmail) ReportSchema() string {
	return `{
  "type": "object",
  "required": ["messageId"],
  "properties": {"messageId": {"type": "string", "minLength": 1}}
}`
}

func (ReplyEmail) Complete(_ context.Context, _ WalletStore, pending *domain.PendingAction, report domain.Metadata) (domain.Metadata, string, error) {
	to := "the sender"
	if r := pending.Parameters.PendingReply; r != nil && r.To != "" {
		to = r.To
	}
	return domain.Metadata{MessageID: report.MessageID}, fmt.Sprintf("Reply sent to %s.", to), nil
}
