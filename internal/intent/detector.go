// Package intent classifies chat turns into (domain, sub-intent) pairs using
// deterministic keyword matching. No model is involved in control decisions.
package intent

import (
	"log/slog"

	"github.com/ashureev/chatpact/internal/domain"
)

// Domain groups related intents.
type Domain string

// Domains.
const (
	DomainNone           Domain = "none"
	DomainWallet         Domain = "wallet"
	DomainEmail          Domain = "email"
	DomainExternalWallet Domain = "external_wallet"
)

// Sub is a sub-intent within a domain.
type Sub string

// Sub-intents.
const (
	SubNone    Sub = ""
	SubCreate  Sub = "create"
	SubView    Sub = "view"
	SubApprove Sub = "approve"
	SubStake   Sub = "stake"
	SubConnect Sub = "connect"
	SubCheck   Sub = "check"
	SubReply   Sub = "reply"
	SubConfirm Sub = "confirm"
	SubCancel  Sub = "cancel"
	SubReport  Sub = "report"
)

// Intent is a classification result. Action is empty for confirm/cancel
// texts that do not name an action.
type Intent struct {
	Domain Domain
	Sub    Sub
	Action domain.ActionType
}

// None is the fall-through classification.
var None = Intent{Domain: DomainNone}

// IsNone reports whether nothing matched.
func (i Intent) IsNone() bool {
	return i.Domain == DomainNone
}

// Detector classifies turns against a lexicon.
type Detector struct {
	lex *Lexicon
}

// NewDetector creates a detector. A nil lexicon selects the embedded default.
func NewDetector(lex *Lexicon) *Detector {
	if lex == nil {
		lex = DefaultLexicon()
	}
	return &Detector{lex: lex}
}

// DomainOf returns the domain an action type belongs to.
func DomainOf(action domain.ActionType) Domain {
	switch action {
	case domain.ActionCreateWallet, domain.ActionApproveToken, domain.ActionStake:
		return DomainWallet
	case domain.ActionConnectWallet:
		return DomainExternalWallet
	case domain.ActionReplyEmail, domain.ActionCheckEmail:
		return DomainEmail
	default:
		return DomainNone
	}
}

// Classify maps a turn to an intent. Metadata decides before text; it never
// panics and returns None for unmatched input.
func (d *Detector) Classify(text string, meta domain.Metadata, source string) (result Intent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("intent classification panicked", "panic", r)
			result = None
		}
	}()

	if action := domain.ActionType(source); action.Valid() {
		return Intent{Domain: DomainOf(action), Sub: SubReport, Action: action}
	}
	if in, ok := d.fromMetadata(meta); ok {
		return in
	}
	return d.fromText(newText(text))
}

func (d *Detector) fromMetadata(meta domain.Metadata) (Intent, bool) {
	switch {
	case meta.Decision == domain.DecisionCancel:
		return decisionIntent(SubCancel, meta.Action), true
	case meta.Decision == domain.DecisionConfirm:
		return decisionIntent(SubConfirm, meta.Action), true
	case meta.PendingReply != nil:
		return Intent{Domain: DomainEmail, Sub: SubReply, Action: domain.ActionReplyEmail}, true
	case len(meta.Wallets) > 0:
		return Intent{Domain: DomainWallet, Sub: SubView}, true
	case meta.PromptConfirmation && meta.Action.Valid():
		return decisionIntent(SubConfirm, meta.Action), true
	}
	return Intent{}, false
}

func decisionIntent(sub Sub, action domain.ActionType) Intent {
	if !action.Valid() {
		action = ""
	}
	dom := DomainOf(action)
	if dom == DomainNone {
		dom = DomainWallet
	}
	return Intent{Domain: dom, Sub: sub, Action: action}
}

func (d *Detector) fromText(t text) Intent {
	t = t.head(d.lex.BodyMarkers)
	if len(t.tokens) == 0 {
		return None
	}
	if t.hasAnyStrict(d.lex.Cancel) {
		return decisionIntent(SubCancel, d.namedAction(t))
	}
	if t.hasAnyStrict(d.lex.Confirm) {
		return decisionIntent(SubConfirm, d.namedAction(t))
	}
	for _, rule := range d.lex.Rules {
		if t.hasAny(rule.Topic) && t.hasAny(rule.Verbs) {
			return Intent{Domain: rule.Domain, Sub: rule.Sub, Action: rule.Action}
		}
	}
	if t.hasAnyStrict(d.lex.Affirm) {
		return decisionIntent(SubConfirm, d.namedAction(t))
	}
	return None
}

// namedAction finds the action a confirm/cancel text refers to.
func (d *Detector) namedAction(t text) domain.ActionType {
	for _, action := range namingOrder {
		if terms, ok := d.lex.Naming[action]; ok && t.hasAnyStrict(terms) {
			return action
		}
	}
	return ""
}

// hasAnyStrict is hasAny without the empty-list wildcard.
func (t text) hasAnyStrict(terms []string) bool {
	return len(terms) > 0 && t.hasAny(terms)
}
