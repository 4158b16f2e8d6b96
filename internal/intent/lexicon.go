package intent

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/chatpact/internal/domain"
)

//go:embed lexicon.yaml
var defaultLexiconYAML []byte

// Lexicon is the keyword table driving text classification.
//
// Cancel and Confirm are explicit decisions and beat every rule. Affirm terms
// confirm only when no rule matches. Text after the earliest body marker is
// message content and is not classified.
type Lexicon struct {
	Cancel      []string                       `yaml:"cancel"`
	Confirm     []string                       `yaml:"confirm"`
	Affirm      []string                       `yaml:"affirm"`
	BodyMarkers []string                       `yaml:"body_markers"`
	Naming      map[domain.ActionType][]string `yaml:"naming"`
	Rules       []Rule                         `yaml:"rules"`
}

// Rule maps a topic + verb combination to an intent. Empty lists match
// anything.
type Rule struct {
	Domain Domain            `yaml:"domain"`
	Sub    Sub               `yaml:"sub"`
	Action domain.ActionType `yaml:"action"`
	Topic  []string          `yaml:"topic"`
	Verbs  []string          `yaml:"verbs"`
}

// namingOrder fixes the order in which confirm/cancel texts are checked for
// an action name, most specific first.
var namingOrder = []domain.ActionType{
	domain.ActionConnectWallet,
	domain.ActionApproveToken,
	domain.ActionStake,
	domain.ActionReplyEmail,
	domain.ActionCreateWallet,
}

// DefaultLexicon returns the embedded lexicon.
func DefaultLexicon() *Lexicon {
	lex, err := ParseLexicon(defaultLexiconYAML)
	if err != nil {
		panic("intent: embedded lexicon is invalid: " + err.Error())
	}
	return lex
}

// LoadLexicon reads a lexicon from a YAML file.
func LoadLexicon(path string) (*Lexicon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read lexicon: %w", err)
	}
	return ParseLexicon(data)
}

// ParseLexicon decodes and validates a YAML lexicon.
func ParseLexicon(data []byte) (*Lexicon, error) {
	var lex Lexicon
	if err := yaml.Unmarshal(data, &lex); err != nil {
		return nil, fmt.Errorf("decode lexicon: %w", err)
	}
	if err := lex.Validate(); err != nil {
		return nil, err
	}
	return &lex, nil
}

// Validate checks that every rule names a known domain and action.
func (l *Lexicon) Validate() error {
	if len(l.Confirm) == 0 || len(l.Cancel) == 0 {
		return fmt.Errorf("lexicon: confirm and cancel terms are required")
	}
	for i, r := range l.Rules {
		switch r.Domain {
		case DomainWallet, DomainEmail, DomainExternalWallet:
		default:
			return fmt.Errorf("lexicon: rule %d has unknown domain %q", i, r.Domain)
		}
		if r.Sub == "" {
			return fmt.Errorf("lexicon: rule %d has no sub-intent", i)
		}
		if r.Action != "" && !r.Action.Valid() && r.Action != domain.ActionCheckEmail {
			return fmt.Errorf("lexicon: rule %d has unknown action %q", i, r.Action)
		}
	}
	for action := range l.Naming {
		if !action.Valid() {
			return fmt.Errorf("lexicon: naming entry for unknown action %q", action)
		}
	}
	return nil
}

// text is a lower-cased utterance with its word tokens.
type text struct {
	lower  string
	tokens []string
}

func newText(s string) text {
	lower := strings.ToLower(s)
	return text{
		lower: lower,
		tokens: strings.FieldsFunc(lower, func(r rune) bool {
			return !isWordRune(r)
		}),
	}
}

// head returns the command part of the utterance: everything before the
// earliest body marker. A marker at the very start cuts nothing.
func (t text) head(markers []string) text {
	cut := -1
	for _, m := range markers {
		m = strings.ToLower(strings.TrimSpace(m))
		if m == "" {
			continue
		}
		if i := indexTerm(t.lower, m); i > 0 && (cut < 0 || i < cut) {
			cut = i
		}
	}
	if cut < 0 {
		return t
	}
	h := newText(t.lower[:cut])
	if len(h.tokens) == 0 {
		return t
	}
	return h
}

// indexTerm finds term in s. Terms that start and end with a letter or digit
// must sit on word boundaries; punctuation terms match anywhere.
func indexTerm(s, term string) int {
	for from := 0; from < len(s); {
		i := strings.Index(s[from:], term)
		if i < 0 {
			return -1
		}
		i += from
		end := i + len(term)
		if (!isWordRune(firstRune(term)) || i == 0 || !isWordRune(lastRune(s[:i]))) &&
			(!isWordRune(lastRune(term)) || end == len(s) || !isWordRune(firstRune(s[end:]))) {
			return i
		}
		from = i + 1
	}
	return -1
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\''
}

func firstRune(s string) rune {
	for _, r := range s {
		return r
	}
	return 0
}

func lastRune(s string) rune {
	r, _ := utf8.DecodeLastRuneInString(s)
	return r
}

// has reports whether the term occurs as a word, word prefix or phrase.
func (t text) has(term string) bool {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return false
	}
	if strings.Contains(term, " ") {
		return strings.Contains(t.lower, term)
	}
	prefix := strings.HasSuffix(term, "*")
	term = strings.TrimSuffix(term, "*")
	for _, tok := range t.tokens {
		if tok == term || (prefix && strings.HasPrefix(tok, term)) {
			return true
		}
	}
	return false
}

// hasAny reports whether any term matches; an empty list matches.
func (t text) hasAny(terms []string) bool {
	if len(terms) == 0 {
		return true
	}
	for _, term := range terms {
		if t.has(term) {
			return true
		}
	}
	return false
}
