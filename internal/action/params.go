package action

import (
	"math/big"
	"regexp"
	"strconv"
	"strings"

	"github.com/ashureev/chatpact/internal/domain"
)

var (
	amountPattern  = regexp.MustCompile(`^\d+(\.\d+)?$`)
	addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{1,64}$`)
)

// knownTokens maps token symbols to their Starknet contract addresses.
var knownTokens = map[string]string{
	"STRK": "0x04718f5a0fc34cc1af16a1cdee98ffb20c31f5cd61d6ab07201858f4287c938d",
	"ETH":  "0x049d36570d4e46f48e99674bd3fcc84644ddd6b96f7c741b1562b82f9e004dc7",
	"USDC": "0x053c91253bc9682c04929ca02ed00b3e423f6710d2ee7e0d5ebb06f3ecf368a8",
}

// ValidateAmount checks for a positive decimal amount.
func ValidateAmount(amount string) error {
	if amount == "" {
		return &ValidationError{Field: "amount", Reason: "missing"}
	}
	if !amountPattern.MatchString(amount) {
		return &ValidationError{Field: "amount", Reason: "must be a positive decimal number"}
	}
	v, err := strconv.ParseFloat(amount, 64)
	if err != nil || v <= 0 {
		return &ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	return nil
}

// ValidateAddress checks a 0x-prefixed hex address.
func ValidateAddress(field, address string) error {
	if address == "" {
		return &ValidationError{Field: field, Reason: "missing"}
	}
	if !addressPattern.MatchString(address) {
		return &ValidationError{Field: field, Reason: "must be a 0x-prefixed hex address"}
	}
	return nil
}

// sameAddress compares hex addresses ignoring case and leading zeros.
func sameAddress(a, b string) bool {
	norm := func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
		return strings.TrimLeft(s, "0")
	}
	return a != "" && b != "" && norm(a) == norm(b)
}

// sameAmount compares decimal amounts by value, so "5" equals "5.0".
func sameAmount(a, b string) bool {
	x, okA := new(big.Rat).SetString(a)
	y, okB := new(big.Rat).SetString(b)
	return okA && okB && x.Cmp(y) == 0
}

// matchReported rejects a report field that is present and differs from the
// confirmed value. Absent fields pass; the schema decides which are required.
func matchReported(field, confirmed, reported string, same func(a, b string) bool) error {
	if reported == "" || same(confirmed, reported) {
		return nil
	}
	return &ReportRejectedError{Reason: MismatchReason, Field: field}
}

// words splits chat text into tokens with surrounding punctuation removed.
func words(text string) []string {
	fields := strings.Fields(text)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?()[]{}\"'")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// extractAmount returns the first bare decimal number in the text.
func extractAmount(text string) string {
	for _, w := range words(text) {
		if amountPattern.MatchString(w) {
			return w
		}
	}
	return ""
}

// extractAddresses returns every address-looking token in order.
func extractAddresses(text string) []string {
	var out []string
	for _, w := range words(text) {
		if addressPattern.MatchString(w) {
			out = append(out, w)
		}
	}
	return out
}

// extractToken returns the contract address of the first known token symbol.
func extractToken(text string) (symbol, address string) {
	for _, w := range words(text) {
		if addr, ok := knownTokens[strings.ToUpper(w)]; ok {
			return strings.ToUpper(w), addr
		}
	}
	return "", ""
}

// extractReplyBody returns the text after "saying" or the first colon.
func extractReplyBody(text string) string {
	lower := strings.ToLower(text)
	for _, marker := range []string{"saying", "that says", "with"} {
		if i := strings.Index(lower, marker+" "); i >= 0 {
			return trimQuotes(text[i+len(marker)+1:])
		}
	}
	if i := strings.Index(text, ":"); i >= 0 {
		return trimQuotes(text[i+1:])
	}
	return ""
}

func trimQuotes(s string) string {
	return strings.Trim(strings.TrimSpace(s), "\"'“”")
}

func shortAddress(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-4:]
}

// fill copies non-empty parameter fields from src into dst.
func fill(dst *domain.Metadata, src domain.Metadata) {
	if dst.Amount == "" {
		dst.Amount = src.Amount
	}
	if dst.ContractAddress == "" {
		dst.ContractAddress = src.ContractAddress
	}
	if dst.Spender == "" {
		dst.Spender = src.Spender
	}
	if dst.PublicKey == "" {
		dst.PublicKey = src.PublicKey
	}
}
