package action

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/chatpact/internal/domain"
)

func TestValidateAmount(t *testing.T) {
	assert.NoError(t, ValidateAmount("10"))
	assert.NoError(t, ValidateAmount("0.5"))
	for _, bad := range []string{"", "0", "0.0", "-1", "1.", "1e3", "abc"} {
		assert.Error(t, ValidateAmount(bad), bad)
	}
}

func TestValidateAddress(t *testing.T) {
	assert.NoError(t, ValidateAddress("spender", "0xAbC123"))
	for _, bad := range []string{"", "abc", "0x", "0xZZ", "0x" + string(make([]byte, 65))} {
		assert.Error(t, ValidateAddress("spender", bad), bad)
	}
}

func TestApproveParams(t *testing.T) {
	p, err := ApproveToken{}.Params(domain.Turn{Text: "approve 10 STRK for 0xabc"})
	require.NoError(t, err)
	assert.Equal(t, "10", p.Amount)
	assert.Equal(t, knownTokens["STRK"], p.ContractAddress)
	assert.Equal(t, "0xabc", p.Spender)

	p, err = ApproveToken{}.Params(domain.Turn{Text: "approve 2.5 of 0x111 to 0x222."})
	require.NoError(t, err)
	assert.Equal(t, "0x111", p.ContractAddress)
	assert.Equal(t, "0x222", p.Spender)

	p, err = ApproveToken{}.Params(domain.Turn{
		Text:     "approve it",
		Metadata: domain.Metadata{Amount: "3", ContractAddress: "0x1", Spender: "0x2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "3", p.Amount)

	_, err = ApproveToken{}.Params(domain.Turn{Text: "approve 10 STRK"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "spender", verr.Field)
}

func TestConnectParams(t *testing.T) {
	p, err := ConnectWallet{}.Params(domain.Turn{Text: "connect my argent wallet 0x1234"})
	require.NoError(t, err)
	assert.Equal(t, "0x1234", p.PublicKey)

	_, err = ConnectWallet{}.Params(domain.Turn{Text: "connect my wallet"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "publicKey", verr.Field)
}

func TestReplyParams(t *testing.T) {
	_, err := ReplyEmail{}.Params(domain.Turn{Text: "reply saying hi"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "emailId", verr.Field)

	p, err := ReplyEmail{}.Params(domain.Turn{
		Text:     "reply: \"On my way\"",
		Metadata: domain.Metadata{PendingReply: &domain.PendingReply{EmailID: "m-1"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "On my way", p.PendingReply.Body)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	_, err := NewRegistry(Stake{}, Stake{})
	assert.Error(t, err)

	r := DefaultRegistry()
	assert.Equal(t, domain.ActionTypes, r.Types())
	h, ok := r.Lookup(domain.ActionReplyEmail)
	require.True(t, ok)
	assert.False(t, h.RequiresSecret())
}
