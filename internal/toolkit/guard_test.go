package toolkit

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "pawmise/internal/errors"
)

var (
	ownerAddr    = common.HexToAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	strangerAddr = common.HexToAddress("0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359")
)

func TestGuardAmount(t *testing.T) {
	guard := NewGuard(GuardConfig{MaxAmount: "100"})

	value, err := guard.Amount("12.5", 6)
	require.NoError(t, err)
	assert.Equal(t, "12500000", value.String())

	value, err = guard.Amount("100", 6)
	require.NoError(t, err)
	assert.Equal(t, "100000000", value.String())

	cases := []struct {
		raw  Amount
		code xerrors.Code
	}{
		{"0", xerrors.CodeInvalidArgument},
		{"-1", xerrors.CodeInvalidArgument},
		{"abc", xerrors.CodeInvalidArgument},
		{"", xerrors.CodeInvalidArgument},
		{"1.1234567", xerrors.CodeInvalidArgument},
		{"100.000001", xerrors.CodePolicyViolation},
		{"1e3", xerrors.CodeInvalidArgument},
	}
	for _, tc := range cases {
		_, err := guard.Amount(tc.raw, 6)
		assert.True(t, xerrors.Is(err, tc.code), "amount %q: expected %s, got %v", tc.raw, tc.code, err)
	}
}

func TestGuardExitAmountWaivesCapOnlyForOwnerExit(t *testing.T) {
	guard := NewGuard(GuardConfig{MaxAmount: "100"})

	_, err := guard.ExitAmount(context.Background(), "2000000", 6)
	assert.True(t, xerrors.Is(err, xerrors.CodePolicyViolation), "plain contexts stay capped, got %v", err)

	exit := WithOwnerExit(context.Background())
	value, err := guard.ExitAmount(exit, "2000000", 6)
	require.NoError(t, err)
	assert.Equal(t, "2000000000000", value.String())

	for _, raw := range []Amount{"0", "-5", "abc", "1.1234567"} {
		_, err := guard.ExitAmount(exit, raw, 6)
		assert.True(t, xerrors.Is(err, xerrors.CodeInvalidArgument), "amount %q: got %v", raw, err)
	}
}

func TestAmountUnmarshalAcceptsNumbersAndStrings(t *testing.T) {
	var args struct {
		A Amount `json:"a"`
		B Amount `json:"b"`
		C Amount `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a": 12.50, "b": " 3.25 ", "c": null}`), &args))
	assert.Equal(t, Amount("12.50"), args.A)
	assert.Equal(t, Amount("3.25"), args.B)
	assert.Equal(t, Amount(""), args.C)

	assert.Error(t, json.Unmarshal([]byte(`{"a": true}`), &args))
}

func TestGuardRecipient(t *testing.T) {
	strict := NewGuard(GuardConfig{OwnerOnlyRecipients: true})

	to, err := strict.Recipient(" "+ownerAddr.Hex()+" ", ownerAddr)
	require.NoError(t, err)
	assert.Equal(t, ownerAddr, to)

	_, err = strict.Recipient(strangerAddr.Hex(), ownerAddr)
	assert.True(t, xerrors.Is(err, xerrors.CodePolicyViolation))

	_, err = strict.Recipient("0x1234", ownerAddr)
	assert.True(t, xerrors.Is(err, xerrors.CodeInvalidArgument))

	_, err = strict.Recipient(common.Address{}.Hex(), ownerAddr)
	assert.True(t, xerrors.Is(err, xerrors.CodeInvalidArgument))

	relaxed := NewGuard(GuardConfig{})
	to, err = relaxed.Recipient(strangerAddr.Hex(), ownerAddr)
	require.NoError(t, err)
	assert.Equal(t, strangerAddr, to)
}

func TestGuardTokenIDAndText(t *testing.T) {
	guard := NewGuard(GuardConfig{})

	id, err := guard.TokenID("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id.Int64())

	_, err = guard.TokenID("-1")
	assert.True(t, xerrors.Is(err, xerrors.CodeInvalidArgument))
	_, err = guard.TokenID("nft")
	assert.True(t, xerrors.Is(err, xerrors.CodeInvalidArgument))

	_, err = guard.Text("imageUrl", "   ", 10)
	assert.True(t, xerrors.Is(err, xerrors.CodeInvalidArgument))
	_, err = guard.Text("imageUrl", "ipfs://very-long-url", 10)
	assert.True(t, xerrors.Is(err, xerrors.CodeInvalidArgument))
}
