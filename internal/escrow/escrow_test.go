package escrow

import (
	"context"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimrails/internal/apperr"
	"claimrails/internal/contracts"
)

const testTransferID = "0x1111111111111111111111111111111111111111111111111111111111111111"

func TestUnitsConversion(t *testing.T) {
	units, err := ToUnits(decimal.RequireFromString("101.000001"))
	require.NoError(t, err)
	assert.Equal(t, "101000001", units.String())
	assert.True(t, FromUnits(units).Equal(decimal.RequireFromString("101.000001")))

	_, err = ToUnits(decimal.RequireFromString("0.0000001"))
	require.ErrorIs(t, err, apperr.ErrValidation)
	_, err = ToUnits(decimal.RequireFromString("-1"))
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestParseTransferID(t *testing.T) {
	id, err := ParseTransferID(testTransferID)
	require.NoError(t, err)
	assert.Equal(t, byte(0x11), id[31])

	for _, bad := range []string{"", "0x11", strings.Repeat("1", 66), "0x" + strings.Repeat("z", 64)} {
		_, err := ParseTransferID(bad)
		require.ErrorIs(t, err, apperr.ErrValidation, bad)
	}
}

func TestDecodeTransferCreated(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(contracts.SendEscrowABI))
	require.NoError(t, err)
	escrowAddr := common.HexToAddress("0x00000000000000000000000000000000000000e5")
	c := &EthClient{abi: parsed, address: escrowAddr, chainID: big.NewInt(84532)}

	event := parsed.Events["TransferCreated"]
	hint := common.HexToHash("0xabcdef")
	data, err := event.Inputs.NonIndexed().Pack(big.NewInt(100_000_000), big.NewInt(1_000_000), uint64(1_900_000_000), [32]byte(hint))
	require.NoError(t, err)

	sender := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	lg := &types.Log{
		Address: escrowAddr,
		Topics:  []common.Hash{event.ID, common.HexToHash(testTransferID), common.BytesToHash(sender.Bytes())},
		Data:    data,
	}

	obs, err := c.decodeCreated(lg)
	require.NoError(t, err)
	assert.Equal(t, testTransferID, obs.TransferID)
	assert.True(t, obs.Amount.Equal(decimal.RequireFromString("101")), obs.Amount.String())
	assert.Equal(t, hint.Hex(), obs.RecipientHintHash)
	assert.Equal(t, int64(84532), obs.ChainID)
	assert.Equal(t, sender.Hex(), obs.Sender)
}

func TestFakeClientLockAndRelease(t *testing.T) {
	ctx := context.Background()
	f := NewFakeClient(1)

	txHash, err := f.CreateLock(ctx, LockRequest{
		TransferID:        testTransferID,
		Principal:         decimal.NewFromInt(100),
		SponsorFee:        decimal.NewFromInt(1),
		RecipientHintHash: "0xhint",
	})
	require.NoError(t, err)

	obs, err := f.VerifyLock(ctx, testTransferID, txHash)
	require.NoError(t, err)
	assert.True(t, obs.Amount.Equal(decimal.NewFromInt(101)))

	_, err = f.VerifyLock(ctx, testTransferID, "0xunknown")
	require.ErrorIs(t, err, apperr.ErrEscrowMismatch)

	_, err = f.Release(ctx, testTransferID, "0xabc")
	require.NoError(t, err)
	_, err = f.Release(ctx, testTransferID, "0xdef")
	require.Error(t, err)
	_, err = f.Refund(ctx, testTransferID)
	require.Error(t, err)

	to, ok := f.ReleasedTo(testTransferID)
	assert.True(t, ok)
	assert.Equal(t, "0xabc", to)
}
