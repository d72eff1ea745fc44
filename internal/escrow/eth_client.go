package escrow

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"claimrails/internal/apperr"
	"claimrails/internal/contracts"
)

// EthClient drives the SendEscrow contract.
type EthClient struct {
	client        *ethclient.Client
	contract      *bind.BoundContract
	abi           abi.ABI
	address       common.Address
	chainID       *big.Int
	transacts     *bind.TransactOpts
	confirmations uint64
}

type EthClientConfig struct {
	RPCURL             string
	PrivateKeyHex      string
	ContractSendEscrow string
	// Confirmations is how many blocks must sit on top of a lock before
	// VerifyLock reports it.
	Confirmations uint64
}

func NewEthClient(ctx context.Context, cfg EthClientConfig) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(cfg.ContractSendEscrow) {
		return nil, fmt.Errorf("send escrow address is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for escrow operations")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(contracts.SendEscrowABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	address := common.HexToAddress(cfg.ContractSendEscrow)
	bound := bind.NewBoundContract(address, parsedABI, cli, cli, cli)

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}
	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	txOpts.GasLimit = 0 // let node estimate

	return &EthClient{
		client:        cli,
		contract:      bound,
		abi:           parsedABI,
		address:       address,
		chainID:       chainID,
		transacts:     txOpts,
		confirmations: cfg.Confirmations,
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (c *EthClient) CreateLock(ctx context.Context, req LockRequest) (string, error) {
	id, err := ParseTransferID(req.TransferID)
	if err != nil {
		return "", err
	}
	hint, err := parseBytes32(req.RecipientHintHash)
	if err != nil {
		return "", err
	}
	principal, err := ToUnits(req.Principal)
	if err != nil {
		return "", err
	}
	fee, err := ToUnits(req.SponsorFee)
	if err != nil {
		return "", err
	}

	tx, err := c.contract.Transact(c.opts(ctx), "createTransfer", id, principal, fee, uint64(req.Expiry.Unix()), hint)
	if err != nil {
		return "", fmt.Errorf("create transfer tx: %w", err)
	}
	return tx.Hash().Hex(), nil
}

// VerifyLock reads the receipt of txHash and decodes its TransferCreated
// event. A receipt that is missing or too shallow is transient; a reverted
// transaction or one without the event is a mismatch.
func (c *EthClient) VerifyLock(ctx context.Context, transferID, txHash string) (LockObservation, error) {
	id, err := ParseTransferID(transferID)
	if err != nil {
		return LockObservation{}, err
	}

	receipt, err := c.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return LockObservation{}, apperr.New(apperr.KindProviderTransient, "lock transaction not yet mined")
	}
	if err != nil {
		return LockObservation{}, fmt.Errorf("fetch receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return LockObservation{}, apperr.New(apperr.KindEscrowMismatch, "lock transaction reverted")
	}
	if c.confirmations > 0 {
		head, err := c.client.BlockNumber(ctx)
		if err != nil {
			return LockObservation{}, fmt.Errorf("fetch head: %w", err)
		}
		if receipt.BlockNumber == nil || head < receipt.BlockNumber.Uint64()+c.confirmations {
			return LockObservation{}, apperr.New(apperr.KindProviderTransient, "lock transaction awaiting confirmations")
		}
	}

	event := c.abi.Events["TransferCreated"]
	for _, lg := range receipt.Logs {
		if lg.Address != c.address || len(lg.Topics) < 3 || lg.Topics[0] != event.ID {
			continue
		}
		if lg.Topics[1] != common.Hash(id) {
			continue
		}
		obs, err := c.decodeCreated(lg)
		if err != nil {
			return LockObservation{}, err
		}
		obs.BlockNumber = lg.BlockNumber
		return obs, nil
	}
	return LockObservation{}, apperr.New(apperr.KindEscrowMismatch, "transaction does not lock this transfer")
}

func (c *EthClient) decodeCreated(lg *types.Log) (LockObservation, error) {
	values, err := c.abi.Unpack("TransferCreated", lg.Data)
	if err != nil {
		return LockObservation{}, fmt.Errorf("decode TransferCreated: %w", err)
	}
	if len(values) != 4 {
		return LockObservation{}, fmt.Errorf("decode TransferCreated: got %d fields", len(values))
	}
	principal, ok1 := values[0].(*big.Int)
	fee, ok2 := values[1].(*big.Int)
	hint, ok3 := values[3].([32]byte)
	if !ok1 || !ok2 || !ok3 {
		return LockObservation{}, fmt.Errorf("decode TransferCreated: unexpected field types")
	}
	total := new(big.Int).Add(principal, fee)
	return LockObservation{
		TransferID:        lg.Topics[1].Hex(),
		Amount:            FromUnits(total),
		RecipientHintHash: common.Hash(hint).Hex(),
		ChainID:           c.chainID.Int64(),
		Sender:            common.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
	}, nil
}

func (c *EthClient) Release(ctx context.Context, transferID, to string) (string, error) {
	id, err := ParseTransferID(transferID)
	if err != nil {
		return "", err
	}
	if !common.IsHexAddress(to) {
		return "", apperr.New(apperr.KindValidation, "invalid destination address")
	}
	tx, err := c.contract.Transact(c.opts(ctx), "release", id, common.HexToAddress(to))
	if err != nil {
		return "", fmt.Errorf("release tx: %w", err)
	}
	return tx.Hash().Hex(), nil
}

func (c *EthClient) Refund(ctx context.Context, transferID string) (string, error) {
	id, err := ParseTransferID(transferID)
	if err != nil {
		return "", err
	}
	tx, err := c.contract.Transact(c.opts(ctx), "refund", id)
	if err != nil {
		return "", fmt.Errorf("refund tx: %w", err)
	}
	return tx.Hash().Hex(), nil
}

func (c *EthClient) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}

func (c *EthClient) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

func (c *EthClient) opts(ctx context.Context) *bind.TransactOpts {
	opts := *c.transacts
	opts.Context = ctx
	return &opts
}

// ParseTransferID decodes a 0x-prefixed 32-byte transfer id.
func ParseTransferID(id string) ([32]byte, error) {
	out, err := parseBytes32(id)
	if err != nil {
		return out, apperr.New(apperr.KindValidation, "transfer id must be 32 bytes of hex")
	}
	return out, nil
}

// NormalizeTxHash validates a 0x-prefixed 32-byte transaction hash and
// returns it lowercased.
func NormalizeTxHash(h string) (string, error) {
	h = strings.ToLower(strings.TrimSpace(h))
	if _, err := parseBytes32(h); err != nil {
		return "", apperr.New(apperr.KindValidation, "escrow tx hash must be 32 bytes of hex")
	}
	return h, nil
}

func parseBytes32(v string) ([32]byte, error) {
	var out [32]byte
	if len(v) != 66 || !strings.HasPrefix(v, "0x") {
		return out, apperr.New(apperr.KindValidation, "expected 0x-prefixed 32-byte hex")
	}
	b, err := hex.DecodeString(v[2:])
	if err != nil {
		return out, apperr.New(apperr.KindValidation, "expected 0x-prefixed 32-byte hex")
	}
	copy(out[:], b)
	return out, nil
}

// ToUnits converts a USDC amount to its on-chain integer form. Amounts with
// more than six decimals are rejected rather than rounded.
func ToUnits(d decimal.Decimal) (*big.Int, error) {
	scaled := d.Shift(contracts.USDCDecimals)
	if !scaled.IsInteger() || scaled.IsNegative() {
		return nil, apperr.Newf(apperr.KindValidation, "amount %s is not representable in USDC units", d)
	}
	return scaled.BigInt(), nil
}

func FromUnits(v *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(v, -contracts.USDCDecimals)
}
