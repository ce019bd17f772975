// Copyright 2025 Certen Protocol
//
// RPCClient is a production Client implementation talking to an
// EVM-compatible ledger over JSON-RPC: dial once at startup, sign locally
// with a loaded authority key, submit raw calldata against the two
// program addresses named in config (shield pool, registry) and classify
// the node's response. The programs' ABIs are owned on-chain — RPCClient
// only needs the account-read and instruction-submission shapes in
// Client, so every call below is expressed against raw calldata rather
// than a generated binding.

package chain

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/cloak-protocol/cloak/pkg/merkle"
)

// Selector-style function tags prefixed onto calldata, analogous to an ABI
// method selector but fixed here since Cloak never generates bindings for
// the (out of scope) on-chain programs.
var (
	selPushRoot            = []byte{0x70, 0x75, 0x73, 0x68} // "push"
	selSubmitWithdraw      = []byte{0x77, 0x64, 0x72, 0x77} // "wdrw"
	selFindClaims          = []byte{0x63, 0x6c, 0x6d, 0x73} // "clms"
	selFindSigForNullifier = []byte{0x6e, 0x75, 0x6c, 0x6c} // "null"
)

// RPCClient is the production chain.Client, dialed against the
// configured ChainRPCURL(s). It signs with an authority key loaded from
// disk and submits to the shield
// pool program for withdrawals and the registry program for claim reads.
type RPCClient struct {
	eth *ethclient.Client

	shieldPool common.Address
	registry   common.Address

	authority    *ecdsa.PrivateKey
	authorityOpt *bind.TransactOpts
	chainID      *big.Int
}

// Dial connects to rpcURL and prepares a signer from the given ECDSA
// authority key (loaded by the caller from AuthorityKeyPath / config).
func Dial(ctx context.Context, rpcURL string, shieldPoolProgramID, registryProgramID string, authority *ecdsa.PrivateKey) (*RPCClient, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("chain: fetch chain id: %w", err)
	}

	opts, err := bind.NewKeyedTransactorWithChainID(authority, chainID)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("chain: build transactor: %w", err)
	}

	return &RPCClient{
		eth:          eth,
		shieldPool:   common.HexToAddress(shieldPoolProgramID),
		registry:     common.HexToAddress(registryProgramID),
		authority:    authority,
		authorityOpt: opts,
		chainID:      chainID,
	}, nil
}

// Close releases the underlying RPC connection.
func (c *RPCClient) Close() { c.eth.Close() }

// CurrentSlot reports the ledger's current block number, used as Cloak's
// "slot".
func (c *RPCClient) CurrentSlot(ctx context.Context) (uint64, error) {
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRPCTimeout, err)
	}
	return n, nil
}

// FindClaims performs an eth_call against the registry program with the
// batch hash as calldata and decodes a packed sequence of 105-byte claim
// records (address[32] || batchHash[32] || minerAuthority[32] ||
// expirySlot[8] || status[1]); the record count is the response length
// divided by the record size. The real decoding format is owned by the
// on-chain registry program; this mirrors it closely enough to exercise
// the account-read half of the opaque ledger interface.
func (c *RPCClient) FindClaims(ctx context.Context, batchHash merkle.Hash) ([]ClaimAccount, error) {
	calldata := append(append([]byte{}, selFindClaims...), batchHash[:]...)

	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{
		To:   &c.registry,
		Data: calldata,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRPCTimeout, err)
	}

	const recordSize = 32 + 32 + 32 + 8 + 1
	if len(out)%recordSize != 0 {
		return nil, fmt.Errorf("chain: malformed claims response (%d bytes, not a multiple of %d)", len(out), recordSize)
	}

	claims := make([]ClaimAccount, 0, len(out)/recordSize)
	for off := 0; off+recordSize <= len(out); off += recordSize {
		rec := out[off : off+recordSize]
		var claim ClaimAccount
		copy(claim.Address[:], rec[0:32])
		copy(claim.BatchHash[:], rec[32:64])
		copy(claim.MinerAuthority[:], rec[64:96])
		claim.ExpirySlot = binary.BigEndian.Uint64(rec[96:104])
		claim.Status = decodeClaimStatus(rec[104])
		claims = append(claims, claim)
	}
	return claims, nil
}

func decodeClaimStatus(b byte) ClaimStatus {
	switch b {
	case 0:
		return ClaimRevealed
	case 1:
		return ClaimConsumed
	default:
		return ClaimExpired
	}
}

// PushRoot signs and submits a push_root transaction to the shield pool
// program with the admin authority.
func (c *RPCClient) PushRoot(ctx context.Context, root merkle.Hash) (SubmitResult, error) {
	calldata := append(append([]byte{}, selPushRoot...), root[:]...)
	return c.send(ctx, c.shieldPool, calldata)
}

// SubmitWithdraw encodes and submits a withdraw transaction carrying the
// proof, public inputs and outputs.
func (c *RPCClient) SubmitWithdraw(ctx context.Context, ix WithdrawInstruction) (SubmitResult, error) {
	pi := PublicInputs{Root: ix.Root, Nullifier: ix.Nullifier, OutputsHash: ix.OutputsHash, Amount: ix.Amount}

	calldata := append([]byte{}, selSubmitWithdraw...)
	calldata = append(calldata, ix.ClaimPDA[:]...)
	calldata = append(calldata, ix.MinerAuthority[:]...)
	calldata = append(calldata, ix.ProtocolFeeSink[:]...)
	calldata = append(calldata, pi.Encode()...)
	calldata = append(calldata, lengthPrefixed(ix.ProofBytes)...)
	for _, o := range ix.Outputs {
		calldata = append(calldata, o.Recipient[:]...)
		var amt [8]byte
		binary.BigEndian.PutUint64(amt[:], o.Amount)
		calldata = append(calldata, amt[:]...)
	}

	res, err := c.send(ctx, c.shieldPool, calldata)
	if err != nil {
		if isNullifierAlreadyUsed(err) {
			return SubmitResult{}, ErrNullifierAlreadyUsed
		}
		if isInvalidProof(err) {
			return SubmitResult{}, ErrInvalidProof
		}
	}
	return res, err
}

// ConfirmSignature polls the transaction receipt for signature.
func (c *RPCClient) ConfirmSignature(ctx context.Context, signature string) (Confirmation, error) {
	receipt, err := c.eth.TransactionReceipt(ctx, common.HexToHash(signature))
	if err != nil {
		if err == ethereum.NotFound {
			return Confirmation{Status: StatusPending}, nil
		}
		return Confirmation{}, fmt.Errorf("%w: %v", ErrRPCTimeout, err)
	}

	if receipt.Status == types.ReceiptStatusFailed {
		return Confirmation{Status: StatusFailed, FailureReason: "receipt status failed"}, nil
	}
	return Confirmation{Status: StatusFinalized, FinalizedSlot: receipt.BlockNumber.Uint64()}, nil
}

// FindSignatureForNullifier queries the registry for the signature that
// already consumed nullifier, used by the worker's at-most-once recovery
// path.
func (c *RPCClient) FindSignatureForNullifier(ctx context.Context, nullifier merkle.Hash) (string, bool, error) {
	calldata := append(append([]byte{}, selFindSigForNullifier...), nullifier[:]...)
	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.registry, Data: calldata}, nil)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrRPCTimeout, err)
	}
	if len(out) == 0 {
		return "", false, nil
	}
	return common.BytesToHash(out).Hex(), true, nil
}

func (c *RPCClient) send(ctx context.Context, to common.Address, calldata []byte) (SubmitResult, error) {
	nonce, err := c.eth.PendingNonceAt(ctx, c.authorityOpt.From)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("%w: %v", ErrRPCTimeout, err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("%w: %v", ErrRPCTimeout, err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      500_000,
		GasPrice: gasPrice,
		Data:     calldata,
	})

	signer := types.LatestSignerForChainID(c.chainID)
	signedTx, err := types.SignTx(tx, signer, c.authority)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("chain: sign transaction: %w", err)
	}

	if err := c.eth.SendTransaction(ctx, signedTx); err != nil {
		return SubmitResult{}, classifySendError(err)
	}

	slot, _ := c.CurrentSlot(ctx)
	return SubmitResult{Signature: signedTx.Hash().Hex(), Slot: slot}, nil
}

func lengthPrefixed(b []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	return append(lenBuf[:], b...)
}

func classifySendError(err error) error {
	switch {
	case isNullifierAlreadyUsed(err):
		return ErrNullifierAlreadyUsed
	case isInvalidProof(err):
		return ErrInvalidProof
	default:
		return err
	}
}

func isNullifierAlreadyUsed(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "NullifierAlreadyUsed") || strings.Contains(err.Error(), "nullifier already used"))
}

func isInvalidProof(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "InvalidProof") || strings.Contains(err.Error(), "invalid proof"))
}

// LoadAuthorityKey parses a hex-encoded ECDSA private key, used for both
// the relay and the root publisher's admin signer.
func LoadAuthorityKey(hexKey string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(hexKey)
}

var _ Client = (*RPCClient)(nil)
