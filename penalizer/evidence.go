// Package penalizer builds fraud proofs of relay misbehaviour and submits them to the hub.
package penalizer

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/flashbots/gsn-relay/types"
	"github.com/pkg/errors"
)

var (
	errUnsupportedTxType = errors.New("only legacy transactions can be used as evidence")
	errPendingTx         = errors.New("transaction is not mined yet")

	emptyRLPString = rlp.RawValue{0x80}
)

// UnsignedTx is the field list the hub's penalizer decodes. Tail holds the EIP-155
// [chainId, 0, 0] suffix when the transaction was signed with replay protection.
type UnsignedTx struct {
	Nonce    uint64
	GasPrice *big.Int
	GasLimit uint64
	To       []byte
	Value    *big.Int
	Data     []byte
	Tail     []rlp.RawValue `rlp:"tail"`
}

// Evidence is a signed transaction split into the unsigned RLP payload and its signature
type Evidence struct {
	TxHash     common.Hash
	UnsignedTx []byte
	// Signature is r || s || v with v in {27, 28}
	Signature []byte
	Signer    common.Address

	Nonce    uint64
	GasPrice *big.Int
	GasLimit uint64
	To       *common.Address
	Value    *big.Int
	Data     []byte
	// ChainID is only set for EIP-155 signatures
	ChainID *big.Int
}

// NormalizeV maps a signature's v to its base recovery id 27 or 28.
// It reports whether the signature is EIP-155 protected.
func NormalizeV(v, chainID *big.Int) (byte, bool, error) {
	if v == nil {
		return 0, false, fmt.Errorf("%w: missing v", types.ErrAmbiguousSignatureEncoding)
	}
	if v.Cmp(big.NewInt(27)) == 0 || v.Cmp(big.NewInt(28)) == 0 {
		return byte(v.Uint64()), false, nil
	}
	if v.Cmp(big.NewInt(28)) < 0 {
		return 0, false, fmt.Errorf("%w: v=%s", types.ErrAmbiguousSignatureEncoding, v)
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return 0, false, fmt.Errorf("%w: v=%s needs a chain id", types.ErrAmbiguousSignatureEncoding, v)
	}

	// v' = v - (chainId*2 + 8)
	offset := new(big.Int).Lsh(chainID, 1)
	offset.Add(offset, big.NewInt(8))
	base := new(big.Int).Sub(v, offset)
	if base.Cmp(big.NewInt(27)) != 0 && base.Cmp(big.NewInt(28)) != 0 {
		return 0, false, fmt.Errorf("%w: v=%s does not match chain id %s", types.ErrAmbiguousSignatureEncoding, v, chainID)
	}
	return byte(base.Uint64()), true, nil
}

// FromTransaction builds evidence from a signed legacy transaction.
// chainID may be nil if unknown, in which case only pre EIP-155 signatures are accepted.
func FromTransaction(tx *ethtypes.Transaction, chainID *big.Int) (*Evidence, error) {
	if tx.Type() != ethtypes.LegacyTxType {
		return nil, errUnsupportedTxType
	}

	v, r, s := tx.RawSignatureValues()
	baseV, protected, err := NormalizeV(v, chainID)
	if err != nil {
		return nil, err
	}

	unsigned := &UnsignedTx{
		Nonce:    tx.Nonce(),
		GasPrice: tx.GasPrice(),
		GasLimit: tx.Gas(),
		Value:    tx.Value(),
		Data:     tx.Data(),
	}
	if to := tx.To(); to != nil {
		unsigned.To = to.Bytes()
	}
	if protected {
		encodedChainID, err := rlp.EncodeToBytes(chainID)
		if err != nil {
			return nil, errors.Wrap(err, "encode chain id")
		}
		unsigned.Tail = []rlp.RawValue{encodedChainID, emptyRLPString, emptyRLPString}
	}

	encoded, err := rlp.EncodeToBytes(unsigned)
	if err != nil {
		return nil, errors.Wrap(err, "encode unsigned transaction")
	}

	signature := make([]byte, crypto.SignatureLength)
	r.FillBytes(signature[0:32])
	s.FillBytes(signature[32:64])
	signature[crypto.RecoveryIDOffset] = baseV

	recoverable := append([]byte(nil), signature...)
	recoverable[crypto.RecoveryIDOffset] -= 27
	pub, err := crypto.SigToPub(crypto.Keccak256(encoded), recoverable)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrSignatureMismatch, err)
	}

	evidence := &Evidence{
		TxHash:     tx.Hash(),
		UnsignedTx: encoded,
		Signature:  signature,
		Signer:     crypto.PubkeyToAddress(*pub),
		Nonce:      tx.Nonce(),
		GasPrice:   tx.GasPrice(),
		GasLimit:   tx.Gas(),
		To:         tx.To(),
		Value:      tx.Value(),
		Data:       tx.Data(),
	}
	if protected {
		evidence.ChainID = new(big.Int).Set(chainID)
	}
	return evidence, nil
}

// DecodeUnsigned parses an unsigned transaction payload
func DecodeUnsigned(encoded []byte) (*UnsignedTx, error) {
	unsigned := new(UnsignedTx)
	if err := rlp.DecodeBytes(encoded, unsigned); err != nil {
		return nil, errors.Wrap(err, "decode unsigned transaction")
	}
	return unsigned, nil
}

// TransactionFetcher looks up transactions by hash. ledger.Backend implements it.
type TransactionFetcher interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *ethtypes.Transaction, isPending bool, err error)
}

// EvidenceBuilder builds evidence for mined transactions
type EvidenceBuilder struct {
	fetcher TransactionFetcher
}

func NewEvidenceBuilder(fetcher TransactionFetcher) *EvidenceBuilder {
	return &EvidenceBuilder{fetcher: fetcher}
}

// Build fetches the transaction and turns it into evidence
func (b *EvidenceBuilder) Build(ctx context.Context, txHash common.Hash, chainID *big.Int) (*Evidence, error) {
	tx, pending, err := b.fetcher.TransactionByHash(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("%w: transaction %s: %w", types.ErrChainRPCFailure, txHash.Hex(), err)
	}
	if pending {
		return nil, errPendingTx
	}
	return FromTransaction(tx, chainID)
}
