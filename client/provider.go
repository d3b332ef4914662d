package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/gsn-relay/ledger"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

const (
	methodSendTransaction       = "eth_sendTransaction"
	methodGetTransactionReceipt = "eth_getTransactionReceipt"

	// DefaultReceiptTTL is how long the receipt of a relayed transaction is fixed up after sending
	DefaultReceiptTTL = time.Hour
)

var (
	errMissingArgs    = errors.New("missing call arguments")
	errWrongSender    = errors.New("transaction sender does not match the relay signer")
	errNoRecipient    = errors.New("relayed transactions need a recipient")
	errNoRelayedEvent = errors.New("receipt of relayed transaction has no TransactionRelayed event")
)

// Caller is the JSON-RPC surface the Provider wraps. *rpc.Client implements it.
type Caller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// SendTxArgs are the eth_sendTransaction arguments the Provider understands
type SendTxArgs struct {
	From     common.Address  `json:"from"`
	To       *common.Address `json:"to"`
	Gas      *hexutil.Uint64 `json:"gas"`
	GasPrice *hexutil.Big    `json:"gasPrice"`
	Data     hexutil.Bytes   `json:"data"`
	Input    hexutil.Bytes   `json:"input"`
}

// Provider relays eth_sendTransaction through a RelayClient and fixes up the receipts of relayed
// transactions. Every other call goes to the wrapped Caller unchanged.
type Provider struct {
	log    *logrus.Entry
	next   Caller
	client *RelayClient
	base   RelayOptions

	receiptTTL time.Duration
	relayed    *cache.Cache
}

// ProviderOption configures a Provider
type ProviderOption func(*Provider)

// WithReceiptTTL bounds how long relayed transaction hashes are remembered
func WithReceiptTTL(ttl time.Duration) ProviderOption {
	return func(p *Provider) {
		p.receiptTTL = ttl
	}
}

// NewProvider wraps next. base supplies the signer and defaults for every relayed call.
func NewProvider(log *logrus.Entry, next Caller, client *RelayClient, base RelayOptions, opt ...ProviderOption) *Provider {
	p := &Provider{
		log:        log.WithField("module", "provider"),
		next:       next,
		client:     client,
		base:       base,
		receiptTTL: DefaultReceiptTTL,
	}
	for _, o := range opt {
		o(p)
	}
	p.relayed = cache.New(p.receiptTTL, 2*p.receiptTTL)
	return p
}

func (p *Provider) CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	switch method {
	case methodSendTransaction:
		return p.sendTransaction(ctx, result, args)
	case methodGetTransactionReceipt:
		return p.getTransactionReceipt(ctx, result, args)
	default:
		return p.next.CallContext(ctx, result, method, args...)
	}
}

func (p *Provider) sendTransaction(ctx context.Context, result interface{}, args []interface{}) error {
	if len(args) == 0 {
		return errMissingArgs
	}
	var txArgs SendTxArgs
	if err := remarshal(args[0], &txArgs); err != nil {
		return fmt.Errorf("decode transaction arguments: %w", err)
	}
	if p.base.Signer == nil {
		return errMissingSigner
	}
	if txArgs.From != (common.Address{}) && txArgs.From != p.base.Signer.Address() {
		return errWrongSender
	}
	if txArgs.To == nil {
		return errNoRecipient
	}

	opts := p.base
	opts.To = *txArgs.To
	if txArgs.Gas != nil {
		opts.GasLimit = new(big.Int).SetUint64(uint64(*txArgs.Gas))
	}
	if txArgs.GasPrice != nil {
		opts.GasPrice = txArgs.GasPrice.ToInt()
	}
	data := txArgs.Input
	if len(data) == 0 {
		data = txArgs.Data
	}

	res, err := p.client.RelayTransaction(ctx, data, opts)
	if err != nil {
		return err
	}

	hub, err := p.client.hub(ctx, opts.To)
	if err != nil {
		return err
	}
	hash := res.Transaction.Hash()
	p.relayed.Set(hash.Hex(), hub, cache.DefaultExpiration)

	p.log.WithField("txHash", hash.Hex()).Debug("sent transaction through relay")
	if dst, ok := result.(*common.Hash); ok {
		*dst = hash
		return nil
	}
	return remarshal(hash, result)
}

func (p *Provider) getTransactionReceipt(ctx context.Context, result interface{}, args []interface{}) error {
	if len(args) == 0 {
		return errMissingArgs
	}
	var hash common.Hash
	if err := remarshal(args[0], &hash); err != nil {
		return fmt.Errorf("decode transaction hash: %w", err)
	}

	cached, relayed := p.relayed.Get(hash.Hex())
	if !relayed {
		return p.next.CallContext(ctx, result, methodGetTransactionReceipt, args...)
	}
	hub := cached.(*ledger.Hub)

	var receipt *ethtypes.Receipt
	if err := p.next.CallContext(ctx, &receipt, methodGetTransactionReceipt, args...); err != nil {
		return err
	}
	if receipt != nil {
		fixRelayedReceipt(p.log, hub, receipt)
	}
	switch dst := result.(type) {
	case **ethtypes.Receipt:
		*dst = receipt
		return nil
	case *ethtypes.Receipt:
		if receipt != nil {
			*dst = *receipt
		}
		return nil
	}
	return remarshal(receipt, result)
}

// fixRelayedReceipt marks the receipt failed if the hub reports that the relayed call reverted.
// The outer transaction succeeds even then, since the hub itself does not revert.
func fixRelayedReceipt(log *logrus.Entry, hub *ledger.Hub, receipt *ethtypes.Receipt) {
	for _, l := range receipt.Logs {
		if l.Address != hub.Address() || len(l.Topics) == 0 {
			continue
		}
		event, err := hub.DecodeEvent(l)
		if err != nil || event.Name != ledger.EventTransactionRelayed {
			continue
		}
		if event.Status != 0 {
			log.WithFields(logrus.Fields{
				"txHash": receipt.TxHash.Hex(),
				"status": event.Status,
			}).Debug("relayed call failed")
			receipt.Status = ethtypes.ReceiptStatusFailed
		}
		return
	}
	log.WithField("txHash", receipt.TxHash.Hex()).Warn(errNoRelayedEvent.Error())
}

func remarshal(src, dst interface{}) error {
	if dst == nil {
		return nil
	}
	raw, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
