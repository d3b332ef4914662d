// Package ledgertest provides an in-memory ledger Backend serving RelayHub calls for tests.
package ledgertest

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/flashbots/gsn-relay/ledger"
	gsntypes "github.com/flashbots/gsn-relay/types"
)

// ErrSubscriptionsNotSupported is returned by SubscribeNewHead, forcing pollers into interval mode
var ErrSubscriptionsNotSupported = errors.New("notifications not supported")

var (
	hubABI       = mustParse(ledger.RelayHubABI)
	recipientABI = mustParse(ledger.RecipientABI)
)

func mustParse(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Backend is an in-memory ledger.Backend. The zero value is not usable, use NewBackend.
type Backend struct {
	mu sync.Mutex

	hub         common.Address
	chainID     *big.Int
	chainIDErr  error
	block       uint64
	gasPrice    *big.Int
	estimateGas uint64

	balances  map[common.Address]*big.Int
	nonces    map[common.Address]uint64
	pending   map[common.Address]uint64
	hubNonces map[common.Address]*big.Int
	deposits  map[common.Address]*big.Int
	relays    map[common.Address]*ledger.RelayStake
	hubOf     map[common.Address]common.Address

	canRelayStatus *big.Int
	maxCharge      *big.Int
	requiredGas    *big.Int

	logs    []types.Log
	sent    []*types.Transaction
	txs     map[common.Hash]*types.Transaction
	sendErr func(tx *types.Transaction) error
}

// Option configures a Backend
type Option func(b *Backend)

// WithChainID sets the chain id
func WithChainID(id int64) Option {
	return func(b *Backend) {
		b.chainID = big.NewInt(id)
	}
}

// WithGasPrice sets the network gas price
func WithGasPrice(price *big.Int) Option {
	return func(b *Backend) {
		b.gasPrice = price
	}
}

// WithBlockNumber sets the latest block
func WithBlockNumber(block uint64) Option {
	return func(b *Backend) {
		b.block = block
	}
}

// NewBackend creates a Backend serving the hub at the given address
func NewBackend(hub common.Address, opt ...Option) *Backend {
	b := &Backend{
		hub:            hub,
		chainID:        big.NewInt(1337),
		block:          100,
		gasPrice:       big.NewInt(1_000_000_000),
		estimateGas:    21000,
		balances:       make(map[common.Address]*big.Int),
		nonces:         make(map[common.Address]uint64),
		pending:        make(map[common.Address]uint64),
		hubNonces:      make(map[common.Address]*big.Int),
		deposits:       make(map[common.Address]*big.Int),
		relays:         make(map[common.Address]*ledger.RelayStake),
		hubOf:          make(map[common.Address]common.Address),
		canRelayStatus: big.NewInt(ledger.CanRelayOK),
		maxCharge:      big.NewInt(1_000_000),
		requiredGas:    big.NewInt(200_000),
		txs:            make(map[common.Hash]*types.Transaction),
	}
	for _, o := range opt {
		o(b)
	}
	return b
}

func (b *Backend) SetChainIDErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chainIDErr = err
}

func (b *Backend) SetBlockNumber(block uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.block = block
}

func (b *Backend) SetGasPrice(price *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gasPrice = price
}

func (b *Backend) SetBalance(account common.Address, balance *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[account] = balance
}

// SetNonce sets both the confirmed and the pending transaction count of account
func (b *Backend) SetNonce(account common.Address, nonce uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nonces[account] = nonce
	b.pending[account] = nonce
}

func (b *Backend) SetHubNonce(sender common.Address, nonce *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hubNonces[sender] = nonce
}

func (b *Backend) SetDeposit(target common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deposits[target] = amount
}

func (b *Backend) SetRelay(relay common.Address, stake *ledger.RelayStake) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.relays[relay] = stake
}

// SetRecipientHub makes recipient answer getHubAddr with the backend's hub
func (b *Backend) SetRecipientHub(recipient common.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hubOf[recipient] = b.hub
}

// SetCanRelayStatus forces a canRelay status. Any status other than CanRelayOK skips the signature check.
func (b *Backend) SetCanRelayStatus(status int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.canRelayStatus = big.NewInt(status)
}

func (b *Backend) SetMaxPossibleCharge(charge *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maxCharge = charge
}

// SetSendError installs a hook which can fail SendTransaction
func (b *Backend) SetSendError(fn func(tx *types.Transaction) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendErr = fn
}

// AddTransaction makes tx available to TransactionByHash without broadcasting it
func (b *Backend) AddTransaction(tx *types.Transaction) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.txs[tx.Hash()] = tx
}

// Sent returns all transactions accepted by SendTransaction, in order
func (b *Backend) Sent() []*types.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*types.Transaction(nil), b.sent...)
}

func (b *Backend) AddStaked(relay common.Address, stake, unstakeDelay *big.Int, block uint64) {
	b.addLog(ledger.EventStaked, []common.Hash{relayTopic(relay)}, block, stake, unstakeDelay)
}

func (b *Backend) AddRelayAdded(relay, owner common.Address, fee, stake, unstakeDelay *big.Int, url string, block uint64) {
	b.addLog(ledger.EventRelayAdded, []common.Hash{relayTopic(relay), relayTopic(owner)}, block, fee, stake, unstakeDelay, url)
}

func (b *Backend) AddRelayRemoved(relay common.Address, unstakeTime *big.Int, block uint64) {
	b.addLog(ledger.EventRelayRemoved, []common.Hash{relayTopic(relay)}, block, unstakeTime)
}

func (b *Backend) AddUnstaked(relay common.Address, stake *big.Int, block uint64) {
	b.addLog(ledger.EventUnstaked, []common.Hash{relayTopic(relay)}, block, stake)
}

func relayTopic(a common.Address) common.Hash {
	return common.BytesToHash(a.Bytes())
}

func (b *Backend) addLog(name string, indexed []common.Hash, block uint64, values ...interface{}) {
	event := hubABI.Events[name]
	data, err := event.Inputs.NonIndexed().Pack(values...)
	if err != nil {
		panic(err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.logs = append(b.logs, types.Log{
		Address:     b.hub,
		Topics:      append([]common.Hash{event.ID}, indexed...),
		Data:        data,
		BlockNumber: block,
		Index:       uint(len(b.logs)),
	})
}

func (b *Backend) ChainID(_ context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.chainIDErr != nil {
		return nil, b.chainIDErr
	}
	return new(big.Int).Set(b.chainID), nil
}

func (b *Backend) BlockNumber(_ context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.block, nil
}

func (b *Backend) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.gasPrice == nil {
		return nil, nil
	}
	return new(big.Int).Set(b.gasPrice), nil
}

func (b *Backend) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bal, ok := b.balances[account]; ok {
		return new(big.Int).Set(bal), nil
	}
	return new(big.Int), nil
}

func (b *Backend) NonceAt(_ context.Context, account common.Address, _ *big.Int) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonces[account], nil
}

func (b *Backend) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending[account] > b.nonces[account] {
		return b.pending[account], nil
	}
	return b.nonces[account], nil
}

func (b *Backend) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.estimateGas, nil
}

func (b *Backend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if msg.To == nil || len(msg.Data) < 4 {
		return nil, errors.New("invalid call")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if *msg.To != b.hub {
		method, err := recipientABI.MethodById(msg.Data[:4])
		if err != nil {
			return nil, err
		}
		hub, ok := b.hubOf[*msg.To]
		if !ok {
			return nil, errors.New("execution reverted")
		}
		return method.Outputs.Pack(hub)
	}

	method, err := hubABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}

	switch method.Name {
	case "getNonce":
		return method.Outputs.Pack(valueOr(b.hubNonces[args[0].(common.Address)]))
	case "balanceOf":
		return method.Outputs.Pack(valueOr(b.deposits[args[0].(common.Address)]))
	case "requiredGas":
		return method.Outputs.Pack(b.requiredGas)
	case "maxPossibleCharge":
		return method.Outputs.Pack(b.maxCharge)
	case "canRelay":
		if b.canRelayStatus.Sign() != 0 {
			return method.Outputs.Pack(b.canRelayStatus, []byte{})
		}
		return method.Outputs.Pack(b.checkRequestSignature(args), []byte{})
	case "getRelay":
		stake, ok := b.relays[args[0].(common.Address)]
		if !ok {
			return method.Outputs.Pack(new(big.Int), new(big.Int), new(big.Int), common.Address{}, uint8(ledger.RelayStateUnknown))
		}
		return method.Outputs.Pack(valueOr(stake.TotalStake), valueOr(stake.UnstakeDelay), valueOr(stake.UnstakeTime), stake.Owner, uint8(stake.State))
	}
	return nil, errors.New("execution reverted: unsupported method " + method.Name)
}

// checkRequestSignature recovers the signer of a canRelay request the way the hub does
func (b *Backend) checkRequestSignature(args []interface{}) *big.Int {
	wrong := big.NewInt(ledger.CanRelayWrongSignature)
	if len(args) != 10 {
		return wrong
	}
	relay, _ := args[0].(common.Address)
	from, _ := args[1].(common.Address)
	to, _ := args[2].(common.Address)
	encoded, _ := args[3].([]byte)
	fee, _ := args[4].(*big.Int)
	gasPrice, _ := args[5].(*big.Int)
	gasLimit, _ := args[6].(*big.Int)
	nonce, _ := args[7].(*big.Int)
	signature, _ := args[8].([]byte)

	req := &gsntypes.RelayRequest{
		Target:          to,
		EncodedFunction: encoded,
		GasData: gsntypes.GasData{
			GasLimit:    gasLimit,
			GasPrice:    gasPrice,
			PctRelayFee: fee,
		},
		RelayData: gsntypes.RelayData{
			SenderAddress: from,
			SenderNonce:   nonce,
			RelayWorker:   relay,
			Paymaster:     to,
		},
	}
	hash, err := req.Hash(b.chainID, b.hub)
	if err != nil || len(signature) != crypto.SignatureLength {
		return wrong
	}
	sig := append([]byte(nil), signature...)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(hash.Bytes(), sig)
	if err != nil || crypto.PubkeyToAddress(*pub) != from {
		return wrong
	}
	return big.NewInt(ledger.CanRelayOK)
}

func valueOr(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func (b *Backend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []types.Log
	for _, l := range b.logs {
		if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Addresses) > 0 && !containsAddress(q.Addresses, l.Address) {
			continue
		}
		if !topicsMatch(q.Topics, l.Topics) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func containsAddress(list []common.Address, a common.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

func topicsMatch(filter [][]common.Hash, topics []common.Hash) bool {
	for i, alternatives := range filter {
		if len(alternatives) == 0 {
			continue
		}
		if i >= len(topics) {
			return false
		}
		found := false
		for _, t := range alternatives {
			if bytes.Equal(t[:], topics[i][:]) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (b *Backend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sendErr != nil {
		if err := b.sendErr(tx); err != nil {
			return err
		}
	}
	if _, known := b.txs[tx.Hash()]; known {
		return errors.New("already known")
	}

	sender, err := types.Sender(types.LatestSignerForChainID(b.chainID), tx)
	if err != nil {
		return err
	}
	if tx.Nonce() < b.nonces[sender] {
		return errors.New("nonce too low")
	}
	if tx.Nonce()+1 > b.pending[sender] {
		b.pending[sender] = tx.Nonce() + 1
	}
	b.sent = append(b.sent, tx)
	b.txs[tx.Hash()] = tx
	return nil
}

func (b *Backend) TransactionByHash(_ context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tx, ok := b.txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, false, nil
}

func (b *Backend) SubscribeNewHead(_ context.Context, _ chan<- *types.Header) (ethereum.Subscription, error) {
	return nil, ErrSubscriptionsNotSupported
}

var _ ledger.Backend = (*Backend)(nil)
