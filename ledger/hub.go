package ledger

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/gsn-relay/types"
	"github.com/pkg/errors"
)

// RelayState is the hub's view of a relay's registration
type RelayState uint8

const (
	RelayStateUnknown RelayState = iota
	RelayStateStaked
	RelayStateRegistered
	RelayStateRemoved
)

func (s RelayState) String() string {
	switch s {
	case RelayStateStaked:
		return "staked"
	case RelayStateRegistered:
		return "registered"
	case RelayStateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// CanRelay status codes reported by the hub
const (
	CanRelayOK                          = 0
	CanRelayWrongSignature              = 1
	CanRelayWrongNonce                  = 2
	CanRelayAcceptRelayedCallReverted   = 3
	CanRelayInvalidRecipientStatusCode  = 4
	canRelayFirstRecipientSpecificError = 11
)

var (
	hubABI       = mustParseABI(RelayHubABI)
	recipientABI = mustParseABI(RecipientABI)

	errUnknownMethod = errors.New("calldata does not match method")
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// RelayStake is the stake information the hub keeps for a relay
type RelayStake struct {
	TotalStake   *big.Int
	UnstakeDelay *big.Int
	UnstakeTime  *big.Int
	Owner        common.Address
	State        RelayState
}

// RelayCall holds the arguments of the hub's relayCall and canRelay methods
type RelayCall struct {
	From            common.Address
	Recipient       common.Address
	EncodedFunction []byte
	TransactionFee  *big.Int
	GasPrice        *big.Int
	GasLimit        *big.Int
	Nonce           *big.Int
	Signature       []byte
	ApprovalData    []byte
}

// Hub packs and unpacks RelayHub calls and reads hub state through a Backend.
type Hub struct {
	address common.Address
	abi     abi.ABI
	backend Backend
}

// NewHub binds the default RelayHub ABI to a deployed hub.
func NewHub(address common.Address, backend Backend) *Hub {
	return &Hub{address: address, abi: hubABI, backend: backend}
}

// NewHubWithABI binds a custom hub ABI, e.g. loaded from a deployment file.
func NewHubWithABI(address common.Address, backend Backend, abiJSON string) (*Hub, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, errors.Wrap(err, "parse hub abi")
	}
	for _, name := range []string{"relayCall", "canRelay", "getNonce", "registerRelay"} {
		if _, ok := parsed.Methods[name]; !ok {
			return nil, fmt.Errorf("hub abi is missing method %s", name)
		}
	}
	return &Hub{address: address, abi: parsed, backend: backend}, nil
}

// Address returns the hub's address
func (h *Hub) Address() common.Address {
	return h.address
}

// ABI returns the bound ABI
func (h *Hub) ABI() abi.ABI {
	return h.abi
}

func (h *Hub) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := h.abi.Pack(method, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "pack %s", method)
	}
	to := h.address
	out, err := h.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", types.ErrChainRPCFailure, method, err)
	}
	res, err := h.abi.Unpack(method, out)
	if err != nil {
		return nil, errors.Wrapf(err, "unpack %s", method)
	}
	return res, nil
}

func (h *Hub) callBigInt(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	res, err := h.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	if len(res) != 1 {
		return nil, fmt.Errorf("%s: unexpected number of outputs %d", method, len(res))
	}
	v, ok := res[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected output type %T", method, res[0])
	}
	return v, nil
}

// GetNonce returns the sender's relayed-call nonce
func (h *Hub) GetNonce(ctx context.Context, from common.Address) (*big.Int, error) {
	return h.callBigInt(ctx, "getNonce", from)
}

// BalanceOf returns the deposit held by the hub for target
func (h *Hub) BalanceOf(ctx context.Context, target common.Address) (*big.Int, error) {
	return h.callBigInt(ctx, "balanceOf", target)
}

// RequiredGas returns the gas a relayCall transaction needs for the given relayed call stipend
func (h *Hub) RequiredGas(ctx context.Context, relayedCallStipend *big.Int) (*big.Int, error) {
	return h.callBigInt(ctx, "requiredGas", relayedCallStipend)
}

// MaxPossibleCharge returns the maximum a relayed call can charge the recipient
func (h *Hub) MaxPossibleCharge(ctx context.Context, relayedCallStipend, gasPrice, transactionFee *big.Int) (*big.Int, error) {
	return h.callBigInt(ctx, "maxPossibleCharge", relayedCallStipend, gasPrice, transactionFee)
}

// GetRelay returns the stake information for a relay
func (h *Hub) GetRelay(ctx context.Context, relay common.Address) (*RelayStake, error) {
	res, err := h.call(ctx, "getRelay", relay)
	if err != nil {
		return nil, err
	}
	if len(res) != 5 {
		return nil, fmt.Errorf("getRelay: unexpected number of outputs %d", len(res))
	}
	stake := &RelayStake{}
	var ok [5]bool
	stake.TotalStake, ok[0] = res[0].(*big.Int)
	stake.UnstakeDelay, ok[1] = res[1].(*big.Int)
	stake.UnstakeTime, ok[2] = res[2].(*big.Int)
	stake.Owner, ok[3] = res[3].(common.Address)
	var state uint8
	state, ok[4] = res[4].(uint8)
	stake.State = RelayState(state)
	for i := range ok {
		if !ok[i] {
			return nil, fmt.Errorf("getRelay: unexpected type for output %d", i)
		}
	}
	return stake, nil
}

// CanRelay runs the hub's pre-check for a relay request and returns the status code with the recipient context.
func (h *Hub) CanRelay(ctx context.Context, relay common.Address, c *RelayCall) (*big.Int, []byte, error) {
	res, err := h.call(ctx, "canRelay", relay, c.From, c.Recipient, c.EncodedFunction,
		c.TransactionFee, c.GasPrice, c.GasLimit, c.Nonce, c.Signature, c.ApprovalData)
	if err != nil {
		return nil, nil, err
	}
	if len(res) != 2 {
		return nil, nil, fmt.Errorf("canRelay: unexpected number of outputs %d", len(res))
	}
	status, ok := res[0].(*big.Int)
	if !ok {
		return nil, nil, fmt.Errorf("canRelay: unexpected status type %T", res[0])
	}
	recipientContext, _ := res[1].([]byte)
	return status, recipientContext, nil
}

// CanRelayReason describes a canRelay status code
func CanRelayReason(status *big.Int) string {
	if status == nil {
		return "unknown"
	}
	switch {
	case status.Sign() == 0:
		return "ok"
	case status.Cmp(big.NewInt(CanRelayWrongSignature)) == 0:
		return "wrong signature"
	case status.Cmp(big.NewInt(CanRelayWrongNonce)) == 0:
		return "wrong nonce"
	case status.Cmp(big.NewInt(CanRelayAcceptRelayedCallReverted)) == 0:
		return "acceptRelayedCall reverted"
	case status.Cmp(big.NewInt(CanRelayInvalidRecipientStatusCode)) == 0:
		return "invalid recipient status code"
	case status.Cmp(big.NewInt(canRelayFirstRecipientSpecificError)) >= 0:
		return fmt.Sprintf("rejected by recipient with code %s", status)
	default:
		return fmt.Sprintf("unknown status %s", status)
	}
}

// PackRelayCall encodes a relayCall transaction payload
func (h *Hub) PackRelayCall(c *RelayCall) ([]byte, error) {
	return h.abi.Pack("relayCall", c.From, c.Recipient, c.EncodedFunction,
		c.TransactionFee, c.GasPrice, c.GasLimit, c.Nonce, c.Signature, c.ApprovalData)
}

// UnpackRelayCall decodes a relayCall transaction payload
func (h *Hub) UnpackRelayCall(data []byte) (*RelayCall, error) {
	method := h.abi.Methods["relayCall"]
	if len(data) < 4 || !bytes.Equal(data[:4], method.ID) {
		return nil, errUnknownMethod
	}
	vals, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, errors.Wrap(err, "unpack relayCall")
	}
	if len(vals) != 9 {
		return nil, fmt.Errorf("relayCall: unexpected number of arguments %d", len(vals))
	}
	c := &RelayCall{}
	var ok [9]bool
	c.From, ok[0] = vals[0].(common.Address)
	c.Recipient, ok[1] = vals[1].(common.Address)
	c.EncodedFunction, ok[2] = vals[2].([]byte)
	c.TransactionFee, ok[3] = vals[3].(*big.Int)
	c.GasPrice, ok[4] = vals[4].(*big.Int)
	c.GasLimit, ok[5] = vals[5].(*big.Int)
	c.Nonce, ok[6] = vals[6].(*big.Int)
	c.Signature, ok[7] = vals[7].([]byte)
	c.ApprovalData, ok[8] = vals[8].([]byte)
	for i := range ok {
		if !ok[i] {
			return nil, fmt.Errorf("relayCall: unexpected type for argument %d", i)
		}
	}
	return c, nil
}

// IsMethodCall reports whether data calls the named hub method
func (h *Hub) IsMethodCall(data []byte, name string) bool {
	method, ok := h.abi.Methods[name]
	return ok && len(data) >= 4 && bytes.Equal(data[:4], method.ID)
}

// PackRegisterRelay encodes a registerRelay transaction payload
func (h *Hub) PackRegisterRelay(transactionFee *big.Int, url string) ([]byte, error) {
	return h.abi.Pack("registerRelay", transactionFee, url)
}

// PackPenalizeRepeatedNonce encodes a penalizeRepeatedNonce transaction payload
func (h *Hub) PackPenalizeRepeatedNonce(unsignedTx1, signature1, unsignedTx2, signature2 []byte) ([]byte, error) {
	return h.abi.Pack("penalizeRepeatedNonce", unsignedTx1, signature1, unsignedTx2, signature2)
}

// PackPenalizeIllegalTransaction encodes a penalizeIllegalTransaction transaction payload
func (h *Hub) PackPenalizeIllegalTransaction(unsignedTx, signature []byte) ([]byte, error) {
	return h.abi.Pack("penalizeIllegalTransaction", unsignedTx, signature)
}

// HubAddressOf asks a relay recipient which hub it trusts
func HubAddressOf(ctx context.Context, backend Backend, recipient common.Address) (common.Address, error) {
	data, err := recipientABI.Pack("getHubAddr")
	if err != nil {
		return common.Address{}, err
	}
	out, err := backend.CallContract(ctx, ethereum.CallMsg{To: &recipient, Data: data}, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: getHubAddr: %w", types.ErrChainRPCFailure, err)
	}
	res, err := recipientABI.Unpack("getHubAddr", out)
	if err != nil {
		return common.Address{}, errors.Wrap(err, "unpack getHubAddr")
	}
	if len(res) != 1 {
		return common.Address{}, fmt.Errorf("getHubAddr: unexpected number of outputs %d", len(res))
	}
	hub, ok := res[0].(common.Address)
	if !ok || hub == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: recipient %s has no hub", types.ErrConfigMismatch, recipient)
	}
	return hub, nil
}
