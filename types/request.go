package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	// DomainName is the EIP-712 domain name relay requests are signed under.
	DomainName = "GSN Relayed Transaction"
	// DomainVersion is the EIP-712 domain version relay requests are signed under.
	DomainVersion = "1"
)

var relayRequestTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"RelayRequest": {
		{Name: "target", Type: "address"},
		{Name: "encodedFunction", Type: "bytes"},
		{Name: "gasData", Type: "GasData"},
		{Name: "relayData", Type: "RelayData"},
	},
	"GasData": {
		{Name: "gasLimit", Type: "uint256"},
		{Name: "gasPrice", Type: "uint256"},
		{Name: "pctRelayFee", Type: "uint256"},
		{Name: "baseRelayFee", Type: "uint256"},
	},
	"RelayData": {
		{Name: "senderAddress", Type: "address"},
		{Name: "senderNonce", Type: "uint256"},
		{Name: "relayWorker", Type: "address"},
		{Name: "paymaster", Type: "address"},
	},
}

// GasData holds the gas and fee parameters of a relay request
type GasData struct {
	GasLimit     *big.Int
	GasPrice     *big.Int
	PctRelayFee  *big.Int
	BaseRelayFee *big.Int
}

// RelayData identifies who sends, who relays and who pays for a relay request
type RelayData struct {
	SenderAddress common.Address
	SenderNonce   *big.Int
	RelayWorker   common.Address
	Paymaster     common.Address
}

// RelayRequest is the structured description of a call a sender wants relayed.
// It must not be modified after it has been signed.
type RelayRequest struct {
	Target          common.Address
	EncodedFunction []byte
	GasData         GasData
	RelayData       RelayData
}

// TypedData returns the EIP-712 typed data for this request, bound to the given chain and hub.
func (r *RelayRequest) TypedData(chainID *big.Int, hub common.Address) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       relayRequestTypes,
		PrimaryType: "RelayRequest",
		Domain: apitypes.TypedDataDomain{
			Name:              DomainName,
			Version:           DomainVersion,
			ChainId:           (*math.HexOrDecimal256)(orZero(chainID)),
			VerifyingContract: hub.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"target":          r.Target.Hex(),
			"encodedFunction": hexutil.Encode(r.EncodedFunction),
			"gasData": map[string]interface{}{
				"gasLimit":     orZero(r.GasData.GasLimit),
				"gasPrice":     orZero(r.GasData.GasPrice),
				"pctRelayFee":  orZero(r.GasData.PctRelayFee),
				"baseRelayFee": orZero(r.GasData.BaseRelayFee),
			},
			"relayData": map[string]interface{}{
				"senderAddress": r.RelayData.SenderAddress.Hex(),
				"senderNonce":   orZero(r.RelayData.SenderNonce),
				"relayWorker":   r.RelayData.RelayWorker.Hex(),
				"paymaster":     r.RelayData.Paymaster.Hex(),
			},
		},
	}
}

// Hash returns the EIP-712 digest which the sender signs.
func (r *RelayRequest) Hash(chainID *big.Int, hub common.Address) (common.Hash, error) {
	digest, _, err := apitypes.TypedDataAndHash(r.TypedData(chainID, hub))
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(digest), nil
}

func orZero(i *big.Int) *big.Int {
	if i == nil {
		return new(big.Int)
	}
	return i
}
