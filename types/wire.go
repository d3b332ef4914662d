package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// PingResponse is returned by a relay's GET /getaddr endpoint
type PingResponse struct {
	RelayServerAddress common.Address `json:"RelayServerAddress"`
	Ready              bool           `json:"Ready"`
	MinGasPrice        *big.Int       `json:"MinGasPrice"`
	Version            string         `json:"version"`
}

// RelayTransactionRequest is the body of POST /relay
type RelayTransactionRequest struct {
	EncodedFunction hexutil.Bytes  `json:"encodedFunction"`
	Signature       hexutil.Bytes  `json:"signature"`
	ApprovalData    hexutil.Bytes  `json:"approvalData"`
	From            common.Address `json:"from"`
	To              common.Address `json:"to"`
	GasPrice        *big.Int       `json:"gasPrice"`
	GasLimit        *big.Int       `json:"gasLimit"`
	RelayFee        *big.Int       `json:"relayFee"`
	BaseRelayFee    *big.Int       `json:"baseRelayFee,omitempty"`
	RecipientNonce  *big.Int       `json:"RecipientNonce"`
	RelayMaxNonce   uint64         `json:"RelayMaxNonce"`
	RelayHubAddress common.Address `json:"RelayHubAddress"`
}

// NewRelayTransactionRequest builds the wire body for a signed relay request.
func NewRelayTransactionRequest(req *RelayRequest, signature, approvalData []byte, relayMaxNonce uint64, hub common.Address) *RelayTransactionRequest {
	return &RelayTransactionRequest{
		EncodedFunction: req.EncodedFunction,
		Signature:       signature,
		ApprovalData:    approvalData,
		From:            req.RelayData.SenderAddress,
		To:              req.Target,
		GasPrice:        req.GasData.GasPrice,
		GasLimit:        req.GasData.GasLimit,
		RelayFee:        req.GasData.PctRelayFee,
		BaseRelayFee:    req.GasData.BaseRelayFee,
		RecipientNonce:  req.RelayData.SenderNonce,
		RelayMaxNonce:   relayMaxNonce,
		RelayHubAddress: hub,
	}
}

// RelayRequest returns the structured request as relayed by the given worker.
// For this hub version the recipient contract is its own paymaster.
func (r *RelayTransactionRequest) RelayRequest(worker common.Address) *RelayRequest {
	return &RelayRequest{
		Target:          r.To,
		EncodedFunction: r.EncodedFunction,
		GasData: GasData{
			GasLimit:     r.GasLimit,
			GasPrice:     r.GasPrice,
			PctRelayFee:  r.RelayFee,
			BaseRelayFee: r.BaseRelayFee,
		},
		RelayData: RelayData{
			SenderAddress: r.From,
			SenderNonce:   r.RecipientNonce,
			RelayWorker:   worker,
			Paymaster:     r.To,
		},
	}
}

// AuditRequest is the body of POST /audit
type AuditRequest struct {
	SignedTx hexutil.Bytes `json:"signedTx"`
}

// ErrorResponse is returned by the relay server when a request is rejected
type ErrorResponse struct {
	Error string `json:"error"`
}
