package client

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/gsn-relay/ledger"
	"github.com/flashbots/gsn-relay/types"
)

// validateRelayTransaction checks that the relay signed and will broadcast exactly the request we sent it
func validateRelayTransaction(hub *ledger.Hub, chainID *big.Int, req *types.RelayRequest, reqHash common.Hash, signature []byte,
	tx *ethtypes.Transaction, relay common.Address, relayMaxNonce uint64,
) error {
	if tx.To() == nil || *tx.To() != hub.Address() {
		return fmt.Errorf("%w: transaction is not sent to hub %s", types.ErrInvalidResponse, hub.Address().Hex())
	}

	sender, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(chainID), tx)
	if err != nil {
		return fmt.Errorf("%w: %w", types.ErrSignatureMismatch, err)
	}
	if sender != relay {
		return fmt.Errorf("%w: transaction signed by %s", types.ErrSignatureMismatch, sender.Hex())
	}

	call, err := hub.UnpackRelayCall(tx.Data())
	if err != nil {
		return fmt.Errorf("%w: %w", types.ErrInvalidResponse, err)
	}
	// baseRelayFee is not part of relayCall
	relayed := &types.RelayRequest{
		Target:          call.Recipient,
		EncodedFunction: call.EncodedFunction,
		GasData: types.GasData{
			GasLimit:     call.GasLimit,
			GasPrice:     call.GasPrice,
			PctRelayFee:  call.TransactionFee,
			BaseRelayFee: req.GasData.BaseRelayFee,
		},
		RelayData: types.RelayData{
			SenderAddress: call.From,
			SenderNonce:   call.Nonce,
			RelayWorker:   relay,
			Paymaster:     call.Recipient,
		},
	}
	relayedHash, err := relayed.Hash(chainID, hub.Address())
	if err != nil {
		return fmt.Errorf("%w: %w", types.ErrInvalidResponse, err)
	}
	if relayedHash != reqHash {
		return fmt.Errorf("%w: relay mutated request", types.ErrInvalidResponse)
	}
	if !bytes.Equal(call.Signature, signature) {
		return fmt.Errorf("%w: relay replaced the request signature", types.ErrInvalidResponse)
	}

	if tx.Nonce() > relayMaxNonce {
		return fmt.Errorf("%w: nonce %d above %d", types.ErrNonceExceeded, tx.Nonce(), relayMaxNonce)
	}
	return nil
}
