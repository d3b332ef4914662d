package types

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	testHub    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testTarget = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	testWorker = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

func testRequest() *RelayRequest {
	return &RelayRequest{
		Target:          testTarget,
		EncodedFunction: []byte{0xde, 0xad, 0xbe, 0xef},
		GasData: GasData{
			GasLimit:     big.NewInt(100_000),
			GasPrice:     big.NewInt(1_000_000_000),
			PctRelayFee:  big.NewInt(70),
			BaseRelayFee: big.NewInt(0),
		},
		RelayData: RelayData{
			SenderAddress: common.HexToAddress("0x00000000000000000000000000000000000000dd"),
			SenderNonce:   big.NewInt(3),
			RelayWorker:   testWorker,
			Paymaster:     testTarget,
		},
	}
}

func TestRelayRequestHash(t *testing.T) {
	chainID := big.NewInt(1337)
	base, err := testRequest().Hash(chainID, testHub)
	require.NoError(t, err)

	again, err := testRequest().Hash(chainID, testHub)
	require.NoError(t, err)
	require.Equal(t, base, again)

	changes := map[string]func(r *RelayRequest){
		"target":          func(r *RelayRequest) { r.Target = testHub },
		"encodedFunction": func(r *RelayRequest) { r.EncodedFunction = []byte{0x01} },
		"gasLimit":        func(r *RelayRequest) { r.GasData.GasLimit = big.NewInt(1) },
		"gasPrice":        func(r *RelayRequest) { r.GasData.GasPrice = big.NewInt(1) },
		"pctRelayFee":     func(r *RelayRequest) { r.GasData.PctRelayFee = big.NewInt(1) },
		"baseRelayFee":    func(r *RelayRequest) { r.GasData.BaseRelayFee = big.NewInt(1) },
		"senderAddress":   func(r *RelayRequest) { r.RelayData.SenderAddress = testHub },
		"senderNonce":     func(r *RelayRequest) { r.RelayData.SenderNonce = big.NewInt(4) },
		"relayWorker":     func(r *RelayRequest) { r.RelayData.RelayWorker = testHub },
		"paymaster":       func(r *RelayRequest) { r.RelayData.Paymaster = testHub },
	}
	for name, change := range changes {
		t.Run(name, func(t *testing.T) {
			req := testRequest()
			change(req)
			h, err := req.Hash(chainID, testHub)
			require.NoError(t, err)
			require.NotEqual(t, base, h)
		})
	}

	t.Run("domain", func(t *testing.T) {
		otherChain, err := testRequest().Hash(big.NewInt(1), testHub)
		require.NoError(t, err)
		require.NotEqual(t, base, otherChain)

		otherHub, err := testRequest().Hash(chainID, testTarget)
		require.NoError(t, err)
		require.NotEqual(t, base, otherHub)
	})
}

func TestRelayTransactionRequestRoundTrip(t *testing.T) {
	req := testRequest()
	wire := NewRelayTransactionRequest(req, []byte{0x01}, []byte{0x02}, 9, testHub)
	require.Equal(t, uint64(9), wire.RelayMaxNonce)
	require.Equal(t, testHub, wire.RelayHubAddress)

	back := wire.RelayRequest(testWorker)
	require.Equal(t, req.Target, back.Target)
	require.Equal(t, req.RelayData, back.RelayData)

	h1, err := req.Hash(big.NewInt(1337), testHub)
	require.NoError(t, err)
	h2, err := back.Hash(big.NewInt(1337), testHub)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}
