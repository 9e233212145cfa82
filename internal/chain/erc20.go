package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// The deposit/treasury token exposes transfer and balanceOf; the custody
// token additionally exposes a treasury-only mint.
const tokenABIJSON = `[
	{"type":"function","name":"transfer","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"balanceOf","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"mint","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"event","name":"Transfer","inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}],"anonymous":false}
]`

var (
	tokenABI abi.ABI

	// TransferTopic is the canonical Transfer(address,address,uint256)
	// event signature hash.
	TransferTopic common.Hash
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(tokenABIJSON))
	if err != nil {
		panic(fmt.Sprintf("chain: parse token ABI: %v", err))
	}
	tokenABI = parsed
	TransferTopic = tokenABI.Events["Transfer"].ID
}

// TransferEvent is a decoded ERC-20 Transfer log.
type TransferEvent struct {
	TxHash      common.Hash
	BlockNumber uint64
	Token       common.Address
	From        common.Address
	To          common.Address
	Amount      *big.Int
}

// PackTransfer encodes transfer(to, amount) call data.
func PackTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	return tokenABI.Pack("transfer", to, amount)
}

// PackMint encodes mint(to, amount) call data.
func PackMint(to common.Address, amount *big.Int) ([]byte, error) {
	return tokenABI.Pack("mint", to, amount)
}

// ParseTransferLog decodes a canonical Transfer event log. Logs with a
// different topic or a malformed shape are rejected.
func ParseTransferLog(lg types.Log) (TransferEvent, error) {
	if len(lg.Topics) != 3 || lg.Topics[0] != TransferTopic {
		return TransferEvent{}, fmt.Errorf("chain: not a Transfer log")
	}
	if len(lg.Data) != 32 {
		return TransferEvent{}, fmt.Errorf("chain: malformed Transfer data")
	}
	return TransferEvent{
		TxHash:      lg.TxHash,
		BlockNumber: lg.BlockNumber,
		Token:       lg.Address,
		From:        common.BytesToAddress(lg.Topics[1].Bytes()),
		To:          common.BytesToAddress(lg.Topics[2].Bytes()),
		Amount:      new(big.Int).SetBytes(lg.Data),
	}, nil
}
