package contracts

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// ERC20TransferABI is the transfer fragment of the ERC-20 interface. Nothing
// else of the token is called.
const ERC20TransferABI = `[
  {
    "constant": false,
    "inputs": [
      {"name": "_to", "type": "address"},
      {"name": "_value", "type": "uint256"}
    ],
    "name": "transfer",
    "outputs": [{"name": "", "type": "bool"}],
    "payable": false,
    "stateMutability": "nonpayable",
    "type": "function"
  }
]`

// TransferMethod is the ABI method name used for token transfers.
const TransferMethod = "transfer"

// ParseERC20 parses ERC20TransferABI.
func ParseERC20() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(ERC20TransferABI))
}
