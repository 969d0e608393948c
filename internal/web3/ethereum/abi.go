package ethereum

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABIJSON = `[
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"transfer","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]}
]`

const swapRouterABIJSON = `[
  {"type":"function","name":"exactInputSingle","stateMutability":"payable",
   "inputs":[{"name":"params","type":"tuple","components":[
     {"name":"tokenIn","type":"address"},
     {"name":"tokenOut","type":"address"},
     {"name":"fee","type":"uint24"},
     {"name":"recipient","type":"address"},
     {"name":"amountIn","type":"uint256"},
     {"name":"amountOutMinimum","type":"uint256"},
     {"name":"sqrtPriceLimitX96","type":"uint160"}]}],
   "outputs":[{"name":"amountOut","type":"uint256"}]}
]`

const tokenFactoryABIJSON = `[
  {"type":"function","name":"deployToken","stateMutability":"nonpayable",
   "inputs":[
     {"name":"name","type":"string"},
     {"name":"symbol","type":"string"},
     {"name":"image","type":"string"},
     {"name":"metadata","type":"string"},
     {"name":"tokenAdmin","type":"address"},
     {"name":"rewardRecipient","type":"address"},
     {"name":"rewardBps","type":"uint16"}],
   "outputs":[{"name":"token","type":"address"}]},
  {"type":"event","name":"TokenCreated","anonymous":false,
   "inputs":[
     {"name":"token","type":"address","indexed":true},
     {"name":"admin","type":"address","indexed":true},
     {"name":"name","type":"string","indexed":false},
     {"name":"symbol","type":"string","indexed":false}]}
]`

var (
	erc20ABI        = mustParseABI(erc20ABIJSON)
	swapRouterABI   = mustParseABI(swapRouterABIJSON)
	tokenFactoryABI = mustParseABI(tokenFactoryABIJSON)

	// TokenCreatedTopic is the event signature emitted by the token factory.
	TokenCreatedTopic = tokenFactoryABI.Events["TokenCreated"].ID
)

// exactInputSingleParams mirrors the router's ExactInputSingleParams tuple.
type exactInputSingleParams struct {
	TokenIn           common.Address
	TokenOut          common.Address
	Fee               *big.Int
	Recipient         common.Address
	AmountIn          *big.Int
	AmountOutMinimum  *big.Int
	SqrtPriceLimitX96 *big.Int
}

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
