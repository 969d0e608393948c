package x402

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"BurnerLaunch/internal/web3"

	"github.com/ethereum/go-ethereum/common"
)

// 支付协议使用的请求/响应头。
const (
	HeaderPaymentAddress   = "payment-address"
	HeaderPaymentAmount    = "payment-amount"
	HeaderPaymentToken     = "payment-token"
	HeaderPaymentChainID   = "payment-chain-id"
	HeaderPaymentProof     = "payment-proof"
	HeaderPaymentSigner    = "payment-signer"
	HeaderPaymentSignature = "payment-signature"
)

// Challenge 是收费端点在 402 响应中给出的支付要求。
type Challenge struct {
	PayGateAddress common.Address
	// Amount 以代币最小单位表示。
	Amount       *big.Int
	TokenAddress common.Address
	// ChainID 为 nil 表示端点未声明网络。
	ChainID *big.Int
}

// Equal 判断两个挑战是否描述同一笔支付。
func (c *Challenge) Equal(other *Challenge) bool {
	if c == nil || other == nil {
		return c == other
	}
	if c.PayGateAddress != other.PayGateAddress || c.TokenAddress != other.TokenAddress {
		return false
	}
	if c.Amount.Cmp(other.Amount) != 0 {
		return false
	}
	if (c.ChainID == nil) != (other.ChainID == nil) {
		return false
	}
	return c.ChainID == nil || c.ChainID.Cmp(other.ChainID) == 0
}

// ParseChallenge 优先从响应头解析挑战，响应头缺失时回退到响应体。
// decimals 用于换算带小数点的金额。
func ParseChallenge(header http.Header, body []byte, decimals int) (*Challenge, error) {
	if hasChallengeHeaders(header) {
		return ChallengeFromHeaders(header, decimals)
	}
	return ChallengeFromBody(body, decimals)
}

func hasChallengeHeaders(header http.Header) bool {
	return header.Get(HeaderPaymentAddress) != "" ||
		header.Get(HeaderPaymentAmount) != "" ||
		header.Get(HeaderPaymentToken) != ""
}

// ChallengeFromHeaders 从 payment-* 响应头解析挑战。
func ChallengeFromHeaders(header http.Header, decimals int) (*Challenge, error) {
	return buildChallenge(rawChallenge{
		payTo:   header.Get(HeaderPaymentAddress),
		amount:  header.Get(HeaderPaymentAmount),
		token:   header.Get(HeaderPaymentToken),
		chainID: header.Get(HeaderPaymentChainID),
	}, decimals)
}

// flatBody 是简化的挑战响应体。
type flatBody struct {
	PaymentAddress string     `json:"paymentAddress"`
	PayTo          string     `json:"payTo"`
	Amount         jsonAmount `json:"amount"`
	Token          string     `json:"token"`
	Asset          string     `json:"asset"`
	ChainID        jsonAmount `json:"chainId"`
	Network        string     `json:"network"`
	Accepts        []accept   `json:"accepts"`
}

// accept 对应 x402 PaymentRequirements 中本服务关心的字段。
type accept struct {
	Scheme            string     `json:"scheme"`
	Network           string     `json:"network"`
	Amount            jsonAmount `json:"amount"`
	MaxAmountRequired jsonAmount `json:"maxAmountRequired"`
	Asset             string     `json:"asset"`
	PayTo             string     `json:"payTo"`
}

// jsonAmount 同时接受 JSON 数字与字符串。
type jsonAmount string

func (a *jsonAmount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*a = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = jsonAmount(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*a = jsonAmount(n.String())
	return nil
}

// ChallengeFromBody 解析 JSON 响应体，支持扁平结构与 x402 accepts 数组。
func ChallengeFromBody(body []byte, decimals int) (*Challenge, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, newChallengeError("响应头与响应体均未携带支付挑战")
	}
	var parsed flatBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, newChallengeError(fmt.Sprintf("解析支付挑战响应体失败: %v", err))
	}

	if len(parsed.Accepts) > 0 {
		for _, acc := range parsed.Accepts {
			if acc.Scheme != "" && !strings.EqualFold(acc.Scheme, "exact") {
				continue
			}
			amount := acc.Amount
			if amount == "" {
				amount = acc.MaxAmountRequired
			}
			return buildChallenge(rawChallenge{
				payTo:   acc.PayTo,
				amount:  string(amount),
				token:   acc.Asset,
				network: acc.Network,
			}, decimals)
		}
		return nil, newChallengeError("accepts 中没有支持的支付方式")
	}

	return buildChallenge(rawChallenge{
		payTo:   firstNonEmpty(parsed.PaymentAddress, parsed.PayTo),
		amount:  string(parsed.Amount),
		token:   firstNonEmpty(parsed.Token, parsed.Asset),
		chainID: string(parsed.ChainID),
		network: parsed.Network,
	}, decimals)
}

type rawChallenge struct {
	payTo   string
	amount  string
	token   string
	chainID string
	network string
}

func buildChallenge(raw rawChallenge, decimals int) (*Challenge, error) {
	payTo := strings.TrimSpace(raw.payTo)
	token := strings.TrimSpace(raw.token)
	amountText := strings.TrimSpace(raw.amount)

	var missing []string
	if payTo == "" {
		missing = append(missing, HeaderPaymentAddress)
	}
	if amountText == "" {
		missing = append(missing, HeaderPaymentAmount)
	}
	if token == "" {
		missing = append(missing, HeaderPaymentToken)
	}
	if len(missing) > 0 {
		return nil, newChallengeError("支付挑战缺少字段: " + strings.Join(missing, ", "))
	}
	if !common.IsHexAddress(payTo) {
		return nil, newChallengeError("收款地址无效: " + payTo)
	}
	if !common.IsHexAddress(token) {
		return nil, newChallengeError("代币地址无效: " + token)
	}

	amount, err := parseAmount(amountText, decimals)
	if err != nil {
		return nil, newChallengeError(err.Error())
	}

	chainID, err := parseChainID(raw.chainID, raw.network)
	if err != nil {
		return nil, newChallengeError(err.Error())
	}

	return &Challenge{
		PayGateAddress: common.HexToAddress(payTo),
		Amount:         amount,
		TokenAddress:   common.HexToAddress(token),
		ChainID:        chainID,
	}, nil
}

// parseAmount 将整数视为最小单位，将带小数点的值按 decimals 换算。
func parseAmount(text string, decimals int) (*big.Int, error) {
	var (
		amount *big.Int
		err    error
	)
	if strings.Contains(text, ".") {
		amount, err = web3.ParseUnits(text, decimals)
	} else {
		amount, err = web3.ParseUnits(text, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("支付金额无效: %w", err)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("支付金额必须大于 0: %s", text)
	}
	return amount, nil
}

// networkChainIDs 是 x402 v1 使用的网络名到 EVM 链 ID 的映射。
var networkChainIDs = map[string]int64{
	"ethereum":       1,
	"sepolia":        11155111,
	"base":           8453,
	"base-sepolia":   84532,
	"optimism":       10,
	"arbitrum":       42161,
	"polygon":        137,
	"polygon-amoy":   80002,
	"avalanche":      43114,
	"avalanche-fuji": 43113,
	"iotex":          4689,
	"sei":            1329,
	"sei-testnet":    1328,
}

// parseChainID 支持十进制、0x 十六进制、CAIP-2 的 eip155:<id> 以及 v1 网络名。
// 无法识别的网络名视为未指定链，返回 nil。
func parseChainID(chainID, network string) (*big.Int, error) {
	value := strings.TrimSpace(chainID)
	if value == "" {
		network = strings.ToLower(strings.TrimSpace(network))
		if network == "" {
			return nil, nil
		}
		if id, ok := networkChainIDs[network]; ok {
			return big.NewInt(id), nil
		}
		id, ok := strings.CutPrefix(network, "eip155:")
		if !ok {
			return nil, nil
		}
		value = id
	}
	id, ok := new(big.Int).SetString(value, 0)
	if !ok || id.Sign() <= 0 {
		return nil, fmt.Errorf("链 ID 无效: %s", value)
	}
	return id, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
