package burner

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"BurnerLaunch/internal/clock"
	xerrors "BurnerLaunch/internal/errors"
)

const maxKeyDraws = 8

// Wallet 是单次发射流程独占的临时钱包。私钥只存在于内存中，
// 所有格式化与序列化路径都只暴露地址。
type Wallet struct {
	Address   common.Address
	CreatedAt time.Time

	mu  sync.Mutex
	key *ecdsa.PrivateKey
}

// Key 返回签名密钥；Discard 之后返回 nil。
func (w *Wallet) Key() *ecdsa.PrivateKey {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.key
}

// Discard 清除内存中的私钥。
func (w *Wallet) Discard() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.key != nil && w.key.D != nil {
		w.key.D.SetInt64(0)
	}
	w.key = nil
}

// Discarded 报告私钥是否已被清除。
func (w *Wallet) Discarded() bool {
	return w.Key() == nil
}

// String 实现 fmt.Stringer。
func (w *Wallet) String() string {
	if w == nil {
		return "burner(<nil>)"
	}
	return fmt.Sprintf("burner(%s)", w.Address.Hex())
}

// GoString 覆盖 %#v 输出。
func (w *Wallet) GoString() string { return w.String() }

// Format 覆盖所有 fmt 动词，避免 %+v 打印结构体字段。
func (w *Wallet) Format(f fmt.State, _ rune) {
	_, _ = io.WriteString(f, w.String())
}

// MarshalJSON 只输出地址与创建时间。
func (w *Wallet) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Address   string    `json:"address"`
		CreatedAt time.Time `json:"createdAt"`
	}{Address: w.Address.Hex(), CreatedAt: w.CreatedAt})
}

// LogValue 实现 slog.LogValuer。
func (w *Wallet) LogValue() slog.Value {
	return slog.StringValue(w.Address.Hex())
}

// KeyFactory 生成临时钱包。
type KeyFactory struct {
	entropy io.Reader
	clock   clock.Clock
}

// KeyFactoryOption 定义可选配置。
type KeyFactoryOption func(*KeyFactory)

// WithEntropy 替换随机源，仅用于测试。
func WithEntropy(r io.Reader) KeyFactoryOption {
	return func(f *KeyFactory) {
		if r != nil {
			f.entropy = r
		}
	}
}

// WithKeyClock 指定时钟。
func WithKeyClock(c clock.Clock) KeyFactoryOption {
	return func(f *KeyFactory) {
		if c != nil {
			f.clock = c
		}
	}
}

// NewKeyFactory 构造 KeyFactory，默认使用 crypto/rand。
func NewKeyFactory(opts ...KeyFactoryOption) *KeyFactory {
	f := &KeyFactory{entropy: rand.Reader, clock: clock.NewSystem()}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Create 生成新的临时钱包。随机源不可用时返回致命错误。
func (f *KeyFactory) Create() (*Wallet, error) {
	seed := make([]byte, 32)
	defer clear(seed)

	var lastErr error
	for i := 0; i < maxKeyDraws; i++ {
		if _, err := io.ReadFull(f.entropy, seed); err != nil {
			return nil, xerrors.Wrap(CodeKeyGeneration, err, "读取安全随机数失败")
		}
		key, err := crypto.ToECDSA(seed)
		if err != nil {
			// 超出曲线阶或为零，重新抽取。
			lastErr = err
			continue
		}
		return &Wallet{
			Address:   crypto.PubkeyToAddress(key.PublicKey),
			CreatedAt: f.clock.Now(),
			key:       key,
		}, nil
	}
	return nil, xerrors.Wrap(CodeKeyGeneration, lastErr, "无法生成有效的私钥")
}
