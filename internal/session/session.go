package session

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"BurnerLaunch/internal/burner"
	xerrors "BurnerLaunch/internal/errors"
)

// 会话解析错误
var (
	ErrMissingToken   = xerrors.New(xerrors.CodeUnauthenticated, "缺少 Bearer 令牌")
	ErrUnknownSession = xerrors.New(xerrors.CodeUnauthenticated, "会话不存在或已失效")
)

// Resolver 将会话令牌解析为请求方身份。
type Resolver interface {
	Resolve(ctx context.Context, token string) (*burner.Requester, error)
}

// Entry 描述一个静态会话：令牌与保存请求方私钥的环境变量名。
type Entry struct {
	Token  string
	KeyEnv string
}

// StaticResolver 在启动时加载全部会话，运行期只读。
type StaticResolver struct {
	sessions map[[32]byte]burner.Requester
}

// Option 调整 StaticResolver 的构造行为。
type Option func(*options)

type options struct {
	lookupEnv func(string) (string, bool)
}

// WithLookupEnv 替换环境变量读取函数。
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(o *options) {
		if fn != nil {
			o.lookupEnv = fn
		}
	}
}

// NewStaticResolver 读取每个会话对应的私钥。任一私钥缺失或格式错误都会返回错误，
// 错误信息只包含环境变量名。
func NewStaticResolver(entries []Entry, opts ...Option) (*StaticResolver, error) {
	o := options{lookupEnv: os.LookupEnv}
	for _, opt := range opts {
		opt(&o)
	}
	r := &StaticResolver{sessions: make(map[[32]byte]burner.Requester, len(entries))}
	for _, entry := range entries {
		token := strings.TrimSpace(entry.Token)
		if token == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "会话令牌不能为空")
		}
		raw, ok := o.lookupEnv(entry.KeyEnv)
		if !ok || strings.TrimSpace(raw) == "" {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("环境变量 %s 未设置", entry.KeyEnv))
		}
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("环境变量 %s 不是合法私钥", entry.KeyEnv))
		}
		digest := sha256.Sum256([]byte(token))
		if _, dup := r.sessions[digest]; dup {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "会话令牌重复")
		}
		r.sessions[digest] = burner.Requester{Address: crypto.PubkeyToAddress(key.PublicKey), Key: key}
	}
	return r, nil
}

// Resolve 实现 Resolver。
func (r *StaticResolver) Resolve(_ context.Context, token string) (*burner.Requester, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	if r == nil {
		return nil, ErrUnknownSession
	}
	requester, ok := r.sessions[sha256.Sum256([]byte(token))]
	if !ok {
		return nil, ErrUnknownSession
	}
	return &requester, nil
}

// Len 返回已加载的会话数量。
func (r *StaticResolver) Len() int {
	if r == nil {
		return 0
	}
	return len(r.sessions)
}

// BearerToken 从 Authorization 头中提取令牌。
func BearerToken(authorization string) (string, error) {
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

type requesterKey struct{}

// WithRequester 将请求方身份存入上下文。
func WithRequester(ctx context.Context, requester *burner.Requester) context.Context {
	if requester == nil {
		return ctx
	}
	return context.WithValue(ctx, requesterKey{}, requester)
}

// RequesterFromContext 从上下文中取出请求方身份。
func RequesterFromContext(ctx context.Context) *burner.Requester {
	if ctx == nil {
		return nil
	}
	requester, _ := ctx.Value(requesterKey{}).(*burner.Requester)
	return requester
}
