package burner

import (
	"net/http"

	xerrors "BurnerLaunch/internal/errors"
)

const (
	// CodeKeyGeneration 表示无法生成临时签名密钥。
	CodeKeyGeneration xerrors.Code = "KEY_GENERATION_FAILED"
	// CodeFundingFailed 表示注资交易提交失败或执行失败。
	CodeFundingFailed xerrors.Code = "FUNDING_FAILED"
	// CodeFundingTimeout 表示注资交易未在超时前确认。
	CodeFundingTimeout xerrors.Code = "FUNDING_TIMEOUT"
	// CodeStaleNonce 表示注资交易因 nonce 过期被拒绝，可使用新 nonce 重试一次。
	CodeStaleNonce xerrors.Code = "FUNDING_STALE_NONCE"
	// CodeFallbackFailed 表示代理重试耗尽后的直接部署也失败。
	CodeFallbackFailed xerrors.Code = "FALLBACK_FAILED"
	// CodeDraining 表示服务正在关闭，新的发射请求被拒绝。
	CodeDraining xerrors.Code = "LAUNCHER_DRAINING"
	// CodeSweepFailed 表示回收余额失败，只记录不返回给调用方。
	CodeSweepFailed xerrors.Code = "SWEEP_FAILED"
)

func init() {
	xerrors.Register(CodeKeyGeneration, xerrors.Attributes{
		Message:    "failed to generate burner key",
		Severity:   xerrors.SeverityCritical,
		Class:      xerrors.ClassFatal,
		Alert:      true,
		HTTPStatus: http.StatusInternalServerError,
	})
	xerrors.Register(CodeFundingFailed, xerrors.Attributes{
		Message:    "burner funding failed",
		Severity:   xerrors.SeverityCritical,
		Class:      xerrors.ClassFatal,
		Alert:      true,
		HTTPStatus: http.StatusInternalServerError,
	})
	xerrors.Register(CodeFundingTimeout, xerrors.Attributes{
		Message:    "burner funding was not confirmed in time",
		Severity:   xerrors.SeverityCritical,
		Class:      xerrors.ClassFatal,
		Alert:      true,
		HTTPStatus: http.StatusGatewayTimeout,
	})
	xerrors.Register(CodeStaleNonce, xerrors.Attributes{
		Message:    "funding transaction used a stale nonce",
		Severity:   xerrors.SeverityWarning,
		Class:      xerrors.ClassRetryable,
		Retryable:  true,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeFallbackFailed, xerrors.Attributes{
		Message:    "agent dispatch exhausted and direct deployment failed",
		Severity:   xerrors.SeverityCritical,
		Class:      xerrors.ClassFatal,
		Alert:      true,
		HTTPStatus: http.StatusInternalServerError,
	})
	xerrors.Register(CodeSweepFailed, xerrors.Attributes{
		Message:    "burner sweep failed",
		Severity:   xerrors.SeverityWarning,
		Class:      xerrors.ClassBestEffort,
		Alert:      true,
		HTTPStatus: http.StatusInternalServerError,
	})
	xerrors.Register(CodeDraining, xerrors.Attributes{
		Message:    "launcher is shutting down",
		Severity:   xerrors.SeverityInfo,
		Class:      xerrors.ClassRetryable,
		Retryable:  true,
		HTTPStatus: http.StatusServiceUnavailable,
	})
}
