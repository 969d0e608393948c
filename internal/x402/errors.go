package x402

import (
	"net/http"

	xerrors "BurnerLaunch/internal/errors"
)

const (
	// CodeChallengeInvalid 表示 402 响应中的支付挑战缺字段或格式错误，属于协议错误。
	CodeChallengeInvalid xerrors.Code = "PAYMENT_CHALLENGE_INVALID"
	// CodePaymentFailed 表示需要付费但支付未能完成。
	CodePaymentFailed xerrors.Code = "PAYMENT_FAILED"
	// CodeAgentRejected 表示代理端点拒绝了请求或无法访问。
	CodeAgentRejected xerrors.Code = "AGENT_REJECTED"
)

func init() {
	xerrors.Register(CodeChallengeInvalid, xerrors.Attributes{
		Message:    "payment challenge is malformed",
		Severity:   xerrors.SeverityCritical,
		Class:      xerrors.ClassFatal,
		Alert:      true,
		HTTPStatus: http.StatusPaymentRequired,
	})
	xerrors.Register(CodePaymentFailed, xerrors.Attributes{
		Message:    "payment required but could not be satisfied",
		Severity:   xerrors.SeverityWarning,
		Class:      xerrors.ClassRetryable,
		Alert:      true,
		HTTPStatus: http.StatusPaymentRequired,
	})
	xerrors.Register(CodeAgentRejected, xerrors.Attributes{
		Message:    "agent rejected the request",
		Severity:   xerrors.SeverityWarning,
		Class:      xerrors.ClassRetryable,
		Retryable:  true,
		HTTPStatus: http.StatusBadGateway,
	})
}

func newChallengeError(message string) error {
	return xerrors.New(CodeChallengeInvalid, message)
}
