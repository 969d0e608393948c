package web3

import "strings"

var staleNonceMessages = []string{
	"nonce too low",
	"replacement transaction underpriced",
	"already known",
}

// IsStaleNonce reports whether a node rejected a submission because the
// sender's nonce had already been used. Node errors cross the RPC boundary
// as plain strings, so matching is textual.
func IsStaleNonce(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range staleNonceMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
