// Package burner orchestrates the per-request burner wallet workflow: key
// generation, funding from the requester, payment-gated agent dispatch with
// bounded retries, direct deployment when the agent is exhausted, and the
// final sweep of residual balances back to the requester.
package burner
