// Package session resolves bearer tokens into the requester identity that
// funds burners and receives swept balances. Session issuance lives outside
// this service; tokens are mapped to requester keys at start-up.
package session
