// Package x402 implements the client side of the HTTP 402 payment challenge
// used by the launch agent: it detects a payment-required response, pays the
// challenge with an ERC-20 transfer (swapping native currency into the token
// first when the balance is short) and replays the call with the payment
// proof attached.
package x402
