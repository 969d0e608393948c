// Package web3 houses blockchain connectivity utilities for the launch
// engine: the Backend abstraction over go-ethereum clients, YAML chain
// definitions with the stable token, swap router and token factory used on
// each network, EIP-1559 fee quotes, and token unit conversions.
package web3
