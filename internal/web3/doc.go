// Package web3 houses the chain-agnostic wallet contract used by the toolkit,
// token metadata, exact decimal unit conversion and YAML chain definitions.
// Concrete chains live in subpackages such as ethereum.
package web3
