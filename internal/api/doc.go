// Package api exposes the HTTP surface of the savings guardian: chat turns,
// history, emergency withdrawal, auto staking, pet records and progression
// tasks.
package api
