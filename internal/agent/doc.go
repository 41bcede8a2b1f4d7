// Package agent contains the savings guardian: the policy prompt, the bounded
// tool-calling loop that turns chat turns into replies, and the pre-scripted
// emergency withdrawal and auto staking flows.
package agent
