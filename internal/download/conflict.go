// Package download brings external-planner changes back into the
// conscious-state document. conflict.go is pure and Redis-free so the
// resolution rule is unit testable on its own.
package download

import "time"

// Winner identifies which side's version should be written as the
// resolved state.
type Winner string

const (WinnerRemote Winner = "remote"
	WinnerAgent Winner = "agent"
)

// Resolve implements the conflict rule: the side with the
// strictly later timestamp wins outright; within graceWindow of each
// other, it's treated as a near-tie and the remote side wins (the
// external planner is the one human collaborators edit directly, so its
// last word is given the benefit of the doubt).
func Resolve(agentUpdatedAt, remoteUpdatedAt time.Time, graceWindow time.Duration) Winner {
	diff := remoteUpdatedAt.Sub(agentUpdatedAt)
	if diff < 0 {
		diff = -diff
	}
	if diff <= graceWindow {
		return WinnerRemote
	}
	if remoteUpdatedAt.After(agentUpdatedAt) {
		return WinnerRemote
	}
	return WinnerAgent
}
