package download

import (
	"testing"
	"time"
)

func TestResolveOutrightWinners(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	grace := 30 * time.Second

	remoteLater := base.Add(5 * time.Minute)
	if got := Resolve(base, remoteLater, grace); got != WinnerRemote {
		t.Errorf("remote clearly later: got %v, want remote", got)
	}

	agentLater := base.Add(5 * time.Minute)
	if got := Resolve(agentLater, base, grace); got != WinnerAgent {
		t.Errorf("agent clearly later: got %v, want agent", got)
	}
}

func TestResolveNearTieFavorsRemote(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	grace := 30 * time.Second

	cases := []time.Time{
		base.Add(10 * time.Second),
		base.Add(-10 * time.Second),
		base,
	}
	for _, remoteTime := range cases {
		if got := Resolve(base, remoteTime, grace); got != WinnerRemote {
			t.Errorf("Resolve(%v, %v) = %v, want remote (within grace)", base, remoteTime, got)
		}
	}
}
