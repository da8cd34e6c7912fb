package job

import (
	"strings"
	"time"
)

// scoreRisk derives a deterministic 0–100 risk score for a new job. Higher
// means more likely to be rejected at screening. The heuristic looks only at
// the submitted fields so retries always produce the same score.
func scoreRisk(params CreateParams, now time.Time) int {
	score := 0

	switch {
	case params.Budget >= 50000:
		score += 60
	case params.Budget >= 10000:
		score += 30
	case params.Budget >= 5000:
		score += 15
	}

	if len(strings.TrimSpace(params.Description)) < 30 {
		score += 20
	}

	if params.ScheduledAt.After(now.Add(90 * 24 * time.Hour)) {
		score += 15
	}

	// Same-day jobs leave no review window.
	if params.ScheduledAt.Before(now.Add(2 * time.Hour)) {
		score += 10
	}

	if score > 100 {
		score = 100
	}
	return score
}
