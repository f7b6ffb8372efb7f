package nudge

import (
	"fmt"

	"github.com/nyashahama/learner-nudge-backend/internal/learner"
)

const promptTemplate = `You are a supportive learning coach writing a short nudge to a learner on an online course.

Learner:
- First name: %s
- Course completion: %.0f%%
- Quiz average: %.0f%%
- Missed sessions: %d
- Risk of dropping out: %s

Write ONE message that:
- greets the learner by first name,
- suggests exactly one small, concrete action they can take today,
- is upbeat and never guilt-tripping,
- is between %d and %d characters long.

Reply with the message text only. No quotes, no preamble, no emoji.`

// BuildPrompt renders the generation prompt for l.
func BuildPrompt(l learner.Snapshot) string {
	return fmt.Sprintf(promptTemplate,
		l.FirstName(),
		l.CompletionPct,
		l.QuizAvg,
		l.MissedSessions,
		l.RiskLabel,
		MinLength,
		MaxLength,
	)
}
