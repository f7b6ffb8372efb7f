package nudge

import (
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/nyashahama/learner-nudge-backend/internal/learner"
)

// EmergencyText is used when no template renders within the length bounds,
// e.g. for an unusually long first name.
const EmergencyText = "You're making progress. Take one small step in your course today!"

// band is a completion range with its default phrasing.
type band struct {
	below         float64 // exclusive upper bound
	encouragement string
	action        string
	urgentAction  string // used for high-risk learners
}

var bands = []band{
	{25, "every expert started with a first step", "open your next lesson for just 10 minutes", "set a 10-minute timer and start lesson one"},
	{50, "you're building momentum", "finish one more lesson today", "block 15 minutes today for your next lesson"},
	{75, "you're past the halfway mark", "complete the next module section", "pick up right where you left off today"},
	{101, "the finish line is in sight", "wrap up one of your remaining lessons", "finish one remaining lesson before tonight"},
}

// templates take the first name, the encouragement and the action.
var templates = []string{
	"Hi %s, %s! Try to %s.",
	"%s, %s. Why not %s?",
	"Keep going, %s: %s. Next step: %s.",
	"Hey %s! %s. Can you %s?",
}

// Fallback returns a deterministic template nudge for l. reason is for the
// caller's logs and metadata; it never changes the text, so identical
// snapshots always produce identical output.
func Fallback(l learner.Snapshot, reason string) string {
	name := l.FirstName()
	b := bandFor(l.CompletionPct)
	encouragement := b.encouragement
	action := actionFor(l, b)

	tmpl := templates[templateIndex(name)]
	if strings.HasPrefix(tmpl, "Hey") {
		encouragement = capitalize(encouragement)
	}

	text := fmt.Sprintf(tmpl, name, encouragement, action)
	if checkLength(text) != nil {
		return EmergencyText
	}
	return text
}

func bandFor(pct float64) band {
	for _, b := range bands {
		if pct < b.below {
			return b
		}
	}
	return bands[len(bands)-1]
}

// actionFor picks the micro-action: missed sessions first, then risk, then a
// weak quiz average, then the band default.
func actionFor(l learner.Snapshot, b band) string {
	switch {
	case l.MissedSessions >= 3:
		return "join your next scheduled session"
	case l.RiskLabel == learner.RiskHigh:
		return b.urgentAction
	case l.QuizAvg < 60:
		return "revisit one quiz topic for 10 minutes"
	default:
		return b.action
	}
}

func templateIndex(firstName string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(firstName)))
	return int(h.Sum32() % uint32(len(templates)))
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
