package stage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sells-group/strategyd/internal/model"
)

const strategistSystem = `You are a rideshare strategy expert advising a driver in real time.
Be specific to the location and time you are given. Do not invent venues
or events you cannot infer from the context.`

const brieferSystem = `You research live local conditions for rideshare drivers.
Search for what is happening near the given location right now and answer
with a single fenced json block and nothing else.`

const consolidatorSystem = `You combine a driver's strategic analysis with a live research
briefing into one final, actionable plan. Prefer the briefing where it is
newer or more specific. Never contradict the location or time context.`

// writeContext renders the shared snapshot context block.
func writeContext(b *strings.Builder, snap *model.Snapshot) {
	b.WriteString("DRIVER CONTEXT:\n")
	fmt.Fprintf(b, "- Location: %s\n", orUnknown(snap.FormattedAddress))
	if snap.City != "" || snap.State != "" {
		fmt.Fprintf(b, "- Market: %s\n", strings.Trim(snap.City+", "+snap.State, ", "))
	}
	fmt.Fprintf(b, "- Coordinates: %s\n", snap.LocationWKT())
	if !snap.LocalTime.IsZero() {
		fmt.Fprintf(b, "- Local time: %s (%s)\n", snap.LocalTime.Format("2006-01-02 15:04"), orUnknown(snap.Timezone))
	}
	fmt.Fprintf(b, "- Day: %s, %s\n", orUnknown(snap.DayOfWeek), orUnknown(snap.DayPart))
	fmt.Fprintf(b, "- Weather: %s\n", compactJSON(snap.Weather, "Unknown"))
	fmt.Fprintf(b, "- Airport: %s\n", compactJSON(snap.AirportContext, "None detected"))
}

// StrategistPrompt builds the fast strategy prompt.
func StrategistPrompt(snap *model.Snapshot) string {
	var b strings.Builder
	writeContext(&b, snap)
	b.WriteString(`
TASK:
Analyze current market conditions and recommend how this driver should
position for the next hour.

Include:
1. Market overview (demand patterns, surge likelihood)
2. Strategic insights (why certain areas are hot, timing)
3. Pro tips (specific actionable advice)
4. Earnings estimate (hourly potential under these conditions)

Write 200-300 words.`)
	return b.String()
}

// BrieferPrompt builds the research prompt. The answer is expected as JSON.
func BrieferPrompt(snap *model.Snapshot) string {
	var b strings.Builder
	writeContext(&b, snap)
	b.WriteString(`
TASK:
Find events, traffic incidents and airport activity within 15 miles that
affect rideshare demand over the next three hours.

Respond with:
` + "```json" + `
{
  "summary": "two or three sentences",
  "events": [{"name": "", "venue": "", "starts_at": "", "ends_at": "", "expected_impact": ""}],
  "traffic": {"incidents": [""], "congestion": ""},
  "airport": {"delays": "", "arrivals_peak": ""}
}
` + "```")
	return b.String()
}

// ConsolidatorPrompt builds the merge prompt. briefing may be nil.
func ConsolidatorPrompt(in ConsolidationInput) string {
	var b strings.Builder
	writeContext(&b, in.Snapshot)

	b.WriteString("\nSTRATEGIC ANALYSIS:\n")
	b.WriteString(strings.TrimSpace(in.StrategistOutput))
	b.WriteString("\n\nLIVE BRIEFING:\n")
	if in.Briefing == nil {
		b.WriteString("Unavailable. Base the plan on the analysis above and say that live conditions were not checked.\n")
	} else {
		fmt.Fprintf(&b, "Summary: %s\n", orUnknown(in.Briefing.Summary))
		fmt.Fprintf(&b, "Events: %s\n", compactJSON(in.Briefing.Events, "none"))
		fmt.Fprintf(&b, "Traffic: %s\n", compactJSON(in.Briefing.Traffic, "none"))
		fmt.Fprintf(&b, "Airport: %s\n", compactJSON(in.Briefing.Airport, "none"))
	}

	b.WriteString(`
TASK:
Produce the final plan: where to stage now, which two or three areas to
work next and what to avoid. Keep it under 250 words.`)
	return b.String()
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "Unknown"
	}
	return s
}

func compactJSON(raw json.RawMessage, empty string) string {
	if len(raw) == 0 || string(raw) == "null" {
		return empty
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
