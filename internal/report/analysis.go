package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/j5a-ops/j5a/internal/gate"
	"github.com/j5a-ops/j5a/internal/queue"
	"github.com/j5a-ops/j5a/internal/task"
	"github.com/j5a-ops/j5a/internal/validation"
)

// Suggestion is an operator-facing hint derived from past runs.
type Suggestion struct {
	Category    string // e.g. "Resources", "Gates", "Validation"
	Title       string
	Description string
}

// Analyzer looks for recurring problems in the progress log.
type Analyzer struct {
	progressPath string
	runID        string
}

// NewAnalyzer creates an analyzer for a workspace progress log. When runID
// is set only that run's events are considered.
func NewAnalyzer(progressPath, runID string) *Analyzer {
	return &Analyzer{progressPath: progressPath, runID: runID}
}

// Analyze reads the log and returns deduplicated suggestions.
func (a *Analyzer) Analyze() ([]Suggestion, error) {
	events, err := queue.ReadProgress(a.progressPath)
	if err != nil {
		return nil, err
	}
	if a.runID != "" {
		events = eventsForRun(events, a.runID)
	}

	var suggestions []Suggestion
	suggestions = append(suggestions, analyzeDeferrals(events)...)
	suggestions = append(suggestions, analyzeGates(events)...)
	suggestions = append(suggestions, analyzeValidation(events)...)
	suggestions = append(suggestions, analyzeOverrides(events)...)
	suggestions = append(suggestions, analyzeInfrastructure(events)...)
	return deduplicate(suggestions), nil
}

// LastRun returns the id and duration of the most recent finished run in
// the progress log. The id is empty when no run has finished yet.
func LastRun(progressPath string) (string, time.Duration, error) {
	events, err := queue.ReadProgress(progressPath)
	if err != nil {
		return "", 0, err
	}
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if e.Event != queue.EventRunFinished {
			continue
		}
		ms, _ := e.Data["duration_ms"].(float64)
		return e.String("run_id"), time.Duration(ms) * time.Millisecond, nil
	}
	return "", 0, nil
}

// eventsForRun keeps the events between run_started and run_finished of
// runID. Runs never overlap, so everything in between belongs to it.
func eventsForRun(events []queue.ProgressEvent, runID string) []queue.ProgressEvent {
	var out []queue.ProgressEvent
	inside := false
	for _, e := range events {
		switch e.Event {
		case queue.EventRunStarted:
			inside = e.String("run_id") == runID
			continue
		case queue.EventRunFinished:
			if inside {
				return out
			}
			continue
		}
		if inside {
			out = append(out, e)
		}
	}
	return out
}

// analyzeDeferrals finds tasks that keep being pushed back by resources.
func analyzeDeferrals(events []queue.ProgressEvent) []Suggestion {
	deferrals := make(map[string]int)
	for _, e := range events {
		if e.Event == queue.EventTaskFinished && e.String("status") == string(task.StatusDeferred) {
			deferrals[e.String("task_id")]++
		}
	}

	var suggestions []Suggestion
	for _, id := range sortedKeys(deferrals) {
		if n := deferrals[id]; n > 1 {
			suggestions = append(suggestions, Suggestion{
				Category:    "Resources",
				Title:       fmt.Sprintf("Task '%s' was deferred %d times", id, n),
				Description: "The machine was over its limits whenever this task came up. Consider per-task resource_limits, a lower priority, or a wait policy.",
			})
		}
	}
	return suggestions
}

// analyzeGates reports the gate that blocks most often.
func analyzeGates(events []queue.ProgressEvent) []Suggestion {
	blocks := make(map[string]int)
	for _, e := range events {
		if e.Event == queue.EventGateBlocked && e.String("class") != string(gate.ClassCancelled) {
			blocks[e.String("gate")]++
		}
	}
	if len(blocks) == 0 {
		return nil
	}

	names := sortedKeys(blocks)
	sort.SliceStable(names, func(i, j int) bool { return blocks[names[i]] > blocks[names[j]] })
	top := names[0]
	if blocks[top] < 2 {
		return nil
	}

	var desc string
	switch gate.Name(top) {
	case gate.PreFlight:
		desc = "Most blocks happen before any work starts. Check resource limits and protected windows."
	case gate.ProofOfConcept:
		desc = "Proof-of-concept runs keep failing. Review validation samples and the POC success rate."
	case gate.Implementation:
		desc = "Approaches keep violating methodology rules or regression tests. Review the rules catalog for these domains."
	case gate.Delivery:
		desc = "Delivery keeps blocking. Check rollback storage and late resource spikes."
	default:
		desc = "This gate blocks more than any other."
	}
	return []Suggestion{{
		Category:    "Gates",
		Title:       fmt.Sprintf("Gate '%s' blocked %d times", top, blocks[top]),
		Description: desc,
	}}
}

// analyzeValidation reports recurring failing layers.
func analyzeValidation(events []queue.ProgressEvent) []Suggestion {
	failures := make(map[string]int)
	for _, e := range events {
		if e.Event == queue.EventValidationFailed {
			failures[e.String("layer")]++
		}
	}

	var suggestions []Suggestion
	for _, layer := range validation.Layers {
		n := failures[string(layer)]
		if n == 0 {
			continue
		}
		var desc string
		switch layer {
		case validation.LayerExistence:
			desc = "Deliverables were missing or too small. Check that delegates write to the task work_dir."
		case validation.LayerQuality:
			desc = "Deliverables were malformed or missed their success criteria. Check formats and reported metrics."
		case validation.LayerFunctional:
			desc = "Test oracles rejected the output. Run the oracle by hand against the last deliverables."
		}
		suggestions = append(suggestions, Suggestion{
			Category:    "Validation",
			Title:       fmt.Sprintf("%s layer failed %s", layer, times(n)),
			Description: desc,
		})
	}
	return suggestions
}

// analyzeOverrides lists every gate skipped by an operator override.
func analyzeOverrides(events []queue.ProgressEvent) []Suggestion {
	var suggestions []Suggestion
	for _, e := range events {
		if e.Event != queue.EventGateOverride {
			continue
		}
		suggestions = append(suggestions, Suggestion{
			Category:    "Deviations",
			Title:       fmt.Sprintf("Task '%s' skipped gate '%s'", e.String("task_id"), e.String("gate")),
			Description: "Justification: " + e.String("justification"),
		})
	}
	return suggestions
}

// analyzeInfrastructure flags environment failures.
func analyzeInfrastructure(events []queue.ProgressEvent) []Suggestion {
	count := 0
	var sample string
	for _, e := range events {
		if e.Event == queue.EventTaskFinished && e.String("class") == string(gate.ClassInfrastructure) {
			count++
			if sample == "" {
				sample = e.String("reason")
			}
		}
	}
	if count == 0 {
		return nil
	}
	return []Suggestion{{
		Category:    "Infrastructure",
		Title:       fmt.Sprintf("%s blocked by the environment", plural(count, "task")),
		Description: "These are not problems with the work. First reason: " + sample,
	}}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func times(n int) string {
	if n == 1 {
		return "once"
	}
	return fmt.Sprintf("%d times", n)
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

// deduplicate removes suggestions with the same category and title.
func deduplicate(suggestions []Suggestion) []Suggestion {
	seen := make(map[string]bool)
	var result []Suggestion

	for _, s := range suggestions {
		key := s.Category + ":" + s.Title
		if !seen[key] {
			seen[key] = true
			result = append(result, s)
		}
	}

	return result
}

// FormatSuggestions groups suggestions by category for display.
func FormatSuggestions(suggestions []Suggestion) string {
	if len(suggestions) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(titleStyle.Render("Suggestions"))
	sb.WriteString("\n")

	byCategory := make(map[string][]Suggestion)
	var categories []string
	for _, s := range suggestions {
		if _, ok := byCategory[s.Category]; !ok {
			categories = append(categories, s.Category)
		}
		byCategory[s.Category] = append(byCategory[s.Category], s)
	}
	sort.Strings(categories)

	for _, cat := range categories {
		sb.WriteString(fmt.Sprintf("%s\n", headerStyle.Render(cat)))
		for _, s := range byCategory[cat] {
			sb.WriteString(fmt.Sprintf("  - %s\n", s.Title))
			sb.WriteString(fmt.Sprintf("    %s\n", subtleStyle.Render(s.Description)))
		}
		sb.WriteString("\n")
	}

	return sb.String()
}
