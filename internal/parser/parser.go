// Package parser turns raw oracle output into a Turn.
//
// Parse never fails: it tries a JSON object first, then THINK|/SPEAK|/VOTE|
// tagged lines, then keyword heuristics, and finally returns the
// deterministic default decision. A JSON object that does not close keeps
// only its completed think and speak strings and never casts a vote.
package parser

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"impostor/internal/domain"
)

// DefaultThink is the private reasoning used whenever nothing usable was produced.
const DefaultThink = "I need more information."

// MaxFieldRunes bounds every free-text field taken from the oracle.
const MaxFieldRunes = 2000

type Source string

const (
	SourceStructured Source = "structured"
	SourceTagged     Source = "tagged"
	SourcePartial    Source = "partial"
	SourceHeuristic  Source = "heuristic"
	SourceDefault    Source = "default"
)

// Options describe who is deciding and who can be voted for.
type Options struct {
	AgentID string
	Step    int
	// Roster is the full roster in roster order, dead agents included.
	Roster []domain.Agent
}

type Result struct {
	Turn   domain.Turn
	Source Source
	// Reason explains any degradation (dropped vote, missing think...).
	Reason string
}

func (r Result) Degraded() bool { return r.Source != SourceStructured || r.Reason != "" }

// Fallback returns the deterministic turn used when an agent produced nothing usable.
func Fallback(agentID, reason string) domain.Turn {
	return domain.Turn{AgentID: agentID, Think: DefaultThink, Fallback: reason}
}

// Parse normalizes raw oracle output. It never panics.
func Parse(raw string, opts Options) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Turn: Fallback(opts.AgentID, "parser panic"), Source: SourceDefault, Reason: "parser panic"}
		}
	}()
	text := strings.TrimSpace(raw)
	if text == "" {
		return Result{Turn: Fallback(opts.AgentID, "empty response"), Source: SourceDefault, Reason: "empty response"}
	}
	if r, ok := parseStructured(text, opts); ok {
		return r
	}
	if looksLikeJSON(text) {
		if r, ok := parsePartial(text, opts); ok {
			return r
		}
		return Result{Turn: Fallback(opts.AgentID, "malformed json"), Source: SourceDefault, Reason: "malformed json"}
	}
	if r, ok := parseTagged(text, opts); ok {
		return r
	}
	if r, ok := parseHeuristic(text, opts); ok {
		return r
	}
	return Result{Turn: Fallback(opts.AgentID, "unparseable response"), Source: SourceDefault, Reason: "unparseable response"}
}

var fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

func extractObject(text string) (string, bool) {
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	candidate := text[start : end+1]
	if !gjson.Valid(candidate) {
		return "", false
	}
	return candidate, true
}

func parseStructured(text string, opts Options) (Result, bool) {
	obj, ok := extractObject(text)
	if !ok {
		return Result{}, false
	}
	doc := gjson.Parse(obj)
	if !doc.IsObject() {
		return Result{}, false
	}
	var reasons []string
	turn := domain.Turn{AgentID: opts.AgentID}
	turn.Think = clip(firstString(doc, "think", "thoughts", "thinking"))
	if turn.Think == "" {
		turn.Think = DefaultThink
		reasons = append(reasons, "missing think")
	}
	turn.Speak = clip(firstString(doc, "speak", "say"))
	if v := doc.Get("vote"); v.Exists() && v.Type != gjson.Null {
		target, reason := resolveVote(v.String(), opts)
		turn.Vote = target
		if reason != "" {
			reasons = append(reasons, reason)
		}
	}
	if m := doc.Get("memory_update"); m.IsObject() {
		turn.MemoryUpdate = parseMemory(m, opts)
	}
	return Result{Turn: turn, Source: SourceStructured, Reason: strings.Join(reasons, "; ")}, true
}

func firstString(doc gjson.Result, keys ...string) string {
	for _, k := range keys {
		v := doc.Get(k)
		if v.Exists() && v.Type == gjson.String {
			if s := strings.TrimSpace(v.String()); s != "" {
				return s
			}
		}
	}
	return ""
}

func parseMemory(m gjson.Result, opts Options) *domain.MemoryEntry {
	entry := domain.MemoryEntry{
		Step:     opts.Step,
		Location: clip(firstString(m, "location")),
		Action:   clip(firstString(m, "action")),
		Strategy: clip(firstString(m, "strategy_notes", "strategy")),
		Emotion:  clip(firstString(m, "emotion_state", "emotion")),
	}
	obs := m.Get("observations")
	switch {
	case obs.IsArray():
		for _, o := range obs.Array() {
			if s := clip(strings.TrimSpace(o.String())); s != "" {
				entry.Observations = append(entry.Observations, s)
			}
		}
	case obs.Type == gjson.String && strings.TrimSpace(obs.String()) != "":
		entry.Observations = []string{clip(strings.TrimSpace(obs.String()))}
	}
	if sus := m.Get("suspicions"); sus.IsObject() {
		sus.ForEach(func(key, value gjson.Result) bool {
			if id, ok := resolveAgent(key.String(), opts.Roster); ok {
				if entry.Suspicions == nil {
					entry.Suspicions = make(map[string]string)
				}
				entry.Suspicions[id] = clip(value.String())
			}
			return true
		})
	}
	if al := m.Get("alliances"); al.IsArray() {
		for _, a := range al.Array() {
			if id, ok := resolveAgent(a.String(), opts.Roster); ok && id != opts.AgentID {
				entry.Alliances = append(entry.Alliances, id)
			}
		}
	}
	return &entry
}

func parseTagged(text string, opts Options) (Result, bool) {
	var think, speak, voteReason, voteRaw string
	found := false
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.Contains(line, "|") {
			continue
		}
		parts := strings.Split(line, "|")
		tag := strings.ToUpper(strings.Trim(strings.TrimSpace(parts[0]), "*-# "))
		content := strings.TrimSpace(parts[1])
		switch tag {
		case "THINK":
			if think == "" {
				think = content
			}
		case "SPEAK":
			if speak == "" {
				speak = content
			}
		case "VOTE":
			voteReason = content
			if len(parts) >= 3 {
				voteRaw = strings.TrimSpace(parts[2])
			}
		default:
			continue
		}
		found = true
	}
	if !found {
		return Result{}, false
	}
	var reasons []string
	turn := domain.Turn{AgentID: opts.AgentID, Speak: clip(speak)}
	switch {
	case think != "":
		turn.Think = clip(think)
	case voteReason != "":
		turn.Think = clip(voteReason)
	default:
		turn.Think = DefaultThink
		reasons = append(reasons, "missing think")
	}
	if voteRaw != "" {
		target, reason := resolveVote(voteRaw, opts)
		turn.Vote = target
		if reason != "" {
			reasons = append(reasons, reason)
		}
	}
	return Result{Turn: turn, Source: SourceTagged, Reason: strings.Join(reasons, "; ")}, true
}

var objectStartRe = regexp.MustCompile(`\{\s*"`)

func looksLikeJSON(text string) bool {
	return strings.HasPrefix(text, "{") || objectStartRe.MatchString(text)
}

var closedFieldRe = regexp.MustCompile(`"(think|thoughts|thinking|speak|say)"\s*:\s*("(?:[^"\\]|\\.)*")`)

// parsePartial salvages completed think/speak strings from an object that
// was cut off. Votes and memory updates are never read from it.
func parsePartial(text string, opts Options) (Result, bool) {
	var think, speak string
	for _, m := range closedFieldRe.FindAllStringSubmatch(text, -1) {
		value := strings.TrimSpace(gjson.Parse(m[2]).String())
		if value == "" {
			continue
		}
		switch m[1] {
		case "speak", "say":
			if speak == "" {
				speak = value
			}
		default:
			if think == "" {
				think = value
			}
		}
	}
	if think == "" {
		return Result{}, false
	}
	turn := domain.Turn{AgentID: opts.AgentID, Think: clip(think), Speak: clip(speak)}
	return Result{Turn: turn, Source: SourcePartial, Reason: "truncated json"}, true
}

var (
	quotedRe     = regexp.MustCompile(`"([^"]{2,})"`)
	votePhraseRe = regexp.MustCompile(`(?i)\b(?:vote(?:s|d)?\s+(?:for|against|out)|voting\s+(?:for|against|out)|accuse(?:s|d)?|eject)\s+(?:agent\s*)?#?([a-z0-9]+)(\s+(?:or|and)\b)?`)
	sayPhraseRe  = regexp.MustCompile(`(?i)\b(?:say|said|tell|announce)\b`)
)

// parseHeuristic reads prose only when it carries an explicit vote phrase
// or a quoted utterance; anything else is left to the default decision.
func parseHeuristic(text string, opts Options) (Result, bool) {
	turn := domain.Turn{AgentID: opts.AgentID}
	matched := false
	reason := "heuristic extraction"
	if phrases := votePhraseRe.FindAllStringSubmatch(text, -1); len(phrases) > 0 {
		matched = true
		target, why := phraseTarget(phrases, opts)
		turn.Vote = target
		if why != "" {
			reason = why
		}
	}
	if sayPhraseRe.MatchString(text) {
		if m := quotedRe.FindStringSubmatch(text); m != nil {
			turn.Speak = clip(strings.TrimSpace(m[1]))
			matched = true
		}
	}
	if !matched {
		return Result{}, false
	}
	turn.Think = clip(text)
	return Result{Turn: turn, Source: SourceHeuristic, Reason: reason}, true
}

// phraseTarget resolves vote phrases to a single eligible agent. Disagreeing
// or unresolvable phrases abstain.
func phraseTarget(phrases [][]string, opts Options) (string, string) {
	var found string
	for _, m := range phrases {
		if m[2] != "" {
			return "", "vote intent without a valid target: ambiguous"
		}
		id, why := resolveVote(m[1], opts)
		if id == "" {
			if why == "" {
				why = "explicit abstention"
			}
			return "", "vote intent without a valid target: " + why
		}
		if found != "" && found != id {
			return "", "vote intent without a valid target: conflicting targets"
		}
		found = id
	}
	return found, ""
}

func resolveVote(raw string, opts Options) (string, string) {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch s {
	case "", "null", "none", "skip", "abstain", "no", "nobody", "-1":
		return "", ""
	}
	id, ok := resolveAgent(raw, opts.Roster)
	if !ok {
		return "", "unknown vote target " + strconv.Quote(clipN(raw, 40))
	}
	if !eligible(id, opts) {
		return "", "ineligible vote target " + id
	}
	return id, ""
}

func eligible(id string, opts Options) bool {
	if id == opts.AgentID {
		return false
	}
	for _, a := range opts.Roster {
		if a.ID == id {
			return a.Alive
		}
	}
	return false
}

// resolveAgent matches an id, a display name, a color, "AgentN" or a bare
// roster index.
func resolveAgent(raw string, roster []domain.Agent) (string, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return "", false
	}
	for _, a := range roster {
		if s == strings.ToLower(a.ID) || s == strings.ToLower(a.Name) || s == strings.ToLower(a.Color) {
			return a.ID, true
		}
	}
	s = strings.TrimPrefix(s, "agent")
	s = strings.TrimSpace(strings.TrimPrefix(s, "#"))
	if n, err := strconv.Atoi(s); err == nil && n >= 0 && n < len(roster) {
		return roster[n].ID, true
	}
	return "", false
}

func clip(s string) string { return clipN(s, MaxFieldRunes) }

func clipN(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
