// Package rules loads the YAML-defined per-path/per-method protection
// rules (rate limits plus an escalation ladder) that the pipeline
// evaluates ahead of its standing global rate limits.
package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Action is an escalation step's mitigation action.
type Action string

const (
	ActionMonitor     Action = "monitor"
	ActionJSChallenge Action = "js_challenge"
	ActionRateLimit   Action = "rate_limit"
	ActionBlock       Action = "block"
)

// Limits holds the optional per-IP and per-subnet rate strings for a rule
// (e.g. "5/minute").
type Limits struct {
	PerIP     string `yaml:"per_ip"`
	PerSubnet string `yaml:"per_subnet"`
}

// EscalationStep is one rung of a rule's escalation ladder: once usage
// crosses Threshold percent of the rule's limit, Action applies, held for
// Duration if the action is a block.
type EscalationStep struct {
	Threshold float64 `yaml:"threshold"`
	Action    Action  `yaml:"action"`
	Duration  string  `yaml:"duration"`
}

// Rule is a single protection rule matched by path and/or method.
type Rule struct {
	Name       string           `yaml:"name"`
	Match      matchSpec        `yaml:"match"`
	Limits     Limits           `yaml:"limits"`
	Escalation []EscalationStep `yaml:"escalation"`
	Enabled    bool             `yaml:"-"`
}

type matchSpec struct {
	Path   string `yaml:"path"`
	Method string `yaml:"method"`
}

// rawRule mirrors Rule but captures Enabled as a pointer so a YAML file
// that omits the field defaults to true, matching the original's
// `enabled: bool = True` dataclass default.
type rawRule struct {
	Name       string           `yaml:"name"`
	Match      matchSpec        `yaml:"match"`
	Limits     Limits           `yaml:"limits"`
	Escalation []EscalationStep `yaml:"escalation"`
	Enabled    *bool            `yaml:"enabled"`
}

type ruleFile struct {
	Rules []rawRule `yaml:"rules"`
}

// Engine holds the loaded rule set and evaluates requests against it.
type Engine struct {
	log   *zap.Logger
	rules []Rule
}

// NewEngine creates an empty Engine; call LoadDirectory to populate it.
func NewEngine(log *zap.Logger) *Engine {
	return &Engine{log: log}
}

// Rules returns a copy of the currently loaded rule set.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// LoadDirectory loads every *.yml then *.yaml file (lexicographic within
// each extension) from dir, appending their rules. A file that fails to
// parse is logged and skipped; the rest still load. Returns the number of
// files successfully loaded.
func (e *Engine) LoadDirectory(dir string) int {
	if dir == "" {
		return 0
	}
	if _, err := os.Stat(dir); err != nil {
		if e.log != nil {
			e.log.Warn("rules directory not found", zap.String("dir", dir))
		}
		return 0
	}

	loaded := 0
	for _, pattern := range []string{"*.yml", "*.yaml"} {
		matches, _ := filepath.Glob(filepath.Join(dir, pattern))
		sort.Strings(matches)
		for _, path := range matches {
			if err := e.loadFile(path); err != nil {
				if e.log != nil {
					e.log.Warn("failed to load rule file", zap.String("path", path), zap.Error(err))
				}
				continue
			}
			loaded++
		}
	}
	if e.log != nil {
		e.log.Info("loaded rule files", zap.Int("count", loaded), zap.String("dir", dir))
	}
	return loaded
}

func (e *Engine) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return err
	}
	for _, raw := range rf.Rules {
		name := raw.Name
		if name == "" {
			name = "unnamed"
		}
		enabled := true
		if raw.Enabled != nil {
			enabled = *raw.Enabled
		}
		e.rules = append(e.rules, Rule{
			Name:       name,
			Match:      raw.Match,
			Limits:     raw.Limits,
			Escalation: raw.Escalation,
			Enabled:    enabled,
		})
	}
	return nil
}

// Match returns every enabled rule matching path and method.
func (e *Engine) Match(path, method string) []Rule {
	var matched []Rule
	for _, r := range e.rules {
		if !r.Enabled {
			continue
		}
		if r.Match.Path != "" && !pathMatches(path, r.Match.Path) {
			continue
		}
		if r.Match.Method != "" && !strings.EqualFold(r.Match.Method, method) {
			continue
		}
		matched = append(matched, r)
	}
	return matched
}

// pathMatches implements the rule path matcher: a trailing "*" makes it a
// prefix match, otherwise it's an exact, case-sensitive match.
func pathMatches(requestPath, rulePath string) bool {
	if strings.HasSuffix(rulePath, "*") {
		return strings.HasPrefix(requestPath, rulePath[:len(rulePath)-1])
	}
	return requestPath == rulePath
}

var rateStringRe = regexp.MustCompile(`^(\d+)/(second|minute|hour|day)$`)

// ParseRateString parses a rate string like "5/minute" into (count,
// window seconds).
func ParseRateString(s string) (count int64, windowSec int, err error) {
	m := rateStringRe.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, fmt.Errorf("rules: invalid rate string %q", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	switch m[2] {
	case "second":
		windowSec = 1
	case "minute":
		windowSec = 60
	case "hour":
		windowSec = 3600
	case "day":
		windowSec = 86400
	}
	return n, windowSec, nil
}

// ResolveEscalation returns the action of the highest-threshold step
// satisfied by usagePct, defaulting to rate_limit if none match.
func ResolveEscalation(steps []EscalationStep, usagePct float64) Action {
	sorted := make([]EscalationStep, len(steps))
	copy(sorted, steps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Threshold < sorted[j].Threshold })

	action := ActionRateLimit
	for _, s := range sorted {
		if usagePct >= s.Threshold {
			action = s.Action
		}
	}
	return action
}

var durationRe = regexp.MustCompile(`^(\d+)([smhd]?)$`)

// BlockDuration returns the block duration (seconds) named by the
// highest-threshold step that has one, or 0 if none do.
func BlockDuration(steps []EscalationStep) (int, bool) {
	sorted := make([]EscalationStep, len(steps))
	copy(sorted, steps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Threshold > sorted[j].Threshold })

	for _, s := range sorted {
		if s.Duration == "" {
			continue
		}
		secs, err := ParseDuration(s.Duration)
		if err != nil {
			continue
		}
		return secs, true
	}
	return 0, false
}

// ParseDuration parses "Ns/Nm/Nh/Nd" (bare integer = seconds) into seconds.
func ParseDuration(s string) (int, error) {
	m := durationRe.FindStringSubmatch(strings.TrimSpace(strings.ToLower(s)))
	if m == nil {
		return 0, fmt.Errorf("rules: invalid duration %q", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, err
	}
	switch m[2] {
	case "m":
		return n * 60, nil
	case "h":
		return n * 3600, nil
	case "d":
		return n * 86400, nil
	default:
		return n, nil
	}
}
