package chunker

import (
	"regexp"
	"strings"
)

// Strategy names.
const (
	StrategyTechnical      = "technical"
	StrategyConversational = "conversational"
	StrategyCode           = "code"
	StrategyFAQ            = "faq"
	StrategyWeb            = "web"
	StrategyDefault        = "default"
	StrategyAdaptive       = "adaptive"
)

// Config is a named chunking configuration. Sizes are in characters.
// Separators are tried in order; the last one must be "" so splitting
// always terminates.
type Config struct {
	Name            string
	TargetSize      int
	OverlapSize     int
	Separators      []string
	RetainSeparator bool
}

var strategies = map[string]Config{
	StrategyTechnical: {
		Name:            StrategyTechnical,
		TargetSize:      1500,
		OverlapSize:     300,
		Separators:      []string{"\n## ", "\n### ", "\n\n", "\n", " ", ""},
		RetainSeparator: true,
	},
	StrategyConversational: {
		Name:        StrategyConversational,
		TargetSize:  800,
		OverlapSize: 150,
		Separators:  []string{"\n\n", ". ", "! ", "? ", "\n", " ", ""},
	},
	StrategyCode: {
		Name:            StrategyCode,
		TargetSize:      2000,
		OverlapSize:     400,
		Separators:      []string{"\n```", "\n\n", "\nclass ", "\nfunction ", "\ndef ", "\n", " ", ""},
		RetainSeparator: true,
	},
	StrategyFAQ: {
		Name:            StrategyFAQ,
		TargetSize:      600,
		OverlapSize:     100,
		Separators:      []string{"\nQ:", "\nA:", "\n\n", "\n", " ", ""},
		RetainSeparator: true,
	},
	StrategyWeb: {
		Name:        StrategyWeb,
		TargetSize:  1200,
		OverlapSize: 240,
		Separators:  []string{"\n\n", "\n", ". ", " ", ""},
	},
	StrategyDefault: {
		Name:        StrategyDefault,
		TargetSize:  1000,
		OverlapSize: 200,
		Separators:  []string{"\n\n", "\n", " ", ""},
	},
}

// ConfigFor returns the configuration registered under name, or the default
// configuration when name is unknown.
func ConfigFor(name string) Config {
	cfg, ok := strategies[name]
	if !ok {
		cfg = strategies[StrategyDefault]
	}
	cfg.Separators = append([]string(nil), cfg.Separators...)
	return cfg
}

// Strategies returns the names in the fixed strategy table.
func Strategies() []string {
	return []string{StrategyTechnical, StrategyConversational, StrategyCode, StrategyFAQ, StrategyWeb, StrategyDefault}
}

type rule struct {
	name  string
	match func(text, contentType string) bool
}

var (
	codePatterns = []*regexp.Regexp{
		regexp.MustCompile("(?s)```.*?```"),
		regexp.MustCompile(`(?m)^\s*(export\s+)?(async\s+)?function\s+\w+\s*\(`),
		regexp.MustCompile(`(?m)^\s*class\s+\w+`),
		regexp.MustCompile(`(?m)^\s*def\s+\w+\s*\(`),
		regexp.MustCompile(`(?m)^\s*(import\s+[\w.{"']|from\s+[\w.]+\s+import\s)`),
		regexp.MustCompile(`#include\s*<[\w./]+>`),
	}
	faqPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bQ:\s*.*?\n.*?\bA:`),
		regexp.MustCompile(`(?i)\bQuestion:\s*.*?\n.*?\bAnswer:`),
		regexp.MustCompile(`(?i)\d+\.\s*.*?\?.*?\n.*?Answer:`),
	}
	markdownHeader = regexp.MustCompile(`(?m)^#{1,6}\s+\S`)
	boldMarker     = regexp.MustCompile(`\*\*[^*\n]+\*\*`)
	techVocabulary = regexp.MustCompile(`\b(API|SDK|REST|GraphQL|JSON|XML|HTTP)s?\b|\b(GET|POST|PUT|DELETE|PATCH)\b`)
)

// techVocabularyCluster is how many vocabulary hits count as technical text.
const techVocabularyCluster = 2

// rules is evaluated top-down; the first match wins. Later rules are broader
// fallbacks, so the order must not change.
var rules = []rule{
	{StrategyCode, func(text, _ string) bool { return anyMatch(codePatterns, text) }},
	{StrategyFAQ, func(text, _ string) bool { return anyMatch(faqPatterns, text) }},
	{StrategyTechnical, func(text, _ string) bool {
		if markdownHeader.MatchString(text) || boldMarker.MatchString(text) {
			return true
		}
		return len(techVocabulary.FindAllStringIndex(text, techVocabularyCluster)) >= techVocabularyCluster
	}},
	{StrategyWeb, func(_, contentType string) bool {
		ct := strings.ToLower(contentType)
		return strings.Contains(ct, "html") || strings.Contains(ct, "web")
	}},
}

// SelectStrategy picks a strategy name from the text's structure and an
// optional content-type hint. Plain prose selects conversational.
func SelectStrategy(text, contentType string) string {
	for _, r := range rules {
		if r.match(text, contentType) {
			return r.name
		}
	}
	return StrategyConversational
}

func anyMatch(patterns []*regexp.Regexp, text string) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}
