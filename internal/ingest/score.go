package ingest

import (
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/nlisenk/hubwatch/internal/config"
	"github.com/nlisenk/hubwatch/internal/store"
)

// Heuristic constants. The cutoffs are deliberately rough: the goal is to
// separate obviously-fake content from plausible content, not to rank it.
const (
	minHumanRunes  = 2
	maxHumanRunes  = 2000
	maxRecency     = 7 * 24 * time.Hour
	clockSkew      = 5 * time.Minute
	maxRepeatedRun = 5
)

var testContentRe = regexp.MustCompile(`(?i)^\s*(test[\s!.]*)+$`)

// spamFragments are matched case-insensitively anywhere in the content.
var spamFragments = []string{
	"free money",
	"click here now",
	"limited time offer",
	"you have won",
	"crypto giveaway",
}

// feedbackFragments mark automated customer-feedback prompts.
var feedbackFragments = []string{
	"rate your experience",
	"how did we do",
	"feedback survey",
	"please rate us",
}

// scoreCandidate computes the authenticity score in [0,1] from weighted
// heuristic signals. Weights come from config so operators can retune them
// without a rebuild.
func scoreCandidate(c Candidate, cfg config.ScoringConfig, now time.Time) float64 {
	var score float64

	switch {
	case c.SenderID != "" && c.SenderName != "":
		score += cfg.SenderWeight
	case c.SenderID != "":
		score += cfg.SenderWeight / 2
	}

	if n := utf8.RuneCountInString(c.Content); n >= minHumanRunes && n <= maxHumanRunes {
		score += cfg.LengthWeight
	}

	if hasNaturalLanguage(c.Content) {
		score += cfg.LanguageWeight
	}

	if isRecent(c.OccurredAt, now) {
		score += cfg.RecencyWeight
	}

	if looksLikeSpam(c.Content) {
		score -= cfg.SpamPenalty
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// classify maps a score onto an authenticity class via the configured
// thresholds.
func classify(score float64, cfg config.ScoringConfig) store.Authenticity {
	switch {
	case score >= cfg.VerifiedThreshold:
		return store.AuthenticityVerified
	case score >= cfg.UnverifiedThreshold:
		return store.AuthenticityUnverified
	default:
		return store.AuthenticitySuspicious
	}
}

// hasNaturalLanguage checks for at least two whitespace-separated tokens and
// at least one letter. Single-token blobs and pure symbol strings fail.
func hasNaturalLanguage(content string) bool {
	if len(strings.Fields(content)) < 2 {
		return false
	}
	for _, r := range content {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

// isRecent accepts timestamps up to a week old, with a small allowance for
// clock skew into the future.
func isRecent(ts, now time.Time) bool {
	if ts.IsZero() {
		return false
	}
	age := now.Sub(ts)
	return age >= -clockSkew && age <= maxRecency
}

// looksLikeSpam matches known spam/test patterns and excessive character
// repetition.
func looksLikeSpam(content string) bool {
	if hasRepeatedRun(content, maxRepeatedRun) || testContentRe.MatchString(content) {
		return true
	}
	lowered := strings.ToLower(content)
	for _, fragment := range spamFragments {
		if strings.Contains(lowered, fragment) {
			return true
		}
	}
	return false
}

// hasRepeatedRun reports whether any rune repeats at least limit times in a
// row. RE2 has no backreferences, so this is a plain scan.
func hasRepeatedRun(content string, limit int) bool {
	var prev rune
	run := 0
	for _, r := range content {
		if r == prev {
			run++
			if run >= limit {
				return true
			}
		} else {
			prev = r
			run = 1
		}
	}
	return false
}

func isFeedbackPrompt(content string) bool {
	lowered := strings.ToLower(content)
	for _, fragment := range feedbackFragments {
		if strings.Contains(lowered, fragment) {
			return true
		}
	}
	return false
}
