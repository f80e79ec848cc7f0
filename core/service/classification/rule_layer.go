package classification

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"triage_server/core/domain"
)

// =============================================================================
// Rule layer: deterministic header/keyword detectors
// =============================================================================

// Detector thresholds and the fixed verdicts they emit. A detector below
// its threshold contributes nothing; when none reach theirs the layer
// returns a null score.
const (
	spamSignalThreshold       = 3
	autoReplySignalThreshold  = 2
	newsletterSignalThreshold = 2
	systemSignalThreshold     = 2

	spamConfidence       = 0.95
	autoReplyConfidence  = 0.70
	newsletterConfidence = 0.65
	systemConfidence     = 0.50

	spamImportance       = 0.00
	autoReplyImportance  = 0.10
	newsletterImportance = 0.30
	systemImportance     = 0.40

	// A fingerprinted vendor alert (incident page, security advisory,
	// failed payment) escapes the system bucket entirely.
	vendorAlertConfidence = 0.85
	vendorAlertImportance = 0.80
)

var spamPhrases = []string{
	"you have won", "congratulations", "claim", "free money", "lottery",
	"act now", "limited time offer", "no credit check", "wire transfer",
	"jackpot", "casino", "risk-free", "double your", "guaranteed income",
	"miracle", "weight loss", "viagra", "inheritance",
}

var suspiciousTLDs = []string{".biz", ".click", ".top", ".loan", ".win", ".vip", ".gq"}

var autoReplySubjects = []string{
	"out of office", "automatic reply", "auto-reply", "autoreply",
	"away from the office", "on vacation", "ooo:",
}

var newsletterLocalParts = map[string]struct{}{
	"newsletter": {}, "news": {}, "digest": {}, "updates": {},
	"marketing": {}, "weekly": {}, "hello": {},
}

var newsletterBodyMarkers = []string{
	"unsubscribe", "view in browser", "view this email in your browser",
	"email preferences", "manage your subscription",
}

var systemLocalParts = map[string]struct{}{
	"no-reply": {}, "noreply": {}, "do-not-reply": {}, "donotreply": {},
	"mailer-daemon": {}, "postmaster": {}, "notifications": {},
	"notification": {}, "alerts": {}, "alert": {},
}

var systemSubjectPhrases = []string{
	"password reset", "verify your", "confirm your", "security alert",
	"sign-in attempt", "login attempt", "verification code", "receipt",
	"invoice", "order confirmation", "payment", "subscription expiring",
	"your account",
}

// RuleLayer classifies with deterministic detectors. It is pure: same
// input, same score, no I/O.
type RuleLayer struct{}

func NewRuleLayer() *RuleLayer {
	return &RuleLayer{}
}

type detection struct {
	name       string
	category   domain.Category
	importance float64
	confidence float64
	score      int
	signals    []string
}

// Classify runs the four detectors and returns the winning verdict, ties
// broken in the order spam > auto-reply > newsletter > system. No detector
// reaching its threshold yields a null score.
func (l *RuleLayer) Classify(_ context.Context, email *domain.EmailToClassify) *domain.LayerScore {
	start := time.Now()

	// precedence order
	candidates := make([]detection, 0, 4)
	if d, ok := detectSpam(email); ok {
		candidates = append(candidates, d)
	}
	if d, ok := detectAutoReply(email); ok {
		candidates = append(candidates, d)
	}
	if d, ok := detectNewsletter(email); ok {
		candidates = append(candidates, d)
	}
	if d, ok := detectSystem(email); ok {
		candidates = append(candidates, d)
	}

	if len(candidates) == 0 {
		ns := domain.NullScore(domain.LayerRule)
		ns.ProcessingTimeMS = time.Since(start).Milliseconds()
		return ns
	}

	best := candidates[0]
	for _, d := range candidates[1:] {
		if d.confidence > best.confidence {
			best = d
		}
	}

	return &domain.LayerScore{
		Layer:            domain.LayerRule,
		Category:         best.category,
		Importance:       best.importance,
		Confidence:       best.confidence,
		Reasoning:        fmt.Sprintf("%s markers: %s (score %d)", best.name, strings.Join(best.signals, ", "), best.score),
		Signals:          best.signals,
		ProcessingTimeMS: time.Since(start).Milliseconds(),
	}
}

// =============================================================================
// Detectors
// =============================================================================

func detectSpam(email *domain.EmailToClassify) (detection, bool) {
	d := detection{name: "spam", category: domain.CategorySpam, importance: spamImportance, confidence: spamConfidence}
	haystack := strings.ToLower(email.Subject + " " + email.Body() + " " + email.Sender)

	for _, phrase := range spamPhrases {
		if strings.Contains(haystack, phrase) {
			d.score++
			d.signals = append(d.signals, "phrase:"+phrase)
		}
	}
	if containsCurrencyBait(haystack) {
		d.score++
		d.signals = append(d.signals, "currency-bait")
	}
	if isShouting(email.Subject) {
		d.score++
		d.signals = append(d.signals, "shouting-subject")
	}
	if strings.Contains(email.Subject+email.Body(), "!!!") {
		d.score++
		d.signals = append(d.signals, "exclamation-run")
	}
	for _, tld := range suspiciousTLDs {
		if strings.HasSuffix(email.SenderDomain, tld) {
			d.score++
			d.signals = append(d.signals, "suspicious-tld:"+tld)
			break
		}
	}

	return d, d.score >= spamSignalThreshold
}

func detectAutoReply(email *domain.EmailToClassify) (detection, bool) {
	d := detection{name: "auto-reply", category: domain.CategoryNiceToKnow, importance: autoReplyImportance, confidence: autoReplyConfidence}

	if v := email.Header("Auto-Submitted"); v != "" && !strings.EqualFold(v, "no") {
		d.score++
		d.signals = append(d.signals, "header:auto-submitted")
	}
	if email.Header("X-Autoreply") != "" || email.Header("X-Autorespond") != "" {
		d.score++
		d.signals = append(d.signals, "header:x-autoreply")
	}
	if strings.EqualFold(email.Header("Precedence"), "auto_reply") {
		d.score++
		d.signals = append(d.signals, "header:precedence")
	}
	subject := strings.ToLower(email.Subject)
	for _, prefix := range autoReplySubjects {
		if strings.Contains(subject, prefix) {
			d.score++
			d.signals = append(d.signals, "subject:"+prefix)
			break
		}
	}

	return d, d.score >= autoReplySignalThreshold
}

func detectNewsletter(email *domain.EmailToClassify) (detection, bool) {
	d := detection{name: "newsletter", category: domain.CategoryNewsletter, importance: newsletterImportance, confidence: newsletterConfidence}

	if email.Header("List-Unsubscribe") != "" {
		d.score++
		d.signals = append(d.signals, "header:list-unsubscribe")
	}
	if email.Header("List-ID") != "" {
		d.score++
		d.signals = append(d.signals, "header:list-id")
	}
	if p := strings.ToLower(email.Header("Precedence")); p == "bulk" || p == "list" {
		d.score++
		d.signals = append(d.signals, "header:precedence-bulk")
	}
	if _, ok := newsletterLocalParts[localPart(email.Sender)]; ok {
		d.score++
		d.signals = append(d.signals, "sender:bulk-local-part")
	}
	body := strings.ToLower(email.Body())
	for _, marker := range newsletterBodyMarkers {
		if strings.Contains(body, marker) {
			d.score++
			d.signals = append(d.signals, "body:"+marker)
			break
		}
	}

	return d, d.score >= newsletterSignalThreshold
}

func detectSystem(email *domain.EmailToClassify) (detection, bool) {
	d := detection{name: "system", category: domain.CategorySystemNotification, importance: systemImportance, confidence: systemConfidence}

	if _, ok := systemLocalParts[localPart(email.Sender)]; ok {
		d.score++
		d.signals = append(d.signals, "sender:automated-local-part")
	}
	subject := strings.ToLower(email.Subject)
	for _, phrase := range systemSubjectPhrases {
		if strings.Contains(subject, phrase) {
			d.score++
			d.signals = append(d.signals, "subject:"+phrase)
		}
	}
	if m, ok := matchVendor(email); ok {
		d.score++
		d.signals = append(d.signals, "vendor:"+m.vendor)
		if m.headerProof {
			d.score++
			d.signals = append(d.signals, "vendor-header")
		}
		if m.urgentSignal != "" {
			// An incident page or security advisory is not ambient noise.
			d.name = "vendor-alert"
			d.category = domain.CategoryImportant
			d.importance = vendorAlertImportance
			d.confidence = vendorAlertConfidence
			d.score++
			d.signals = append(d.signals, "urgent:"+m.urgentSignal)
		}
	}

	return d, d.score >= systemSignalThreshold
}

// =============================================================================
// Helpers
// =============================================================================

func localPart(addr string) string {
	if i := strings.Index(addr, "@"); i > 0 {
		return strings.ToLower(addr[:i])
	}
	return strings.ToLower(addr)
}

// containsCurrencyBait looks for a currency symbol next to digits.
func containsCurrencyBait(s string) bool {
	for i, r := range s {
		if r != '$' && r != '€' && r != '£' {
			continue
		}
		for _, nr := range s[i+1:] {
			if nr == ' ' || nr == ',' {
				continue
			}
			if unicode.IsDigit(nr) {
				return true
			}
			break
		}
	}
	return false
}

// isShouting reports whether a subject is mostly uppercase letters.
func isShouting(subject string) bool {
	var letters, upper int
	for _, r := range subject {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	return letters >= 10 && float64(upper)/float64(letters) >= 0.7
}
