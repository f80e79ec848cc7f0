package domain

import "time"

// =============================================================================
// Sender / domain preferences (behavioral history)
// =============================================================================

// PreferenceScope selects which preference table a key lives in.
type PreferenceScope string

const (
	ScopeSender PreferenceScope = "sender"
	ScopeDomain PreferenceScope = "domain"
)

// Base confidence of a history verdict before volume attenuation.
const (
	SenderConfidenceBase = 0.85
	DomainConfidenceBase = 0.75
)

// Preference is one learned row about a sender address or a sender domain.
// Rates are exponential moving averages over observed actions; counters are
// plain totals. The feedback writer is the only mutator.
type Preference struct {
	ID          int64           `json:"id"`
	AccountID   string          `json:"account_id"`
	Scope       PreferenceScope `json:"scope"`
	Key         string          `json:"key"` // sender address or domain
	EmailsSeen  int64           `json:"emails_seen"`
	Replies     int64           `json:"replies"`
	Archives    int64           `json:"archives"`
	Deletes     int64           `json:"deletes"`
	Stars       int64           `json:"stars"`
	ReplyRate   float64         `json:"reply_rate"`
	ArchiveRate float64         `json:"archive_rate"`
	DeleteRate  float64         `json:"delete_rate"`
	Importance  float64         `json:"inferred_importance"`
	LastUpdated time.Time       `json:"last_updated"`
}

// NewPreference builds an empty row for a key never seen before.
func NewPreference(accountID string, scope PreferenceScope, key string) *Preference {
	return &Preference{
		AccountID:   accountID,
		Scope:       scope,
		Key:         key,
		LastUpdated: time.Now().UTC(),
	}
}

// ConfidenceBase returns the scope's base confidence (before attenuation
// by volume).
func (p *Preference) ConfidenceBase() float64 {
	if p.Scope == ScopeDomain {
		return DomainConfidenceBase
	}
	return SenderConfidenceBase
}

// Confidence attenuates the base by observed volume: base * min(1, seen/saturation).
func (p *Preference) Confidence(saturation int) float64 {
	if saturation <= 0 {
		saturation = 20
	}
	factor := float64(p.EmailsSeen) / float64(saturation)
	if factor > 1 {
		factor = 1
	}
	return p.ConfidenceBase() * factor
}

// InferCategory maps the current rates onto a category and an importance
// score. Rules are evaluated top-down; the first match wins.
func (p *Preference) InferCategory() (Category, float64) {
	return InferFromRates(p.ReplyRate, p.ArchiveRate, p.DeleteRate)
}

// InferFromRates is the shared rate ladder. The history layer reads it at
// classification time and the feedback writer re-derives inferred
// importance after every update, so both always agree.
func InferFromRates(replyRate, archiveRate, deleteRate float64) (Category, float64) {
	switch {
	case replyRate >= 0.7:
		// Frequent replies: important, scaled into [0.8, 1.0].
		imp := 0.8 + 0.2*(replyRate-0.7)/0.3
		return CategoryImportant, Clamp01Range(imp, 0.8, 1.0)
	case replyRate >= 0.3:
		// Occasional replies: worth knowing, pulled down by archiving.
		return CategoryNiceToKnow, Clamp01(0.5 - 0.2*archiveRate)
	case archiveRate >= 0.8 && replyRate < 0.1:
		return CategoryNewsletter, Clamp01(0.2 - 0.1*archiveRate)
	case deleteRate >= 0.8:
		return CategorySpam, Clamp01(0.1 * (1 - deleteRate))
	default:
		return CategoryNiceToKnow, 0.4
	}
}

// Clamp01Range clamps v into [lo, hi] (both within [0,1]).
func Clamp01Range(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
