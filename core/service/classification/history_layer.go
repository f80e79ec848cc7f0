package classification

import (
	"context"
	"fmt"
	"time"

	"triage_server/core/domain"
	"triage_server/core/port/out"
	"triage_server/pkg/apperr"
	"triage_server/pkg/cache"
	"triage_server/pkg/logger"
)

// =============================================================================
// History layer: learned sender/domain behavior
// =============================================================================

// HistoryConfig tunes when learned behavior is trusted.
type HistoryConfig struct {
	SenderMinEmails int           // rows below this are ignored
	DomainMinEmails int           // domain rows need more volume
	SaturationCount int           // emails_seen at which confidence saturates
	CacheTTL        time.Duration // read-through cache lifetime
}

// DefaultHistoryConfig mirrors production defaults.
func DefaultHistoryConfig() HistoryConfig {
	return HistoryConfig{
		SenderMinEmails: 5,
		DomainMinEmails: 10,
		SaturationCount: 20,
		CacheTTL:        10 * time.Minute,
	}
}

// HistoryLayer reads sender preferences, falling back to the sender's
// domain. It never writes: the feedback service owns every mutation, and
// invalidates the cache keys this layer reads.
type HistoryLayer struct {
	prefs out.PreferenceRepository
	cache *cache.RedisCache // nil disables caching
	cfg   HistoryConfig
	log   *logger.Logger
}

func NewHistoryLayer(prefs out.PreferenceRepository, redisCache *cache.RedisCache, cfg HistoryConfig) *HistoryLayer {
	return &HistoryLayer{
		prefs: prefs,
		cache: redisCache,
		cfg:   cfg,
		log:   logger.Default().WithField("component", "history_layer"),
	}
}

// Classify scores one email from learned behavior, or returns a null score
// when neither the sender nor its domain has enough history.
func (l *HistoryLayer) Classify(ctx context.Context, email *domain.EmailToClassify) *domain.LayerScore {
	start := time.Now()
	score := l.classify(ctx, email)
	score.ProcessingTimeMS = time.Since(start).Milliseconds()
	return score
}

func (l *HistoryLayer) classify(ctx context.Context, email *domain.EmailToClassify) *domain.LayerScore {
	if pref := l.lookup(ctx, domain.ScopeSender, email.AccountID, email.Sender); pref != nil &&
		pref.EmailsSeen >= int64(l.cfg.SenderMinEmails) {
		return l.score(pref)
	}
	if email.SenderDomain != "" {
		if pref := l.lookup(ctx, domain.ScopeDomain, email.AccountID, email.SenderDomain); pref != nil &&
			pref.EmailsSeen >= int64(l.cfg.DomainMinEmails) {
			return l.score(pref)
		}
	}
	return domain.NullScore(domain.LayerHistory)
}

func (l *HistoryLayer) score(pref *domain.Preference) *domain.LayerScore {
	category, importance := pref.InferCategory()
	return &domain.LayerScore{
		Layer:      domain.LayerHistory,
		Category:   category,
		Importance: importance,
		Confidence: pref.Confidence(l.cfg.SaturationCount),
		Reasoning: fmt.Sprintf("%s history: %d seen, reply %.2f, archive %.2f, delete %.2f",
			pref.Scope, pref.EmailsSeen, pref.ReplyRate, pref.ArchiveRate, pref.DeleteRate),
		Signals: []string{fmt.Sprintf("%s:%s", pref.Scope, pref.Key)},
	}
}

// lookup is a read-through: cache hit wins, misses go to the repository
// and refill the cache. Cache trouble degrades to the repository silently.
func (l *HistoryLayer) lookup(ctx context.Context, scope domain.PreferenceScope, accountID, key string) *domain.Preference {
	if key == "" {
		return nil
	}
	cacheKey := cache.PreferenceKey(string(scope), accountID, key)

	if l.cache != nil {
		var cached domain.Preference
		if found, err := l.cache.GetJSON(ctx, cacheKey, &cached); err == nil && found {
			return &cached
		}
	}

	pref, err := l.prefs.Get(ctx, scope, accountID, key)
	if err != nil {
		if !apperr.IsNotFound(err) {
			l.log.Warn("[HistoryLayer.lookup] preference read failed for %s/%s: %v", scope, key, err)
		}
		return nil
	}

	if l.cache != nil {
		if err := l.cache.SetJSON(ctx, cacheKey, pref, l.cfg.CacheTTL); err != nil {
			l.log.Debug("[HistoryLayer.lookup] cache fill failed: %v", err)
		}
	}
	return pref
}
