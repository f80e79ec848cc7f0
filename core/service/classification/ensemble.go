package classification

import (
	"context"
	"time"

	"triage_server/core/domain"
	"triage_server/pkg/logger"
)

// =============================================================================
// Ensemble: fan-out over the layers, weighted combination
// =============================================================================

// Weights are the configured per-layer contributions. They are
// re-normalized over the layers that actually produced a score.
type Weights struct {
	Rule    float64
	History float64
	Model   float64
}

// EnsembleConfig carries every combination knob.
type EnsembleConfig struct {
	BootstrapWeights Weights // first BootstrapCount classifications of an account
	SteadyWeights    Weights
	BootstrapCount   int64

	AgreementBoost      float64 // all live layers agree
	PartialBoost        float64 // two of three agree
	DisagreementPenalty float64 // nobody agrees; also flags needs_review

	// SmartSkip short-circuits the model layer when rule and history agree
	// confidently on an unimportant email.
	SmartSkip      bool
	SkipConfidence float64
	SkipImportance float64

	LayerTimeout time.Duration
}

// DefaultEnsembleConfig mirrors production defaults.
func DefaultEnsembleConfig() EnsembleConfig {
	return EnsembleConfig{
		BootstrapWeights:    Weights{Rule: 0.30, History: 0.10, Model: 0.60},
		SteadyWeights:       Weights{Rule: 0.20, History: 0.30, Model: 0.50},
		BootstrapCount:      100,
		AgreementBoost:      0.20,
		PartialBoost:        0.10,
		DisagreementPenalty: 0.20,
		SmartSkip:           false,
		SkipConfidence:      0.70,
		SkipImportance:      0.80,
		LayerTimeout:        25 * time.Second,
	}
}

// accountCounter is the slice of the email repository the ensemble needs:
// how many emails an account has classified, to pick the weight phase.
type accountCounter interface {
	CountByAccount(ctx context.Context, accountID string) (int64, error)
}

// Ensemble runs the three layers and combines their scores into one
// verdict. The rule layer is pure computation and runs inline so its
// verdict can season the model prompt; history and model fan out
// concurrently, each under its own timeout. A layer that times out or
// fails contributes a null score, never an error.
type Ensemble struct {
	rule    *RuleLayer
	history *HistoryLayer
	model   *ModelLayer
	emails  accountCounter
	cfg     EnsembleConfig
	log     *logger.Logger
}

func NewEnsemble(rule *RuleLayer, history *HistoryLayer, model *ModelLayer, emails accountCounter, cfg EnsembleConfig) *Ensemble {
	if cfg.LayerTimeout <= 0 {
		cfg.LayerTimeout = 25 * time.Second
	}
	return &Ensemble{
		rule:    rule,
		history: history,
		model:   model,
		emails:  emails,
		cfg:     cfg,
		log:     logger.Default().WithField("component", "ensemble"),
	}
}

// Classify produces the combined verdict for one email. It returns an
// error only when the surrounding context is done; degraded layers are
// handled by weight redistribution.
func (e *Ensemble) Classify(ctx context.Context, email *domain.EmailToClassify) (*domain.EnsembleVerdict, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bootstrap := e.inBootstrap(ctx, email.AccountID)
	ruleScore := e.rule.Classify(ctx, email)

	historyCh := e.launch(ctx, domain.LayerHistory, func(lctx context.Context) *domain.LayerScore {
		return e.history.Classify(lctx, email)
	})

	var historyScore, modelScore *domain.LayerScore
	skipped := false

	if e.cfg.SmartSkip {
		// Skipping needs the history verdict first, so the two cheap
		// layers serialize here and the model only runs when they could
		// not settle it between themselves.
		historyScore = <-historyCh
		if e.shouldSkipModel(ruleScore, historyScore) {
			skipped = true
			modelScore = domain.NullScore(domain.LayerModel)
		} else {
			modelScore = <-e.launch(ctx, domain.LayerModel, func(lctx context.Context) *domain.LayerScore {
				return e.model.Classify(lctx, email, ruleScore, historyScore)
			})
		}
	} else {
		modelCh := e.launch(ctx, domain.LayerModel, func(lctx context.Context) *domain.LayerScore {
			return e.model.Classify(lctx, email, ruleScore, nil)
		})
		historyScore = <-historyCh
		modelScore = <-modelCh
	}

	verdict := e.combine(ruleScore, historyScore, modelScore, bootstrap)
	verdict.ModelSkipped = skipped
	return verdict, nil
}

// launch runs one layer under its own timeout. The channel always receives
// exactly one score; a timeout delivers a null one.
func (e *Ensemble) launch(ctx context.Context, layer domain.LayerName, fn func(context.Context) *domain.LayerScore) <-chan *domain.LayerScore {
	ch := make(chan *domain.LayerScore, 1)
	go func() {
		lctx, cancel := context.WithTimeout(ctx, e.cfg.LayerTimeout)
		defer cancel()

		done := make(chan *domain.LayerScore, 1)
		go func() { done <- fn(lctx) }()

		select {
		case s := <-done:
			ch <- s
		case <-lctx.Done():
			e.log.Warn("[Ensemble.Classify] %s layer timed out after %s", layer, e.cfg.LayerTimeout)
			ch <- domain.NullScore(layer)
		}
	}()
	return ch
}

func (e *Ensemble) shouldSkipModel(rule, history *domain.LayerScore) bool {
	if rule.IsNull() || history.IsNull() {
		return false
	}
	if rule.Category != history.Category {
		return false
	}
	if rule.Confidence < e.cfg.SkipConfidence || history.Confidence < e.cfg.SkipConfidence {
		return false
	}
	agreed := (rule.Importance + history.Importance) / 2
	return agreed <= e.cfg.SkipImportance
}

func (e *Ensemble) inBootstrap(ctx context.Context, accountID string) bool {
	n, err := e.emails.CountByAccount(ctx, accountID)
	if err != nil {
		// Counting trouble must not stall triage; steady weights are the
		// safer long-run default.
		e.log.Warn("[Ensemble.inBootstrap] count failed for %s: %v", accountID, err)
		return false
	}
	return n < e.cfg.BootstrapCount
}

// =============================================================================
// Combination
// =============================================================================

type weighted struct {
	score  *domain.LayerScore
	weight float64 // configured, pre-normalization
}

func (e *Ensemble) combine(rule, history, model *domain.LayerScore, bootstrap bool) *domain.EnsembleVerdict {
	w := e.cfg.SteadyWeights
	if bootstrap {
		w = e.cfg.BootstrapWeights
	}

	all := []weighted{
		{rule, w.Rule},
		{history, w.History},
		{model, w.Model},
	}

	verdict := &domain.EnsembleVerdict{
		Bootstrap: bootstrap,
		Layers:    []*domain.LayerScore{rule, history, model},
	}

	var live []weighted
	var totalWeight float64
	for _, lw := range all {
		if !lw.score.IsNull() {
			live = append(live, lw)
			totalWeight += lw.weight
		}
	}

	// Every layer silent: surface the email instead of guessing.
	if len(live) == 0 || totalWeight == 0 {
		verdict.Category = domain.CategoryNiceToKnow
		verdict.Importance = 0.4
		verdict.Confidence = 0
		verdict.NeedsReview = true
		verdict.Agreement = "none"
		return verdict
	}

	// Redistribute: effective weights over the live layers sum to 1.
	var importance, confidence float64
	effective := make(map[domain.LayerName]float64, len(live))
	for _, lw := range live {
		eff := lw.weight / totalWeight
		effective[lw.score.Layer] = eff
		importance += eff * lw.score.Importance
		confidence += eff * lw.score.Confidence
	}
	verdict.Weights = domain.ScoreWeights{
		Rule:    effective[domain.LayerRule],
		History: effective[domain.LayerHistory],
		Model:   effective[domain.LayerModel],
	}
	verdict.Variance = confidenceVariance(live)

	// Category precedence: unanimity, then majority, then the single
	// heaviest layer.
	counts := make(map[domain.Category]int, len(live))
	for _, lw := range live {
		counts[lw.score.Category]++
	}

	var boost float64
	switch {
	case len(live) == 1:
		verdict.Category = live[0].score.Category
		verdict.Agreement = "single"

	case len(counts) == 1:
		verdict.Category = live[0].score.Category
		verdict.Agreement = "all"
		boost = e.cfg.AgreementBoost

	case len(live) == 3 && len(counts) == 2:
		for cat, n := range counts {
			if n == 2 {
				verdict.Category = cat
			}
		}
		verdict.Agreement = "partial"
		boost = e.cfg.PartialBoost

	default:
		// Full disagreement: heaviest live layer decides, confidence
		// pays for it, and a human gets a look.
		var heaviest weighted
		for _, lw := range live {
			if lw.weight >= heaviest.weight {
				heaviest = lw
			}
		}
		verdict.Category = heaviest.score.Category
		verdict.Agreement = "none"
		boost = -e.cfg.DisagreementPenalty
		verdict.NeedsReview = true
	}

	confidence += boost

	// Spam short-circuit: a rule-layer spam hit is near-deterministic, so
	// it overrides melted-down ensemble categories and floors confidence
	// at the rule's own.
	if !rule.IsNull() && rule.Category == domain.CategorySpam {
		verdict.Category = domain.CategorySpam
		verdict.NeedsReview = false
		verdict.SpamOverride = true
		if rule.Confidence > confidence {
			confidence = rule.Confidence
		}
	}

	verdict.Importance = domain.Clamp01(importance)
	verdict.Confidence = domain.Clamp01(confidence)
	return verdict
}

func confidenceVariance(live []weighted) float64 {
	if len(live) < 2 {
		return 0
	}
	var mean float64
	for _, lw := range live {
		mean += lw.score.Confidence
	}
	mean /= float64(len(live))

	var variance float64
	for _, lw := range live {
		d := lw.score.Confidence - mean
		variance += d * d
	}
	return variance / float64(len(live))
}
