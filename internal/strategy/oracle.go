package strategy

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"trafficengine/internal/config"
	"trafficengine/internal/models"
	"trafficengine/internal/repository"
	"trafficengine/pkg/logger"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// armState holds the LinUCB accumulators for one strategy arm: A (d x d),
// its inverse, and b (d x 1), all reset to the ridge prior at process
// start. These live in memory only; StrategyEffectiveness in the
// repository is the durable, cross-restart summary used for the
// cold-start fallback below.
type armState struct {
	a    *mat.Dense
	aInv *mat.Dense
	b    *mat.VecDense
}

func newArmState(dim int) *armState {
	a := mat.NewDense(dim, dim, nil)
	aInv := mat.NewDense(dim, dim, nil)
	for i := 0; i < dim; i++ {
		a.Set(i, i, 1)
		aInv.Set(i, i, 1)
	}
	return &armState{a: a, aInv: aInv, b: mat.NewVecDense(dim, nil)}
}

// Oracle is the Strategy Oracle: a contextual bandit over the closed
// strategy set, LinUCB once enough data has accumulated for a context and
// epsilon-greedy over the durable effectiveness ledger before that.
type Oracle struct {
	repo   repository.StrategyRepository
	cfg    *config.Config
	logger logger.Logger

	mu   sync.Mutex
	arms map[models.Strategy]*armState
}

func New(repo repository.StrategyRepository, cfg *config.Config, log logger.Logger) *Oracle {
	arms := make(map[models.Strategy]*armState, len(models.AllStrategies))
	for _, s := range models.AllStrategies {
		arms[s] = newArmState(featureDim)
	}
	return &Oracle{repo: repo, cfg: cfg, logger: log, arms: arms}
}

// Select chooses a strategy for ctxKey: epsilon-greedy over the persisted
// ledger while the context is cold (attempts below the configured
// threshold), LinUCB once it's warm. Ties always break on
// models.AllStrategies order for determinism.
func (o *Oracle) Select(ctx context.Context, ctxKey models.StrategyContext) (models.Strategy, error) {
	rows, err := o.repo.ListForContext(ctx, ctxKey)
	if err != nil {
		return "", models.NewPersistenceError(fmt.Sprintf("failed to list strategy effectiveness: %v", err))
	}

	byStrategy := make(map[models.Strategy]*models.StrategyEffectiveness, len(rows))
	for _, row := range rows {
		byStrategy[row.Strategy] = row
	}

	// Cold start applies while any strategy in this context is still
	// individually under the threshold (a strategy with no row counts as
	// zero attempts); the context turns warm only once every arm has
	// cleared it.
	for _, s := range models.AllStrategies {
		attempts := 0
		if row, ok := byStrategy[s]; ok {
			attempts = row.Attempts
		}
		if attempts < o.cfg.Strategy.ColdStartThreshold {
			return o.selectColdStart(byStrategy), nil
		}
	}

	return o.selectLinUCB(ctxKey), nil
}

func (o *Oracle) selectColdStart(byStrategy map[models.Strategy]*models.StrategyEffectiveness) models.Strategy {
	if rand.Float64() < o.cfg.Strategy.Epsilon {
		return models.AllStrategies[rand.Intn(len(models.AllStrategies))]
	}

	best := models.AllStrategies[0]
	bestMean := -1.0
	for _, s := range models.AllStrategies {
		row, ok := byStrategy[s]
		if !ok || row.Attempts == 0 {
			continue
		}
		mean := stat.Mean([]float64{row.WeightedSuccesses}, nil) / float64(row.Attempts)
		if mean > bestMean {
			bestMean = mean
			best = s
		}
	}
	return best
}

func (o *Oracle) selectLinUCB(ctxKey models.StrategyContext) models.Strategy {
	o.mu.Lock()
	defer o.mu.Unlock()

	x := mat.NewVecDense(featureDim, featurize(ctxKey))

	best := models.AllStrategies[0]
	bestUCB := math.Inf(-1)

	for _, s := range models.AllStrategies {
		arm := o.arms[s]

		var theta mat.VecDense
		theta.MulVec(arm.aInv, arm.b)
		mean := mat.Dot(&theta, x)

		var axv mat.VecDense
		axv.MulVec(arm.aInv, x)
		variance := mat.Dot(x, &axv)
		if variance < 0 {
			variance = 0
		}

		ucb := mean + o.cfg.Strategy.UCBAlpha*math.Sqrt(variance)
		if ucb > bestUCB {
			bestUCB = ucb
			best = s
		}
	}

	return best
}

// RecordOutcome folds reward into the chosen arm's in-memory accumulators
// and persists the updated aggregate to the durable ledger.
func (o *Oracle) RecordOutcome(ctx context.Context, ctxKey models.StrategyContext, chosen models.Strategy, reward float64) error {
	o.mu.Lock()
	arm := o.arms[chosen]
	x := mat.NewVecDense(featureDim, featurize(ctxKey))

	var xxT mat.Dense
	xxT.Outer(1, x, x)
	arm.a.Add(arm.a, &xxT)

	var scaled mat.VecDense
	scaled.ScaleVec(reward, x)
	arm.b.AddVec(arm.b, &scaled)

	if err := arm.aInv.Inverse(arm.a); err != nil {
		o.logger.Warn("LinUCB matrix inversion failed, keeping prior inverse", logger.Field{Key: "strategy", Value: string(chosen)}, logger.Field{Key: "error", Value: err.Error()})
	}
	o.mu.Unlock()

	row, err := o.repo.Get(ctx, ctxKey, chosen)
	if err != nil {
		return models.NewPersistenceError(fmt.Sprintf("failed to load strategy effectiveness: %v", err))
	}

	attempts := row.Attempts + 1
	weightedSuccesses := row.WeightedSuccesses + reward
	score := weightedSuccesses / float64(attempts)

	if err := o.repo.RecordOutcome(ctx, ctxKey, chosen, reward, score); err != nil {
		return models.NewPersistenceError(fmt.Sprintf("failed to record strategy outcome: %v", err))
	}
	return nil
}
