package accountstore

import (
	"context"
	"fmt"
	"time"

	"trafficengine/internal/models"
	"trafficengine/internal/repository"
	"trafficengine/pkg/logger"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Store is the Account State Store: CRUD plus queries over account
// records, enforcing the status state machine via compare-and-set
// transitions.
type Store struct {
	repo   repository.AccountRepository
	logger logger.Logger
}

func New(repo repository.AccountRepository, log logger.Logger) *Store {
	return &Store{repo: repo, logger: log}
}

func (s *Store) Get(ctx context.Context, id primitive.ObjectID) (*models.Account, error) {
	account, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, models.NewPersistenceError(fmt.Sprintf("failed to load account: %v", err))
	}
	return account, nil
}

func (s *Store) ListByStatus(ctx context.Context, status models.AccountStatus, segment models.Segment) ([]*models.Account, error) {
	accounts, err := s.repo.ListByStatus(ctx, status, segment)
	if err != nil {
		return nil, models.NewPersistenceError(fmt.Sprintf("failed to list accounts: %v", err))
	}
	return accounts, nil
}

// CountByStatus aggregates the fleet's current size by lifecycle status,
// the source of the account-status gauge.
func (s *Store) CountByStatus(ctx context.Context) (map[models.AccountStatus]int64, error) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, models.NewPersistenceError(fmt.Sprintf("failed to count accounts by status: %v", err))
	}
	return counts, nil
}

// transitions enumerates the allowed (from, to) edges of the account
// status state machine described for the Account State Store.
var transitions = map[models.AccountStatus][]models.AccountStatus{
	models.AccountStatusNew:     {models.AccountStatusWarming},
	models.AccountStatusWarming: {models.AccountStatusActive, models.AccountStatusPaused, models.AccountStatusBanned},
	models.AccountStatusActive:  {models.AccountStatusPaused, models.AccountStatusBanned},
	models.AccountStatusPaused:  {models.AccountStatusActive, models.AccountStatusBanned},
}

func isAllowed(from, to models.AccountStatus) bool {
	if to == models.AccountStatusBanned {
		return true // any -> banned is always allowed
	}
	for _, candidate := range transitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// Transition performs the compare-and-set status move; it rejects edges
// not present in the state machine before touching storage.
func (s *Store) Transition(ctx context.Context, id primitive.ObjectID, from, to models.AccountStatus) (bool, error) {
	if !isAllowed(from, to) {
		return false, fmt.Errorf("illegal account status transition %s -> %s", from, to)
	}

	ok, err := s.repo.Transition(ctx, id, from, to)
	if err != nil {
		return false, models.NewPersistenceError(fmt.Sprintf("failed to transition account: %v", err))
	}
	return ok, nil
}

// CompleteLogin moves a new account into warming on first successful
// Telegram login.
func (s *Store) CompleteLogin(ctx context.Context, id primitive.ObjectID) (bool, error) {
	return s.Transition(ctx, id, models.AccountStatusNew, models.AccountStatusWarming)
}

// CompleteWarmup moves a warming account into active once the Warmup
// Planner reports completed.
func (s *Store) CompleteWarmup(ctx context.Context, id primitive.ObjectID) (bool, error) {
	return s.Transition(ctx, id, models.AccountStatusWarming, models.AccountStatusActive)
}

// Pause moves an active account to paused (admin action, or spam_status
// becoming limited).
func (s *Store) Pause(ctx context.Context, id primitive.ObjectID) (bool, error) {
	return s.Transition(ctx, id, models.AccountStatusActive, models.AccountStatusPaused)
}

// Resume moves a paused account back to active; callers must first verify
// spam_status is ok.
func (s *Store) Resume(ctx context.Context, id primitive.ObjectID, spamVerdict models.SpamVerdict) (bool, error) {
	if spamVerdict != models.SpamVerdictOK {
		return false, fmt.Errorf("cannot resume account with spam verdict %s", spamVerdict)
	}
	return s.Transition(ctx, id, models.AccountStatusPaused, models.AccountStatusActive)
}

// Ban transitions the account to banned from any status and records the
// reason; banned is terminal until a manual reset.
func (s *Store) Ban(ctx context.Context, id primitive.ObjectID, reason string) error {
	if err := s.repo.MarkBanned(ctx, id, reason); err != nil {
		return models.NewPersistenceError(fmt.Sprintf("failed to mark account banned: %v", err))
	}
	return nil
}

func (s *Store) RecordSpamCheck(ctx context.Context, id primitive.ObjectID, verdict models.SpamVerdict) error {
	if err := s.repo.RecordSpamCheck(ctx, id, verdict); err != nil {
		return models.NewPersistenceError(fmt.Sprintf("failed to record spam check: %v", err))
	}
	return nil
}

// TouchActivity records the timestamp of the account's most recent
// dispatched action, the cursor AdvanceIfNewDay uses to detect local-day
// rollover.
func (s *Store) TouchActivity(ctx context.Context, id primitive.ObjectID, at time.Time) error {
	if err := s.repo.TouchLastActivity(ctx, id, at); err != nil {
		return models.NewPersistenceError(fmt.Sprintf("failed to touch account activity: %v", err))
	}
	return nil
}

// Cooldown parks the account until until, used when a flood-wait response
// exceeds the configured ceiling.
func (s *Store) Cooldown(ctx context.Context, id primitive.ObjectID, until time.Time) error {
	if err := s.repo.SetCooldown(ctx, id, until); err != nil {
		return models.NewPersistenceError(fmt.Sprintf("failed to set account cooldown: %v", err))
	}
	return nil
}

// EnterCooldown parks the account in status=paused with wake time until,
// the transition spec.md Scenario B requires on a long flood-wait or auth
// error: account status moves to paused, not just the cooldown timestamp,
// so fleet-overview/ListByStatus reflect a parked account correctly. from
// is the caller's last-known status; an account already paused just gets
// its cooldown extended, since paused->paused isn't a state transition.
func (s *Store) EnterCooldown(ctx context.Context, id primitive.ObjectID, from models.AccountStatus, until time.Time) error {
	if from != models.AccountStatusPaused {
		if ok, err := s.Transition(ctx, id, from, models.AccountStatusPaused); err != nil {
			return err
		} else if !ok {
			s.logger.Warn("account status changed concurrently before cooldown transition", logger.Field{Key: "account_id", Value: id.Hex()}, logger.Field{Key: "from", Value: string(from)})
		}
	}
	return s.Cooldown(ctx, id, until)
}
