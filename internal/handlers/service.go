// Package handlers exposes the engine's read-only administrative surface:
// fleet overview, per-account detail, and an error digest, each a stable
// paginated projection over account and action-record state rather than
// part of the core dispatch contract.
package handlers

import (
	"context"
	"fmt"
	"time"

	"trafficengine/internal/models"
	"trafficengine/internal/repository"
	"trafficengine/pkg/logger"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	defaultRecentActionsLimit = 20
	defaultErrorDigestLimit   = 100
)

// FleetOverview is the top-level administrative summary: how many
// accounts sit in each lifecycle status, and how the fleet's actions
// have broken down by outcome since the start of today.
type FleetOverview struct {
	AccountsByStatus map[models.AccountStatus]int64   `json:"accounts_by_status"`
	ActionsToday     map[models.ActionOutcome]int64   `json:"actions_today"`
	GeneratedAt      time.Time                        `json:"generated_at"`
}

// AccountDetail is the per-account administrative view: current lifecycle
// state, recent actions, and today's per-outcome counters for that
// account alone.
type AccountDetail struct {
	Account       *models.Account                 `json:"account"`
	RecentActions []*models.ActionRecord          `json:"recent_actions"`
	ActionsToday  map[models.ActionOutcome]int64  `json:"actions_today"`
}

// ErrorDigestEntry groups the fleet's recent error outcomes by the
// taxonomy kind that produced them.
type ErrorDigestEntry struct {
	ErrorKind models.ErrorKind       `json:"error_kind"`
	Count     int                    `json:"count"`
	Recent    []*models.ActionRecord `json:"recent"`
}

// Service answers the three observational queries the administrative
// surface exposes, reading straight through to the account and action
// repositories without any write path of its own.
type Service struct {
	accounts repository.AccountRepository
	actions  repository.ActionRepository
	logger   logger.Logger
}

func NewService(accounts repository.AccountRepository, actions repository.ActionRepository, log logger.Logger) *Service {
	return &Service{accounts: accounts, actions: actions, logger: log}
}

func startOfToday() time.Time {
	now := time.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}

// FleetOverview reports the fleet's current status distribution and
// today's action totals across every account.
func (s *Service) FleetOverview(ctx context.Context) (*FleetOverview, error) {
	byStatus, err := s.accounts.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count accounts by status: %w", err)
	}

	today, err := s.actions.CountAllByOutcomeSince(ctx, startOfToday())
	if err != nil {
		return nil, fmt.Errorf("failed to count today's actions: %w", err)
	}

	return &FleetOverview{
		AccountsByStatus: byStatus,
		ActionsToday:     today,
		GeneratedAt:      time.Now(),
	}, nil
}

// AccountDetail reports one account's lifecycle state, its most recent
// actions, and today's per-outcome counters.
func (s *Service) AccountDetail(ctx context.Context, accountID primitive.ObjectID) (*AccountDetail, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	recent, err := s.actions.ListRecentByAccount(ctx, accountID, defaultRecentActionsLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent actions: %w", err)
	}

	today, err := s.actions.CountByOutcomeSince(ctx, accountID, startOfToday())
	if err != nil {
		return nil, fmt.Errorf("failed to count today's actions for account: %w", err)
	}

	return &AccountDetail{Account: account, RecentActions: recent, ActionsToday: today}, nil
}

// ErrorDigest groups the errors observed in the last window by
// error_kind, most recent first within each group.
func (s *Service) ErrorDigest(ctx context.Context, window time.Duration, limit int) ([]ErrorDigestEntry, error) {
	if limit <= 0 {
		limit = defaultErrorDigestLimit
	}

	records, err := s.actions.RecentErrors(ctx, time.Now().Add(-window), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent errors: %w", err)
	}

	grouped := make(map[models.ErrorKind]*ErrorDigestEntry)
	order := make([]models.ErrorKind, 0)
	for _, record := range records {
		entry, ok := grouped[record.ErrorKind]
		if !ok {
			entry = &ErrorDigestEntry{ErrorKind: record.ErrorKind}
			grouped[record.ErrorKind] = entry
			order = append(order, record.ErrorKind)
		}
		entry.Count++
		entry.Recent = append(entry.Recent, record)
	}

	digest := make([]ErrorDigestEntry, 0, len(order))
	for _, kind := range order {
		digest = append(digest, *grouped[kind])
	}
	return digest, nil
}
