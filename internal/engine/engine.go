// Package engine is the Traffic Engine's top-level supervisor: it wires
// the per-account dispatch fibers and the shared background workers
// (Channel Monitor, Reply Poller, Funnel Manager) together and restarts
// any per-account fiber that panics, with exponential back-off, the way
// the rest of the codebase recovers from a single bad task rather than
// bringing the whole process down.
package engine

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"trafficengine/internal/accountstore"
	"trafficengine/internal/channelmonitor"
	"trafficengine/internal/config"
	"trafficengine/internal/dispatcher"
	"trafficengine/internal/funnel"
	"trafficengine/internal/metrics"
	"trafficengine/internal/models"
	"trafficengine/internal/proxypool"
	"trafficengine/pkg/logger"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	accountRescanInterval = time.Minute
	restartBaseDelay      = time.Second
	restartMaxDelay       = 2 * time.Minute
)

// OutcomeConsumer and MembershipConsumer are satisfied by *messaging.RabbitMQ;
// declared narrowly here so the supervisor doesn't depend on the concrete
// transport.
type OutcomeConsumer = dispatcher.OutcomeConsumer
type MembershipConsumer = funnel.MembershipConsumer

// AccountFiber is the narrow capability the supervisor restarts on
// panic; *dispatcher.Dispatcher satisfies it.
type AccountFiber interface {
	Run(ctx context.Context, account *models.Account)
}

// Supervisor owns the lifecycle of every long-running worker in the
// engine: the per-account dispatch fiber pool, the channel monitor, the
// reply poller, and the funnel manager's sweep and membership consumer.
type Supervisor struct {
	accounts    *accountstore.Store
	dispatcher  AccountFiber
	poller      *dispatcher.ReplyPoller
	monitor     *channelmonitor.Monitor
	funnelMgr   *funnel.Manager
	outcomes    OutcomeConsumer
	memberships MembershipConsumer
	proxies     proxypool.Pool
	metrics     *metrics.Metrics
	cfg         *config.Config
	logger      logger.Logger

	mu      sync.Mutex
	running map[primitive.ObjectID]struct{}
	wg      sync.WaitGroup
}

func New(
	accounts *accountstore.Store,
	d AccountFiber,
	poller *dispatcher.ReplyPoller,
	monitor *channelmonitor.Monitor,
	funnelMgr *funnel.Manager,
	outcomes OutcomeConsumer,
	memberships MembershipConsumer,
	proxies proxypool.Pool,
	m *metrics.Metrics,
	cfg *config.Config,
	log logger.Logger,
) *Supervisor {
	return &Supervisor{
		accounts: accounts, dispatcher: d, poller: poller, monitor: monitor,
		funnelMgr: funnelMgr, outcomes: outcomes, memberships: memberships,
		proxies: proxies, metrics: m,
		cfg: cfg, logger: log, running: make(map[primitive.ObjectID]struct{}),
	}
}

// StartWorkers launches every background worker and the initial set of
// per-account dispatch fibers, then rescans for newly-eligible accounts
// on a fixed interval until ctx is canceled. It returns once every
// launched goroutine has exited.
func (s *Supervisor) StartWorkers(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitor.Run(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.funnelMgr.Run(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.funnelMgr.ConsumeMemberships(ctx, s.memberships); err != nil && ctx.Err() == nil {
			s.logger.Error("membership consumer exited", logger.Field{Key: "error", Value: err.Error()})
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.poller.Consume(ctx, s.outcomes); err != nil && ctx.Err() == nil {
			s.logger.Error("reply poller consumer exited", logger.Field{Key: "error", Value: err.Error()})
		}
	}()

	s.rescanAccounts(ctx)

	ticker := time.NewTicker(accountRescanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.rescanAccounts(ctx)
		case <-ctx.Done():
			s.wg.Wait()
			return
		}
	}
}

// rescanAccounts lists every warming/active account across every segment
// and launches a supervised fiber for any not already running. Accounts
// that leave the warming/active set stop their own fiber (Dispatcher.Run
// returns on status change) and are dropped from the running set lazily
// the next time this scan observes their absence.
func (s *Supervisor) rescanAccounts(ctx context.Context) {
	seen := make(map[primitive.ObjectID]struct{})
	phaseCounts := make(map[int]int)

	for _, status := range []models.AccountStatus{models.AccountStatusWarming, models.AccountStatusActive} {
		for _, segment := range models.AllSegments {
			accounts, err := s.accounts.ListByStatus(ctx, status, segment)
			if err != nil {
				s.logger.Error("failed to list accounts for supervision", logger.Field{Key: "status", Value: string(status)}, logger.Field{Key: "error", Value: err.Error()})
				continue
			}
			for _, account := range accounts {
				seen[account.ID] = struct{}{}
				phaseCounts[account.Phase]++
				s.ensureRunning(ctx, account)
			}
		}
	}

	s.mu.Lock()
	for id := range s.running {
		if _, ok := seen[id]; !ok {
			delete(s.running, id)
		}
	}
	s.mu.Unlock()

	s.metrics.SetAccountsByPhase(phaseCounts)
	s.reportSnapshots(ctx)
}

// reportSnapshots refreshes the account-status and proxy-health gauges off
// the same ticker that drives rescanAccounts, rather than running a
// separate timer for metrics alone.
func (s *Supervisor) reportSnapshots(ctx context.Context) {
	statusCounts, err := s.accounts.CountByStatus(ctx)
	if err != nil {
		s.logger.Error("failed to count accounts by status", logger.Field{Key: "error", Value: err.Error()})
	} else {
		counts := make(map[string]int, len(statusCounts))
		for status, count := range statusCounts {
			counts[string(status)] = int(count)
		}
		s.metrics.SetAccountsByStatus(counts)
	}

	proxyCounts, err := s.proxies.Snapshot(ctx)
	if err != nil {
		s.logger.Error("failed to snapshot proxy health", logger.Field{Key: "error", Value: err.Error()})
		return
	}
	counts := make(map[string]int, len(proxyCounts))
	for health, count := range proxyCounts {
		counts[health] = int(count)
	}
	s.metrics.SetProxiesByHealth(counts)
}

func (s *Supervisor) ensureRunning(ctx context.Context, account *models.Account) {
	s.mu.Lock()
	if _, ok := s.running[account.ID]; ok {
		s.mu.Unlock()
		return
	}
	s.running[account.ID] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, account.ID)
			s.mu.Unlock()
		}()
		s.superviseFiber(ctx, account)
	}()
}

// superviseFiber runs the account's dispatch fiber, restarting it with
// exponential back-off (capped, with jitter) if it panics, until ctx is
// canceled or the fiber returns normally (status left warming/active).
func (s *Supervisor) superviseFiber(ctx context.Context, account *models.Account) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		normalReturn := s.runFiberOnce(ctx, account)
		if normalReturn {
			return
		}

		delay := backoffDelay(attempt)
		attempt++
		s.logger.Warn("account fiber panicked, restarting", logger.Field{Key: "account_id", Value: account.ID.Hex()}, logger.Field{Key: "attempt", Value: attempt}, logger.Field{Key: "delay", Value: delay.String()})

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// runFiberOnce runs Dispatcher.Run under a recover(), reporting whether
// it returned normally (true) versus panicked (false).
func (s *Supervisor) runFiberOnce(ctx context.Context, account *models.Account) (normalReturn bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("account fiber panic", logger.Field{Key: "account_id", Value: account.ID.Hex()}, logger.Field{Key: "panic", Value: r})
			normalReturn = false
		}
	}()

	s.dispatcher.Run(ctx, account)
	return true
}

func backoffDelay(attempt int) time.Duration {
	if attempt > 10 {
		attempt = 10
	}
	delay := restartBaseDelay << uint(attempt)
	if delay <= 0 || delay > restartMaxDelay {
		delay = restartMaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	return delay/2 + jitter
}
