// Package scanner orchestrates principal snapshots across registered
// servers, feeding the normalizer and differ and persisting the results.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dbsentry/internal/adapter"
	"dbsentry/internal/differ"
	"dbsentry/internal/models"
	"dbsentry/internal/normalize"
	"dbsentry/internal/secrets"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrScanInProgress rejects a second concurrent scan of the same server;
// requests are refused, not queued.
var ErrScanInProgress = errors.New("scan already in progress for this server")

const (
	ScanTypeManual    = "manual"
	ScanTypeScheduled = "scheduled"
)

type Scanner struct {
	connect           adapter.Factory
	box               *secrets.Box
	timeout           time.Duration
	correlationWindow time.Duration
	workers           int
	log               *slog.Logger

	mu    sync.Mutex
	locks map[uint]*sync.Mutex
}

func New(box *secrets.Box, timeout, correlationWindow time.Duration, workers int) *Scanner {
	if workers <= 0 {
		workers = 8
	}
	return &Scanner{
		connect:           adapter.Connect,
		box:               box,
		timeout:           timeout,
		correlationWindow: correlationWindow,
		workers:           workers,
		log:               slog.Default().With("component", "scanner"),
		locks:             make(map[uint]*sync.Mutex),
	}
}

// lockFor returns the per-server mutex guarding the scan-diff-persist
// sequence.
func (s *Scanner) lockFor(serverID uint) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[serverID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[serverID] = l
	}
	return l
}

// ScanServer runs one scan of one server. Either a complete snapshot is
// recorded as completed and becomes the new baseline, or the scan fails
// whole and the previous baseline stays in place.
func (s *Scanner) ScanServer(ctx context.Context, serverID uint, scanType string) (*models.ScanHistory, error) {
	lock := s.lockFor(serverID)
	if !lock.TryLock() {
		return nil, fmt.Errorf("server %d: %w", serverID, ErrScanInProgress)
	}
	defer lock.Unlock()

	var server models.Server
	if err := models.DB.First(&server, serverID).Error; err != nil {
		return nil, fmt.Errorf("server %d not found: %w", serverID, err)
	}

	scan := models.ScanHistory{
		RunID:     uuid.NewString(),
		ServerID:  serverID,
		ScanType:  scanType,
		Status:    models.ScanStatusRunning,
		StartedAt: time.Now(),
	}
	if err := models.DB.Create(&scan).Error; err != nil {
		return nil, fmt.Errorf("failed to record scan start: %w", err)
	}

	result, err := s.snapshot(ctx, server)
	if err != nil {
		s.failScan(&scan, &server, err)
		return &scan, err
	}
	// A cancelled scan discards its raw data; nothing is partially
	// normalized or partially diffed.
	if err := ctx.Err(); err != nil {
		s.failScan(&scan, &server, err)
		return &scan, err
	}

	if err := s.persist(&scan, &server, result); err != nil {
		s.failScan(&scan, &server, err)
		return &scan, err
	}

	s.log.Info("scan completed",
		"server_id", serverID,
		"run_id", scan.RunID,
		"users", scan.UsersFound,
		"roles", scan.RolesFound,
		"changes", scan.ChangesFound)
	return &scan, nil
}

type snapshotResult struct {
	normalized    *normalize.Result
	engineVersion string
}

func (s *Scanner) snapshot(ctx context.Context, server models.Server) (*snapshotResult, error) {
	password, err := s.box.Open(server.Password)
	if err != nil {
		return nil, fmt.Errorf("server %d: cannot unseal stored credential: %w", server.ID, err)
	}

	conn, err := s.connect(ctx, adapter.Config{
		Engine:   server.Engine,
		Host:     server.Host,
		Port:     server.Port,
		Database: server.DatabaseName,
		Username: server.Username,
		Password: password,
		Timeout:  s.timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("server %d: %w", server.ID, err)
	}
	defer conn.Close()

	raw, err := conn.Introspect(ctx)
	if err != nil {
		return nil, fmt.Errorf("server %d: introspection failed: %w", server.ID, err)
	}

	normalized, err := normalize.Normalize(raw, server.ID)
	if err != nil {
		return nil, fmt.Errorf("server %d: %w", server.ID, err)
	}
	return &snapshotResult{normalized: normalized, engineVersion: raw.EngineVersion}, nil
}

// persist swaps in the new baseline and the diff output in one metadata
// transaction, serialized per server by the scan lock.
func (s *Scanner) persist(scan *models.ScanHistory, server *models.Server, result *snapshotResult) error {
	var previous []models.Identity
	if err := models.DB.Where("server_id = ?", server.ID).Find(&previous).Error; err != nil {
		return fmt.Errorf("failed to load baseline: %w", err)
	}

	var completed int64
	if err := models.DB.Model(&models.ScanHistory{}).
		Where("server_id = ? AND status = ?", server.ID, models.ScanStatusCompleted).
		Count(&completed).Error; err != nil {
		return fmt.Errorf("failed to check scan history: %w", err)
	}

	activities, events := differ.Diff(server.ID, previous, result.normalized.Identities, differ.Options{
		FirstScan:         completed == 0,
		CorrelationWindow: s.correlationWindow,
		LastMutation:      s.lastMutationLookup(server.ID),
	})

	now := time.Now()
	discovered := make(map[string]time.Time, len(previous))
	for _, id := range previous {
		discovered[id.NativeUsername] = id.DiscoveredAt
	}
	identities := result.normalized.Identities
	for i := range identities {
		if at, ok := discovered[identities[i].NativeUsername]; ok && !at.IsZero() {
			identities[i].DiscoveredAt = at
		} else {
			identities[i].DiscoveredAt = now
		}
	}

	return models.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("server_id = ?", server.ID).Delete(&models.Identity{}).Error; err != nil {
			return err
		}
		if err := tx.Where("server_id = ?", server.ID).Delete(&models.Role{}).Error; err != nil {
			return err
		}
		if len(identities) > 0 {
			if err := tx.Create(&identities).Error; err != nil {
				return err
			}
		}
		if len(result.normalized.Roles) > 0 {
			if err := tx.Create(&result.normalized.Roles).Error; err != nil {
				return err
			}
		}
		if len(activities) > 0 {
			if err := tx.Create(&activities).Error; err != nil {
				return err
			}
		}
		if len(events) > 0 {
			if err := tx.Create(&events).Error; err != nil {
				return err
			}
		}

		scan.Status = models.ScanStatusCompleted
		scan.CompletedAt = &now
		scan.UsersFound = len(identities)
		scan.RolesFound = len(result.normalized.Roles)
		scan.ChangesFound = len(activities)
		if err := tx.Save(scan).Error; err != nil {
			return err
		}

		server.Status = "online"
		server.LastScannedAt = &now
		server.EngineVersion = result.engineVersion
		return tx.Save(server).Error
	})
}

func (s *Scanner) lastMutationLookup(serverID uint) func(string) (time.Time, bool) {
	cutoff := time.Now().Add(-s.correlationWindow)
	var entries []models.CommandLog
	if err := models.DB.
		Where("server_id = ? AND issued_at >= ?", serverID, cutoff).
		Find(&entries).Error; err != nil {
		s.log.Error("failed to load command log", "server_id", serverID, "error", err)
		return func(string) (time.Time, bool) { return time.Time{}, false }
	}
	latest := make(map[string]time.Time, len(entries))
	for _, e := range entries {
		if e.IssuedAt.After(latest[e.TargetUsername]) {
			latest[e.TargetUsername] = e.IssuedAt
		}
	}
	return func(username string) (time.Time, bool) {
		at, ok := latest[username]
		return at, ok
	}
}

func (s *Scanner) failScan(scan *models.ScanHistory, server *models.Server, cause error) {
	now := time.Now()
	scan.Status = models.ScanStatusFailed
	scan.CompletedAt = &now
	scan.ErrorMessage = cause.Error()
	if err := models.DB.Save(scan).Error; err != nil {
		s.log.Error("failed to record scan failure", "run_id", scan.RunID, "error", err)
	}
	server.Status = "error"
	if err := models.DB.Model(server).Update("status", server.Status).Error; err != nil {
		s.log.Error("failed to update server status", "server_id", server.ID, "error", err)
	}
	s.log.Warn("scan failed", "server_id", server.ID, "run_id", scan.RunID, "error", cause)
}

// Outcome reports one server's result from a fleet-wide scan.
type Outcome struct {
	ServerID uint
	Scan     *models.ScanHistory
	Err      error
}

// ScanAll scans every registered server concurrently, bounded by the
// worker pool. Servers scan independently; there is no cross-server
// ordering.
func (s *Scanner) ScanAll(ctx context.Context, scanType string) []Outcome {
	var servers []models.Server
	if err := models.DB.Find(&servers).Error; err != nil {
		s.log.Error("failed to list servers", "error", err)
		return nil
	}

	workers := s.workers
	if len(servers) < workers {
		workers = len(servers)
	}
	if workers == 0 {
		return nil
	}

	sem := make(chan struct{}, workers)
	outcomes := make([]Outcome, len(servers))
	var wg sync.WaitGroup
	for i, server := range servers {
		wg.Add(1)
		go func(i int, serverID uint) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			scan, err := s.ScanServer(ctx, serverID, scanType)
			outcomes[i] = Outcome{ServerID: serverID, Scan: scan, Err: err}
		}(i, server.ID)
	}
	wg.Wait()
	return outcomes
}

// RunScheduler drives periodic fleet scans until ctx is cancelled.
// Interval <= 0 disables scheduling.
func (s *Scanner) RunScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.log.Info("scheduled scanning enabled", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduled scanning stopped")
			return
		case <-ticker.C:
			s.ScanAll(ctx, ScanTypeScheduled)
		}
	}
}
