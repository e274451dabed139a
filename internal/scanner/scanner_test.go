package scanner

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"dbsentry/internal/adapter"
	"dbsentry/internal/config"
	"dbsentry/internal/dialect"
	"dbsentry/internal/models"
	"dbsentry/internal/secrets"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) {
	testDBPath := fmt.Sprintf("%s/dbsentry_scanner_test_%d.db", os.TempDir(), time.Now().UnixNano())
	cfg := &config.Config{
		Database: config.DatabaseConfig{
			Type:   "sqlite",
			SQLite: config.SQLiteConfig{Path: testDBPath},
		},
	}
	require.NoError(t, models.InitDB(cfg))
	t.Cleanup(func() {
		if models.DB != nil {
			if sqlDB, err := models.DB.DB(); err == nil {
				sqlDB.Close()
			}
		}
		os.Remove(testDBPath)
		models.DB = nil
	})
}

func testBox(t *testing.T) *secrets.Box {
	box, err := secrets.NewBox(strings.Repeat("ab", 32))
	require.NoError(t, err)
	return box
}

func createTestServer(t *testing.T, box *secrets.Box) *models.Server {
	sealed, err := box.Seal("dbpass")
	require.NoError(t, err)
	server := &models.Server{
		Name:     "pg-main",
		Engine:   models.EnginePostgres,
		Host:     "localhost",
		Port:     5432,
		Username: "sentry",
		Password: sealed,
		Status:   "unknown",
	}
	require.NoError(t, models.DB.Create(server).Error)
	return server
}

// fakeAdapter serves a scripted snapshot and can block to exercise the
// per-server scan guard.
type fakeAdapter struct {
	set     *adapter.RawPrincipalSet
	failure error
	block   chan struct{}
}

func (f *fakeAdapter) Engine() models.Engine      { return f.set.Engine }
func (f *fakeAdapter) SupportsTransactions() bool { return true }
func (f *fakeAdapter) Close() error               { return nil }

func (f *fakeAdapter) Introspect(ctx context.Context) (*adapter.RawPrincipalSet, error) {
	if f.block != nil {
		<-f.block
	}
	if f.failure != nil {
		return nil, f.failure
	}
	return f.set, nil
}

func (f *fakeAdapter) Execute(ctx context.Context, stmt dialect.Statement) error { return nil }
func (f *fakeAdapter) ExecuteBatch(ctx context.Context, stmts []dialect.Statement) error {
	return nil
}

func newTestScanner(fake *fakeAdapter, box *secrets.Box) *Scanner {
	s := New(box, time.Second, 5*time.Minute, 2)
	s.connect = func(ctx context.Context, cfg adapter.Config) (adapter.Adapter, error) {
		return fake, nil
	}
	return s
}

func snapshot(principals ...adapter.RawPrincipal) *adapter.RawPrincipalSet {
	return &adapter.RawPrincipalSet{
		Engine:        models.EnginePostgres,
		EngineVersion: "16.2",
		Principals:    principals,
	}
}

func TestScanServerCreatesBaseline(t *testing.T) {
	setupTestDB(t)
	box := testBox(t)
	server := createTestServer(t, box)

	fake := &fakeAdapter{set: snapshot(
		adapter.RawPrincipal{Name: "alice", Flags: map[string]bool{"canlogin": true, "superuser": true}},
		adapter.RawPrincipal{Name: "bob", Flags: map[string]bool{"canlogin": true}},
	)}
	s := newTestScanner(fake, box)

	scan, err := s.ScanServer(context.Background(), server.ID, ScanTypeManual)
	require.NoError(t, err)
	assert.Equal(t, models.ScanStatusCompleted, scan.Status)
	assert.Equal(t, 2, scan.UsersFound)
	require.NotNil(t, scan.CompletedAt)

	var identities []models.Identity
	require.NoError(t, models.DB.Where("server_id = ?", server.ID).Find(&identities).Error)
	assert.Len(t, identities, 2)

	// First scan: discovery only, no drift events.
	var events int64
	models.DB.Model(&models.SecurityEvent{}).Count(&events)
	assert.Zero(t, events)

	var updated models.Server
	require.NoError(t, models.DB.First(&updated, server.ID).Error)
	assert.Equal(t, "online", updated.Status)
	assert.Equal(t, "16.2", updated.EngineVersion)
	require.NotNil(t, updated.LastScannedAt)
}

func TestScanServerDetectsDrift(t *testing.T) {
	setupTestDB(t)
	box := testBox(t)
	server := createTestServer(t, box)

	fake := &fakeAdapter{set: snapshot(
		adapter.RawPrincipal{Name: "alice", Flags: map[string]bool{"canlogin": true}},
	)}
	s := newTestScanner(fake, box)

	_, err := s.ScanServer(context.Background(), server.ID, ScanTypeManual)
	require.NoError(t, err)

	// Someone escalates alice to superuser behind the tool's back.
	fake.set = snapshot(
		adapter.RawPrincipal{Name: "alice", Flags: map[string]bool{"canlogin": true, "superuser": true}},
	)

	scan, err := s.ScanServer(context.Background(), server.ID, ScanTypeManual)
	require.NoError(t, err)
	assert.Equal(t, 1, scan.ChangesFound)

	var events []models.SecurityEvent
	require.NoError(t, models.DB.Find(&events).Error)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventManualUserDetected, events[0].EventType)
	assert.Equal(t, models.SeverityCritical, events[0].Severity)
}

func TestScanServerCorrelationSuppressesToolChanges(t *testing.T) {
	setupTestDB(t)
	box := testBox(t)
	server := createTestServer(t, box)

	fake := &fakeAdapter{set: snapshot(
		adapter.RawPrincipal{Name: "alice", Flags: map[string]bool{"canlogin": true}},
	)}
	s := newTestScanner(fake, box)

	_, err := s.ScanServer(context.Background(), server.ID, ScanTypeManual)
	require.NoError(t, err)

	// The tool itself created bob moments ago.
	require.NoError(t, models.DB.Create(&models.CommandLog{
		ServerID:       server.ID,
		TargetUsername: "bob",
		Operation:      "create_login",
		IssuedBy:       "admin",
		IssuedAt:       time.Now(),
	}).Error)

	fake.set = snapshot(
		adapter.RawPrincipal{Name: "alice", Flags: map[string]bool{"canlogin": true}},
		adapter.RawPrincipal{Name: "bob", Flags: map[string]bool{"canlogin": true}},
	)

	_, err = s.ScanServer(context.Background(), server.ID, ScanTypeManual)
	require.NoError(t, err)

	var events int64
	models.DB.Model(&models.SecurityEvent{}).Count(&events)
	assert.Zero(t, events)

	var activity models.ActivityRecord
	require.NoError(t, models.DB.Where("identity_username = ?", "bob").First(&activity).Error)
	assert.Equal(t, models.ActionCreated, activity.Action)
	assert.False(t, activity.DetectedManually)
}

func TestScanServerFailureKeepsBaseline(t *testing.T) {
	setupTestDB(t)
	box := testBox(t)
	server := createTestServer(t, box)

	fake := &fakeAdapter{set: snapshot(
		adapter.RawPrincipal{Name: "alice", Flags: map[string]bool{"canlogin": true}},
	)}
	s := newTestScanner(fake, box)

	_, err := s.ScanServer(context.Background(), server.ID, ScanTypeManual)
	require.NoError(t, err)

	fake.failure = adapter.ErrConnectionLost
	scan, err := s.ScanServer(context.Background(), server.ID, ScanTypeManual)
	require.Error(t, err)
	require.NotNil(t, scan)
	assert.Equal(t, models.ScanStatusFailed, scan.Status)
	assert.NotEmpty(t, scan.ErrorMessage)

	// The failed run leaves the previous baseline untouched.
	var identities []models.Identity
	require.NoError(t, models.DB.Where("server_id = ?", server.ID).Find(&identities).Error)
	require.Len(t, identities, 1)
	assert.Equal(t, "alice", identities[0].NativeUsername)
}

func TestScanServerConcurrentGuard(t *testing.T) {
	setupTestDB(t)
	box := testBox(t)
	server := createTestServer(t, box)

	block := make(chan struct{})
	fake := &fakeAdapter{
		set:   snapshot(adapter.RawPrincipal{Name: "alice", Flags: map[string]bool{"canlogin": true}}),
		block: block,
	}
	s := newTestScanner(fake, box)

	var wg sync.WaitGroup
	wg.Add(1)
	started := make(chan struct{})
	go func() {
		defer wg.Done()
		close(started)
		_, err := s.ScanServer(context.Background(), server.ID, ScanTypeManual)
		assert.NoError(t, err)
	}()

	<-started
	// Give the first scan time to take the lock and park in Introspect.
	time.Sleep(50 * time.Millisecond)

	_, err := s.ScanServer(context.Background(), server.ID, ScanTypeScheduled)
	assert.ErrorIs(t, err, ErrScanInProgress)

	close(block)
	wg.Wait()
}

func TestScanServerPreservesDiscoveredAt(t *testing.T) {
	setupTestDB(t)
	box := testBox(t)
	server := createTestServer(t, box)

	fake := &fakeAdapter{set: snapshot(
		adapter.RawPrincipal{Name: "alice", Flags: map[string]bool{"canlogin": true}},
	)}
	s := newTestScanner(fake, box)

	_, err := s.ScanServer(context.Background(), server.ID, ScanTypeManual)
	require.NoError(t, err)

	var first models.Identity
	require.NoError(t, models.DB.Where("native_username = ?", "alice").First(&first).Error)

	time.Sleep(10 * time.Millisecond)
	_, err = s.ScanServer(context.Background(), server.ID, ScanTypeManual)
	require.NoError(t, err)

	var second models.Identity
	require.NoError(t, models.DB.Where("native_username = ?", "alice").First(&second).Error)
	assert.Equal(t, first.DiscoveredAt.Unix(), second.DiscoveredAt.Unix())
}

func TestScanAllScansEveryServer(t *testing.T) {
	setupTestDB(t)
	box := testBox(t)
	first := createTestServer(t, box)

	sealed, err := box.Seal("dbpass")
	require.NoError(t, err)
	second := &models.Server{
		Name:     "pg-replica",
		Engine:   models.EnginePostgres,
		Host:     "localhost",
		Port:     5433,
		Username: "sentry",
		Password: sealed,
	}
	require.NoError(t, models.DB.Create(second).Error)

	fake := &fakeAdapter{set: snapshot(
		adapter.RawPrincipal{Name: "alice", Flags: map[string]bool{"canlogin": true}},
	)}
	s := newTestScanner(fake, box)

	outcomes := s.ScanAll(context.Background(), ScanTypeScheduled)
	require.Len(t, outcomes, 2)
	seen := map[uint]bool{}
	for _, o := range outcomes {
		assert.NoError(t, o.Err)
		seen[o.ServerID] = true
	}
	assert.True(t, seen[first.ID])
	assert.True(t, seen[second.ID])
}
