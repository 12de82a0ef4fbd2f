// Package backup writes full snapshots of the persisted mempool database.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/AvaProtocol/ap-bundler/pkg/logger"
	"github.com/AvaProtocol/ap-bundler/storage"
)

const backupFileName = "mempool.backup"

var ErrAlreadyRunning = errors.New("periodic backup already running")

// Service snapshots db into <dir>/<yy-mm-dd-hh-mm>/mempool.backup.
type Service struct {
	logger logger.Logger
	db     storage.Storage
	dir    string
	now    func() time.Time

	mu        sync.Mutex
	scheduler gocron.Scheduler
}

func NewService(log logger.Logger, db storage.Storage, dir string) *Service {
	return &Service{
		logger: logger.Component(log, "backup"),
		db:     db,
		dir:    dir,
		now:    time.Now,
	}
}

// StartPeriodicBackup snapshots the database every interval until StopPeriodicBackup.
func (s *Service) StartPeriodicBackup(ctx context.Context, interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scheduler != nil {
		return ErrAlreadyRunning
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return err
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func(ctx context.Context) {
			path, err := s.PerformBackup(ctx)
			if err != nil {
				s.logger.Error("periodic backup failed", "error", err)
				return
			}
			s.logger.Info("periodic backup completed", "path", path, "db", s.db.DbPath())
			s.vacuum()
		}, ctx),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("backup"),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule backup: %w", err)
	}

	scheduler.Start()
	s.scheduler = scheduler
	s.logger.Infof("Started periodic backup every %v to %s", interval, s.dir)
	return nil
}

func (s *Service) StopPeriodicBackup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scheduler == nil {
		return nil
	}
	err := s.scheduler.Shutdown()
	s.scheduler = nil
	s.logger.Infof("Stopped periodic backup")
	return err
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduler != nil
}

// vacuum reclaims value log space once a snapshot is safely on disk.
func (s *Service) vacuum() {
	err := s.db.Vacuum()
	switch {
	case err == nil:
		s.logger.Info("value log garbage collected", "db", s.db.DbPath())
	case errors.Is(err, storage.ErrNothingToVacuum):
		s.logger.Debug("value log has nothing to rewrite")
	default:
		s.logger.Warn("value log garbage collection failed", "error", err)
	}
}

// PerformBackup writes one full snapshot and returns its path.
func (s *Service) PerformBackup(ctx context.Context) (string, error) {
	backupPath := filepath.Join(s.dir, s.now().UTC().Format("06-01-02-15-04"))
	if err := os.MkdirAll(backupPath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup timestamp directory: %w", err)
	}

	backupFile := filepath.Join(backupPath, backupFileName)
	f, err := os.Create(backupFile)
	if err != nil {
		return "", fmt.Errorf("failed to create backup file: %w", err)
	}
	defer f.Close()

	if _, err := s.db.Backup(ctx, f, 0); err != nil {
		return "", fmt.Errorf("backup operation failed: %w", err)
	}
	return backupFile, f.Sync()
}

// Restore loads a snapshot written by PerformBackup into db.
func Restore(ctx context.Context, db storage.Storage, backupFile string) error {
	f, err := os.Open(backupFile)
	if err != nil {
		return fmt.Errorf("failed to open backup file: %w", err)
	}
	defer f.Close()

	if err := db.Load(ctx, f); err != nil {
		return fmt.Errorf("restore operation failed: %w", err)
	}
	return nil
}
