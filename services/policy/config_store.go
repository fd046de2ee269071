package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlasconnect/pam/models"
	"github.com/atlasconnect/pam/repositories"
	"github.com/atlasconnect/pam/services"
	"go.uber.org/zap"
)

// ConfigStore holds the active policy snapshot. Readers get an immutable
// pointer; writers build a new snapshot, persist it and swap it in.
type ConfigStore struct {
	settings repositories.SettingsRepository
	logger   *zap.Logger
	timeout  time.Duration

	current atomic.Pointer[models.PamPolicyConfig]
	writeMu sync.Mutex
}

// NewConfigStore creates a store serving initial until Bootstrap or Reload
// replaces it. settings may be nil for a process-local policy.
func NewConfigStore(settings repositories.SettingsRepository, initial *models.PamPolicyConfig, timeout time.Duration, logger *zap.Logger) *ConfigStore {
	if initial == nil {
		initial = models.DefaultPamPolicyConfig()
	}
	s := &ConfigStore{
		settings: settings,
		logger:   logger,
		timeout:  timeout,
	}
	s.current.Store(initial.Clone())
	return s
}

// Current returns the active snapshot. Callers must not modify it.
func (s *ConfigStore) Current() *models.PamPolicyConfig {
	return s.current.Load()
}

// Bootstrap loads the persisted policy. When nothing is stored yet, seed
// is persisted as version 1 and becomes active.
func (s *ConfigStore) Bootstrap(ctx context.Context, seed *models.PamPolicyConfig) error {
	if s.settings == nil {
		if seed != nil {
			s.current.Store(seed.Clone())
		}
		return nil
	}

	stored, err := s.load(ctx)
	switch {
	case err == nil:
		s.current.Store(stored)
		s.logger.Info("policy loaded", zap.Int64("version", stored.Version))
		return nil
	case !errors.Is(err, repositories.ErrNotFound):
		return err
	}

	if seed == nil {
		seed = s.Current()
	}
	next := seed.Clone()
	if next.Version <= 0 {
		next.Version = 1
	}
	if err := s.persist(ctx, next); err != nil {
		return err
	}
	s.current.Store(next)
	s.logger.Info("policy seeded", zap.Int64("version", next.Version))
	return nil
}

// Replace validates next, assigns it the following version and publishes it.
// A non-zero expectedVersion must match the active version.
func (s *ConfigStore) Replace(ctx context.Context, next *models.PamPolicyConfig, expectedVersion int64) (*models.PamPolicyConfig, error) {
	if next == nil {
		return nil, services.ErrInvalidPolicyConfig
	}
	if err := next.Validate(); err != nil {
		return nil, services.NewDomainError(services.ErrorTypeInvalidArgument, "invalid policy configuration", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.Current()
	if expectedVersion != 0 && expectedVersion != cur.Version {
		return nil, services.NewDomainError(services.ErrorTypeConflict, "policy configuration was changed concurrently", nil).
			WithDetail("current_version", cur.Version)
	}

	snapshot := next.Clone()
	snapshot.Version = cur.Version + 1
	if err := s.persist(ctx, snapshot); err != nil {
		return nil, err
	}
	s.current.Store(snapshot)

	s.logger.Info("policy replaced",
		zap.Int64("version", snapshot.Version),
		zap.Bool("approval_required_for_admin", snapshot.ApprovalRequiredForAdmin),
		zap.Bool("approval_required_for_system", snapshot.ApprovalRequiredForSystem))
	return snapshot, nil
}

// Reload picks up a policy written by another instance. It reports whether
// the active snapshot changed.
func (s *ConfigStore) Reload(ctx context.Context) (bool, error) {
	if s.settings == nil {
		return false, nil
	}
	stored, err := s.load(ctx)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.Current()
	if sameSnapshot(cur, stored) {
		return false, nil
	}
	s.current.Store(stored)
	s.logger.Info("policy reloaded",
		zap.Int64("previous_version", cur.Version),
		zap.Int64("version", stored.Version))
	return true, nil
}

// StartReloadWorker polls the settings table until stopCh is closed
func (s *ConfigStore) StartReloadWorker(interval time.Duration, stopCh <-chan struct{}) {
	if s.settings == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.Reload(context.Background()); err != nil {
					s.logger.Warn("policy reload failed", zap.Error(err))
				}
			case <-stopCh:
				return
			}
		}
	}()
}

func (s *ConfigStore) load(ctx context.Context) (*models.PamPolicyConfig, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	raw, err := s.settings.Get(ctx, models.PamConfigSettingKey)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, err
		}
		return nil, services.WrapStorage("failed to load policy", err)
	}

	cfg := models.DefaultPamPolicyConfig()
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, services.WrapInternal("stored policy is not valid JSON", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, services.WrapInternal("stored policy is invalid", err)
	}
	return cfg, nil
}

func (s *ConfigStore) persist(ctx context.Context, cfg *models.PamPolicyConfig) error {
	if s.settings == nil {
		return nil
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return services.WrapInternal("failed to encode policy", err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.settings.Put(ctx, models.PamConfigSettingKey, data); err != nil {
		return services.WrapStorage(fmt.Sprintf("failed to store policy version %d", cfg.Version), err)
	}
	return nil
}

func (s *ConfigStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func sameSnapshot(a, b *models.PamPolicyConfig) bool {
	if a.Version != b.Version {
		return false
	}
	da, errA := json.Marshal(a)
	db, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(da) == string(db)
}
