package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/go-event-driven/common/log"

	"github.com/zezo2030/loopmsq-sub000/entity"
)

type SettingsRepository interface {
	Latest(ctx context.Context) (entity.RuntimeSettings, bool, error)
	Append(ctx context.Context, settings entity.RuntimeSettings, expectedVersion int64) (entity.RuntimeSettings, error)
}

const defaultRefreshInterval = 5 * time.Second

// Provider hands out snapshots of the versioned runtime settings. Operations take one snapshot
// at their start and use it until they finish.
type Provider struct {
	repo     SettingsRepository
	defaults entity.RuntimeSettings
	refresh  time.Duration

	mu       sync.Mutex
	current  entity.RuntimeSettings
	loadedAt time.Time
}

func NewProvider(repo SettingsRepository, defaults entity.RuntimeSettings) *Provider {
	if repo == nil {
		panic("missing settings repository")
	}

	return &Provider{
		repo:     repo,
		defaults: defaults,
		refresh:  defaultRefreshInterval,
	}
}

// Current returns the latest settings version, or the defaults when no version was stored yet.
func (p *Provider) Current(ctx context.Context) (entity.RuntimeSettings, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.loadedAt.IsZero() && time.Since(p.loadedAt) < p.refresh {
		return p.current, nil
	}

	settings, found, err := p.repo.Latest(ctx)
	if err != nil {
		if !p.loadedAt.IsZero() {
			log.FromContext(ctx).WithError(err).Warn("Could not refresh runtime settings, using the previous version")
			return p.current, nil
		}
		return entity.RuntimeSettings{}, err
	}
	if !found {
		settings = p.defaults
	}

	p.current = settings
	p.loadedAt = time.Now()

	return settings, nil
}

// Update stores settings as a new version. settings.Version must be the version the caller
// read; a concurrent update makes it fail with ErrConflict.
func (p *Provider) Update(ctx context.Context, auth entity.AuthContext, settings entity.RuntimeSettings) (entity.RuntimeSettings, error) {
	if !auth.CanManageSettings() {
		return entity.RuntimeSettings{}, entity.ErrForbidden
	}
	if err := settings.Validate(); err != nil {
		return entity.RuntimeSettings{}, err
	}

	settings.UpdatedBy = auth.UserID
	settings.UpdatedAt = time.Now().UTC()

	stored, err := p.repo.Append(ctx, settings, settings.Version)
	if err != nil {
		return entity.RuntimeSettings{}, fmt.Errorf("could not update runtime settings: %w", err)
	}

	p.mu.Lock()
	p.current = stored
	p.loadedAt = time.Now()
	p.mu.Unlock()

	log.FromContext(ctx).WithField("version", stored.Version).WithField("updated_by", auth.UserID).Info("Runtime settings updated")

	return stored, nil
}
