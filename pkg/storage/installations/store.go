package installations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"platyfend/pkg/apperror"
	"platyfend/pkg/storage"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Config mirrors the storage configuration for the installation tables.
type Config struct {
	Driver            string
	DSN               string
	Dialect           string
	InstallationTable string
	RepositoryTable   string
	AutoMigrate       bool
}

// Store implements storage.Store on top of GORM.
type Store struct {
	db        *gorm.DB
	instTable string
	repoTable string
}

type installationRow struct {
	Provider        string     `gorm:"column:provider;size:32;not null;uniqueIndex:idx_provider_installation"`
	InstallationID  string     `gorm:"column:installation_id;size:128;not null;uniqueIndex:idx_provider_installation"`
	OwnerID         string     `gorm:"column:owner_id;size:128;index"`
	AccountID       string     `gorm:"column:account_id;size:128"`
	AccountName     string     `gorm:"column:account_name;size:255"`
	AccountType     string     `gorm:"column:account_type;size:32"`
	Status          string     `gorm:"column:status;size:16;not null"`
	PermissionsJSON string     `gorm:"column:permissions_json;type:text"`
	TotalRepos      int        `gorm:"column:total_repos;not null"`
	PublicRepos     int        `gorm:"column:public_repos;not null"`
	PrivateRepos    int        `gorm:"column:private_repos;not null"`
	CreatedAt       time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time  `gorm:"column:updated_at;autoUpdateTime"`
	SuspendedAt     *time.Time `gorm:"column:suspended_at"`
	DeletedAt       *time.Time `gorm:"column:deleted_at"`
}

type repositoryRow struct {
	Provider       string    `gorm:"column:provider;size:32;not null;uniqueIndex:idx_installation_repo"`
	InstallationID string    `gorm:"column:installation_id;size:128;not null;uniqueIndex:idx_installation_repo"`
	RepoID         string    `gorm:"column:repo_id;size:128;not null;uniqueIndex:idx_installation_repo;index:idx_repo"`
	Name           string    `gorm:"column:name;size:255"`
	FullName       string    `gorm:"column:full_name;size:512"`
	Private        bool      `gorm:"column:private"`
	Language       string    `gorm:"column:language;size:64"`
	Stars          int       `gorm:"column:stars"`
	Forks          int       `gorm:"column:forks"`
	DefaultBranch  string    `gorm:"column:default_branch;size:255"`
	HTMLURL        string    `gorm:"column:html_url;size:1024"`
	AddedAt        time.Time `gorm:"column:added_at;not null"`
	LastSyncAt     time.Time `gorm:"column:last_sync_at;not null"`
}

// Open creates a GORM-backed installation store.
func Open(cfg Config) (*Store, error) {
	if cfg.Driver == "" && cfg.Dialect == "" {
		return nil, errors.New("storage driver or dialect is required")
	}
	if cfg.DSN == "" {
		return nil, errors.New("storage dsn is required")
	}
	driver := normalizeDriver(cfg.Driver)
	if driver == "" {
		driver = normalizeDriver(cfg.Dialect)
	}
	if driver == "" {
		return nil, errors.New("unsupported storage driver")
	}

	gormDB, err := openGorm(driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	instTable := cfg.InstallationTable
	if instTable == "" {
		instTable = "platyfend_installations"
	}
	repoTable := cfg.RepositoryTable
	if repoTable == "" {
		repoTable = "platyfend_repositories"
	}
	store := &Store{
		db:        gormDB,
		instTable: instTable,
		repoTable: repoTable,
	}
	if cfg.AutoMigrate {
		if err := store.migrate(); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// Close closes the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateInstallation inserts a new installation record.
func (s *Store) CreateInstallation(ctx context.Context, inst *storage.Installation) error {
	if s == nil || s.db == nil {
		return apperror.StoreConnectivity(errors.New("store is not initialized"))
	}
	if inst.Provider == "" || inst.InstallationID == "" {
		return apperror.StoreValidation("provider and installation id are required", nil)
	}
	status := inst.Status
	if status == "" {
		status = storage.StatusPending
	}
	row := installationRow{
		Provider:        inst.Provider,
		InstallationID:  inst.InstallationID,
		OwnerID:         inst.OwnerID,
		AccountID:       inst.AccountID,
		AccountName:     inst.AccountName,
		AccountType:     inst.AccountType,
		Status:          string(status),
		PermissionsJSON: encodePermissions(inst.Permissions),
	}
	err := s.instDB().WithContext(ctx).Create(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return apperror.StoreValidation("installation already exists", err)
		}
		return classifyStoreError(err)
	}
	for _, repo := range inst.Repos {
		if err := s.UpsertRepository(ctx, inst.Provider, inst.InstallationID, repo); err != nil {
			return err
		}
	}
	return s.RecomputeCounters(ctx, inst.Provider, inst.InstallationID)
}

// GetInstallation fetches one installation together with its repository set.
func (s *Store) GetInstallation(ctx context.Context, provider, installationID string) (*storage.Installation, error) {
	if s == nil || s.db == nil {
		return nil, apperror.StoreConnectivity(errors.New("store is not initialized"))
	}
	var row installationRow
	err := s.instDB().
		WithContext(ctx).
		Where("provider = ? AND installation_id = ?", provider, installationID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperror.InstallationNotFound(installationID)
	}
	if err != nil {
		return nil, classifyStoreError(err)
	}
	inst := fromInstallationRow(row)
	repos, err := s.listRepositoryRows(ctx, provider, installationID)
	if err != nil {
		return nil, err
	}
	inst.Repos = repos
	return &inst, nil
}

// ListInstallationsByOwner lists installations belonging to a local user.
func (s *Store) ListInstallationsByOwner(ctx context.Context, ownerID string) ([]storage.Installation, error) {
	if s == nil || s.db == nil {
		return nil, apperror.StoreConnectivity(errors.New("store is not initialized"))
	}
	var rows []installationRow
	err := s.instDB().
		WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Find(&rows).Error
	if err != nil {
		return nil, classifyStoreError(err)
	}
	return s.hydrate(ctx, rows)
}

// ListInstallationsByRepo lists every installation currently holding a repo.
// A repository normally belongs to one installation, but in-flight transfers
// can transiently show it under several.
func (s *Store) ListInstallationsByRepo(ctx context.Context, provider, repoID string) ([]storage.Installation, error) {
	if s == nil || s.db == nil {
		return nil, apperror.StoreConnectivity(errors.New("store is not initialized"))
	}
	var repoRows []repositoryRow
	err := s.repoDB().
		WithContext(ctx).
		Where("provider = ? AND repo_id = ?", provider, repoID).
		Find(&repoRows).Error
	if err != nil {
		return nil, classifyStoreError(err)
	}
	out := make([]storage.Installation, 0, len(repoRows))
	for _, repoRow := range repoRows {
		inst, err := s.GetInstallation(ctx, provider, repoRow.InstallationID)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, nil
}

// UpdateStatus applies a validated state machine transition.
func (s *Store) UpdateStatus(ctx context.Context, provider, installationID string, status storage.Status) error {
	if s == nil || s.db == nil {
		return apperror.StoreConnectivity(errors.New("store is not initialized"))
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row installationRow
		err := tx.Table(s.instTable).
			Where("provider = ? AND installation_id = ?", provider, installationID).
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperror.InstallationNotFound(installationID)
		}
		if err != nil {
			return classifyStoreError(err)
		}
		if err := storage.Transition(storage.Status(row.Status), status); err != nil {
			return err
		}
		now := time.Now().UTC()
		updates := map[string]interface{}{
			"status":     string(status),
			"updated_at": now,
		}
		switch status {
		case storage.StatusSuspended:
			updates["suspended_at"] = now
		case storage.StatusDeleted:
			updates["deleted_at"] = now
		case storage.StatusActive:
			updates["suspended_at"] = nil
		}
		err = tx.Table(s.instTable).
			Where("provider = ? AND installation_id = ?", provider, installationID).
			Updates(updates).Error
		if err != nil {
			return classifyStoreError(err)
		}
		return nil
	})
}

// UpsertRepository inserts or refreshes one repository row and recomputes the
// installation's derived counters. AddedAt is preserved on conflict.
func (s *Store) UpsertRepository(ctx context.Context, provider, installationID string, repo storage.Repository) error {
	if s == nil || s.db == nil {
		return apperror.StoreConnectivity(errors.New("store is not initialized"))
	}
	if repo.RepoID == "" {
		return apperror.StoreValidation("repo id is required", nil)
	}
	now := time.Now().UTC()
	if repo.AddedAt.IsZero() {
		repo.AddedAt = now
	}
	repo.LastSyncAt = now

	row := toRepositoryRow(provider, installationID, repo)
	err := s.repoDB().
		WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "provider"}, {Name: "installation_id"}, {Name: "repo_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"name", "full_name", "private", "language", "stars", "forks",
				"default_branch", "html_url", "last_sync_at",
			}),
		}).
		Create(&row).Error
	if err != nil {
		return classifyStoreError(err)
	}
	return s.RecomputeCounters(ctx, provider, installationID)
}

// RemoveRepository hard-deletes one repository row. Removing an absent row is
// a no-op so replayed webhook events stay idempotent.
func (s *Store) RemoveRepository(ctx context.Context, provider, installationID, repoID string) error {
	if s == nil || s.db == nil {
		return apperror.StoreConnectivity(errors.New("store is not initialized"))
	}
	err := s.repoDB().
		WithContext(ctx).
		Where("provider = ? AND installation_id = ? AND repo_id = ?", provider, installationID, repoID).
		Delete(&repositoryRow{}).Error
	if err != nil {
		return classifyStoreError(err)
	}
	return s.RecomputeCounters(ctx, provider, installationID)
}

// PatchRepository applies a partial update. AddedAt is never touched.
func (s *Store) PatchRepository(ctx context.Context, provider, installationID, repoID string, patch storage.RepositoryPatch) error {
	if s == nil || s.db == nil {
		return apperror.StoreConnectivity(errors.New("store is not initialized"))
	}
	updates := map[string]interface{}{
		"last_sync_at": time.Now().UTC(),
	}
	if patch.Name != nil {
		updates["name"] = *patch.Name
	}
	if patch.FullName != nil {
		updates["full_name"] = *patch.FullName
	}
	if patch.Private != nil {
		updates["private"] = *patch.Private
	}
	if patch.DefaultBranch != nil {
		updates["default_branch"] = *patch.DefaultBranch
	}
	if patch.HTMLURL != nil {
		updates["html_url"] = *patch.HTMLURL
	}
	result := s.repoDB().
		WithContext(ctx).
		Where("provider = ? AND installation_id = ? AND repo_id = ?", provider, installationID, repoID).
		Updates(updates)
	if result.Error != nil {
		return classifyStoreError(result.Error)
	}
	if result.RowsAffected == 0 {
		return apperror.StoreValidation("repository not found: "+repoID, nil)
	}
	return s.RecomputeCounters(ctx, provider, installationID)
}

// RecomputeCounters rebuilds the derived counters from the repository rows
// inside a transaction, so the counters are always a deterministic function
// of the current set.
func (s *Store) RecomputeCounters(ctx context.Context, provider, installationID string) error {
	if s == nil || s.db == nil {
		return apperror.StoreConnectivity(errors.New("store is not initialized"))
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var total, private int64
		err := tx.Table(s.repoTable).
			Where("provider = ? AND installation_id = ?", provider, installationID).
			Count(&total).Error
		if err != nil {
			return classifyStoreError(err)
		}
		err = tx.Table(s.repoTable).
			Where("provider = ? AND installation_id = ? AND private = ?", provider, installationID, true).
			Count(&private).Error
		if err != nil {
			return classifyStoreError(err)
		}
		err = tx.Table(s.instTable).
			Where("provider = ? AND installation_id = ?", provider, installationID).
			Updates(map[string]interface{}{
				"total_repos":   total,
				"public_repos":  total - private,
				"private_repos": private,
				"updated_at":    time.Now().UTC(),
			}).Error
		if err != nil {
			return classifyStoreError(err)
		}
		return nil
	})
}

func (s *Store) hydrate(ctx context.Context, rows []installationRow) ([]storage.Installation, error) {
	out := make([]storage.Installation, 0, len(rows))
	for _, row := range rows {
		inst := fromInstallationRow(row)
		repos, err := s.listRepositoryRows(ctx, row.Provider, row.InstallationID)
		if err != nil {
			return nil, err
		}
		inst.Repos = repos
		out = append(out, inst)
	}
	return out, nil
}

func (s *Store) listRepositoryRows(ctx context.Context, provider, installationID string) ([]storage.Repository, error) {
	var rows []repositoryRow
	err := s.repoDB().
		WithContext(ctx).
		Where("provider = ? AND installation_id = ?", provider, installationID).
		Order("added_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, classifyStoreError(err)
	}
	repos := make([]storage.Repository, 0, len(rows))
	for _, row := range rows {
		repos = append(repos, fromRepositoryRow(row))
	}
	return repos, nil
}

func (s *Store) migrate() error {
	if err := s.instDB().AutoMigrate(&installationRow{}); err != nil {
		return err
	}
	return s.repoDB().AutoMigrate(&repositoryRow{})
}

func (s *Store) instDB() *gorm.DB {
	return s.db.Table(s.instTable)
}

func (s *Store) repoDB() *gorm.DB {
	return s.db.Table(s.repoTable)
}

func fromInstallationRow(row installationRow) storage.Installation {
	return storage.Installation{
		Provider:       row.Provider,
		InstallationID: row.InstallationID,
		OwnerID:        row.OwnerID,
		AccountID:      row.AccountID,
		AccountName:    row.AccountName,
		AccountType:    row.AccountType,
		Status:         storage.Status(row.Status),
		Permissions:    decodePermissions(row.PermissionsJSON),
		TotalRepos:     row.TotalRepos,
		PublicRepos:    row.PublicRepos,
		PrivateRepos:   row.PrivateRepos,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
		SuspendedAt:    row.SuspendedAt,
		DeletedAt:      row.DeletedAt,
	}
}

func toRepositoryRow(provider, installationID string, repo storage.Repository) repositoryRow {
	return repositoryRow{
		Provider:       provider,
		InstallationID: installationID,
		RepoID:         repo.RepoID,
		Name:           repo.Name,
		FullName:       repo.FullName,
		Private:        repo.Private,
		Language:       repo.Language,
		Stars:          repo.Stars,
		Forks:          repo.Forks,
		DefaultBranch:  repo.DefaultBranch,
		HTMLURL:        repo.HTMLURL,
		AddedAt:        repo.AddedAt,
		LastSyncAt:     repo.LastSyncAt,
	}
}

func fromRepositoryRow(row repositoryRow) storage.Repository {
	return storage.Repository{
		RepoID:        row.RepoID,
		Name:          row.Name,
		FullName:      row.FullName,
		Private:       row.Private,
		Language:      row.Language,
		Stars:         row.Stars,
		Forks:         row.Forks,
		DefaultBranch: row.DefaultBranch,
		HTMLURL:       row.HTMLURL,
		AddedAt:       row.AddedAt,
		LastSyncAt:    row.LastSyncAt,
	}
}

func classifyStoreError(err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, gorm.ErrInvalidData) || errors.Is(err, gorm.ErrInvalidValue) || errors.Is(err, gorm.ErrDuplicatedKey) {
		return apperror.StoreValidation(err.Error(), err)
	}
	return apperror.StoreConnectivity(err)
}

func encodePermissions(perms map[string]string) string {
	if len(perms) == 0 {
		return ""
	}
	encoded, err := json.Marshal(perms)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func decodePermissions(encoded string) map[string]string {
	if encoded == "" {
		return nil
	}
	perms := make(map[string]string)
	if err := json.Unmarshal([]byte(encoded), &perms); err != nil {
		return nil
	}
	return perms
}

func normalizeDriver(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	switch value {
	case "postgres", "postgresql", "pgx":
		return "postgres"
	case "mysql":
		return "mysql"
	case "sqlite", "sqlite3":
		return "sqlite"
	default:
		return ""
	}
}

func openGorm(driver, dsn string) (*gorm.DB, error) {
	switch driver {
	case "postgres":
		return gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case "mysql":
		return gorm.Open(mysql.Open(dsn), &gorm.Config{})
	case "sqlite":
		return gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}
