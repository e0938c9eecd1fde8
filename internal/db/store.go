package db

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// allocationLockKey is the advisory-lock key serializing lab creation
// in strict allocation mode. Arbitrary but must be stable.
const allocationLockKey = 0x6c616273 // "labs"

// Store wraps the GORM handle with the row operations the lab
// lifecycle manager needs. It implements labs.Store.
type Store struct {
	db *gorm.DB
}

// NewStore returns a Store over the given connection.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// ActiveLabs returns every ACTIVE lab, newest first.
func (s *Store) ActiveLabs(ctx context.Context) ([]Lab, error) {
	var labs []Lab
	err := s.db.WithContext(ctx).
		Where("status = ?", StatusActive).
		Order("created_at DESC").
		Find(&labs).Error
	return labs, err
}

// ActiveLabsForUser returns the user's ACTIVE labs, newest first.
func (s *Store) ActiveLabsForUser(ctx context.Context, userID uint) ([]Lab, error) {
	var labs []Lab
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, StatusActive).
		Order("created_at DESC").
		Find(&labs).Error
	return labs, err
}

// AllLabs returns every lab row regardless of status, newest first.
func (s *Store) AllLabs(ctx context.Context) ([]Lab, error) {
	var labs []Lab
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Find(&labs).Error
	return labs, err
}

// ActiveLabByID returns the ACTIVE lab with the given id, or nil when
// no such row exists.
func (s *Store) ActiveLabByID(ctx context.Context, id uint) (*Lab, error) {
	var lab Lab
	err := s.db.WithContext(ctx).
		Where("id = ? AND status = ?", id, StatusActive).
		First(&lab).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &lab, nil
}

// ExpiredActiveLabs returns ACTIVE labs whose expiry is before now.
func (s *Store) ExpiredActiveLabs(ctx context.Context, now time.Time) ([]Lab, error) {
	var labs []Lab
	err := s.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", StatusActive, now).
		Find(&labs).Error
	return labs, err
}

// CountActive returns the number of ACTIVE labs across all users.
func (s *Store) CountActive(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Lab{}).
		Where("status = ?", StatusActive).
		Count(&n).Error
	return n, err
}

// CountActiveForUser returns the number of ACTIVE labs owned by userID.
func (s *Store) CountActiveForUser(ctx context.Context, userID uint) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Lab{}).
		Where("user_id = ? AND status = ?", userID, StatusActive).
		Count(&n).Error
	return n, err
}

// CountUsers returns the total number of registered users.
func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&User{}).Count(&n).Error
	return n, err
}

// InsertLab persists a new lab row. The caller sets every field,
// including Status; nothing is defaulted here.
func (s *Store) InsertLab(ctx context.Context, lab *Lab) error {
	return s.db.WithContext(ctx).Create(lab).Error
}

// CancelLab transitions an ACTIVE lab to a canceled state. The WHERE
// clause guards the forward-only invariant at the row level: a lab that
// is already canceled (or was canceled concurrently) is simply not
// matched, and false is returned.
func (s *Store) CancelLab(ctx context.Context, id uint, to LabStatus, reason string, at time.Time) (bool, error) {
	if !StatusActive.CanTransitionTo(to) {
		return false, errors.New("invalid lab status transition")
	}
	res := s.db.WithContext(ctx).Model(&Lab{}).
		Where("id = ? AND status = ?", id, StatusActive).
		Updates(map[string]any{
			"status":        to,
			"canceled_at":   at,
			"cancel_reason": reason,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ExtendLab pushes the expiry of an ACTIVE lab forward by d. Returns
// false when the lab is not ACTIVE.
func (s *Store) ExtendLab(ctx context.Context, id uint, d time.Duration) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Lab{}).
		Where("id = ? AND status = ?", id, StatusActive).
		Update("expires_at", gorm.Expr("expires_at + make_interval(secs => ?)", d.Seconds()))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// AppendActivity writes one audit row. Best-effort by contract of the
// callers; failures surface as plain errors for them to log.
func (s *Store) AppendActivity(ctx context.Context, userID uint, action, details string) error {
	return s.db.WithContext(ctx).Create(&ActivityLog{
		UserID:  userID,
		Action:  action,
		Details: details,
	}).Error
}

// Setting reads one system_config value. The second result is false
// when the key has no row.
func (s *Store) Setting(ctx context.Context, key string) (string, bool, error) {
	var entry ConfigEntry
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return entry.Value, true, nil
}

// WithAllocationLock runs fn while holding the global allocation
// advisory lock, serializing concurrent lab creation. The lock is taken
// on a pinned connection; fn's own queries go through the normal pool.
func (s *Store) WithAllocationLock(ctx context.Context, fn func() error) error {
	return s.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := conn.Exec("SELECT pg_advisory_lock(?)", allocationLockKey).Error; err != nil {
			return err
		}
		defer conn.Exec("SELECT pg_advisory_unlock(?)", allocationLockKey)
		return fn()
	})
}

// UserStat is one row of the per-user lab usage report.
type UserStat struct {
	UserID     uint   `json:"user_id"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	ActiveLabs int64  `json:"active_labs"`
	TotalLabs  int64  `json:"total_labs"`
}

// UserStats aggregates lab counts per user for the admin report.
func (s *Store) UserStats(ctx context.Context) ([]UserStat, error) {
	var stats []UserStat
	err := s.db.WithContext(ctx).Model(&User{}).
		Select(`users.id AS user_id, users.email, users.name,
			COUNT(labs.id) FILTER (WHERE labs.status = ?) AS active_labs,
			COUNT(labs.id) AS total_labs`, StatusActive).
		Joins("LEFT JOIN labs ON labs.user_id = users.id").
		Group("users.id, users.email, users.name").
		Order("users.id").
		Scan(&stats).Error
	return stats, err
}
