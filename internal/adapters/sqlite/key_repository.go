package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atvirokodosprendimai/keyauth/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/keyauth/internal/core/domain"
	"github.com/atvirokodosprendimai/keyauth/internal/core/ports"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type keyModel struct {
	Token        string     `gorm:"column:token;primaryKey"`
	Username     string     `gorm:"column:username;not null"`
	Plan         string     `gorm:"column:plan;not null"`
	CreatedAt    time.Time  `gorm:"column:created_at;not null"`
	ExpiresAt    *time.Time `gorm:"column:expires_at"`
	HWIDLock     bool       `gorm:"column:hwid_lock;not null"`
	BoundHWID    string     `gorm:"column:bound_hwid;not null"`
	LastHWID     string     `gorm:"column:last_hwid;not null"`
	Active       bool       `gorm:"column:active;not null"`
	Banned       bool       `gorm:"column:banned;not null"`
	BanReason    string     `gorm:"column:ban_reason;not null"`
	UseCount     int64      `gorm:"column:use_count;not null"`
	MaxUses      *int64     `gorm:"column:max_uses"`
	LastUsedAt   *time.Time `gorm:"column:last_used_at"`
	LastClientIP string     `gorm:"column:last_client_ip;not null"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;not null"`
}

func (keyModel) TableName() string {
	return "key_records"
}

var keyColumns = []string{
	"username", "plan", "created_at", "expires_at", "hwid_lock", "bound_hwid", "last_hwid",
	"active", "banned", "ban_reason", "use_count", "max_uses", "last_used_at", "last_client_ip",
	"updated_at",
}

// KeyRepository is the sqlite Key Store. Update runs inside a write
// transaction on the single writer connection, which serializes every
// read-modify-write against the table.
type KeyRepository struct {
	db *gormsqlite.DB
}

var _ ports.KeyStore = (*KeyRepository)(nil)

func NewKeyRepository(db *gormsqlite.DB) *KeyRepository {
	return &KeyRepository{db: db}
}

func (r *KeyRepository) Get(ctx context.Context, token string) (domain.KeyRecord, error) {
	var model keyModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("token = ?", token).First(&model).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.KeyRecord{}, domain.ErrNotFound
		}
		return domain.KeyRecord{}, fmt.Errorf("get key: %w", err)
	}
	return toDomain(model), nil
}

func (r *KeyRepository) Put(ctx context.Context, rec domain.KeyRecord) error {
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return upsertKey(tx.DB, rec)
	})
	if err != nil {
		return fmt.Errorf("put key: %w", err)
	}
	return nil
}

func (r *KeyRepository) Delete(ctx context.Context, token string) (bool, error) {
	var affected int64
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		res := tx.Where("token = ?", token).Delete(&keyModel{})
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return false, fmt.Errorf("delete key: %w", err)
	}
	return affected > 0, nil
}

func (r *KeyRepository) List(ctx context.Context) ([]domain.KeyRecord, error) {
	var models []keyModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Order("created_at ASC, token ASC").Find(&models).Error
	})
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}

	records := make([]domain.KeyRecord, 0, len(models))
	for _, model := range models {
		records = append(records, toDomain(model))
	}
	return records, nil
}

func (r *KeyRepository) Update(ctx context.Context, token string, fn ports.UpdateFunc) error {
	return r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		var model keyModel
		found := true
		err := tx.Where("token = ?", token).First(&model).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			found = false
		case err != nil:
			return fmt.Errorf("load key: %w", err)
		}

		current := domain.KeyRecord{Token: token}
		if found {
			current = toDomain(model)
		}

		next, write, err := fn(current, found)
		if err != nil {
			return err
		}
		if !write {
			return nil
		}
		next.Token = token
		if err := upsertKey(tx.DB, next); err != nil {
			return fmt.Errorf("store key: %w", err)
		}
		return nil
	})
}

func upsertKey(tx *gorm.DB, rec domain.KeyRecord) error {
	model := toModel(rec)
	model.UpdatedAt = time.Now().UTC()
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "token"}},
		DoUpdates: clause.AssignmentColumns(keyColumns),
	}).Create(&model).Error
}

func toModel(rec domain.KeyRecord) keyModel {
	model := keyModel{
		Token:        rec.Token,
		Username:     rec.Username,
		Plan:         rec.Plan,
		CreatedAt:    rec.CreatedAt.UTC(),
		HWIDLock:     rec.HardwareLockEnabled,
		BoundHWID:    rec.BoundHardwareID,
		LastHWID:     rec.LastHardwareID,
		Active:       rec.Active,
		Banned:       rec.Banned,
		BanReason:    rec.BanReason,
		UseCount:     rec.UseCount,
		MaxUses:      rec.MaxUses,
		LastClientIP: rec.LastClientIP,
	}
	if !rec.ExpiresAt.IsZero() {
		expires := rec.ExpiresAt.UTC()
		model.ExpiresAt = &expires
	}
	if rec.LastUsedAt != nil {
		used := rec.LastUsedAt.UTC()
		model.LastUsedAt = &used
	}
	return model
}

func toDomain(model keyModel) domain.KeyRecord {
	rec := domain.KeyRecord{
		Token:               model.Token,
		Username:            model.Username,
		Plan:                model.Plan,
		CreatedAt:           model.CreatedAt.UTC(),
		HardwareLockEnabled: model.HWIDLock,
		BoundHardwareID:     model.BoundHWID,
		LastHardwareID:      model.LastHWID,
		Active:              model.Active,
		Banned:              model.Banned,
		BanReason:           model.BanReason,
		UseCount:            model.UseCount,
		MaxUses:             model.MaxUses,
		LastClientIP:        model.LastClientIP,
	}
	if model.ExpiresAt != nil {
		rec.ExpiresAt = model.ExpiresAt.UTC()
	}
	if model.LastUsedAt != nil {
		used := model.LastUsedAt.UTC()
		rec.LastUsedAt = &used
	}
	return rec
}
