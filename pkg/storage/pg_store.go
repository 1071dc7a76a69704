package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/uhyunpark/swapd/pkg/order"
)

// orderRecord is the orders table row.
type orderRecord struct {
	ID          string   `gorm:"primaryKey;size:64"`
	Type        string   `gorm:"size:16;not null"`
	Side        string   `gorm:"size:8;not null"`
	InputToken  string   `gorm:"size:64;not null"`
	OutputToken string   `gorm:"size:64;not null"`
	Amount      float64  `gorm:"not null"`
	Status      string   `gorm:"size:16;not null;index"`
	Logs        []string `gorm:"serializer:json"`
	TxHash      string   `gorm:"size:80"`
	Price       float64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (orderRecord) TableName() string { return "orders" }

func toRecord(o *order.Order) *orderRecord {
	return &orderRecord{
		ID:          o.ID,
		Type:        string(o.Type),
		Side:        string(o.Side),
		InputToken:  o.InputToken,
		OutputToken: o.OutputToken,
		Amount:      o.Amount,
		Status:      string(o.Status),
		Logs:        o.Logs,
		TxHash:      o.TxHash,
		Price:       o.Price,
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   o.UpdatedAt,
	}
}

func (r *orderRecord) toOrder() *order.Order {
	return &order.Order{
		ID:          r.ID,
		Type:        order.Type(r.Type),
		Side:        order.Side(r.Side),
		InputToken:  r.InputToken,
		OutputToken: r.OutputToken,
		Amount:      r.Amount,
		Status:      order.Status(r.Status),
		Logs:        append([]string(nil), r.Logs...),
		TxHash:      r.TxHash,
		Price:       r.Price,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

// PostgresStore keeps orders in Postgres. Updates lock the row with
// SELECT ... FOR UPDATE so several processes can share one database.
type PostgresStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewPostgresStore connects to dsn and migrates the orders table.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewPostgresStoreFromDB(db)
}

// NewPostgresStoreFromDB wraps an open gorm handle.
func NewPostgresStoreFromDB(db *gorm.DB) (*PostgresStore, error) {
	if err := db.AutoMigrate(&orderRecord{}); err != nil {
		return nil, fmt.Errorf("migrate orders: %w", err)
	}
	return &PostgresStore{db: db, now: time.Now}, nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *PostgresStore) Create(ctx context.Context, o *order.Order) error {
	err := s.db.WithContext(ctx).Create(toRecord(o)).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %s", order.ErrExists, o.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*order.Order, error) {
	var rec orderRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", order.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return rec.toOrder(), nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, d order.Delta) (*order.Order, error) {
	var out *order.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec orderRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", order.ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to lock order: %w", err)
		}

		o := rec.toOrder()
		if err := order.Apply(o, d, s.now()); err != nil {
			return err
		}
		if err := tx.Save(toRecord(o)).Error; err != nil {
			return fmt.Errorf("failed to save order: %w", err)
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

var _ order.Store = (*PostgresStore)(nil)
