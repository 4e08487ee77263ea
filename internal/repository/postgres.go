// Package repository содержит реализацию доступа к данным в PostgreSQL
// и совместимое с ней хранилище в памяти.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/nkuznetsov/agromarket-system/internal/consignment"
	"github.com/nkuznetsov/agromarket-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrConsignmentNotFound возвращается, если партия не найдена.
	ErrConsignmentNotFound = errors.New("consignment not found")
	// ErrProductNotFound возвращается, если товар по партии не найден.
	ErrProductNotFound = errors.New("product not found")
	// ErrTransactionNotFound возвращается, если операция по кошельку не найдена.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrInsufficientBalance возвращается при попытке списания суммы, превышающей баланс.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInsufficientStock возвращается, если продажа превышает остаток товара.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrVersionConflict возвращается при проигрыше гонки за обновление партии;
	// вызывающий код перечитывает состояние и повторяет попытку.
	ErrVersionConflict = errors.New("concurrent modification")
	// ErrDuplicateReference возвращается при нарушении уникальности referenceId.
	ErrDuplicateReference = errors.New("duplicate transaction reference")
)

// querier объединяет пул соединений и транзакцию для общих запросов.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Повторяем только сбои сериализации, дедлоки и сетевые ошибки.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя с указанной ролью.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte, role model.Role) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash, role) VALUES ($1, $2, $3) RETURNING id`,
		login, passwordHash, string(role),
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, role, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	var role string
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &role, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Role = model.Role(role)

	return &u, nil
}

const consignmentColumns = `id, farmer_id, product_name, category, quantity, unit,
	farmer_price, suggested_price, final_price, status, driver_id, warehouse_id,
	rejection_reason, version, submitted_at, reviewed_at`

func scanConsignment(row pgx.Row) (*model.Consignment, error) {
	var c model.Consignment
	var status string
	err := row.Scan(
		&c.ID, &c.FarmerID, &c.ProductName, &c.Category, &c.Quantity, &c.Unit,
		&c.FarmerPriceCents, &c.SuggestedPriceCents, &c.FinalPriceCents, &status,
		&c.DriverID, &c.WarehouseID, &c.RejectionReason, &c.Version,
		&c.SubmittedAt, &c.ReviewedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Status = model.ConsignmentStatus(status)
	return &c, nil
}

// CreateConsignment сохраняет новую партию в статусе PENDING_APPROVAL.
func (r *PostgresRepository) CreateConsignment(ctx context.Context, c *model.Consignment) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO consignments
		 (id, farmer_id, product_name, category, quantity, unit, farmer_price, status, version, submitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.FarmerID, c.ProductName, c.Category, c.Quantity, c.Unit,
		c.FarmerPriceCents, string(c.Status), c.Version, c.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("insert consignment: %w", err)
	}
	return nil
}

func (r *PostgresRepository) getConsignment(ctx context.Context, q querier, id string, forUpdate bool) (*model.Consignment, error) {
	query := `SELECT ` + consignmentColumns + ` FROM consignments WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	c, err := scanConsignment(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConsignmentNotFound
		}
		return nil, fmt.Errorf("get consignment: %w", err)
	}
	return c, nil
}

func (r *PostgresRepository) loadPriceHistory(ctx context.Context, q querier, consignmentID string) ([]model.PriceOffer, error) {
	rows, err := q.Query(ctx,
		`SELECT proposed_by, price, message, outcome, created_at
		 FROM price_offers
		 WHERE consignment_id = $1
		 ORDER BY id`,
		consignmentID,
	)
	if err != nil {
		return nil, fmt.Errorf("select price offers: %w", err)
	}
	defer rows.Close()

	var history []model.PriceOffer
	for rows.Next() {
		var (
			proposedBy string
			outcome    string
			offer      model.PriceOffer
		)
		if err := rows.Scan(&proposedBy, &offer.PriceCents, &offer.Message, &outcome, &offer.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan price offer: %w", err)
		}
		offer.ProposedBy = model.OfferParty(proposedBy)
		offer.Outcome = model.OfferOutcome(outcome)
		history = append(history, offer)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return history, nil
}

// GetConsignment возвращает партию вместе с историей торга.
func (r *PostgresRepository) GetConsignment(ctx context.Context, id string) (*model.Consignment, error) {
	c, err := r.getConsignment(ctx, r.pool, id, false)
	if err != nil {
		return nil, err
	}

	history, err := r.loadPriceHistory(ctx, r.pool, id)
	if err != nil {
		return nil, err
	}
	c.PriceHistory = history

	return c, nil
}

func (r *PostgresRepository) listConsignments(ctx context.Context, query string, args ...any) ([]model.Consignment, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select consignments: %w", err)
	}
	defer rows.Close()

	var res []model.Consignment
	for rows.Next() {
		c, err := scanConsignment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan consignment: %w", err)
		}
		res = append(res, *c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListConsignmentsByFarmer возвращает партии фермера, без истории торга.
func (r *PostgresRepository) ListConsignmentsByFarmer(ctx context.Context, farmerID int64) ([]model.Consignment, error) {
	return r.listConsignments(ctx,
		`SELECT `+consignmentColumns+` FROM consignments WHERE farmer_id = $1 ORDER BY submitted_at DESC`,
		farmerID,
	)
}

// ListConsignmentsByStatus возвращает партии в указанном статусе, без истории торга.
func (r *PostgresRepository) ListConsignmentsByStatus(ctx context.Context, status model.ConsignmentStatus) ([]model.Consignment, error) {
	return r.listConsignments(ctx,
		`SELECT `+consignmentColumns+` FROM consignments WHERE status = $1 ORDER BY submitted_at`,
		string(status),
	)
}

// UpdateConsignment применяет изменения партии с оптимистической проверкой версии
// и дописывает новые предложения в историю торга. При проигрыше гонки возвращает
// ErrVersionConflict, данные при этом не меняются.
func (r *PostgresRepository) UpdateConsignment(ctx context.Context, c *model.Consignment, newOffers []model.PriceOffer) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := r.updateConsignmentTx(ctx, tx, c, newOffers); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		c.Version++
		return nil
	})
}

func (r *PostgresRepository) updateConsignmentTx(ctx context.Context, tx pgx.Tx, c *model.Consignment, newOffers []model.PriceOffer) error {
	cmdTag, err := tx.Exec(ctx,
		`UPDATE consignments
		 SET status = $3, suggested_price = $4, final_price = $5, driver_id = $6,
		     warehouse_id = $7, rejection_reason = $8, reviewed_at = $9,
		     version = version + 1
		 WHERE id = $1 AND version = $2`,
		c.ID, c.Version, string(c.Status), c.SuggestedPriceCents, c.FinalPriceCents,
		c.DriverID, c.WarehouseID, c.RejectionReason, c.ReviewedAt,
	)
	if err != nil {
		return fmt.Errorf("update consignment: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM consignments WHERE id = $1)`, c.ID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check consignment: %w", err)
		}
		if !exists {
			return ErrConsignmentNotFound
		}
		return fmt.Errorf("%w: consignment %s", ErrVersionConflict, c.ID)
	}

	for _, offer := range newOffers {
		_, err := tx.Exec(ctx,
			`INSERT INTO price_offers (consignment_id, proposed_by, price, message, outcome, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			c.ID, string(offer.ProposedBy), offer.PriceCents, offer.Message,
			string(offer.Outcome), offer.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert price offer: %w", err)
		}
	}

	return nil
}

// lockWallet создаёт кошелёк при первом обращении и блокирует его строку,
// сериализуя операции по одному фермеру. Кошельки разных фермеров независимы.
func (r *PostgresRepository) lockWallet(ctx context.Context, q querier, farmerID int64) (*model.Wallet, error) {
	if _, err := q.Exec(ctx,
		`INSERT INTO wallets (farmer_id) VALUES ($1) ON CONFLICT (farmer_id) DO NOTHING`,
		farmerID,
	); err != nil {
		return nil, fmt.Errorf("ensure wallet: %w", err)
	}

	var w model.Wallet
	err := q.QueryRow(ctx,
		`SELECT farmer_id, balance, pending_balance, total_earned, total_withdrawn
		 FROM wallets WHERE farmer_id = $1 FOR UPDATE`,
		farmerID,
	).Scan(&w.FarmerID, &w.BalanceCents, &w.PendingBalanceCents, &w.TotalEarnedCents, &w.TotalWithdrawnCents)
	if err != nil {
		return nil, fmt.Errorf("lock wallet: %w", err)
	}

	return &w, nil
}

func (r *PostgresRepository) findTransactionByReference(ctx context.Context, q querier, referenceID string, txType model.TransactionType) (*model.Transaction, error) {
	row := q.QueryRow(ctx,
		`SELECT id, farmer_id, type, amount, reference_id, description, status, destination, created_at
		 FROM transactions
		 WHERE reference_id = $1 AND type = $2 AND status <> $3`,
		referenceID, string(txType), string(model.TransactionFailed),
	)

	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find transaction: %w", err)
	}
	return t, nil
}

func scanTransaction(row pgx.Row) (*model.Transaction, error) {
	var t model.Transaction
	var txType, status string
	err := row.Scan(&t.ID, &t.FarmerID, &txType, &t.AmountCents, &t.ReferenceID,
		&t.Description, &status, &t.Destination, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Type = model.TransactionType(txType)
	t.Status = model.TransactionStatus(status)
	return &t, nil
}

func insertTransaction(ctx context.Context, q querier, t *model.Transaction) error {
	_, err := q.Exec(ctx,
		`INSERT INTO transactions (id, farmer_id, type, amount, reference_id, description, status, destination, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.FarmerID, string(t.Type), t.AmountCents, t.ReferenceID,
		t.Description, string(t.Status), t.Destination, t.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicateReference, t.ReferenceID)
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// creditWalletTx начисляет средства внутри открытой транзакции: строка кошелька
// уже заблокирована, проверка дубликата referenceId выполнена вызывающим кодом.
func (r *PostgresRepository) creditWalletTx(ctx context.Context, tx pgx.Tx, w *model.Wallet, t *model.Transaction) error {
	if err := insertTransaction(ctx, tx, t); err != nil {
		return err
	}

	newPending := w.PendingBalanceCents - t.AmountCents
	if newPending < 0 {
		newPending = 0
	}

	_, err := tx.Exec(ctx,
		`UPDATE wallets
		 SET balance = balance + $2, total_earned = total_earned + $2, pending_balance = $3
		 WHERE farmer_id = $1`,
		t.FarmerID, t.AmountCents, newPending,
	)
	if err != nil {
		return fmt.Errorf("update wallet: %w", err)
	}
	return nil
}

// CreditWallet атомарно начисляет средства фермеру. Повторный вызов с тем же
// referenceId возвращает исходную операцию без изменения баланса.
func (r *PostgresRepository) CreditWallet(ctx context.Context, farmerID, amountCents int64, referenceID, description string) (*model.Transaction, bool, error) {
	var result *model.Transaction
	var duplicate bool

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		w, err := r.lockWallet(ctx, tx, farmerID)
		if err != nil {
			return err
		}

		prior, err := r.findTransactionByReference(ctx, tx, referenceID, model.TransactionCredit)
		if err != nil {
			return err
		}
		if prior != nil {
			result = prior
			duplicate = true
			return tx.Commit(ctx)
		}

		t := &model.Transaction{
			ID:          uuid.NewString(),
			FarmerID:    farmerID,
			Type:        model.TransactionCredit,
			AmountCents: amountCents,
			ReferenceID: referenceID,
			Description: description,
			Status:      model.TransactionCompleted,
			CreatedAt:   time.Now(),
		}

		if err := r.creditWalletTx(ctx, tx, w, t); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		result = t
		duplicate = false
		return nil
	})

	return result, duplicate, err
}

// DebitWallet атомарно списывает средства с кошелька фермера. Списание,
// превышающее баланс, отклоняется с ErrInsufficientBalance; повтор с тем же
// referenceId возвращает исходную операцию.
func (r *PostgresRepository) DebitWallet(ctx context.Context, farmerID, amountCents int64, referenceID, description, destination string, status model.TransactionStatus) (*model.Transaction, bool, error) {
	var result *model.Transaction
	var duplicate bool

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		w, err := r.lockWallet(ctx, tx, farmerID)
		if err != nil {
			return err
		}

		prior, err := r.findTransactionByReference(ctx, tx, referenceID, model.TransactionDebit)
		if err != nil {
			return err
		}
		if prior != nil {
			result = prior
			duplicate = true
			return tx.Commit(ctx)
		}

		if amountCents > w.BalanceCents {
			return ErrInsufficientBalance
		}

		t := &model.Transaction{
			ID:          uuid.NewString(),
			FarmerID:    farmerID,
			Type:        model.TransactionDebit,
			AmountCents: amountCents,
			ReferenceID: referenceID,
			Description: description,
			Status:      status,
			Destination: destination,
			CreatedAt:   time.Now(),
		}

		if err := insertTransaction(ctx, tx, t); err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`UPDATE wallets
			 SET balance = balance - $2, total_withdrawn = total_withdrawn + $2
			 WHERE farmer_id = $1`,
			farmerID, amountCents,
		)
		if err != nil {
			return fmt.Errorf("update wallet: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		result = t
		duplicate = false
		return nil
	})

	return result, duplicate, err
}

// CompleteDebit помечает отложенное списание завершённым после подтверждения выплаты.
func (r *PostgresRepository) CompleteDebit(ctx context.Context, transactionID string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE transactions SET status = $2 WHERE id = $1 AND status = $3`,
		transactionID, string(model.TransactionCompleted), string(model.TransactionPending),
	)
	if err != nil {
		return fmt.Errorf("complete debit: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// FailDebit помечает отложенное списание неудавшимся и возвращает средства
// компенсирующим начислением: записи журнала не редактируются, только дописываются.
func (r *PostgresRepository) FailDebit(ctx context.Context, transactionID string) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		row := tx.QueryRow(ctx,
			`SELECT id, farmer_id, type, amount, reference_id, description, status, destination, created_at
			 FROM transactions
			 WHERE id = $1 AND type = $2 AND status = $3
			 FOR UPDATE`,
			transactionID, string(model.TransactionDebit), string(model.TransactionPending),
		)
		debit, err := scanTransaction(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				// Списание уже разрешено другим процессом.
				return nil
			}
			return fmt.Errorf("get debit: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE transactions SET status = $2 WHERE id = $1`,
			debit.ID, string(model.TransactionFailed),
		); err != nil {
			return fmt.Errorf("fail debit: %w", err)
		}

		w, err := r.lockWallet(ctx, tx, debit.FarmerID)
		if err != nil {
			return err
		}

		reversal := &model.Transaction{
			ID:          uuid.NewString(),
			FarmerID:    debit.FarmerID,
			Type:        model.TransactionCredit,
			AmountCents: debit.AmountCents,
			ReferenceID: "reversal-" + debit.ReferenceID,
			Description: "reversal of failed payout " + debit.ReferenceID,
			Status:      model.TransactionCompleted,
			CreatedAt:   time.Now(),
		}

		if err := r.creditWalletTx(ctx, tx, w, reversal); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// ListPendingDebits возвращает отложенные списания, ожидающие подтверждения шлюза.
func (r *PostgresRepository) ListPendingDebits(ctx context.Context, limit int) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, farmer_id, type, amount, reference_id, description, status, destination, created_at
		 FROM transactions
		 WHERE type = $1 AND status = $2
		 ORDER BY created_at
		 LIMIT $3`,
		string(model.TransactionDebit), string(model.TransactionPending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending debits: %w", err)
	}
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		res = append(res, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetWallet возвращает снимок кошелька фермера. Для фермера без операций
// возвращается нулевой кошелёк.
func (r *PostgresRepository) GetWallet(ctx context.Context, farmerID int64) (*model.Wallet, error) {
	var w model.Wallet
	err := r.pool.QueryRow(ctx,
		`SELECT farmer_id, balance, pending_balance, total_earned, total_withdrawn
		 FROM wallets WHERE farmer_id = $1`,
		farmerID,
	).Scan(&w.FarmerID, &w.BalanceCents, &w.PendingBalanceCents, &w.TotalEarnedCents, &w.TotalWithdrawnCents)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &model.Wallet{FarmerID: farmerID}, nil
		}
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return &w, nil
}

// ListTransactions возвращает журнал операций фермера, новые записи первыми.
func (r *PostgresRepository) ListTransactions(ctx context.Context, farmerID int64) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, farmer_id, type, amount, reference_id, description, status, destination, created_at
		 FROM transactions
		 WHERE farmer_id = $1
		 ORDER BY created_at DESC`,
		farmerID,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		res = append(res, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreateListing выставляет партию в магазин: обновляет партию с проверкой версии,
// создаёт товар и увеличивает ожидаемый приход кошелька, всё одной транзакцией.
func (r *PostgresRepository) CreateListing(ctx context.Context, c *model.Consignment, p *model.Product) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := r.updateConsignmentTx(ctx, tx, c, nil); err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO products (id, consignment_id, warehouse_id, name, category, unit, stock_quantity, price_per_unit, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			p.ID, p.ConsignmentID, p.WarehouseID, p.Name, p.Category, p.Unit,
			p.StockQuantity, p.PricePerUnitCents, p.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert product: %w", err)
		}

		if _, err := r.lockWallet(ctx, tx, c.FarmerID); err != nil {
			return err
		}

		expected := p.PricePerUnitCents * p.StockQuantity
		_, err = tx.Exec(ctx,
			`UPDATE wallets SET pending_balance = pending_balance + $2 WHERE farmer_id = $1`,
			c.FarmerID, expected,
		)
		if err != nil {
			return fmt.Errorf("update pending balance: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		c.Version++
		return nil
	})
}

// GetProductByConsignment возвращает товар, созданный по партии.
func (r *PostgresRepository) GetProductByConsignment(ctx context.Context, consignmentID string) (*model.Product, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, consignment_id, warehouse_id, name, category, unit, stock_quantity, price_per_unit, created_at
		 FROM products WHERE consignment_id = $1`,
		consignmentID,
	)

	var p model.Product
	err := row.Scan(&p.ID, &p.ConsignmentID, &p.WarehouseID, &p.Name, &p.Category,
		&p.Unit, &p.StockQuantity, &p.PricePerUnitCents, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	return &p, nil
}

// ApplySale применяет продажу к выставленной партии одной транзакцией:
// списывает остаток товара, начисляет средства фермеру по финальной цене и
// переводит партию в SOLD при нулевом остатке. Повтор с известным orderId
// возвращает исходный результат и остаток не трогает.
func (r *PostgresRepository) ApplySale(ctx context.Context, consignmentID, orderID string, quantitySold int64, description string) (*model.SaleResult, error) {
	var result *model.SaleResult

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		c, err := r.getConsignment(ctx, tx, consignmentID, true)
		if err != nil {
			return err
		}

		prior, err := r.findTransactionByReference(ctx, tx, orderID, model.TransactionCredit)
		if err != nil {
			return err
		}
		if prior != nil {
			var stock int64
			if err := tx.QueryRow(ctx,
				`SELECT stock_quantity FROM products WHERE consignment_id = $1`, consignmentID,
			).Scan(&stock); err != nil {
				return fmt.Errorf("get stock: %w", err)
			}
			result = &model.SaleResult{Transaction: prior, Consignment: c, StockLeft: stock, Duplicate: true}
			return tx.Commit(ctx)
		}

		if err := consignment.EnsureTransition(c.Status, model.StatusSold); err != nil {
			return err
		}
		if c.FinalPriceCents == nil {
			return fmt.Errorf("consignment %s has no final price", c.ID)
		}

		var stock int64
		err = tx.QueryRow(ctx,
			`SELECT stock_quantity FROM products WHERE consignment_id = $1 FOR UPDATE`,
			consignmentID,
		).Scan(&stock)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrProductNotFound
			}
			return fmt.Errorf("lock product: %w", err)
		}

		if quantitySold > stock {
			return fmt.Errorf("%w: %d > %d", ErrInsufficientStock, quantitySold, stock)
		}

		w, err := r.lockWallet(ctx, tx, c.FarmerID)
		if err != nil {
			return err
		}

		amount := *c.FinalPriceCents * quantitySold
		t := &model.Transaction{
			ID:          uuid.NewString(),
			FarmerID:    c.FarmerID,
			Type:        model.TransactionCredit,
			AmountCents: amount,
			ReferenceID: orderID,
			Description: description,
			Status:      model.TransactionCompleted,
			CreatedAt:   time.Now(),
		}

		if err := r.creditWalletTx(ctx, tx, w, t); err != nil {
			return err
		}

		stock -= quantitySold
		if _, err := tx.Exec(ctx,
			`UPDATE products SET stock_quantity = $2 WHERE consignment_id = $1`,
			consignmentID, stock,
		); err != nil {
			return fmt.Errorf("update stock: %w", err)
		}

		if stock == 0 {
			// Строка партии заблокирована, оптимистическая проверка не нужна.
			if _, err := tx.Exec(ctx,
				`UPDATE consignments SET status = $2, version = version + 1 WHERE id = $1`,
				consignmentID, string(model.StatusSold),
			); err != nil {
				return fmt.Errorf("update consignment status: %w", err)
			}
			c.Status = model.StatusSold
			c.Version++
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		result = &model.SaleResult{Transaction: t, Consignment: c, StockLeft: stock}
		return nil
	})

	return result, err
}
