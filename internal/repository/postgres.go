// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/pvolkov/momentum-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrRecordExists возвращается при попытке создать запись по занятому адресу.
	ErrRecordExists = errors.New("record already exists")
	// ErrRecordNotFound возвращается, если запись по адресу отсутствует.
	ErrRecordNotFound = errors.New("record not found")
)

// Record — хранимая запись: адрес, метаданные для выборок и бинарные данные
// (8-байтовый заголовок + полезная нагрузка). Репозиторий не интерпретирует
// данные записи.
type Record struct {
	Address string
	Kind    string
	Owner   string
	Seq     uint64
	Data    []byte
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

// withRetry повторяет операцию при serialization failure, deadlock и сетевых
// сбоях. Остальные ошибки возвращаются сразу.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(time.Second))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
			return err
		}

		if isConnectionError(err) {
			return retry.RetryableError(err)
		}

		return err
	})
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

// CreateUser создаёт учётную запись и связанную с ней запись аккаунта
// в одной транзакции.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte, address string, account Record) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO users (login, password_hash, address) VALUES ($1, $2, $3) RETURNING id`,
		login, passwordHash, address,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO records (address, kind, owner, seq, data) VALUES ($1, $2, $3, $4, $5)`,
		account.Address, account.Kind, account.Owner, int64(account.Seq), account.Data,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrRecordExists, account.Address)
		}
		return 0, fmt.Errorf("create user account record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, address, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.Address, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, address, created_at FROM users WHERE id = $1`,
		id,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.Address, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// CreateRecord создаёт запись по адресу. Возвращает ErrRecordExists, если адрес занят.
func (r *PostgresRepository) CreateRecord(ctx context.Context, rec Record) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO records (address, kind, owner, seq, data) VALUES ($1, $2, $3, $4, $5)`,
		rec.Address, rec.Kind, rec.Owner, int64(rec.Seq), rec.Data,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrRecordExists, rec.Address)
		}
		return fmt.Errorf("create record: %w", err)
	}
	return nil
}

// GetRecord возвращает бинарные данные записи по адресу.
func (r *PostgresRepository) GetRecord(ctx context.Context, address string) ([]byte, error) {
	var data []byte
	err := r.pool.QueryRow(ctx,
		`SELECT data FROM records WHERE address = $1`,
		address,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, address)
		}
		return nil, fmt.Errorf("get record: %w", err)
	}
	return data, nil
}

// ListGoalRecords возвращает записи целей владельца в порядке их номеров.
func (r *PostgresRepository) ListGoalRecords(ctx context.Context, owner string) ([]Record, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT address, kind, owner, seq, data
		 FROM records
		 WHERE owner = $1 AND kind = $2
		 ORDER BY seq`,
		owner, "goal_account",
	)
	if err != nil {
		return nil, fmt.Errorf("select goal records: %w", err)
	}
	defer rows.Close()

	var res []Record
	for rows.Next() {
		var rec Record
		var seq int64
		if err := rows.Scan(&rec.Address, &rec.Kind, &rec.Owner, &seq, &rec.Data); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Seq = uint64(seq)
		res = append(res, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// DeleteRecord закрывает запись: удаляет её и высвобождает хранилище.
// Владелец проверяется на уровне запроса.
func (r *PostgresRepository) DeleteRecord(ctx context.Context, address, owner string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`DELETE FROM records WHERE address = $1 AND owner = $2`,
		address, owner,
	)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, address)
	}
	return nil
}

// MutateRecords выполняет атомарную мутацию батча записей: блокирует строки
// по адресам, передаёт их fold-функции в порядке вызывающего и записывает
// изменённые данные назад. Ошибка fold или отсутствие любой из записей
// откатывает транзакцию целиком — частичных записей не бывает.
// Элемент nil в результате fold означает «без изменений».
func (r *PostgresRepository) MutateRecords(ctx context.Context, addresses []string, fold func(records []Record) ([][]byte, error)) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		records, err := lockRecords(ctx, tx, addresses)
		if err != nil {
			return err
		}

		out, err := fold(records)
		if err != nil {
			return err
		}
		if len(out) != len(records) {
			return fmt.Errorf("fold returned %d records, want %d", len(out), len(records))
		}

		for i, data := range out {
			if data == nil || bytes.Equal(data, records[i].Data) {
				continue
			}
			_, err := tx.Exec(ctx,
				`UPDATE records SET data = $2, updated_at = now() WHERE address = $1`,
				records[i].Address, data,
			)
			if err != nil {
				return fmt.Errorf("update record: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

// MutateAndInsert мутирует родительскую запись и вставляет новую в одной
// транзакции. Используется при создании цели: инкремент goal_count и
// появление записи цели неразделимы.
func (r *PostgresRepository) MutateAndInsert(ctx context.Context, address string, fold func(data []byte) ([]byte, *Record, error)) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		records, err := lockRecords(ctx, tx, []string{address})
		if err != nil {
			return err
		}

		newData, newRec, err := fold(records[0].Data)
		if err != nil {
			return err
		}

		if newData != nil && !bytes.Equal(newData, records[0].Data) {
			_, err := tx.Exec(ctx,
				`UPDATE records SET data = $2, updated_at = now() WHERE address = $1`,
				address, newData,
			)
			if err != nil {
				return fmt.Errorf("update record: %w", err)
			}
		}

		if newRec != nil {
			_, err := tx.Exec(ctx,
				`INSERT INTO records (address, kind, owner, seq, data) VALUES ($1, $2, $3, $4, $5)`,
				newRec.Address, newRec.Kind, newRec.Owner, int64(newRec.Seq), newRec.Data,
			)
			if err != nil {
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
					return fmt.Errorf("%w: %s", ErrRecordExists, newRec.Address)
				}
				return fmt.Errorf("insert record: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

// lockRecords выбирает записи по адресам с блокировкой FOR UPDATE и
// возвращает их в порядке переданных адресов.
func lockRecords(ctx context.Context, tx pgx.Tx, addresses []string) ([]Record, error) {
	rows, err := tx.Query(ctx,
		`SELECT address, kind, owner, seq, data FROM records WHERE address = ANY($1) FOR UPDATE`,
		addresses,
	)
	if err != nil {
		return nil, fmt.Errorf("lock records: %w", err)
	}
	defer rows.Close()

	byAddress := make(map[string]Record, len(addresses))
	for rows.Next() {
		var rec Record
		var seq int64
		if err := rows.Scan(&rec.Address, &rec.Kind, &rec.Owner, &seq, &rec.Data); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Seq = uint64(seq)
		byAddress[rec.Address] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	records := make([]Record, 0, len(addresses))
	for _, addr := range addresses {
		rec, ok := byAddress[addr]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, addr)
		}
		records = append(records, rec)
	}

	return records, nil
}
