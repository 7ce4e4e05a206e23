package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bigredctf/instancer/pkg/domain"
	"github.com/bigredctf/instancer/pkg/observe"
)

// SQLiteStore reads the scoreboard's users table. The database file
// belongs to the scoreboard; we open it read-only and never write.
type SQLiteStore struct {
	db     *sql.DB
	logger observe.Logger
}

func NewSQLiteStore(path string, logger observe.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = observe.NopLogger{}
	}

	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}
	// The scoreboard holds the write lock; one lazy connection is plenty.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// NewSQLiteStoreDSN opens the store with a caller-supplied DSN. Tests use
// it to point at a writable scratch database.
func NewSQLiteStoreDSN(dsn string, logger observe.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = observe.NopLogger{}
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Verify(ctx context.Context, username, password string) (*domain.User, error) {
	var (
		user domain.User
		hash string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, password, type FROM users WHERE name = ?`,
		username,
	).Scan(&user.ID, &user.Name, &user.Email, &hash, &user.Type)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to query credential store: %w", err)
	}

	ok, err := verifyPasslibHash(hash, password)
	if err != nil {
		// A hash we cannot parse is a store problem, not a caller problem,
		// but the caller still just sees a failed login.
		s.logger.Warn(ctx, "Unverifiable password hash", map[string]any{
			"user_id": user.ID,
			"error":   err,
		})
		return nil, ErrInvalidCredentials
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}

// GetUser fetches a user by ID, for resolving session tokens back to
// accounts.
func (s *SQLiteStore) GetUser(ctx context.Context, id domain.UserID) (*domain.User, error) {
	var user domain.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, type FROM users WHERE id = ?`,
		id,
	).Scan(&user.ID, &user.Name, &user.Email, &user.Type)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to query credential store: %w", err)
	}
	return &user, nil
}

var _ Verifier = (*SQLiteStore)(nil)
