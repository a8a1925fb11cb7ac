package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sqlc-dev/pqtype"
)

// PopularBook is one ranked row of a popularity refresh.
type PopularBook struct {
	ID            int64           `json:"id"`
	Title         string          `json:"title"`
	Authors       string          `json:"authors"`
	AverageRating float64         `json:"average_rating"`
	RatingsCount  int64           `json:"ratings_count"`
	RecentRatings int64           `json:"recent_ratings"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// ActivityDay is a per-day rollup of reading events.
type ActivityDay struct {
	Day         string `json:"day"`
	Ratings     int64  `json:"ratings"`
	Reviews     int64  `json:"reviews"`
	ActiveUsers int64  `json:"active_users"`
}

// Store is the read surface the refresh jobs aggregate from.
type Store interface {
	TopBooksByRecentRatings(ctx context.Context, since time.Time, limit int) ([]PopularBook, error)
	DailyActivity(ctx context.Context, since time.Time) ([]ActivityDay, error)
}

// SQLStore implements Store against Postgres.
type SQLStore struct {
	db      *sql.DB
	timeout time.Duration
}

var _ Store = (*SQLStore)(nil)

// OpenStore connects to Postgres and verifies the connection.
// statementTimeout bounds every query issued through the store.
func OpenStore(connStr string, statementTimeout time.Duration) (*SQLStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if statementTimeout <= 0 {
		statementTimeout = 25 * time.Second
	}
	return &SQLStore{db: db, timeout: statementTimeout}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is still reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *SQLStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// TopBooksByRecentRatings ranks books by rating volume since the cutoff,
// breaking ties on all-time average rating.
func (s *SQLStore) TopBooksByRecentRatings(ctx context.Context, since time.Time, limit int) ([]PopularBook, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT b.id, b.title, b.authors, b.average_rating, b.ratings_count, b.metadata,
		       COUNT(r.id) AS recent_ratings
		FROM books b
		JOIN ratings r ON r.book_id = b.id
		WHERE r.created_at >= $1
		GROUP BY b.id, b.title, b.authors, b.average_rating, b.ratings_count, b.metadata
		ORDER BY recent_ratings DESC, b.average_rating DESC
		LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query popular books: %w", err)
	}
	defer rows.Close()

	var books []PopularBook
	for rows.Next() {
		var b PopularBook
		var authors sql.NullString
		var meta pqtype.NullRawMessage
		if err := rows.Scan(&b.ID, &b.Title, &authors, &b.AverageRating, &b.RatingsCount, &meta, &b.RecentRatings); err != nil {
			return nil, fmt.Errorf("failed to scan popular book: %w", err)
		}
		if authors.Valid {
			b.Authors = authors.String
		}
		if meta.Valid {
			b.Metadata = meta.RawMessage
		}
		books = append(books, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate popular books: %w", err)
	}
	return books, nil
}

// DailyActivity aggregates per-day event counts since the cutoff.
func (s *SQLStore) DailyActivity(ctx context.Context, since time.Time) ([]ActivityDay, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT to_char(date_trunc('day', e.created_at), 'YYYY-MM-DD') AS day,
		       COUNT(*) FILTER (WHERE e.kind = 'rating') AS ratings,
		       COUNT(*) FILTER (WHERE e.kind = 'review') AS reviews,
		       COUNT(DISTINCT e.user_id) AS active_users
		FROM reading_events e
		WHERE e.created_at >= $1
		GROUP BY 1
		ORDER BY 1`
	rows, err := s.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily activity: %w", err)
	}
	defer rows.Close()

	var days []ActivityDay
	for rows.Next() {
		var d ActivityDay
		if err := rows.Scan(&d.Day, &d.Ratings, &d.Reviews, &d.ActiveUsers); err != nil {
			return nil, fmt.Errorf("failed to scan daily activity: %w", err)
		}
		days = append(days, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate daily activity: %w", err)
	}
	return days, nil
}
