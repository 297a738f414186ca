package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// identRe restricts sheet and view names to what the config may
// legitimately produce before they are quoted into SQL.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SupabaseProvider stores batches in the Supabase Postgres pool. Each
// sheet maps to a table with a JSONB payload column; the `tabs` config
// materializes as dynamic views over those tables.
type SupabaseProvider struct {
	db      *sqlx.DB
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
}

// NewSupabaseProvider opens the pool. key is the database credential
// kept outside the DSN in config; it is folded in unless the DSN
// already carries a password. The connection is verified lazily; a
// wrong DSN surfaces on the first call, trips the breaker, and the
// pipeline keeps logging instead of failing fast.
func NewSupabaseProvider(dsn, key string) (*SupabaseProvider, error) {
	db, err := sqlx.Open("postgres", withCredential(dsn, key))
	if err != nil {
		return nil, fmt.Errorf("open supabase pool: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &SupabaseProvider{
		db:      db,
		breaker: newProviderBreaker("supabase"),
		timeout: 10 * time.Second,
	}, nil
}

// withCredential injects key as the password for URL and key=value DSN
// forms. A password already present in the DSN wins.
func withCredential(dsn, key string) string {
	if key == "" {
		return dsn
	}
	if u, err := url.Parse(dsn); err == nil && strings.HasPrefix(u.Scheme, "postgres") {
		if _, has := u.User.Password(); has {
			return dsn
		}
		user := "postgres"
		if u.User != nil && u.User.Username() != "" {
			user = u.User.Username()
		}
		u.User = url.UserPassword(user, key)
		return u.String()
	}
	if strings.Contains(dsn, "password=") {
		return dsn
	}
	return strings.TrimSpace(dsn + " password=" + key)
}

// Close releases the pool.
func (s *SupabaseProvider) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// IsConnected pings the pool unless the breaker is already open.
func (s *SupabaseProvider) IsConnected() bool {
	if s.db == nil || s.breaker.State() == gobreaker.StateOpen {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx) == nil
}

// ProcessData inserts every item into its sheet table inside one
// transaction. Duplicate rows (unique payload hash) are skipped, not
// errors.
func (s *SupabaseProvider) ProcessData(ctx context.Context, batch []Item) error {
	if len(batch) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.breaker.Execute(func() (any, error) {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("begin: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, item := range batch {
			table, err := quoteIdent(item.Sheet)
			if err != nil {
				log.Warn().Str("sheet", item.Sheet).Msg("invalid sheet name, skipping item")
				continue
			}
			payload, err := json.Marshal(item.Data)
			if err != nil {
				return nil, fmt.Errorf("marshal payload: %w", err)
			}
			query := fmt.Sprintf(
				`INSERT INTO %s (payload, created_at) VALUES ($1, now())`, table)
			if _, err := tx.ExecContext(ctx, query, payload); err != nil {
				if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
					log.Debug().Str("sheet", item.Sheet).Msg("duplicate record skipped")
					continue
				}
				return nil, fmt.Errorf("insert into %s: %w", item.Sheet, err)
			}
		}
		return nil, tx.Commit()
	})
	return err
}

// FetchData returns payloads for one sheet, optionally filtered by the
// username field inside the payload.
func (s *SupabaseProvider) FetchData(ctx context.Context, sheet, username string) ([]map[string]any, error) {
	table, err := quoteIdent(sheet)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.breaker.Execute(func() (any, error) {
		query := fmt.Sprintf(`SELECT payload FROM %s ORDER BY created_at`, table)
		args := []any{}
		if username != "" {
			query = fmt.Sprintf(
				`SELECT payload FROM %s WHERE payload->>'username' = $1 ORDER BY created_at`, table)
			args = append(args, username)
		}
		var raws [][]byte
		if err := s.db.SelectContext(ctx, &raws, query, args...); err != nil {
			return nil, fmt.Errorf("select from %s: %w", sheet, err)
		}
		out := make([]map[string]any, 0, len(raws))
		for _, raw := range raws {
			var m map[string]any
			if err := json.Unmarshal(raw, &m); err != nil {
				return nil, fmt.Errorf("decode payload: %w", err)
			}
			out = append(out, m)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return rows.([]map[string]any), nil
}

// Purge truncates one sheet table.
func (s *SupabaseProvider) Purge(ctx context.Context, sheet string) error {
	table, err := quoteIdent(sheet)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err = s.breaker.Execute(func() (any, error) {
		_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, table))
		return nil, err
	})
	return err
}

// FetchRecordHashes returns md5 digests of stored payloads for dedup.
func (s *SupabaseProvider) FetchRecordHashes(ctx context.Context, sheet string) ([]string, error) {
	table, err := quoteIdent(sheet)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	hashes, err := s.breaker.Execute(func() (any, error) {
		var out []string
		query := fmt.Sprintf(`SELECT md5(payload::text) FROM %s`, table)
		if err := s.db.SelectContext(ctx, &out, query); err != nil {
			return nil, fmt.Errorf("hashes from %s: %w", sheet, err)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return hashes.([]string), nil
}

// EnsureDynamicViews creates or replaces one view per configured tab.
func (s *SupabaseProvider) EnsureDynamicViews(ctx context.Context, tabs map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	for name, query := range tabs {
		view, err := quoteIdent(name)
		if err != nil {
			log.Warn().Str("tab", name).Msg("invalid tab name, skipping view")
			continue
		}
		stmt := fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS %s`, view, query)
		if _, err := s.breaker.Execute(func() (any, error) {
			_, err := s.db.ExecContext(ctx, stmt)
			return nil, err
		}); err != nil {
			return fmt.Errorf("ensure view %s: %w", name, err)
		}
		log.Debug().Str("view", name).Msg("dynamic view ensured")
	}
	return nil
}

// ViewExists checks information_schema for the named view.
func (s *SupabaseProvider) ViewExists(ctx context.Context, name string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	exists, err := s.breaker.Execute(func() (any, error) {
		var n int
		err := s.db.GetContext(ctx, &n,
			`SELECT count(*) FROM information_schema.views WHERE table_name = $1`, name)
		return n > 0, err
	})
	if err != nil {
		return false, err
	}
	return exists.(bool), nil
}

// quoteIdent validates and quotes a config-sourced identifier.
func quoteIdent(name string) (string, error) {
	if !identRe.MatchString(name) {
		return "", fmt.Errorf("invalid identifier %q", name)
	}
	return pq.QuoteIdentifier(name), nil
}
