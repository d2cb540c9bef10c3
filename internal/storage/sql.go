package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"wasp/internal/model"

	_ "github.com/lib/pq"
	"github.com/patrickmn/go-cache"
	_ "modernc.org/sqlite"
)

const schemaVersion = 1

type dialect struct {
	name       string
	driver     string
	idColumn   string
	floatType  string
	positional bool
}

var (
	sqliteDialect = dialect{
		name:      KindSQLite,
		driver:    "sqlite",
		idColumn:  "INTEGER PRIMARY KEY AUTOINCREMENT",
		floatType: "REAL",
	}
	postgresDialect = dialect{
		name:       KindPostgres,
		driver:     "postgres",
		idColumn:   "BIGSERIAL PRIMARY KEY",
		floatType:  "DOUBLE PRECISION",
		positional: true,
	}
)

// rebind rewrites ? placeholders into $n for drivers that need positional
// parameters.
func (d dialect) rebind(query string) string {
	if !d.positional {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore persists the Generation Store in sqlite or postgres.
type SQLStore struct {
	dialect dialect
	dsn     string

	mu sync.RWMutex
	db *sql.DB

	activityIDs *cache.Cache
}

func NewSQLiteStore(path string) *SQLStore {
	return &SQLStore{dialect: sqliteDialect, dsn: path, activityIDs: cache.New(cache.NoExpiration, 0)}
}

func NewPostgresStore(dsn string) *SQLStore {
	return &SQLStore{dialect: postgresDialect, dsn: dsn, activityIDs: cache.New(cache.NoExpiration, 0)}
}

func (s *SQLStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dsn == "" {
		return fmt.Errorf("%s dsn is required", s.dialect.name)
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open(s.dialect.driver, s.dsn)
	if err != nil {
		return err
	}
	if s.dialect.name == KindSQLite {
		// One writer; also keeps ":memory:" databases on a single connection.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}
	if s.dialect.name == KindSQLite {
		if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
			_ = db.Close()
			return err
		}
	}
	if err := createTables(ctx, db, s.dialect); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	s.activityIDs.Flush()
	return err
}

func (s *SQLStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, ErrNotInitialized
	}
	return s.db, nil
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	return db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	return db.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) (*sql.Row, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	return db.QueryRowContext(ctx, s.dialect.rebind(query), args...), nil
}

func (s *SQLStore) ResolveManager(ctx context.Context, cfg model.ManagerConfig) (model.ManagerRecord, error) {
	payload, err := EncodeManagerConfig(cfg)
	if err != nil {
		return model.ManagerRecord{}, err
	}
	key := cfg.Key()
	if _, err := s.exec(ctx, `
		INSERT INTO managers (config_key, payload)
		VALUES (?, ?)
		ON CONFLICT(config_key) DO NOTHING
	`, key, string(payload)); err != nil {
		return model.ManagerRecord{}, fmt.Errorf("resolve manager: %w", err)
	}

	row, err := s.queryRow(ctx, `SELECT id, payload FROM managers WHERE config_key = ?`, key)
	if err != nil {
		return model.ManagerRecord{}, err
	}
	var (
		id     int64
		stored string
	)
	if err := row.Scan(&id, &stored); err != nil {
		return model.ManagerRecord{}, fmt.Errorf("resolve manager: %w", err)
	}
	decoded, err := DecodeManagerConfig([]byte(stored))
	if err != nil {
		return model.ManagerRecord{}, fmt.Errorf("decode manager %d: %w", id, err)
	}
	return model.ManagerRecord{ID: id, Config: decoded}, nil
}

func (s *SQLStore) ListManagers(ctx context.Context) ([]model.ManagerRecord, error) {
	rows, err := s.query(ctx, `SELECT id, payload FROM managers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ManagerRecord
	for rows.Next() {
		var (
			id      int64
			payload string
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		cfg, err := DecodeManagerConfig([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("decode manager %d: %w", id, err)
		}
		out = append(out, model.ManagerRecord{ID: id, Config: cfg})
	}
	return out, rows.Err()
}

func (s *SQLStore) InsertChromosome(ctx context.Context, genome model.Genome) (int64, error) {
	if genome.Len() == 0 {
		return 0, fmt.Errorf("insert chromosome: empty genome")
	}
	if _, err := s.exec(ctx, `
		INSERT INTO chromosomes (genome)
		VALUES (?)
		ON CONFLICT(genome) DO NOTHING
	`, genome.String()); err != nil {
		return 0, fmt.Errorf("insert chromosome: %w", err)
	}
	id, ok, err := s.LookupGenome(ctx, genome)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("insert chromosome %s: %w", genome, ErrNotFound)
	}
	return id, nil
}

func (s *SQLStore) LookupGenome(ctx context.Context, genome model.Genome) (int64, bool, error) {
	row, err := s.queryRow(ctx, `SELECT id FROM chromosomes WHERE genome = ?`, genome.String())
	if err != nil {
		return 0, false, err
	}
	var id int64
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return id, true, nil
}

func (s *SQLStore) GenomeExists(ctx context.Context, genome model.Genome) (bool, error) {
	_, ok, err := s.LookupGenome(ctx, genome)
	return ok, err
}

func (s *SQLStore) AddMember(ctx context.Context, generation int, managerID, chromosomeID int64) error {
	_, err := s.exec(ctx, `
		INSERT INTO generation_members (manager_id, generation, chromosome_id)
		VALUES (?, ?, ?)
		ON CONFLICT(manager_id, generation, chromosome_id) DO NOTHING
	`, managerID, generation, chromosomeID)
	if err != nil {
		return fmt.Errorf("add member %d: %w", chromosomeID, err)
	}
	return nil
}

const memberColumns = `c.id, c.genome, c.accuracy, c.failed, m.final_fitness`

func (s *SQLStore) GetChromosomes(ctx context.Context, generation int, managerID int64) ([]model.Chromosome, error) {
	return s.selectMembers(ctx, generation, managerID, `
		SELECT `+memberColumns+`
		FROM generation_members m
		JOIN chromosomes c ON c.id = m.chromosome_id
		WHERE m.manager_id = ? AND m.generation = ?
		ORDER BY c.id
	`, managerID, generation)
}

func (s *SQLStore) GetUnscored(ctx context.Context, generation int, managerID int64, limit int) ([]model.Chromosome, error) {
	query := `
		SELECT ` + memberColumns + `
		FROM generation_members m
		JOIN chromosomes c ON c.id = m.chromosome_id
		WHERE m.manager_id = ? AND m.generation = ? AND c.accuracy IS NULL AND c.failed = 0
		ORDER BY c.id`
	args := []any{managerID, generation}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.selectMembers(ctx, generation, managerID, query, args...)
}

func (s *SQLStore) selectMembers(ctx context.Context, generation int, managerID int64, query string, args ...any) ([]model.Chromosome, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		out   []model.Chromosome
		index = map[int64]int{}
	)
	for rows.Next() {
		var (
			c        model.Chromosome
			genome   string
			accuracy sql.NullFloat64
			failed   int
			final    sql.NullFloat64
		)
		if err := rows.Scan(&c.ID, &genome, &accuracy, &failed, &final); err != nil {
			return nil, err
		}
		c.Genome, err = model.ParseGenome(genome)
		if err != nil {
			return nil, fmt.Errorf("chromosome %d: %w", c.ID, err)
		}
		c.Generation = generation
		c.Failed = failed != 0
		if accuracy.Valid {
			v := accuracy.Float64
			c.Accuracy = &v
		}
		if final.Valid {
			v := final.Float64
			c.FinalFitness = &v
		}
		c.Stats = model.ActivityStats{}
		index[c.ID] = len(out)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}
	if err := s.attachStats(ctx, generation, managerID, out, index); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) attachStats(ctx context.Context, generation int, managerID int64, out []model.Chromosome, index map[int64]int) error {
	rows, err := s.query(ctx, `
		SELECT st.chromosome_id, a.name, st.tp, st.fp, st.tn, st.fn
		FROM activity_stats st
		JOIN activities a ON a.id = st.activity_id
		JOIN generation_members m ON m.chromosome_id = st.chromosome_id
		WHERE m.manager_id = ? AND m.generation = ?
	`, managerID, generation)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id     int64
			name   string
			counts model.ConfusionCounts
		)
		if err := rows.Scan(&id, &name, &counts.TP, &counts.FP, &counts.TN, &counts.FN); err != nil {
			return err
		}
		if i, ok := index[id]; ok {
			out[i].Stats[name] = counts
		}
	}
	return rows.Err()
}

func (s *SQLStore) CountUnscored(ctx context.Context, generation int, managerID int64) (int, error) {
	return s.count(ctx, `
		SELECT COUNT(*)
		FROM generation_members m
		JOIN chromosomes c ON c.id = m.chromosome_id
		WHERE m.manager_id = ? AND m.generation = ? AND c.accuracy IS NULL AND c.failed = 0
	`, managerID, generation)
}

func (s *SQLStore) GenerationSize(ctx context.Context, generation int, managerID int64) (int, error) {
	return s.count(ctx, `
		SELECT COUNT(*) FROM generation_members WHERE manager_id = ? AND generation = ?
	`, managerID, generation)
}

func (s *SQLStore) count(ctx context.Context, query string, args ...any) (int, error) {
	row, err := s.queryRow(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLStore) LatestCompleteGeneration(ctx context.Context, managerID int64) (int, bool, error) {
	row, err := s.queryRow(ctx, `
		SELECT MAX(generation) FROM (
			SELECT m.generation AS generation
			FROM generation_members m
			JOIN chromosomes c ON c.id = m.chromosome_id
			WHERE m.manager_id = ?
			GROUP BY m.generation
			HAVING SUM(CASE WHEN c.accuracy IS NULL AND c.failed = 0 THEN 1 ELSE 0 END) = 0
		) complete
	`, managerID)
	if err != nil {
		return 0, false, err
	}
	var generation sql.NullInt64
	if err := row.Scan(&generation); err != nil {
		return 0, false, err
	}
	if !generation.Valid {
		return 0, false, nil
	}
	return int(generation.Int64), true, nil
}

func (s *SQLStore) GenerationProgress(ctx context.Context, managerID int64) ([]model.GenerationProgress, error) {
	rows, err := s.query(ctx, `
		SELECT m.generation,
			COUNT(*),
			SUM(CASE WHEN c.accuracy IS NOT NULL OR c.failed = 1 THEN 1 ELSE 0 END),
			SUM(CASE WHEN c.failed = 1 THEN 1 ELSE 0 END),
			MAX(COALESCE(m.final_fitness, CASE WHEN c.failed = 0 THEN c.accuracy END))
		FROM generation_members m
		JOIN chromosomes c ON c.id = m.chromosome_id
		WHERE m.manager_id = ?
		GROUP BY m.generation
		ORDER BY m.generation
	`, managerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.GenerationProgress
	for rows.Next() {
		var (
			p    model.GenerationProgress
			best sql.NullFloat64
		)
		if err := rows.Scan(&p.Generation, &p.Members, &p.Scored, &p.Failed, &best); err != nil {
			return nil, err
		}
		if best.Valid {
			v := best.Float64
			p.BestFitness = &v
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLStore) RecordFitness(ctx context.Context, chromosomeID int64, accuracy float64) (bool, error) {
	if err := checkFitness("record fitness", chromosomeID, accuracy); err != nil {
		return false, err
	}
	res, err := s.exec(ctx, `
		UPDATE chromosomes SET accuracy = ?
		WHERE id = ? AND accuracy IS NULL AND failed = 0
	`, accuracy, chromosomeID)
	if err != nil {
		return false, fmt.Errorf("record fitness %d: %w", chromosomeID, err)
	}
	return s.applied(ctx, res, "record fitness", chromosomeID)
}

func (s *SQLStore) MarkFailed(ctx context.Context, chromosomeID int64, reason string) (bool, error) {
	res, err := s.exec(ctx, `
		UPDATE chromosomes SET failed = 1, fail_reason = ?
		WHERE id = ? AND accuracy IS NULL AND failed = 0
	`, reason, chromosomeID)
	if err != nil {
		return false, fmt.Errorf("mark failed %d: %w", chromosomeID, err)
	}
	return s.applied(ctx, res, "mark failed", chromosomeID)
}

// applied distinguishes an already scored chromosome from a missing one when
// a guarded update touched no rows.
func (s *SQLStore) applied(ctx context.Context, res sql.Result, op string, chromosomeID int64) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	exists, err := s.count(ctx, `SELECT COUNT(*) FROM chromosomes WHERE id = ?`, chromosomeID)
	if err != nil {
		return false, err
	}
	if exists == 0 {
		return false, fmt.Errorf("%s %d: %w", op, chromosomeID, ErrNotFound)
	}
	return false, nil
}

func (s *SQLStore) RecordActivityStats(ctx context.Context, chromosomeID int64, activity string, counts model.ConfusionCounts) error {
	activityID, err := s.activityID(ctx, activity)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO activity_stats (chromosome_id, activity_id, tp, fp, tn, fn)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(chromosome_id, activity_id) DO NOTHING
	`, chromosomeID, activityID, counts.TP, counts.FP, counts.TN, counts.FN)
	if err != nil {
		return fmt.Errorf("record activity stats %d/%s: %w", chromosomeID, activity, err)
	}
	return nil
}

func (s *SQLStore) activityID(ctx context.Context, name string) (int64, error) {
	if cached, ok := s.activityIDs.Get(name); ok {
		return cached.(int64), nil
	}
	if _, err := s.exec(ctx, `
		INSERT INTO activities (name) VALUES (?)
		ON CONFLICT(name) DO NOTHING
	`, name); err != nil {
		return 0, fmt.Errorf("activity %s: %w", name, err)
	}
	row, err := s.queryRow(ctx, `SELECT id FROM activities WHERE name = ?`, name)
	if err != nil {
		return 0, err
	}
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("activity %s: %w", name, err)
	}
	s.activityIDs.Set(name, id, cache.NoExpiration)
	return id, nil
}

func (s *SQLStore) RecordFinalFitness(ctx context.Context, generation int, managerID, chromosomeID int64, fitness float64) error {
	if err := checkFitness("record final fitness", chromosomeID, fitness); err != nil {
		return err
	}
	res, err := s.exec(ctx, `
		UPDATE generation_members SET final_fitness = ?
		WHERE manager_id = ? AND generation = ? AND chromosome_id = ?
	`, fitness, managerID, generation, chromosomeID)
	if err != nil {
		return fmt.Errorf("record final fitness %d: %w", chromosomeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("record final fitness %d in generation %d: %w", chromosomeID, generation, ErrNotFound)
	}
	return nil
}

func createTables(ctx context.Context, db *sql.DB, d dialect) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS managers (
			id ` + d.idColumn + `,
			config_key TEXT NOT NULL UNIQUE,
			payload TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chromosomes (
			id ` + d.idColumn + `,
			genome TEXT NOT NULL UNIQUE,
			accuracy ` + d.floatType + `,
			failed INTEGER NOT NULL DEFAULT 0,
			fail_reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS generation_members (
			manager_id BIGINT NOT NULL,
			generation INTEGER NOT NULL,
			chromosome_id BIGINT NOT NULL,
			final_fitness ` + d.floatType + `,
			PRIMARY KEY (manager_id, generation, chromosome_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_generation_members_chromosome
			ON generation_members (chromosome_id)`,
		`CREATE TABLE IF NOT EXISTS activities (
			id ` + d.idColumn + `,
			name TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS activity_stats (
			chromosome_id BIGINT NOT NULL,
			activity_id BIGINT NOT NULL,
			tp BIGINT NOT NULL,
			fp BIGINT NOT NULL,
			tn BIGINT NOT NULL,
			fn BIGINT NOT NULL,
			PRIMARY KEY (chromosome_id, activity_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
	}

	var current sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	switch {
	case !current.Valid:
		if _, err := db.ExecContext(ctx, d.rebind(`INSERT INTO schema_migrations (version) VALUES (?)`), schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	case current.Int64 > schemaVersion:
		return fmt.Errorf("database schema version %d is newer than supported %d: %w", current.Int64, schemaVersion, ErrVersionMismatch)
	}
	return nil
}
