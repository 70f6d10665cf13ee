package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"StoryProcessor/internal/domain"
	"StoryProcessor/internal/ports"
)

const (
	storiesTable  = "stories"
	projectsTable = "projects"
)

//go:embed schema.sql
var schemaSQL string

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var watermarkColumns = map[domain.Source]string{
	domain.SourceMediaCloud:     "latest_date_mc",
	domain.SourceWaybackMachine: "latest_date_wm",
	domain.SourceNewscatcher:    "latest_date_nc",
	domain.SourceGoogleAlerts:   "latest_date_ga",
}

var storyColumns = []string{
	"id", "project_id", "model_id", "source", "url", "normalized_url",
	"published_date", "queued_date", "processed_date", "posted_date",
	"model_score", "model_1_score", "model_2_score",
	"above_threshold", "score_status", "score_attempts",
}

// PostgresRepository persists the story ledger and project watermarks.
type PostgresRepository struct {
	db *sql.DB
}

var (
	_ ports.StoryLedger    = (*PostgresRepository)(nil)
	_ ports.LedgerReporter = (*PostgresRepository)(nil)
	_ ports.WatermarkStore = (*PostgresRepository)(nil)
)

// NewPostgresRepository wires a sql.DB implementation.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// OpenPostgres opens and pings a lib/pq connection pool.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the ledger and watermark tables when missing.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// InsertIfAbsent admits a story unless its normalized URL is already known for the project.
func (r *PostgresRepository) InsertIfAbsent(ctx context.Context, story domain.NewStory) (domain.InsertResult, error) {
	query, args, err := insertStoryQuery(story)
	if err != nil {
		return domain.InsertResult{}, fmt.Errorf("build insert: %w", err)
	}

	var id int64
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.InsertResult{Outcome: domain.AlreadyExists}, nil
	}
	if err != nil {
		return domain.InsertResult{}, fmt.Errorf("insert story: %w", err)
	}
	return domain.InsertResult{Outcome: domain.Inserted, ID: id}, nil
}

func insertStoryQuery(story domain.NewStory) (string, []interface{}, error) {
	return psql.Insert(storiesTable).
		Columns("project_id", "model_id", "source", "url", "normalized_url",
			"published_date", "queued_date", "above_threshold", "score_status", "score_attempts").
		Values(story.ProjectID, story.ModelID, string(story.Source), story.URL, story.NormalizedURL,
			story.PublishedAt.UTC(), story.QueuedAt.UTC(), false, string(domain.ScorePending), 0).
		Suffix("ON CONFLICT (project_id, normalized_url) DO NOTHING RETURNING id").
		ToSql()
}

// Release deletes rows that were admitted but never handed to a worker.
func (r *PostgresRepository) Release(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := psql.Delete(storiesTable).
		Where(idsIn(ids)).
		Where("processed_date IS NULL").
		ToSql()
	if err != nil {
		return fmt.Errorf("build release: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("release stories: %w", err)
	}
	return nil
}

// Stories loads ledger rows by id.
func (r *PostgresRepository) Stories(ctx context.Context, ids []int64) ([]domain.Story, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := psql.Select(storyColumns...).
		From(storiesTable).
		Where(idsIn(ids)).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	return r.queryStories(ctx, query, args...)
}

// RecordScores stores classifier output. processed_date is only ever set once.
func (r *PostgresRepository) RecordScores(ctx context.Context, updates []domain.ScoreUpdate, processedAt time.Time) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin scores: %w", err)
	}
	for _, u := range updates {
		query, args, err := recordScoreQuery(u, processedAt)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("build score update: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("update score %d: %w", u.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit scores: %w", err)
	}
	return nil
}

func recordScoreQuery(u domain.ScoreUpdate, processedAt time.Time) (string, []interface{}, error) {
	return psql.Update(storiesTable).
		Set("model_score", u.ModelScore).
		Set("model_1_score", nullFloat(u.Model1Score)).
		Set("model_2_score", nullFloat(u.Model2Score)).
		Set("processed_date", processedAt.UTC()).
		Set("score_status", string(domain.ScoreScored)).
		Where(sq.Eq{"id": u.ID}).
		Where("processed_date IS NULL").
		ToSql()
}

// RecordScoreAttempt counts a failed classifier call against unscored rows.
func (r *PostgresRepository) RecordScoreAttempt(ctx context.Context, ids []int64) error {
	return r.execUpdate(ctx, "record score attempt", ids, psql.Update(storiesTable).
		Set("score_attempts", sq.Expr("score_attempts + 1")).
		Where("processed_date IS NULL"))
}

// MarkScoreFailed flags unscored rows whose batch was given up on.
func (r *PostgresRepository) MarkScoreFailed(ctx context.Context, ids []int64) error {
	return r.execUpdate(ctx, "mark score failed", ids, psql.Update(storiesTable).
		Set("score_status", string(domain.ScoreFailed)).
		Where("processed_date IS NULL"))
}

// MarkAboveThreshold flags scored rows that cleared the project threshold.
func (r *PostgresRepository) MarkAboveThreshold(ctx context.Context, ids []int64) error {
	return r.execUpdate(ctx, "mark above threshold", ids, psql.Update(storiesTable).
		Set("above_threshold", true).
		Where("processed_date IS NOT NULL"))
}

// MarkPosted records delivery for above-threshold rows not yet posted.
func (r *PostgresRepository) MarkPosted(ctx context.Context, ids []int64, postedAt time.Time) error {
	return r.execUpdate(ctx, "mark posted", ids, markPostedBuilder(postedAt))
}

func markPostedBuilder(postedAt time.Time) sq.UpdateBuilder {
	return psql.Update(storiesTable).
		Set("posted_date", postedAt.UTC()).
		Where("above_threshold = TRUE").
		Where("posted_date IS NULL")
}

func (r *PostgresRepository) execUpdate(ctx context.Context, op string, ids []int64, b sq.UpdateBuilder) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := b.Where(idsIn(ids)).ToSql()
	if err != nil {
		return fmt.Errorf("build %s: %w", op, err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// DeleteQueuedBefore removes every row queued before cutoff, whatever its delivery state.
func (r *PostgresRepository) DeleteQueuedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query, args, err := psql.Delete(storiesTable).
		Where(sq.Lt{"queued_date": cutoff.UTC()}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete: %w", err)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete old stories: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// CountProcessedSince counts rows scored at or after since.
func (r *PostgresRepository) CountProcessedSince(ctx context.Context, since time.Time) (int64, error) {
	query, args, err := psql.Select("COUNT(*)").
		From(storiesTable).
		Where(sq.GtOrEq{"processed_date": since.UTC()}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count: %w", err)
	}
	var n int64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count processed: %w", err)
	}
	return n, nil
}

// UnpostedAbove lists above-threshold rows still waiting for delivery.
func (r *PostgresRepository) UnpostedAbove(ctx context.Context, projectID int, since time.Time, limit int) ([]domain.Story, error) {
	b := psql.Select(storyColumns...).
		From(storiesTable).
		Where(sq.Eq{"project_id": projectID}).
		Where("above_threshold = TRUE").
		Where("posted_date IS NULL").
		Where(sq.GtOrEq{"queued_date": since.UTC()}).
		OrderBy("id")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build unposted: %w", err)
	}
	return r.queryStories(ctx, query, args...)
}

// StalePending lists unscored rows queued in [since, queuedBefore) that no
// worker has finished, for example because their batch was lost.
func (r *PostgresRepository) StalePending(ctx context.Context, projectID int, since, queuedBefore time.Time, limit int) ([]domain.Story, error) {
	query, args, err := stalePendingQuery(projectID, since, queuedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("build stale pending: %w", err)
	}
	return r.queryStories(ctx, query, args...)
}

func stalePendingQuery(projectID int, since, queuedBefore time.Time, limit int) (string, []any, error) {
	b := psql.Select(storyColumns...).
		From(storiesTable).
		Where(sq.Eq{"project_id": projectID}).
		Where("processed_date IS NULL").
		Where(sq.Eq{"score_status": string(domain.ScorePending)}).
		Where(sq.GtOrEq{"queued_date": since.UTC()}).
		Where(sq.Lt{"queued_date": queuedBefore.UTC()}).
		OrderBy("id")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	return b.ToSql()
}

// ProjectStats summarises the delivery state of a project's rows.
func (r *PostgresRepository) ProjectStats(ctx context.Context, projectID int) (domain.StoryStats, error) {
	query, args, err := psql.Select(
		"COUNT(*)",
		"COUNT(*) FILTER (WHERE above_threshold AND posted_date IS NOT NULL)",
		"COUNT(*) FILTER (WHERE above_threshold AND posted_date IS NULL)",
		"COUNT(*) FILTER (WHERE NOT above_threshold AND processed_date IS NOT NULL)",
		"COUNT(*) FILTER (WHERE processed_date IS NULL AND score_status <> 'failed')",
		"COUNT(*) FILTER (WHERE score_status = 'failed')",
	).
		From(storiesTable).
		Where(sq.Eq{"project_id": projectID}).
		ToSql()
	if err != nil {
		return domain.StoryStats{}, fmt.Errorf("build stats: %w", err)
	}
	stats := domain.StoryStats{ProjectID: projectID}
	err = r.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total, &stats.PostedAbove, &stats.UnpostedAbove, &stats.Below, &stats.Unscored, &stats.FailedToScore,
	)
	if err != nil {
		return domain.StoryStats{}, fmt.Errorf("query stats: %w", err)
	}
	return stats, nil
}

// BinnedScores returns a histogram of model scores rounded to one decimal.
func (r *PostgresRepository) BinnedScores(ctx context.Context, projectID int) ([]domain.ScoreBin, error) {
	query, args, err := psql.Select("ROUND(CAST(model_score AS numeric), 1) AS value", "COUNT(*) AS frequency").
		From(storiesTable).
		Where(sq.Eq{"project_id": projectID}).
		Where("model_score IS NOT NULL").
		GroupBy("1").
		OrderBy("1").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build bins: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query bins: %w", err)
	}
	defer rows.Close()

	var bins []domain.ScoreBin
	for rows.Next() {
		var bin domain.ScoreBin
		if err := rows.Scan(&bin.Value, &bin.Frequency); err != nil {
			return nil, fmt.Errorf("scan bin: %w", err)
		}
		bins = append(bins, bin)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return bins, nil
}

// RecentStories samples rows published during the last week.
func (r *PostgresRepository) RecentStories(ctx context.Context, projectID int, aboveThreshold bool, limit int) ([]domain.Story, error) {
	if limit <= 0 {
		limit = 5
	}
	query, args, err := psql.Select(storyColumns...).
		From(storiesTable).
		Where(sq.Eq{"project_id": projectID, "above_threshold": aboveThreshold}).
		Where(sq.Gt{"published_date": time.Now().UTC().AddDate(0, 0, -7)}).
		OrderBy("random()").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build recent: %w", err)
	}
	return r.queryStories(ctx, query, args...)
}

// Register creates the watermark row for a project if it does not exist yet.
func (r *PostgresRepository) Register(ctx context.Context, projectID int) error {
	now := time.Now().UTC()
	query, args, err := psql.Insert(projectsTable).
		Columns("id", "created_at", "updated_at").
		Values(projectID, now, now).
		Suffix("ON CONFLICT (id) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("build register: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("register project %d: %w", projectID, err)
	}
	return nil
}

// Watermark loads the per-source high-water marks of a project.
func (r *PostgresRepository) Watermark(ctx context.Context, projectID int) (domain.Watermark, error) {
	sources := domain.AllSources()
	cols := make([]string, 0, len(sources)+2)
	for _, s := range sources {
		cols = append(cols, watermarkColumns[s])
	}
	cols = append(cols, "created_at", "updated_at")

	query, args, err := psql.Select(cols...).
		From(projectsTable).
		Where(sq.Eq{"id": projectID}).
		ToSql()
	if err != nil {
		return domain.Watermark{}, fmt.Errorf("build watermark: %w", err)
	}

	seen := make([]sql.NullTime, len(sources))
	dest := make([]interface{}, 0, len(cols))
	for i := range seen {
		dest = append(dest, &seen[i])
	}
	wm := domain.Watermark{ProjectID: projectID, LastSeen: map[domain.Source]time.Time{}}
	dest = append(dest, &wm.CreatedAt, &wm.UpdatedAt)

	err = r.db.QueryRowContext(ctx, query, args...).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Watermark{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Watermark{}, fmt.Errorf("query watermark: %w", err)
	}
	for i, s := range sources {
		if seen[i].Valid {
			wm.LastSeen[s] = seen[i].Time.UTC()
		}
	}
	return wm, nil
}

// Advance moves a source's watermark forward; older values are ignored.
func (r *PostgresRepository) Advance(ctx context.Context, projectID int, source domain.Source, lastSeen time.Time) error {
	query, args, err := advanceWatermarkQuery(projectID, source, lastSeen, time.Now())
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("advance watermark %d/%s: %w", projectID, source, err)
	}
	return nil
}

func advanceWatermarkQuery(projectID int, source domain.Source, lastSeen, now time.Time) (string, []interface{}, error) {
	col, ok := watermarkColumns[source]
	if !ok {
		return "", nil, fmt.Errorf("no watermark column for source %s", source)
	}
	return psql.Insert(projectsTable).
		Columns("id", col, "created_at", "updated_at").
		Values(projectID, lastSeen.UTC(), now.UTC(), now.UTC()).
		Suffix(fmt.Sprintf(
			"ON CONFLICT (id) DO UPDATE SET %[1]s = GREATEST(COALESCE(%[2]s.%[1]s, EXCLUDED.%[1]s), EXCLUDED.%[1]s), updated_at = EXCLUDED.updated_at",
			col, projectsTable)).
		ToSql()
}

func (r *PostgresRepository) queryStories(ctx context.Context, query string, args ...interface{}) ([]domain.Story, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stories: %w", err)
	}

	var stories []domain.Story
	for rows.Next() {
		story, err := scanStory(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan story: %w", err)
		}
		stories = append(stories, story)
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("rows iteration: %w", rowsErr)
	}

	if closeErr := rows.Close(); closeErr != nil {
		return nil, fmt.Errorf("close rows: %w", closeErr)
	}

	return stories, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStory(row rowScanner) (domain.Story, error) {
	var (
		s                            domain.Story
		modelID                      sql.NullInt64
		source, status               string
		published, processed, posted sql.NullTime
		score, score1, score2        sql.NullFloat64
	)
	err := row.Scan(
		&s.ID, &s.ProjectID, &modelID, &source, &s.URL, &s.NormalizedURL,
		&published, &s.QueuedAt, &processed, &posted,
		&score, &score1, &score2,
		&s.AboveThreshold, &status, &s.ScoreAttempts,
	)
	if err != nil {
		return domain.Story{}, err
	}
	s.ModelID = int(modelID.Int64)
	s.Source = domain.Source(source)
	s.ScoreStatus = domain.ScoreStatus(status)
	s.QueuedAt = s.QueuedAt.UTC()
	if published.Valid {
		s.PublishedAt = published.Time.UTC()
	}
	s.ProcessedAt = timePtr(processed)
	s.PostedAt = timePtr(posted)
	s.ModelScore = floatPtr(score)
	s.Model1Score = floatPtr(score1)
	s.Model2Score = floatPtr(score2)
	return s, nil
}

func idsIn(ids []int64) sq.Sqlizer {
	return sq.Expr("id = ANY(?)", pq.Array(ids))
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
