package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"github.com/temcen/rerank/pkg/models"
)

// analyticalPool is the subset of pgxpool.Pool the gateway needs; pgxmock
// satisfies it in tests.
type analyticalPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// BehaviorLog is the gateway to the append-only behavior log and its
// derived tables. All aggregations live here; callers never compose SQL.
type BehaviorLog struct {
	db     analyticalPool
	logger *logrus.Logger
}

func NewBehaviorLog(db analyticalPool, logger *logrus.Logger) *BehaviorLog {
	return &BehaviorLog{db: db, logger: logger}
}

// actionWeightCase renders the fixed action-weight table as a SQL CASE
// expression, in deterministic order.
func actionWeightCase() string {
	actions := make([]string, 0, len(models.ActionWeights))
	for a := range models.ActionWeights {
		actions = append(actions, string(a))
	}
	sort.Strings(actions)
	var sb strings.Builder
	sb.WriteString("CASE action")
	for _, a := range actions {
		fmt.Fprintf(&sb, " WHEN '%s' THEN %g", a, models.ActionWeights[models.ActionKind(a)])
	}
	sb.WriteString(" ELSE 0 END")
	return sb.String()
}

// AppendBatch appends events to the behavior log. The log is append-only;
// at-least-once producers may deliver duplicates and that is tolerated.
func (bl *BehaviorLog) AppendBatch(ctx context.Context, events []models.BehaviorEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i := range events {
		e := &events[i]
		ts := e.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		var extra []byte
		if e.Extra != nil {
			b, err := json.Marshal(e.Extra)
			if err != nil {
				return fmt.Errorf("marshal event extra: %w", ErrBadInput)
			}
			extra = b
		}
		batch.Queue(`
			INSERT INTO behaviors (viewer_id, item_id, action, kind, session, device, ts, duration, extra)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			e.ViewerID, e.ItemID, string(e.Action), string(e.Kind),
			e.SessionID, e.Device, ts, e.DurationSec, extra)
	}

	results := bl.db.SendBatch(ctx, batch)
	defer results.Close()
	for range events {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("append behavior events: %v: %w", err, ErrUpstreamUnavailable)
		}
	}
	return nil
}

// ViewerAggregates rolls up viewer behavior over the window. Viewers with
// fewer than minInteractions events are omitted.
func (bl *BehaviorLog) ViewerAggregates(ctx context.Context, viewerIDs []string, windowDays, minInteractions int) (map[string]*models.ViewerAggregates, error) {
	since := time.Now().AddDate(0, 0, -windowDays)

	countsSQL := `
		SELECT viewer_id, action, kind, COUNT(*)
		FROM behaviors
		WHERE ts >= $1 AND ($2::text[] IS NULL OR viewer_id = ANY($2))
		GROUP BY viewer_id, action, kind`
	rows, err := bl.db.Query(ctx, countsSQL, since, nullableIDs(viewerIDs))
	if err != nil {
		return nil, fmt.Errorf("viewer aggregates counts: %v: %w", err, ErrUpstreamUnavailable)
	}
	defer rows.Close()

	result := make(map[string]*models.ViewerAggregates)
	for rows.Next() {
		var viewerID, action, kind string
		var count int64
		if err := rows.Scan(&viewerID, &action, &kind, &count); err != nil {
			return nil, fmt.Errorf("scan viewer aggregates: %w", err)
		}
		agg, ok := result[viewerID]
		if !ok {
			agg = &models.ViewerAggregates{
				ViewerID:     viewerID,
				ActionCounts: make(map[models.ActionKind]int64),
				KindCounts:   make(map[models.ItemKind]int64),
			}
			result[viewerID] = agg
		}
		agg.ActionCounts[models.ActionKind(action)] += count
		agg.KindCounts[models.ItemKind(kind)] += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("viewer aggregates counts: %v: %w", err, ErrUpstreamUnavailable)
	}

	activitySQL := `
		SELECT viewer_id,
		       COUNT(DISTINCT date_trunc('day', ts)),
		       COALESCE(AVG(duration), 0),
		       MAX(ts)
		FROM behaviors
		WHERE ts >= $1 AND ($2::text[] IS NULL OR viewer_id = ANY($2))
		GROUP BY viewer_id`
	rows, err = bl.db.Query(ctx, activitySQL, since, nullableIDs(viewerIDs))
	if err != nil {
		return nil, fmt.Errorf("viewer aggregates activity: %v: %w", err, ErrUpstreamUnavailable)
	}
	defer rows.Close()

	for rows.Next() {
		var viewerID string
		var activeDays int
		var avgDuration float64
		var lastActive time.Time
		if err := rows.Scan(&viewerID, &activeDays, &avgDuration, &lastActive); err != nil {
			return nil, fmt.Errorf("scan viewer activity: %w", err)
		}
		if agg, ok := result[viewerID]; ok {
			agg.ActiveDays = activeDays
			agg.AvgDuration = avgDuration
			agg.LastActive = lastActive
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("viewer aggregates activity: %v: %w", err, ErrUpstreamUnavailable)
	}

	for viewerID, agg := range result {
		var total int64
		var weighted float64
		for action, count := range agg.ActionCounts {
			total += count
			weighted += action.Weight() * float64(count)
		}
		if total < int64(minInteractions) {
			delete(result, viewerID)
			continue
		}
		agg.BehaviorScore = clamp(weighted/100.0, 0, 10)
		if windowDays > 0 {
			agg.DailyAvgActions = float64(total) / float64(windowDays)
		}
	}
	return result, nil
}

// ItemAggregates rolls up item interactions over the window.
func (bl *BehaviorLog) ItemAggregates(ctx context.Context, itemIDs []string, windowDays, minInteractions int) (map[string]*models.ItemAggregates, error) {
	since := time.Now().AddDate(0, 0, -windowDays)

	sql := `
		SELECT item_id,
		       action,
		       COUNT(*),
		       COUNT(DISTINCT viewer_id),
		       COUNT(*) FILTER (WHERE action = 'view' AND COALESCE(duration, 0) >= 30)
		FROM behaviors
		WHERE ts >= $1 AND ($2::text[] IS NULL OR item_id = ANY($2))
		GROUP BY item_id, action`
	rows, err := bl.db.Query(ctx, sql, since, nullableIDs(itemIDs))
	if err != nil {
		return nil, fmt.Errorf("item aggregates: %v: %w", err, ErrUpstreamUnavailable)
	}
	defer rows.Close()

	result := make(map[string]*models.ItemAggregates)
	engagedViews := make(map[string]int64)
	uniquePerAction := make(map[string]int64)
	for rows.Next() {
		var itemID, action string
		var count, unique, engaged int64
		if err := rows.Scan(&itemID, &action, &count, &unique, &engaged); err != nil {
			return nil, fmt.Errorf("scan item aggregates: %w", err)
		}
		agg, ok := result[itemID]
		if !ok {
			agg = &models.ItemAggregates{
				ItemID:       itemID,
				ActionCounts: make(map[models.ActionKind]int64),
			}
			result[itemID] = agg
		}
		agg.ActionCounts[models.ActionKind(action)] += count
		engagedViews[itemID] += engaged
		// Unique viewers per action is an upper bound for the item; take
		// the max across actions rather than a double-counting sum.
		if unique > uniquePerAction[itemID] {
			uniquePerAction[itemID] = unique
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("item aggregates: %v: %w", err, ErrUpstreamUnavailable)
	}

	for itemID, agg := range result {
		var total int64
		var weighted float64
		for action, count := range agg.ActionCounts {
			total += count
			weighted += action.Weight() * float64(count)
		}
		if total < int64(minInteractions) {
			delete(result, itemID)
			continue
		}
		agg.UniqueViewers = uniquePerAction[itemID]
		views := agg.ActionCounts[models.ActionView]
		if views > 0 {
			agg.CTR = float64(agg.ActionCounts[models.ActionClick]) / float64(views)
			agg.LikeRate = float64(agg.ActionCounts[models.ActionLike]) / float64(views)
			agg.ShareRate = float64(agg.ActionCounts[models.ActionShare]) / float64(views)
			agg.EngagementRate = float64(engagedViews[itemID]) / float64(views)
		}
		if total > 0 {
			agg.UserDiversity = float64(agg.UniqueViewers) / float64(total)
		}
		agg.PopularityScore = clamp(weighted/100.0, 0, 10)
	}
	return result, nil
}

// InteractionMatrix returns the sparse weighted viewer-item matrix.
func (bl *BehaviorLog) InteractionMatrix(ctx context.Context, viewerIDs, itemIDs []string, windowDays int) ([]models.InteractionCell, error) {
	since := time.Now().AddDate(0, 0, -windowDays)
	sql := fmt.Sprintf(`
		SELECT viewer_id, item_id, SUM(%s)
		FROM behaviors
		WHERE ts >= $1
		  AND ($2::text[] IS NULL OR viewer_id = ANY($2))
		  AND ($3::text[] IS NULL OR item_id = ANY($3))
		GROUP BY viewer_id, item_id`, actionWeightCase())
	rows, err := bl.db.Query(ctx, sql, since, nullableIDs(viewerIDs), nullableIDs(itemIDs))
	if err != nil {
		return nil, fmt.Errorf("interaction matrix: %v: %w", err, ErrUpstreamUnavailable)
	}
	defer rows.Close()

	var cells []models.InteractionCell
	for rows.Next() {
		var cell models.InteractionCell
		if err := rows.Scan(&cell.ViewerID, &cell.ItemID, &cell.Score); err != nil {
			return nil, fmt.Errorf("scan interaction cell: %w", err)
		}
		cells = append(cells, cell)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("interaction matrix: %v: %w", err, ErrUpstreamUnavailable)
	}
	return cells, nil
}

// Trending returns the most interacted items in the window, weighted by
// the action table, most active first.
func (bl *BehaviorLog) Trending(ctx context.Context, kind *models.ItemKind, windowHours, minInteractions, limit int) ([]models.TrendingItem, error) {
	since := time.Now().Add(-time.Duration(windowHours) * time.Hour)
	sql := fmt.Sprintf(`
		SELECT item_id, kind, COUNT(*), COUNT(DISTINCT viewer_id), SUM(%s)
		FROM behaviors
		WHERE ts >= $1 AND ($2::text IS NULL OR kind = $2)
		GROUP BY item_id, kind
		HAVING COUNT(*) >= $3
		ORDER BY SUM(%s) DESC, item_id ASC
		LIMIT $4`, actionWeightCase(), actionWeightCase())

	var kindArg *string
	if kind != nil {
		k := string(*kind)
		kindArg = &k
	}
	rows, err := bl.db.Query(ctx, sql, since, kindArg, minInteractions, limit)
	if err != nil {
		return nil, fmt.Errorf("trending: %v: %w", err, ErrUpstreamUnavailable)
	}
	defer rows.Close()

	var items []models.TrendingItem
	for rows.Next() {
		var item models.TrendingItem
		var kindStr string
		if err := rows.Scan(&item.ItemID, &kindStr, &item.Interactions, &item.UniqueViewers, &item.Score); err != nil {
			return nil, fmt.Errorf("scan trending item: %w", err)
		}
		item.Kind = models.ItemKind(kindStr)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trending: %v: %w", err, ErrUpstreamUnavailable)
	}
	return items, nil
}

// ViewerPatterns summarizes one viewer's behavior as histograms.
func (bl *BehaviorLog) ViewerPatterns(ctx context.Context, viewerID string) (*models.ViewerPatterns, error) {
	sql := `
		SELECT EXTRACT(HOUR FROM ts)::int,
		       EXTRACT(DOW FROM ts)::int,
		       action, kind, COALESCE(device, 'unknown'),
		       COUNT(*)
		FROM behaviors
		WHERE viewer_id = $1
		GROUP BY 1, 2, 3, 4, 5`
	rows, err := bl.db.Query(ctx, sql, viewerID)
	if err != nil {
		return nil, fmt.Errorf("viewer patterns: %v: %w", err, ErrUpstreamUnavailable)
	}
	defer rows.Close()

	patterns := &models.ViewerPatterns{
		ViewerID:         viewerID,
		HourHistogram:    make(map[int]int64),
		WeekdayHistogram: make(map[int]int64),
		ActionHistogram:  make(map[models.ActionKind]int64),
		KindHistogram:    make(map[models.ItemKind]int64),
		DeviceHistogram:  make(map[string]int64),
	}
	for rows.Next() {
		var hour, weekday int
		var action, kind, device string
		var count int64
		if err := rows.Scan(&hour, &weekday, &action, &kind, &device, &count); err != nil {
			return nil, fmt.Errorf("scan viewer patterns: %w", err)
		}
		patterns.HourHistogram[hour] += count
		patterns.WeekdayHistogram[weekday] += count
		patterns.ActionHistogram[models.ActionKind(action)] += count
		patterns.KindHistogram[models.ItemKind(kind)] += count
		patterns.DeviceHistogram[device] += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("viewer patterns: %v: %w", err, ErrUpstreamUnavailable)
	}
	return patterns, nil
}

// PersistVectors stores derived per-entity vectors in the analytical store.
func (bl *BehaviorLog) PersistVectors(ctx context.Context, entityKind string, vectors map[string][]float64) error {
	if len(vectors) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	ids := make([]string, 0, len(vectors))
	for id := range vectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		batch.Queue(`
			INSERT INTO feature_vectors (entity_id, entity_kind, vector, created_at)
			VALUES ($1, $2, $3, $4)`,
			id, entityKind, vectors[id], time.Now())
	}
	results := bl.db.SendBatch(ctx, batch)
	defer results.Close()
	for range ids {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("persist vectors: %v: %w", err, ErrUpstreamUnavailable)
		}
	}
	return nil
}

// BackupFeatures snapshots serialized feature records before a purge.
func (bl *BehaviorLog) BackupFeatures(ctx context.Context, kind string, payloads map[string][]byte) error {
	if len(payloads) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	ids := make([]string, 0, len(payloads))
	for id := range payloads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		batch.Queue(`
			INSERT INTO feature_backups (entity_id, kind, payload, backup_at)
			VALUES ($1, $2, $3, $4)`,
			id, kind, payloads[id], time.Now())
	}
	results := bl.db.SendBatch(ctx, batch)
	defer results.Close()
	for range ids {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("backup features: %v: %w", err, ErrUpstreamUnavailable)
		}
	}
	return nil
}

// PurgeExpired deletes rows past their retention windows. The behavior log
// is otherwise append-only; this is the only delete path.
func (bl *BehaviorLog) PurgeExpired(ctx context.Context, behaviorDays, vectorDays, backupDays int) (int64, error) {
	var purged int64

	tag, err := bl.db.Exec(ctx,
		`DELETE FROM behaviors WHERE ts < $1`,
		time.Now().AddDate(0, 0, -behaviorDays))
	if err != nil {
		return purged, fmt.Errorf("purge behaviors: %v: %w", err, ErrUpstreamUnavailable)
	}
	purged += tag.RowsAffected()

	tag, err = bl.db.Exec(ctx,
		`DELETE FROM feature_vectors WHERE created_at < $1`,
		time.Now().AddDate(0, 0, -vectorDays))
	if err != nil {
		return purged, fmt.Errorf("purge vectors: %v: %w", err, ErrUpstreamUnavailable)
	}
	purged += tag.RowsAffected()

	tag, err = bl.db.Exec(ctx,
		`DELETE FROM feature_backups WHERE backup_at < $1`,
		time.Now().AddDate(0, 0, -backupDays))
	if err != nil {
		return purged, fmt.Errorf("purge backups: %v: %w", err, ErrUpstreamUnavailable)
	}
	purged += tag.RowsAffected()

	return purged, nil
}

// Compact reclaims storage after a purge. Runs after deletes, never before.
func (bl *BehaviorLog) Compact(ctx context.Context) error {
	for _, table := range []string{"behaviors", "feature_vectors", "feature_backups"} {
		if _, err := bl.db.Exec(ctx, fmt.Sprintf("VACUUM ANALYZE %s", table)); err != nil {
			return fmt.Errorf("compact %s: %v: %w", table, err, ErrUpstreamUnavailable)
		}
	}
	return nil
}

// nullableIDs maps an empty filter to SQL NULL so one query template
// serves both the filtered and unfiltered forms.
func nullableIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	return ids
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
