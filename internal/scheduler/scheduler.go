// Package scheduler is the FSRS-style spaced-repetition tier (C6): it tracks
// per-record stability and difficulty, decides when a memory is next due for
// review, and promotes a record from project to global scope once it has
// been reinforced enough times, from enough distinct projects, to be
// considered durable.
package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"time"

	"memoria/internal/config"
	"memoria/internal/logging"
	"memoria/internal/memerr"
	"memoria/internal/resilience"
)

// Grade is a review outcome.
type Grade string

const (
	Fail Grade = "fail"
	Hard Grade = "hard"
	Good Grade = "good"
	Easy Grade = "easy"
)

func (g Grade) index() int {
	switch g {
	case Fail:
		return 0
	case Hard:
		return 1
	case Good:
		return 2
	case Easy:
		return 3
	default:
		return -1
	}
}

// difficultyDelta holds δ(grade) in grade-enum order {Fail, Hard, Good, Easy}.
var difficultyDelta = [4]float64{0.15, 0.05, 0, -0.1}

// Entry is one schedule entry: the FSRS state for a single record.
type Entry struct {
	ID                string
	Stability         float64
	Difficulty        float64
	LastReview        time.Time
	NextReview        time.Time
	ReviewCount       int
	Promoted          bool
	ProjectsValidated []string
}

func (e Entry) hasProject(project string) bool {
	for _, p := range e.ProjectsValidated {
		if p == project {
			return true
		}
	}
	return false
}

// Scheduler implements record_review, due, and state against the embedded
// schedule/review_log tables, and runs a background due-scan that emits
// MaintenanceTick events for whatever else wants to react to newly-due
// memories.
type Scheduler struct {
	pool *resilience.Pool
	bus  *resilience.Bus
	cfg  config.SchedulerConfig

	scanInterval time.Duration

	stop chan struct{}
	done chan struct{}
}

// New constructs a Scheduler over pool, publishing Promoted events on bus.
func New(pool *resilience.Pool, bus *resilience.Bus, cfg config.SchedulerConfig) *Scheduler {
	interval, err := time.ParseDuration(cfg.ScanInterval)
	if err != nil || interval <= 0 {
		interval = 45 * time.Second
	}
	return &Scheduler{
		pool:         pool,
		bus:          bus,
		cfg:          cfg,
		scanInterval: interval,
	}
}

// Start launches the background due-scan loop. It is a no-op if already
// running.
func (s *Scheduler) Start() {
	if s.stop != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	s.stop = stop
	s.done = done
	go s.run(stop, done)
}

// Stop halts the background due-scan loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
	}
	s.stop = nil
	s.done = nil
}

func (s *Scheduler) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	ids, err := s.Due(time.Now(), 0)
	if err != nil {
		logging.SchedulerWarn("due scan failed: %v", err)
		return
	}
	if s.bus != nil {
		s.bus.Publish(resilience.Event{
			Kind:      resilience.MaintenanceTick,
			Timestamp: time.Now(),
			Extra:     map[string]interface{}{"due_count": len(ids)},
		})
	}
}

// Register seeds a schedule entry for a brand-new record, scoped to
// project. It is a no-op if an entry for id already exists.
func (s *Scheduler) Register(ctx context.Context, id, project string) error {
	now := time.Now()
	projects := "[]"
	if project != "" {
		b, _ := json.Marshal([]string{project})
		projects = string(b)
	}
	return s.pool.WithConn(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT OR IGNORE INTO schedule
				(id, stability, difficulty, last_review_ms, next_review_ms, review_count, promoted, projects_validated_json)
			VALUES (?, ?, ?, ?, ?, 0, 0, ?)
		`, id, s.cfg.InitialStability, s.cfg.InitialDifficulty, now.UnixMilli(), now.UnixMilli(), projects)
		if err != nil {
			return memerr.Wrap(memerr.StoreError, "register schedule entry", err)
		}
		return nil
	})
}

// RecordReview applies grade to id's schedule entry, scoped to the project
// the review was performed under, and returns the updated entry. The
// schedule update and the review-history append commit in a single
// transaction. If id has no schedule entry yet, one is created using the
// configured initial stability/difficulty before the grade is applied.
func (s *Scheduler) RecordReview(ctx context.Context, id, project string, grade Grade) (Entry, error) {
	idx := grade.index()
	if idx < 0 {
		return Entry{}, memerr.New(memerr.InvalidInput, "unknown review grade")
	}

	var result Entry
	err := s.pool.WithConn(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return memerr.Wrap(memerr.StoreError, "begin review transaction", err)
		}
		defer tx.Rollback()

		entry, found, err := loadEntry(ctx, tx, id)
		if err != nil {
			return err
		}
		if !found {
			now := time.Now()
			entry = Entry{
				ID:          id,
				Stability:   s.cfg.InitialStability,
				Difficulty:  s.cfg.InitialDifficulty,
				LastReview:  now,
				NextReview:  now,
				ReviewCount: 0,
			}
		}

		updated := s.apply(entry, project, grade)

		now := time.Now()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schedule
				(id, stability, difficulty, last_review_ms, next_review_ms, review_count, promoted, projects_validated_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				stability = excluded.stability,
				difficulty = excluded.difficulty,
				last_review_ms = excluded.last_review_ms,
				next_review_ms = excluded.next_review_ms,
				review_count = excluded.review_count,
				promoted = excluded.promoted,
				projects_validated_json = excluded.projects_validated_json
		`, updated.ID, updated.Stability, updated.Difficulty, updated.LastReview.UnixMilli(), updated.NextReview.UnixMilli(),
			updated.ReviewCount, boolToInt(updated.Promoted), marshalProjects(updated.ProjectsValidated)); err != nil {
			return memerr.Wrap(memerr.StoreError, "persist schedule entry", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO review_log (id, ts_ms, grade) VALUES (?, ?, ?)
		`, id, now.UnixMilli(), string(grade)); err != nil {
			return memerr.Wrap(memerr.StoreError, "append review log", err)
		}

		if err := tx.Commit(); err != nil {
			return memerr.Wrap(memerr.StoreError, "commit review transaction", err)
		}

		newlyPromoted := updated.Promoted && !entry.Promoted
		result = updated
		if newlyPromoted && s.bus != nil {
			s.bus.Publish(resilience.Event{
				Kind:      resilience.Promoted,
				Timestamp: now,
				ID:        id,
				Project:   project,
				Extra: map[string]interface{}{
					"stability":          updated.Stability,
					"review_count":       updated.ReviewCount,
					"projects_validated": updated.ProjectsValidated,
				},
			})
		}
		return nil
	})
	if err != nil {
		return Entry{}, err
	}

	logging.SchedulerDebug("review id=%s grade=%s stability=%.3f difficulty=%.3f promoted=%v", id, grade, result.Stability, result.Difficulty, result.Promoted)
	return result, nil
}

// apply computes the FSRS-family recurrence for one review, per the
// configured multipliers, difficulty deltas, and promotion thresholds.
func (s *Scheduler) apply(entry Entry, project string, grade Grade) Entry {
	idx := grade.index()
	multiplier := s.cfg.GradeMultipliers[idx]

	stabilityMin, stabilityMax := s.cfg.StabilityMin, s.cfg.StabilityMax
	if stabilityMax <= 0 {
		stabilityMax = 10.0
	}
	if stabilityMin <= 0 {
		stabilityMin = 0.1
	}

	newStability := clamp(entry.Stability*multiplier*(1-0.3*entry.Difficulty), stabilityMin, stabilityMax)
	newDifficulty := clamp(entry.Difficulty+difficultyDelta[idx], 0, 1)

	intervalCap := s.cfg.IntervalCapDays
	if intervalCap <= 0 {
		intervalCap = 365
	}
	intervalDays := newStability
	if intervalDays > float64(intervalCap) {
		intervalDays = float64(intervalCap)
	}

	now := time.Now()
	projects := entry.ProjectsValidated
	if project != "" && !entry.hasProject(project) {
		projects = append(append([]string{}, projects...), project)
	}

	updated := Entry{
		ID:                entry.ID,
		Stability:         newStability,
		Difficulty:        newDifficulty,
		LastReview:        now,
		NextReview:        now.Add(time.Duration(intervalDays * float64(24*time.Hour))),
		ReviewCount:       entry.ReviewCount + 1,
		ProjectsValidated: projects,
	}

	minStability := s.cfg.PromotionMinStability
	minReviews := s.cfg.PromotionMinReviews
	minProjects := s.cfg.PromotionMinProjectsValidated
	updated.Promoted = entry.Promoted ||
		(updated.Stability >= minStability && updated.ReviewCount >= minReviews && len(updated.ProjectsValidated) >= minProjects)

	return updated
}

// Due returns up to limit ids whose next-review timestamp has passed, most
// overdue first. limit <= 0 means unlimited.
func (s *Scheduler) Due(now time.Time, limit int) ([]string, error) {
	ctx := context.Background()
	var ids []string
	err := s.pool.WithConn(ctx, func(db *sql.DB) error {
		query := `SELECT id FROM schedule WHERE next_review_ms <= ? ORDER BY next_review_ms ASC`
		args := []interface{}{now.UnixMilli()}
		if limit > 0 {
			query += ` LIMIT ?`
			args = append(args, limit)
		}
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return memerr.Wrap(memerr.StoreError, "query due entries", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return memerr.Wrap(memerr.StoreError, "scan due entry", err)
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	return ids, err
}

// State returns id's current schedule entry.
func (s *Scheduler) State(id string) (Entry, error) {
	ctx := context.Background()
	var entry Entry
	err := s.pool.WithConn(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
		if err != nil {
			return memerr.Wrap(memerr.StoreError, "begin state read", err)
		}
		defer tx.Rollback()

		loaded, found, err := loadEntry(ctx, tx, id)
		if err != nil {
			return err
		}
		if !found {
			return memerr.New(memerr.NotFound, "no schedule entry for id")
		}
		entry = loaded
		return nil
	})
	return entry, err
}

func loadEntry(ctx context.Context, tx *sql.Tx, id string) (Entry, bool, error) {
	var (
		e                Entry
		lastMs, nextMs   int64
		promotedInt      int
		projectsValidate string
	)
	row := tx.QueryRowContext(ctx, `
		SELECT id, stability, difficulty, last_review_ms, next_review_ms, review_count, promoted, projects_validated_json
		FROM schedule WHERE id = ?
	`, id)
	if err := row.Scan(&e.ID, &e.Stability, &e.Difficulty, &lastMs, &nextMs, &e.ReviewCount, &promotedInt, &projectsValidate); err != nil {
		if err == sql.ErrNoRows {
			return Entry{}, false, nil
		}
		return Entry{}, false, memerr.Wrap(memerr.StoreError, "load schedule entry", err)
	}
	e.LastReview = time.UnixMilli(lastMs)
	e.NextReview = time.UnixMilli(nextMs)
	e.Promoted = promotedInt != 0
	if projectsValidate != "" {
		_ = json.Unmarshal([]byte(projectsValidate), &e.ProjectsValidated)
	}
	return e, true, nil
}

func marshalProjects(projects []string) string {
	if projects == nil {
		projects = []string{}
	}
	b, err := json.Marshal(projects)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func clamp(v, min, max float64) float64 {
	return math.Max(min, math.Min(max, v))
}
