package history

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/gambitdev/gambit/dispatcher/domain"
	"github.com/gambitdev/gambit/engineapi/wire"
)

// Writes job history to a sqlite file.  One row per job, snapshot stored
// as its wire JSON form, log lines in a side table keyed (job_id, seq).
type sqliteJobHistory struct {
	db *sql.DB
}

// MakeSqliteJobHistory opens (creating if needed) the history database at
// dbPath.  Single writer: the connection pool is capped at one.
func MakeSqliteJobHistory(dbPath string) (*sqliteJobHistory, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening history db %s", dbPath)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "setting history journal mode")
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "setting history busy timeout")
	}

	h := &sqliteJobHistory{db: db}
	if err := h.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return h, nil
}

func (h *sqliteJobHistory) Close() error {
	return h.db.Close()
}

func (h *sqliteJobHistory) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		opponent TEXT NOT NULL DEFAULT '',
		fen TEXT NOT NULL DEFAULT '',
		limit_type INTEGER NOT NULL DEFAULT 0,
		limit_value INTEGER NOT NULL DEFAULT 0,
		multipv INTEGER NOT NULL DEFAULT 1,
		preferred_server TEXT NOT NULL DEFAULT '',
		assigned_server TEXT NOT NULL DEFAULT '',
		status INTEGER NOT NULL,
		created_at_ms INTEGER NOT NULL DEFAULT 0,
		started_at_ms INTEGER,
		finished_at_ms INTEGER,
		last_update_ms INTEGER NOT NULL DEFAULT 0,
		snapshot TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at_ms);
	CREATE TABLE IF NOT EXISTS job_logs (
		job_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		line TEXT NOT NULL,
		PRIMARY KEY (job_id, seq)
	);
	`
	if _, err := h.db.Exec(schema); err != nil {
		return errors.Wrap(err, "creating history schema")
	}
	return nil
}

func (h *sqliteJobHistory) SaveJob(job domain.Job) error {
	snapJSON, err := json.Marshal(wire.SnapshotToJSON(job.Snapshot))
	if err != nil {
		return errors.Wrapf(err, "marshaling snapshot for job %s", job.Id)
	}

	var startedMs, finishedMs interface{}
	if !job.StartedAt.IsZero() {
		startedMs = msFromTime(job.StartedAt)
	}
	if !job.FinishedAt.IsZero() {
		finishedMs = msFromTime(job.FinishedAt)
	}

	tx, err := h.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO jobs (id, opponent, fen, limit_type, limit_value, multipv,
		                   preferred_server, assigned_server, status,
		                   created_at_ms, started_at_ms, finished_at_ms,
		                   last_update_ms, snapshot)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   opponent = excluded.opponent,
		   fen = excluded.fen,
		   limit_type = excluded.limit_type,
		   limit_value = excluded.limit_value,
		   multipv = excluded.multipv,
		   preferred_server = excluded.preferred_server,
		   assigned_server = excluded.assigned_server,
		   status = excluded.status,
		   created_at_ms = excluded.created_at_ms,
		   started_at_ms = excluded.started_at_ms,
		   finished_at_ms = excluded.finished_at_ms,
		   last_update_ms = excluded.last_update_ms,
		   snapshot = excluded.snapshot`,
		job.Id,
		job.Def.Opponent,
		job.Def.Fen,
		int(job.Def.Limit.Type),
		job.Def.Limit.Value,
		job.Def.MultiPv,
		job.Def.PreferredServer,
		job.AssignedServer,
		int(job.Status),
		msFromTime(job.CreatedAt),
		startedMs,
		finishedMs,
		msFromTime(job.LastUpdateAt),
		string(snapJSON),
	)
	if err != nil {
		return errors.Wrapf(err, "saving job %s", job.Id)
	}

	if _, err := tx.Exec(`DELETE FROM job_logs WHERE job_id = ?`, job.Id); err != nil {
		return errors.Wrapf(err, "clearing logs for job %s", job.Id)
	}
	for i, line := range job.LogLines {
		if _, err := tx.Exec(
			`INSERT INTO job_logs (job_id, seq, line) VALUES (?, ?, ?)`,
			job.Id, i, line,
		); err != nil {
			return errors.Wrapf(err, "saving logs for job %s", job.Id)
		}
	}

	return tx.Commit()
}

func (h *sqliteJobHistory) LoadAllJobs() ([]domain.Job, error) {
	logs, err := h.loadAllLogs()
	if err != nil {
		return nil, err
	}

	rows, err := h.db.Query(
		`SELECT id, opponent, fen, limit_type, limit_value, multipv,
		        preferred_server, assigned_server, status,
		        created_at_ms, started_at_ms, finished_at_ms,
		        last_update_ms, snapshot
		 FROM jobs ORDER BY created_at_ms ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "loading job history")
	}
	defer rows.Close()

	jobs := []domain.Job{}
	for rows.Next() {
		var job domain.Job
		var limitType, limitValue, status int
		var createdMs, lastUpdateMs int64
		var startedMs, finishedMs sql.NullInt64
		var snapJSON string
		err := rows.Scan(
			&job.Id, &job.Def.Opponent, &job.Def.Fen, &limitType, &limitValue,
			&job.Def.MultiPv, &job.Def.PreferredServer, &job.AssignedServer,
			&status, &createdMs, &startedMs, &finishedMs, &lastUpdateMs,
			&snapJSON,
		)
		if err != nil {
			return nil, errors.Wrap(err, "scanning job history row")
		}

		job.Def.Limit = domain.SearchLimit{Type: wire.LimitTypeFromInt(limitType), Value: limitValue}
		job.Status = wire.JobStatusFromInt(status, domain.Error)
		if !job.Status.IsTerminal() {
			// Live state never belongs in history.  A row like this can
			// only come from an older writer; skip it.
			continue
		}
		job.CreatedAt = timeFromMs(createdMs)
		if startedMs.Valid {
			job.StartedAt = timeFromMs(startedMs.Int64)
		}
		if finishedMs.Valid {
			job.FinishedAt = timeFromMs(finishedMs.Int64)
		}
		if lastUpdateMs > 0 {
			job.LastUpdateAt = timeFromMs(lastUpdateMs)
		}

		var snap wire.SnapshotJSON
		if err := json.Unmarshal([]byte(snapJSON), &snap); err != nil {
			return nil, errors.Wrapf(err, "parsing stored snapshot for job %s", job.Id)
		}
		job.Snapshot = wire.SnapshotFromJSON(snap)
		job.LogLines = logs[job.Id]

		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "loading job history")
	}
	return jobs, nil
}

func (h *sqliteJobHistory) loadAllLogs() (map[string][]string, error) {
	rows, err := h.db.Query(`SELECT job_id, line FROM job_logs ORDER BY job_id, seq`)
	if err != nil {
		return nil, errors.Wrap(err, "loading job logs")
	}
	defer rows.Close()

	logs := map[string][]string{}
	for rows.Next() {
		var jobId, line string
		if err := rows.Scan(&jobId, &line); err != nil {
			return nil, errors.Wrap(err, "scanning job log row")
		}
		logs[jobId] = append(logs[jobId], line)
	}
	return logs, rows.Err()
}

func msFromTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano() / int64(time.Millisecond)
}

func timeFromMs(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.Unix(0, ms*int64(time.Millisecond))
}
