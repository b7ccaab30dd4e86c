// Package store persists schedules, distributions, executions, audit log
// entries, reports and encrypted credential blobs in SQLite.
package store

import "database/sql"

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
PRAGMA foreign_keys=ON;
CREATE TABLE IF NOT EXISTS reports (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  query TEXT NOT NULL,
  fields TEXT NOT NULL DEFAULT '[]',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  report_id TEXT NOT NULL,
  owner TEXT NOT NULL,
  cron_expr TEXT NOT NULL,
  timezone TEXT NOT NULL DEFAULT 'UTC',
  start_date DATETIME,
  end_date DATETIME,
  status TEXT NOT NULL CHECK(status IN ('active','paused','disabled','completed')) DEFAULT 'active',
  max_retries INTEGER NOT NULL DEFAULT 3,
  retry_delay_seconds INTEGER NOT NULL DEFAULT 60,
  timeout_seconds INTEGER NOT NULL DEFAULT 300,
  output_formats TEXT NOT NULL,
  parameters BLOB,
  run_count INTEGER NOT NULL DEFAULT 0,
  failure_count INTEGER NOT NULL DEFAULT 0,
  last_run DATETIME,
  next_run DATETIME,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  FOREIGN KEY(report_id) REFERENCES reports(id)
);
CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(status, next_run);
CREATE TABLE IF NOT EXISTS distributions (
  id TEXT PRIMARY KEY,
  schedule_id TEXT NOT NULL,
  type TEXT NOT NULL CHECK(type IN ('email','filesystem','sftp','object_storage','webhook')),
  format TEXT NOT NULL,
  config TEXT NOT NULL DEFAULT '{}',
  is_bursting INTEGER NOT NULL DEFAULT 0,
  burst_field TEXT NOT NULL DEFAULT '',
  burst_config TEXT NOT NULL DEFAULT '{}',
  is_active INTEGER NOT NULL DEFAULT 1,
  last_success DATETIME,
  last_failure DATETIME,
  failure_message TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  FOREIGN KEY(schedule_id) REFERENCES schedules(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_distributions_schedule ON distributions(schedule_id, is_active);
CREATE TABLE IF NOT EXISTS executions (
  id TEXT PRIMARY KEY,
  schedule_id TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','running','succeeded','failed','cancelled')) DEFAULT 'pending',
  firing_at DATETIME NOT NULL,
  started_at DATETIME,
  completed_at DATETIME,
  duration_ms INTEGER NOT NULL DEFAULT 0,
  retry_count INTEGER NOT NULL DEFAULT 0,
  artifacts TEXT NOT NULL DEFAULT '[]',
  delivery_results TEXT NOT NULL DEFAULT '{}',
  error_message TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  FOREIGN KEY(schedule_id) REFERENCES schedules(id) ON DELETE CASCADE
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_inflight
  ON executions(schedule_id) WHERE status IN ('pending','running');
CREATE INDEX IF NOT EXISTS idx_executions_schedule ON executions(schedule_id, created_at DESC);
CREATE TABLE IF NOT EXISTS audit_log (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  schedule_id TEXT NOT NULL,
  execution_id TEXT NOT NULL DEFAULT '',
  event TEXT NOT NULL,
  message TEXT NOT NULL DEFAULT '',
  details TEXT NOT NULL DEFAULT '{}',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_audit_schedule ON audit_log(schedule_id, id DESC);
CREATE TABLE IF NOT EXISTS credentials (
  owner_id TEXT PRIMARY KEY,
  blob TEXT NOT NULL,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
	_, err := db.Exec(schema)
	return err
}
