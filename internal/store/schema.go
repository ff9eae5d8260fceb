package store

// schema is the additive, idempotent base schema. New columns are added
// via migrate* functions below rather than by editing CREATE TABLE
// statements, so a live upgrade path never breaks a caller reading an
// older row shape (spec.md §4.1 schema-evolution contract). Grounded on
// original_source/db.py's _SCHEMA string and
// internal/controlplane/webhook/store.go's CREATE TABLE IF NOT EXISTS
// style.
const schema = `
CREATE TABLE IF NOT EXISTS agents (
	agent_id       TEXT PRIMARY KEY,
	kind           TEXT NOT NULL DEFAULT 'custom',
	display_name   TEXT NOT NULL DEFAULT '',
	cwd            TEXT NOT NULL DEFAULT '',
	pid            INTEGER NOT NULL DEFAULT 0,
	status         TEXT NOT NULL DEFAULT 'idle',
	registered_at  TEXT NOT NULL,
	last_heartbeat TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS claims (
	claim_id           TEXT PRIMARY KEY,
	agent_id           TEXT NOT NULL REFERENCES agents(agent_id),
	resource_type      TEXT NOT NULL DEFAULT 'file',
	path               TEXT NOT NULL,
	intent             TEXT NOT NULL,
	state              TEXT NOT NULL DEFAULT 'active',
	ttl_s              INTEGER NOT NULL DEFAULT 0,
	created_at         TEXT NOT NULL,
	expires_at         TEXT NOT NULL,
	priority           INTEGER NOT NULL DEFAULT 0,
	effective_priority INTEGER NOT NULL DEFAULT 0,
	episode_id         TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_claims_active_path
	ON claims(resource_type, path) WHERE state = 'active';

CREATE TABLE IF NOT EXISTS waiters (
	waiter_id       TEXT PRIMARY KEY,
	resource_type   TEXT NOT NULL DEFAULT 'file',
	path            TEXT NOT NULL,
	waiter_agent_id TEXT NOT NULL REFERENCES agents(agent_id),
	priority        INTEGER NOT NULL DEFAULT 0,
	created_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	task_id           TEXT PRIMARY KEY,
	title             TEXT NOT NULL,
	description       TEXT NOT NULL DEFAULT '',
	state             TEXT NOT NULL DEFAULT 'planned',
	assigned_agent_id TEXT NOT NULL DEFAULT '',
	episode_id        TEXT NOT NULL DEFAULT '',
	branch            TEXT NOT NULL DEFAULT '',
	pr_url            TEXT NOT NULL DEFAULT '',
	parent_task_id    TEXT NOT NULL DEFAULT '',
	depends_on        TEXT NOT NULL DEFAULT '[]',
	meta              TEXT NOT NULL DEFAULT '{}',
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS attempts (
	attempt_id     TEXT PRIMARY KEY,
	task_id        TEXT NOT NULL REFERENCES tasks(task_id),
	agent_id       TEXT NOT NULL,
	attempt_number INTEGER NOT NULL DEFAULT 1,
	started_at     TEXT NOT NULL,
	ended_at       TEXT NOT NULL DEFAULT '',
	outcome        TEXT NOT NULL DEFAULT '',
	error_summary  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS spawns (
	spawn_id        TEXT PRIMARY KEY,
	task_id         TEXT NOT NULL REFERENCES tasks(task_id),
	attempt_id      TEXT NOT NULL REFERENCES attempts(attempt_id),
	agent_id        TEXT NOT NULL DEFAULT '',
	pid             INTEGER NOT NULL DEFAULT 0,
	pid_started_at  REAL NOT NULL DEFAULT 0,
	worktree_path   TEXT NOT NULL DEFAULT '',
	branch          TEXT NOT NULL DEFAULT '',
	episode_id      TEXT NOT NULL DEFAULT '',
	context_hash    TEXT NOT NULL DEFAULT '',
	started_at      TEXT NOT NULL,
	ended_at        TEXT NOT NULL DEFAULT '',
	outcome         TEXT NOT NULL DEFAULT '',
	output_path     TEXT NOT NULL DEFAULT '',
	repo_cwd        TEXT NOT NULL DEFAULT '',
	timeout_s       INTEGER NOT NULL DEFAULT 0,
	backend         TEXT NOT NULL DEFAULT '',
	backend_version TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS messages (
	msg_id     TEXT PRIMARY KEY,
	from_agent TEXT NOT NULL,
	to_agent   TEXT NOT NULL DEFAULT '',
	channel    TEXT NOT NULL DEFAULT 'general',
	severity   TEXT NOT NULL DEFAULT 'fyi',
	body       TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	episode_id TEXT NOT NULL DEFAULT '',
	read_by    TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS capsules (
	capsule_id    TEXT PRIMARY KEY,
	agent_id      TEXT NOT NULL,
	task_desc     TEXT NOT NULL DEFAULT '',
	git_branch    TEXT NOT NULL DEFAULT '',
	git_sha       TEXT NOT NULL DEFAULT '',
	diff_stat     TEXT NOT NULL DEFAULT '',
	files_changed TEXT NOT NULL DEFAULT '[]',
	test_status   TEXT NOT NULL DEFAULT 'unknown',
	test_summary  TEXT NOT NULL DEFAULT '',
	what_changed  TEXT NOT NULL DEFAULT '',
	what_remains  TEXT NOT NULL DEFAULT '',
	risks         TEXT NOT NULL DEFAULT '[]',
	next_actions  TEXT NOT NULL DEFAULT '[]',
	created_at    TEXT NOT NULL,
	episode_id    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS episodes (
	episode_id        TEXT PRIMARY KEY,
	title             TEXT NOT NULL DEFAULT '',
	started_at        TEXT NOT NULL,
	ended_at          TEXT NOT NULL DEFAULT '',
	parent_episode_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS weave_events (
	event_id          TEXT PRIMARY KEY,
	sequence_id       INTEGER NOT NULL UNIQUE,
	episode_id        TEXT NOT NULL DEFAULT '',
	prev_hash         TEXT NOT NULL,
	capsule_id        TEXT NOT NULL DEFAULT '',
	git_commit_sha    TEXT NOT NULL DEFAULT '',
	git_patch_hash    TEXT NOT NULL DEFAULT '',
	affected_symbols  TEXT NOT NULL DEFAULT '[]',
	trace_id          TEXT NOT NULL DEFAULT '',
	parent_event_id   TEXT NOT NULL DEFAULT '',
	event_hash        TEXT NOT NULL,
	created_at        TEXT NOT NULL
);
`

// additiveMigrations mirrors original_source/db.py's
// migrate_claims_add_resource_type / migrate_capsules_add_sbar: idempotent
// ALTER TABLE ADD COLUMN calls guarded by a PRAGMA table_info check, so
// re-running them against an already-migrated database is a no-op. The
// base schema above already includes every column those two migrations
// added (this is a fresh schema, not a port of a live database), but the
// mechanism is kept and exercised here for columns that a future schema
// revision would add the same way.
var additiveMigrations = []migration{
	{table: "claims", column: "episode_id", ddl: "ALTER TABLE claims ADD COLUMN episode_id TEXT NOT NULL DEFAULT ''"},
	{table: "capsules", column: "episode_id", ddl: "ALTER TABLE capsules ADD COLUMN episode_id TEXT NOT NULL DEFAULT ''"},
}

type migration struct {
	table  string
	column string
	ddl    string
}
