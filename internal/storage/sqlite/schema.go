package sqlite

const schema = `
-- Pending-operation queue
CREATE TABLE IF NOT EXISTS sync_queue (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    entity_type TEXT NOT NULL,
    payload BLOB NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'completed', 'failed')),
    enqueued_at INTEGER NOT NULL, -- UTC unix nanoseconds, strictly increasing
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_sync_queue_status_enqueued ON sync_queue(status, enqueued_at);
CREATE INDEX IF NOT EXISTS idx_sync_queue_entity ON sync_queue(entity_type, status, enqueued_at);

-- Principal records
CREATE TABLE IF NOT EXISTS collaborators (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL DEFAULT '',
    name TEXT NOT NULL DEFAULT '',
    phone TEXT NOT NULL DEFAULT '',
    role TEXT NOT NULL DEFAULT '',
    approved INTEGER NOT NULL DEFAULT 0,
    approved_at DATETIME,
    approved_by TEXT NOT NULL DEFAULT '',
    last_modified DATETIME NOT NULL,
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_collaborators_approved ON collaborators(approved);
CREATE UNIQUE INDEX IF NOT EXISTS idx_collaborators_email ON collaborators(email) WHERE email != '';

-- Parent records
CREATE TABLE IF NOT EXISTS clients (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    address TEXT NOT NULL DEFAULT '',
    route_day TEXT NOT NULL DEFAULT '',
    last_modified DATETIME NOT NULL
);

-- Dependent records. The cascade below is exactly what the upsert gateway
-- must never trigger: replacing a client row would delete its visits.
CREATE TABLE IF NOT EXISTS visits (
    id TEXT PRIMARY KEY,
    client_id TEXT NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
    amount INTEGER NOT NULL DEFAULT 0,
    note TEXT NOT NULL DEFAULT '',
    visited_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_visits_client ON visits(client_id);

-- Collaborators needing a deferred re-reconciliation (remote was unreachable)
CREATE TABLE IF NOT EXISTS reconcile_retries (
    collaborator_id TEXT PRIMARY KEY,
    marked_at DATETIME NOT NULL
);
`
