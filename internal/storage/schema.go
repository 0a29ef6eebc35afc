package storage

const schema = `
CREATE TABLE IF NOT EXISTS documents (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    title TEXT NOT NULL,
    content TEXT NOT NULL DEFAULT '',
    project TEXT,
    parent_id INTEGER REFERENCES documents(id),
    stage TEXT,
    pr_url TEXT,
    created_at TEXT NOT NULL,
    is_deleted INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_documents_stage
    ON documents(stage) WHERE is_deleted = 0;
CREATE INDEX IF NOT EXISTS idx_documents_parent
    ON documents(parent_id);

CREATE TABLE IF NOT EXISTS executions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    doc_id INTEGER,
    doc_title TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'running',
    started_at TEXT NOT NULL,
    completed_at TEXT,
    log_file TEXT NOT NULL,
    exit_code INTEGER,
    working_dir TEXT NOT NULL DEFAULT '',
    pid INTEGER,
    cascade_run_id INTEGER
);

CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
CREATE INDEX IF NOT EXISTS idx_executions_cascade_run ON executions(cascade_run_id);

CREATE TABLE IF NOT EXISTS cascade_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    start_doc_id INTEGER NOT NULL,
    current_doc_id INTEGER NOT NULL,
    start_stage TEXT NOT NULL,
    stop_stage TEXT NOT NULL DEFAULT 'done',
    current_stage TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'running',
    pr_url TEXT,
    started_at TEXT NOT NULL,
    completed_at TEXT,
    error_message TEXT
);

CREATE TABLE IF NOT EXISTS agents (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    display_name TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    category TEXT NOT NULL DEFAULT '',
    system_prompt TEXT NOT NULL DEFAULT '',
    user_prompt_template TEXT NOT NULL DEFAULT '',
    allowed_tools TEXT NOT NULL DEFAULT '[]',
    max_context_docs INTEGER NOT NULL DEFAULT 5,
    timeout_seconds INTEGER NOT NULL DEFAULT 300,
    output_tags TEXT NOT NULL DEFAULT '',
    is_active INTEGER NOT NULL DEFAULT 1,
    usage_count INTEGER NOT NULL DEFAULT 0,
    success_count INTEGER NOT NULL DEFAULT 0,
    failure_count INTEGER NOT NULL DEFAULT 0,
    last_used_at TEXT,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_agents_category ON agents(category, name);
`
