package postgresql

// migrations returns the schema migrations for the engine tables, keyed by
// version.
func migrations() map[int]string {
	return map[int]string{
		1: `
		CREATE TABLE IF NOT EXISTS process_definitions (
			id VARCHAR(255) NOT NULL,
			version INTEGER NOT NULL,
			name VARCHAR(255) NOT NULL DEFAULT '',
			task_queue VARCHAR(255) NOT NULL DEFAULT 'default',
			source_format VARCHAR(32) NOT NULL DEFAULT '',
			body JSONB NOT NULL,
			deployed_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			PRIMARY KEY (id, version)
		);

		CREATE TABLE IF NOT EXISTS executions (
			id VARCHAR(255) PRIMARY KEY,
			definition_id VARCHAR(255) NOT NULL,
			version INTEGER NOT NULL,
			status VARCHAR(32) NOT NULL,
			tokens JSONB NOT NULL DEFAULT '[]',
			parent_id VARCHAR(255),
			parent_node VARCHAR(255),
			failure JSONB,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMP WITH TIME ZONE
		);

		CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
		CREATE INDEX IF NOT EXISTS idx_executions_definition ON executions(definition_id);

		CREATE TABLE IF NOT EXISTS history_entries (
			execution_id VARCHAR(255) NOT NULL,
			seq BIGINT NOT NULL,
			kind VARCHAR(64) NOT NULL,
			payload JSONB,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			PRIMARY KEY (execution_id, seq)
		);

		CREATE TABLE IF NOT EXISTS variable_values (
			execution_id VARCHAR(255) NOT NULL,
			name VARCHAR(64) NOT NULL,
			value JSONB NOT NULL,
			previous JSONB,
			declared_type VARCHAR(16) NOT NULL DEFAULT 'any',
			sensitive BOOLEAN NOT NULL DEFAULT FALSE,
			write_count INTEGER NOT NULL DEFAULT 0,
			modified_at TIMESTAMP WITH TIME ZONE NOT NULL,
			modified_by VARCHAR(255) NOT NULL DEFAULT '',
			PRIMARY KEY (execution_id, name)
		);

		CREATE TABLE IF NOT EXISTS human_tasks (
			id VARCHAR(255) PRIMARY KEY,
			execution_id VARCHAR(255) NOT NULL,
			node_id VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL DEFAULT '',
			assignee VARCHAR(255) NOT NULL DEFAULT '',
			candidate_groups JSONB NOT NULL DEFAULT '[]',
			form_spec JSONB,
			signal_name VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMP WITH TIME ZONE,
			completed_by VARCHAR(255) NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_human_tasks_execution ON human_tasks(execution_id);
		CREATE INDEX IF NOT EXISTS idx_human_tasks_status ON human_tasks(status);

		CREATE TABLE IF NOT EXISTS timers (
			id VARCHAR(255) PRIMARY KEY,
			execution_id VARCHAR(255) NOT NULL,
			node_id VARCHAR(255) NOT NULL,
			purpose VARCHAR(32) NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			due_at TIMESTAMP WITH TIME ZONE NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_timers_due_at ON timers(due_at);
		`,
	}
}
