package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE jobs (
				id VARCHAR(255) PRIMARY KEY,
				task_type VARCHAR(100) NOT NULL,
				payload JSONB NOT NULL,
				session_id VARCHAR(255) NOT NULL,
				priority SMALLINT NOT NULL DEFAULT 1,
				workflow_id VARCHAR(255),
				stage_name VARCHAR(255),
				process_after TIMESTAMP WITH TIME ZONE,
				status VARCHAR(20) NOT NULL CHECK (status IN ('queued', 'running', 'completed', 'failed', 'canceled')),
				status_message TEXT,
				response JSONB,
				error_message TEXT,
				usage JSONB,
				metadata JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_jobs_status ON jobs(status);
			CREATE INDEX idx_jobs_session_id ON jobs(session_id);
			CREATE INDEX idx_jobs_workflow_id ON jobs(workflow_id);
			CREATE INDEX idx_jobs_created_at ON jobs(created_at);
		`,
		2: `
			-- Recovery scans active jobs oldest first.
			CREATE INDEX idx_jobs_active ON jobs(created_at) WHERE status IN ('queued', 'running');
		`,
	}
}
