package postgres

const (
	queryInsertJob = `
		INSERT INTO jobs (id, workspace_id, schedule_id, test_group, test_ids, status,
			created_at, started_at, completed_at, error, result, events, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	queryGetJob = `
		SELECT id, workspace_id, schedule_id, test_group, test_ids, status,
			created_at, started_at, completed_at, error, result, events, metadata
		FROM jobs
		WHERE id = $1`

	queryUpdateJob = `
		UPDATE jobs
		SET status = $2, started_at = $3, completed_at = $4, error = $5,
			result = $6, events = $7, metadata = $8
		WHERE id = $1`

	queryGetActiveJobs = `
		SELECT id, workspace_id, schedule_id, test_group, test_ids, status,
			created_at, started_at, completed_at, error, result, events, metadata
		FROM jobs
		WHERE status NOT IN ('completed', 'failed', 'cancelled')
			AND ($1 = '' OR workspace_id = $1)
		ORDER BY created_at`

	queryGetJobHistory = `
		SELECT id, workspace_id, schedule_id, test_group, test_ids, status,
			created_at, started_at, completed_at, error, result, events, metadata
		FROM jobs
		WHERE status IN ('completed', 'failed', 'cancelled')
			AND ($1 = '' OR workspace_id = $1)
			AND ($2::uuid IS NULL OR schedule_id = $2)
			AND ($3 = '' OR status = $3)
			AND ($4::timestamptz IS NULL OR completed_at >= $4)
		ORDER BY created_at DESC
		LIMIT $5`

	queryInsertSchedule = `
		INSERT INTO schedules (id, name, description, cron_expression, timezone,
			workspace_ids, test_group, test_ids, enabled, next_run_time,
			last_run_time, last_run_job_ids, total_runs, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	queryGetSchedule = `
		SELECT id, name, description, cron_expression, timezone, workspace_ids,
			test_group, test_ids, enabled, next_run_time, last_run_time,
			last_run_job_ids, total_runs, created_at, updated_at
		FROM schedules
		WHERE id = $1`

	queryListSchedules = `
		SELECT id, name, description, cron_expression, timezone, workspace_ids,
			test_group, test_ids, enabled, next_run_time, last_run_time,
			last_run_job_ids, total_runs, created_at, updated_at
		FROM schedules
		WHERE NOT $1 OR enabled
		ORDER BY created_at`

	queryUpdateSchedule = `
		UPDATE schedules
		SET name = $2, description = $3, cron_expression = $4, timezone = $5,
			workspace_ids = $6, test_group = $7, test_ids = $8, enabled = $9,
			next_run_time = $10, last_run_time = $11, last_run_job_ids = $12,
			total_runs = $13, updated_at = $14
		WHERE id = $1`

	queryDeleteSchedule = `DELETE FROM schedules WHERE id = $1`
)
