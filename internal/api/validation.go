package api

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

func validateCreateJob(req CreateJobRequest) error {
	if req.WorkspaceID == "" {
		return fmt.Errorf("workspace_id is required")
	}
	if req.TestGroup == "" && len(req.TestIDs) == 0 {
		return fmt.Errorf("test_group or test_ids is required")
	}
	for _, id := range req.TestIDs {
		if id == "" {
			return fmt.Errorf("test_ids must not contain empty entries")
		}
	}
	return nil
}

func validateSchedule(req ScheduleRequest) error {
	if req.Name == "" {
		return fmt.Errorf("name is required")
	}

	if req.CronExpression == "" {
		return fmt.Errorf("cron_expression is required")
	}
	if err := validateCron(req.CronExpression); err != nil {
		return fmt.Errorf("invalid cron_expression: %w", err)
	}

	tz := req.Timezone
	if tz == "" {
		tz = "UTC"
	}
	if err := validateTimezone(tz); err != nil {
		return fmt.Errorf("invalid timezone: %w", err)
	}

	if len(req.WorkspaceIDs) == 0 {
		return fmt.Errorf("workspace_ids is required")
	}
	for _, id := range req.WorkspaceIDs {
		if id == "" {
			return fmt.Errorf("workspace_ids must not contain empty entries")
		}
	}

	if req.TestGroup == "" && len(req.TestIDs) == 0 {
		return fmt.Errorf("test_group or test_ids is required")
	}
	return nil
}

func validateCron(expr string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	_, err := parser.Parse(expr)
	return err
}

func validateTimezone(tz string) error {
	_, err := time.LoadLocation(tz)
	return err
}
