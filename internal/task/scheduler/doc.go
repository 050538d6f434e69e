// Package scheduler is the trigger-only cron engine. Jobs are keyed by name;
// each firing is handed to the task engine, which runs it.
package scheduler
