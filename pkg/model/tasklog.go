package model

import "time"

// TaskStatus values of crawler.crawler_task_logs.status.
const (
	TaskRunning = "running"
	TaskSuccess = "success"
	TaskFailed  = "failed"
)

// TaskLog is one pipeline run as recorded in crawler.crawler_task_logs.
type TaskLog struct {
	CrawlerType    string         `json:"crawler_type"`
	TaskID         string         `json:"task_id"`
	Status         string         `json:"status"`
	StartTime      time.Time      `json:"start_time"`
	EndTime        *time.Time     `json:"end_time,omitempty"`
	ExecutionTime  float64        `json:"execution_time"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	ResultSummary  map[string]any `json:"result_summary,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	ItemsCollected int64          `json:"items_collected"`
	ItemsProcessed int64          `json:"items_processed"`
	ItemsFailed    int64          `json:"items_failed"`
}
