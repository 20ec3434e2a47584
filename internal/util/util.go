package util

import (
	"fmt"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const executionNumberWidth = 10

func RecordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// GetOutputPath is the object key under which a completed execution's output is archived.
func GetOutputPath(jobID string, execution int) string {
	return fmt.Sprintf("jobs/%s/executions/%d/output.json", jobID, execution)
}

func GetJobCacheKey(jobID string) string {
	return fmt.Sprintf("job:%s", jobID)
}

func GetExecutionPartition(jobID string) string {
	return fmt.Sprintf("executions/%s", jobID)
}

// GetExecutionSortKey zero-pads n so lexical order matches numeric order.
func GetExecutionSortKey(n int) string {
	return fmt.Sprintf("%0*d", executionNumberWidth, n)
}

func ParseExecutionSortKey(key string) (int, error) {
	n, err := strconv.Atoi(key)
	if err != nil {
		return 0, fmt.Errorf("invalid execution sort key %q: %w", key, err)
	}
	return n, nil
}

// GetNotificationEndpoint is the callback URL a worker posts status updates to
// for one execution.
func GetNotificationEndpoint(baseURL, jobID string, execution int) string {
	return fmt.Sprintf("%s/jobs/%s/executions/%d/notifications", strings.TrimRight(baseURL, "/"), jobID, execution)
}
