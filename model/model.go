package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type JobStatus string

const (
	StatusNew       JobStatus = "New"
	StatusQueued    JobStatus = "Queued"
	StatusScheduled JobStatus = "Scheduled"
	StatusRunning   JobStatus = "Running"
	StatusCompleted JobStatus = "Completed"
	StatusFailed    JobStatus = "Failed"
	StatusCanceled  JobStatus = "Canceled"
)

// ActiveStatuses are the statuses the watchdog scans.
var ActiveStatuses = []JobStatus{StatusNew, StatusQueued, StatusScheduled, StatusRunning}

var validStatus = map[JobStatus]struct{}{
	StatusNew:       {},
	StatusQueued:    {},
	StatusScheduled: {},
	StatusRunning:   {},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCanceled:  {},
}

func IsValidStatus(s string) bool {
	_, ok := validStatus[JobStatus(s)]
	return ok
}

func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

const (
	ProblemDeadlinePassed = "orca://problems/job/deadline-passed"
	ProblemTimeoutPassed  = "orca://problems/job/timeout-passed"
	ProblemStartFailure   = "orca://problems/job/start-failure"
	ProblemJobFailed      = "orca://problems/job/failed"
)

// Problem is a structured error attached to a job or execution.
type Problem struct {
	Type   string `json:"type" msgpack:"type"`
	Title  string `json:"title,omitempty" msgpack:"title"`
	Detail string `json:"detail,omitempty" msgpack:"detail"`
}

// Tracker correlates a job with everything derived from it.
type Tracker struct {
	ID    string `json:"id" yaml:"id" msgpack:"id"`
	Label string `json:"label,omitempty" yaml:"label" msgpack:"label"`
}

type NotificationEndpoint struct {
	HTTPEndpoint string `json:"httpEndpoint" yaml:"httpEndpoint" msgpack:"httpEndpoint"`
}

// Job represents a unit of requested work and its current lifecycle status.
type Job struct {
	ID                   string                `json:"id" msgpack:"id"`
	Status               JobStatus             `json:"status" msgpack:"status"`
	JobProfileRef        string                `json:"jobProfileRef" msgpack:"jobProfileRef"`
	JobInput             map[string]any        `json:"jobInput,omitempty" msgpack:"jobInput"`
	JobOutput            map[string]any        `json:"jobOutput,omitempty" msgpack:"jobOutput"`
	Error                *Problem              `json:"error,omitempty" msgpack:"error"`
	Progress             *int                  `json:"progress,omitempty" msgpack:"progress"`
	Tracker              *Tracker              `json:"tracker,omitempty" msgpack:"tracker"`
	NotificationEndpoint *NotificationEndpoint `json:"notificationEndpoint,omitempty" msgpack:"notificationEndpoint"`
	Deadline             *time.Time            `json:"deadline,omitempty" msgpack:"deadline"`
	Timeout              *int                  `json:"timeout,omitempty" msgpack:"timeout"` // minutes
	ExecutionRef         string                `json:"executionRef,omitempty" msgpack:"executionRef"`
	DateCreated          time.Time             `json:"dateCreated" msgpack:"dateCreated"`
	DateModified         time.Time             `json:"dateModified" msgpack:"dateModified"`
}

// Execution is one attempt at carrying out a Job.
type Execution struct {
	ID               string         `json:"id"`
	JobID            string         `json:"jobId"`
	Number           int            `json:"number"`
	Status           JobStatus      `json:"status"`
	JobAssignmentRef string         `json:"jobAssignmentRef,omitempty"`
	ActualStartDate  *time.Time     `json:"actualStartDate,omitempty"`
	ActualEndDate    *time.Time     `json:"actualEndDate,omitempty"`
	ActualDuration   int64          `json:"actualDuration"` // milliseconds
	Error            *Problem       `json:"error,omitempty"`
	Progress         *int           `json:"progress,omitempty"`
	JobOutput        map[string]any `json:"jobOutput,omitempty"`
	Tracker          *Tracker       `json:"tracker,omitempty"`
	DateCreated      time.Time      `json:"dateCreated"`
	DateModified     time.Time      `json:"dateModified"`
}

// MutexRecord is the stored lock item. Ownership holds only while both Holder
// and Token match the stored record.
type MutexRecord struct {
	Holder    string    `json:"holder"`
	Token     string    `json:"token"`
	Timestamp time.Time `json:"timestamp"`
}

// Notification is what a worker reports back for one Execution.
type Notification struct {
	Status    JobStatus      `json:"status"`
	Progress  *int           `json:"progress,omitempty"`
	Error     *Problem       `json:"error,omitempty"`
	JobOutput map[string]any `json:"jobOutput,omitempty"`
}

// JobRequest is the incoming API payload before persistence.
type JobRequest struct {
	JobProfileRef        string                `json:"jobProfileRef" yaml:"jobProfileRef"`
	JobInput             map[string]any        `json:"jobInput" yaml:"jobInput"`
	Tracker              *Tracker              `json:"tracker,omitempty" yaml:"tracker"`
	NotificationEndpoint *NotificationEndpoint `json:"notificationEndpoint,omitempty" yaml:"notificationEndpoint"`
	Deadline             *time.Time            `json:"deadline,omitempty" yaml:"deadline"`
	Timeout              *int                  `json:"timeout,omitempty" yaml:"timeout"`
}

// AssignmentRequest asks a worker service to create a Job Assignment.
type AssignmentRequest struct {
	JobID                string         `json:"jobId"`
	ExecutionID          string         `json:"executionId"`
	JobProfileRef        string         `json:"jobProfileRef"`
	JobInput             map[string]any `json:"jobInput,omitempty"`
	Tracker              *Tracker       `json:"tracker,omitempty"`
	NotificationEndpoint string         `json:"notificationEndpoint"`
}

// OperationInput is the payload of an asynchronous lifecycle invocation.
type OperationInput struct {
	JobID           string        `json:"jobId"`
	ExecutionNumber int           `json:"executionNumber,omitempty"`
	Notification    *Notification `json:"notification,omitempty"`
	Problem         *Problem      `json:"problem,omitempty"`
}

func ExecutionRef(jobID string, n int) string {
	return fmt.Sprintf("%s/executions/%d", jobID, n)
}

func ParseExecutionRef(ref string) (string, int, error) {
	jobID, num, ok := strings.Cut(ref, "/executions/")
	if !ok || jobID == "" {
		return "", 0, fmt.Errorf("invalid execution ref %q", ref)
	}
	n, err := strconv.Atoi(num)
	if err != nil || n < 1 {
		return "", 0, fmt.Errorf("invalid execution number in ref %q", ref)
	}
	return jobID, n, nil
}
