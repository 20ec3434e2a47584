package model

import (
	"maps"
	"time"
)

// AcceptNotification reports whether a worker-reported status may be applied
// to a job currently in status current. Terminal states are absorbing and a
// Running job never regresses to Scheduled.
func AcceptNotification(current, reported JobStatus) (bool, string) {
	if current.IsTerminal() {
		return false, "job is in a terminal state"
	}
	if current == StatusRunning && reported == StatusScheduled {
		return false, "regression from Running to Scheduled"
	}
	return true, ""
}

// ComputeDuration returns end-start in milliseconds, or 0 when either bound is
// missing or the bounds are inverted.
func ComputeDuration(start, end *time.Time) int64 {
	if start == nil || end == nil || end.Before(*start) {
		return 0
	}
	return end.Sub(*start).Milliseconds()
}

// Apply moves the execution to the reported status, stamping start and end
// dates the first time they become known, and copies the reported payload.
func (e *Execution) Apply(n Notification, now time.Time) {
	e.setStatus(n.Status, now)
	if n.Error != nil {
		e.Error = n.Error
	}
	if n.Progress != nil {
		p := *n.Progress
		e.Progress = &p
	}
	if n.JobOutput != nil {
		e.JobOutput = maps.Clone(n.JobOutput)
	}
	e.DateModified = now
}

// Finish moves a non-terminal execution into a terminal status.
func (e *Execution) Finish(status JobStatus, problem *Problem, now time.Time) {
	e.setStatus(status, now)
	if problem != nil {
		e.Error = problem
	}
	e.DateModified = now
}

func (e *Execution) setStatus(s JobStatus, now time.Time) {
	e.Status = s
	switch {
	case s == StatusScheduled || s == StatusRunning:
		if e.ActualStartDate == nil {
			t := now
			e.ActualStartDate = &t
		}
	case s.IsTerminal():
		if e.ActualEndDate == nil {
			t := now
			e.ActualEndDate = &t
		}
		e.ActualDuration = ComputeDuration(e.ActualStartDate, e.ActualEndDate)
	}
}

// SyncFrom copies the authoritative fields of the latest execution onto the job.
func (j *Job) SyncFrom(e *Execution, now time.Time) {
	j.Status = e.Status
	j.Error = e.Error
	j.Progress = e.Progress
	j.JobOutput = maps.Clone(e.JobOutput)
	j.ExecutionRef = e.ID
	j.DateModified = now
}

// NewExecution builds execution number n for the job.
func NewExecution(j *Job, n int, now time.Time) *Execution {
	return &Execution{
		ID:           ExecutionRef(j.ID, n),
		JobID:        j.ID,
		Number:       n,
		Status:       StatusNew,
		Tracker:      j.Tracker,
		DateCreated:  now,
		DateModified: now,
	}
}
