package models

import "time"

// Result is the envelope every control-plane operation returns.
type Result struct {
	Success   bool
	Data      any
	Err       error
	Timestamp time.Time
}

func OkResult(data any, now time.Time) Result {
	return Result{Success: true, Data: data, Timestamp: now}
}

func FailedResult(err error, now time.Time) Result {
	return Result{Success: false, Err: err, Timestamp: now}
}
