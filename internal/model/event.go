package model

// Error codes recorded on failed jobs.
const (
	ErrCodeProvider = "provider_error"
	ErrCodeDispatch = "dispatch_failed"
	ErrCodeTimeout  = "timeout"
)

// JobEvent is the closed set of inputs the job lifecycle accepts.
// Implemented only by Progress, Success, Failure and Cancel.
type JobEvent interface {
	jobEvent()
}

// Outcome is the terminal result a provider reports: Success or Failure.
type Outcome interface {
	JobEvent
	outcome()
}

// Progress reports that the provider is rendering.
type Progress struct {
	Stage   string
	Percent int
}

// Success carries the rendered outputs and the provider-reported cost, if any.
type Success struct {
	Outputs    []string
	CostMicros *int64
}

type Failure struct {
	Code    string
	Message string
}

// Cancel is a user-initiated stop.
type Cancel struct {
	Reason string
}

func (Progress) jobEvent() {}
func (Success) jobEvent()  {}
func (Failure) jobEvent()  {}
func (Cancel) jobEvent()   {}

func (Success) outcome() {}
func (Failure) outcome() {}
