package transfer

import (
	"errors"
	"fmt"
)

// MaxRetries is the retry count at which every failure becomes terminal.
const MaxRetries = 3

// Outcome is the result of one job execution as seen by a Job Driver.
type Outcome int

const (
	Success Outcome = iota
	RetryableFailure
	TerminalFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case RetryableFailure:
		return "retryable_failure"
	case TerminalFailure:
		return "terminal_failure"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Verdict tells the Job Driver whether to reschedule a job.
type Verdict struct {
	Outcome Outcome
	Err     error
}

func Succeeded() Verdict {
	return Verdict{Outcome: Success}
}

func Retryable(err error) Verdict {
	return Verdict{Outcome: RetryableFailure, Err: err}
}

func Terminal(err error) Verdict {
	return Verdict{Outcome: TerminalFailure, Err: err}
}

func (v Verdict) ShouldRetry() bool {
	return v.Outcome == RetryableFailure
}

func (v Verdict) String() string {
	if v.Err == nil {
		return v.Outcome.String()
	}

	return fmt.Sprintf("%s: %v", v.Outcome, v.Err)
}

// Classify maps err to a Verdict. retryCount is the count after the failure
// was recorded; once it reaches MaxRetries the verdict is terminal regardless
// of the error kind.
func Classify(err error, retryCount int) Verdict {
	if err == nil {
		return Succeeded()
	}

	var (
		netErr       *NetworkError
		configErr    *ConfigurationError
		malformedErr *MalformedJobError
		unclassified *UnclassifiedError
	)

	var v Verdict

	switch {
	case errors.As(err, &configErr), errors.As(err, &malformedErr):
		return Terminal(err)
	case errors.As(err, &netErr), errors.As(err, &unclassified):
		v = Retryable(err)
	default:
		v = Retryable(&UnclassifiedError{Err: err})
	}

	if retryCount >= MaxRetries {
		return Terminal(v.Err)
	}

	return v
}

// Reason renders err the way it is persisted as a download's failure reason.
func Reason(err error) string {
	var configErr *ConfigurationError
	if errors.As(err, &configErr) {
		return configErr.Error()
	}

	return err.Error()
}
