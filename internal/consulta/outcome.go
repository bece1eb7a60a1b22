package consulta

// OutcomeKind tags a StageOutcome.
type OutcomeKind int

// Stage outcome kinds.
const (
	OutcomeFound OutcomeKind = iota + 1
	OutcomeNotFound
	OutcomeCaptchaUnsolved
	OutcomeTransientError
)

// String returns the log label for the kind.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeFound:
		return "found"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeCaptchaUnsolved:
		return "captcha_unsolved"
	case OutcomeTransientError:
		return "transient_error"
	default:
		return "unknown"
	}
}

// StageOutcome is what one stage run produced. Fields is set only for
// OutcomeFound; Err only for OutcomeCaptchaUnsolved and OutcomeTransientError.
type StageOutcome struct {
	Kind   OutcomeKind
	Fields Fields
	Err    error
}

// Found builds a successful outcome.
func Found(fields Fields) StageOutcome {
	return StageOutcome{Kind: OutcomeFound, Fields: fields}
}

// NotFound builds an outcome for a subject absent from the stage's data source.
func NotFound() StageOutcome {
	return StageOutcome{Kind: OutcomeNotFound}
}

// CaptchaUnsolved builds an outcome for a CAPTCHA that could not be solved.
func CaptchaUnsolved(err error) StageOutcome {
	return StageOutcome{Kind: OutcomeCaptchaUnsolved, Err: err}
}

// TransientError builds an outcome for navigation, session, or extraction failures.
func TransientError(err error) StageOutcome {
	return StageOutcome{Kind: OutcomeTransientError, Err: err}
}

// Detail returns the error text, or an empty string.
func (o StageOutcome) Detail() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}
