package pact

// ResultKind tags which variant of an EmulatorResult is populated. The zero
// value is neither.
type ResultKind int

const (
	ResultResponse ResultKind = iota + 1
	ResultError
)

func (k ResultKind) String() string {
	switch k {
	case ResultResponse:
		return "response"
	case ResultError:
		return "error"
	}
	return "unknown"
}

// EmulatorError describes why an interaction could not be replayed.
type EmulatorError struct {
	Message string
	Trace   string
}

func (e *EmulatorError) Error() string {
	return e.Message
}

// EmulatorResult is either the Response captured from the provider or an
// EmulatorError. Exactly one variant is populated.
type EmulatorResult struct {
	kind     ResultKind
	response Response
	err      *EmulatorError
}

func ResponseResult(response Response) EmulatorResult {
	return EmulatorResult{kind: ResultResponse, response: response}
}

func ErrorResult(message, trace string) EmulatorResult {
	return EmulatorResult{kind: ResultError, err: &EmulatorError{Message: message, Trace: trace}}
}

func (r EmulatorResult) Kind() ResultKind { return r.kind }

func (r EmulatorResult) Response() (Response, bool) {
	return r.response, r.kind == ResultResponse
}

func (r EmulatorResult) Err() (*EmulatorError, bool) {
	return r.err, r.kind == ResultError
}

// VerificationResult is the verdict for a single interaction. Reason is set
// only when Verified is false.
type VerificationResult struct {
	Verified bool
	Reason   string
}

func Verified() VerificationResult {
	return VerificationResult{Verified: true}
}

func Unverified(reason string) VerificationResult {
	if reason == "" {
		reason = "interaction was not verified"
	}
	return VerificationResult{Verified: false, Reason: reason}
}
