package model

import "errors"

// Outcome classifies the result of a dashboard-facing operation.
type Outcome string

const (
	OutcomeOK         Outcome = "ok"
	OutcomePartial    Outcome = "partial"
	OutcomeInProgress Outcome = "in_progress"
	OutcomeFailed     Outcome = "failed"
)

// ErrorInfo is the structured form of an error crossing the dashboard boundary.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// NewErrorInfo describes err. It returns nil for a nil error.
func NewErrorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	info := &ErrorInfo{Kind: KindOf(err), Message: err.Error()}

	var (
		syntaxErr *ConfigSyntaxError
		reloadErr *ReloadError
	)
	switch {
	case errors.As(err, &syntaxErr):
		info.Message = "proxy rejected the generated config"
		info.Detail = syntaxErr.Output
	case errors.As(err, &reloadErr):
		info.Message = "proxy reload failed"
		info.Detail = reloadErr.Detail
	}
	return info
}
