package gateway

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrNotAuthorized marks fatal credential/scope failures (401/403). Callers
// abort the run and flip the connection-status flag instead of retrying.
var ErrNotAuthorized = errors.New("marketplace: not authorized")

// TransientError wraps failures worth retrying: network errors, 5xx, timeouts.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// DuplicateReportError is returned when the platform rejects a report
// submission as a duplicate of one it is already producing. It carries the
// existing report's id, which callers adopt as the canonical id.
type DuplicateReportError struct {
	ReportID string
}

func (e *DuplicateReportError) Error() string {
	return fmt.Sprintf("duplicate report submission, existing id %s", e.ReportID)
}

// duplicateIDPattern matches the platform's free-text duplicate message,
// e.g. "Report request is a duplicate of: 3f9a1c2e-0b1d-4c2a-9e7f-abcd".
var duplicateIDPattern = regexp.MustCompile(`duplicate of:\s*([A-Za-z0-9-]+)`)

// extractDuplicateID pulls the existing report id out of the platform's
// duplicate-submission error text. It returns "" when the text does not
// carry the pattern, in which case the caller treats the response as a hard
// submission failure rather than a silent pass. Free-text parsing is
// confined to this one function.
func extractDuplicateID(body string) string {
	m := duplicateIDPattern.FindStringSubmatch(body)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}
