package spell

// Severity defines the importance of a finding.
type Severity uint8

const (
	// SevError is for findings that must be fixed.
	SevError Severity = iota + 1
	// SevWarning is for warning findings.
	SevWarning
	SevInfo
	SevHint
)

func (s Severity) String() string {
	switch s {
	case SevError:
		return "error"
	case SevWarning:
		return "warning"
	case SevInfo:
		return "info"
	case SevHint:
		return "hint"
	}
	return "unknown"
}

// LSP returns the DiagnosticSeverity number used on the wire.
func (s Severity) LSP() int {
	switch s {
	case SevError, SevWarning, SevInfo, SevHint:
		return int(s)
	}
	return int(SevWarning)
}
