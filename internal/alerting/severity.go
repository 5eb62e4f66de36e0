package alerting

import "minefleet/internal/data"

var builtinSeverities = map[string]data.Severity{
	data.ErrorTypeConnection: data.SeverityHigh,
	data.ErrorTypeTimeout:    data.SeverityMedium,
	data.ErrorTypeRead:       data.SeverityMedium,
	data.ErrorTypeBusy:       data.SeverityLow,
}

// SeverityTable maps device error types to alert severity. Unknown types
// are medium.
type SeverityTable struct {
	byType map[string]data.Severity
}

// NewSeverityTable layers configured overrides over the built-in table.
// Overrides naming an unknown severity are ignored.
func NewSeverityTable(overrides map[string]string) SeverityTable {
	t := SeverityTable{byType: make(map[string]data.Severity, len(builtinSeverities)+len(overrides))}
	for k, v := range builtinSeverities {
		t.byType[k] = v
	}
	for k, v := range overrides {
		switch s := data.Severity(v); s {
		case data.SeverityLow, data.SeverityMedium, data.SeverityHigh, data.SeverityCritical:
			t.byType[k] = s
		}
	}
	return t
}

func (t SeverityTable) For(errorType string) data.Severity {
	if s, ok := t.byType[errorType]; ok {
		return s
	}
	return data.SeverityMedium
}
