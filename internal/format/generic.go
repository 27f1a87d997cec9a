package format

// GenericFormatter renders tools it knows nothing about. Used by jsonl
// runners whose tool vocabulary is open-ended.
type GenericFormatter struct{}

// NewGenericFormatter returns the fallback formatter.
func NewGenericFormatter() *GenericFormatter {
	return &GenericFormatter{}
}

func (f *GenericFormatter) ActionName(toolName string, input map[string]any, isError bool) string {
	if isError {
		return "Failed: " + toolName
	}
	return "Using " + toolName
}

func (f *GenericFormatter) Parameter(toolName string, input map[string]any) string {
	return summarizeInput(input)
}

func (f *GenericFormatter) Result(toolName string, input map[string]any, raw string, isError bool) string {
	header := f.ActionName(toolName, input, isError)
	if raw == "" {
		return header
	}
	return header + "\n\n" + fence(truncateResult(raw))
}
