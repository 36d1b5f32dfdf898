package types

// ResourceType tags a catalogue entry.
type ResourceType string

// Supported resource types.
const (
	ResourceTypeMentoringTool ResourceType = "mentoring-tool"
	ResourceTypeCodeSnippet   ResourceType = "code-snippet"
	ResourceTypeLearningTheme ResourceType = "learning-theme"
	ResourceTypeExternalLink  ResourceType = "external-link"
)

// Valid reports whether t is a supported resource type.
func (t ResourceType) Valid() bool {
	switch t {
	case ResourceTypeMentoringTool, ResourceTypeCodeSnippet, ResourceTypeLearningTheme, ResourceTypeExternalLink:
		return true
	default:
		return false
	}
}

// Resource is a learning material the classifier may recommend by ID.
type Resource struct {
	ID          string       `json:"id" yaml:"id"`
	Type        ResourceType `json:"type" yaml:"type"`
	Title       string       `json:"title" yaml:"title"`
	Description string       `json:"description" yaml:"description"`
	URL         string       `json:"url,omitempty" yaml:"url,omitempty"`
}
