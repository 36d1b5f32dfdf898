package types

import (
	"encoding/json"
	"time"
)

// Consultation length bounds, counted in characters.
const (
	MinDetailsLength = 20
	MaxDetailsLength = 5000
)

// Category classifies the subject of a consultation.
type Category string

// Categories the classifier is instructed to choose from.
const (
	CategoryUnityError  Category = "unity-error"
	CategoryMathConcept Category = "math-concept"
	CategoryAssetUsage  Category = "asset-usage"
	CategoryGameDesign  Category = "game-design"
	CategoryOther       Category = "other"
)

// Difficulty is the estimated difficulty of resolving a consultation.
type Difficulty string

// Supported difficulty values.
const (
	DifficultyLow    Difficulty = "low"
	DifficultyMedium Difficulty = "medium"
	DifficultyHigh   Difficulty = "high"
)

// ConsultationRequest is the input to an analysis.
type ConsultationRequest struct {
	// Theme is the short topic chosen by the student. It must be non-empty.
	Theme string `json:"theme"`

	// Details is the free-text body, between MinDetailsLength and
	// MaxDetailsLength characters.
	Details string `json:"details"`
}

// RecommendedResource is a catalogue entry picked by the classifier.
type RecommendedResource struct {
	// ID references a Resource in the catalogue.
	ID string `json:"id"`

	// Reason explains why the resource was recommended.
	Reason string `json:"reason"`
}

// AnalysisResult is the structured output of the classifier.
// The shape is requested from the service, not enforced: fields may be
// missing or carry unexpected values.
type AnalysisResult struct {
	// Summary is a short summary of the consultation (about 100 characters).
	Summary string `json:"summary"`

	// Category classifies the consultation.
	Category Category `json:"category"`

	// Difficulty is the estimated difficulty.
	Difficulty Difficulty `json:"difficulty"`

	// KeyIssues lists the main problems identified.
	KeyIssues []string `json:"keyIssues"`

	// SuggestedSolution is a concrete proposal (about 200 characters).
	SuggestedSolution string `json:"suggestedSolution"`

	// NextSteps lists what the student should do next.
	NextSteps []string `json:"nextSteps"`

	// RecommendedResources lists up to three catalogue entries.
	RecommendedResources []RecommendedResource `json:"recommendedResources"`

	// EstimatedTime is a free-form estimate such as "30分".
	EstimatedTime string `json:"estimatedTime"`

	// Tags are free-form labels.
	Tags []string `json:"tags"`

	// Raw is the JSON document exactly as returned by the service.
	Raw json.RawMessage `json:"-"`
}

// MarshalJSON emits the service's document unchanged when it is available.
func (a AnalysisResult) MarshalJSON() ([]byte, error) {
	if len(a.Raw) > 0 {
		return a.Raw, nil
	}
	type plain AnalysisResult
	return json.Marshal(plain(a))
}

// SelfEvaluation is the student's reflection recorded with a consultation.
type SelfEvaluation struct {
	Success    string `json:"success"`
	Challenges string `json:"challenges"`
	NextSteps  string `json:"nextSteps"`
}

// ConsultationStatus is the lifecycle state of a saved consultation.
type ConsultationStatus string

// ConsultationStatusCompleted marks a consultation that went through analysis.
const ConsultationStatusCompleted ConsultationStatus = "completed"

// Consultation is a saved consultation with its analysis.
type Consultation struct {
	// ID is the unique identifier of the consultation.
	ID string `json:"id" db:"id"`

	// StudentEmail identifies the student who submitted it.
	StudentEmail string `json:"student_email" db:"student_email"`

	// LessonNumber is the lesson the consultation belongs to; 0 when unknown.
	LessonNumber int `json:"lesson_number" db:"lesson_number"`

	// Theme is the topic chosen by the student.
	Theme string `json:"theme" db:"theme"`

	// Details is the body as submitted by the student.
	Details string `json:"details" db:"details"`

	// Analysis is the classifier output the student accepted.
	Analysis json.RawMessage `json:"analysis" db:"analysis"`

	// SelfEvaluation is the student's reflection.
	SelfEvaluation SelfEvaluation `json:"self_evaluation" db:"self_evaluation"`

	// Status is the lifecycle state.
	Status ConsultationStatus `json:"status" db:"status"`

	// Tags are copied from the analysis for filtering.
	Tags []string `json:"tags" db:"tags"`

	// Resolved marks the consultation as resolved.
	Resolved bool `json:"resolved" db:"resolved"`

	// RecommendedResources are copied from the analysis.
	RecommendedResources []RecommendedResource `json:"recommended_resources" db:"recommended_resources"`

	// CreatedAt is when the consultation was saved.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt is when the consultation last changed.
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
