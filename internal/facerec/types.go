package facerec

// SearchMode selects the quality/speed tradeoff of the backend matcher.
type SearchMode string

const (
	SearchModeFast     SearchMode = "FAST"
	SearchModeAccurate SearchMode = "ACCURATE"
)

// Collection is a named grouping of persons in the recognition backend.
type Collection struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Person is a person record owned by the recognition backend. It is never
// cached by this service; every read goes back to the backend.
type Person struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Collections []Collection `json:"collections"`
}

// NewPerson is the payload for enrolling a person from probe images.
type NewPerson struct {
	Name       string
	ImagePaths []string
}

// SearchQuery describes a one-to-many search. Immutable once built.
type SearchQuery struct {
	ImagePaths    []string
	MinScore      float64
	Mode          SearchMode
	CollectionIDs []string
}

// MatchCandidate is one entry of a search result. Candidates arrive ordered
// by descending score; index 0 is the best match.
type MatchCandidate struct {
	Person Person
	Score  float64
}

// VerificationResult is the outcome of a one-to-one verification call.
type VerificationResult struct {
	Person Person
	Score  float64
}
