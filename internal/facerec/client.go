package facerec

import "context"

// Client is the narrow capability surface of the recognition backend used by
// the orchestration layer. All detection, embedding, and scoring work happens
// behind this boundary.
type Client interface {
	// Search runs a one-to-many search and returns candidates ordered by
	// descending score. An empty result means no sufficiently similar face
	// exists; the backend applies the MinScore threshold itself.
	Search(ctx context.Context, query SearchQuery) ([]MatchCandidate, error)

	// Verify runs a stricter one-to-one check of the probe images against a
	// specific person.
	Verify(ctx context.Context, personID string, imagePaths []string) (*VerificationResult, error)

	ListPersons(ctx context.Context) ([]Person, error)
	CreatePerson(ctx context.Context, person NewPerson) (*Person, error)
	GetPerson(ctx context.Context, id string) (*Person, error)
	SetPersonCollections(ctx context.Context, id string, collectionIDs []string) (*Person, error)
	DeletePerson(ctx context.Context, id string) error
	GetCollection(ctx context.Context, id string) (*Collection, error)
}
