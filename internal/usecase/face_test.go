package usecase

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/etourism/face-gateway/internal/facerec"
	"github.com/etourism/face-gateway/internal/ingest"
	"github.com/etourism/face-gateway/internal/logging"
	"github.com/etourism/face-gateway/internal/repository"
)

type stubRepository struct {
	savedEvents []*repository.FaceEvent
	saveErr     error
	findEvent   *repository.FaceEvent
	findErr     error
	findCalls   int
	aggregation *repository.MetricsAggregation
}

func (s *stubRepository) SaveEvent(ctx context.Context, event *repository.FaceEvent) error {
	s.savedEvents = append(s.savedEvents, event)
	return s.saveErr
}

func (s *stubRepository) FindByRequestID(ctx context.Context, requestID string) (*repository.FaceEvent, error) {
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findEvent != nil {
		return s.findEvent, nil
	}
	return nil, errors.New("not found")
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	if s.aggregation != nil {
		return s.aggregation, nil
	}
	return &repository.MetricsAggregation{}, nil
}

type stubCache struct {
	setErrs []error
	setKeys []string
	values  map[string]string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	if value, ok := s.values[key]; ok {
		return value, nil
	}
	return "", errors.New("missing")
}

type stubClient struct {
	searchResults []facerec.MatchCandidate
	searchErr     error
	searchCalls   int
	lastQuery     facerec.SearchQuery

	verifyResult *facerec.VerificationResult
	verifyErr    error
	verifyCalls  int

	createdPerson *facerec.Person
	createErr     error
	createCalls   int

	persons    []facerec.Person
	person     *facerec.Person
	getErr     error
	collection *facerec.Collection

	setCollectionsCalls int
	lastCollectionIDs   []string
	deleteCalls         int
	deleteErr           error
}

func (s *stubClient) Search(ctx context.Context, query facerec.SearchQuery) ([]facerec.MatchCandidate, error) {
	s.searchCalls++
	s.lastQuery = query
	return s.searchResults, s.searchErr
}

func (s *stubClient) Verify(ctx context.Context, personID string, imagePaths []string) (*facerec.VerificationResult, error) {
	s.verifyCalls++
	return s.verifyResult, s.verifyErr
}

func (s *stubClient) ListPersons(ctx context.Context) ([]facerec.Person, error) {
	return s.persons, nil
}

func (s *stubClient) CreatePerson(ctx context.Context, person facerec.NewPerson) (*facerec.Person, error) {
	s.createCalls++
	return s.createdPerson, s.createErr
}

func (s *stubClient) GetPerson(ctx context.Context, id string) (*facerec.Person, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.person, nil
}

func (s *stubClient) SetPersonCollections(ctx context.Context, id string, collectionIDs []string) (*facerec.Person, error) {
	s.setCollectionsCalls++
	s.lastCollectionIDs = collectionIDs
	return s.person, nil
}

func (s *stubClient) DeletePerson(ctx context.Context, id string) error {
	s.deleteCalls++
	return s.deleteErr
}

func (s *stubClient) GetCollection(ctx context.Context, id string) (*facerec.Collection, error) {
	return s.collection, nil
}

func testImage(t *testing.T) ingest.Reference {
	t.Helper()
	ref, err := ingest.New(t.TempDir()).SaveUpload("probe", "image/jpeg", bytes.NewReader([]byte{1, 2, 3}))
	if err != nil {
		t.Fatalf("failed to save test image: %v", err)
	}
	return ref
}

func newTestUseCase(client *stubClient, cache *stubCache, repo *stubRepository) *FaceUseCase {
	return NewFaceUseCase(repo, cache, client, zap.NewNop())
}

func TestMatchEmptySearchShortCircuits(t *testing.T) {
	client := &stubClient{}
	uc := newTestUseCase(client, &stubCache{}, &stubRepository{})

	outcome, err := uc.Match(context.Background(), "person-1", testImage(t))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if outcome.Found {
		t.Fatal("expected Found=false on empty search")
	}
	if outcome.Matched {
		t.Fatal("expected Matched=false on empty search")
	}
	if client.verifyCalls != 0 {
		t.Fatalf("expected no verification call, got %d", client.verifyCalls)
	}
}

func TestMatchEscalatesWhenTopCandidateMatchesClaim(t *testing.T) {
	person := facerec.Person{ID: "person-1", Name: "Alice", Collections: []facerec.Collection{{ID: "c1", Name: "Reserved Guests"}}}
	client := &stubClient{
		searchResults: []facerec.MatchCandidate{{Person: person, Score: 0.82}},
		verifyResult:  &facerec.VerificationResult{Person: person, Score: 0.97},
	}
	uc := newTestUseCase(client, &stubCache{}, &stubRepository{})

	outcome, err := uc.Match(context.Background(), "person-1", testImage(t))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if client.verifyCalls != 1 {
		t.Fatalf("expected exactly one verification call, got %d", client.verifyCalls)
	}
	if !outcome.Found || !outcome.Matched {
		t.Fatalf("expected found+matched outcome, got %+v", outcome)
	}
	if outcome.Score != 0.97 {
		t.Fatalf("expected authoritative verification score, got %f", outcome.Score)
	}
	if outcome.Reserved == nil || !*outcome.Reserved {
		t.Fatalf("expected reserved=true, got %v", outcome.Reserved)
	}
}

func TestMatchMismatchSkipsVerification(t *testing.T) {
	other := facerec.Person{ID: "person-2", Name: "Bob"}
	client := &stubClient{
		searchResults: []facerec.MatchCandidate{{Person: other, Score: 0.88}},
	}
	uc := newTestUseCase(client, &stubCache{}, &stubRepository{})

	outcome, err := uc.Match(context.Background(), "person-1", testImage(t))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if client.verifyCalls != 0 {
		t.Fatalf("expected no verification call, got %d", client.verifyCalls)
	}
	if !outcome.Found {
		t.Fatal("expected Found=true for a mismatching candidate")
	}
	if outcome.Matched {
		t.Fatal("expected Matched=false for a mismatching candidate")
	}
	if outcome.PersonID != "person-2" || outcome.Score != 0.88 {
		t.Fatalf("expected mismatch candidate reported as-is, got %+v", outcome)
	}
}

func TestMatchCachesOutcomeAndRecordsEvent(t *testing.T) {
	cache := &stubCache{}
	repo := &stubRepository{}
	client := &stubClient{
		searchResults: []facerec.MatchCandidate{{Person: facerec.Person{ID: "person-1", Name: "Alice"}, Score: 0.9}},
		verifyResult:  &facerec.VerificationResult{Person: facerec.Person{ID: "person-1", Name: "Alice"}, Score: 0.95},
	}
	uc := newTestUseCase(client, cache, repo)

	outcome, err := uc.Match(context.Background(), "person-1", testImage(t))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(cache.setKeys) != 2 {
		t.Fatalf("expected processing flag + result cache writes, got %d", len(cache.setKeys))
	}
	if cache.setKeys[0] != cache.setKeys[1] {
		t.Fatalf("expected both writes on the same key, got %s and %s", cache.setKeys[0], cache.setKeys[1])
	}
	if len(repo.savedEvents) != 1 {
		t.Fatalf("expected one audit event, got %d", len(repo.savedEvents))
	}
	event := repo.savedEvents[0]
	if event.Operation != "match" || event.RequestID != outcome.RequestID || !event.Matched {
		t.Fatalf("unexpected audit event: %+v", event)
	}
}

func TestMatchRetriesTransientCacheErrors(t *testing.T) {
	cache := &stubCache{setErrs: []error{transientCacheError{}}}
	client := &stubClient{}
	uc := newTestUseCase(client, cache, &stubRepository{})

	if _, err := uc.Match(context.Background(), "person-1", testImage(t)); err != nil {
		t.Fatalf("expected success after retry, got error: %v", err)
	}
	if len(cache.setKeys) < 3 {
		t.Fatalf("expected at least 3 cache set calls (retry + result), got %d", len(cache.setKeys))
	}
}

func TestMatchReturnsOperationErrorOnCacheFailure(t *testing.T) {
	cache := &stubCache{setErrs: []error{errors.New("boom")}}
	uc := newTestUseCase(&stubClient{}, cache, &stubRepository{})

	_, err := uc.Match(context.Background(), "person-1", testImage(t))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "cache.set.processing" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
}

type transientCacheError struct{}

func (transientCacheError) Error() string   { return "cache transient" }
func (transientCacheError) Timeout() bool   { return true }
func (transientCacheError) Temporary() bool { return true }

func TestRegisterOrFindCreatesWhenNoMatch(t *testing.T) {
	client := &stubClient{createdPerson: &facerec.Person{ID: "new-id", Name: "Alice"}}
	uc := newTestUseCase(client, &stubCache{}, &stubRepository{})

	result, err := uc.RegisterOrFind(context.Background(), "Alice", testImage(t))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if result.Existing {
		t.Fatal("expected a fresh registration")
	}
	if result.PersonID != "new-id" {
		t.Fatalf("expected new person id, got %q", result.PersonID)
	}
	if client.createCalls != 1 {
		t.Fatalf("expected one create call, got %d", client.createCalls)
	}
}

func TestRegisterOrFindReturnsExistingIdentity(t *testing.T) {
	client := &stubClient{
		searchResults: []facerec.MatchCandidate{{Person: facerec.Person{ID: "existing-id", Name: "Alice"}, Score: 0.93}},
	}
	uc := newTestUseCase(client, &stubCache{}, &stubRepository{})

	result, err := uc.RegisterOrFind(context.Background(), "Someone Else", testImage(t))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if !result.Existing {
		t.Fatal("expected dedup to win over the new name")
	}
	if result.PersonID != "existing-id" || result.PersonName != "Alice" {
		t.Fatalf("expected existing identity, got %+v", result)
	}
	if client.createCalls != 0 {
		t.Fatalf("expected no create call, got %d", client.createCalls)
	}
}

func TestSearchUsesFixedPolicy(t *testing.T) {
	client := &stubClient{}
	uc := newTestUseCase(client, &stubCache{}, &stubRepository{})

	hit, err := uc.Search(context.Background(), testImage(t))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if hit != nil {
		t.Fatalf("expected nil hit on empty search, got %+v", hit)
	}
	if client.lastQuery.MinScore != 0.7 {
		t.Fatalf("min score = %f, want 0.7", client.lastQuery.MinScore)
	}
	if client.lastQuery.Mode != facerec.SearchModeFast {
		t.Fatalf("mode = %q, want FAST", client.lastQuery.Mode)
	}
}

func TestSearchHistoricalGuardsShortResults(t *testing.T) {
	cases := []struct {
		candidates int
		want       int
	}{
		{candidates: 0, want: 0},
		{candidates: 1, want: 1},
		{candidates: 2, want: 2},
		{candidates: 5, want: 3},
	}

	for _, tc := range cases {
		results := make([]facerec.MatchCandidate, tc.candidates)
		for i := range results {
			results[i] = facerec.MatchCandidate{Person: facerec.Person{ID: "p", Name: "n"}, Score: 0.9}
		}
		client := &stubClient{searchResults: results}
		uc := newTestUseCase(client, &stubCache{}, &stubRepository{})

		matches, err := uc.SearchHistorical(context.Background(), testImage(t), "hist-1")
		if err != nil {
			t.Fatalf("expected success, got error: %v", err)
		}
		if len(matches) != tc.want {
			t.Fatalf("candidates=%d: got %d matches, want %d", tc.candidates, len(matches), tc.want)
		}
		if len(client.lastQuery.CollectionIDs) != 1 || client.lastQuery.CollectionIDs[0] != "hist-1" {
			t.Fatalf("expected collection scope, got %v", client.lastQuery.CollectionIDs)
		}
	}
}

func TestReservedFlag(t *testing.T) {
	if got := ReservedFlag(nil); got != nil {
		t.Fatalf("expected nil for empty memberships, got %v", *got)
	}

	got := ReservedFlag([]facerec.Collection{{Name: "Historical Figures"}})
	if got == nil || *got {
		t.Fatalf("expected false for non-matching memberships, got %v", got)
	}

	got = ReservedFlag([]facerec.Collection{{Name: "Historical"}, {Name: "Reserved Guests"}})
	if got == nil || !*got {
		t.Fatalf("expected true when any membership contains Reserved, got %v", got)
	}

	// The check is case-sensitive.
	got = ReservedFlag([]facerec.Collection{{Name: "reserved guests"}})
	if got == nil || *got {
		t.Fatalf("expected false for lowercase membership, got %v", got)
	}
}

func TestLookupByIDMapsNotFoundToNil(t *testing.T) {
	client := &stubClient{getErr: &facerec.UpstreamError{Status: 404, Code: "ERR_PERSON_NOT_FOUND", Message: "missing"}}
	uc := newTestUseCase(client, &stubCache{}, &stubRepository{})

	summary, err := uc.LookupByID(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("expected nil error for missing person, got %v", err)
	}
	if summary != nil {
		t.Fatalf("expected nil summary, got %+v", summary)
	}
}

func TestReserveReplacesCollections(t *testing.T) {
	client := &stubClient{
		person:     &facerec.Person{ID: "person-1", Name: "Alice"},
		collection: &facerec.Collection{ID: "res-coll", Name: "Reserved Persons"},
	}
	uc := newTestUseCase(client, &stubCache{}, &stubRepository{})

	result, err := uc.Reserve(context.Background(), "person-1", "res-coll")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if client.setCollectionsCalls != 1 {
		t.Fatalf("expected one membership update, got %d", client.setCollectionsCalls)
	}
	if len(client.lastCollectionIDs) != 1 || client.lastCollectionIDs[0] != "res-coll" {
		t.Fatalf("expected memberships replaced with the reservation collection, got %v", client.lastCollectionIDs)
	}
	if result.CollectionName != "Reserved Persons" {
		t.Fatalf("unexpected collection name: %q", result.CollectionName)
	}
}

func TestMatchResultFallsBackToRepository(t *testing.T) {
	repo := &stubRepository{findEvent: &repository.FaceEvent{
		RequestID:  "req-1",
		Operation:  "match",
		PersonID:   "person-1",
		PersonName: "Alice",
		Score:      0.9,
		Matched:    true,
	}}
	uc := newTestUseCase(&stubClient{}, &stubCache{}, repo)

	outcome, err := uc.MatchResult(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if repo.findCalls != 1 {
		t.Fatalf("expected one repository read, got %d", repo.findCalls)
	}
	if outcome.PersonID != "person-1" || !outcome.Matched {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}

func TestFormatScore(t *testing.T) {
	if got := FormatScore(0.8735); got != "87.35%" {
		t.Fatalf("FormatScore(0.8735) = %q, want 87.35%%", got)
	}
	if got := FormatScore(1); got != "100.00%" {
		t.Fatalf("FormatScore(1) = %q, want 100.00%%", got)
	}
}
