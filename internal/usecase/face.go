package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/etourism/face-gateway/internal/facerec"
	"github.com/etourism/face-gateway/internal/ingest"
	"github.com/etourism/face-gateway/internal/logging"
	"github.com/etourism/face-gateway/internal/repository"
)

// Fixed search policy. The backend applies the threshold; nothing re-filters
// locally.
const (
	searchMinScore = 0.7
	historicalTopN = 3
)

// EventRepository defines the audit persistence needed by the use case.
type EventRepository interface {
	SaveEvent(ctx context.Context, event *repository.FaceEvent) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.FaceEvent, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// FaceUseCase orchestrates image search, verification, and person management
// against the recognition backend.
type FaceUseCase struct {
	repo           EventRepository
	cache          Cache
	client         facerec.Client
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewFaceUseCase constructs a new use case instance.
func NewFaceUseCase(repo EventRepository, cache Cache, client facerec.Client, logger *zap.Logger) *FaceUseCase {
	return &FaceUseCase{
		repo:           repo,
		cache:          cache,
		client:         client,
		logger:         logger.Named("face_usecase"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// SearchHit is the best-ranked candidate for a probe image.
type SearchHit struct {
	PersonID   string
	PersonName string
	Score      float64
}

// RankedMatch pairs a person name with a similarity score in a scoped search.
type RankedMatch struct {
	PersonName string
	Score      float64
}

// MatchOutcome is the result of matching a probe image against a claimed
// identity. Found=false means the search came back empty, a neutral
// "different persons" signal rather than a failure. Reserved is nil when the
// person has no collection memberships, so callers can tell "known not
// reserved" from "unknown".
type MatchOutcome struct {
	RequestID  string
	Found      bool
	Matched    bool
	PersonID   string
	PersonName string
	Score      float64
	Reserved   *bool
}

// RegistrationResult reports whether an enrollment reused an existing person.
type RegistrationResult struct {
	Existing   bool
	PersonID   string
	PersonName string
}

// PersonSummary is the lookup view of a person record.
type PersonSummary struct {
	PersonID string
	Name     string
	Reserved *bool
}

// ReservationResult reports the collection a person was reserved into.
type ReservationResult struct {
	PersonID       string
	Name           string
	CollectionName string
}

type cachedOutcome struct {
	RequestID  string    `json:"request_id"`
	Found      bool      `json:"found"`
	Matched    bool      `json:"matched"`
	PersonID   string    `json:"person_id"`
	PersonName string    `json:"person_name"`
	Score      float64   `json:"score"`
	Reserved   *bool     `json:"reserved"`
	CreatedAt  time.Time `json:"created_at"`
}

func (uc *FaceUseCase) newQuery(image ingest.Reference, collectionIDs []string) facerec.SearchQuery {
	return facerec.SearchQuery{
		ImagePaths:    []string{image.Path()},
		MinScore:      searchMinScore,
		Mode:          facerec.SearchModeFast,
		CollectionIDs: collectionIDs,
	}
}

// Search runs a one-to-many search with the fixed policy and returns the top
// candidate, or nil when no sufficiently similar face exists.
func (uc *FaceUseCase) Search(ctx context.Context, image ingest.Reference) (*SearchHit, error) {
	requestID := uuid.NewString()

	candidates, err := uc.client.Search(ctx, uc.newQuery(image, nil))
	if err != nil {
		wrapped := logging.NewOperationError("usecase.search", requestID, err)
		logging.WithOperation(uc.logger, "usecase.search", requestID).Error("backend search failed", zap.Error(wrapped))
		return nil, wrapped
	}

	event := &repository.FaceEvent{
		RequestID: requestID,
		Operation: "search",
		CreatedAt: time.Now().UTC(),
	}
	if len(candidates) == 0 {
		if err := uc.saveEvent(ctx, event); err != nil {
			return nil, err
		}
		return nil, nil
	}

	top := candidates[0]
	event.PersonID = top.Person.ID
	event.PersonName = top.Person.Name
	event.Score = top.Score
	event.Matched = true
	if err := uc.saveEvent(ctx, event); err != nil {
		return nil, err
	}
	return &SearchHit{PersonID: top.Person.ID, PersonName: top.Person.Name, Score: top.Score}, nil
}

// SearchHistorical searches within a single collection and returns at most
// three ranked matches. Fewer candidates yield a shorter list, never an
// index fault.
func (uc *FaceUseCase) SearchHistorical(ctx context.Context, image ingest.Reference, collectionID string) ([]RankedMatch, error) {
	requestID := uuid.NewString()

	candidates, err := uc.client.Search(ctx, uc.newQuery(image, []string{collectionID}))
	if err != nil {
		wrapped := logging.NewOperationError("usecase.search_historical", requestID, err)
		logging.WithOperation(uc.logger, "usecase.search_historical", requestID).Error("backend search failed", zap.Error(wrapped))
		return nil, wrapped
	}

	limit := historicalTopN
	if len(candidates) < limit {
		limit = len(candidates)
	}
	matches := make([]RankedMatch, 0, limit)
	for _, candidate := range candidates[:limit] {
		matches = append(matches, RankedMatch{PersonName: candidate.Person.Name, Score: candidate.Score})
	}

	event := &repository.FaceEvent{
		RequestID: requestID,
		Operation: "search_historical",
		Matched:   len(matches) > 0,
		CreatedAt: time.Now().UTC(),
	}
	if len(candidates) > 0 {
		event.PersonID = candidates[0].Person.ID
		event.PersonName = candidates[0].Person.Name
		event.Score = candidates[0].Score
	}
	if err := uc.saveEvent(ctx, event); err != nil {
		return nil, err
	}
	return matches, nil
}

// Match decides whether a probe image belongs to a claimed person. An empty
// search short-circuits with Found=false and no verification call. When the
// top candidate carries the claimed ID, a stricter one-to-one verification
// supplies the authoritative score and person record; any other candidate is
// reported as-is as a mismatch.
func (uc *FaceUseCase) Match(ctx context.Context, claimedPersonID string, image ingest.Reference) (*MatchOutcome, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.match", requestID)

	cacheKey := resultCacheKey(requestID)
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.processing", func() error {
		return uc.cache.Set(ctx, cacheKey, "processing", time.Minute)
	}); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		return nil, err
	}

	candidates, err := uc.client.Search(ctx, uc.newQuery(image, nil))
	if err != nil {
		wrapped := logging.NewOperationError("usecase.match_search", requestID, err)
		opLogger.Error("backend search failed", zap.Error(wrapped))
		return nil, wrapped
	}

	if len(candidates) == 0 {
		outcome := &MatchOutcome{RequestID: requestID}
		if err := uc.finishMatch(ctx, outcome); err != nil {
			return nil, err
		}
		return outcome, nil
	}

	top := candidates[0]
	person := top.Person
	score := top.Score
	if top.Person.ID == claimedPersonID {
		verification, err := uc.client.Verify(ctx, claimedPersonID, []string{image.Path()})
		if err != nil {
			wrapped := logging.NewOperationError("usecase.match_verify", requestID, err)
			opLogger.Error("backend verification failed", zap.Error(wrapped))
			return nil, wrapped
		}
		person = verification.Person
		score = verification.Score
	}

	outcome := &MatchOutcome{
		RequestID:  requestID,
		Found:      true,
		Matched:    person.ID == claimedPersonID,
		PersonID:   person.ID,
		PersonName: person.Name,
		Score:      score,
		Reserved:   ReservedFlag(person.Collections),
	}
	if err := uc.finishMatch(ctx, outcome); err != nil {
		return nil, err
	}
	return outcome, nil
}

// MatchResult retrieves a previously computed match outcome from the cache,
// falling back to the audit log.
func (uc *FaceUseCase) MatchResult(ctx context.Context, requestID string) (*MatchOutcome, error) {
	cacheKey := resultCacheKey(requestID)
	if cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", cacheKey); err == nil {
		var payload cachedOutcome
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			logging.WithOperation(uc.logger, "usecase.match_result", requestID).Warn("failed to decode cached result", zap.Error(err))
		} else {
			return &MatchOutcome{
				RequestID:  requestID,
				Found:      payload.Found,
				Matched:    payload.Matched,
				PersonID:   payload.PersonID,
				PersonName: payload.PersonName,
				Score:      payload.Score,
				Reserved:   payload.Reserved,
			}, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		logging.WithOperation(uc.logger, "usecase.match_result", requestID).Warn("failed to read cache", zap.Error(err))
	}

	event, err := uc.repo.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return &MatchOutcome{
		RequestID:  event.RequestID,
		Found:      event.PersonID != "",
		Matched:    event.Matched,
		PersonID:   event.PersonID,
		PersonName: event.PersonName,
		Score:      event.Score,
	}, nil
}

// RegisterOrFind enrolls a person unless a sufficiently similar face already
// exists, in which case the existing identity wins regardless of the
// submitted name.
func (uc *FaceUseCase) RegisterOrFind(ctx context.Context, name string, image ingest.Reference) (*RegistrationResult, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.register", requestID)

	candidates, err := uc.client.Search(ctx, uc.newQuery(image, nil))
	if err != nil {
		wrapped := logging.NewOperationError("usecase.register_search", requestID, err)
		opLogger.Error("backend search failed", zap.Error(wrapped))
		return nil, wrapped
	}

	event := &repository.FaceEvent{
		RequestID: requestID,
		Operation: "register",
		CreatedAt: time.Now().UTC(),
	}

	if len(candidates) > 0 {
		top := candidates[0]
		event.PersonID = top.Person.ID
		event.PersonName = top.Person.Name
		event.Score = top.Score
		event.Matched = true
		if err := uc.saveEvent(ctx, event); err != nil {
			return nil, err
		}
		return &RegistrationResult{Existing: true, PersonID: top.Person.ID, PersonName: top.Person.Name}, nil
	}

	created, err := uc.client.CreatePerson(ctx, facerec.NewPerson{Name: name, ImagePaths: []string{image.Path()}})
	if err != nil {
		wrapped := logging.NewOperationError("usecase.register_create", requestID, err)
		opLogger.Error("backend person creation failed", zap.Error(wrapped))
		return nil, wrapped
	}

	event.PersonID = created.ID
	event.PersonName = created.Name
	if err := uc.saveEvent(ctx, event); err != nil {
		return nil, err
	}
	return &RegistrationResult{PersonID: created.ID, PersonName: created.Name}, nil
}

// List returns all person records from the backend.
func (uc *FaceUseCase) List(ctx context.Context) ([]facerec.Person, error) {
	persons, err := uc.client.ListPersons(ctx)
	if err != nil {
		return nil, logging.NewOperationError("usecase.list_persons", "", err)
	}
	return persons, nil
}

// LookupByID fetches a person and derives the reserved flag. A missing
// person yields (nil, nil) so the caller can answer with a soft message.
func (uc *FaceUseCase) LookupByID(ctx context.Context, personID string) (*PersonSummary, error) {
	person, err := uc.client.GetPerson(ctx, personID)
	if err != nil {
		var upstream *facerec.UpstreamError
		if errors.As(err, &upstream) && upstream.Status == 404 {
			return nil, nil
		}
		return nil, logging.NewOperationError("usecase.lookup_person", personID, err)
	}
	return &PersonSummary{
		PersonID: person.ID,
		Name:     person.Name,
		Reserved: ReservedFlag(person.Collections),
	}, nil
}

// Reserve replaces the person's collection memberships with the reservation
// collection.
func (uc *FaceUseCase) Reserve(ctx context.Context, personID, reservedCollectionID string) (*ReservationResult, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.reserve", requestID)

	person, err := uc.client.GetPerson(ctx, personID)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.reserve_get", requestID, err)
		opLogger.Error("backend person fetch failed", zap.Error(wrapped))
		return nil, wrapped
	}

	collection, err := uc.client.GetCollection(ctx, reservedCollectionID)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.reserve_collection", requestID, err)
		opLogger.Error("backend collection fetch failed", zap.Error(wrapped))
		return nil, wrapped
	}

	if _, err := uc.client.SetPersonCollections(ctx, personID, []string{collection.ID}); err != nil {
		wrapped := logging.NewOperationError("usecase.reserve_update", requestID, err)
		opLogger.Error("backend person update failed", zap.Error(wrapped))
		return nil, wrapped
	}

	event := &repository.FaceEvent{
		RequestID:  requestID,
		Operation:  "reserve",
		PersonID:   person.ID,
		PersonName: person.Name,
		Details:    collection.Name,
		CreatedAt:  time.Now().UTC(),
	}
	if err := uc.saveEvent(ctx, event); err != nil {
		return nil, err
	}
	return &ReservationResult{PersonID: person.ID, Name: person.Name, CollectionName: collection.Name}, nil
}

// Delete removes a person record from the backend.
func (uc *FaceUseCase) Delete(ctx context.Context, personID string) error {
	requestID := uuid.NewString()

	if err := uc.client.DeletePerson(ctx, personID); err != nil {
		wrapped := logging.NewOperationError("usecase.delete_person", requestID, err)
		logging.WithOperation(uc.logger, "usecase.delete_person", requestID).Error("backend person deletion failed", zap.Error(wrapped))
		return wrapped
	}

	event := &repository.FaceEvent{
		RequestID: requestID,
		Operation: "delete",
		PersonID:  personID,
		CreatedAt: time.Now().UTC(),
	}
	return uc.saveEvent(ctx, event)
}

func (uc *FaceUseCase) finishMatch(ctx context.Context, outcome *MatchOutcome) error {
	event := &repository.FaceEvent{
		RequestID:  outcome.RequestID,
		Operation:  "match",
		PersonID:   outcome.PersonID,
		PersonName: outcome.PersonName,
		Score:      outcome.Score,
		Matched:    outcome.Matched,
		CreatedAt:  time.Now().UTC(),
	}
	if err := uc.saveEvent(ctx, event); err != nil {
		return err
	}

	serialized, err := json.Marshal(cachedOutcome{
		RequestID:  outcome.RequestID,
		Found:      outcome.Found,
		Matched:    outcome.Matched,
		PersonID:   outcome.PersonID,
		PersonName: outcome.PersonName,
		Score:      outcome.Score,
		Reserved:   outcome.Reserved,
		CreatedAt:  event.CreatedAt,
	})
	if err != nil {
		return logging.NewOperationError("usecase.serialize_result", outcome.RequestID, err)
	}

	return uc.withRedisRetry(ctx, outcome.RequestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, resultCacheKey(outcome.RequestID), string(serialized), 5*time.Minute)
	})
}

func (uc *FaceUseCase) saveEvent(ctx context.Context, event *repository.FaceEvent) error {
	if err := uc.repo.SaveEvent(ctx, event); err != nil {
		wrapped := logging.NewOperationError("usecase.save_event", event.RequestID, err)
		logging.WithOperation(uc.logger, "usecase.save_event", event.RequestID).Error("failed to persist face event", zap.Error(wrapped))
		return wrapped
	}
	return nil
}

func resultCacheKey(requestID string) string {
	return "face:result:" + requestID
}

// ReservedFlag derives the reservation status from a person's collection
// memberships. Nil means unknown: a person with no memberships carries no
// reservation information at all.
func ReservedFlag(collections []facerec.Collection) *bool {
	if len(collections) == 0 {
		return nil
	}
	reserved := false
	for _, collection := range collections {
		if strings.Contains(collection.Name, "Reserved") {
			reserved = true
			break
		}
	}
	return &reserved
}

// FormatScore renders a similarity score as a percentage with two decimals.
func FormatScore(score float64) string {
	return fmt.Sprintf("%.2f%%", score*100)
}
