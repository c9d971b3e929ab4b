package handlers

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/etourism/face-gateway/internal/facerec"
	"github.com/etourism/face-gateway/internal/ingest"
	"github.com/etourism/face-gateway/internal/repository"
	"github.com/etourism/face-gateway/internal/usecase"
)

// MaxUploadSize bounds multipart uploads.
const MaxUploadSize = 10 << 20

// API bundles the dependencies the HTTP handlers need.
type API struct {
	UseCase                *usecase.FaceUseCase
	Ingestor               *ingest.Ingestor
	HistoricalCollectionID string
	ReservedCollectionID   string
}

// RegisterRoutes wires the HTTP handlers to the Gin router. The admin gate,
// when non-nil, protects the destructive person-management routes.
func RegisterRoutes(router *gin.Engine, api *API, adminGate gin.HandlerFunc) {
	router.GET("/", api.root)
	router.HEAD("/", api.root)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/list", api.listPersons)
	router.POST("/add-person", api.addPerson)
	router.POST("/add-personBase64", api.addPersonBase64)
	router.POST("/face-matching", api.faceMatching)
	router.POST("/face-matchingBase64", api.faceMatchingBase64)
	router.POST("/search-by-image", api.searchByImage)
	router.POST("/search-by-imageBase64", api.searchByImageBase64)
	router.POST("/historical-by-image", api.historicalByImage)
	router.POST("/historical-by-image-base64", api.historicalByImageBase64)
	router.POST("/search-by-id", api.searchByID)
	router.GET("/match-result/:id", api.matchResult)
	router.GET("/metrics-summary", api.metricsSummary)

	admin := router.Group("/")
	if adminGate != nil {
		admin.Use(adminGate)
	}
	admin.POST("/reserve-person", api.reservePerson)
	admin.DELETE("/delete-person", api.deletePerson)
}

func (a *API) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"E-Tourism": "Team 29"})
}

func (a *API) listPersons(c *gin.Context) {
	persons, err := a.UseCase.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	views := make([]gin.H, 0, len(persons))
	for _, person := range persons {
		names := make([]string, 0, len(person.Collections))
		for _, collection := range person.Collections {
			names = append(names, collection.Name)
		}
		views = append(views, gin.H{"id": person.ID, "name": person.Name, "collections": names})
	}
	c.JSON(http.StatusOK, views)
}

func (a *API) addPerson(c *gin.Context) {
	name := c.PostForm("person_name")
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "person_name is required"})
		return
	}

	ref, ok := a.ingestUpload(c, name)
	if !ok {
		return
	}
	defer ref.Remove() //nolint:errcheck

	a.register(c, name, ref)
}

func (a *API) addPersonBase64(c *gin.Context) {
	name := c.PostForm("person_name")
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "person_name is required"})
		return
	}

	ref, ok := a.ingestBase64(c, name)
	if !ok {
		return
	}
	defer ref.Remove() //nolint:errcheck

	a.register(c, name, ref)
}

func (a *API) register(c *gin.Context, name string, ref ingest.Reference) {
	result, err := a.UseCase.RegisterOrFind(c.Request.Context(), name, ref)
	if err != nil {
		respondError(c, err)
		return
	}

	if result.Existing {
		c.JSON(http.StatusOK, gin.H{
			"message": "FaceID obtained Successfully",
			"ID":      result.PersonID,
			"Name":    result.PersonName,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "added successfully", "ID": result.PersonID})
}

func (a *API) faceMatching(c *gin.Context) {
	personID := c.PostForm("person_id")
	if personID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "person_id is required"})
		return
	}

	ref, ok := a.ingestUpload(c, "")
	if !ok {
		return
	}
	defer ref.Remove() //nolint:errcheck

	a.match(c, personID, ref)
}

func (a *API) faceMatchingBase64(c *gin.Context) {
	personID := c.PostForm("person_id")
	if personID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "person_id is required"})
		return
	}

	ref, ok := a.ingestBase64(c, "")
	if !ok {
		return
	}
	defer ref.Remove() //nolint:errcheck

	a.match(c, personID, ref)
}

func (a *API) match(c *gin.Context, personID string, ref ingest.Reference) {
	outcome, err := a.UseCase.Match(c.Request.Context(), personID, ref)
	if err != nil {
		respondError(c, err)
		return
	}

	// Misses are recorded too, so both branches advertise the request ID
	// for the result endpoint. The miss body itself keeps its legacy shape:
	// a soft "different persons" signal, deliberately a 200.
	c.Header("X-Request-ID", outcome.RequestID)
	if !outcome.Found {
		c.JSON(http.StatusOK, gin.H{"error": "You are matching two different persons."})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":    "Done!",
		"Name":       outcome.PersonName,
		"isReserved": outcome.Reserved,
		"score":      usecase.FormatScore(outcome.Score),
		"request_id": outcome.RequestID,
	})
}

func (a *API) searchByImage(c *gin.Context) {
	ref, ok := a.ingestUpload(c, "")
	if !ok {
		return
	}
	defer ref.Remove() //nolint:errcheck

	a.search(c, ref)
}

func (a *API) searchByImageBase64(c *gin.Context) {
	ref, ok := a.ingestBase64(c, "")
	if !ok {
		return
	}
	defer ref.Remove() //nolint:errcheck

	a.search(c, ref)
}

func (a *API) search(c *gin.Context, ref ingest.Reference) {
	hit, err := a.UseCase.Search(c.Request.Context(), ref)
	if err != nil {
		respondError(c, err)
		return
	}
	if hit == nil {
		c.JSON(http.StatusOK, gin.H{"message": "No person found in the image."})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"person_id":   hit.PersonID,
		"person_name": hit.PersonName,
		"score":       usecase.FormatScore(hit.Score),
	})
}

func (a *API) historicalByImage(c *gin.Context) {
	ref, ok := a.ingestUpload(c, "")
	if !ok {
		return
	}
	defer ref.Remove() //nolint:errcheck

	a.historical(c, ref)
}

func (a *API) historicalByImageBase64(c *gin.Context) {
	ref, ok := a.ingestBase64(c, "")
	if !ok {
		return
	}
	defer ref.Remove() //nolint:errcheck

	a.historical(c, ref)
}

var rankLabels = []string{"1st", "2nd", "3rd"}

func (a *API) historical(c *gin.Context, ref ingest.Reference) {
	matches, err := a.UseCase.SearchHistorical(c.Request.Context(), ref, a.HistoricalCollectionID)
	if err != nil {
		respondError(c, err)
		return
	}
	if len(matches) == 0 {
		c.JSON(http.StatusOK, gin.H{"message": "No person found in the image within the historical collection."})
		return
	}

	response := gin.H{}
	for i, match := range matches {
		response[rankLabels[i]+"_person"] = match.PersonName
		response[rankLabels[i]+"_score"] = usecase.FormatScore(match.Score)
	}
	c.JSON(http.StatusOK, response)
}

func (a *API) searchByID(c *gin.Context) {
	personID := c.PostForm("person_id")
	if personID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "person_id is required"})
		return
	}

	summary, err := a.UseCase.LookupByID(c.Request.Context(), personID)
	if err != nil {
		respondError(c, err)
		return
	}
	if summary == nil {
		c.JSON(http.StatusOK, gin.H{"message": "No person found with the provided ID."})
		return
	}
	c.JSON(http.StatusOK, gin.H{"Name": summary.Name, "isReserved": summary.Reserved})
}

func (a *API) matchResult(c *gin.Context) {
	requestID := c.Param("id")
	if requestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}

	outcome, err := a.UseCase.MatchResult(c.Request.Context(), requestID)
	if err != nil {
		if errors.Is(err, repository.ErrEventNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unable to load result"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"request_id":  outcome.RequestID,
		"found":       outcome.Found,
		"matched":     outcome.Matched,
		"person_id":   outcome.PersonID,
		"person_name": outcome.PersonName,
		"score":       usecase.FormatScore(outcome.Score),
		"isReserved":  outcome.Reserved,
	})
}

func (a *API) metricsSummary(c *gin.Context) {
	summary, err := a.UseCase.GetMetricsSummary(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (a *API) reservePerson(c *gin.Context) {
	personID := c.PostForm("person_id")
	if personID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "person_id is required"})
		return
	}

	result, err := a.UseCase.Reserve(c.Request.Context(), personID, a.ReservedCollectionID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"Person ID":  result.PersonID,
		"Name":       result.Name,
		"isReserved": result.CollectionName,
	})
}

func (a *API) deletePerson(c *gin.Context) {
	personID := formValue(c, "person_id")
	if personID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "person_id is required"})
		return
	}

	if err := a.UseCase.Delete(c.Request.Context(), personID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Person deleted successfully."})
}

// formValue reads a form field, parsing the body by hand on methods like
// DELETE where net/http's ParseForm leaves the body alone.
func formValue(c *gin.Context, key string) string {
	if value := c.PostForm(key); value != "" {
		return value
	}
	if strings.HasPrefix(c.ContentType(), "application/x-www-form-urlencoded") {
		raw, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxUploadSize))
		if err == nil {
			if values, err := url.ParseQuery(string(raw)); err == nil {
				if value := values.Get(key); value != "" {
					return value
				}
			}
		}
	}
	return c.Query(key)
}

// ingestUpload reads the multipart image_file part and saves it to scratch
// storage, answering the request itself on failure.
func (a *API) ingestUpload(c *gin.Context, label string) (ingest.Reference, bool) {
	file, err := c.FormFile("image_file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "image_file is required"})
		return ingest.Reference{}, false
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "unable to open image_file"})
		return ingest.Reference{}, false
	}
	defer src.Close()

	ref, err := a.Ingestor.SaveUpload(label, file.Header.Get("Content-Type"), src)
	if err != nil {
		respondError(c, err)
		return ingest.Reference{}, false
	}
	return ref, true
}

// ingestBase64 accepts the payload either as an image_base64 form field or
// as the raw request body.
func (a *API) ingestBase64(c *gin.Context, label string) (ingest.Reference, bool) {
	encoded := c.PostForm("image_base64")
	if encoded == "" {
		raw, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxUploadSize))
		if err != nil || len(raw) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "image_base64 is required"})
			return ingest.Reference{}, false
		}
		encoded = string(raw)
	}

	ref, err := a.Ingestor.SaveBase64(label, encoded)
	if err != nil {
		respondError(c, err)
		return ingest.Reference{}, false
	}
	return ref, true
}

// respondError funnels every failure into the `{"detail": ...}` error shape.
// Ingestion failures keep their own messages; everything else goes through
// the upstream error translator.
func respondError(c *gin.Context, err error) {
	if errors.Is(err, ingest.ErrUnsupportedFormat) || errors.Is(err, ingest.ErrInvalidEncoding) {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	translated := facerec.Translate(err)
	c.JSON(translated.Status, gin.H{"detail": translated.Message})
}
