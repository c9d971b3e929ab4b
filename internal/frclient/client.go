// Package frclient implements the recognition-backend capability over its
// REST API. Probe images travel as base64 of the scratch file contents;
// authentication is a developer key header.
package frclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/etourism/face-gateway/internal/facerec"
)

const requestTimeout = 30 * time.Second

// Client talks to the face recognition backend. It implements facerec.Client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

func New(baseURL, apiKey string, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: requestTimeout},
		logger:     logger.Named("frclient"),
	}
}

type wireCollection struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type wirePerson struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Collections []wireCollection `json:"collections"`
}

type wireCandidate struct {
	Person wirePerson `json:"person"`
	Score  float64    `json:"score"`
}

type searchPayload struct {
	Images        []string `json:"images"`
	MinScore      float64  `json:"min_score"`
	SearchMode    string   `json:"search_mode"`
	CollectionIDs []string `json:"collection_ids,omitempty"`
}

func (c *Client) Search(ctx context.Context, query facerec.SearchQuery) ([]facerec.MatchCandidate, error) {
	images, err := encodeImages(query.ImagePaths)
	if err != nil {
		return nil, err
	}
	payload := searchPayload{
		Images:        images,
		MinScore:      query.MinScore,
		SearchMode:    string(query.Mode),
		CollectionIDs: query.CollectionIDs,
	}

	var response struct {
		Results []wireCandidate `json:"results"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/search", payload, &response); err != nil {
		return nil, err
	}

	candidates := make([]facerec.MatchCandidate, 0, len(response.Results))
	for _, result := range response.Results {
		candidates = append(candidates, facerec.MatchCandidate{
			Person: toPerson(result.Person),
			Score:  result.Score,
		})
	}
	return candidates, nil
}

func (c *Client) Verify(ctx context.Context, personID string, imagePaths []string) (*facerec.VerificationResult, error) {
	images, err := encodeImages(imagePaths)
	if err != nil {
		return nil, err
	}
	payload := struct {
		PersonID string   `json:"person_id"`
		Images   []string `json:"images"`
	}{PersonID: personID, Images: images}

	var response wireCandidate
	if err := c.do(ctx, http.MethodPost, "/v1/verify", payload, &response); err != nil {
		return nil, err
	}
	return &facerec.VerificationResult{Person: toPerson(response.Person), Score: response.Score}, nil
}

func (c *Client) ListPersons(ctx context.Context) ([]facerec.Person, error) {
	var response struct {
		Persons []wirePerson `json:"persons"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/persons", nil, &response); err != nil {
		return nil, err
	}
	persons := make([]facerec.Person, 0, len(response.Persons))
	for _, p := range response.Persons {
		persons = append(persons, toPerson(p))
	}
	return persons, nil
}

func (c *Client) CreatePerson(ctx context.Context, person facerec.NewPerson) (*facerec.Person, error) {
	images, err := encodeImages(person.ImagePaths)
	if err != nil {
		return nil, err
	}
	payload := struct {
		Name   string   `json:"name"`
		Images []string `json:"images"`
	}{Name: person.Name, Images: images}

	var response wirePerson
	if err := c.do(ctx, http.MethodPost, "/v1/persons", payload, &response); err != nil {
		return nil, err
	}
	created := toPerson(response)
	return &created, nil
}

func (c *Client) GetPerson(ctx context.Context, id string) (*facerec.Person, error) {
	var response wirePerson
	if err := c.do(ctx, http.MethodGet, "/v1/persons/"+id, nil, &response); err != nil {
		return nil, err
	}
	person := toPerson(response)
	return &person, nil
}

func (c *Client) SetPersonCollections(ctx context.Context, id string, collectionIDs []string) (*facerec.Person, error) {
	payload := struct {
		CollectionIDs []string `json:"collection_ids"`
	}{CollectionIDs: collectionIDs}

	var response wirePerson
	if err := c.do(ctx, http.MethodPut, "/v1/persons/"+id+"/collections", payload, &response); err != nil {
		return nil, err
	}
	person := toPerson(response)
	return &person, nil
}

func (c *Client) DeletePerson(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/persons/"+id, nil, nil)
}

func (c *Client) GetCollection(ctx context.Context, id string) (*facerec.Collection, error) {
	var response wireCollection
	if err := c.do(ctx, http.MethodGet, "/v1/collections/"+id, nil, &response); err != nil {
		return nil, err
	}
	return &facerec.Collection{ID: response.ID, Name: response.Name}, nil
}

// do executes one backend call. Non-2xx responses with a decodable
// {code, message} body become typed *facerec.UpstreamError values; anything
// else is passed through as the raw body text for the legacy translator.
func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("backend request failed",
			zap.String("method", method), zap.String("path", path), zap.Error(err))
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.decodeError(method, path, resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) decodeError(method, path string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var wire struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &wire); err == nil && wire.Code != "" {
		upstream := &facerec.UpstreamError{
			Status:  resp.StatusCode,
			Code:    wire.Code,
			Message: wire.Message,
		}
		c.logger.Warn("backend reported failure",
			zap.String("method", method), zap.String("path", path),
			zap.Int("status", resp.StatusCode), zap.String("code", wire.Code))
		return upstream
	}

	text := strings.TrimSpace(string(raw))
	if text == "" {
		text = fmt.Sprintf("(%d, 'ERR_UPSTREAM', 'backend returned status %d')", resp.StatusCode, resp.StatusCode)
	}
	c.logger.Warn("backend reported unstructured failure",
		zap.String("method", method), zap.String("path", path),
		zap.Int("status", resp.StatusCode))
	return fmt.Errorf("%s", text)
}

func toPerson(p wirePerson) facerec.Person {
	collections := make([]facerec.Collection, 0, len(p.Collections))
	for _, col := range p.Collections {
		collections = append(collections, facerec.Collection{ID: col.ID, Name: col.Name})
	}
	return facerec.Person{ID: p.ID, Name: p.Name, Collections: collections}
}

func encodeImages(paths []string) ([]string, error) {
	images := make([]string, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read probe image %s: %w", path, err)
		}
		images = append(images, base64.StdEncoding.EncodeToString(data))
	}
	return images, nil
}
