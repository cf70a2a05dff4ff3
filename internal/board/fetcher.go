package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const (
	defaultAPIBaseURL = "https://api.miro.com/v2"
	// maxPageLimit is the remote API's documented page-size ceiling.
	maxPageLimit = 50
)

var (
	errMissingAPIToken = errors.New("board api token must be provided")
	// ErrInvalidClientConfig indicates the fetcher configuration is unusable.
	ErrInvalidClientConfig = errors.New("board: invalid client config")
)

// FetchError reports a non-success response from the remote board API.
type FetchError struct {
	StatusCode int
	Body       string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("board api error %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether a scheduling caller may reasonably retry the fetch.
func (e *FetchError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// Fetcher retrieves the full current item set for one board.
type Fetcher interface {
	FetchAll(ctx context.Context, boardID BoardID, types []string) ([]Item, error)
}

// ClientConfig bundles configuration for the remote board API client.
type ClientConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	PageLimit  int
	Logger     *zap.Logger
}

// Client fetches board items from the remote paginated API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	pageLimit  int
	logger     *zap.Logger
}

// NewClient constructs a Client with validated configuration.
func NewClient(cfg ClientConfig) (*Client, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingAPIToken)
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultAPIBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	pageLimit := cfg.PageLimit
	if pageLimit <= 0 || pageLimit > maxPageLimit {
		pageLimit = maxPageLimit
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: httpClient,
		pageLimit:  pageLimit,
		logger:     logger,
	}, nil
}

// FetchAll walks the cursor-paginated item listing until no continuation
// cursor remains. Any non-success response aborts the whole fetch; pages
// already collected are discarded by the caller receiving the error.
func (c *Client) FetchAll(ctx context.Context, boardID BoardID, types []string) ([]Item, error) {
	var collected []Item
	cursor := ""
	for {
		page, err := c.fetchPage(ctx, boardID, types, cursor)
		if err != nil {
			return nil, err
		}
		for _, raw := range page.itemDocuments() {
			item, ok := decodeItem(raw)
			if !ok {
				c.logger.Debug("skipping item without id", zap.String("board_id", boardID.String()))
				continue
			}
			collected = append(collected, item)
		}
		cursor = page.nextCursor()
		if cursor == "" {
			return collected, nil
		}
	}
}

func (c *Client) fetchPage(ctx context.Context, boardID BoardID, types []string, cursor string) (*itemPage, error) {
	endpoint := fmt.Sprintf("%s/boards/%s/items", c.baseURL, url.PathEscape(boardID.String()))
	query := url.Values{}
	query.Set("limit", strconv.Itoa(c.pageLimit))
	if len(types) > 0 {
		query.Set("type", strings.Join(types, ","))
	}
	if cursor != "" {
		query.Set("cursor", cursor)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Authorization", "Bearer "+c.token)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(response.Body)
		return nil, &FetchError{StatusCode: response.StatusCode, Body: string(body)}
	}

	var page itemPage
	if err := json.NewDecoder(response.Body).Decode(&page); err != nil {
		return nil, err
	}
	return &page, nil
}

// itemPage models one page of the remote listing. The item array arrives
// under "data" or "items" depending on the endpoint variant, and the
// continuation cursor may be a bare string, an object, or a top-level key.
type itemPage struct {
	Data   []json.RawMessage `json:"data"`
	Items  []json.RawMessage `json:"items"`
	Cursor json.RawMessage   `json:"cursor"`
	After  string            `json:"after"`
	Next   string            `json:"next"`
}

func (p *itemPage) itemDocuments() []json.RawMessage {
	if len(p.Data) > 0 {
		return p.Data
	}
	return p.Items
}

// nextCursor normalizes the continuation-cursor shapes into a single optional
// token, isolating API-shape variance from the pagination loop.
func (p *itemPage) nextCursor() string {
	if len(p.Cursor) > 0 {
		var bare string
		if err := json.Unmarshal(p.Cursor, &bare); err == nil {
			return bare
		}
		var nested struct {
			After string `json:"after"`
			Next  string `json:"next"`
		}
		if err := json.Unmarshal(p.Cursor, &nested); err == nil {
			if nested.After != "" {
				return nested.After
			}
			return nested.Next
		}
	}
	if p.After != "" {
		return p.After
	}
	return p.Next
}

type itemEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

func decodeItem(raw json.RawMessage) (Item, bool) {
	var envelope itemEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Item{}, false
	}
	if strings.TrimSpace(envelope.ID) == "" {
		return Item{}, false
	}
	return Item{ID: envelope.ID, Type: envelope.Type, Document: raw}, true
}
