// Package audible is a client for the public Audible catalog API. It backs
// the quick-link search and the rating columns.
package audible

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jbhul/audiobookshelf-calibre-sync/internal/logger"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/models"
	"github.com/jbhul/audiobookshelf-calibre-sync/internal/util"
)

const (
	// MaxSearchResults caps a catalog search page.
	MaxSearchResults = 25
	// maxRatingsPerRequest is the catalog API's asin list limit.
	maxRatingsPerRequest = 50
)

// Client represents an Audible catalog API client
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *util.RateLimiter
	logger     *logger.Logger
}

// NewClient creates a new Audible catalog client for the given marketplace
// region (".com", ".de", ".co.uk", ...).
func NewClient(region string) *Client {
	if region == "" {
		region = ".com"
	}
	if !strings.HasPrefix(region, ".") {
		region = "." + region
	}

	log := logger.Get().With().
		Str("component", "audible_client").
		Logger()

	return &Client{
		httpClient: &http.Client{
			Timeout: 20 * time.Second,
		},
		baseURL: "https://api.audible" + region + "/1.0",
		limiter: util.NewRateLimiter(util.DefaultRate, util.DefaultBurst),
		logger:  &logger.Logger{Logger: log},
	}
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	log := c.logger.With().Str("endpoint", endpoint).Logger()
	fullURL := c.baseURL + endpoint + "?" + params.Encode()

	const maxRetries = 3
	const initialBackoff = 500 * time.Millisecond
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := initialBackoff * time.Duration(1<<uint(attempt-1))
			log.Debug().
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Err(lastErr).
				Msg("Retrying Audible catalog request")

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			c.limiter.ResetRate()
			return body, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			wait := c.limiter.OnRateLimit(retryAfter)
			lastErr = util.ErrRateLimited
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
		default:
			log.Error().
				Int("status", resp.StatusCode).
				Str("response", string(body)).
				Msg("Unexpected status code")
			return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, lastErr)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// SearchProducts searches the catalog by title and author. At most
// MaxSearchResults products come back.
func (c *Client) SearchProducts(ctx context.Context, title, author string) ([]models.AudibleProduct, error) {
	if title == "" {
		return nil, fmt.Errorf("title is required")
	}

	params := url.Values{}
	params.Set("title", title)
	if author != "" {
		params.Set("author", author)
	}
	params.Set("num_results", strconv.Itoa(MaxSearchResults))
	params.Set("products_sort_by", "Relevance")

	body, err := c.get(ctx, "/catalog/products", params)
	if err != nil {
		return nil, err
	}

	var result models.AudibleProductsResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug("Searched Audible catalog", map[string]interface{}{
		"title":  title,
		"author": author,
		"count":  len(result.Products),
	})
	return result.Products, nil
}

// GetRatings fetches rating data for the given ASINs, chunking requests to the
// catalog API's list limit. The result maps ASIN to product.
func (c *Client) GetRatings(ctx context.Context, asins []string) (map[string]models.AudibleProduct, error) {
	ratings := make(map[string]models.AudibleProduct, len(asins))

	for start := 0; start < len(asins); start += maxRatingsPerRequest {
		end := start + maxRatingsPerRequest
		if end > len(asins) {
			end = len(asins)
		}
		chunk := asins[start:end]

		params := url.Values{}
		params.Set("asins", strings.Join(chunk, ","))
		params.Set("response_groups", "rating")

		body, err := c.get(ctx, "/catalog/products", params)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch ratings: %w", err)
		}

		var result models.AudibleProductsResponse
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}

		for _, p := range result.Products {
			if p.Rating != nil {
				ratings[p.ASIN] = p
			}
		}
	}

	c.logger.Debug("Fetched Audible ratings", map[string]interface{}{
		"requested": len(asins),
		"rated":     len(ratings),
	})
	return ratings, nil
}
