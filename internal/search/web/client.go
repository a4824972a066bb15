package web

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
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/course-assistant/backend/pkg/circuitbreaker"
	"github.com/course-assistant/backend/pkg/logger"
	"github.com/course-assistant/backend/pkg/retry"
)

const (
	defaultSerpAPIURL    = "https://serpapi.com/search"
	defaultHTMLSearchURL = "https://html.duckduckgo.com/html/"
	defaultWeatherURL    = "https://wttr.in"
	userAgent            = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

	MaxScrapeChars = 3000
	maxBodyBytes   = 4 << 20
)

var ErrStatus = errors.New("unexpected http status")

type Config struct {
	SerpAPIKey    string
	SerpAPIURL    string
	HTMLSearchURL string
	WeatherURL    string
	MaxResults    int
	Timeout       time.Duration
}

type Client struct {
	cfg         Config
	httpClient  *http.Client
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

type SearchResult struct {
	Title   string
	URL     string
	Snippet string
}

func NewClient(cfg Config) *Client {
	if cfg.SerpAPIURL == "" {
		cfg.SerpAPIURL = defaultSerpAPIURL
	}
	if cfg.HTMLSearchURL == "" {
		cfg.HTMLSearchURL = defaultHTMLSearchURL
	}
	if cfg.WeatherURL == "" {
		cfg.WeatherURL = defaultWeatherURL
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cb: circuitbreaker.NewCircuitBreaker("web", circuitbreaker.Config{
			MaxRequests:      3,
			Interval:         time.Minute,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Logger:           logger.GetLogger(),
		}),
		retryConfig: retry.Config{
			MaxAttempts:    2,
			InitialDelay:   300 * time.Millisecond,
			MaxDelay:       2 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Logger:         logger.GetLogger(),
		},
	}
}

// Search queries SerpAPI when a key is configured and otherwise parses the
// results page of an HTML search endpoint.
func (c *Client) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	if maxResults <= 0 || maxResults > c.cfg.MaxResults {
		maxResults = c.cfg.MaxResults
	}
	logger.Info("Performing web search", zap.String("query", query), zap.Int("max_results", maxResults))

	var (
		results []SearchResult
		err     error
	)
	if c.cfg.SerpAPIKey != "" {
		results, err = c.searchWithSerpAPI(ctx, query, maxResults)
	} else {
		results, err = c.searchWithHTML(ctx, query, maxResults)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("Web search completed", zap.Int("results", len(results)))
	return results, nil
}

func (c *Client) searchWithSerpAPI(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	params := url.Values{}
	params.Add("q", query)
	params.Add("api_key", c.cfg.SerpAPIKey)
	params.Add("num", strconv.Itoa(maxResults))

	body, err := c.get(ctx, c.cfg.SerpAPIURL+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	var searchResp struct {
		OrganicResults []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic_results"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &searchResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if searchResp.Error != "" {
		return nil, fmt.Errorf("search provider error: %s", searchResp.Error)
	}

	results := make([]SearchResult, 0, min(len(searchResp.OrganicResults), maxResults))
	for _, r := range searchResp.OrganicResults {
		if len(results) == maxResults {
			break
		}
		results = append(results, SearchResult{Title: r.Title, URL: r.Link, Snippet: r.Snippet})
	}
	return results, nil
}

func (c *Client) searchWithHTML(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	body, err := c.get(ctx, c.cfg.HTMLSearchURL+"?q="+url.QueryEscape(query))
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	results := make([]SearchResult, 0, maxResults)
	doc.Find("div.result").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		anchor := s.Find("a.result__a").First()
		title := strings.TrimSpace(anchor.Text())
		link, _ := anchor.Attr("href")
		if title == "" || link == "" {
			return true
		}
		results = append(results, SearchResult{
			Title:   title,
			URL:     resolveLink(link),
			Snippet: strings.TrimSpace(s.Find(".result__snippet").Text()),
		})
		return len(results) < maxResults
	})
	return results, nil
}

// resolveLink unwraps redirect links of the form "/l/?uddg=<target>".
func resolveLink(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return link
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Scheme == "" && strings.HasPrefix(link, "//") {
		return "https:" + link
	}
	return link
}

// Scrape fetches a page and returns its visible text, truncated to
// MaxScrapeChars characters.
func (c *Client) Scrape(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("invalid url %q", rawURL)
	}

	body, err := c.get(ctx, u.String())
	if err != nil {
		return "", fmt.Errorf("failed to fetch page: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}
	doc.Find("script, style, noscript").Remove()

	text := compactText(doc.Text())
	if utf8.RuneCountInString(text) > MaxScrapeChars {
		text = string([]rune(text)[:MaxScrapeChars]) + "\n\n[content truncated...]"
	}

	logger.Debug("Page scraped", zap.String("url", rawURL), zap.Int("length", len(text)))
	return text, nil
}

// compactText keeps one non-empty phrase per line.
func compactText(raw string) string {
	var phrases []string
	for _, line := range strings.Split(raw, "\n") {
		for _, phrase := range strings.Split(strings.TrimSpace(line), "  ") {
			if phrase = strings.TrimSpace(phrase); phrase != "" {
				phrases = append(phrases, phrase)
			}
		}
	}
	return strings.Join(phrases, "\n")
}

// Weather returns the one-line current conditions for a city.
func (c *Client) Weather(ctx context.Context, city string) (string, error) {
	city = strings.TrimSpace(city)
	if city == "" {
		return "", errors.New("city is required")
	}

	endpoint := fmt.Sprintf("%s/%s?format=2&lang=en", strings.TrimRight(c.cfg.WeatherURL, "/"), url.PathEscape(city))
	body, err := c.get(ctx, endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to query weather: %w", err)
	}
	return strings.TrimSpace(string(body)), nil
}

func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	var body []byte
	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
			if err != nil {
				return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
			}
			req.Header.Set("User-Agent", userAgent)

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				statusErr := fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
				if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
					return retry.Permanent(statusErr)
				}
				return statusErr
			}

			data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
			if err != nil {
				return fmt.Errorf("failed to read response: %w", err)
			}
			body = data
			return nil
		})
	})
	return body, err
}

// FormatResults renders results as the numbered observation handed to the model.
func FormatResults(results []SearchResult) string {
	if len(results) == 0 {
		return "No results found."
	}
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%d. %s\n%s\n%s", i+1, r.Title, r.URL, r.Snippet)
	}
	return b.String()
}
