package validation

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/lexconverge/internal/normalize"
	"github.com/fyrsmithlabs/lexconverge/internal/reference"
)

const (
	providerBOE = "boe"

	defaultBOEBaseURL  = "https://www.boe.es"
	boeAPIPath         = "/datosabiertos/api/legislacion-consolidada"
	defaultHTTPTimeout = 15 * time.Second
	defaultRateLimit   = 2.0
	defaultBurst       = 2
)

var boeIDPattern = regexp.MustCompile(`^BOE-[A-Z]-\d{4}-\d+$`)

// BOEConfig configures the BOE client.
type BOEConfig struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64
	Burst     int

	// FetchArticles also downloads the article text block when an article
	// is given. Failures to fetch the text never fail validation.
	FetchArticles bool
}

// BOEClient validates national instruments against the BOE open data API.
type BOEClient struct {
	baseURL       string
	httpClient    *http.Client
	limiter       *rate.Limiter
	fetchArticles bool
}

// NewBOEClient creates a BOE client.
func NewBOEClient(cfg BOEConfig) *BOEClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBOEBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &BOEClient{
		baseURL:       baseURL,
		httpClient:    &http.Client{Timeout: timeout},
		limiter:       newLimiter(cfg.RateLimit, cfg.Burst),
		fetchArticles: cfg.FetchArticles,
	}
}

func newLimiter(r float64, burst int) *rate.Limiter {
	if r <= 0 {
		r = defaultRateLimit
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	return rate.NewLimiter(rate.Limit(r), burst)
}

// ValidateNational resolves law to a BOE identifier and confirms it exists.
// Known instruments skip the search; numbered ones are searched by their
// official number. Anything else is ErrNotFound.
func (c *BOEClient) ValidateNational(ctx context.Context, law Law, article string) (Match, error) {
	id := law.BOE
	if id == "" {
		if law.Number == "" {
			return Match{}, fmt.Errorf("%s has no official number: %w", law.Title, reference.ErrNotFound)
		}
		found, err := c.search(ctx, law)
		if err != nil {
			return Match{}, err
		}
		id = found
	}

	if err := c.verify(ctx, id); err != nil {
		return Match{}, err
	}

	article = normalize.NormalizeArticle(article)
	m := Match{ExternalID: id, ExternalURL: BOEDocumentURL(id, article), Title: law.Title}
	if c.fetchArticles && article != "" {
		if text, err := c.articleText(ctx, id, article); err == nil {
			m.ArticleText = text
		}
	}
	return m, nil
}

// BOEDocumentURL returns the public URL of a consolidated text, anchored at
// the article when one is given.
func BOEDocumentURL(id, article string) string {
	u := "https://www.boe.es/buscar/act.php?id=" + url.QueryEscape(id)
	if a := articleAnchor(article); a != "" {
		u += "#a" + a
	}
	return u
}

func articleAnchor(article string) string {
	a := strings.ReplaceAll(normalize.NormalizeArticle(article), " ", "")
	if i := strings.IndexByte(a, '.'); i >= 0 {
		a = a[:i]
	}
	return a
}

type boeSearchResponse struct {
	Items []struct {
		Identificador string `xml:"identificador"`
		Titulo        string `xml:"titulo"`
	} `xml:"data>item"`
}

func (c *BOEClient) search(ctx context.Context, law Law) (string, error) {
	query, err := json.Marshal(map[string]any{
		"query": map[string]any{
			"query_string": map[string]string{"query": "numero_oficial:" + law.Number},
		},
	})
	if err != nil {
		return "", reference.Failed(providerBOE, err)
	}

	params := url.Values{}
	params.Set("query", string(query))
	params.Set("limit", "5")

	body, err := c.get(ctx, c.baseURL+boeAPIPath+"?"+params.Encode())
	if err != nil {
		return "", err
	}

	var resp boeSearchResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return "", reference.Failed(providerBOE, fmt.Errorf("decoding search response: %w", err))
	}

	want := titleKeyword(law.ID)
	for _, item := range resp.Items {
		id := strings.TrimSpace(item.Identificador)
		if !boeIDPattern.MatchString(id) {
			continue
		}
		if want == "" || item.Titulo == "" || strings.Contains(strings.ToLower(item.Titulo), want) {
			return id, nil
		}
	}
	return "", fmt.Errorf("%s %s: %w", providerBOE, law.Number, reference.ErrNotFound)
}

// titleKeyword is the word a search hit's title must contain to match the
// instrument kind encoded in a law identity.
func titleKeyword(lawID string) string {
	prefix, _, ok := strings.Cut(lawID, ":")
	if !ok {
		return ""
	}
	switch prefix {
	case "ley", "lo":
		return "ley"
	case "rd", "rdl", "rdleg":
		return "real decreto"
	case "decreto", "dl", "dleg":
		return "decreto"
	case "orden":
		return "orden"
	default:
		return ""
	}
}

func (c *BOEClient) verify(ctx context.Context, id string) error {
	_, err := c.get(ctx, c.baseURL+boeAPIPath+"/id/"+url.PathEscape(id))
	return err
}

type boeTextBlock struct {
	Paragraphs []string `xml:"data>bloque>version>p"`
}

func (c *BOEClient) articleText(ctx context.Context, id, article string) (string, error) {
	body, err := c.get(ctx, c.baseURL+boeAPIPath+"/id/"+url.PathEscape(id)+"/texto/bloque/a"+url.PathEscape(articleAnchor(article)))
	if err != nil {
		return "", err
	}
	var block boeTextBlock
	if err := xml.Unmarshal(body, &block); err != nil {
		return "", err
	}
	return strings.TrimSpace(strings.Join(block.Paragraphs, "\n")), nil
}

func (c *BOEClient) get(ctx context.Context, u string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, reference.Failed(providerBOE, err)
	}
	req.Header.Set("Accept", "application/xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, reference.Unavailable(providerBOE, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", providerBOE, reference.ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, statusError(providerBOE, resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, reference.Unavailable(providerBOE, err)
	}
	return body, nil
}

var _ National = (*BOEClient)(nil)
