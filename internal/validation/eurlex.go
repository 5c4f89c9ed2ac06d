package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/lexconverge/internal/normalize"
	"github.com/fyrsmithlabs/lexconverge/internal/reference"
)

const (
	providerEURLex = "eurlex"

	defaultSPARQLEndpoint = "https://publications.europa.eu/webapi/rdf/sparql"
	defaultLanguage       = "ES"
)

var celexPattern = regexp.MustCompile(`^3\d{4}[RLD]\d{4}$`)

// EURLexConfig configures the EUR-Lex client.
type EURLexConfig struct {
	Endpoint  string
	Language  string
	Timeout   time.Duration
	RateLimit float64
	Burst     int
}

// EURLexClient resolves EU instruments to CELEX numbers and confirms them
// through the Publications Office SPARQL endpoint.
type EURLexClient struct {
	endpoint   string
	language   string
	normalizer *normalize.Normalizer
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewEURLexClient creates a EUR-Lex client. The normalizer supplies the
// known CELEX table.
func NewEURLexClient(cfg EURLexConfig, n *normalize.Normalizer) *EURLexClient {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultSPARQLEndpoint
	}
	lang := strings.ToUpper(cfg.Language)
	if lang == "" {
		lang = defaultLanguage
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	if n == nil {
		n = normalize.New(nil)
	}
	return &EURLexClient{
		endpoint:   endpoint,
		language:   lang,
		normalizer: n,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    newLimiter(cfg.RateLimit, cfg.Burst),
	}
}

// ResolveSupranational maps mention to a CELEX number and checks that the
// work exists.
func (c *EURLexClient) ResolveSupranational(ctx context.Context, mention string) (Match, error) {
	celex, ok := c.CELEX(mention)
	if !ok {
		return Match{}, fmt.Errorf("no CELEX number for %q: %w", mention, reference.ErrNotFound)
	}

	title, err := c.lookup(ctx, celex)
	if err != nil {
		return Match{}, err
	}
	return Match{
		ExternalID:  celex,
		ExternalURL: EURLexDocumentURL(c.language, celex),
		Title:       title,
	}, nil
}

// CELEX returns the CELEX number for a mention, from the known table or
// derived from an official number.
func (c *EURLexClient) CELEX(mention string) (string, bool) {
	id, ok := c.normalizer.Identify(mention)
	if !ok {
		return "", false
	}
	if id.Entry != nil && id.Entry.CELEX != "" {
		return id.Entry.CELEX, true
	}
	return DeriveCELEX(id.Kind, id.Number)
}

// DeriveCELEX builds "3{year}{R|L|D}{number:04}" from an EU instrument kind
// and a year/number official number.
func DeriveCELEX(kind reference.Kind, number string) (string, bool) {
	var sector string
	switch kind {
	case reference.KindRegulation:
		sector = "R"
	case reference.KindDirective:
		sector = "L"
	case reference.KindDecision:
		sector = "D"
	default:
		return "", false
	}

	year, num, ok := strings.Cut(number, "/")
	if !ok || len(year) != 4 {
		return "", false
	}
	n, err := strconv.Atoi(num)
	if err != nil || n <= 0 || n > 9999 {
		return "", false
	}
	celex := fmt.Sprintf("3%s%s%04d", year, sector, n)
	if !celexPattern.MatchString(celex) {
		return "", false
	}
	return celex, true
}

// EURLexDocumentURL returns the public text URL for a CELEX number.
func EURLexDocumentURL(lang, celex string) string {
	return fmt.Sprintf("https://eur-lex.europa.eu/legal-content/%s/TXT/?uri=CELEX:%s", lang, url.QueryEscape(celex))
}

const sparqlQuery = `PREFIX cdm: <http://publications.europa.eu/ontology/cdm#>
SELECT ?work ?title
WHERE {
  ?work cdm:resource_legal_id_celex "%s" .
  OPTIONAL {
    ?work cdm:work_has_expression ?expr .
    ?expr cdm:expression_uses_language <http://publications.europa.eu/resource/authority/language/%s> .
    ?expr cdm:expression_title ?title .
  }
}
LIMIT 1`

type sparqlResponse struct {
	Results struct {
		Bindings []map[string]struct {
			Value string `json:"value"`
		} `json:"bindings"`
	} `json:"results"`
}

var languageAuthority = map[string]string{
	"ES": "SPA", "EN": "ENG", "FR": "FRA", "DE": "DEU", "IT": "ITA", "PT": "POR",
}

func (c *EURLexClient) lookup(ctx context.Context, celex string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	lang, ok := languageAuthority[c.language]
	if !ok {
		lang = "SPA"
	}
	params := url.Values{}
	params.Set("query", fmt.Sprintf(sparqlQuery, celex, lang))
	params.Set("format", "application/sparql-results+json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return "", reference.Failed(providerEURLex, err)
	}
	req.Header.Set("Accept", "application/sparql-results+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", reference.Unavailable(providerEURLex, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", statusError(providerEURLex, resp)
	}

	var out sparqlResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&out); err != nil {
		return "", reference.Failed(providerEURLex, fmt.Errorf("decoding SPARQL response: %w", err))
	}
	if len(out.Results.Bindings) == 0 {
		return "", fmt.Errorf("%s %s: %w", providerEURLex, celex, reference.ErrNotFound)
	}
	return out.Results.Bindings[0]["title"].Value, nil
}

var _ Supranational = (*EURLexClient)(nil)
