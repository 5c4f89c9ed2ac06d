// Package validation confirms references against official legal databases.
//
// National instruments are checked against the BOE consolidated legislation
// API and supranational ones against EUR-Lex through the Publications Office
// SPARQL endpoint. Both clients rate limit themselves and never retry: a 429
// comes back as *reference.RateLimitError, server and network failures wrap
// reference.ErrAgentUnavailable, and an unknown instrument is
// reference.ErrNotFound.
package validation

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/fyrsmithlabs/lexconverge/internal/normalize"
	"github.com/fyrsmithlabs/lexconverge/internal/reference"
)

// Law identifies the instrument a national lookup is for.
type Law struct {
	ID     string
	Title  string
	Kind   reference.Kind
	Number string

	// BOE is a known BOE identifier, skipping the search API.
	BOE string
}

// LawFromIdentity builds a Law from a normalized identity.
func LawFromIdentity(id normalize.Identity) Law {
	law := Law{ID: id.ID, Title: id.Title, Kind: id.Kind, Number: id.Number}
	if id.Entry != nil {
		law.BOE = id.Entry.BOE
	}
	return law
}

// Match is a confirmed external record.
type Match struct {
	ExternalID  string `json:"external_id"`
	ExternalURL string `json:"external_url"`
	Title       string `json:"title,omitempty"`
	ArticleText string `json:"article_text,omitempty"`
}

// National validates Spanish instruments.
type National interface {
	ValidateNational(ctx context.Context, law Law, article string) (Match, error)
}

// Supranational resolves EU instruments from a mention.
type Supranational interface {
	ResolveSupranational(ctx context.Context, mention string) (Match, error)
}

// statusError maps a non-success HTTP status to the adapter error taxonomy.
// 404 is left to the caller.
func statusError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &reference.RateLimitError{
			Provider:   provider,
			RetryAfter: reference.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode >= 500:
		return reference.Unavailable(provider, fmt.Errorf("server error (%d): %s", resp.StatusCode, body))
	default:
		return reference.Failed(provider, fmt.Errorf("unexpected status (%d): %s", resp.StatusCode, body))
	}
}
