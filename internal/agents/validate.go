package agents

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/lexconverge/internal/normalize"
	"github.com/fyrsmithlabs/lexconverge/internal/reference"
	"github.com/fyrsmithlabs/lexconverge/internal/validation"
)

// DefaultMaxWorkers bounds concurrent lookups inside one validation stage.
const DefaultMaxWorkers = 4

// NationalResolver validates Spanish instruments against the BOE.
type NationalResolver struct {
	client     validation.National
	normalizer *normalize.Normalizer
	workers    int
}

// NewNationalResolver creates the national validation stage.
func NewNationalResolver(client validation.National, n *normalize.Normalizer, workers int) *NationalResolver {
	if n == nil {
		n = normalize.New(nil)
	}
	if workers <= 0 {
		workers = DefaultMaxWorkers
	}
	return &NationalResolver{client: client, normalizer: n, workers: workers}
}

func (r *NationalResolver) Name() string { return NameNationalValidator }
func (r *NationalResolver) Stage() Stage { return StageNational }

// Targets selects unvalidated entries with a national identity.
func (r *NationalResolver) Targets(e reference.CanonicalReference) bool {
	id, ok := validationIdentity(r.normalizer, e)
	return ok && !id.Kind.Supranational()
}

// Resolve implements Resolver.
func (r *NationalResolver) Resolve(ctx context.Context, in ResolveInput) (Resolution, error) {
	return resolveEach(ctx, r, in.Set, workersFor(in, r.workers), func(ctx context.Context, e reference.CanonicalReference) (validation.Match, error) {
		id, _ := r.normalizer.Identify(e.LawTitleFull)
		return r.client.ValidateNational(ctx, validation.LawFromIdentity(id), e.ArticleNumber)
	})
}

// SupranationalResolver resolves EU instruments against EUR-Lex.
type SupranationalResolver struct {
	client     validation.Supranational
	normalizer *normalize.Normalizer
	workers    int
}

// NewSupranationalResolver creates the supranational lookup stage.
func NewSupranationalResolver(client validation.Supranational, n *normalize.Normalizer, workers int) *SupranationalResolver {
	if n == nil {
		n = normalize.New(nil)
	}
	if workers <= 0 {
		workers = DefaultMaxWorkers
	}
	return &SupranationalResolver{client: client, normalizer: n, workers: workers}
}

func (r *SupranationalResolver) Name() string { return NameSupranationalResolver }
func (r *SupranationalResolver) Stage() Stage { return StageSupranational }

// Targets selects unvalidated entries with an EU identity.
func (r *SupranationalResolver) Targets(e reference.CanonicalReference) bool {
	id, ok := validationIdentity(r.normalizer, e)
	return ok && id.Kind.Supranational()
}

// Resolve implements Resolver.
func (r *SupranationalResolver) Resolve(ctx context.Context, in ResolveInput) (Resolution, error) {
	return resolveEach(ctx, r, in.Set, workersFor(in, r.workers), func(ctx context.Context, e reference.CanonicalReference) (validation.Match, error) {
		return r.client.ResolveSupranational(ctx, e.LawTitleFull)
	})
}

func validationIdentity(n *normalize.Normalizer, e reference.CanonicalReference) (normalize.Identity, bool) {
	if e.ValidationStatus != reference.StatusUnvalidated || e.Kind == reference.KindUnresolved {
		return normalize.Identity{}, false
	}
	if normalize.IsUnresolvedKey(e.CanonicalKey) {
		return normalize.Identity{}, false
	}
	return n.Identify(e.LawTitleFull)
}

func workersFor(in ResolveInput, fallback int) int {
	if in.MaxWorkers > 0 {
		return in.MaxWorkers
	}
	return fallback
}

type lookupFunc func(ctx context.Context, e reference.CanonicalReference) (validation.Match, error)

// resolveEach runs lookup for every targeted entry, at most workers at a
// time. A match validates the entry and ErrNotFound fails its validation;
// any other error is reported per entry.
func resolveEach(ctx context.Context, r Resolver, set []reference.CanonicalReference, workers int, lookup lookupFunc) (Resolution, error) {
	out := reference.CloneSet(set)
	idx := targetIndexes(r, out)

	matches := make([]validation.Match, len(idx))
	errs := make([]error, len(idx))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for k, i := range idx {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				errs[k] = err
				return nil
			}
			matches[k], errs[k] = lookup(gctx, out[i])
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return Resolution{}, err
	}

	res := Resolution{Set: out}
	for k, i := range idx {
		e := &out[i]
		switch err := errs[k]; {
		case err == nil:
			e.ValidationStatus = reference.StatusValidated
			e.ExternalID = matches[k].ExternalID
			e.ExternalURL = matches[k].ExternalURL
			if matches[k].ArticleText != "" {
				e.ArticleText = matches[k].ArticleText
			}
			e.Unflag(reference.ReasonValidationFailed)
			e.Unflag(reference.ReasonRateLimited)
		case errors.Is(err, reference.ErrNotFound):
			e.ValidationStatus = reference.StatusValidationFailed
			e.Flag(reference.ReasonValidationFailed)
			e.Unflag(reference.ReasonRateLimited)
		default:
			if res.Failures == nil {
				res.Failures = make(map[int]error)
			}
			res.Failures[i] = err
		}
	}
	return res, nil
}

var (
	_ Resolver = (*NationalResolver)(nil)
	_ Resolver = (*SupranationalResolver)(nil)
)
