package federation

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/c360/ctxfed/csr"
	"github.com/c360/ctxfed/errors"
)

// QueryRequest describes the target of a read. Query holds every other parameter of the
// inbound request (q, geoQ, limit, options ...) and is forwarded after refinement.
type QueryRequest struct {
	IDs       []string
	IDPattern string
	Type      string
	Attrs     []string
	Query     url.Values
	Header    http.Header
}

// QueryResult collects the outcome of a federated read.
type QueryResult struct {
	Warnings []Warning
	Entities []SourcedEntity
	// Counts holds one entry per successful call: the count the source reported, or nil.
	Counts []*int
}

// TotalCount sums the counts reported by sources.
func (r QueryResult) TotalCount() int {
	total := 0
	for _, c := range r.Counts {
		if c != nil {
			total += *c
		}
	}
	return total
}

// QueryEntities forwards a query to every source whose registration applies and collects
// their answers. A failing source becomes a warning; only a registry failure is an error.
func (d *Dispatcher) QueryEntities(ctx context.Context, req QueryRequest) (QueryResult, error) {
	f := csr.Filters{
		IDs:        req.IDs,
		IDPattern:  req.IDPattern,
		TypeQuery:  req.Type,
		Operations: []csr.Operation{csr.OpQueryEntity},
		Attrs:      req.Attrs,
	}
	units, err := d.match(ctx, f)
	if err != nil {
		return QueryResult{}, errors.Wrap(err, "Dispatcher", "QueryEntities", "match registrations")
	}

	calls := make([]RemoteRequest, len(units))
	for i, u := range units {
		calls[i] = RemoteRequest{
			Registration: u.Registration,
			Operation:    csr.OpQueryEntity,
			Method:       http.MethodGet,
			Path:         EntitiesPath,
			Query:        d.refineQuery(u, req),
			Header:       req.Header,
		}
	}
	return d.fanOut(ctx, calls), nil
}

// RetrieveEntity fetches entity id from every source whose registration applies.
func (d *Dispatcher) RetrieveEntity(ctx context.Context, id string, req QueryRequest) (QueryResult, error) {
	req.IDs = []string{id}
	req.IDPattern = ""
	f := csr.Filters{
		IDs:        req.IDs,
		TypeQuery:  req.Type,
		Operations: []csr.Operation{csr.OpRetrieveEntity},
		Attrs:      req.Attrs,
	}
	units, err := d.match(ctx, f)
	if err != nil {
		return QueryResult{}, errors.Wrap(err, "Dispatcher", "RetrieveEntity", "match registrations")
	}

	calls := make([]RemoteRequest, len(units))
	for i, u := range units {
		q := d.refineQuery(u, req)
		q.Del("id")
		q.Del("idPattern")
		calls[i] = RemoteRequest{
			Registration: u.Registration,
			Operation:    csr.OpRetrieveEntity,
			Method:       http.MethodGet,
			Path:         EntityPath(id),
			Query:        q,
			Header:       req.Header,
		}
	}
	return d.fanOut(ctx, calls), nil
}

// fanOut runs every call and waits for all of them. No call cancels another.
func (d *Dispatcher) fanOut(ctx context.Context, calls []RemoteRequest) QueryResult {
	outcomes := make([]CallOutcome, len(calls))

	var g errgroup.Group
	if d.maxConcurrency > 0 {
		g.SetLimit(d.maxConcurrency)
	}
	for i := range calls {
		g.Go(func() error {
			outcomes[i] = d.caller.Call(ctx, calls[i])
			return nil
		})
	}
	_ = g.Wait()

	var res QueryResult
	for _, out := range outcomes {
		if out.Warning != nil {
			res.Warnings = append(res.Warnings, *out.Warning)
			continue
		}
		res.Counts = append(res.Counts, out.Count)
		for _, e := range out.Entities {
			res.Entities = append(res.Entities, SourcedEntity{Entity: e, Registration: out.Registration})
		}
	}
	return res
}

// refineQuery builds the parameters sent for one match unit: the entity filter narrowed to
// what the unit's EntityInfo selects and the attributes narrowed to its allow-list.
func (d *Dispatcher) refineQuery(u csr.MatchUnit, req QueryRequest) url.Values {
	q := make(url.Values, len(req.Query)+4)
	for k, v := range req.Query {
		q[k] = append([]string(nil), v...)
	}
	for _, k := range []string{"id", "idPattern", "type", "attrs"} {
		q.Del(k)
	}

	switch {
	case req.Type != "":
		q.Set("type", req.Type)
	case len(u.Entity.Types) > 0:
		q.Set("type", strings.Join(u.Entity.Types, ","))
	}

	switch {
	case len(req.IDs) > 0:
		q.Set("id", strings.Join(d.matcher.MatchingIDs(u.Entity, req.IDs), ","))
	case u.Entity.ID != "":
		q.Set("id", u.Entity.ID)
	case req.IDPattern != "":
		q.Set("idPattern", req.IDPattern)
	case u.Entity.IDPattern != "":
		q.Set("idPattern", u.Entity.IDPattern)
	}

	attrs := req.Attrs
	if allowed := u.AttributeNames(); allowed != nil {
		if len(attrs) > 0 {
			attrs = csr.Intersect(attrs, allowed)
		} else {
			attrs = allowed
		}
	}
	if len(attrs) > 0 {
		q.Set("attrs", strings.Join(attrs, ","))
	}
	return q
}
