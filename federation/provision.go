package federation

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/c360/ctxfed/csr"
	"github.com/c360/ctxfed/errors"
	"github.com/c360/ctxfed/ngsild"
)

// provisionTiers is the order in which write delegation is resolved. Auxiliary sources
// never receive writes.
var provisionTiers = []csr.Mode{csr.ModeExclusive, csr.ModeRedirect, csr.ModeInclusive}

// claimant is one registration taking part in a write, with all its matching units.
type claimant struct {
	reg   *csr.Registration
	units []csr.MatchUnit
}

// claim returns the attributes of e this registration is associated with. An entity
// without attributes is claimed whole by registrations without an allow-list.
func (c claimant) claim(e ngsild.Entity) (attrs []string, ok bool) {
	names := e.AttributeNames()
	if len(names) == 0 {
		for _, u := range c.units {
			if u.AttributeNames() == nil {
				return nil, true
			}
		}
		return nil, false
	}

	seen := make(map[string]bool)
	for _, u := range c.units {
		selected := names
		if allowed := u.AttributeNames(); allowed != nil {
			selected = csr.Intersect(names, allowed)
		}
		for _, a := range selected {
			if !seen[a] {
				seen[a] = true
				attrs = append(attrs, a)
			}
		}
	}
	sort.Strings(attrs)
	return attrs, len(attrs) > 0
}

// provisionState is threaded through the tiers.
type provisionState struct {
	remaining ngsild.Entity // nil once fully delegated
	delegated bool          // some attribute was claimed by an exclusive or redirect source
	result    BatchResult
}

// CreateEntity delegates the creation of e. The returned entity is what the caller should
// still create locally; nil means the entity was fully delegated and must not be stored.
func (d *Dispatcher) CreateEntity(ctx context.Context, e ngsild.Entity, req WriteRequest) (BatchResult, ngsild.Entity, error) {
	return d.provision(ctx, csr.OpCreateEntity, e, req)
}

// ReplaceEntity delegates the replacement of e, with the same remaining-entity contract as
// CreateEntity.
func (d *Dispatcher) ReplaceEntity(ctx context.Context, e ngsild.Entity, req WriteRequest) (BatchResult, ngsild.Entity, error) {
	return d.provision(ctx, csr.OpReplaceEntity, e, req)
}

func (d *Dispatcher) provision(ctx context.Context, op csr.Operation, e ngsild.Entity, req WriteRequest) (BatchResult, ngsild.Entity, error) {
	if e.ID() == "" {
		return BatchResult{}, nil, errors.WrapInvalid(errors.ErrInvalidPayload, "Dispatcher", "provision", "entity without id")
	}

	units, err := d.match(ctx, csr.Filters{
		IDs:       []string{e.ID()},
		TypeQuery: strings.Join(e.Types(), ","),
	})
	if err != nil {
		return BatchResult{}, nil, errors.Wrap(err, "Dispatcher", "provision", "match registrations")
	}
	byMode := groupClaimants(units)

	state := provisionState{remaining: e.Clone()}
	for _, mode := range provisionTiers {
		state = d.provisionTier(ctx, op, mode, byMode[mode], state, req)
	}
	return state.result, state.remaining, nil
}

// groupClaimants collects the units of each registration and buckets registrations by
// mode, ordered by id within a mode.
func groupClaimants(units []csr.MatchUnit) map[csr.Mode][]claimant {
	index := make(map[string]int)
	var all []claimant
	for _, u := range units {
		i, ok := index[u.Registration.ID]
		if !ok {
			i = len(all)
			index[u.Registration.ID] = i
			all = append(all, claimant{reg: u.Registration})
		}
		all[i].units = append(all[i].units, u)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].reg.ID < all[j].reg.ID })

	byMode := make(map[csr.Mode][]claimant)
	for _, c := range all {
		byMode[c.reg.Mode] = append(byMode[c.reg.Mode], c)
	}
	return byMode
}

// provisionTier runs one tier. Exclusive and redirect sources remove what they claim from
// the remaining entity; inclusive sources share it.
func (d *Dispatcher) provisionTier(ctx context.Context, op csr.Operation, mode csr.Mode, claimants []claimant, state provisionState, req WriteRequest) provisionState {
	if state.remaining == nil {
		return state
	}
	shrinks := mode != csr.ModeInclusive
	entityID := state.remaining.ID()

	for _, c := range claimants {
		attrs, ok := c.claim(state.remaining)
		if !ok {
			continue
		}

		switch {
		case c.reg.Supports(op):
			if f := d.caller.CallWrite(ctx, d.writeRequest(op, c.reg, state.remaining.WithOnly(attrs), req)); f != nil {
				f.Attributes = attrs
				state.result.addFailure(entityID, f)
			} else {
				state.result.addSuccess(entityID, c.reg)
			}
		case shrinks:
			title := "Context source does not support the creation"
			if op == csr.OpReplaceEntity {
				title = "Context source does not support the replacement"
			}
			d.logger.Info("Write conflicts with registration", "csr_id", c.reg.ID, "entity_id", entityID, "operation", op)
			d.metrics.RecordWriteError(string(op))
			state.result.addFailure(entityID, conflict(c.reg, title, attrs))
		default:
			continue
		}

		if shrinks {
			state.delegated = true
			state.remaining = state.remaining.Without(attrs)
		}
	}

	if shrinks && state.delegated && state.remaining.HasOnlyCore() {
		state.remaining = nil
	}
	return state
}

func (d *Dispatcher) writeRequest(op csr.Operation, reg *csr.Registration, e ngsild.Entity, req WriteRequest) RemoteRequest {
	// entities decoded from JSON always re-encode
	body, _ := json.Marshal(e)
	r := RemoteRequest{
		Registration: reg,
		Operation:    op,
		Query:        req.Query,
		Header:       req.Header,
		Body:         body,
	}
	if op == csr.OpReplaceEntity {
		r.Method = http.MethodPut
		r.Path = EntityPath(e.ID())
	} else {
		r.Method = http.MethodPost
		r.Path = EntitiesPath
	}
	return r
}

// DeleteEntity forwards the deletion of id to every applicable source supporting it.
// Exclusive and redirect sources that cannot delete are reported as conflicts; inclusive
// sources that cannot are skipped. Auxiliary sources are read-only supplements: they are
// never asked and never reported as conflicts, even though they do not support deletion.
func (d *Dispatcher) DeleteEntity(ctx context.Context, id string, types []string, req WriteRequest) (BatchResult, error) {
	units, err := d.match(ctx, csr.Filters{IDs: []string{id}, TypeQuery: strings.Join(types, ",")})
	if err != nil {
		return BatchResult{}, errors.Wrap(err, "Dispatcher", "DeleteEntity", "match registrations")
	}

	regs := csr.Distinct(units)
	sort.Slice(regs, func(i, j int) bool { return regs[i].ID < regs[j].ID })

	var result BatchResult
	for _, reg := range regs {
		switch {
		case reg.Mode == csr.ModeAuxiliary:
			continue
		case reg.Supports(csr.OpDeleteEntity):
			f := d.caller.CallWrite(ctx, RemoteRequest{
				Registration: reg,
				Operation:    csr.OpDeleteEntity,
				Method:       http.MethodDelete,
				Path:         EntityPath(id),
				Query:        req.Query,
				Header:       req.Header,
			})
			if f != nil {
				result.addFailure(id, f)
			} else {
				result.addSuccess(id, reg)
			}
		case reg.Mode != csr.ModeInclusive:
			d.logger.Info("Delete conflicts with registration", "csr_id", reg.ID, "entity_id", id)
			d.metrics.RecordWriteError(string(csr.OpDeleteEntity))
			result.addFailure(id, conflict(reg, "Context source does not support deletion", nil))
		}
	}
	return result, nil
}
