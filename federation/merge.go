package federation

import (
	"time"

	"github.com/c360/ctxfed/csr"
	"github.com/c360/ctxfed/ngsild"
)

// SourcedEntity pairs a remote entity with the registration it was retrieved through.
type SourcedEntity struct {
	Entity       ngsild.Entity
	Registration *csr.Registration
}

func (s SourcedEntity) auxiliary() bool {
	return s.Registration != nil && s.Registration.Mode == csr.ModeAuxiliary
}

// Merge reconciles a local entity with remote versions of it. It returns nil when there is
// neither a local entity nor any remote one, and never modifies its inputs.
//
// Fixed members keep the first value seen, type and scope become set unions, and every
// other member is merged per datasetId instance: a missing instance is added, an auxiliary
// instance never replaces an existing one, otherwise the later observedAt wins, then the
// later modifiedAt. When neither decides, the instance already present is kept.
//
// Auxiliary remotes are folded after every other remote, so they only fill what the local
// entity and the other sources left missing, whatever order remotes arrive in.
func Merge(local ngsild.Entity, remotes []SourcedEntity) ngsild.Entity {
	if local == nil && len(remotes) == 0 {
		return nil
	}

	acc := local.Clone()
	if acc == nil {
		acc = make(ngsild.Entity)
	}
	for _, remote := range auxiliaryLast(remotes) {
		mergeInto(acc, remote)
	}
	return acc
}

// auxiliaryLast returns remotes stably partitioned with auxiliary sources at the end.
func auxiliaryLast(remotes []SourcedEntity) []SourcedEntity {
	out := make([]SourcedEntity, 0, len(remotes))
	var aux []SourcedEntity
	for _, r := range remotes {
		if r.auxiliary() {
			aux = append(aux, r)
			continue
		}
		out = append(out, r)
	}
	return append(out, aux...)
}

func mergeInto(acc ngsild.Entity, remote SourcedEntity) {
	for name, value := range remote.Entity {
		existing, present := acc[name]
		switch {
		case !present:
			acc[name] = copyValue(value)
		case ngsild.IsListMember(name):
			acc[name] = ngsild.UnionList(existing, value)
		case ngsild.IsFixedMember(name):
			// first writer wins
		default:
			acc[name] = mergeAttribute(existing, value, remote.auxiliary())
		}
	}
}

type instance struct {
	datasetID string
	value     any
}

// instances splits an attribute value into its datasetId instances, in document order.
func instances(v any) []instance {
	list, ok := v.([]any)
	if !ok {
		return []instance{{datasetID: datasetID(v), value: v}}
	}
	out := make([]instance, 0, len(list))
	for _, item := range list {
		out = append(out, instance{datasetID: datasetID(item), value: item})
	}
	return out
}

func datasetID(v any) string {
	if m, ok := v.(map[string]any); ok {
		if id, ok := m[ngsild.KeyDatasetID].(string); ok {
			return id
		}
	}
	return ""
}

func mergeAttribute(existing, incoming any, auxiliary bool) any {
	merged := instances(existing)
	index := make(map[string]int, len(merged))
	for i, inst := range merged {
		index[inst.datasetID] = i
	}

	for _, inst := range instances(incoming) {
		i, found := index[inst.datasetID]
		if !found {
			index[inst.datasetID] = len(merged)
			merged = append(merged, instance{datasetID: inst.datasetID, value: copyValue(inst.value)})
			continue
		}
		if auxiliary {
			continue
		}
		if newer(inst.value, merged[i].value) {
			merged[i].value = copyValue(inst.value)
		}
	}

	if len(merged) == 1 && merged[0].datasetID == "" {
		return merged[0].value
	}
	out := make([]any, len(merged))
	for i, inst := range merged {
		out[i] = inst.value
	}
	return out
}

// newer reports whether candidate is strictly more recent than current by observedAt,
// falling back to modifiedAt when observedAt does not decide.
func newer(candidate, current any) bool {
	for _, key := range []string{ngsild.KeyObservedAt, ngsild.KeyModifiedAt} {
		c, okC := timestamp(candidate, key)
		e, okE := timestamp(current, key)
		if !okC || !okE || c.Equal(e) {
			continue
		}
		return c.After(e)
	}
	return false
}

func timestamp(v any, key string) (time.Time, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return time.Time{}, false
	}
	return ngsild.ParseDateTime(m[key])
}

func copyValue(v any) any {
	return ngsild.Entity{"v": v}.Clone()["v"]
}

// MergeByID groups local entities and remote results by entity id and merges each group.
// Local entities keep their order; entities only known remotely follow in first-seen order.
func MergeByID(local []ngsild.Entity, remotes []SourcedEntity) []ngsild.Entity {
	var order []string
	locals := make(map[string]ngsild.Entity, len(local))
	grouped := make(map[string][]SourcedEntity)

	for _, e := range local {
		id := e.ID()
		if _, seen := locals[id]; !seen {
			order = append(order, id)
			locals[id] = e
		}
	}
	for _, r := range remotes {
		id := r.Entity.ID()
		if _, seen := locals[id]; !seen {
			if _, seen := grouped[id]; !seen {
				order = append(order, id)
			}
		}
		grouped[id] = append(grouped[id], r)
	}

	out := make([]ngsild.Entity, 0, len(order))
	for _, id := range order {
		if merged := Merge(locals[id], grouped[id]); merged != nil {
			out = append(out, merged)
		}
	}
	return out
}
