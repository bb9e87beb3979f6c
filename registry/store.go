// Package registry persists Context Source Registrations and their delivery status.
package registry

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/c360/ctxfed/csr"
)

// IDPrefix prefixes generated registration ids
const IDPrefix = "urn:ngsi-ld:ContextSourceRegistration:"

// Store is the registration persistence consumed by the federation layer.
//
// UpdateStatus must tolerate concurrent calls for the same registration without losing
// increments. Implementations that resolve conflicts optimistically retry until ctx ends;
// an error is returned only when ctx is done or the store fails, never after a fixed count.
type Store interface {
	Create(ctx context.Context, reg *csr.Registration) (*csr.Registration, error)
	Get(ctx context.Context, id string) (*csr.Registration, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, f csr.Filters) ([]*csr.Registration, error)
	Count(ctx context.Context, f csr.Filters) (int, error)
	UpdateStatus(ctx context.Context, id string, success bool, at time.Time) error
}

// prepare returns a validated copy of reg ready to persist: id assigned when missing,
// defaults applied, timestamps set, status counters reset.
func prepare(reg *csr.Registration, now time.Time) (*csr.Registration, error) {
	out := reg.Clone()
	if out.ID == "" {
		out.ID = IDPrefix + uuid.NewString()
	}
	out.ApplyDefaults()
	out.CreatedAt = now.UTC()
	out.ModifiedAt = out.CreatedAt
	out.Status = ""
	out.TimesSent, out.TimesFailed = 0, 0
	out.LastSuccess, out.LastFailure = nil, nil

	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// selectMatching keeps the registrations applicable to f, ordered by id. Zero filters keep
// everything, inert and expired registrations included.
func selectMatching(m *csr.Matcher, regs []*csr.Registration, f csr.Filters) []*csr.Registration {
	out := make([]*csr.Registration, 0, len(regs))
	for _, reg := range regs {
		if f.IsZero() || m.Matches(reg, f) {
			out = append(out, reg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
