// Package csr models NGSI-LD Context Source Registrations and decides which of them apply
// to a request.
package csr

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/c360/ctxfed/errors"
)

// RegistrationType is the NGSI-LD type of every registration document.
const RegistrationType = "ContextSourceRegistration"

// Mode is the precedence tier of a registration.
type Mode string

// Registration modes
const (
	ModeInclusive Mode = "inclusive"
	ModeExclusive Mode = "exclusive"
	ModeRedirect  Mode = "redirect"
	ModeAuxiliary Mode = "auxiliary"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeInclusive, ModeExclusive, ModeRedirect, ModeAuxiliary:
		return true
	}
	return false
}

// Operation is an NGSI-LD operation name or operation group.
type Operation string

// Entity operations handled by the federation layer, and the groups that cover them
const (
	OpCreateEntity   Operation = "createEntity"
	OpReplaceEntity  Operation = "replaceEntity"
	OpDeleteEntity   Operation = "deleteEntity"
	OpRetrieveEntity Operation = "retrieveEntity"
	OpQueryEntity    Operation = "queryEntity"

	OpFederationOps  Operation = "federationOps"
	OpRedirectionOps Operation = "redirectionOps"
	OpRetrieveOps    Operation = "retrieveOps"
	OpUpdateOps      Operation = "updateOps"
)

var allEntityOps = []Operation{OpCreateEntity, OpReplaceEntity, OpDeleteEntity, OpRetrieveEntity, OpQueryEntity}

var operationGroups = map[Operation][]Operation{
	OpFederationOps:  allEntityOps,
	OpRedirectionOps: allEntityOps,
	OpRetrieveOps:    {OpRetrieveEntity, OpQueryEntity},
	OpUpdateOps:      {OpReplaceEntity},
}

// Covers reports whether declaring o permits the requested operation.
func (o Operation) Covers(requested Operation) bool {
	if o == requested {
		return true
	}
	for _, member := range operationGroups[o] {
		if member == requested {
			return true
		}
	}
	return false
}

// IsRetrieval reports whether o only reads data.
func (o Operation) IsRetrieval() bool {
	return o == OpRetrieveEntity || o == OpQueryEntity || o == OpRetrieveOps
}

// Status is the health of a context source as observed by dispatchers.
type Status string

// Registration statuses
const (
	StatusOK     Status = "ok"
	StatusFailed Status = "failed"
)

// TypeList is an NGSI-LD type member: a single string or an array of strings.
type TypeList []string

// UnmarshalJSON accepts a string or an array of strings.
func (t *TypeList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*t = TypeList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("type must be a string or an array of strings: %w", err)
	}
	*t = many
	return nil
}

// MarshalJSON writes a single type as a plain string.
func (t TypeList) MarshalJSON() ([]byte, error) {
	if len(t) == 1 {
		return json.Marshal(t[0])
	}
	return json.Marshal([]string(t))
}

// EntityInfo selects entities by id, id pattern and type. With neither id nor idPattern it
// selects every entity of its types.
type EntityInfo struct {
	ID        string   `json:"id,omitempty"`
	IDPattern string   `json:"idPattern,omitempty"`
	Types     TypeList `json:"type,omitempty"`
}

// IsWildcard reports whether the info constrains neither id nor pattern.
func (ei EntityInfo) IsWildcard() bool {
	return ei.ID == "" && ei.IDPattern == ""
}

// RegistrationInfo is one information block of a registration.
type RegistrationInfo struct {
	Entities          []EntityInfo `json:"entities,omitempty"`
	PropertyNames     []string     `json:"propertyNames,omitempty"`
	RelationshipNames []string     `json:"relationshipNames,omitempty"`
}

// AttributeNames returns the union of property and relationship names. Nil means the block
// covers every attribute.
func (ri RegistrationInfo) AttributeNames() []string {
	if len(ri.PropertyNames) == 0 && len(ri.RelationshipNames) == 0 {
		return nil
	}
	out := make([]string, 0, len(ri.PropertyNames)+len(ri.RelationshipNames))
	out = append(out, ri.PropertyNames...)
	return append(out, ri.RelationshipNames...)
}

// TimeInterval is a validity window; EndAt nil means open-ended.
type TimeInterval struct {
	StartAt time.Time  `json:"startAt"`
	EndAt   *time.Time `json:"endAt,omitempty"`
}

// KeyValue is one contextSourceInfo entry, forwarded to the source as a request header.
type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Registration is a Context Source Registration together with its delivery status.
type Registration struct {
	ID                  string             `json:"id"`
	Type                string             `json:"type"`
	RegistrationName    string             `json:"registrationName,omitempty"`
	Description         string             `json:"description,omitempty"`
	Endpoint            string             `json:"endpoint"`
	Mode                Mode               `json:"mode,omitempty"`
	Information         []RegistrationInfo `json:"information"`
	Operations          []Operation        `json:"operations,omitempty"`
	ContextSourceInfo   []KeyValue         `json:"contextSourceInfo,omitempty"`
	ObservationInterval *TimeInterval      `json:"observationInterval,omitempty"`
	ManagementInterval  *TimeInterval      `json:"managementInterval,omitempty"`
	ExpiresAt           *time.Time         `json:"expiresAt,omitempty"`
	Subject             string             `json:"subject,omitempty"`
	CreatedAt           time.Time          `json:"createdAt"`
	ModifiedAt          time.Time          `json:"modifiedAt"`

	Status      Status     `json:"status,omitempty"`
	TimesSent   int64      `json:"timesSent"`
	TimesFailed int64      `json:"timesFailed"`
	LastSuccess *time.Time `json:"lastSuccess,omitempty"`
	LastFailure *time.Time `json:"lastFailure,omitempty"`
}

// ApplyDefaults fills type, mode and operations with their NGSI-LD defaults.
func (r *Registration) ApplyDefaults() {
	if r.Type == "" {
		r.Type = RegistrationType
	}
	if r.Mode == "" {
		r.Mode = ModeInclusive
	}
	if len(r.Operations) == 0 {
		r.Operations = []Operation{r.defaultOperation()}
	}
}

func (r *Registration) defaultOperation() Operation {
	if r.Mode == ModeAuxiliary {
		return OpRetrieveOps
	}
	return OpFederationOps
}

// Supports reports whether the registration declares an operation covering op.
// A registration without operations supports the defaults of its mode.
func (r *Registration) Supports(op Operation) bool {
	if len(r.Operations) == 0 {
		return r.defaultOperation().Covers(op)
	}
	for _, declared := range r.Operations {
		if declared.Covers(op) {
			return true
		}
	}
	return false
}

// Expired reports whether expiresAt lies before now.
func (r *Registration) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && r.ExpiresAt.Before(now)
}

// RecordStatus applies the outcome of one call to the status counters.
func (r *Registration) RecordStatus(success bool, at time.Time) {
	r.TimesSent++
	if success {
		r.Status = StatusOK
		r.LastSuccess = &at
		return
	}
	r.Status = StatusFailed
	r.TimesFailed++
	r.LastFailure = &at
}

// Clone returns a deep copy.
func (r *Registration) Clone() *Registration {
	if r == nil {
		return nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		copied := *r
		return &copied
	}
	var clone Registration
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *r
		return &copied
	}
	return &clone
}

// Validate checks the structural rules of a registration.
func (r *Registration) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.WrapInvalid(fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidRegistration}, args...)...),
			"Registration", "Validate", "registration check")
	}

	if u, err := url.Parse(r.ID); err != nil || u.Scheme == "" {
		return invalid("id %q is not an absolute URI", r.ID)
	}
	if r.Type != RegistrationType {
		return invalid("type must be %s", RegistrationType)
	}
	if u, err := url.Parse(r.Endpoint); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalid("endpoint %q is not an http(s) URL", r.Endpoint)
	}
	if !r.Mode.Valid() {
		return invalid("unknown mode %q", r.Mode)
	}

	for i, info := range r.Information {
		for j, ei := range info.Entities {
			if len(ei.Types) == 0 {
				return invalid("information[%d].entities[%d] has no type", i, j)
			}
			if ei.ID != "" && ei.IDPattern != "" {
				return invalid("information[%d].entities[%d] declares both id and idPattern", i, j)
			}
			if ei.IDPattern != "" {
				if _, err := regexp.Compile(ei.IDPattern); err != nil {
					return invalid("information[%d].entities[%d] idPattern: %v", i, j, err)
				}
			}
		}
	}

	for _, iv := range []*TimeInterval{r.ObservationInterval, r.ManagementInterval} {
		if iv != nil && iv.EndAt != nil && iv.EndAt.Before(iv.StartAt) {
			return invalid("interval ends before it starts")
		}
	}

	if r.Mode == ModeAuxiliary {
		for _, op := range r.Operations {
			if !op.IsRetrieval() {
				return invalid("auxiliary registrations only support retrieval, got %q", op)
			}
		}
	}
	return nil
}
