package federation

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/c360/ctxfed/csr"
	"github.com/c360/ctxfed/errors"
)

// WarningHeader carries federation warnings back to the client, one value per warning.
const WarningHeader = "NGSILD-Warning"

// WarningKind enumerates the advisory outcomes of a remote call.
type WarningKind int

// Warning kinds
const (
	// KindMiscellaneous is a transient failure: connection refused, timeout, DNS.
	KindMiscellaneous WarningKind = iota
	// KindMiscellaneousPersistent is an unexpected status from a reachable source.
	KindMiscellaneousPersistent
	// KindRevalidationFailed is a 2xx answer whose payload could not be decoded.
	KindRevalidationFailed
)

func (k WarningKind) String() string {
	switch k {
	case KindMiscellaneous:
		return "Miscellaneous"
	case KindMiscellaneousPersistent:
		return "MiscellaneousPersistent"
	case KindRevalidationFailed:
		return "RevalidationFailed"
	default:
		return fmt.Sprintf("WarningKind(%d)", int(k))
	}
}

// Warning is an advisory signal about one remote call. It never aborts the request it
// belongs to.
type Warning struct {
	Kind         WarningKind
	Detail       string
	Status       int // peer status code, 0 when the peer did not answer
	Registration *csr.Registration
}

// SourceRef identifies the registration a warning originates from.
type SourceRef struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint"`
}

// Problem is the JSON problem document rendered for a warning.
type Problem struct {
	Type   string     `json:"type"`
	Title  string     `json:"title"`
	Detail string     `json:"detail,omitempty"`
	Status int        `json:"status,omitempty"`
	Source *SourceRef `json:"csr,omitempty"`
}

const problemBase = "https://uri.etsi.org/ngsi-ld/errors/"

// Problem renders w as a problem document.
func (w Warning) Problem() Problem {
	p := Problem{Detail: w.Detail, Status: w.Status}
	switch w.Kind {
	case KindMiscellaneous:
		p.Type = problemBase + "MiscellaneousWarning"
		p.Title = "Context source could not be reached"
	case KindMiscellaneousPersistent:
		p.Type = problemBase + "MiscellaneousPersistentWarning"
		p.Title = "Context source answered with an unexpected status"
	case KindRevalidationFailed:
		p.Type = problemBase + "RevalidationFailedWarning"
		p.Title = "Context source payload could not be validated"
	default:
		p.Type = problemBase + "MiscellaneousWarning"
		p.Title = w.Kind.String()
	}
	if w.Registration != nil {
		p.Source = &SourceRef{ID: w.Registration.ID, Endpoint: w.Registration.Endpoint}
	}
	return p
}

func (w Warning) String() string {
	id := ""
	if w.Registration != nil {
		id = w.Registration.ID
	}
	return fmt.Sprintf("%s warning from %s: %s", w.Kind, id, w.Detail)
}

// EncodeWarning renders w as a header-safe value: the standard Base64 encoding of its
// problem document.
func EncodeWarning(w Warning) string {
	// Problem has no unencodable fields
	data, _ := json.Marshal(w.Problem())
	return base64.StdEncoding.EncodeToString(data)
}

// WriteWarnings adds one WarningHeader value per warning to h.
func WriteWarnings(h http.Header, ws []Warning) {
	for _, w := range ws {
		h.Add(WarningHeader, EncodeWarning(w))
	}
}

// DecodeWarningHeader parses one WarningHeader value.
func DecodeWarningHeader(v string) (Problem, error) {
	var p Problem
	data, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return p, errors.WrapInvalid(err, "federation", "DecodeWarningHeader", "decode base64")
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, errors.WrapInvalid(err, "federation", "DecodeWarningHeader", "decode problem")
	}
	return p, nil
}
