// Package ctxfed federates NGSI-LD entity operations across context sources.
//
// A context source announces what it holds with a Context Source Registration (CSR):
// entity types, ids or id patterns, attribute names, the operations it serves and a mode
// (inclusive, exclusive, redirect, auxiliary). ctxfed keeps those registrations and, for
// each entity operation, decides which sources take part.
//
// # Reads
//
// Queries and retrievals fan out concurrently to every matching source. Each call is
// narrowed to what the registration declares, results are paired with the registration
// they came from and merged attribute by attribute, newest observation first. A failing
// source never fails the read; it becomes a warning carried in the NGSILD-Warning header.
//
// # Writes
//
// Creates and replaces walk the registrations tier by tier: exclusive, then redirect,
// then inclusive. Exclusive and redirect sources take their attributes out of the entity;
// what is left is created locally. Sources that match but cannot serve the write produce
// a 409 conflict in the batch result. Deletes go to every matching source.
//
// # Packages
//
//   - ngsild: entity documents and attribute projection
//   - csr: registration model, parsing and the matcher
//   - registry: registration stores (memory, NATS JetStream KV, SQL)
//   - federation: remote caller, read and write dispatch, merging, warnings
//   - health, metric: source health and Prometheus metrics
//   - admin: operational HTTP surface
//   - config: layered YAML/JSON configuration
//   - cmd/ctxfed: the process
package ctxfed
