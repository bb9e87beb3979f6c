// Package federation forwards NGSI-LD entity operations to the context sources registered
// through Context Source Registrations and reconciles their answers.
//
// Reads (QueryEntities, RetrieveEntity) fan out concurrently to every applicable source;
// a failing source turns into a Warning next to the results of the others. Writes
// (CreateEntity, ReplaceEntity) walk the exclusive, redirect and inclusive tiers in that
// order, each exclusive or redirect source claiming the attributes it is registered for;
// the returned remaining entity is nil when nothing is left to store locally. DeleteEntity
// is a single pass over the applicable sources.
//
// Merge and MergeByID combine a local entity with the remote versions collected by a read.
// Warnings reach HTTP clients through WriteWarnings.
package federation
