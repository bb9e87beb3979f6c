// Package health reports the health of the registration store and of the context sources
// the federation layer talks to.
//
// A context source whose last call failed is unhealthy, but failing sources only degrade
// the system. Monitor keeps the latest Status per component and aggregates them for /health.
package health
