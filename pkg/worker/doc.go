// Package worker provides a generic bounded worker pool
package worker
