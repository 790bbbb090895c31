// Package extract implements the per-file dependency-aware extraction
// scheduler and the materialization sink contract it dispatches to.
package extract
