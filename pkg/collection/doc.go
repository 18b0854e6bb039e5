// Package collection gathers samples from collectors into the sample store.
//
// A run checks collector dependencies, starts every collector and funnels the
// samples they find through a pipeline:
//
//	collectors -> validate & hash (bounded pool) -> deduplicate & insert -> copy -> enrich
//
// Samples are identified by SHA-256. The file of a stored sample lives in the samples
// directory under its SHA-1. Info providers are queried for every new sample and their
// answers are stored with the provider's position as priority.
//
// Periodic collectors are built with PeriodicCollection, which runs a single pass in
// rounds according to a PeriodicActionConfig.
package collection
