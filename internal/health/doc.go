// Package health keeps registry health state current under churn.
//
// # Overview
//
// A single Checker runs for the lifetime of the gateway process. Each cycle
// it snapshots the full instance list from the registry, probes every
// instance concurrently, and feeds each outcome back through
// RecordCheckResult. Probes never block one another: a hung backend costs
// only its own probe timeout, which is validated to be strictly shorter
// than the cycle interval.
//
// # Probes
//
// A probe is GET {base_url}/models with the instance's bearer credential
// when present. A 2xx response with a decodable OpenAI model list counts as
// success and refreshes the instance's advertised models. When /models is
// unavailable, a plain GET against the base URL is tried; any HTTP response
// counts as alive. Transport errors and timeouts count as failures.
//
// # Churn tolerance
//
// The snapshot taken at cycle start means instances added mid-cycle are
// picked up next cycle, and results for instances removed mid-cycle are
// discarded by the registry (the id no longer resolves). Probe failures
// never propagate to clients; they only update registry state.
package health
