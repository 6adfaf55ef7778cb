// Package resilix is a resiliency policy engine for calls to named targets.
//
// Targets are registered with retry, circuit breaker and timeout policies
// in a Registry, which is sealed when an Engine is built over it. Do runs an
// operation as a guarded call: the target's breaker admits it, the retry
// policy drives attempts, each attempt is bounded by the timeout and the
// final outcome is fed back to the breaker. Analyze checks a registry
// against a dependency graph for coverage gaps, cycles and risky settings,
// and PolicyTester verifies the policies under injected chaos.
package resilix
