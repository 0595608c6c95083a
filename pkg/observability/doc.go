// Package observability provides OpenTelemetry tracing and metrics for the
// Caracal authority core, plus the SLI/SLO tracking that pairs the Merkle
// batcher's close thresholds with a ledger-to-root latency budget.
//
// # Provider
//
// Initialize at process startup and shut down on exit:
//
//	provider, err := observability.New(ctx, observability.DefaultConfig())
//	defer provider.Shutdown(ctx)
//
// Wrap an operation so its duration, errors, and active count are all
// recorded under the RED metrics:
//
//	ctx, done := provider.TrackOperation(ctx, "decide",
//		observability.DecisionAttrs(principalID, mandateID, action, resource, outcome, kind, 0)...)
//	defer done(err)
//
// Create spans manually where an operation spans multiple components:
//
//	ctx, span := provider.StartSpan(ctx, "mandate.revoke_cascade")
//	defer span.End()
//
// # SLOs
//
// Track per-operation compliance and burn rate:
//
//	tracker := observability.NewSLOTracker()
//	tracker.SetTarget(&observability.SLOTarget{
//		Operation: "batch_close", LatencyP99: 90 * time.Second,
//		SuccessRate: 0.999, WindowHours: 24,
//	})
//	tracker.Record(observability.SLOObservation{Operation: "batch_close", Latency: took, Success: err == nil})
package observability
