// Package orchestrator runs the multi-agent convergence loop for one job.
//
// # Overview
//
// Each round runs four phases:
//
//	extracting → resolving → merging → scored
//
// Extractors run concurrently behind a barrier. Resolvers run strictly in
// stage order over the working set. The merged set is scored and the
// convergence detector decides whether another round is needed.
//
// # Failures
//
// Agents never retry; the Executor does. Transient agent failures
// (reference.ErrAgentUnavailable) are retried with exponential backoff and
// the agent is skipped once attempts run out. Per-entry rate limits are
// re-submitted to the same resolver within the phase. Entries are never
// dropped: a failed resolver flags the entries it targets for review.
//
// A round in which every extractor failed is marked failed. Two failed
// rounds in a row fail the job with reference.ErrRoundFailed.
//
// # Progress
//
// The ProgressCallback receives a label and a percentage after every phase
// transition. Percentages never decrease within a run.
//
// # Usage
//
//	exec, err := orchestrator.NewExecutor(extractors, resolvers, normalizer, logger)
//	exec.OnProgress(func(p orchestrator.Progress) { ... })
//	result, err := exec.Run(ctx, text, orchestrator.DefaultConfig())
package orchestrator
