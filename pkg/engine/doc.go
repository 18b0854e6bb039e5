// Package engine runs the analysis phases of Auri against VMs.
//
// # Phases
//
// Two phases share the same machinery:
//
//   - Liveness runs every collected sample on an unprotected VM and records whether
//     it still changes the VM (the sample is alive).
//   - Evaluation runs every alive sample on one VM per security vendor and records
//     whether the vendor let it change the VM.
//
// Both follow the same state machine, published through a Broadcaster:
//
//	NotStarted → Initializing → MissingDependencies
//	                          → CapturingGoodState → Analyzing → Finished
//	any non-terminal state    → Failed
//
// # Units
//
// A unit is one sample on one VM target. It launches the VM, waits until it is
// reachable, copies the sample and a launch script, starts the sample through a
// scheduled task, polls the analyzers until they report a change or the timeout
// elapses, saves the verdict and stops the VM. Units run strictly one at a time.
//
// VM launch and stop are retried according to a RetryPolicy. Readiness waits and
// scheduled task commands are never retried. A unit that has started is not
// interrupted by the caller's context: cancellation is honored between units and
// ends the phase in Failed{What: "analysis interrupted"}.
//
// # Errors
//
// Failures are *EngineError values carrying a class and the operation that
// failed, with the cause chained through Wrap:
//
//	Failed{What: "launch VM", Why: "Analyzing sample 3: Launching VM: gave up after 5 attempts: ..."}
//
// # Queue
//
// The sample store is the queue. A phase reads it through a SampleCursor, so a
// resumed phase only sees the samples that still lack a verdict. A streamed phase
// keeps polling the store for newly collected samples and never finishes on its own.
package engine
