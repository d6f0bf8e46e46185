// Package driver is the orchestration kernel of perfdriver.
//
// A test session is a sequence of parameter-change batches applied to a
// black-box target. Everything that happens in between is an Event on a
// single in-process Bus:
//
//   - Policies (see driver/fsm) react to events and stage parameter values
//     on a Parameters batch.
//   - The batch is flushed once per handling cycle as a ParameterUpdateEvent
//     carrying a freshly minted root TraceID.
//   - Channels whose Trigger fires apply the new values to the target.
//   - Observers report what the target does as further events, which carry
//     the root TraceID of the batch that caused them.
//   - Trackers (see driver/tracker) turn matching events into samples on the
//     metric Store (see driver/metrics).
//
// The Bus and everything it delivers to are owned by the goroutine running
// the Loop. Worker goroutines talk to the kernel only through Loop.Post.
package driver
