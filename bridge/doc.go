// Package bridge provides correlated request-reply on top of one-shot publish and
// subscribe primitives.
//
// Every request carries a fresh correlation id and gets its own reply subscription
// limited to one reply. A timer is armed next to it; whichever of reply and timeout
// reaches the loop first completes the request and the other is suppressed, so the
// reply handler runs exactly once.
//
// The transport runs a single-threaded dispatch loop. The bridge works from three
// kinds of callers:
//   - code already running on the loop issues in place and returns immediately
//   - while RunWorker owns the loop, calls from any goroutine issue in place as well
//   - any other caller borrows the loop: it waits for a foreign loop to stop, runs
//     the loop itself and returns when every outstanding operation has completed
//
// A worker that stops keeps the loop running until the operations issued on it
// have completed, and timers that fire while no one runs the loop are delivered on
// the next run, so no request is left without its reply or timeout.
//
// Basic usage:
//
//	b := bridge.New(transport, bridge.WithService("billing"))
//
//	reply, err := b.Call(ctx, routing.MustParse("crm.users.get"), id, bridge.RequestOptions{})
//	if err != nil {
//	    return err
//	}
//	var user User
//	err = reply.Decode(&user)
//
// There is no retry and no cancellation of an issued request; a lost connection
// surfaces through the timeout.
package bridge
