// Package taskqueue persists and dispatches locally originated mutations:
// sends, deletes and delivered/seen indications.
//
// Every mutation is written to the store as a task before any network
// effect, so nothing is lost across restarts. A single dispatch goroutine
// picks pending tasks in creation order and hands them to workers, at most
// MaxParallel at a time; receipt indications run outside that cap.
//
// A successful send does not complete its task. The task keeps the server
// id it was acknowledged with and waits until the engine applies the echo
// of that id (Observe), which removes the task and reports EventSent
// exactly once.
package taskqueue
