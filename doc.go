// Package reviewflow provides a durable workflow engine for moderating user
// submissions: content posts, marketplace listings, business verifications
// and expert applications.
//
// Each submission is reviewed by a workflow instance that records every
// side effect it performs in an append-only step log. When the process
// restarts, or when an external event arrives, the workflow function is
// replayed against that log: completed steps return their recorded result
// instead of running again, so a review never double-publishes a post or
// double-awards points.
//
// # Review lifecycle
//
// Every review follows the same sequence:
//
//  1. mark the submission pending and enqueue a reviewer notification
//  2. for business verifications, wait up to 24h for payment-completed
//  3. wait for approval-decision (7 or 14 days depending on the type)
//  4. publish or approve, award points and notify the submitter, or
//     reject with the reviewer's reason
//
// A wait that expires is resumed by the sweeper with a timeout; an expired
// approval window rejects the submission.
//
// # Engine
//
// The Engine creates, resumes, cancels and lists instances. Instance state
// can be kept in memory, SQLite, PostgreSQL or Redis:
//
//	eng := reviewflow.NewInMemoryEngine(reviewflow.NewCatalog(subs, q))
//	inst, err := reviewflow.Trigger(ctx, eng, "content_review", payload)
//	inst, err = reviewflow.Decide(ctx, eng, inst.ID, reviewflow.Decision{Approved: true})
//
// Create and Resume are synchronous: they return once the instance is
// waiting again, has completed, or has failed.
//
// # Bundle
//
// A Bundle shares one SQLite database between the engine and a task queue.
// The queue carries the award-points jobs and notifications produced by the
// review steps, plus signals deferred by producers such as payment webhooks;
// the bundle's Worker delivers those signals.
//
// The reviewflowd command serves the same engine over HTTP.
package reviewflow
