package reviewflow_test

import (
	"context"
	"fmt"
	"log"

	"github.com/petrijr/reviewflow"
	"github.com/petrijr/reviewflow/internal/taskqueue"
	"github.com/petrijr/reviewflow/pkg/queue"
)

// Example_contentReview runs a content review from trigger to approval
// against in-memory stores.
func Example_contentReview() {
	ctx := context.Background()

	subs := reviewflow.NewMemorySubmissions()
	q := queue.NewClient(queue.NewQueueProducer(taskqueue.NewInMemoryQueue(16)))
	eng := reviewflow.NewInMemoryEngine(reviewflow.NewCatalog(subs, q))

	inst, err := reviewflow.Trigger(ctx, eng, "content_review", map[string]string{
		"contentId": "post-42",
		"userId":    "gopher",
		"title":     "Channels in practice",
	})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("after trigger:", inst.Status)

	inst, err = reviewflow.Decide(ctx, eng, inst.ID, reviewflow.Decision{Approved: true})
	if err != nil {
		log.Fatal(err)
	}
	out, err := reviewflow.OutputOf(inst)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("after decision:", inst.Status, out.Outcome, out.Status, out.Points)

	// Output:
	// after trigger: waiting
	// after decision: completed approved published 50
}
