package worker_test

import (
	"context"
	"fmt"
	"log"

	"github.com/petrijr/reviewflow/internal/taskqueue"
	"github.com/petrijr/reviewflow/pkg/queue"
	"github.com/petrijr/reviewflow/pkg/worker"
)

// ExampleWorker demonstrates consuming the notifications topic.
func ExampleWorker() {
	ctx := context.Background()
	q := taskqueue.NewInMemoryQueue(16)

	client := queue.NewClient(queue.NewQueueProducer(q))
	key := queue.IdempotencyKey("sub-42", "notify-approval")
	for range 2 {
		// A replayed step publishes the same notification twice.
		if err := client.EnqueueNotification(ctx, "notify-approval", map[string]string{"submissionId": "sub-42"}, key); err != nil {
			log.Fatal(err)
		}
	}

	w := worker.New(q, taskqueue.TopicNotifications, worker.HandlerFunc(func(ctx context.Context, m *taskqueue.Message) error {
		fmt.Println("sending", m.Type, string(m.Payload))
		return nil
	}))

	if _, err := w.ProcessOne(ctx); err != nil {
		log.Fatal(err)
	}
	fmt.Println("pending:", q.Len(taskqueue.TopicNotifications))

	// Output:
	// sending notify-approval {"submissionId":"sub-42"}
	// pending: 0
}
