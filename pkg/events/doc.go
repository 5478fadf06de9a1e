/*
Package events provides an in-memory event broker for the orchestration core.

The broker broadcasts orchestrator events (task claims, agent spawns, flow
transitions, job failures) to interested subscribers. Delivery is best-effort:
publish is non-blocking, each subscriber owns a buffered channel, and a full
buffer skips the event rather than stalling the scheduler tick.

# Usage

Creating and starting the broker:

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

Subscribing, optionally filtered by type:

	sub := broker.Subscribe(events.EventTaskFailed, events.EventJobFailed)
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			fmt.Printf("Event: %s task=%s\n", event.Type, event.TaskID)
		}
	}()

Publishing:

	broker.Publish(&events.Event{
		Type:      events.EventTaskClaimed,
		TaskID:    "task-123",
		Blueprint: "impl-1",
	})

# Event Types

Task events:
  - task.claimed: a blueprint claimed a task from the store
  - task.released: a claim was released back (e.g. unmergeable review)
  - task.transitioned: a flow transition completed
  - task.failed: the orchestrator moved a task to failed
  - task.completed: a task reached a terminal success state

Agent events:
  - agent.spawned: a worker process was started
  - agent.finished: a worker's process exited and its result was handled
  - agent.result_broken: a worker exited without a parseable result

Other events:
  - sandbox.created, sandbox.destroyed: worktree lifecycle
  - job.failed: a periodic job returned an error
  - tick.completed: one scheduler tick finished

Subscribers that need durable history should persist events themselves; the
broker keeps nothing. The `drover run` loop subscribes to log events, and
tests subscribe to assert on orchestration order.
*/
package events
