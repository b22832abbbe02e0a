/*
Package events provides an in-memory event bus for scheduler
lifecycle notifications.

The bus implements lightweight fan-out pub/sub over buffered channels:
publishers never block, and a subscriber whose buffer is full misses
the event rather than slowing anyone down. Delivery is therefore best
effort: suitable for monitoring, CLI streaming, and metrics, never
for driving task state. The task repository is the source of truth;
events only narrate it.

# Event Types

Task events:
  - task.created, task.dispatched, task.parked
  - task.reclaimed, task.failed, task.cancelled

Node events:
  - node.evicted

Metadata carries the relevant task_id/node_id pairs.

# Usage

	bus := events.NewBus()
	bus.Start()
	defer bus.Stop()

	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	go func() {
		for event := range sub {
			fmt.Printf("%s: %s\n", event.Type, event.Message)
		}
	}()
*/
package events
