/*
Package events provides a lightweight in-process publish/subscribe broker
for ingest lifecycle notifications.

A Broker distributes Events (transaction started/finished/aborted,
contribution failed/loaded, worker disabled) to any number of Subscriber
channels. It is a convenience for in-process watchers; it is not a
durable log — that role belongs to store.Store's transaction event log
and ControllerEvent records.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for ev := range sub {
			log.Info().Str("type", string(ev.Type)).Msg(ev.Message)
		}
	}()

	broker.Publish(&events.Event{Type: events.EventTransactionFinished, Message: "transaction 17 finished"})

A nil *Broker is a no-op Publish target, so pkg/txn can hold an optional
broker field without a nil guard at every call site.
*/
package events
