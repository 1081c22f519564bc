package changefeed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/supply-chalao/internal/backend"
	"github.com/sakif/supply-chalao/internal/schema"
)

func insertEvent(table, id string) Event {
	return Event{Table: table, Kind: backend.ChangeInsert, Record: schema.Row{"id": id}}
}

func TestPublishRoutesByTable(t *testing.T) {
	b := New(4, nil)
	defer b.Close()

	orders := b.Subscribe("orders")
	messages := b.Subscribe("messages")

	b.Publish(insertEvent("orders", "o1"))
	b.Publish(insertEvent("messages", "m1"))

	got := <-orders.C()
	assert.Equal(t, "o1", got.Row()["id"])
	got = <-messages.C()
	assert.Equal(t, "m1", got.Row()["id"])

	assert.Empty(t, orders.C())
	assert.Empty(t, messages.C())
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	b := New(2, nil)
	defer b.Close()

	slow := b.Subscribe("orders")
	for _, id := range []string{"a", "b", "c", "d"} {
		b.Publish(insertEvent("orders", id))
	}

	assert.Equal(t, int64(2), slow.Dropped())
	assert.Equal(t, "a", (<-slow.C()).Row()["id"])
	assert.Equal(t, "b", (<-slow.C()).Row()["id"])
}

func TestSubscriberClose(t *testing.T) {
	b := New(1, nil)
	defer b.Close()

	s := b.Subscribe("orders")
	require.Equal(t, 1, b.Len())

	s.Close()
	s.Close()
	assert.Equal(t, 0, b.Len())

	_, ok := <-s.C()
	assert.False(t, ok, "channel should be closed")

	// Publishing after the only subscriber left must not panic.
	b.Publish(insertEvent("orders", "x"))
}

func TestBrokerClose(t *testing.T) {
	b := New(1, nil)
	s := b.Subscribe("orders")

	b.Close()
	_, ok := <-s.C()
	assert.False(t, ok)
	s.Close()

	late := b.Subscribe("orders")
	_, ok = <-late.C()
	assert.False(t, ok, "subscribing to a closed broker yields a closed channel")
	b.Publish(insertEvent("orders", "x"))
}

func TestEventRowForDelete(t *testing.T) {
	ev := Event{Table: "orders", Kind: backend.ChangeDelete, OldRecord: schema.Row{"id": "gone"}}
	assert.Equal(t, "gone", ev.Row()["id"])
}
