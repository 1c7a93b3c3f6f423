//go:build integration

package notify

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAMQPPublisher_RoutesByKind(t *testing.T) {
	url := os.Getenv("AMQP_URL")
	if url == "" {
		t.Skip("AMQP_URL not set")
	}
	const exchange = "shortlet.test.notifications"

	pub, err := NewAMQPPublisher(url, exchange)
	require.NoError(t, err)
	defer pub.Close()
	assert.True(t, pub.Healthy())

	conn, err := amqp.Dial(url)
	require.NoError(t, err)
	defer conn.Close()
	ch, err := conn.Channel()
	require.NoError(t, err)
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	require.NoError(t, err)
	require.NoError(t, ch.QueueBind(q.Name, "booking.*", exchange, false, nil))
	msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, pub.Publish(ctx, Notification{Kind: KindDisputeOpened, BookingID: "bk0"}))
	require.NoError(t, pub.Publish(ctx, Notification{Kind: KindPayoutCompleted, BookingID: "bk1"}))

	select {
	case m := <-msgs:
		assert.Equal(t, string(KindPayoutCompleted), m.RoutingKey)
		var n Notification
		require.NoError(t, json.Unmarshal(m.Body, &n))
		assert.Equal(t, "bk1", n.BookingID)
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
}
