package nats_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/ValerySidorin/settle/errqueue"
	eqnats "github.com/ValerySidorin/settle/errqueue/impl/nats"
	"github.com/ValerySidorin/settle/flow"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForwarder(t *testing.T) {
	ns, err := server.NewServer(&server.Options{
		JetStream: true,
		StoreDir:  t.TempDir(),
		Port:      -1,
	})
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(20*time.Second))
	t.Cleanup(ns.Shutdown)

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	js, err := nc.JetStream()
	require.NoError(t, err)
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       "DLQ",
		Subjects:   []string{"dlq.>"},
		Storage:    nats.MemoryStorage,
		Duplicates: time.Minute,
	})
	require.NoError(t, err)

	fw, err := eqnats.NewForwarder(eqnats.Config{
		URL:     ns.ClientURL(),
		Subject: "dlq.orders",
	}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer fw.Close()

	env := errqueue.NewEnvelope(flow.Record{
		Payload:      []byte("broken"),
		Queue:        "orders",
		DeliveryID:   9,
		Redeliveries: 2,
		Headers:      map[string]string{"Trace-Id": "t1"},
	})

	ctx := context.Background()
	require.NoError(t, fw.Forward(ctx, env))
	// Same envelope id is deduplicated by the stream.
	require.NoError(t, fw.Forward(ctx, env))

	info, err := js.StreamInfo("DLQ")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs)

	msg, err := js.GetMsg("DLQ", 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("broken"), msg.Data)
	assert.Equal(t, "orders", msg.Header.Get(errqueue.HeaderQueue))
	assert.Equal(t, "9", msg.Header.Get(errqueue.HeaderDeliveryID))
	assert.Equal(t, "2", msg.Header.Get(errqueue.HeaderRedeliveries))
	assert.Equal(t, "t1", msg.Header.Get("Trace-Id"))
}

func TestConfigValidate(t *testing.T) {
	c := eqnats.Config{URL: "nats://localhost:4222"}
	assert.Error(t, c.Validate())
	c.Subject = "dlq"
	assert.NoError(t, c.Validate())
}
