package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/hanko-field/storefront/internal/services"
)

var sampleEvent = services.OrderEvent{
	EventID:       "evt-1",
	Type:          services.EventOrderPaid,
	OrderID:       "01HORDER",
	OrderNumber:   "ORD-1",
	UserID:        "u1",
	Status:        "paid",
	PaymentMethod: "vnpay",
	Total:         "16.50",
	OccurredAt:    time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC),
}

func TestPubSubPublisherPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "storefront-orders")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewPubSubPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubPublisher: %v", err)
	}
	if err := publisher.PublishOrderEvent(ctx, sampleEvent); err != nil {
		t.Fatalf("PublishOrderEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	var payload services.OrderEvent
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.OrderNumber != "ORD-1" || payload.Total != "16.50" {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["type"]; attr != services.EventOrderPaid {
		t.Fatalf("expected type attribute, got %q", attr)
	}
	if _, ok := messages[0].Attributes["userId"]; ok {
		t.Fatalf("user id must not be exposed as an attribute")
	}
}

func TestNewPubSubPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubPublisher(nil); err == nil {
		t.Fatal("expected error for nil topic")
	}
}

func TestKafkaPublisherSendsKeyedMessage(t *testing.T) {
	previous := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(previous) })

	producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, _ := msg.Key.Encode()
		if string(key) != "ORD-1" {
			t.Errorf("expected order number key, got %q", key)
		}
		carrier := headerCarrier(msg.Headers)
		if carrier.Get("traceparent") == "" {
			t.Errorf("expected traceparent header, got %v", carrier.Keys())
		}
		if carrier.Get("event-type") != services.EventOrderPaid {
			t.Errorf("expected event-type header")
		}
		return nil
	})

	publisher, err := NewKafkaPublisher(producer, "storefront-orders", nil)
	if err != nil {
		t.Fatalf("NewKafkaPublisher: %v", err)
	}

	ctx := withRemoteSpan(context.Background())
	if err := publisher.PublishOrderEvent(ctx, sampleEvent); err != nil {
		t.Fatalf("PublishOrderEvent: %v", err)
	}
	if err := publisher.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestKafkaPublisherPropagatesSendFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	publisher, _ := NewKafkaPublisher(producer, "storefront-orders", nil)
	if err := publisher.PublishOrderEvent(context.Background(), sampleEvent); err == nil {
		t.Fatal("expected send failure")
	}
	_ = publisher.Close()
}

func withRemoteSpan(ctx context.Context) context.Context {
	prop := propagation.TraceContext{}
	carrier := propagation.MapCarrier{"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"}
	ctx = prop.Extract(ctx, carrier)
	if !trace.SpanContextFromContext(ctx).IsValid() {
		panic("invalid test span context")
	}
	return ctx
}
