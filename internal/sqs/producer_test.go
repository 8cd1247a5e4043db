package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

// mockQueue is an in-memory queue behind the SQS API.
type mockQueue struct {
	bodies     []string
	deleted    []string
	visibility map[string]int32
	sendErr    error
}

func (m *mockQueue) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.bodies = append(m.bodies, aws.ToString(params.MessageBody))
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func (m *mockQueue) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if len(m.bodies) == 0 {
		return &sqs.ReceiveMessageOutput{}, nil
	}
	body := m.bodies[0]
	m.bodies = m.bodies[1:]
	return &sqs.ReceiveMessageOutput{Messages: []types.Message{{
		Body:          aws.String(body),
		ReceiptHandle: aws.String("rh-1"),
	}}}, nil
}

func (m *mockQueue) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	m.deleted = append(m.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (m *mockQueue) ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	if m.visibility == nil {
		m.visibility = map[string]int32{}
	}
	m.visibility[aws.ToString(params.ReceiptHandle)] = params.VisibilityTimeout
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func TestProducerConsumer_RoundTrip(t *testing.T) {
	q := &mockQueue{}
	producer := NewProducerWithClient(q, "https://sqs/queue", zap.NewNop())
	consumer := NewConsumerWithClient(q, "https://sqs/queue", zap.NewNop())
	ctx := context.Background()

	id, err := producer.Enqueue(ctx, DispatchRequest{
		EventID:    "e1",
		Recipients: []string{"p1"},
		Reason:     "invitation",
	})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if id != "m-1" {
		t.Errorf("id = %s", id)
	}

	req, handle, err := consumer.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if req == nil || req.EventID != "e1" || len(req.Recipients) != 1 || req.Reason != "invitation" {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.EnqueuedAt == 0 {
		t.Error("EnqueuedAt should be stamped")
	}

	if err := consumer.DeleteMessage(ctx, handle); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if len(q.deleted) != 1 || q.deleted[0] != "rh-1" {
		t.Fatalf("unexpected deletes %v", q.deleted)
	}

	if err := consumer.ChangeVisibility(ctx, handle, 0); err != nil {
		t.Fatalf("change visibility failed: %v", err)
	}
}

func TestConsumer_EmptyPoll(t *testing.T) {
	consumer := NewConsumerWithClient(&mockQueue{}, "q", zap.NewNop())

	req, handle, err := consumer.ReceiveMessage(context.Background())
	if err != nil || req != nil || handle != "" {
		t.Fatalf("expected empty poll, got %+v %q %v", req, handle, err)
	}
}

func TestConsumer_InvalidBodyReturnsHandle(t *testing.T) {
	q := &mockQueue{bodies: []string{"not json"}}
	consumer := NewConsumerWithClient(q, "q", zap.NewNop())

	_, handle, err := consumer.ReceiveMessage(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if handle != "rh-1" {
		t.Fatalf("handle should be returned so the poison message can be dropped, got %q", handle)
	}
}

func TestProducer_SendError(t *testing.T) {
	producer := NewProducerWithClient(&mockQueue{sendErr: errors.New("denied")}, "q", zap.NewNop())

	if _, err := producer.Enqueue(context.Background(), DispatchRequest{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestDispatchRequest_OmitsEmptyFilters(t *testing.T) {
	body, err := json.Marshal(DispatchRequest{Reason: "scheduler"})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var raw map[string]any
	_ = json.Unmarshal(body, &raw)
	if _, ok := raw["recipients"]; ok {
		t.Error("recipients should be omitted when empty")
	}
	if _, ok := raw["event_id"]; ok {
		t.Error("event_id should be omitted when empty")
	}
}
