package store

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDynamo struct {
	versions map[string]int
	written  []types.TransactWriteItem
	txErr    error
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	aid := in.ExpressionAttributeValues[":aid"].(*types.AttributeValueMemberS).Value
	v, ok := f.versions[aid]
	if !ok {
		return &dynamodb.QueryOutput{}, nil
	}
	item, err := attributevalue.MarshalMap(struct {
		Version int `dynamodbav:"version"`
	}{Version: v})
	if err != nil {
		return nil, err
	}
	return &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{item}}, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	if f.txErr != nil {
		return nil, f.txErr
	}
	f.written = append(f.written, in.TransactItems...)
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func TestDynamoEventStore_AppendBatch_SingleTransaction(t *testing.T) {
	fake := &fakeDynamo{versions: map[string]int{"prod-1": 4}}
	es := NewDynamoEventStore(fake, "ledger", nil)

	events, err := es.AppendBatch(context.Background(), []Record{
		{AggregateID: "prod-1", AggregateType: "Product", EventType: "StockHeld", Data: map[string]int{"held": 2}},
		{AggregateID: "res-1", AggregateType: "Reservation", EventType: "ReservationCreated"},
	})
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, 5, events[0].Version)
	assert.Equal(t, 1, events[1].Version)

	require.Len(t, fake.written, 2)
	for _, item := range fake.written {
		require.NotNil(t, item.Put)
		assert.Equal(t, "ledger", *item.Put.TableName)
		assert.Contains(t, *item.Put.ConditionExpression, "attribute_not_exists")
	}

	var stored dynamoEvent
	require.NoError(t, attributevalue.UnmarshalMap(fake.written[0].Put.Item, &stored))
	assert.Equal(t, "EVENTS", stored.GSI1PK)
	assert.JSONEq(t, `{"held":2}`, stored.Data)
}

func TestDynamoEventStore_AppendBatch_CanceledTransactionIsConflict(t *testing.T) {
	fake := &fakeDynamo{txErr: &types.TransactionCanceledException{Message: stringPtr("ConditionalCheckFailed")}}
	es := NewDynamoEventStore(fake, "ledger", nil)

	_, err := es.Append(context.Background(), "prod-1", "Product", "StockHeld", nil)

	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestDynamoEventStore_AppendBatch_OtherErrorsWrapped(t *testing.T) {
	boom := errors.New("throttled")
	es := NewDynamoEventStore(&fakeDynamo{txErr: boom}, "ledger", nil)

	_, err := es.Append(context.Background(), "prod-1", "Product", "StockHeld", nil)

	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrVersionConflict)
}

func stringPtr(s string) *string { return &s }
