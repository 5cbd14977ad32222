// Package kinesis decodes ledger entries that the DynamoDB ledger table
// streams into Kinesis.
package kinesis

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/example/farmlink-orders/internal/infrastructure/store"
	"github.com/example/farmlink-orders/internal/ledger"
)

// Item is a decoded ledger entry with the Kinesis sequence number it came from.
type Item struct {
	SequenceNumber string
	Entry          ledger.Entry
}

// DecodeRecord returns the ledger entry carried by a Kinesis record, or nil
// when the stream record is not an insert.
func DecodeRecord(record events.KinesisEventRecord) (*ledger.Entry, error) {
	var streamRecord events.DynamoDBEventRecord
	if err := json.Unmarshal(record.Kinesis.Data, &streamRecord); err != nil {
		return nil, fmt.Errorf("unmarshal dynamodb stream record: %w", err)
	}
	return DecodeStreamRecord(streamRecord)
}

// DecodeStreamRecord is DecodeRecord for records read straight from DynamoDB Streams.
func DecodeStreamRecord(record events.DynamoDBEventRecord) (*ledger.Entry, error) {
	// ledger items are never updated or deleted
	if record.EventName != "INSERT" {
		return nil, nil
	}
	ev, err := eventFromImage(record.Change.NewImage)
	if err != nil {
		return nil, err
	}
	entry, err := ledger.FromEvent(ev)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// DecodeBatch decodes every record and reports the ones that failed so the
// Lambda runtime can retry them.
func DecodeBatch(ev events.KinesisEvent) ([]Item, []events.KinesisBatchItemFailure, []error) {
	var (
		items    []Item
		failures []events.KinesisBatchItemFailure
		errs     []error
	)
	for _, record := range ev.Records {
		entry, err := DecodeRecord(record)
		if err != nil {
			failures = append(failures, events.KinesisBatchItemFailure{ItemIdentifier: record.Kinesis.SequenceNumber})
			errs = append(errs, fmt.Errorf("record %s: %w", record.EventID, err))
			continue
		}
		if entry != nil {
			items = append(items, Item{SequenceNumber: record.Kinesis.SequenceNumber, Entry: *entry})
		}
	}
	return items, failures, errs
}

func eventFromImage(image map[string]events.DynamoDBAttributeValue) (store.Event, error) {
	if image == nil {
		return store.Event{}, fmt.Errorf("dynamodb image is nil")
	}
	str := func(name string) string {
		v, ok := image[name]
		if !ok || v.DataType() != events.DataTypeString {
			return ""
		}
		return v.String()
	}

	ev := store.Event{
		ID:            str("id"),
		AggregateID:   str("aggregate_id"),
		AggregateType: str("aggregate_type"),
		EventType:     str("event_type"),
		Data:          json.RawMessage(str("data")),
	}
	if ev.ID == "" || ev.AggregateID == "" || ev.EventType == "" {
		return store.Event{}, fmt.Errorf("missing required fields: id=%q aggregate_id=%q event_type=%q",
			ev.ID, ev.AggregateID, ev.EventType)
	}
	if raw := str("created_at"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return store.Event{}, fmt.Errorf("parse created_at: %w", err)
		}
		ev.Timestamp = t
	}
	if v, ok := image["version"]; ok && v.DataType() == events.DataTypeNumber {
		n, err := v.Integer()
		if err != nil {
			return store.Event{}, fmt.Errorf("parse version: %w", err)
		}
		ev.Version = int(n)
	}
	return ev, nil
}
