// Package archive encodes host message logs as Arrow IPC streams.
package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"signmesh/mesh"
)

// DefaultBatchSize bounds the rows written per record batch.
const DefaultBatchSize = 1024

// MessageSchema returns the Arrow schema of an archived message.
//
// Fields:
//   - timestamp: timestamp[ms] - arrival time, truncated to the second
//   - sender_address: string - dotted IPv4 in natural order
//   - sender_port: uint16
//   - payload: binary - verified message body
func MessageSchema() *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "timestamp", Type: arrow.FixedWidthTypes.Timestamp_ms},
			{Name: "sender_address", Type: arrow.BinaryTypes.String},
			{Name: "sender_port", Type: arrow.PrimitiveTypes.Uint16},
			{Name: "payload", Type: arrow.BinaryTypes.Binary},
		},
		nil,
	)
}

// Codec converts message logs to and from Arrow IPC.
type Codec struct {
	allocator memory.Allocator
	schema    *arrow.Schema
	batchSize int
}

// NewCodec returns a Codec using the default allocator.
func NewCodec() *Codec {
	return &Codec{
		allocator: memory.DefaultAllocator,
		schema:    MessageSchema(),
		batchSize: DefaultBatchSize,
	}
}

// Record builds one record batch from messages. The caller releases it.
func (c *Codec) Record(messages []mesh.InboundMessage) arrow.Record {
	builder := array.NewRecordBuilder(c.allocator, c.schema)
	defer builder.Release()

	timestamps := builder.Field(0).(*array.TimestampBuilder)
	addresses := builder.Field(1).(*array.StringBuilder)
	ports := builder.Field(2).(*array.Uint16Builder)
	payloads := builder.Field(3).(*array.BinaryBuilder)

	for _, msg := range messages {
		timestamps.Append(arrow.Timestamp(msg.Timestamp.UnixMilli()))
		addresses.Append(msg.SenderAddress)
		ports.Append(msg.SenderPort)
		payloads.Append(msg.Payload)
	}

	return builder.NewRecord()
}

// Write streams messages to w in batches.
func (c *Codec) Write(w io.Writer, messages []mesh.InboundMessage) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(c.schema), ipc.WithAllocator(c.allocator))
	defer writer.Close()

	for start := 0; start < len(messages); start += c.batchSize {
		end := min(start+c.batchSize, len(messages))
		record := c.Record(messages[start:end])
		err := writer.Write(record)
		record.Release()
		if err != nil {
			return fmt.Errorf("write record batch: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("close ipc writer: %w", err)
	}
	return nil
}

// Encode serializes messages to IPC stream bytes.
func (c *Codec) Encode(messages []mesh.InboundMessage) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.Write(&buf, messages); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Read decodes every batch of an IPC stream.
func (c *Codec) Read(r io.Reader) ([]mesh.InboundMessage, error) {
	reader, err := ipc.NewReader(r, ipc.WithAllocator(c.allocator))
	if err != nil {
		return nil, fmt.Errorf("create ipc reader: %w", err)
	}
	defer reader.Release()

	if !reader.Schema().Equal(c.schema) {
		return nil, fmt.Errorf("unexpected archive schema: %s", reader.Schema())
	}

	out := make([]mesh.InboundMessage, 0)
	for reader.Next() {
		batch, err := decodeRecord(reader.Record())
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	if err := reader.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read record batch: %w", err)
	}
	return out, nil
}

// Decode parses IPC stream bytes produced by Encode.
func (c *Codec) Decode(data []byte) ([]mesh.InboundMessage, error) {
	return c.Read(bytes.NewReader(data))
}

func decodeRecord(record arrow.Record) ([]mesh.InboundMessage, error) {
	if record.NumCols() != 4 {
		return nil, fmt.Errorf("invalid record: expected 4 columns, got %d", record.NumCols())
	}

	timestamps, ok := record.Column(0).(*array.Timestamp)
	if !ok {
		return nil, errors.New("column 0 (timestamp) is not a Timestamp array")
	}
	addresses, ok := record.Column(1).(*array.String)
	if !ok {
		return nil, errors.New("column 1 (sender_address) is not a String array")
	}
	ports, ok := record.Column(2).(*array.Uint16)
	if !ok {
		return nil, errors.New("column 2 (sender_port) is not a Uint16 array")
	}
	payloads, ok := record.Column(3).(*array.Binary)
	if !ok {
		return nil, errors.New("column 3 (payload) is not a Binary array")
	}

	rows := int(record.NumRows())
	out := make([]mesh.InboundMessage, rows)
	for i := 0; i < rows; i++ {
		out[i] = mesh.InboundMessage{
			Timestamp:     time.UnixMilli(int64(timestamps.Value(i))),
			SenderAddress: addresses.Value(i),
			SenderPort:    ports.Value(i),
			Payload:       bytes.Clone(payloads.Value(i)),
		}
	}
	return out, nil
}
