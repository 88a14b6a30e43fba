package frame

import (
	"fmt"
	"sort"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message is implemented by every value carried on a quasar gRPC stream.
// The encoding is the protobuf wire format; field numbers are fixed below
// and must not be reused.
type Message interface {
	MarshalWire() ([]byte, error)
	UnmarshalWire(b []byte) error
}

// Field numbers of Frame.
const (
	frameKind               protowire.Number = 1
	frameSessionID          protowire.Number = 2
	frameTaskID             protowire.Number = 3
	frameTaskOptions        protowire.Number = 4
	frameConfiguration      protowire.Number = 5
	frameExpectedOutputKeys protowire.Number = 6
	frameDataDependencies   protowire.Number = 7
	frameKey                protowire.Number = 8
	frameData               protowire.Number = 9
	framePayloadComplete    protowire.Number = 10
)

func (f *Frame) MarshalWire() ([]byte, error) {
	if !f.Kind.Valid() {
		return nil, fmt.Errorf("marshal frame: invalid kind %s", f.Kind)
	}
	b := make([]byte, 0, len(f.Data)+64)
	b = appendVarint(b, frameKind, uint64(f.Kind))
	b = appendString(b, frameSessionID, f.SessionID)
	b = appendString(b, frameTaskID, f.TaskID)
	if f.TaskOptions != nil {
		b = appendMessage(b, frameTaskOptions, f.TaskOptions.marshal())
	}
	if f.Configuration != nil {
		b = appendMessage(b, frameConfiguration, f.Configuration.marshal())
	}
	for _, k := range f.ExpectedOutputKeys {
		b = appendRepeatedString(b, frameExpectedOutputKeys, k)
	}
	for _, k := range f.DataDependencies {
		b = appendRepeatedString(b, frameDataDependencies, k)
	}
	b = appendString(b, frameKey, f.Key)
	if len(f.Data) > 0 {
		b = protowire.AppendTag(b, frameData, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Data)
	}
	if f.PayloadComplete {
		b = appendVarint(b, framePayloadComplete, 1)
	}
	return b, nil
}

func (f *Frame) UnmarshalWire(b []byte) error {
	*f = Frame{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == frameKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			f.Kind = Kind(v)
			return n, nil
		case num == frameSessionID && typ == protowire.BytesType:
			return consumeString(b, &f.SessionID)
		case num == frameTaskID && typ == protowire.BytesType:
			return consumeString(b, &f.TaskID)
		case num == frameTaskOptions && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			f.TaskOptions = &TaskOptions{}
			return n, f.TaskOptions.unmarshal(v)
		case num == frameConfiguration && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			f.Configuration = &Configuration{}
			return n, f.Configuration.UnmarshalWire(v)
		case num == frameExpectedOutputKeys && typ == protowire.BytesType:
			var s string
			n, err := consumeString(b, &s)
			f.ExpectedOutputKeys = append(f.ExpectedOutputKeys, s)
			return n, err
		case num == frameDataDependencies && typ == protowire.BytesType:
			var s string
			n, err := consumeString(b, &s)
			f.DataDependencies = append(f.DataDependencies, s)
			return n, err
		case num == frameKey && typ == protowire.BytesType:
			return consumeString(b, &f.Key)
		case num == frameData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				f.Data = append([]byte(nil), v...)
			}
			return n, nil
		case num == framePayloadComplete && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			f.PayloadComplete = protowire.DecodeBool(v)
			return n, nil
		}
		return skipField, nil
	})
	if err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	if !f.Kind.Valid() {
		return fmt.Errorf("unmarshal frame: invalid kind %s", f.Kind)
	}
	return nil
}

// Field numbers of TaskOptions.
const (
	optMaxDurationMs protowire.Number = 1
	optMaxRetries    protowire.Number = 2
	optPriority      protowire.Number = 3
	optPartitionID   protowire.Number = 4
	optOptions       protowire.Number = 5

	mapEntryKey   protowire.Number = 1
	mapEntryValue protowire.Number = 2
)

func (o *TaskOptions) marshal() []byte {
	var b []byte
	if o.MaxDuration != 0 {
		b = appendVarint(b, optMaxDurationMs, uint64(o.MaxDuration.Milliseconds()))
	}
	if o.MaxRetries != 0 {
		b = appendVarint(b, optMaxRetries, uint64(int64(o.MaxRetries)))
	}
	if o.Priority != 0 {
		b = appendVarint(b, optPriority, uint64(int64(o.Priority)))
	}
	b = appendString(b, optPartitionID, o.PartitionID)

	keys := make([]string, 0, len(o.Options))
	for k := range o.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendRepeatedString(entry, mapEntryKey, k)
		entry = appendRepeatedString(entry, mapEntryValue, o.Options[k])
		b = appendMessage(b, optOptions, entry)
	}
	return b
}

func (o *TaskOptions) unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == optMaxDurationMs && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			o.MaxDuration = time.Duration(int64(v)) * time.Millisecond
			return n, nil
		case num == optMaxRetries && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			o.MaxRetries = int32(v)
			return n, nil
		case num == optPriority && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			o.Priority = int32(v)
			return n, nil
		case num == optPartitionID && typ == protowire.BytesType:
			return consumeString(b, &o.PartitionID)
		case num == optOptions && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			var key, value string
			err := consumeFields(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch {
				case num == mapEntryKey && typ == protowire.BytesType:
					return consumeString(b, &key)
				case num == mapEntryValue && typ == protowire.BytesType:
					return consumeString(b, &value)
				}
				return skipField, nil
			})
			if err != nil {
				return n, err
			}
			if o.Options == nil {
				o.Options = make(map[string]string)
			}
			o.Options[key] = value
			return n, nil
		}
		return skipField, nil
	})
}

const configDataChunkMaxSize protowire.Number = 1

func (c *Configuration) marshal() []byte {
	var b []byte
	if c.DataChunkMaxSize != 0 {
		b = appendVarint(b, configDataChunkMaxSize, uint64(int64(c.DataChunkMaxSize)))
	}
	return b
}

func (c *Configuration) MarshalWire() ([]byte, error) { return c.marshal(), nil }

func (c *Configuration) UnmarshalWire(b []byte) error {
	*c = Configuration{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == configDataChunkMaxSize && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			c.DataChunkMaxSize = int32(v)
			return n, nil
		}
		return skipField, nil
	})
}

// Empty is the request of parameterless calls.
type Empty struct{}

func (*Empty) MarshalWire() ([]byte, error) { return nil, nil }

func (*Empty) UnmarshalWire(b []byte) error {
	return consumeFields(b, func(protowire.Number, protowire.Type, []byte) (int, error) {
		return skipField, nil
	})
}

// CreateTaskReply acknowledges a whole task batch. Either TaskIDs or Error
// is set, never both.
type CreateTaskReply struct {
	TaskIDs []string
	Error   string
}

func (r *CreateTaskReply) MarshalWire() ([]byte, error) {
	var b []byte
	for _, id := range r.TaskIDs {
		b = appendRepeatedString(b, 1, id)
	}
	b = appendString(b, 2, r.Error)
	return b, nil
}

func (r *CreateTaskReply) UnmarshalWire(b []byte) error {
	*r = CreateTaskReply{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			var s string
			n, err := consumeString(b, &s)
			r.TaskIDs = append(r.TaskIDs, s)
			return n, err
		case num == 2 && typ == protowire.BytesType:
			return consumeString(b, &r.Error)
		}
		return skipField, nil
	})
}

// ProcessReply is the worker's answer to one task stream.
type ProcessReply struct {
	Error string
}

func (r *ProcessReply) MarshalWire() ([]byte, error) {
	return appendString(nil, 1, r.Error), nil
}

func (r *ProcessReply) UnmarshalWire(b []byte) error {
	*r = ProcessReply{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			return consumeString(b, &r.Error)
		}
		return skipField, nil
	})
}

// UploadReply lists the keys stored by a data or result upload.
type UploadReply struct {
	Keys []string
}

func (r *UploadReply) MarshalWire() ([]byte, error) {
	var b []byte
	for _, k := range r.Keys {
		b = appendRepeatedString(b, 1, k)
	}
	return b, nil
}

func (r *UploadReply) UnmarshalWire(b []byte) error {
	*r = UploadReply{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			var s string
			n, err := consumeString(b, &s)
			r.Keys = append(r.Keys, s)
			return n, err
		}
		return skipField, nil
	})
}

// ResultRequest asks for the bytes stored under Key in SessionID.
type ResultRequest struct {
	SessionID string
	Key       string
}

func (r *ResultRequest) MarshalWire() ([]byte, error) {
	b := appendString(nil, 1, r.SessionID)
	return appendString(b, 2, r.Key), nil
}

func (r *ResultRequest) UnmarshalWire(b []byte) error {
	*r = ResultRequest{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeString(b, &r.SessionID)
		case num == 2 && typ == protowire.BytesType:
			return consumeString(b, &r.Key)
		}
		return skipField, nil
	})
}

// skipField is returned by field visitors for fields they do not handle.
const skipField = -1 << 30

func consumeFields(b []byte, visit func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := visit(num, typ, b)
		if err != nil {
			return err
		}
		if m == skipField {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func consumeString(b []byte, dst *string) (int, error) {
	v, n := protowire.ConsumeString(b)
	if n >= 0 {
		*dst = v
	}
	return n, nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// appendString omits empty values, as proto3 does for scalar fields.
func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	return appendRepeatedString(b, num, s)
}

func appendRepeatedString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}
