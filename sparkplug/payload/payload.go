// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

// Package payload encodes and decodes Sparkplug B protobuf payloads.
// It covers the subset of the schema a host application needs: the
// Payload envelope, metrics with scalar values and property sets.
package payload

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// DataType is the Sparkplug B metric datatype code.
type DataType uint32

// Scalar datatypes from the Sparkplug B specification.
const (
	TypeUnknown DataType = 0
	TypeInt8    DataType = 1
	TypeInt16   DataType = 2
	TypeInt32   DataType = 3
	TypeInt64   DataType = 4
	TypeUInt8   DataType = 5
	TypeUInt16  DataType = 6
	TypeUInt32  DataType = 7
	TypeUInt64  DataType = 8
	TypeFloat   DataType = 9
	TypeDouble  DataType = 10
	TypeBoolean DataType = 11
	TypeString  DataType = 12
	TypeBytes   DataType = 17
)

func (d DataType) String() string {
	switch d {
	case TypeInt8:
		return "Int8"
	case TypeInt16:
		return "Int16"
	case TypeInt32:
		return "Int32"
	case TypeInt64:
		return "Int64"
	case TypeUInt8:
		return "UInt8"
	case TypeUInt16:
		return "UInt16"
	case TypeUInt32:
		return "UInt32"
	case TypeUInt64:
		return "UInt64"
	case TypeFloat:
		return "Float"
	case TypeDouble:
		return "Double"
	case TypeBoolean:
		return "Boolean"
	case TypeString:
		return "String"
	case TypeBytes:
		return "Bytes"
	default:
		return fmt.Sprintf("DataType(%d)", uint32(d))
	}
}

// Payload is the Sparkplug B message envelope.
type Payload struct {
	Timestamp uint64
	Metrics   []Metric
	Seq       *uint64
	UUID      string
	Body      []byte
}

// Metric is one named or aliased value inside a payload. Value holds
// int64 for signed types, uint64 for unsigned types, float32, float64,
// bool, string or []byte according to DataType; nil when IsNull.
type Metric struct {
	Name       string
	Alias      *uint64
	Timestamp  uint64
	DataType   DataType
	IsNull     bool
	Value      any
	Properties *PropertySet
}

// PropertySet is a parallel key/value list attached to a metric.
type PropertySet struct {
	Keys   []string
	Values []PropertyValue
}

// PropertyValue is a typed property value.
type PropertyValue struct {
	Type   DataType
	IsNull bool
	Value  any
}

// Payload envelope field numbers.
const (
	fPayloadTimestamp = 1
	fPayloadMetrics   = 2
	fPayloadSeq       = 3
	fPayloadUUID      = 4
	fPayloadBody      = 5
)

// Metric field numbers.
const (
	fMetricName       = 1
	fMetricAlias      = 2
	fMetricTimestamp  = 3
	fMetricDataType   = 4
	fMetricIsNull     = 7
	fMetricProperties = 9
	fMetricIntValue   = 10
	fMetricLongValue  = 11
	fMetricFloat      = 12
	fMetricDouble     = 13
	fMetricBoolean    = 14
	fMetricString     = 15
	fMetricBytes      = 16
)

// PropertySet field numbers.
const (
	fPropSetKeys   = 1
	fPropSetValues = 2
)

// PropertyValue field numbers.
const (
	fPropValType    = 1
	fPropValIsNull  = 2
	fPropValInt     = 3
	fPropValLong    = 4
	fPropValFloat   = 5
	fPropValDouble  = 6
	fPropValBoolean = 7
	fPropValString  = 8
)

// Marshal encodes a payload into Sparkplug B protobuf bytes.
func Marshal(p *Payload) ([]byte, error) {
	var out []byte
	if p.Timestamp != 0 {
		out = protowire.AppendTag(out, fPayloadTimestamp, protowire.VarintType)
		out = protowire.AppendVarint(out, p.Timestamp)
	}
	for i := range p.Metrics {
		encoded, err := marshalMetric(&p.Metrics[i])
		if err != nil {
			return nil, err
		}
		out = protowire.AppendTag(out, fPayloadMetrics, protowire.BytesType)
		out = protowire.AppendBytes(out, encoded)
	}
	if p.Seq != nil {
		out = protowire.AppendTag(out, fPayloadSeq, protowire.VarintType)
		out = protowire.AppendVarint(out, *p.Seq)
	}
	if p.UUID != "" {
		out = protowire.AppendTag(out, fPayloadUUID, protowire.BytesType)
		out = protowire.AppendString(out, p.UUID)
	}
	if len(p.Body) > 0 {
		out = protowire.AppendTag(out, fPayloadBody, protowire.BytesType)
		out = protowire.AppendBytes(out, p.Body)
	}
	return out, nil
}

func marshalMetric(m *Metric) ([]byte, error) {
	var out []byte
	if m.Name != "" {
		out = protowire.AppendTag(out, fMetricName, protowire.BytesType)
		out = protowire.AppendString(out, m.Name)
	}
	if m.Alias != nil {
		out = protowire.AppendTag(out, fMetricAlias, protowire.VarintType)
		out = protowire.AppendVarint(out, *m.Alias)
	}
	if m.Timestamp != 0 {
		out = protowire.AppendTag(out, fMetricTimestamp, protowire.VarintType)
		out = protowire.AppendVarint(out, m.Timestamp)
	}
	if m.DataType != TypeUnknown {
		out = protowire.AppendTag(out, fMetricDataType, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(m.DataType))
	}
	if m.IsNull {
		out = protowire.AppendTag(out, fMetricIsNull, protowire.VarintType)
		out = protowire.AppendVarint(out, 1)
		return out, nil
	}
	if m.Properties != nil {
		encoded := marshalPropertySet(m.Properties)
		out = protowire.AppendTag(out, fMetricProperties, protowire.BytesType)
		out = protowire.AppendBytes(out, encoded)
	}
	return appendScalar(out, m.DataType, m.Value,
		fMetricIntValue, fMetricLongValue, fMetricFloat, fMetricDouble,
		fMetricBoolean, fMetricString, fMetricBytes)
}

func marshalPropertySet(ps *PropertySet) []byte {
	var out []byte
	for _, k := range ps.Keys {
		out = protowire.AppendTag(out, fPropSetKeys, protowire.BytesType)
		out = protowire.AppendString(out, k)
	}
	for i := range ps.Values {
		encoded := marshalPropertyValue(&ps.Values[i])
		out = protowire.AppendTag(out, fPropSetValues, protowire.BytesType)
		out = protowire.AppendBytes(out, encoded)
	}
	return out
}

func marshalPropertyValue(pv *PropertyValue) []byte {
	var out []byte
	if pv.Type != TypeUnknown {
		out = protowire.AppendTag(out, fPropValType, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(pv.Type))
	}
	if pv.IsNull {
		out = protowire.AppendTag(out, fPropValIsNull, protowire.VarintType)
		out = protowire.AppendVarint(out, 1)
		return out
	}
	out, _ = appendScalar(out, pv.Type, pv.Value,
		fPropValInt, fPropValLong, fPropValFloat, fPropValDouble,
		fPropValBoolean, fPropValString, 0)
	return out
}

// appendScalar writes the value oneof for a metric or property. The
// field numbers differ between the two messages, so callers pass them
// in. bytesField is 0 where the schema has no bytes member.
func appendScalar(out []byte, dt DataType, value any,
	intField, longField, floatField, doubleField, boolField, stringField, bytesField protowire.Number,
) ([]byte, error) {
	if value == nil {
		return out, nil
	}
	switch dt {
	case TypeInt8, TypeInt16, TypeInt32:
		v, ok := value.(int64)
		if !ok {
			return nil, fmt.Errorf("datatype %s requires int64 value, got %T", dt, value)
		}
		out = protowire.AppendTag(out, intField, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(uint32(v)))
	case TypeUInt8, TypeUInt16, TypeUInt32:
		v, ok := value.(uint64)
		if !ok {
			return nil, fmt.Errorf("datatype %s requires uint64 value, got %T", dt, value)
		}
		out = protowire.AppendTag(out, intField, protowire.VarintType)
		out = protowire.AppendVarint(out, v)
	case TypeInt64:
		v, ok := value.(int64)
		if !ok {
			return nil, fmt.Errorf("datatype %s requires int64 value, got %T", dt, value)
		}
		out = protowire.AppendTag(out, longField, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(v))
	case TypeUInt64:
		v, ok := value.(uint64)
		if !ok {
			return nil, fmt.Errorf("datatype %s requires uint64 value, got %T", dt, value)
		}
		out = protowire.AppendTag(out, longField, protowire.VarintType)
		out = protowire.AppendVarint(out, v)
	case TypeFloat:
		v, ok := value.(float32)
		if !ok {
			return nil, fmt.Errorf("datatype %s requires float32 value, got %T", dt, value)
		}
		out = protowire.AppendTag(out, floatField, protowire.Fixed32Type)
		out = protowire.AppendFixed32(out, math.Float32bits(v))
	case TypeDouble:
		v, ok := value.(float64)
		if !ok {
			return nil, fmt.Errorf("datatype %s requires float64 value, got %T", dt, value)
		}
		out = protowire.AppendTag(out, doubleField, protowire.Fixed64Type)
		out = protowire.AppendFixed64(out, math.Float64bits(v))
	case TypeBoolean:
		v, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("datatype %s requires bool value, got %T", dt, value)
		}
		out = protowire.AppendTag(out, boolField, protowire.VarintType)
		b := uint64(0)
		if v {
			b = 1
		}
		out = protowire.AppendVarint(out, b)
	case TypeString:
		v, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("datatype %s requires string value, got %T", dt, value)
		}
		out = protowire.AppendTag(out, stringField, protowire.BytesType)
		out = protowire.AppendString(out, v)
	case TypeBytes:
		if bytesField == 0 {
			return nil, fmt.Errorf("datatype %s not supported here", dt)
		}
		v, ok := value.([]byte)
		if !ok {
			return nil, fmt.Errorf("datatype %s requires []byte value, got %T", dt, value)
		}
		out = protowire.AppendTag(out, bytesField, protowire.BytesType)
		out = protowire.AppendBytes(out, v)
	default:
		return nil, fmt.Errorf("unsupported datatype %s", dt)
	}
	return out, nil
}

// Unmarshal decodes Sparkplug B protobuf bytes. Unknown fields are
// skipped so payloads from richer producers still parse.
func Unmarshal(data []byte) (*Payload, error) {
	p := &Payload{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == fPayloadTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			p.Timestamp = v
			data = data[n:]
		case num == fPayloadMetrics && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m, err := unmarshalMetric(b)
			if err != nil {
				return nil, err
			}
			p.Metrics = append(p.Metrics, *m)
			data = data[n:]
		case num == fPayloadSeq && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			p.Seq = &v
			data = data[n:]
		case num == fPayloadUUID && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			p.UUID = string(b)
			data = data[n:]
		case num == fPayloadBody && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			p.Body = append([]byte(nil), b...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return p, nil
}

func unmarshalMetric(data []byte) (*Metric, error) {
	m := &Metric{}
	var intVal, longVal *uint64
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == fMetricName && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.Name = string(b)
			data = data[n:]
		case num == fMetricAlias && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.Alias = &v
			data = data[n:]
		case num == fMetricTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.Timestamp = v
			data = data[n:]
		case num == fMetricDataType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.DataType = DataType(v)
			data = data[n:]
		case num == fMetricIsNull && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.IsNull = v != 0
			data = data[n:]
		case num == fMetricProperties && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			ps, err := unmarshalPropertySet(b)
			if err != nil {
				return nil, err
			}
			m.Properties = ps
			data = data[n:]
		case num == fMetricIntValue && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			intVal = &v
			data = data[n:]
		case num == fMetricLongValue && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			longVal = &v
			data = data[n:]
		case num == fMetricFloat && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.Value = math.Float32frombits(v)
			data = data[n:]
		case num == fMetricDouble && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.Value = math.Float64frombits(v)
			data = data[n:]
		case num == fMetricBoolean && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.Value = v != 0
			data = data[n:]
		case num == fMetricString && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.Value = string(b)
			data = data[n:]
		case num == fMetricBytes && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.Value = append([]byte(nil), b...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	normalizeScalar(m, intVal, longVal)
	return m, nil
}

// normalizeScalar converts the wire oneof members back into the typed
// representation DataType promises.
func normalizeScalar(m *Metric, intVal, longVal *uint64) {
	switch m.DataType {
	case TypeInt8, TypeInt16, TypeInt32:
		if intVal != nil {
			m.Value = int64(int32(uint32(*intVal)))
		}
	case TypeUInt8, TypeUInt16, TypeUInt32:
		if intVal != nil {
			m.Value = *intVal
		}
	case TypeInt64:
		if longVal != nil {
			m.Value = int64(*longVal)
		}
	case TypeUInt64:
		if longVal != nil {
			m.Value = *longVal
		}
	default:
		// float, double, boolean, string and bytes were set directly
	}
}

func unmarshalPropertySet(data []byte) (*PropertySet, error) {
	ps := &PropertySet{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == fPropSetKeys && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			ps.Keys = append(ps.Keys, string(b))
			data = data[n:]
		case num == fPropSetValues && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			pv, err := unmarshalPropertyValue(b)
			if err != nil {
				return nil, err
			}
			ps.Values = append(ps.Values, *pv)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return ps, nil
}

func unmarshalPropertyValue(data []byte) (*PropertyValue, error) {
	pv := &PropertyValue{}
	var intVal, longVal *uint64
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == fPropValType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			pv.Type = DataType(v)
			data = data[n:]
		case num == fPropValIsNull && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			pv.IsNull = v != 0
			data = data[n:]
		case num == fPropValInt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			intVal = &v
			data = data[n:]
		case num == fPropValLong && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			longVal = &v
			data = data[n:]
		case num == fPropValFloat && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			pv.Value = math.Float32frombits(v)
			data = data[n:]
		case num == fPropValDouble && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			pv.Value = math.Float64frombits(v)
			data = data[n:]
		case num == fPropValBoolean && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			pv.Value = v != 0
			data = data[n:]
		case num == fPropValString && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			pv.Value = string(b)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	switch pv.Type {
	case TypeInt8, TypeInt16, TypeInt32:
		if intVal != nil {
			pv.Value = int64(int32(uint32(*intVal)))
		}
	case TypeUInt8, TypeUInt16, TypeUInt32:
		if intVal != nil {
			pv.Value = *intVal
		}
	case TypeInt64:
		if longVal != nil {
			pv.Value = int64(*longVal)
		}
	case TypeUInt64:
		if longVal != nil {
			pv.Value = *longVal
		}
	}
	return pv, nil
}

// BdSeq returns the value of the bdSeq metric, used to pair NDEATH
// certificates with the NBIRTH that announced them.
func (p *Payload) BdSeq() (uint64, bool) {
	for i := range p.Metrics {
		if p.Metrics[i].Name != "bdSeq" {
			continue
		}
		switch v := p.Metrics[i].Value.(type) {
		case uint64:
			return v, true
		case int64:
			return uint64(v), true
		}
	}
	return 0, false
}
