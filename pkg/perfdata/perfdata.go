package perfdata

import (
	"errors"
	"fmt"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the PerformanceDataReadings schema.
const (
	fieldReadings = 1

	fieldPath      = 1
	fieldOwner     = 2
	fieldTimestamp = 3
	fieldValue     = 4
)

// DefaultMaxFrameBytes bounds a single frame read from a connection.
const DefaultMaxFrameBytes = 4 << 20

var (
	// ErrMalformed is returned when a frame cannot be decoded.
	ErrMalformed = errors.New("perfdata: malformed frame")

	// ErrFrameTooLarge is returned when a frame exceeds the read limit.
	ErrFrameTooLarge = errors.New("perfdata: frame too large")
)

// Reading is one metric data point as received from the wire.
// Path is the unique metric key; Values are applied in order, all with the
// same TimestampMs.
type Reading struct {
	Path        string
	Owner       string
	TimestampMs int64
	Values      []float64
}

// Batch is the set of Readings delivered by one connection.
type Batch struct {
	Readings []Reading
}

// ValueCount returns the total number of values across all readings.
func (b *Batch) ValueCount() int {
	n := 0
	for _, r := range b.Readings {
		n += len(r.Values)
	}
	return n
}

// Marshal encodes b in the PerformanceDataReadings wire format.
func Marshal(b *Batch) []byte {
	var out []byte
	for i := range b.Readings {
		msg := appendReading(nil, &b.Readings[i])
		out = protowire.AppendTag(out, fieldReadings, protowire.BytesType)
		out = protowire.AppendBytes(out, msg)
	}
	return out
}

func appendReading(b []byte, r *Reading) []byte {
	b = protowire.AppendTag(b, fieldPath, protowire.BytesType)
	b = protowire.AppendString(b, r.Path)
	b = protowire.AppendTag(b, fieldOwner, protowire.BytesType)
	b = protowire.AppendString(b, r.Owner)
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.TimestampMs))
	for _, v := range r.Values {
		b = protowire.AppendTag(b, fieldValue, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(v))
	}
	return b
}

// Unmarshal decodes a PerformanceDataReadings message. An empty frame and a
// reading without a path are rejected with ErrMalformed.
func Unmarshal(data []byte) (*Batch, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	b := &Batch{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]

		if num == fieldReadings && typ == protowire.BytesType {
			msg, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: reading %d: %v", ErrMalformed, len(b.Readings), protowire.ParseError(n))
			}
			r, err := unmarshalReading(msg)
			if err != nil {
				return nil, fmt.Errorf("%w: reading %d: %v", ErrMalformed, len(b.Readings), err)
			}
			b.Readings = append(b.Readings, r)
			data = data[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		data = data[n:]
	}
	return b, nil
}

func unmarshalReading(data []byte) (Reading, error) {
	var (
		r       Reading
		hasPath bool
	)
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return r, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == fieldPath && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			r.Path, hasPath = v, true
			data = data[n:]

		case num == fieldOwner && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			r.Owner = v
			data = data[n:]

		case num == fieldTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			r.TimestampMs = int64(v)
			data = data[n:]

		case num == fieldValue && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			r.Values = append(r.Values, math.Float64frombits(v))
			data = data[n:]

		case num == fieldValue && typ == protowire.BytesType:
			// packed encoding
			packed, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			if len(packed)%8 != 0 {
				return r, fmt.Errorf("packed values: length %d not a multiple of 8", len(packed))
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeFixed64(packed)
				if m < 0 {
					return r, protowire.ParseError(m)
				}
				r.Values = append(r.Values, math.Float64frombits(v))
				packed = packed[m:]
			}
			data = data[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	if !hasPath || r.Path == "" {
		return r, errors.New("path is required")
	}
	return r, nil
}

// ReadBatch reads one frame from r until EOF and decodes it. Frames larger
// than maxBytes are rejected with ErrFrameTooLarge; maxBytes <= 0 selects
// DefaultMaxFrameBytes.
func ReadBatch(r io.Reader, maxBytes int64) (*Batch, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("perfdata: read frame: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrFrameTooLarge, maxBytes)
	}
	return Unmarshal(data)
}

// WriteBatch encodes b and writes it to w as a single frame.
func WriteBatch(w io.Writer, b *Batch) error {
	if _, err := w.Write(Marshal(b)); err != nil {
		return fmt.Errorf("perfdata: write frame: %w", err)
	}
	return nil
}
