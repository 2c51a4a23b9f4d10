package chunkout

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/CZERTAINLY/nbexec/internal/model"
)

var ErrMalformedRecord = errors.New("malformed output record")

// Record is one captured piece of output as persisted in the text artifact.
type Record struct {
	Kind model.StreamKind `json:"kind"`
	Text string           `json:"text"`
}

// EncodeRecord encodes r as a single csv line terminated by \n. Text
// holding commas, quotes, CR or LF is quoted, so record boundaries
// survive any payload.
func EncodeRecord(r Record) (string, error) {
	var sb strings.Builder
	w := csv.NewWriter(&sb)
	if err := w.Write([]string{strconv.Itoa(int(r.Kind)), r.Text}); err != nil {
		return "", err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// DecodeRecords reads all records from r. A trailing partial line is an
// error, use Decoder for artifacts still being written.
func DecodeRecords(r io.Reader) ([]Record, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var dec Decoder
	records, err := dec.Feed(b)
	if err != nil {
		return nil, err
	}
	if dec.Pending() > 0 {
		return records, fmt.Errorf("%w: unterminated record", ErrMalformedRecord)
	}
	return records, nil
}

// Decoder decodes records incrementally. encoding/csv.Reader is not used
// as it turns \r\n inside quoted fields into \n.
type Decoder struct {
	pending []byte
}

// Feed appends b to the unparsed input and returns every record it
// completes.
func (d *Decoder) Feed(b []byte) ([]Record, error) {
	d.pending = append(d.pending, b...)
	var out []Record
	for len(d.pending) > 0 {
		fields, n, err := splitRecord(d.pending)
		if err != nil {
			return out, err
		}
		if n == 0 {
			break
		}
		rec, err := toRecord(fields)
		if err != nil {
			return out, err
		}
		out = append(out, rec)
		d.pending = d.pending[n:]
	}
	if len(d.pending) == 0 {
		d.pending = nil
	}
	return out, nil
}

// Pending returns the number of buffered bytes of an incomplete record.
func (d *Decoder) Pending() int {
	return len(d.pending)
}

// Reset drops any buffered input.
func (d *Decoder) Reset() {
	d.pending = nil
}

func toRecord(fields []string) (Record, error) {
	if len(fields) != 2 {
		return Record{}, fmt.Errorf("%w: got %d fields, want 2", ErrMalformedRecord, len(fields))
	}
	code, err := strconv.Atoi(fields[0])
	if err != nil {
		return Record{}, fmt.Errorf("%w: stream kind %q", ErrMalformedRecord, fields[0])
	}
	kind, err := model.ParseStreamKind(code)
	if err != nil {
		return Record{}, err
	}
	return Record{Kind: kind, Text: fields[1]}, nil
}

// splitRecord parses one csv line from data. It returns n == 0 when data
// does not hold a complete line yet.
func splitRecord(data []byte) (fields []string, n int, err error) {
	pos := 0
	for {
		if pos >= len(data) {
			return nil, 0, nil
		}
		var field string
		if data[pos] == '"' {
			var buf bytes.Buffer
			i := pos + 1
			for {
				j := bytes.IndexByte(data[i:], '"')
				if j < 0 {
					return nil, 0, nil
				}
				buf.Write(data[i : i+j])
				i += j + 1
				if i >= len(data) {
					return nil, 0, nil
				}
				if data[i] == '"' {
					buf.WriteByte('"')
					i++
					continue
				}
				break
			}
			if data[i] != ',' && data[i] != '\n' {
				return nil, 0, fmt.Errorf("%w: unexpected %q after quoted field", ErrMalformedRecord, data[i])
			}
			field = buf.String()
			pos = i
		} else {
			j := bytes.IndexAny(data[pos:], ",\n")
			if j < 0 {
				return nil, 0, nil
			}
			field = string(data[pos : pos+j])
			if strings.Contains(field, `"`) {
				return nil, 0, fmt.Errorf("%w: bare quote in field", ErrMalformedRecord)
			}
			pos += j
		}
		fields = append(fields, field)
		if data[pos] == '\n' {
			return fields, pos + 1, nil
		}
		pos++ // comma
	}
}
