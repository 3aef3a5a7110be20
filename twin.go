package iothub

import (
	"bytes"
	"fmt"
	"iter"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
)

const (
	desiredKey = "desired"
	versionKey = "$version"
	valueKey   = "value"
)

// TwinUpdate is a single desired property change taken from a twin document.
type TwinUpdate struct {
	PropertyName string
	RawValue     string
	Version      int64
}

// member is one key/value pair of a JSON object.
type member struct {
	key   string
	value json.RawMessage
}

// ParseTwinDocument returns the desired property changes carried by doc.
//
// doc is either a partial update, a flat object of {"<name>": {"value": v}} entries
// plus "$version", or a full twin with the same object nested under "desired"
// (the "reported" half of a full twin is ignored). Updates come out in document
// order, each tagged with the document's $version. Metadata keys are skipped.
//
// Parsing happens while ranging over the result, which can be ranged over only once.
// A document that cannot be parsed yields nothing; an entry without a usable
// "value" is skipped. Both are logged to log.
func ParseTwinDocument(doc []byte, log logrus.FieldLogger) iter.Seq[TwinUpdate] {
	if log == nil {
		log = logrus.StandardLogger()
	}
	consumed := false

	return func(yield func(TwinUpdate) bool) {
		if consumed {
			return
		}
		consumed = true

		working, err := decodeObject(doc)
		if err != nil {
			log.WithError(err).Warn("Discarding malformed twin document")
			return
		}

		if desired, ok := lookup(working, desiredKey); ok {
			working, err = decodeObject(desired)
			if err != nil {
				log.WithError(err).Warn("Discarding twin document with malformed desired section")
				return
			}
		}

		version := documentVersion(working, log)

		for _, m := range working {
			if isMetadataKey(m.key) {
				continue
			}

			plog := log.WithField("property", m.key)

			entry, err := decodeObject(m.value)
			if err != nil {
				plog.WithError(err).Warn("Skipping twin entry that is not an object")
				continue
			}

			raw, ok := lookup(entry, valueKey)
			if !ok {
				plog.Warn("Skipping twin entry without a value")
				continue
			}

			text, ok := valueText(raw)
			if !ok {
				plog.Warn("Skipping twin entry with an unusable value")
				continue
			}

			if !yield(TwinUpdate{PropertyName: m.key, RawValue: text, Version: version}) {
				return
			}
		}
	}
}

// documentVersion returns the $version of a twin object, or 0 if it has none.
func documentVersion(obj []member, log logrus.FieldLogger) int64 {
	raw, ok := lookup(obj, versionKey)
	if !ok {
		return 0
	}

	s := string(bytes.TrimSpace(raw))
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(f)
	}

	log.WithField("version", s).Warn("Ignoring malformed twin version")
	return 0
}

// decodeObject decodes a JSON object, keeping its members in document order.
func decodeObject(data []byte) ([]member, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("iothub: expected a JSON object, got %v", tok)
	}

	var members []member
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("iothub: expected an object key, got %v", tok)
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		members = append(members, member{key: key, value: raw})
	}

	// Consume the closing brace so truncated documents are rejected.
	if _, err := dec.Token(); err != nil {
		return nil, err
	}

	return members, nil
}

// lookup returns the value of the first member named key.
func lookup(obj []member, key string) (json.RawMessage, bool) {
	for _, m := range obj {
		if m.key == key {
			return m.value, true
		}
	}
	return nil, false
}

// valueText renders a JSON value as text: strings unquoted, numbers and booleans
// as written, objects and arrays as compact JSON. null has no textual form.
func valueText(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", false
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		return s, true
	case 'n':
		return "", false
	case '{', '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return "", false
		}
		return buf.String(), true
	default:
		return string(raw), true
	}
}
