package meter

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Namespace is the IEEE 2030.5 XML namespace every meter element lives in.
const Namespace = "urn:ieee:std:2030.5:ns"

// Reading is one extracted sensor value, unparsed.
type Reading struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Snapshot is the set of readings from one response, in schema order.
type Snapshot []Reading

// Get returns the value for key.
func (s Snapshot) Get(key string) (string, bool) {
	for _, r := range s {
		if r.Key == key {
			return r.Value, true
		}
	}
	return "", false
}

// Extract reads the sensors declared by tags from a 2030.5 document.
//
// Each tag (or subtag) resolves to the first element in document order,
// at any depth, in the 2030.5 namespace with that local name. A sensor
// is only emitted when that element exists and has non-empty text, so a
// missing reading is never reported as "" or 0. Output follows the order
// of tags, which makes it deterministic for a given document.
//
// A document that is not well-formed XML returns ErrMalformedResponse.
func Extract(doc []byte, tags []TagRule) (Snapshot, error) {
	idx, err := indexDocument(doc)
	if err != nil {
		return nil, err
	}

	var snapshot Snapshot
	for _, tag := range tags {
		if !tag.Composite() {
			if v := idx[tag.Name]; strings.TrimSpace(v) != "" {
				snapshot = append(snapshot, Reading{Key: tag.Name, Value: v})
			}
			continue
		}
		for _, sub := range tag.Subtags {
			if v := idx[sub.Name]; strings.TrimSpace(v) != "" {
				snapshot = append(snapshot, Reading{Key: tag.Name + sub.Name, Value: v})
			}
		}
	}
	return snapshot, nil
}

// elementFrame tracks an open element while walking the token stream.
type elementFrame struct {
	name     string
	record   bool
	children int
	text     strings.Builder
}

// indexDocument maps each 2030.5 local name to the raw text of its first
// occurrence. Only text before the element's first child counts.
func indexDocument(doc []byte) (map[string]string, error) {
	dec := xml.NewDecoder(bytes.NewReader(doc))

	idx := make(map[string]string)
	seen := make(map[string]bool)
	var stack []*elementFrame
	sawRoot := false

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if len(stack) == 0 && sawRoot {
				return nil, fmt.Errorf("%w: multiple root elements", ErrMalformedResponse)
			}
			sawRoot = true
			if len(stack) > 0 {
				stack[len(stack)-1].children++
			}

			frame := &elementFrame{name: t.Name.Local}
			if t.Name.Space == Namespace && !seen[t.Name.Local] {
				seen[t.Name.Local] = true
				frame.record = true
			}
			stack = append(stack, frame)

		case xml.CharData:
			if len(stack) == 0 {
				if len(bytes.TrimSpace(t)) > 0 {
					return nil, fmt.Errorf("%w: text outside root element", ErrMalformedResponse)
				}
				continue
			}
			if top := stack[len(stack)-1]; top.record && top.children == 0 {
				top.text.Write(t)
			}

		case xml.EndElement:
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if top.record {
				idx[top.name] = top.text.String()
			}
		}
	}

	if !sawRoot {
		return nil, fmt.Errorf("%w: no root element", ErrMalformedResponse)
	}
	return idx, nil
}
