package meter

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Schema variants, selected by the meter's firmware version.
const (
	VariantDefault   = "default"
	VariantAlternate = "3_2_39"

	// AlternateFirmware is the only firmware version that selects
	// VariantAlternate. The comparison is exact.
	AlternateFirmware = "3.2.39"
)

// EntityTypeKey is the metadata field naming the Home Assistant
// component (sensor, binary_sensor, ...). It is used in topics and
// removed from discovery payloads.
const EntityTypeKey = "entity_type"

//go:embed schemas/*.yaml
var embeddedSchemas embed.FS

// Meta is the Home Assistant discovery metadata declared for one sensor.
type Meta map[string]any

// EntityType returns the entity_type field.
func (m Meta) EntityType() string {
	s, _ := m[EntityTypeKey].(string)
	return s
}

// SubtagRule is one element of a composite tag.
type SubtagRule struct {
	Name string
	Meta Meta
}

// TagRule describes how to read one or more sensors from a document.
//
// A scalar rule has Meta and no Subtags and produces the sensor Name.
// A composite rule has Subtags and produces one sensor per subtag, keyed
// Name+subtag (e.g. "CurrentSummationDelivered" + "touTier").
type TagRule struct {
	Name    string
	Meta    Meta
	Subtags []SubtagRule
}

// Composite reports whether the rule expands into subtags.
func (r TagRule) Composite() bool {
	return len(r.Subtags) > 0
}

// SensorKeys returns the keys this rule can produce, in declaration order.
func (r TagRule) SensorKeys() []string {
	if !r.Composite() {
		return []string{r.Name}
	}
	keys := make([]string, 0, len(r.Subtags))
	for _, sub := range r.Subtags {
		keys = append(keys, r.Name+sub.Name)
	}
	return keys
}

// EndpointSchema declares one meter resource and the tags read from it.
type EndpointSchema struct {
	Name string
	Path string
	Tags []TagRule
}

// SensorKeys returns every key the endpoint can produce, in order.
func (e EndpointSchema) SensorKeys() []string {
	var keys []string
	for _, tag := range e.Tags {
		keys = append(keys, tag.SensorKeys()...)
	}
	return keys
}

// Schema is the ordered list of endpoints polled on one meter.
type Schema []EndpointSchema

// SelectVariant returns the schema variant for a firmware version.
// Anything other than exactly AlternateFirmware, including Unknown,
// selects VariantDefault.
func SelectVariant(softwareVersion string) string {
	if softwareVersion == AlternateFirmware {
		return VariantAlternate
	}
	return VariantDefault
}

// SchemaFileName returns the file name holding a variant's schema.
func SchemaFileName(variant string) string {
	return "endpoints_" + variant + ".yaml"
}

// LoadSchema loads and validates the schema for variant. When dir is
// empty the copy embedded in the binary is used.
func LoadSchema(variant, dir string) (Schema, error) {
	name := SchemaFileName(variant)

	var (
		data []byte
		err  error
	)
	if dir == "" {
		data, err = embeddedSchemas.ReadFile("schemas/" + name)
	} else {
		data, err = os.ReadFile(filepath.Join(dir, name))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrInvalidSchema, name, err)
	}

	schema, err := ParseSchema(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return schema, nil
}

// ParseSchema decodes a schema document, keeping the declaration order
// of endpoints, tags and subtags, and validates it.
//
// The document is a sequence of single-key mappings:
//
//	# endpoints_default.yaml
//	- Instantaneous Demand:
//	    url: '/upt/1/mr/1/r'
//	    tags:
//	      value: {entity_type: sensor, device_class: power}
//	      timePeriod:
//	        - duration: {entity_type: sensor}
//	        - start: {entity_type: sensor}
func ParseSchema(data []byte) (Schema, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSchema, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidSchema)
	}

	root := doc.Content[0]
	if root.Kind != yaml.SequenceNode {
		return nil, invalidAt(root, "top level must be a list of endpoints")
	}

	schema := make(Schema, 0, len(root.Content))
	for _, item := range root.Content {
		name, body, err := singleKey(item)
		if err != nil {
			return nil, err
		}
		endpoint, err := parseEndpoint(name, body)
		if err != nil {
			return nil, err
		}
		schema = append(schema, endpoint)
	}

	if err := schema.Validate(); err != nil {
		return nil, err
	}
	return schema, nil
}

func parseEndpoint(name string, body *yaml.Node) (EndpointSchema, error) {
	if body.Kind != yaml.MappingNode {
		return EndpointSchema{}, invalidAt(body, "endpoint %q must be a mapping", name)
	}

	endpoint := EndpointSchema{Name: name}
	var tags *yaml.Node
	for i := 0; i+1 < len(body.Content); i += 2 {
		key, value := body.Content[i], body.Content[i+1]
		switch key.Value {
		case "url":
			endpoint.Path = value.Value
		case "tags":
			tags = value
		default:
			return EndpointSchema{}, invalidAt(key, "endpoint %q: unknown field %q", name, key.Value)
		}
	}

	if tags == nil || tags.Kind != yaml.MappingNode {
		return EndpointSchema{}, invalidAt(body, "endpoint %q: tags must be a mapping", name)
	}

	for i := 0; i+1 < len(tags.Content); i += 2 {
		tag, err := parseTag(tags.Content[i].Value, tags.Content[i+1])
		if err != nil {
			return EndpointSchema{}, fmt.Errorf("endpoint %q: %w", name, err)
		}
		endpoint.Tags = append(endpoint.Tags, tag)
	}

	return endpoint, nil
}

func parseTag(name string, node *yaml.Node) (TagRule, error) {
	switch node.Kind {
	case yaml.MappingNode:
		meta, err := decodeMeta(name, node)
		if err != nil {
			return TagRule{}, err
		}
		return TagRule{Name: name, Meta: meta}, nil

	case yaml.SequenceNode:
		rule := TagRule{Name: name}
		for _, item := range node.Content {
			subName, body, err := singleKey(item)
			if err != nil {
				return TagRule{}, err
			}
			meta, err := decodeMeta(name+subName, body)
			if err != nil {
				return TagRule{}, err
			}
			rule.Subtags = append(rule.Subtags, SubtagRule{Name: subName, Meta: meta})
		}
		if len(rule.Subtags) == 0 {
			return TagRule{}, invalidAt(node, "tag %q: group has no elements", name)
		}
		return rule, nil

	default:
		return TagRule{}, invalidAt(node, "tag %q must be a mapping or a list", name)
	}
}

func decodeMeta(sensor string, node *yaml.Node) (Meta, error) {
	if node.Kind != yaml.MappingNode {
		return nil, invalidAt(node, "sensor %q: metadata must be a mapping", sensor)
	}
	meta := Meta{}
	if err := node.Decode(&meta); err != nil {
		return nil, fmt.Errorf("%w: sensor %q: %w", ErrInvalidSchema, sensor, err)
	}
	if meta.EntityType() == "" {
		return nil, invalidAt(node, "sensor %q: %s is required", sensor, EntityTypeKey)
	}
	return meta, nil
}

// singleKey unpacks a one-entry mapping such as "- value: {...}".
func singleKey(node *yaml.Node) (string, *yaml.Node, error) {
	if node.Kind != yaml.MappingNode || len(node.Content) != 2 {
		return "", nil, invalidAt(node, "expected a mapping with exactly one key")
	}
	return node.Content[0].Value, node.Content[1], nil
}

func invalidAt(node *yaml.Node, format string, args ...any) error {
	return fmt.Errorf("%w: line %d: %s", ErrInvalidSchema, node.Line, fmt.Sprintf(format, args...))
}

// Validate checks names, paths and uniqueness.
//
// Endpoint names and sensor keys become MQTT topic levels, so they may
// not contain '/', '+' or '#'. Unique ids are derived from the endpoint
// name and sensor key and must not collide.
func (s Schema) Validate() error {
	var errs []string

	endpoints := make(map[string]bool, len(s))
	uniqueIDs := make(map[string]string)

	for _, ep := range s {
		if ep.Name == "" {
			errs = append(errs, "endpoint name is required")
			continue
		}
		if endpoints[ep.Name] {
			errs = append(errs, fmt.Sprintf("duplicate endpoint %q", ep.Name))
		}
		endpoints[ep.Name] = true

		if strings.ContainsAny(ep.Name, "/+#") {
			errs = append(errs, fmt.Sprintf("endpoint %q: name contains a topic delimiter", ep.Name))
		}
		if !strings.HasPrefix(ep.Path, "/") {
			errs = append(errs, fmt.Sprintf("endpoint %q: url must start with /", ep.Name))
		}
		if len(ep.Tags) == 0 {
			errs = append(errs, fmt.Sprintf("endpoint %q: no tags", ep.Name))
		}

		keys := make(map[string]bool)
		for _, key := range ep.SensorKeys() {
			if key == "" || strings.ContainsAny(key, "/+# ") {
				errs = append(errs, fmt.Sprintf("endpoint %q: invalid sensor key %q", ep.Name, key))
				continue
			}
			if keys[key] {
				errs = append(errs, fmt.Sprintf("endpoint %q: duplicate sensor %q", ep.Name, key))
				continue
			}
			keys[key] = true

			id := UniqueID("", ep.Name, key)
			if other, ok := uniqueIDs[id]; ok {
				errs = append(errs, fmt.Sprintf("endpoint %q: sensor %q collides with %s", ep.Name, key, other))
				continue
			}
			uniqueIDs[id] = ep.Name + "/" + key
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidSchema, strings.Join(errs, "; "))
	}
	return nil
}
