package descriptor

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Catalog wire layout:
//
//	{"descriptors": [{"id": "...", "name": "...", "attributes": {...},
//	                  "actions": [{"id": "<local>", "label": "..."}]}]}
const (
	fieldDescriptors = "descriptors"
	fieldID          = "id"
	fieldName        = "name"
	fieldAttributes  = "attributes"
	fieldActions     = "actions"
	fieldLabel       = "label"
)

// ToStruct encodes a catalog as a protobuf Struct.
func ToStruct(descs []*Descriptor) (*structpb.Struct, error) {
	list := make([]any, 0, len(descs))
	for _, d := range descs {
		if d == nil {
			continue
		}
		entry := map[string]any{
			fieldID:   d.id,
			fieldName: d.name,
		}
		if len(d.attributes) > 0 {
			attrs := make(map[string]any, len(d.attributes))
			for k, v := range d.attributes {
				attrs[k] = v
			}
			entry[fieldAttributes] = attrs
		}
		if len(d.actions) > 0 {
			actions := make([]any, 0, len(d.actions))
			for _, a := range d.actions {
				actions = append(actions, map[string]any{
					fieldID:    a.Local(),
					fieldLabel: a.Label,
				})
			}
			entry[fieldActions] = actions
		}
		list = append(list, entry)
	}

	s, err := structpb.NewStruct(map[string]any{fieldDescriptors: list})
	if err != nil {
		return nil, fmt.Errorf("failed to encode catalog: %w", err)
	}
	return s, nil
}

// FromStruct decodes a catalog produced by ToStruct.
func FromStruct(s *structpb.Struct) ([]*Descriptor, error) {
	raw, ok := s.AsMap()[fieldDescriptors]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("catalog field %q is %T, want list", fieldDescriptors, raw)
	}

	out := make([]*Descriptor, 0, len(list))
	for i, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("catalog entry %d is %T, want object", i, item)
		}

		id, _ := entry[fieldID].(string)
		name, _ := entry[fieldName].(string)

		var opts []Option
		if attrs, ok := entry[fieldAttributes].(map[string]any); ok {
			for k, v := range attrs {
				opts = append(opts, WithAttribute(k, fmt.Sprint(v)))
			}
		}
		if actions, ok := entry[fieldActions].([]any); ok {
			for _, a := range actions {
				action, ok := a.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("catalog entry %d: action is %T, want object", i, a)
				}
				local, _ := action[fieldID].(string)
				label, _ := action[fieldLabel].(string)
				opts = append(opts, WithAction(local, label))
			}
		}

		d, err := New(id, name, opts...)
		if err != nil {
			return nil, fmt.Errorf("catalog entry %d: %w", i, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// Marshal encodes a catalog into protobuf bytes.
func Marshal(descs []*Descriptor) ([]byte, error) {
	s, err := ToStruct(descs)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

// Unmarshal decodes protobuf bytes produced by Marshal.
func Unmarshal(data []byte) ([]*Descriptor, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}
	return FromStruct(&s)
}
