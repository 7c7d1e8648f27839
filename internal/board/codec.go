package board

import "log"

// PropertyCodec resolves the board's polymorphic Status property into the
// correct filter and update shapes, having read the schema once.
type PropertyCodec struct {
	statusType StatusPropertyType
	propName   string
}

// NewPropertyCodec inspects schema and binds to the physical type of the
// named Status property.
func NewPropertyCodec(schema Schema, propName string) *PropertyCodec {
	prop, ok := schema.Properties[propName]
	if !ok {
		return &PropertyCodec{statusType: StatusTypeUnknown, propName: propName}
	}
	return &PropertyCodec{statusType: statusTypeFromTag(prop.Type), propName: propName}
}

// Filter builds the {"property":..., <shape>:{...}} filter object for
// value, matching the physical Status property type.
func (c *PropertyCodec) Filter(value string) map[string]interface{} {
	filter := map[string]interface{}{"property": c.propName}
	switch c.statusType {
	case StatusTypeSelect:
		filter["select"] = map[string]interface{}{"equals": value}
	case StatusTypeMultiSelect:
		filter["multi_select"] = map[string]interface{}{"contains": value}
	default:
		// StatusTypeStatus and StatusTypeUnknown both fall back to the
		// "status" shape (unknown shape falls back to status).
		filter["status"] = map[string]interface{}{"equals": value}
	}
	return filter
}

// Update builds the {propName: {<shape>: value}} patch payload fragment.
func (c *PropertyCodec) Update(value string) map[string]interface{} {
	switch c.statusType {
	case StatusTypeSelect:
		return map[string]interface{}{c.propName: map[string]interface{}{"select": map[string]interface{}{"name": value}}}
	case StatusTypeMultiSelect:
		return map[string]interface{}{c.propName: map[string]interface{}{"multi_select": []map[string]interface{}{{"name": value}}}}
	default:
		if c.statusType == StatusTypeUnknown {
			log.Printf("[board] unknown Status property shape for %q, falling back to status shape", c.propName)
		}
		return map[string]interface{}{c.propName: map[string]interface{}{"status": map[string]interface{}{"name": value}}}
	}
}

// ReadStatus extracts the current status value from a page's raw property
// value, trying whichever inner shape is present.
func ReadStatus(raw interface{}, propName string) string {
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return ""
	}
	for _, key := range []string{"select", "status"} {
		if inner, ok := obj[key].(map[string]interface{}); ok {
			if name, ok := inner["name"].(string); ok {
				return name
			}
		}
	}
	if list, ok := obj["multi_select"].([]interface{}); ok && len(list) > 0 {
		if first, ok := list[0].(map[string]interface{}); ok {
			if name, ok := first["name"].(string); ok {
				return name
			}
		}
	}
	return ""
}
