package workorder

import (
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/roach88/govledger/internal/ir"
)

// decodeYAML converts a YAML document into an ir.Object by walking the node
// tree. Scalars keep their source text where YAML would otherwise coerce
// them (timestamps stay strings); floats are rejected.
func decodeYAML(data []byte) (ir.Object, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("empty document")
	}
	v, err := fromNode(doc.Content[0])
	if err != nil {
		return nil, err
	}
	obj, ok := v.(ir.Object)
	if !ok {
		return nil, fmt.Errorf("top-level value must be a mapping")
	}
	return obj, nil
}

func fromNode(n *yaml.Node) (ir.Value, error) {
	switch n.Kind {
	case yaml.AliasNode:
		return fromNode(n.Alias)
	case yaml.MappingNode:
		obj := make(ir.Object, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			key := n.Content[i]
			if key.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("line %d: mapping keys must be scalars", key.Line)
			}
			v, err := fromNode(n.Content[i+1])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key.Value, err)
			}
			obj[key.Value] = v
		}
		return obj, nil
	case yaml.SequenceNode:
		arr := make(ir.Array, len(n.Content))
		for i, elem := range n.Content {
			v, err := fromNode(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = v
		}
		return arr, nil
	case yaml.ScalarNode:
		return fromScalar(n)
	default:
		return nil, fmt.Errorf("line %d: unsupported YAML node", n.Line)
	}
}

func fromScalar(n *yaml.Node) (ir.Value, error) {
	switch n.ShortTag() {
	case "!!null":
		return ir.Null{}, nil
	case "!!bool":
		var b bool
		if err := n.Decode(&b); err != nil {
			return nil, err
		}
		return ir.Bool(b), nil
	case "!!int":
		var i int64
		if err := n.Decode(&i); err != nil {
			return nil, fmt.Errorf("line %d: %w", n.Line, err)
		}
		return ir.Int(i), nil
	case "!!float":
		return nil, fmt.Errorf("line %d: floats are forbidden: %s", n.Line, strconv.Quote(n.Value))
	default:
		return ir.String(n.Value), nil
	}
}
