package filter

import (
	"encoding/json"

	"github.com/unimcp/unimcp/internal/mcperr"
)

// ParseQuery parses the JSON tag query DSL. A query node is one of:
//
//	"tag"                          a bare tag string
//	{"tag": "name"}                explicit tag match
//	{"$and": [node, ...]}          every operand matches
//	{"$or": [node, ...]}           any operand matches
//	{"$not": node}                 operand does not match
//
// A node object must contain exactly one of the keys above.
func ParseQuery(raw json.RawMessage) (Expr, error) {
	if len(raw) == 0 {
		return nil, mcperr.New(mcperr.KindInvalidParams, "empty tag query")
	}
	return parseQueryNode(raw)
}

func parseQueryNode(raw json.RawMessage) (Expr, error) {
	var tag string
	if err := json.Unmarshal(raw, &tag); err == nil {
		if tag == "" {
			return nil, mcperr.New(mcperr.KindInvalidParams, "empty tag in query")
		}
		return tagExpr{tag: tag}, nil
	}

	var node map[string]json.RawMessage
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, mcperr.Wrap(mcperr.KindInvalidParams, "malformed tag query node", err)
	}
	if len(node) != 1 {
		return nil, mcperr.Newf(mcperr.KindInvalidParams,
			"tag query node must have exactly one key, got %d", len(node))
	}

	for key, value := range node {
		switch key {
		case "tag":
			var t string
			if err := json.Unmarshal(value, &t); err != nil || t == "" {
				return nil, mcperr.New(mcperr.KindInvalidParams, `"tag" must be a non-empty string`)
			}
			return tagExpr{tag: t}, nil

		case "$and", "$or":
			var items []json.RawMessage
			if err := json.Unmarshal(value, &items); err != nil {
				return nil, mcperr.Newf(mcperr.KindInvalidParams, "%q expects an array", key)
			}
			if len(items) == 0 {
				return nil, mcperr.Newf(mcperr.KindInvalidParams, "%q must not be empty", key)
			}
			operands := make([]Expr, 0, len(items))
			for _, item := range items {
				op, err := parseQueryNode(item)
				if err != nil {
					return nil, err
				}
				operands = append(operands, op)
			}
			if key == "$and" {
				return andExpr{operands: operands}, nil
			}
			return orExpr{operands: operands}, nil

		case "$not":
			inner, err := parseQueryNode(value)
			if err != nil {
				return nil, err
			}
			return notExpr{inner: inner}, nil

		default:
			return nil, mcperr.Newf(mcperr.KindInvalidParams, "unknown tag query operator %q", key)
		}
	}
	// len(node) == 1 makes the loop return; unreachable.
	return nil, mcperr.New(mcperr.KindInvalidParams, "empty tag query node")
}
