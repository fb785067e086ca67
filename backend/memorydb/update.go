package memorydb

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// applyUpdate mutates item in place according to an update expression in
// the grammar the mapper emits:
//
//	SET #a = :v, ... ADD #b :v, ... DELETE #c :v, ... REMOVE #d, ...
func applyUpdate(item map[string]types.AttributeValue, expr string, names map[string]string, values map[string]types.AttributeValue) error {
	toks, err := tokenize(expr)
	if err != nil {
		return err
	}
	p := &parser{toks: toks, names: names, values: values}

	for !atEOF(p) {
		section := p.next()
		if section.kind != tokIdent {
			return fmt.Errorf("memorydb: want update section, got %q", section.text)
		}
		switch strings.ToUpper(section.text) {
		case "SET":
			if err := applySection(p, func() error {
				attr, err := p.attrArg()
				if err != nil {
					return err
				}
				if t := p.next(); t.kind != tokOp || t.text != "=" {
					return fmt.Errorf("memorydb: SET wants '='")
				}
				v, err := p.valueArg()
				if err != nil {
					return err
				}
				item[attr] = copyValue(v)
				return nil
			}); err != nil {
				return err
			}

		case "ADD":
			if err := applySection(p, func() error {
				attr, err := p.attrArg()
				if err != nil {
					return err
				}
				v, err := p.valueArg()
				if err != nil {
					return err
				}
				return addValue(item, attr, v)
			}); err != nil {
				return err
			}

		case "DELETE":
			if err := applySection(p, func() error {
				attr, err := p.attrArg()
				if err != nil {
					return err
				}
				v, err := p.valueArg()
				if err != nil {
					return err
				}
				return deleteMembers(item, attr, v)
			}); err != nil {
				return err
			}

		case "REMOVE":
			if err := applySection(p, func() error {
				attr, err := p.attrArg()
				if err != nil {
					return err
				}
				delete(item, attr)
				return nil
			}); err != nil {
				return err
			}

		default:
			return fmt.Errorf("memorydb: unknown update section %q", section.text)
		}
	}
	return nil
}

func atEOF(p *parser) bool { return p.peek().kind == tokEOF }

// applySection runs one comma-separated clause list, stopping at the next
// section keyword or end of expression.
func applySection(p *parser, clause func() error) error {
	for {
		if err := clause(); err != nil {
			return err
		}
		if p.peek().kind == tokComma {
			p.next()
			continue
		}
		return nil
	}
}

// addValue implements ADD semantics for numbers and string sets.
func addValue(item map[string]types.AttributeValue, attr string, v types.AttributeValue) error {
	switch add := v.(type) {
	case *types.AttributeValueMemberN:
		cur := 0.0
		if existing, ok := item[attr].(*types.AttributeValueMemberN); ok {
			f, err := strconv.ParseFloat(existing.Value, 64)
			if err != nil {
				return err
			}
			cur = f
		}
		delta, err := strconv.ParseFloat(add.Value, 64)
		if err != nil {
			return err
		}
		item[attr] = &types.AttributeValueMemberN{Value: strconv.FormatFloat(cur+delta, 'f', -1, 64)}
		return nil

	case *types.AttributeValueMemberSS:
		members := map[string]bool{}
		if existing, ok := item[attr].(*types.AttributeValueMemberSS); ok {
			for _, m := range existing.Value {
				members[m] = true
			}
		}
		for _, m := range add.Value {
			members[m] = true
		}
		item[attr] = &types.AttributeValueMemberSS{Value: sortedMembers(members)}
		return nil
	}
	return fmt.Errorf("memorydb: ADD supports N and SS, got %T", v)
}

// deleteMembers implements DELETE semantics for string sets; an emptied
// set is removed entirely.
func deleteMembers(item map[string]types.AttributeValue, attr string, v types.AttributeValue) error {
	del, ok := v.(*types.AttributeValueMemberSS)
	if !ok {
		return fmt.Errorf("memorydb: DELETE supports SS, got %T", v)
	}
	existing, ok := item[attr].(*types.AttributeValueMemberSS)
	if !ok {
		return nil
	}
	members := map[string]bool{}
	for _, m := range existing.Value {
		members[m] = true
	}
	for _, m := range del.Value {
		delete(members, m)
	}
	if len(members) == 0 {
		delete(item, attr)
		return nil
	}
	item[attr] = &types.AttributeValueMemberSS{Value: sortedMembers(members)}
	return nil
}

func sortedMembers(members map[string]bool) []string {
	out := make([]string, 0, len(members))
	for m := range members {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
