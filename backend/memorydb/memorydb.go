// Package memorydb is an in-memory stand-in for DynamoDB used by tests.
// It implements backend.API over mutex-guarded maps and honors the
// expression grammar this library emits: condition expressions, key
// conditions, and update expressions. Consumed capacity is reported on
// every call (0.5 units per item read, 1 unit per item written) so
// capacity accounting is testable.
package memorydb

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	pkAttr = "_pk"
	skAttr = "_sk"
)

// Store is one in-memory table. The zero value is not usable; call New.
type Store struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue

	// Calls counts invocations per operation name, for tests asserting
	// round-trip counts.
	calls map[string]int

	// BatchLimit, when > 0, caps how many keys one BatchGetItem call
	// fulfills; the rest come back as unprocessed keys. Exercises the
	// unprocessed-keys retry protocol.
	BatchLimit int
}

// New returns an empty store.
func New() *Store {
	return &Store{
		items: make(map[string]map[string]types.AttributeValue),
		calls: make(map[string]int),
	}
}

// CallCount returns how many times the named operation ran.
func (s *Store) CallCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Len returns the number of stored items.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *Store) count(op string) { s.calls[op]++ }

func itemKey(item map[string]types.AttributeValue) (string, error) {
	pk, ok := item[pkAttr].(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("memorydb: item missing %s", pkAttr)
	}
	sk, ok := item[skAttr].(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("memorydb: item missing %s", skAttr)
	}
	return pk.Value + "\x00" + sk.Value, nil
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(av types.AttributeValue) types.AttributeValue {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return &types.AttributeValueMemberS{Value: v.Value}
	case *types.AttributeValueMemberN:
		return &types.AttributeValueMemberN{Value: v.Value}
	case *types.AttributeValueMemberBOOL:
		return &types.AttributeValueMemberBOOL{Value: v.Value}
	case *types.AttributeValueMemberSS:
		return &types.AttributeValueMemberSS{Value: append([]string(nil), v.Value...)}
	case *types.AttributeValueMemberNULL:
		return &types.AttributeValueMemberNULL{Value: v.Value}
	default:
		return av
	}
}

func readCapacity(items int) *types.ConsumedCapacity {
	units := 0.5 * float64(items)
	if units < 0.5 {
		units = 0.5
	}
	return &types.ConsumedCapacity{
		CapacityUnits:     aws.Float64(units),
		ReadCapacityUnits: aws.Float64(units),
	}
}

func writeCapacity(items int) *types.ConsumedCapacity {
	units := float64(items)
	if units < 1 {
		units = 1
	}
	return &types.ConsumedCapacity{
		CapacityUnits:      aws.Float64(units),
		WriteCapacityUnits: aws.Float64(units),
	}
}

// conditionHolds evaluates a condition expression against existing (nil for
// a missing item).
func conditionHolds(expr *string, names map[string]string, values map[string]types.AttributeValue, existing map[string]types.AttributeValue) (bool, error) {
	if expr == nil || *expr == "" {
		return true, nil
	}
	eval, err := parseCondition(*expr, names, values)
	if err != nil {
		return false, err
	}
	if existing == nil {
		existing = map[string]types.AttributeValue{}
	}
	return eval(existing), nil
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
}

// indexKeyAttrs maps an index name onto its physical key attribute pair.
func indexKeyAttrs(indexName *string) (string, string, error) {
	if indexName == nil {
		return pkAttr, skAttr, nil
	}
	name := *indexName
	if name == "iter" {
		return "_iter_pk", "_iter_sk", nil
	}
	if strings.HasPrefix(name, "gsi") && len(name) == 4 && name[3] >= '1' && name[3] <= '5' {
		slot := string(name[3])
		return "_s" + slot + "_pk", "_s" + slot + "_sk", nil
	}
	return "", "", fmt.Errorf("memorydb: unknown index %q", name)
}

// sortedItems returns the store's items carrying both key attrs of the
// chosen index, ordered by (index pk, index sk).
func (s *Store) sortedItems(ipk, isk string) []map[string]types.AttributeValue {
	var out []map[string]types.AttributeValue
	for _, item := range s.items {
		if _, ok := item[ipk]; !ok {
			continue
		}
		if _, ok := item[isk]; !ok {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		a := out[i][ipk].(*types.AttributeValueMemberS).Value
		b := out[j][ipk].(*types.AttributeValueMemberS).Value
		if a != b {
			return a < b
		}
		as := out[i][isk].(*types.AttributeValueMemberS).Value
		bs := out[j][isk].(*types.AttributeValueMemberS).Value
		return as < bs
	})
	return out
}
