// Package keycodec formats and parses the physical key strings of the
// single-table layout: primary keys, the five secondary-index key pairs,
// uniqueness companion-row keys, iteration-bucket keys, and the compact
// primary id. Formats are fixed bytewise; conformance tests pin them with
// literal vectors.
package keycodec

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
)

const (
	// UniquePrefix is the reserved partition namespace for uniqueness
	// companion rows.
	UniquePrefix = "_uniq"

	// UniqueSortKey is the fixed sentinel sort key of companion rows.
	UniqueSortKey = "_"

	// iterTag is the marker segment of iteration-bucket partition keys.
	iterTag = "iter"
)

// PartitionKey formats the primary partition key: <prefix>#<pkValue>.
// pkValue is already in index-string form.
func PartitionKey(prefix, pkValue string) string {
	return prefix + "#" + pkValue
}

// ParsePartitionKey recovers the pkValue from a primary partition key.
func ParsePartitionKey(prefix, pk string) (string, error) {
	head := prefix + "#"
	if !strings.HasPrefix(pk, head) {
		return "", fmt.Errorf("partition key %q does not carry prefix %q", pk, prefix)
	}
	return pk[len(head):], nil
}

// SortKey formats the primary sort key: the sk index string, or the model
// prefix itself when the entity declared the prefix sentinel as its sort
// key.
func SortKey(prefix, skValue string, sentinel bool) string {
	if sentinel {
		return prefix
	}
	return skValue
}

// IndexPartitionKey formats the partition key for index slot n (1..5):
// <prefix>#<n>#<pkValue>.
func IndexPartitionKey(prefix string, slot int, pkValue string) string {
	return prefix + "#" + strconv.Itoa(slot) + "#" + pkValue
}

// UniqueKey formats the companion-row partition key for a uniqueness
// constraint: _uniq#<slot>#<prefix>#<field>:<value>.
func UniqueKey(slot int, prefix, fieldName, value string) string {
	return UniquePrefix + "#" + strconv.Itoa(slot) + "#" + prefix + "#" + fieldName + ":" + value
}

// IterPartitionKey formats the iteration-bucket partition key:
// <prefix>#iter#<bucket> where bucket = hash(primaryID) mod bucketCount.
func IterPartitionKey(prefix, primaryID string, bucketCount int) string {
	return IterBucketKey(prefix, Bucket(primaryID, bucketCount))
}

// IterBucketKey formats the partition key of one iteration bucket.
func IterBucketKey(prefix string, bucket int) string {
	return prefix + "#" + iterTag + "#" + strconv.Itoa(bucket)
}

// Bucket maps a primary id onto one of bucketCount iteration buckets.
func Bucket(primaryID string, bucketCount int) int {
	h := fnv.New32a()
	h.Write([]byte(primaryID))
	return int(h.Sum32() % uint32(bucketCount))
}

// escapeID rewrites the two characters that would make the id separator
// ambiguous. Ordinary values pass through unchanged, so the degenerate
// single-component id stays equal to the raw pk value.
func escapeID(s string) string {
	s = strings.ReplaceAll(s, "%", "%25")
	return strings.ReplaceAll(s, "|", "%7C")
}

func unescapeID(s string) string {
	s = strings.ReplaceAll(s, "%7C", "|")
	return strings.ReplaceAll(s, "%25", "%")
}

// EncodeID packs (pkValue, skValue) into the opaque primary id. When the
// sort key is the prefix sentinel the id degenerates to pkValue alone.
func EncodeID(pkValue, skValue string, sentinel bool) string {
	if sentinel {
		return pkValue
	}
	return escapeID(pkValue) + "|" + escapeID(skValue)
}

// DecodeID is the exact inverse of EncodeID.
func DecodeID(id string, sentinel bool) (pkValue, skValue string, err error) {
	if sentinel {
		return id, "", nil
	}
	i := strings.IndexByte(id, '|')
	if i < 0 {
		return "", "", fmt.Errorf("primary id %q: missing sort component", id)
	}
	return unescapeID(id[:i]), unescapeID(id[i+1:]), nil
}
