package backend

import (
	"errors"
	"net"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// IsConditionFailure reports whether err is a single-item conditional
// check failure.
func IsConditionFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// IsTransactionCanceled reports whether err is a transaction cancellation
// and returns the per-item reason codes when it is.
func IsTransactionCanceled(err error) ([]types.CancellationReason, bool) {
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		return tce.CancellationReasons, true
	}
	return nil, false
}

// HasConditionalCancellation reports whether any cancellation reason is a
// conditional check failure.
func HasConditionalCancellation(reasons []types.CancellationReason) bool {
	for _, r := range reasons {
		if r.Code != nil && *r.Code == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}

// IsTransient classifies transport-level errors worth retrying: timeouts,
// name resolution failures, and explicit networking classes. Everything
// else (conditional failures, validation errors, cancellations) is
// permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsConditionFailure(err) {
		return false
	}
	if _, ok := IsTransactionCanceled(err); ok {
		return false
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	errStr := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection reset",
		"connection refused",
		"broken pipe",
		"i/o timeout",
		"no such host",
		"networking error",
	} {
		if strings.Contains(errStr, marker) {
			return true
		}
	}
	return false
}

// ReadCapacity extracts read units from a consumed-capacity record,
// falling back to the aggregate figure when the store reports only that.
func ReadCapacity(cc *types.ConsumedCapacity) float64 {
	if cc == nil {
		return 0
	}
	if cc.ReadCapacityUnits != nil {
		return *cc.ReadCapacityUnits
	}
	if cc.CapacityUnits != nil {
		return *cc.CapacityUnits
	}
	return 0
}

// WriteCapacity extracts write units from a consumed-capacity record.
func WriteCapacity(cc *types.ConsumedCapacity) float64 {
	if cc == nil {
		return 0
	}
	if cc.WriteCapacityUnits != nil {
		return *cc.WriteCapacityUnits
	}
	if cc.CapacityUnits != nil {
		return *cc.CapacityUnits
	}
	return 0
}
