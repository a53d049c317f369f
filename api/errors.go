package api

import (
	"errors"
	"strings"
)

// ErrInsufficientFunds marks a rejection caused by missing balance or
// allowance. Retrying does not help.
var ErrInsufficientFunds = errors.New("insufficient balance or allowance")

// IsInsufficientFunds reports whether an exchange rejection message means
// the operator lacks balance or allowance.
func IsInsufficientFunds(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "not enough balance") || strings.Contains(lower, "allowance")
}

// RejectionReason extracts the exchange's reason for an unsuccessful order
// from either the transport error or the response body.
func RejectionReason(resp *OrderResponse, err error) string {
	if err != nil {
		return err.Error()
	}
	if resp == nil {
		return "empty response"
	}
	if resp.ErrorMsg != "" {
		return resp.ErrorMsg
	}
	if resp.Status != "" {
		return "order status " + resp.Status
	}
	return "order rejected"
}

// OrderFilled reports whether the order was accepted and matched.
func OrderFilled(resp *OrderResponse, err error) bool {
	return err == nil && resp != nil && resp.Success
}
