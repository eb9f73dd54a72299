package exchange

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		status  int
		message string
		want    ErrorKind
	}{
		{"post only rejection", http.StatusBadRequest, "order couldn't be placed: post only order would cross", ErrPostOnlyRejected},
		{"crossed marker", http.StatusBadRequest, "Order Crossed the book", ErrPostOnlyRejected},
		{"insufficient balance", http.StatusBadRequest, "not enough balance / allowance", ErrInsufficientBalance},
		{"rate limited", http.StatusTooManyRequests, "slow down", ErrRateLimited},
		{"auth 401", http.StatusUnauthorized, "bad signature", ErrAuth},
		{"auth 403", http.StatusForbidden, "forbidden", ErrAuth},
		{"malformed", http.StatusBadRequest, "invalid tokenId", ErrMalformed},
		{"server error", http.StatusBadGateway, "upstream", ErrTransport},
	}

	for _, tc := range cases {
		got := Classify(tc.status, tc.message)
		if got.Kind != tc.want {
			t.Errorf("%s: Classify(%d, %q).Kind = %v, want %v",
				tc.name, tc.status, tc.message, got.Kind, tc.want)
		}
	}
}

func TestKindOfNonAPIError(t *testing.T) {
	t.Parallel()

	if got := KindOf(errors.New("dial tcp: timeout")); got != ErrTransport {
		t.Errorf("KindOf(plain error) = %v, want transport", got)
	}

	wrapped := fmt.Errorf("call failed: %w", &APIError{Kind: ErrAuth})
	if got := KindOf(wrapped); got != ErrAuth {
		t.Errorf("KindOf(wrapped APIError) = %v, want auth", got)
	}
}

func TestIsBenignRejection(t *testing.T) {
	t.Parallel()

	benign := []*APIError{
		{Kind: ErrPostOnlyRejected},
		{Kind: ErrInsufficientBalance},
	}
	for _, err := range benign {
		if !IsBenignRejection(err) {
			t.Errorf("%v should be benign", err.Kind)
		}
	}

	harsh := []*APIError{
		{Kind: ErrAuth},
		{Kind: ErrRateLimited},
		{Kind: ErrTransport},
		{Kind: ErrMalformed},
	}
	for _, err := range harsh {
		if IsBenignRejection(err) {
			t.Errorf("%v should not be benign", err.Kind)
		}
	}
}
