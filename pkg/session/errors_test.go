package session

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/MarkoPoloResearchLab/cafeledger/pkg/billing"
	"github.com/shopspring/decimal"
)

func TestKindOf(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "plain", err: errors.New("disk"), want: KindInternal},
		{name: "not found", err: fmt.Errorf("lookup: %w", ErrSessionNotFound), want: KindNotFound},
		{name: "conflict in session error", err: newSessionError("start", ErrUserAlreadyActive), want: KindConflict},
		{name: "upstream", err: fmt.Errorf("probe: %w", billing.ErrUpstreamUnavailable), want: KindUpstreamUnavailable},
		{name: "unknown charge", err: billing.ErrUnknownCharge, want: KindNotFound},
		{name: "invalid state", err: ErrSessionNotActive, want: KindInvalidState},
		{name: "ledger unknown account", err: fmt.Errorf("balance: %w", &billing.RejectionError{StatusCode: 404, Code: "unknown_account"}), want: KindNotFound},
		{name: "ledger bad request", err: fmt.Errorf("balance: %w", &billing.RejectionError{StatusCode: 400, Code: "invalid_user_id"}), want: KindValidation},
	}
	for _, testCase := range cases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if got := KindOf(testCase.err); got != testCase.want {
				test.Fatalf("expected %q, got %q", testCase.want, got)
			}
		})
	}
}

func TestSessionErrorMessage(test *testing.T) {
	test.Parallel()
	err := newSessionError("start", ErrInsufficientBalance).withUser("alice").withComputer(7).withAmount(decimal.RequireFromString("12.5"))
	message := err.Error()
	for _, fragment := range []string{"session.start", "user=alice", "computer=7", "amount=12.50", "insufficient_balance"} {
		if !strings.Contains(message, fragment) {
			test.Fatalf("expected %q in %q", fragment, message)
		}
	}
	if Code(err) != "session.account.insufficient_balance" {
		test.Fatalf("unexpected code %q", Code(err))
	}
	if IsRetryable(err) {
		test.Fatalf("insufficient balance must not be retryable")
	}
}
