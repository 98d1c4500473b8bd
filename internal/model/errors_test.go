package model

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestAPIError_Error_IncludesCode(t *testing.T) {
	err := NewLinkFlowNotFoundError("flow-1")
	if !strings.Contains(err.Error(), ErrCodeLinkFlowNotFound) {
		t.Errorf("Error() = %q, should contain code", err.Error())
	}
	if !strings.Contains(err.Error(), "flow-1") {
		t.Errorf("Error() = %q, should contain flow id", err.Error())
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"not authenticated", NewNotAuthenticatedError(), FailureNotAuthenticated},
		{"invalid credentials", NewInvalidCredentialsError(), FailureNotAuthenticated},
		{"invalid input", NewInvalidInputError("bad email"), FailureValidation},
		{"sign up rejected", NewSignUpRejectedError("duplicate"), FailureValidation},
		{"account service down", NewAccountServiceUnavailableError(), FailureTransient},
		{"link unavailable", NewLinkUnavailableError(), FailureTransient},
		{"aggregator down", NewAggregatorUnavailableError(), FailureTransient},
		{"invalid public token", NewInvalidPublicTokenError(), FailureValidation},
		{"invalid transition", NewInvalidLinkTransitionError(LinkStateNoToken, LinkStateLinked), FailureValidation},
		{"flow not found", NewLinkFlowNotFoundError("f"), FailureNotFound},
		{"item not found", NewBankItemNotFoundError("i"), FailureNotFound},
		{"invalid page", NewInvalidPageError("0"), FailureValidation},
		{"item conflict", NewBankItemConflictError(), FailureValidation},
		{"wrapped", fmt.Errorf("context: %w", NewBankItemNotFoundError("i")), FailureNotFound},
		{"plain error", errors.New("boom"), FailureTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewInvalidLinkTransitionError_NamesStates(t *testing.T) {
	err := NewInvalidLinkTransitionError(LinkStateLinked, LinkStateWidgetOpened)
	if !strings.Contains(err.Message, string(LinkStateLinked)) || !strings.Contains(err.Message, string(LinkStateWidgetOpened)) {
		t.Errorf("Message = %q, should name both states", err.Message)
	}
}

func TestUser_FirstName(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"Ada Lovelace", "Ada"},
		{"  Grace   Hopper ", "Grace"},
		{"Plato", "Plato"},
		{"", ""},
	}

	for _, tt := range tests {
		u := &User{Name: tt.name}
		if got := u.FirstName(); got != tt.want {
			t.Errorf("FirstName(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}
