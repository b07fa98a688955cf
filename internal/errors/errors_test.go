package errors_test

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/victornm/quizroom/internal/errors"
)

func TestError_IsMatchesReason(t *testing.T) {
	err := errors.Reasoned(errors.ReasonDuplicateAnswer, errors.WithMessagef("participant %s already answered", "p1"))
	wrapped := fmt.Errorf("submit: %w", err)

	require.ErrorIs(t, wrapped, errors.ErrDuplicateAnswer)
	require.NotErrorIs(t, wrapped, errors.ErrStaleQuestion)
	assert.Equal(t, errors.ReasonDuplicateAnswer, errors.ReasonOf(wrapped))
	assert.Equal(t, errors.CodeAlreadyExists, errors.Convert(wrapped).Code)
}

func TestError_StatusMapping(t *testing.T) {
	tests := map[string]struct {
		err        *errors.Error
		wantHTTP   int
		wantGRPC   codes.Code
		wantReason errors.Reason
	}{
		"invalid transition is a failed precondition": {
			err:        errors.ErrInvalidTransition,
			wantHTTP:   http.StatusConflict,
			wantGRPC:   codes.FailedPrecondition,
			wantReason: errors.ReasonInvalidTransition,
		},
		"storage failure is unavailable": {
			err:        errors.Unavailable(stderrors.New("connection reset")),
			wantHTTP:   http.StatusServiceUnavailable,
			wantGRPC:   codes.Unavailable,
			wantReason: errors.ReasonStorageUnavailable,
		},
		"plain errors convert to internal": {
			err:      errors.Convert(stderrors.New("boom")),
			wantHTTP: http.StatusInternalServerError,
			wantGRPC: codes.Internal,
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.wantHTTP, tt.err.HTTPStatusCode())
			assert.Equal(t, tt.wantGRPC, tt.err.GRPCStatus().Code())
			assert.Equal(t, tt.wantReason, tt.err.Reason)
		})
	}
}
