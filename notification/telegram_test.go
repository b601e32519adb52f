package notification

import (
	"errors"
	"testing"
	"time"

	"github.com/raykavin/pricewatch/core"
	"github.com/stretchr/testify/require"
	tb "gopkg.in/tucnak/telebot.v2"
)

func TestClassify_FloodControlCarriesResetTime(t *testing.T) {
	err := tb.FloodError{
		APIError:   tb.NewAPIError(429, "retry after 5"),
		RetryAfter: 5,
	}

	classified := classify(err)
	require.Equal(t, core.ReasonRateLimited, classified.Reason)
	require.Equal(t, 5*time.Second, classified.RetryAfter)
}

func TestClassify_BlockedRecipientIsPermanent(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"forbidden", tb.NewAPIError(403, "Forbidden: bot was blocked by the user")},
		{"bad request", tb.NewAPIError(400, "Bad Request: chat not found")},
		{"unauthorized", tb.NewAPIError(401, "Unauthorized")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			classified := classify(tc.err)
			require.Equal(t, core.ReasonPermanent, classified.Reason)
		})
	}
}

func TestClassify_ServerErrorsAreRetryable(t *testing.T) {
	classified := classify(tb.NewAPIError(502, "Bad Gateway"))
	require.Equal(t, core.ReasonRetryable, classified.Reason)

	classified = classify(errors.New("dial tcp: connection refused"))
	require.Equal(t, core.ReasonRetryable, classified.Reason)
}

func TestClassify_PreservesUnderlyingError(t *testing.T) {
	underlying := tb.NewAPIError(403, "Forbidden")

	classified := classify(underlying)

	var apiErr *tb.APIError
	require.ErrorAs(t, classified, &apiErr)
	require.Equal(t, 403, apiErr.Code)
}
