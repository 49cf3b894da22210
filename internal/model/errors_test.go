package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublicMessage(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("conversation.Authorize: %w", ErrForbidden), "forbidden"},
		{fmt.Errorf("message.Get: %w", ErrNotFound), "not found"},
		{fmt.Errorf("message: %w: content is required", ErrInvalidInput), "content is required"},
		{fmt.Errorf("wrap: %w", ErrInvalidInput), "invalid input"},
		{errors.New("dial tcp: connection refused"), "internal error"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, PublicMessage(tc.err))
	}
}
