package fetcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResponseOK(t *testing.T) {
	t.Parallel()

	require.True(t, Response{StatusCode: 200}.OK())
	require.True(t, Response{StatusCode: 204}.OK())
	require.False(t, Response{StatusCode: 302}.OK())
	require.False(t, Response{StatusCode: 503}.OK())
}

func TestGetterFuncAndStatusError(t *testing.T) {
	t.Parallel()

	var g Getter = GetterFunc(func(_ context.Context, r Request) (Response, error) {
		return Response{URL: r.URL, StatusCode: 404}, nil
	})
	resp, err := g.Get(context.Background(), Request{URL: "https://example.com/x"})
	require.NoError(t, err)

	var statusErr error = &StatusError{URL: resp.URL, Code: resp.StatusCode}
	require.EqualError(t, statusErr, "unexpected status 404 from https://example.com/x")
}
