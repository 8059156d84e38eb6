package otel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitRequiresServiceName(t *testing.T) {
	_, err := Init(context.Background(), Config{})
	require.Error(t, err)
}

func TestInitWithExportersDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "escrowd"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestShutdownAllReturnsFirstFailure(t *testing.T) {
	first := errors.New("first")
	var order []int
	err := shutdownAll(context.Background(), []ShutdownFunc{
		func(context.Context) error { order = append(order, 0); return errors.New("late") },
		func(context.Context) error { order = append(order, 1); return first },
	})
	require.ErrorIs(t, err, first)
	require.Equal(t, []int{1, 0}, order)
}

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders(" authorization = Bearer abc , ,bad, =x,tenant=escrow")
	require.Equal(t, map[string]string{
		"authorization": "Bearer abc",
		"tenant":        "escrow",
	}, got)
}
