package adapter

import (
	"context"
	stderr "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchyard/switchyard/pkg/errors"
)

func TestCall(t *testing.T) {
	t.Parallel()

	boom := stderr.New("boom")

	tests := []struct {
		name          string
		fn            func(context.Context) error
		wantCode      errors.ErrorCode
		wantErr       error
		wantAbandoned bool
	}{
		{
			name: "success",
			fn:   func(context.Context) error { return nil },
		},
		{
			name:    "plain failure passes through",
			fn:      func(context.Context) error { return boom },
			wantErr: boom,
		},
		{
			name:     "panic is recovered",
			fn:       func(context.Context) error { panic("kaboom") },
			wantCode: errors.ErrCodeAdapterPanic,
		},
		{
			name: "call that never returns is abandoned",
			fn: func(context.Context) error {
				select {}
			},
			wantCode:      errors.ErrCodeDeadlineExceeded,
			wantAbandoned: true,
		},
		{
			name: "call that honors its context",
			fn: func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			},
			wantCode: errors.ErrCodeDeadlineExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			start := time.Now()
			abandoned, err := Call(context.Background(), 50*time.Millisecond, tt.fn)
			assert.Less(t, time.Since(start), time.Second)

			switch {
			case tt.wantCode != "":
				require.Error(t, err)
				assert.Equal(t, tt.wantCode, errors.CodeOf(err))
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			default:
				assert.NoError(t, err)
			}
			if tt.wantAbandoned {
				assert.True(t, abandoned)
			}
		})
	}
}

func TestCallParentCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	abandoned, err := Call(ctx, time.Second, func(context.Context) error {
		select {}
	})
	assert.True(t, abandoned)
	assert.Equal(t, errors.ErrCodeOperationCanceled, errors.CodeOf(err))
}

func TestCallPanicCarriesStack(t *testing.T) {
	t.Parallel()

	_, err := Call(context.Background(), time.Second, func(context.Context) error { panic("kaboom") })

	var oe *errors.OrchestratorError
	require.ErrorAs(t, err, &oe)
	assert.Contains(t, oe.Message, "kaboom")
	assert.Contains(t, oe.Stack, "goroutine")
}
