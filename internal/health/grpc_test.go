package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"paperflow/internal/logger"
)

func TestRefresh(t *testing.T) {
	brokerUp := false
	s := NewServer("paperflow.ocr", map[string]Check{
		"broker": func(context.Context) error {
			if !brokerUp {
				return errors.New("disconnected")
			}
			return nil
		},
	}, time.Second, logger.NewNop())
	ctx := context.Background()

	resp, err := s.health.Check(ctx, &healthpb.HealthCheckRequest{Service: "paperflow.ocr"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, s.Refresh(ctx))

	brokerUp = true
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, s.Refresh(ctx))

	resp, err = s.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ""})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}
