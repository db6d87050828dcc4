package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingcore/pkg/logger"
)

type tenantKey struct{}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("json output carries static attrs", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		log := logger.New(
			logger.WithOutput(&buf),
			logger.WithAttr(slog.String("service", "billing")),
		)
		log.Info("pass complete", slog.Int("processed", 3))

		var record map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
		assert.Equal(t, "billing", record["service"])
		assert.Equal(t, float64(3), record["processed"])
	})

	t.Run("context extractor injects per-call attrs", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		log := logger.New(
			logger.WithOutput(&buf),
			logger.WithContextValue("tenant_id", tenantKey{}),
		)

		ctx := context.WithValue(context.Background(), tenantKey{}, "t-123")
		log.InfoContext(ctx, "usage incremented")

		var record map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
		assert.Equal(t, "t-123", record["tenant_id"])
	})

	t.Run("invalid format panics", func(t *testing.T) {
		t.Parallel()

		assert.Panics(t, func() {
			logger.New(logger.WithFormat("xml"))
		})
	})
}

func TestAttrs(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	assert.Equal(t, id.String(), logger.TenantID(id).Value.String())
	assert.Equal(t, "tenant_id", logger.TenantID(id).Key)
	assert.True(t, logger.Error(nil).Equal(slog.Attr{}))
}
