package control_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/control-assurance-backend/internal/domain/control"
	"github.com/davidleathers/control-assurance-backend/internal/domain/errors"
)

func TestNewControl(t *testing.T) {
	now := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

	t.Run("valid", func(t *testing.T) {
		c, err := control.NewControl("ITGC-001", "User access review", "SOX", []control.EvidenceRequirement{
			{Type: "access_listing", Mandatory: true},
			{Type: "review_signoff", Mandatory: true},
		}, now)
		require.NoError(t, err)
		assert.Len(t, c.EvidenceRequirements, 2)
		assert.Equal(t, now, c.CreatedAt)
	})

	t.Run("duplicate evidence types rejected", func(t *testing.T) {
		_, err := control.NewControl("ITGC-001", "User access review", "SOX", []control.EvidenceRequirement{
			{Type: "access_listing"}, {Type: "access_listing"},
		}, now)
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, "DUPLICATE_EVIDENCE_TYPE"))
	})

	t.Run("missing ref rejected", func(t *testing.T) {
		_, err := control.NewControl("", "title", "SOX", nil, now)
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	})
}
