package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/control-assurance-backend/internal/domain/audit"
	"github.com/davidleathers/control-assurance-backend/internal/testutil"
)

func TestExport(t *testing.T) {
	h := testutil.NewHarness(t)
	h.Started(t)
	ctx := context.Background()

	all, err := h.WF.Audit.Events(ctx, 1, 0)
	require.NoError(t, err)
	require.Greater(t, len(all), 3)

	var buf bytes.Buffer
	n, err := export(ctx, h.WF.Audit, 3, &buf)
	require.NoError(t, err)
	assert.Equal(t, len(all)-2, n)

	scanner := bufio.NewScanner(&buf)
	var seqs []int64
	for scanner.Scan() {
		var e audit.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		seqs = append(seqs, e.SequenceNum)
	}
	require.Len(t, seqs, n)
	assert.Equal(t, int64(3), seqs[0])
	assert.Equal(t, all[len(all)-1].SequenceNum, seqs[len(seqs)-1])
}

func TestVerify(t *testing.T) {
	h := testutil.NewHarness(t)
	h.Started(t)
	ctx := context.Background()

	require.NoError(t, verify(ctx, h.WF.Audit, h.Logger))

	require.True(t, h.Store.TamperEvent(2, func(e *audit.Event) { e.Actor = "someone-else" }))
	err := verify(ctx, h.WF.Audit, h.Logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit chain is broken")
}
