package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-idea-aggregator/internal/domain"
)

func TestDeepeningRepo_Save(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execTag: pgconn.NewCommandTag("INSERT 0 1")}
	repo := NewDeepeningRepo(pool, time.Second)

	id, err := repo.Save(context.Background(), domain.DeepeningRecord{
		SessionID:  "sid",
		IdeaID:     "iid",
		Provider:   "anthropic",
		DepthLevel: 2,
		PromptUsed: "prompt",
		Result: domain.DeepeningContent{
			IdeaTitle:        "t",
			DepthLevel:       2,
			ExecutiveSummary: "summary",
		},
		Status: domain.ResponseSuccess,
	})
	require.NoError(t, err)
	_, parseErr := uuid.Parse(id)
	assert.NoError(t, parseErr)

	require.Len(t, pool.execSQL, 1)
	assert.Contains(t, pool.execSQL[0], "INSERT INTO deepening_sessions")
	args := pool.execArgs[0]
	require.Len(t, args, 12)
	assert.Equal(t, 2, args[4])

	var stored map[string]any
	require.NoError(t, json.Unmarshal(args[6].([]byte), &stored))
	assert.Equal(t, "summary", stored["executive_summary"])
}

func TestDeepeningRepo_Save_DBError(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execErr: errors.New("disk full")}
	repo := NewDeepeningRepo(pool, time.Second)

	_, err := repo.Save(context.Background(), domain.DeepeningRecord{SessionID: "sid", IdeaID: "iid"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDatabaseError)
}

func TestDeepeningRepo_Save_KeepsCallerID(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execTag: pgconn.NewCommandTag("INSERT 0 1")}
	repo := NewDeepeningRepo(pool, time.Second)

	fixed := uuid.New().String()
	id, err := repo.Save(context.Background(), domain.DeepeningRecord{
		ID:        fixed,
		SessionID: "sid",
		IdeaID:    "iid",
		Status:    domain.ResponseFailed,
	})
	require.NoError(t, err)
	assert.Equal(t, fixed, id)
	require.Len(t, pool.execArgs, 1)
	assert.Equal(t, fixed, pool.execArgs[0][0])
}
