package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRollbackDiscardsTransactionWrites(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	user := &User{Name: "Asha"}
	err := store.WithTransaction(ctx, func(ctx context.Context, tx DataStore) error {
		require.NoError(t, tx.CreateUser(ctx, user))
		return tx.WithTransaction(ctx, func(ctx context.Context, tx DataStore) error {
			_, _, err := tx.EnqueueCommand(ctx, &Command{DeviceCode: "DEV1", Command: CommandReboot})
			require.NoError(t, err)
			return errors.New("abort")
		})
	})
	require.EqualError(t, err, "abort")

	pending, err := store.ListPendingCommands(ctx, "DEV1")
	require.NoError(t, err)
	assert.Empty(t, pending)
	_, err = store.GetUser(ctx, user.ID)
	assert.ErrorIs(t, err, ErrPatientNotFound)
}

func TestMemoryStoreDrainWaitsForOpenTransaction(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, created, err := store.EnqueueCommand(ctx, &Command{DeviceCode: "DEV1", Command: CommandDispenseNow})
	require.NoError(t, err)
	require.True(t, created)

	entered := make(chan struct{})
	release := make(chan struct{})
	txErr := make(chan error, 1)
	go func() {
		txErr <- store.WithTransaction(ctx, func(ctx context.Context, tx DataStore) error {
			close(entered)
			<-release
			return errors.New("abort")
		})
	}()
	<-entered

	drained := make(chan []Command, 1)
	go func() {
		cmds, err := store.DrainCommands(ctx, "DEV1")
		assert.NoError(t, err)
		drained <- cmds
	}()

	select {
	case <-drained:
		t.Fatal("drain completed while a transaction was open")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.Error(t, <-txErr)
	assert.Len(t, <-drained, 1)

	again, err := store.DrainCommands(ctx, "DEV1")
	require.NoError(t, err)
	assert.Empty(t, again, "a rolled back transaction must not resurrect drained commands")
}
