package vault_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/narration-vault/internal/vault"
)

func TestTransitionAdvancesForward(t *testing.T) {
	t.Parallel()

	manifest := vault.Manifest{Status: vault.StatusPending}

	require.NoError(t, manifest.Transition(vault.StatusCandidatesReady))
	require.NoError(t, manifest.Transition(vault.StatusPicksComplete))
	require.NoError(t, manifest.Transition(vault.StatusAssembled))
	require.NoError(t, manifest.Transition(vault.StatusQAPassed))
}

func TestTransitionRejectsRegression(t *testing.T) {
	t.Parallel()

	manifest := vault.Manifest{Status: vault.StatusAssembled}

	err := manifest.Transition(vault.StatusCandidatesReady)
	require.ErrorIs(t, err, vault.ErrInvalidTransition)
	assert.Equal(t, vault.StatusAssembled, manifest.Status)
}

func TestTransitionRejectsUnknownStatus(t *testing.T) {
	t.Parallel()

	manifest := vault.Manifest{Status: vault.StatusPending}

	err := manifest.Transition(vault.Status("HALF_DONE"))
	require.ErrorIs(t, err, vault.ErrInvalidTransition)
}

func TestTransitionAllowsQAFailedFromAssembled(t *testing.T) {
	t.Parallel()

	manifest := vault.Manifest{Status: vault.StatusAssembled}

	require.NoError(t, manifest.Transition(vault.StatusQAFailed))
}

func TestRegenerateResetsToCandidatesReady(t *testing.T) {
	t.Parallel()

	manifest := vault.Manifest{Status: vault.StatusQAPassed}

	manifest.Regenerate()
	assert.Equal(t, vault.StatusCandidatesReady, manifest.Status)

	// After regeneration the normal forward path applies again.
	require.NoError(t, manifest.Transition(vault.StatusPicksComplete))
}
