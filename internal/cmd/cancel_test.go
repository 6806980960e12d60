package cmd

import (
	"encoding/json"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobwatch/internal/config"
	"github.com/3leaps/jobwatch/pkg/output"
)

func TestCancel_RevokesRemoteJob(t *testing.T) {
	resetRunFlags(t)
	resetStatusFlags(t)
	store := config.StoreConfig{Backend: config.BackendFile, Path: t.TempDir()}
	useConfig(t, startSimulator(t, 1000), store)
	appConfig.Poll.MaxPolls = 1

	// One poll leaves the job running and its id in the store.
	cmd, _ := newTestCommand("")
	err := runRun(cmd, []string{"discover"})
	require.Error(t, err)

	cmd, out := newTestCommand("")
	require.NoError(t, runStatus(cmd, []string{"discover"}))
	records := readRecords(t, out.Bytes())
	require.Len(t, records, 1)
	var s output.SessionRecord
	require.NoError(t, json.Unmarshal(records[0].Data, &s))
	require.True(t, s.Processing)

	cmd, out = newTestCommand("")
	require.NoError(t, runCancel(cmd, []string{"discover", s.JobID}))
	assert.Equal(t, "cancelled="+s.JobID+"\n", out.String())

	statusRefresh = true
	cmd, out = newTestCommand("")
	require.NoError(t, runStatus(cmd, []string{"discover"}))
	records = readRecords(t, out.Bytes())
	require.Len(t, records, 2)
	var u output.UpdateRecord
	require.NoError(t, json.Unmarshal(records[1].Data, &u))
	assert.Equal(t, "revoked", string(u.Envelope.Status))
}

func TestCancel_UnknownJob(t *testing.T) {
	useConfig(t, startSimulator(t, 1), config.StoreConfig{Backend: config.BackendMemory})

	cmd, _ := newTestCommand("")
	err := runCancel(cmd, []string{"discover", "missing"})
	require.Error(t, err)
	assert.Equal(t, foundry.ExitFileNotFound, exitCodeOf(err))
}

func TestCancel_InvalidArguments(t *testing.T) {
	useConfig(t, "http://127.0.0.1:1/api", config.StoreConfig{Backend: config.BackendMemory})

	cmd, _ := newTestCommand("")
	err := runCancel(cmd, []string{"nope", "id"})
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, exitCodeOf(err))

	err = runCancel(cmd, []string{"discover", "  "})
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, exitCodeOf(err))
}
