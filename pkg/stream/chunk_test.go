package stream

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitAnalyzeRoundTrip(t *testing.T) {
	original := ClientMessage{
		Action:   ActionAnalyze,
		S3Key:    "2025/06/01/1717171717-" + strings.Repeat("x", 200) + ".png",
		Language: "typescript",
	}
	payload, err := json.Marshal(original)
	require.NoError(t, err)

	msgs, err := SplitAnalyze(payload, original.Language, 64)
	require.NoError(t, err)

	require.Equal(t, ActionAnalyzeStart, msgs[0].Action)
	require.Equal(t, ActionAnalyzeEnd, msgs[len(msgs)-1].Action)
	assert.Equal(t, len(msgs)-2, msgs[0].TotalChunks)
	assert.Equal(t, "typescript", msgs[0].Language)

	var a Assembler
	require.NoError(t, a.Start(msgs[0].TotalChunks, msgs[0].Language))
	for _, m := range msgs[1 : len(msgs)-1] {
		require.Equal(t, ActionAnalyzeChunk, m.Action)
		require.NoError(t, a.Add(*m.ChunkIndex, m.ChunkData))
	}
	got, err := a.End()
	require.NoError(t, err)
	assert.Equal(t, original, *got)
}

func TestSplitAnalyzeSingleSlice(t *testing.T) {
	payload, err := json.Marshal(ClientMessage{Action: ActionAnalyze, S3Key: "k"})
	require.NoError(t, err)

	msgs, err := SplitAnalyze(payload, "", 1<<20)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, 1, msgs[0].TotalChunks)
}

func TestAssemblerDuplicateSliceLastWriteWins(t *testing.T) {
	payload, _ := json.Marshal(ClientMessage{Action: ActionAnalyze, S3Key: "key"})
	msgs, err := SplitAnalyze(payload, "", 8)
	require.NoError(t, err)
	chunks := msgs[1 : len(msgs)-1]

	var a Assembler
	require.NoError(t, a.Start(len(chunks), ""))
	// Deliver the first slice twice, then the rest.
	require.NoError(t, a.Add(*chunks[0].ChunkIndex, chunks[0].ChunkData))
	require.NoError(t, a.Add(*chunks[0].ChunkIndex, chunks[0].ChunkData))
	for _, m := range chunks[1:] {
		require.NoError(t, a.Add(*m.ChunkIndex, m.ChunkData))
	}

	got, err := a.End()
	require.NoError(t, err)
	assert.Equal(t, "key", got.S3Key)
}

func TestAssemblerMissingSlice(t *testing.T) {
	var a Assembler
	require.NoError(t, a.Start(3, "python"))
	require.NoError(t, a.Add(0, "aGk="))
	require.NoError(t, a.Add(2, "aGk="))

	_, err := a.End()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "incomplete transfer")
	assert.False(t, a.Active(), "assembler must reset after a failed End")
}

func TestAssemblerRejectsOutOfRangeIndex(t *testing.T) {
	var a Assembler
	require.NoError(t, a.Start(2, ""))
	assert.Error(t, a.Add(2, "aGk="))
	assert.Error(t, a.Add(-1, "aGk="))
}

func TestAssemblerChunkWithoutStart(t *testing.T) {
	var a Assembler
	assert.Error(t, a.Add(0, "aGk="))
	_, err := a.End()
	assert.Error(t, err)
}

func TestAssemblerStartDiscardsPartialTransfer(t *testing.T) {
	payload, _ := json.Marshal(ClientMessage{Action: ActionAnalyze, S3Key: "fresh"})
	msgs, err := SplitAnalyze(payload, "", 1<<20)
	require.NoError(t, err)

	var a Assembler
	require.NoError(t, a.Start(5, ""))
	require.NoError(t, a.Add(0, "b2xk"))

	require.NoError(t, a.Start(msgs[0].TotalChunks, msgs[0].Language))
	require.NoError(t, a.Add(*msgs[1].ChunkIndex, msgs[1].ChunkData))
	got, err := a.End()
	require.NoError(t, err)
	assert.Equal(t, "fresh", got.S3Key)
}

func TestAssemblerRejectsNonAnalyzePayload(t *testing.T) {
	payload, _ := json.Marshal(ClientMessage{Action: ActionPing})
	msgs, err := SplitAnalyze(payload, "", 1<<20)
	require.NoError(t, err)

	var a Assembler
	require.NoError(t, a.Start(1, ""))
	require.NoError(t, a.Add(*msgs[1].ChunkIndex, msgs[1].ChunkData))
	_, err = a.End()
	require.Error(t, err)
}

func TestNeedsChunking(t *testing.T) {
	assert.False(t, NeedsChunking(make([]byte, 100), 100))
	assert.True(t, NeedsChunking(make([]byte, 101), 100))
}
