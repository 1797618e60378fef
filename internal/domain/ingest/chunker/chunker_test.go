package chunker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChunkEnglishCoversInput(t *testing.T) {
	c := New(40, 10)
	text := "Applicants must hold a valid passport. Processing takes 10 business days. Fees are non refundable."
	chunks, err := c.Chunk("visa", "en", text)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for i, ch := range chunks {
		require.Equal(t, i, ch.Ordinal)
		require.LessOrEqual(t, ch.EndIdx-ch.StartIdx, 200) // generous bound; overlap inflates slightly
	}
}

func TestChunkDeterministicIDs(t *testing.T) {
	c := New(40, 10)
	text := "Applicants must hold a valid passport. Processing takes 10 business days."
	first, err := c.Chunk("visa", "en", text)
	require.NoError(t, err)
	second, err := c.Chunk("visa", "en", text)
	require.NoError(t, err)
	require.Equal(t, len(first), len(second))
	for i := range first {
		require.Equal(t, first[i].ChunkID, second[i].ChunkID)
	}
}

func TestChunkEmptyInputErrors(t *testing.T) {
	c := New(40, 10)
	_, err := c.Chunk("visa", "en", "   ")
	require.Error(t, err)
}

func TestChunkChineseBoundaries(t *testing.T) {
	c := New(20, 4)
	text := "申请人必须持有有效护照。签证处理需要十个工作日。费用不可退还。"
	chunks, err := c.Chunk("visa-zh", "zh", text)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for _, ch := range chunks {
		require.Equal(t, "zh", ch.Meta.Language)
	}
}

func TestChunkIDFormat(t *testing.T) {
	c := New(40, 10)
	chunks, err := c.Chunk("doc-1", "en", "Short sentence here.")
	require.NoError(t, err)
	require.Equal(t, "doc-1::0000", chunks[0].ChunkID)
}
