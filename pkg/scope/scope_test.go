package scope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchLiteral(t *testing.T) {
	p, err := Compile("api:openai:completions")
	require.NoError(t, err)
	assert.True(t, p.Match("api:openai:completions"))
	assert.False(t, p.Match("api:openai:embeddings"))
}

func TestMatchStar(t *testing.T) {
	p, err := Compile("api:openai:*")
	require.NoError(t, err)
	assert.True(t, p.Match("api:openai:completions"))
	assert.True(t, p.Match("api:openai:v1/chat/completions"), "star crosses / and :")
	assert.False(t, p.Match("api:anthropic:messages"))
}

func TestMatchQuestionMark(t *testing.T) {
	p, err := Compile("db:shard-?")
	require.NoError(t, err)
	assert.True(t, p.Match("db:shard-1"))
	assert.False(t, p.Match("db:shard-12"))
	assert.False(t, p.Match("db:shard-"))
}

func TestNoOtherMetacharacters(t *testing.T) {
	p, err := Compile("api:[a-z]+")
	require.NoError(t, err)
	assert.True(t, p.Match("api:[a-z]+"), "regex syntax is literal text")
	assert.False(t, p.Match("api:x"))
}

func TestSetMatch(t *testing.T) {
	s, err := CompileSet([]string{"api:openai:*", "db:reports"})
	require.NoError(t, err)
	assert.True(t, s.Match("db:reports"))
	assert.True(t, s.Match("api:openai:completions"))
	assert.False(t, s.Match("db:users"))
}

func TestSubsetOf(t *testing.T) {
	parent := []string{"api:openai:*"}

	assert.True(t, SubsetOf([]string{"api:openai:completions"}, parent))
	assert.True(t, SubsetOf([]string{"api:openai:*"}, parent), "identical pattern is a subset")
	assert.False(t, SubsetOf([]string{"api:*"}, parent), "widening is rejected")
	assert.False(t, SubsetOf([]string{"api:anthropic:messages"}, parent))
	assert.True(t, SubsetOf(nil, parent), "empty child is trivially a subset")
}

func TestSubsetOfMultiplePatterns(t *testing.T) {
	parent := []string{"api:openai:*", "db:reports:*"}
	assert.True(t, SubsetOf([]string{"db:reports:daily", "api:openai:completions"}, parent))
	assert.False(t, SubsetOf([]string{"db:reports:daily", "db:users"}, parent))
}

func TestUnicodeNormalization(t *testing.T) {
	// precomposed U+00E9 vs "e" + combining acute U+0301
	p, err := Compile("api:caf\u00e9")
	require.NoError(t, err)
	assert.True(t, p.Match("api:cafe\u0301"))
}
