package build

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratoreg/strata"
	"github.com/stratoreg/strata/reference"
)

func TestParseCopyDefaults(t *testing.T) {
	def, err := Parse("", "COPY data/a.txt a.txt")
	require.NoError(t, err)

	require.Len(t, def.Steps, 1)
	require.Len(t, def.Steps[0].Operations, 1)

	op := def.Steps[0].Operations[0]
	assert.Equal(t, strata.OpFile, op.Kind)
	assert.Equal(t, "data/a.txt", op.Source)
	assert.Equal(t, "a.txt", op.Path)
	assert.Equal(t, strata.LinkHard, op.Link)
	assert.False(t, op.Writable)
}

func TestParseCopyOptions(t *testing.T) {
	def, err := Parse("", "COPY --writable=yes --link=soft data/a.txt a.txt")
	require.NoError(t, err)

	op := def.Steps[0].Operations[0]
	assert.Equal(t, strata.LinkSoft, op.Link)
	assert.True(t, op.Writable)
}

func TestParseCopyOptionsAfterOperands(t *testing.T) {
	def, err := Parse("", "COPY data/a.txt a.txt --link=soft")
	require.NoError(t, err)

	op := def.Steps[0].Operations[0]
	assert.Equal(t, "data/a.txt", op.Source)
	assert.Equal(t, "a.txt", op.Path)
	assert.Equal(t, strata.LinkSoft, op.Link)
}

func TestParseMkdirAndImage(t *testing.T) {
	def, err := Parse("", "MKDIR sub\nIMAGE base:latest")
	require.NoError(t, err)

	require.Len(t, def.Steps, 2)
	assert.Equal(t, strata.OpDirectory, def.Steps[0].Operations[0].Kind)
	assert.Equal(t, "sub", def.Steps[0].Operations[0].Path)
	assert.Equal(t, strata.OpImage, def.Steps[1].Operations[0].Kind)
	assert.Equal(t, reference.Tagged{Repository: "base", Tag: "latest"}, def.Steps[1].Operations[0].Image)
}

func TestParseFrom(t *testing.T) {
	def, err := Parse("", "# base\nFROM base:v1\nMKDIR sub")
	require.NoError(t, err)

	require.NotNil(t, def.Base)
	assert.Equal(t, "base:v1", def.Base.String())
	assert.Len(t, def.Steps, 1)
}

func TestParseFromNotFirst(t *testing.T) {
	_, err := Parse("build.str", "MKDIR sub\nFROM base:v1")

	var parseErr ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, 2, parseErr.Line)
	assert.Equal(t, "build.str", parseErr.File)
}

func TestParseLayerBlock(t *testing.T) {
	input := `BEGIN LAYER
COPY data/a.txt a.txt
MKDIR sub
END`
	def, err := Parse("", input)
	require.NoError(t, err)

	require.Len(t, def.Steps, 1)
	assert.Len(t, def.Steps[0].Operations, 2)
}

func TestParseUnterminatedBlock(t *testing.T) {
	_, err := Parse("", "BEGIN LAYER\nMKDIR sub")

	var parseErr ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, 1, parseErr.Line)
}

func TestParseNestedBlock(t *testing.T) {
	_, err := Parse("", "BEGIN LAYER\nBEGIN LAYER\nEND\nEND")
	assert.Error(t, err)
}

func TestParseEmptyBlock(t *testing.T) {
	_, err := Parse("", "BEGIN LAYER\nEND")
	assert.Error(t, err)
}

func TestParseArgsSubstitution(t *testing.T) {
	def, err := ParseArgs("", "FROM base:${version}\nCOPY data/${name}.txt ${name}.txt", map[string]string{
		"version": "v2",
		"name":    "a",
	})
	require.NoError(t, err)

	assert.Equal(t, &reference.Tagged{Repository: "base", Tag: "v2"}, def.Base)
	op := def.Steps[0].Operations[0]
	assert.Equal(t, "data/a.txt", op.Source)
	assert.Equal(t, "a.txt", op.Path)
}

func TestParseArgsUndefined(t *testing.T) {
	_, err := ParseArgs("build.str", "MKDIR ${missing}", nil)
	require.Error(t, err)

	var parseErr ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, 1, parseErr.Line)
	assert.Contains(t, parseErr.Msg, "${missing}")
}

func TestParseArgsLeavesCommentsAlone(t *testing.T) {
	def, err := ParseArgs("", "# uses ${whatever}\nMKDIR sub", nil)
	require.NoError(t, err)
	require.Len(t, def.Steps, 1)
}

func TestParseErrors(t *testing.T) {
	for _, tc := range []struct {
		name  string
		input string
		line  int
	}{
		{"unknown command", "FETCH something", 1},
		{"copy missing operand", "COPY data/a.txt", 1},
		{"mkdir missing operand", "MKDIR", 1},
		{"bad option", "COPY --link=sideways a b", 1},
		{"malformed option", "COPY --writable a b", 1},
		{"bad image reference", "IMAGE UPPER:tag", 1},
		{"end without begin", "MKDIR sub\nEND", 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse("", tc.input)
			var parseErr ParseError
			require.ErrorAs(t, err, &parseErr, tc.input)
			assert.Equal(t, tc.line, parseErr.Line)
			assert.Greater(t, parseErr.Column, 0)
		})
	}
}

func TestParseErrorString(t *testing.T) {
	err := ParseError{File: "build.str", Line: 3, Column: 6, Msg: "boom"}
	assert.Equal(t, "build.str:3:6: boom", err.Error())
}

func TestParseSkipsCommentsAndBlanks(t *testing.T) {
	def, err := Parse("", "# comment\n\n   \nMKDIR sub\n")
	require.NoError(t, err)
	assert.Len(t, def.Steps, 1)
}
