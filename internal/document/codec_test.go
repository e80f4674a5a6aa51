package document

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecFor(t *testing.T) {
	assert.Equal(t, "json", CodecFor(".mindlayer/project.json").Name())
	assert.Equal(t, "yaml", CodecFor("prefs.yaml").Name())
	assert.Equal(t, "yaml", CodecFor("prefs.YML").Name())
	assert.Equal(t, "json", CodecFor("noext").Name())
}

func TestJSON_RoundTripIsCanonical(t *testing.T) {
	in := []byte(`{"b": 1, "a": {"z": [1, "two", null, true], "html": "<tag>&"}}`)

	doc, err := JSON.Decode(in)
	require.NoError(t, err)

	out, err := JSON.Encode(doc)
	require.NoError(t, err)

	want := "{\n" +
		"  \"a\": {\n" +
		"    \"html\": \"<tag>&\",\n" +
		"    \"z\": [\n" +
		"      1,\n" +
		"      \"two\",\n" +
		"      null,\n" +
		"      true\n" +
		"    ]\n" +
		"  },\n" +
		"  \"b\": 1\n" +
		"}\n"
	assert.Equal(t, want, string(out))

	again, err := JSON.Decode(out)
	require.NoError(t, err)
	assert.True(t, Equal(doc, again))
}

func TestJSON_DecodeErrors(t *testing.T) {
	_, err := JSON.Decode([]byte(`{"a":`))
	require.Error(t, err)

	_, err = JSON.Decode([]byte(`["not", "an", "object"]`))
	require.Error(t, err)
}

func TestYAML_MatchesJSONStructurally(t *testing.T) {
	fromYAML, err := YAML.Decode([]byte("project:\n  name: atlas\n  stars: 3\ntags: [a, b]\n"))
	require.NoError(t, err)

	fromJSON, err := JSON.Decode([]byte(`{"project":{"name":"atlas","stars":3},"tags":["a","b"]}`))
	require.NoError(t, err)

	assert.True(t, Equal(fromYAML, fromJSON))

	out, err := YAML.Encode(fromYAML)
	require.NoError(t, err)
	back, err := YAML.Decode(out)
	require.NoError(t, err)
	assert.True(t, Equal(fromYAML, back))
}

func TestYAML_EmptyDocument(t *testing.T) {
	doc, err := YAML.Decode([]byte(""))
	require.NoError(t, err)
	assert.Empty(t, doc)
}

func TestJSON_LargeIntegersSurviveRoundTrip(t *testing.T) {
	in := []byte(`{"project":{"buildId":9007199254740993,"ratio":0.10,"max":18446744073709551615}}`)

	doc, err := JSON.Decode(in)
	require.NoError(t, err)
	id, ok := doc.Lookup("project.buildId")
	require.True(t, ok)
	assert.Equal(t, json.Number("9007199254740993"), id)

	out, err := JSON.Encode(doc)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"buildId": 9007199254740993`)
	assert.Contains(t, string(out), `"max": 18446744073709551615`)
	assert.Contains(t, string(out), `"ratio": 0.10`)
}

func TestJSON_RejectsTrailingData(t *testing.T) {
	_, err := JSON.Decode([]byte(`{"a":1} {"b":2}`))
	assert.Error(t, err)
}

func TestYAML_LargeIntegersSurviveRoundTrip(t *testing.T) {
	doc, err := YAML.Decode([]byte("buildId: 9007199254740993\nmax: 18446744073709551615\nratio: 1.5\n"))
	require.NoError(t, err)
	assert.Equal(t, json.Number("9007199254740993"), doc["buildId"])
	assert.Equal(t, json.Number("18446744073709551615"), doc["max"])

	out, err := YAML.Encode(doc)
	require.NoError(t, err)
	assert.Equal(t, "buildId: 9007199254740993\nmax: 18446744073709551615\nratio: 1.5\n", string(out))

	back, err := YAML.Decode(out)
	require.NoError(t, err)
	assert.True(t, Equal(doc, back))
}
