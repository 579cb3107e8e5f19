package katcp

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParse_Inform verifies decoding of a plain inform line.
func TestParse_Inform(t *testing.T) {
	msg, err := Parse([]byte("#sensor-status 12345.0 1 foo.bar nominal 42"))
	require.NoError(t, err)

	assert.Equal(t, Inform, msg.Type)
	assert.Equal(t, "sensor-status", msg.Name)
	assert.Equal(t, uint32(0), msg.ID)
	require.Len(t, msg.Args, 5)
	assert.Equal(t, "12345.0", msg.Arg(0))
	assert.Equal(t, "foo.bar", msg.Arg(2))
	assert.Equal(t, "42", msg.Arg(4))
}

// TestParse_ReplyWithID verifies message id extraction and the ok helper.
func TestParse_ReplyWithID(t *testing.T) {
	msg, err := Parse([]byte("!sensor-list[7] ok 2"))
	require.NoError(t, err)

	assert.Equal(t, Reply, msg.Type)
	assert.Equal(t, "sensor-list", msg.Name)
	assert.Equal(t, uint32(7), msg.ID)
	assert.True(t, msg.OK())
}

// TestParse_Escapes verifies katcp argument unescaping.
func TestParse_Escapes(t *testing.T) {
	msg, err := Parse([]byte(`#sensor-list foo.bar A\_test\_sensor \@ integer`))
	require.NoError(t, err)

	assert.Equal(t, "A test sensor", msg.Arg(1))
	assert.Equal(t, "", msg.Arg(2))
	assert.Equal(t, "integer", msg.Arg(3))
}

// TestParse_AllEscapeSequences covers every escape the protocol defines.
func TestParse_AllEscapeSequences(t *testing.T) {
	msg, err := Parse([]byte(`#log test a\_b\nc\rd\te\ef\0g\\h`))
	require.NoError(t, err)
	assert.Equal(t, "a b\nc\rd\te\x1bf\x00g\\h", msg.Arg(1))
}

// TestParse_Errors rejects malformed lines.
func TestParse_Errors(t *testing.T) {
	cases := []string{
		"",
		"%watchdog",
		"?",
		"?sensor-list[abc]",
		"?sensor-list[12",
		"?sensor-list[0]",
		`#log bad\qescape`,
		`#log trailing\`,
	}
	for _, line := range cases {
		_, err := Parse([]byte(line))
		assert.Error(t, err, "line %q should not parse", line)
	}
}

// TestEncode_RoundTrip verifies encoded messages parse back identically.
func TestEncode_RoundTrip(t *testing.T) {
	original := &Message{
		Type: Request,
		Name: "sensor-sampling",
		ID:   3,
		Args: [][]byte{[]byte("foo.bar"), []byte("auto"), []byte("with space"), {}},
	}

	wire := bytes.TrimSuffix(original.Encode(), []byte("\n"))
	parsed, err := Parse(wire)
	require.NoError(t, err)
	assert.Equal(t, original, parsed)
}

// TestParseStatus verifies the status word table.
func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("nominal")
	require.NoError(t, err)
	assert.Equal(t, StatusNominal, st)

	st, err = ParseStatus("failure")
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, st)

	_, err = ParseStatus("wobbly")
	assert.Error(t, err)
}

// TestSyncState_Ordinals pins the gauge encoding of each state.
func TestSyncState_Ordinals(t *testing.T) {
	assert.Equal(t, 0, int(Disconnected))
	assert.Equal(t, 1, int(Syncing))
	assert.Equal(t, 2, int(Synced))
	assert.Equal(t, "synced", Synced.String())
}
