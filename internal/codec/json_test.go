package codec

import (
	"encoding/json"
	"testing"

	"github.com/go-kratos/kratos/v2/encoding"
	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisteredCodecKeepsAmpersand(t *testing.T) {
	c := encoding.GetCodec(Name)
	require.NotNil(t, c)

	out, err := c.Marshal(map[string]string{"publisher": "Interflex Datensysteme GmbH & Co. KG"})
	require.NoError(t, err)
	assert.Equal(t, `{"publisher":"Interflex Datensysteme GmbH & Co. KG"}`, string(out))

	var back map[string]string
	require.NoError(t, c.Unmarshal(out, &back))
	assert.Equal(t, "Interflex Datensysteme GmbH & Co. KG", back["publisher"])
}

func TestMarshalKratosError(t *testing.T) {
	out, err := jsonCodec{}.Marshal(kerrors.Conflict("ALREADY_RUNNING", "busy"))
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(out, &body))
	assert.Equal(t, "ALREADY_RUNNING", body["reason"])
	assert.EqualValues(t, 409, body["code"])
}
