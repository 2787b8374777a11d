package config

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSecret_String(t *testing.T) {
	s := Secret("account-42")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "account-42", s.Value())

	empty := Secret("")
	assert.Equal(t, "", empty.String())
}

func TestSecret_GoString(t *testing.T) {
	s := Secret("account-42")
	assert.Equal(t, `"[REDACTED]"`, fmt.Sprintf("%#v", s))
	assert.Equal(t, `""`, fmt.Sprintf("%#v", Secret("")))
}

func TestSecret_MarshalJSON(t *testing.T) {
	data, err := Secret("account-42").MarshalJSON()
	assert.NoError(t, err)
	assert.Equal(t, `"[REDACTED]"`, string(data))
}

func TestSecret_MarshalYAML(t *testing.T) {
	val, err := Secret("account-42").MarshalYAML()
	assert.NoError(t, err)
	assert.Equal(t, "[REDACTED]", val)
}
