package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "[0 characters]", maskSecret(""))
	assert.Equal(t, "[1 characters]", maskSecret("x"))
	assert.Equal(t, "[3 characters]", maskSecret("abc"))
	assert.Equal(t, "[7 characters]", maskSecret("abcdefg"))
	assert.Equal(t, "[some...cret]", maskSecret("somesecret"))
}
