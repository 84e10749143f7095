package checksum

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSum(t *testing.T) {
	// sha256("hello")
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", Sum([]byte("hello")))
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Sum(nil))
}

func TestVerify_IgnoresHexCase(t *testing.T) {
	data := []byte("hello")
	assert.True(t, Verify(data, strings.ToUpper(Sum(data))))
}

func TestVerify(t *testing.T) {
	data := []byte("a.txt")
	assert.True(t, Verify(data, Sum(data)))
	assert.False(t, Verify(data, Sum([]byte("b.txt"))))
	assert.False(t, Verify(data, ""))
}
