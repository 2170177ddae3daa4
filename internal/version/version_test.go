package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersion(t *testing.T) {
	assert.Equal(t, "0.1.0", Number())
	assert.NotEmpty(t, Commit())
	assert.NotContains(t, Number(), "\n")
	assert.Equal(t, "dni 0.1.0 ("+Commit()+")", String())
}
