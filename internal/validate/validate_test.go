package validate

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmail(t *testing.T) {
	assert.NoError(t, Email("to", "user@example.com"))

	for _, bad := range []string{"", "not-an-email", "a@", "@b.com"} {
		err := Email("to", bad)
		var verr *Error
		require.True(t, errors.As(err, &verr), bad)
		assert.Equal(t, "to", verr.Field)
	}
}

func TestTextBoundary(t *testing.T) {
	s, err := Text("subject", "  "+strings.Repeat("a", 200)+"  ", 200)
	require.NoError(t, err)
	assert.Len(t, s, 200)

	_, err = Text("subject", strings.Repeat("a", 201), 200)
	assert.Error(t, err)

	// 按字符而不是字节计数
	_, err = Text("subject", strings.Repeat("é", 200), 200)
	assert.NoError(t, err)

	_, err = Text("body", " \n\t ", 0)
	var verr *Error
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "body", verr.Field)
}

func TestMinLength(t *testing.T) {
	assert.NoError(t, MinLength("password", "12345678", 8))
	assert.Error(t, MinLength("password", "1234567", 8))
}
