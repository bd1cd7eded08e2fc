package contenthash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentID(t *testing.T) {
	id := ContentID([]byte("deployment configuration"))

	assert.Len(t, id, 16)
	assert.Regexp(t, "^[0-9a-f]{16}$", id)
	assert.Equal(t, id, ContentID([]byte("deployment configuration")), "same input, same id")
	assert.NotEqual(t, id, ContentID([]byte("deployment configuration!")))
}

func TestAddressedPath(t *testing.T) {
	tests := []struct {
		name string
		hash string
		want string
	}{
		{
			name: "full hash",
			hash: "ab34ef0011223344",
			want: "ab/ab34ef0011223344",
		},
		{
			name: "uppercase is normalised",
			hash: "AB34EF0011223344",
			want: "ab/ab34ef0011223344",
		},
		{
			name: "degenerate short hash",
			hash: "a",
			want: "a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AddressedPath(tt.hash))
		})
	}
}
