package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDescribePrefixes(t *testing.T) {
	assert.Equal(t, "all keys", describePrefixes(nil))
	assert.Equal(t, "user/, order/", describePrefixes([]string{"user/", "order/"}))
}
