package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix(PrefixPlan)
	assert.True(t, strings.HasPrefix(id, "pln_"))
	assert.Len(t, id, len("pln_")+32)
	assert.NotEqual(t, id, WithPrefix(PrefixPlan))
}
