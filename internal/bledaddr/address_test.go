package bledaddr_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/bleorchd/internal/bledaddr"
)

func TestParseNormalizesCase(t *testing.T) {
	a, err := bledaddr.Parse("aa:bb:cc:dd:ee:ff")
	require.NoError(t, err)
	assert.Equal(t, bledaddr.Address("AA:BB:CC:DD:EE:FF"), a)
}

func TestParseRejectsMalformed(t *testing.T) {
	_, err := bledaddr.Parse("not-an-address")
	assert.Error(t, err)

	_, err = bledaddr.Parse("AA:BB:CC:DD:EE")
	assert.Error(t, err)

	_, err = bledaddr.Parse("ZZ:BB:CC:DD:EE:FF")
	assert.Error(t, err)
}

func TestEqualIsCaseInsensitive(t *testing.T) {
	a := bledaddr.MustParse("AA:BB:CC:DD:EE:FF")
	b := bledaddr.Address("aa:bb:cc:dd:ee:ff")
	assert.True(t, a.Equal(b))
}
