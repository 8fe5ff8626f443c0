package fulfillment

import (
	"testing"

	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeAddress(t *testing.T) {
	got, err := NormalizeAddress(models.ShippingAddress{
		Name: "  Ada\tLovelace ", Line1: " 1  Main St ", City: "springfield", State: " il ", PostalCode: "62701", Country: "us",
	})
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", got.Name)
	assert.Equal(t, "1 Main St", got.Line1)
	assert.Equal(t, "IL", got.State)
	assert.Equal(t, "US", got.Country)
	assert.Equal(t, "62701", got.PostalCode)

	got, err = NormalizeAddress(models.ShippingAddress{
		Name: "Ayşe", Line1: "Bağdat Cd. 10", City: "İstanbul", PostalCode: "34710", Country: "tr",
	})
	require.NoError(t, err)
	assert.Equal(t, "TR", got.Country)
	assert.Empty(t, got.State)
}

func TestNormalizeAddress_Rejects(t *testing.T) {
	base := models.ShippingAddress{Name: "A", Line1: "1 Main", City: "X", State: "NY", PostalCode: "10001", Country: "US"}

	tests := map[string]func(a *models.ShippingAddress){
		"missing name":    func(a *models.ShippingAddress) { a.Name = " " },
		"missing line1":   func(a *models.ShippingAddress) { a.Line1 = "" },
		"long country":    func(a *models.ShippingAddress) { a.Country = "USA" },
		"bad zip":         func(a *models.ShippingAddress) { a.PostalCode = "1000" },
		"bad state":       func(a *models.ShippingAddress) { a.State = "New York" },
		"missing postal":  func(a *models.ShippingAddress) { a.PostalCode = "" },
		"missing country": func(a *models.ShippingAddress) { a.Country = "" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			a := base
			mutate(&a)
			_, err := NormalizeAddress(a)
			fe, ok := AsError(err)
			require.True(t, ok)
			assert.True(t, fe.Permanent)
			assert.Equal(t, "invalid_address", fe.Code)
		})
	}
}
