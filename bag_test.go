package relpersist

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shopModel() *Model {
	return NewModel().
		SharedType(SharedType("Shop").
			Property("Id", 0).
			Property("Name", "").
			Key("Id").
			Collection("Items", "Item", "ShopId")).
		SharedType(SharedType("Item").
			Table("items").
			Property("Id", 0).
			Property("Label", "").
			Property("ShopId", 0).
			Key("Id").
			Reference("Shop", "Shop", "ShopId"))
}

func TestSharedTypeValidation(t *testing.T) {
	tests := []struct {
		name string
		et   *EntityType
		want string
	}{
		{"no name", SharedType("").Property("Id", 0).Key("Id"), "without a name"},
		{"no properties", SharedType("X"), "has no properties"},
		{"bad property", SharedType("X").Property("id", 0).Key("id"), `invalid property "id"`},
		{"missing key", SharedType("X").Property("Id", 0).Key("Ref"), `key "Ref"`},
		{"missing fk", SharedType("X").Property("Id", 0).Key("Id").Reference("Y", "X", "YId"), `foreign key "YId"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewModel().SharedType(tt.et).validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNavigationToUndeclaredType(t *testing.T) {
	m := NewModel().SharedType(SharedType("Item").
		Property("Id", 0).
		Property("ShopId", 0).
		Key("Id").
		Reference("Shop", "Shop", "ShopId"))
	err := m.validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownSharedType))
}

func TestSharedTypeDeclaredTwice(t *testing.T) {
	m := NewModel().
		SharedType(SharedType("Shop").Property("Id", 0).Key("Id")).
		SharedType(SharedType("Shop").Property("Id", 0).Key("Id"))
	err := m.validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declared twice")
}

func TestEntityTypeAccessors(t *testing.T) {
	et := SharedType("Shop").Property("Id", 0).Key("Id")
	assert.Equal(t, "Shop", et.Name())
	assert.Equal(t, "Shop", et.TableName())
	assert.Equal(t, "Id", et.KeyName())
	assert.Equal(t, "shops", et.Table("shops").TableName())
}

func TestSetOfUnknownType(t *testing.T) {
	pm := newTestManager(t, shopModel())
	_, err := pm.NewSession().Set("Warehouse")
	assert.True(t, errors.Is(err, ErrUnknownSharedType))
}

func TestBagsRoundTrip(t *testing.T) {
	ctx := context.Background()
	pm := newTestManager(t, shopModel())

	s := pm.NewSession()
	items, err := s.Set("Item")
	require.NoError(t, err)
	corner := PropertyBag{"Name": "Corner"}
	items.Add(
		PropertyBag{"Label": "Bread", "Shop": corner},
		PropertyBag{"Label": "Milk", "Shop": corner},
	)
	written, err := s.SaveChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, written)
	assert.NotNil(t, corner["Id"])

	s = pm.NewSession()
	shops, err := s.Set("Shop")
	require.NoError(t, err)
	loaded, err := shops.Include("Items").FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	list := loaded[0]["Items"].([]PropertyBag)
	require.Len(t, list, 2)
	assert.Equal(t, "Bread", list[0]["Label"])
	assert.Equal(t, "Milk", list[1]["Label"])
	assert.Equal(t, loaded[0]["Id"], list[0]["ShopId"])

	shop, ok := list[1]["Shop"].(PropertyBag)
	require.True(t, ok, "the inverse reference is fixed up")
	assert.True(t, sameBag(shop, loaded[0]))
}

func TestBagIdentityResolution(t *testing.T) {
	ctx := context.Background()
	pm := newTestManager(t, shopModel())

	s := pm.NewSession()
	shops, err := s.Set("Shop")
	require.NoError(t, err)
	shops.Add(PropertyBag{"Name": "Corner"})
	_, err = s.SaveChanges(ctx)
	require.NoError(t, err)

	s = pm.NewSession()
	shops, err = s.Set("Shop")
	require.NoError(t, err)
	first, err := shops.FindAll(ctx)
	require.NoError(t, err)
	second, err := shops.Find(ctx, "name = ?", "Corner")
	require.NoError(t, err)
	assert.True(t, sameBag(first[0], second[0]))
	assert.Equal(t, "Shop (PropertyBag) {Id: 1} Unchanged\n", s.ShortView())
}

func TestBagModifyAndDelete(t *testing.T) {
	ctx := context.Background()
	pm := newTestManager(t, shopModel())

	s := pm.NewSession()
	items, err := s.Set("Item")
	require.NoError(t, err)
	items.Add(
		PropertyBag{"Label": "Bread", "Shop": PropertyBag{"Name": "Corner"}},
		PropertyBag{"Label": "Milk"},
	)
	_, err = s.SaveChanges(ctx)
	require.NoError(t, err)

	s = pm.NewSession()
	items, err = s.Set("Item")
	require.NoError(t, err)
	all, err := items.FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	all[0]["Label"] = "Sourdough"
	items.Remove(all[1])

	view := s.DebugView()
	assert.Contains(t, view, "Item (PropertyBag) {Id: 1} Modified")
	assert.Contains(t, view, "Label: 'Sourdough' Modified Originally 'Bread'")
	assert.Contains(t, view, "Item (PropertyBag) {Id: 2} Deleted")
	assert.Contains(t, view, "ShopId: 1 FK")

	written, err := s.SaveChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, written)

	left, err := items.FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "Sourdough", left[0]["Label"])
}

func TestIncludeUnknownNavigation(t *testing.T) {
	ctx := context.Background()
	pm := newTestManager(t, shopModel())
	shops, err := pm.NewSession().Set("Shop")
	require.NoError(t, err)
	shops.Add(PropertyBag{"Name": "Corner"})
	_, err = shops.session.SaveChanges(ctx)
	require.NoError(t, err)

	_, err = shops.Include("Owner").FindAll(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no navigation "Owner"`)
}

// seedShops saves Corner with Bread and an empty Market.
func seedShops(t *testing.T, pm *PersistenceManager) {
	t.Helper()
	s := pm.NewSession()
	shops, err := s.Set("Shop")
	require.NoError(t, err)
	shops.Add(
		PropertyBag{"Name": "Corner", "Items": []PropertyBag{{"Label": "Bread"}}},
		PropertyBag{"Name": "Market"},
	)
	_, err = s.SaveChanges(context.Background())
	require.NoError(t, err)
}

func TestIncludeReferenceLeavesCollectionUnloaded(t *testing.T) {
	ctx := context.Background()
	pm := newTestManager(t, shopModel())
	seedShops(t, pm)

	s := pm.NewSession()
	items, err := s.Set("Item")
	require.NoError(t, err)
	all, err := items.Include("Shop").FindAll(ctx)
	require.NoError(t, err)
	corner := all[0]["Shop"].(PropertyBag)
	_, loaded := corner["Items"]
	assert.False(t, loaded, "a partial collection is never made up")

	s = pm.NewSession()
	shops, err := s.Set("Shop")
	require.NoError(t, err)
	_, err = shops.Include("Items").FindAll(ctx)
	require.NoError(t, err)
	items, err = s.Set("Item")
	require.NoError(t, err)
	all, err = items.Include("Shop").FindAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all[0]["Shop"].(PropertyBag)["Items"], 1, "a loaded collection holds each item once")
}

func TestBagReferenceReassignment(t *testing.T) {
	ctx := context.Background()
	pm := newTestManager(t, shopModel())
	seedShops(t, pm)

	s := pm.NewSession()
	shops, err := s.Set("Shop")
	require.NoError(t, err)
	all, err := shops.FindAll(ctx)
	require.NoError(t, err)
	market := all[1]
	items, err := s.Set("Item")
	require.NoError(t, err)
	bread, err := items.Include("Shop").FindAll(ctx)
	require.NoError(t, err)

	bread[0]["Shop"] = market
	written, err := s.SaveChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, written)
	assert.Equal(t, market["Id"], bread[0]["ShopId"])

	deli := PropertyBag{"Name": "Deli"}
	bread[0]["Shop"] = deli
	written, err = s.SaveChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, written, "the new shop and the item")
	assert.NotNil(t, deli["Id"])
	assert.Equal(t, deli["Id"], bread[0]["ShopId"])

	reread, err := pm.NewSession().Set("Item")
	require.NoError(t, err)
	got, err := reread.Include("Shop").FindAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Deli", got[0]["Shop"].(PropertyBag)["Name"])
}

func TestBagCollectionAppend(t *testing.T) {
	ctx := context.Background()
	pm := newTestManager(t, shopModel())
	seedShops(t, pm)

	s := pm.NewSession()
	shops, err := s.Set("Shop")
	require.NoError(t, err)
	all, err := shops.Include("Items").FindAll(ctx)
	require.NoError(t, err)
	corner := all[0]

	jam := PropertyBag{"Label": "Jam"}
	corner["Items"] = append(corner["Items"].([]PropertyBag), jam)
	written, err := s.SaveChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, written)
	assert.Equal(t, corner["Id"], jam["ShopId"])

	items, err := pm.NewSession().Set("Item")
	require.NoError(t, err)
	stocked, err := items.Find(ctx, "shop_id = ?", corner["Id"])
	require.NoError(t, err)
	assert.Len(t, stocked, 2)
}
