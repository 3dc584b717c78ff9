package postgres

import (
	"context"
	"database/sql"

	"github.com/oklog/ulid/v2"

	"github.com/hanko-field/storefront/internal/domain"
	ppostgres "github.com/hanko-field/storefront/internal/platform/postgres"
)

// ShippingAddressRepository stores checkout addresses.
type ShippingAddressRepository struct {
	db *sql.DB
}

func (r *ShippingAddressRepository) Insert(ctx context.Context, address domain.ShippingAddress) (domain.ShippingAddress, error) {
	if address.ID == "" {
		address.ID = ulid.Make().String()
	}
	_, err := ppostgres.Conn(ctx, r.db).ExecContext(ctx, `
INSERT INTO shipping_addresses (id, user_id, full_name, email, phone, address1, address2, city, state_province, zipcode, country)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		address.ID, address.UserID, address.FullName, address.Email, nullString(address.Phone),
		address.Address1, nullString(address.Address2), address.City, nullString(address.StateProvince),
		address.Zipcode, address.Country)
	if err != nil {
		return domain.ShippingAddress{}, ppostgres.WrapError("shipping_addresses.insert", err)
	}
	return address, nil
}

func (r *ShippingAddressRepository) FindByID(ctx context.Context, addressID string) (domain.ShippingAddress, error) {
	var (
		a                      domain.ShippingAddress
		phone, address2, state sql.NullString
	)
	err := ppostgres.Conn(ctx, r.db).QueryRowContext(ctx, `
SELECT id, user_id, full_name, email, phone, address1, address2, city, state_province, zipcode, country
FROM shipping_addresses WHERE id = $1`, addressID).Scan(
		&a.ID, &a.UserID, &a.FullName, &a.Email, &phone, &a.Address1, &address2, &a.City, &state, &a.Zipcode, &a.Country)
	if err != nil {
		return domain.ShippingAddress{}, ppostgres.WrapError("shipping_addresses.find", err)
	}
	a.Phone, a.Address2, a.StateProvince = phone.String, address2.String, state.String
	return a, nil
}
