package models

import "gorm.io/gorm"

// Migrate creates or updates every catalog table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Tenant{},
		&TenantMap{},
		&Tile{},
		&Grid{},
		&Marker{},
		&PublicMap{},
		&PublicMapTenantSource{},
		&PublicMapHmapSource{},
		&HmapSource{},
	)
}
